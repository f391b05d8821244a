// varcall drives a sequential variant-calling workflow for sequencing-run
// accessions: download, QC, trim, align, call, filter against a truth set,
// and publish a tab-delimited discordant-call report.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/strand-data/varcall.report/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "batch":
		handleBatch(args)
	case "status":
		handleStatus(args)
	case "search":
		handleSearch(args)
	case "fetchdb":
		handleFetchdb(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`varcall - variant-calling pipeline runner

Usage: varcall <command> [options]

Commands:
  run        Run the full pipeline for one run accession
  batch      Run the pipeline for a file of accessions
  status     Show recorded stage progress for an accession
  search     Search the SRA metadata snapshot for run accessions
  fetchdb    Download the SRA metadata sqlite snapshot
  version    Show varcall version
  help       Show this help message

Common Flags:
  --root <dir>       Pipeline working directory (default: VARCALL_ROOT)
  --config <file>    YAML configuration file
  --force            Recreate a pre-existing isec artifacts directory
  --resume           Skip stages already recorded complete in the manifest
  --dry-run          Print tool invocations without executing them

Configuration:
  Every option can also be set via VARCALL_* environment variables or a
  YAML config file. Precedence: flags, then environment, then file.

Examples:
  # Full run for one accession
  varcall run SRR000001 --root /data/ws

  # Resume a failed run, keeping completed stages
  varcall run SRR000001 --root /data/ws --resume

  # Run a cohort four accessions at a time
  varcall batch --file accessions.txt --parallel 4

  # Find runs matching metadata terms
  varcall search "NA12878, Illumina"

Exit codes: 0 success, 1 usage error, 2 fail-fast input error,
3 tool failure, 4 output validation failure.`)
}
