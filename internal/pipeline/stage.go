package pipeline

import (
	"fmt"
	"strconv"
)

// Command is one external tool invocation. Stdout, when set, is the file the
// tool's standard output is redirected to; the runner writes it via a temp
// file and rename so a crash never leaves a partially written artifact.
type Command struct {
	Program  string
	Args     []string
	Stdin    string            // optional: file fed to the tool's stdin
	Stdout   string            // optional: redirect target for the tool's stdout
	ExtraEnv map[string]string // appended to the inherited environment
}

// Stage is one step of the fixed pipeline sequence. Requires are checked
// before any command runs; Produces are checked after the last command
// exits zero. A stage with no commands is handled in-process by the
// orchestrator (finalization).
type Stage struct {
	Name     string
	Requires []string
	Produces []string
	Commands []Command
	Advisory bool // failure is logged and skipped instead of aborting the run
}

// Options carries the per-run tool parameters threaded into stage argument
// lists. The orchestrator passes thread counts through; it does not manage
// tool-internal parallelism.
type Options struct {
	Reference  string // reference genome FASTA; <Reference>.bwt must exist
	TruthVCF   string // known-truth VCF
	TruthVCFGz string // bgzip-compressed, tabix-indexed form of TruthVCF
	Adapters   string // adapter reference FASTA for trimming
	Ploidy     int
	Threads    int
	Perl5Lib   string // PERL5LIB for the vcf-to-tab conversion tool
}

// StageNames lists the pipeline sequence in execution order.
func StageNames() []string {
	return []string{
		"prefetch", "dump", "qc", "trim", "align", "bam",
		"call", "filter", "intersect", "isec", "totab", "finalize",
	}
}

// Stages builds the fixed twelve-stage sequence for one accession. The
// returned slice is the single source of truth for tool argument lists,
// stage ordering, and the input/output contract between stages.
func Stages(accession string, layout Layout, p Paths, opts Options) []Stage {
	threads := strconv.Itoa(opts.Threads)
	return []Stage{
		{
			Name:     "prefetch",
			Produces: []string{p.RawArchive},
			Commands: []Command{{
				Program: "prefetch",
				Args:    []string{"--output-directory", layout.SRA, accession},
			}},
		},
		{
			Name:     "dump",
			Requires: []string{p.RawArchive},
			Produces: []string{p.Read1, p.Read2},
			Commands: []Command{{
				Program: "fastq-dump",
				Args:    []string{"--gzip", "--split-files", "--outdir", layout.Fastq, p.RawArchive},
			}},
		},
		{
			Name:     "qc",
			Requires: []string{p.Read1, p.Read2},
			Advisory: true,
			Commands: []Command{{
				Program: "fastqc",
				Args:    []string{"-o", layout.FastQC, p.Read1, p.Read2},
			}},
		},
		{
			Name:     "trim",
			Requires: []string{p.Read1, p.Read2, opts.Adapters},
			Produces: []string{p.TrimmedPaired1, p.TrimmedPaired2},
			Commands: []Command{{
				Program: "trimmomatic",
				Args: []string{
					"PE", "-threads", threads, "-phred33",
					p.Read1, p.Read2,
					p.TrimmedPaired1, p.TrimmedUnpaired1,
					p.TrimmedPaired2, p.TrimmedUnpaired2,
					fmt.Sprintf("ILLUMINACLIP:%s:2:40:15", opts.Adapters),
				},
			}},
		},
		{
			Name:     "align",
			Requires: []string{p.TrimmedPaired1, p.TrimmedPaired2},
			Produces: []string{p.Alignment},
			Commands: []Command{{
				Program: "bwa",
				Args:    []string{"mem", "-t", threads, opts.Reference, p.TrimmedPaired1, p.TrimmedPaired2},
				Stdout:  p.Alignment,
			}},
		},
		{
			Name:     "bam",
			Requires: []string{p.Alignment},
			Produces: []string{p.SortedBAM, p.BAMIndex},
			Commands: []Command{
				{
					Program: "samtools",
					Args:    []string{"view", "-S", "-b", p.Alignment},
					Stdout:  p.AlignedBAM,
				},
				{
					Program: "samtools",
					Args:    []string{"sort", "-o", p.SortedBAM, p.AlignedBAM},
				},
				{
					Program: "samtools",
					Args:    []string{"index", p.SortedBAM},
				},
			},
		},
		{
			Name:     "call",
			Requires: []string{p.SortedBAM},
			Produces: []string{p.RawBCF, p.CalledVariants},
			Commands: []Command{
				{
					Program: "bcftools",
					Args:    []string{"mpileup", "-O", "b", "-o", p.RawBCF, "-f", opts.Reference, p.SortedBAM},
				},
				{
					Program: "bcftools",
					Args: []string{
						"call", "--ploidy", strconv.Itoa(opts.Ploidy),
						"-m", "-v", "-o", p.CalledVariants, p.RawBCF,
					},
				},
			},
		},
		{
			Name:     "filter",
			Requires: []string{p.CalledVariants},
			Produces: []string{p.FinalVariants},
			Commands: []Command{{
				Program: "vcfutils.pl",
				Args:    []string{"varFilter", p.CalledVariants},
				Stdout:  p.FinalVariants,
			}},
		},
		{
			Name:     "intersect",
			Requires: []string{p.FinalVariants, opts.TruthVCF},
			Produces: []string{p.FilteredVariantsGz, p.FilteredIndex},
			Commands: []Command{
				{
					Program: "bedtools",
					Args:    []string{"intersect", "-header", "-a", p.FinalVariants, "-b", opts.TruthVCF},
					Stdout:  p.FilteredVariants,
				},
				{
					Program: "bgzip",
					Args:    []string{"-f", p.FilteredVariants},
				},
				{
					Program: "tabix",
					Args:    []string{"-p", "vcf", p.FilteredVariantsGz},
				},
			},
		},
		{
			Name:     "isec",
			Requires: []string{p.FilteredVariantsGz, opts.TruthVCFGz},
			Produces: []string{p.DiscordantVCF},
			Commands: []Command{{
				Program: "bcftools",
				Args:    []string{"isec", "-p", p.IsecDir, "-C", p.FilteredVariantsGz, opts.TruthVCFGz},
			}},
		},
		{
			Name:     "totab",
			Requires: []string{p.DiscordantVCF},
			Produces: []string{p.TabFile},
			Commands: []Command{{
				Program:  "vcf-to-tab",
				Stdin:    p.DiscordantVCF,
				Stdout:   p.TabFile,
				ExtraEnv: perlEnv(opts.Perl5Lib),
			}},
		},
		{
			// Handled in-process: header normalization plus aggregation copy.
			Name:     "finalize",
			Requires: []string{p.TabFile},
			Produces: []string{p.SharedTabFile},
		},
	}
}

func perlEnv(perl5lib string) map[string]string {
	if perl5lib == "" {
		return nil
	}
	return map[string]string{"PERL5LIB": perl5lib}
}
