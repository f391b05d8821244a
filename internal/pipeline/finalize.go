package pipeline

import (
	"bytes"
	"fmt"
	"os"

	"github.com/strand-data/varcall.report/internal/fsutil"
)

// Finalize normalizes the tab artifact's header and publishes it into the
// shared aggregation directory.
//
// The conversion tool names the fourth column after the sample's genotype
// column; downstream tabular consumers expect a fixed schema, so exactly the
// first line's fourth tab-separated field is rewritten to the literal ALT.
// Idempotent: re-running after a completed run rewrites and overwrites the
// aggregation copy without error.
func Finalize(tabFile, sharedTabFile string) error {
	data, err := os.ReadFile(tabFile)
	if err != nil {
		return &FinalizationError{Err: err}
	}

	normalized, err := rewriteHeader(data)
	if err != nil {
		return &FinalizationError{Err: fmt.Errorf("%s: %w", tabFile, err)}
	}

	if !bytes.Equal(normalized, data) {
		if err := fsutil.WriteFileAtomic(tabFile, normalized, 0o644); err != nil {
			return &FinalizationError{Err: err}
		}
	}

	// Atomic rename keeps concurrent runs from interleaving partial writes
	// in the shared directory.
	if err := fsutil.CopyFileAtomic(tabFile, sharedTabFile); err != nil {
		return &FinalizationError{Err: err}
	}
	return nil
}

// rewriteHeader replaces the fourth tab-separated field of the first line
// with ALT, leaving every other byte untouched.
func rewriteHeader(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty tab file")
	}

	header := data
	rest := []byte(nil)
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		header = data[:i]
		rest = data[i:]
	}

	fields := bytes.Split(header, []byte("\t"))
	if len(fields) < 4 {
		return nil, fmt.Errorf("header has %d fields, want at least 4", len(fields))
	}
	fields[3] = []byte("ALT")

	out := bytes.Join(fields, []byte("\t"))
	return append(out, rest...), nil
}
