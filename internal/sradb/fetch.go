package sradb

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/strand-data/varcall.report/internal/fsutil"
)

// Snapshot mirrors, tried in order. The S3 mirror is faster; NCBI is the
// fallback when it is unavailable.
var snapshotURLs = []string{
	"https://s3.amazonaws.com/starbuck1/sradb/SRAmetadb.sqlite.gz",
	"https://gbnci-abcc.ncifcrf.gov/backup/SRAmetadb.sqlite.gz",
}

const downloadAttempts = 4

// Fetch downloads the gzipped SRAmetadb snapshot to destPath + ".gz" and
// extracts it to destPath. It refuses to clobber either an existing archive
// or an existing snapshot; delete them first to re-download.
func Fetch(ctx context.Context, destPath string) error {
	gzPath := destPath + ".gz"
	if fsutil.Exists(gzPath) {
		return fmt.Errorf("%s already exists", gzPath)
	}
	if fsutil.Exists(destPath) {
		return fmt.Errorf("%s already exists", destPath)
	}

	var lastErr error
	for _, url := range snapshotURLs {
		if err := downloadWithRetry(ctx, url, gzPath); err != nil {
			lastErr = err
			log.Printf("mirror %s failed: %v", url, err)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("all snapshot mirrors failed: %w", lastErr)
	}

	log.Printf("extracting %s", gzPath)
	if err := gunzip(gzPath, destPath); err != nil {
		return fmt.Errorf("extracting snapshot: %w", err)
	}
	log.Printf("SRA metadata snapshot ready at %s", destPath)
	return nil
}

// downloadWithRetry fetches one URL with bounded exponential backoff, so a
// flaky mirror gets a few chances before we fall back to the next one.
func downloadWithRetry(ctx context.Context, url, dest string) error {
	attempt := func() error {
		if err := download(ctx, url, dest); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), downloadAttempts)
	return backoff.Retry(attempt, policy)
}

func download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 0} // multi-GB download, no overall timeout
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".sradb-download*")
	if err != nil {
		return err
	}
	log.Printf("downloading %s", url)
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func gunzip(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".sradb-extract*")
	if err != nil {
		return err
	}
	start := time.Now()
	if _, err := io.Copy(tmp, gz); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	log.Printf("extracted in %s", time.Since(start).Round(time.Second))
	return os.Rename(tmp.Name(), dest)
}
