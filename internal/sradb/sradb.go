// Package sradb queries a local SRAmetadb sqlite snapshot: term search for
// run accessions worth feeding into the pipeline, and per-submission
// library-construction and sample-manipulation lookups.
package sradb

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// searchColumns are the sra-table columns scanned by term search. The study
// abstract is included so protocol terms mentioned only in the paper-level
// description still match.
var searchColumns = []string{
	"experiment_title",
	"study_name",
	"design_description",
	"sample_name",
	"library_strategy",
	"library_construction_protocol",
	"platform",
	"instrument_model",
	"platform_parameters",
	"study_abstract",
}

// DB wraps an open SRAmetadb snapshot.
type DB struct {
	db *sql.DB
}

// Open opens an existing snapshot. It fails if the file does not exist
// rather than letting sqlite create an empty database.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("SRA metadata snapshot not found at %s (run `varcall fetchdb` to download it): %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the snapshot.
func (d *DB) Close() error { return d.db.Close() }

// Match is one term-search hit.
type Match struct {
	StudyAccession string
	RunAccession   string
}

// Search returns the distinct run accessions whose metadata contains every
// one of the given terms, where each term may appear in any of the searched
// columns. Terms are matched as substrings, case behavior following sqlite's
// LIKE.
func (d *DB) Search(terms []string, withStudy bool) ([]Match, error) {
	cleaned := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("no search terms given")
	}

	sel := "SELECT DISTINCT run_accession FROM sra"
	if withStudy {
		sel = "SELECT DISTINCT study_accession, run_accession FROM sra"
	}

	var (
		groups []string
		args   []any
	)
	for _, term := range cleaned {
		ors := make([]string, len(searchColumns))
		for i, col := range searchColumns {
			ors[i] = col + " LIKE ?"
			args = append(args, "%"+term+"%")
		}
		groups = append(groups, "("+strings.Join(ors, " OR ")+")")
	}
	query := sel + " WHERE " + strings.Join(groups, " AND ")

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if withStudy {
			err = rows.Scan(&m.StudyAccession, &m.RunAccession)
		} else {
			err = rows.Scan(&m.RunAccession)
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// LibraryProtocol returns the library-construction-protocol entries recorded
// for a submission accession.
func (d *DB) LibraryProtocol(submission string) ([]string, error) {
	return d.stringColumn(
		`SELECT library_construction_protocol FROM experiment WHERE submission_accession = ?`,
		submission,
	)
}

// SampleManipulation returns the sample description entries recorded for a
// submission accession.
func (d *DB) SampleManipulation(submission string) ([]string, error) {
	return d.stringColumn(
		`SELECT description FROM sample WHERE submission_accession = ?`,
		submission,
	)
}

// Tables lists the snapshot's tables.
func (d *DB) Tables() ([]string, error) {
	return d.stringColumn(`SELECT name FROM sqlite_master WHERE type = 'table'`)
}

func (d *DB) stringColumn(query string, args ...any) ([]string, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	return out, rows.Err()
}
