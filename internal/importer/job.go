// Package importer runs import jobs: it streams every discovered file in
// chunks through coercion, table materialization, duplicate suppression and
// the database write, and recovers from per-file failures.
//
// Files and chunks are processed strictly in order by a single goroutine.
// A stop request (context cancellation) takes effect between chunks.
package importer

import (
	"fmt"
	"strings"

	"csvload/internal/config"
	"csvload/internal/parser/csv"
	"csvload/internal/probe"
)

// Mode is the job's write mode.
type Mode string

const (
	// Append creates the table when absent and always appends.
	Append Mode = config.ModeAppend
	// Replace empties the table on the first write of the job, then appends.
	Replace Mode = config.ModeReplace
	// AppendOnly never creates the table; a missing table aborts the job.
	AppendOnly Mode = config.ModeAppendOnly
)

// DedupStrategy selects how rows with an already persisted key are removed.
type DedupStrategy string

const (
	// DedupRead reads the key column of the destination before each chunk.
	DedupRead DedupStrategy = config.DedupRead
	// DedupConstraint creates the table with a UNIQUE key and lets the
	// database skip conflicting rows.
	DedupConstraint DedupStrategy = config.DedupConstraint
)

// Job is the immutable description of one import run.
type Job struct {
	Name  string
	Dir   string
	Glob  string
	Table string

	Read       csv.Options
	SampleRows int

	Mode     Mode
	Key      string
	Strategy DedupStrategy

	Types      probe.Sources
	Heuristics probe.Heuristics
}

// FileTask is one discovered file of a job.
type FileTask struct {
	Path  string
	Index int
}

// NewJob builds a Job from a loaded job file. The uploaded schema file, if
// any, is read here so the run itself does no config I/O.
func NewJob(c *config.Job) (Job, error) {
	comma, err := c.Source.SeparatorRune()
	if err != nil {
		return Job{}, fmt.Errorf("source.separator: %w", err)
	}
	uploaded, err := c.Types.UploadedDecisions()
	if err != nil {
		return Job{}, err
	}

	j := Job{
		Name:  c.Job,
		Dir:   c.Source.Dir,
		Glob:  c.Source.Glob,
		Table: strings.TrimSpace(c.Destination.Table),
		Read: csv.Options{
			Comma:      comma,
			Encoding:   c.Source.Encoding,
			ChunkSize:  c.Source.ChunkSize,
			LazyQuotes: c.Source.LazyQuotes,
			TrimSpace:  true,
		},
		SampleRows: c.Source.SampleRows,
		Mode:       Mode(c.Destination.Mode),
		Key:        strings.TrimSpace(c.Dedup.Key),
		Strategy:   DedupStrategy(c.Dedup.Strategy),
		Types: probe.Sources{
			Template:    c.Types.Template,
			Uploaded:    uploaded,
			DateColumns: c.Types.DateColumns,
		},
		Heuristics: probe.Heuristics{
			CodePrefixes: c.Types.Heuristics.CodePrefixes,
			CodeKeywords: c.Types.Heuristics.CodeKeywords,
			DatePrefixes: c.Types.Heuristics.DatePrefixes,
			DateKeywords: c.Types.Heuristics.DateKeywords,
		},
	}
	if j.Mode == "" {
		j.Mode = Append
	}
	if j.Strategy == "" {
		j.Strategy = DedupRead
	}
	if j.SampleRows <= 0 {
		j.SampleRows = config.DefaultSampleRows
	}
	return j, nil
}

// uniqueKey is the column the materializer declares UNIQUE, if any.
func (j Job) uniqueKey() string {
	if j.Strategy == DedupConstraint {
		return j.Key
	}
	return ""
}
