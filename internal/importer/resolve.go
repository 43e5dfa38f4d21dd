package importer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"csvload/internal/datasource/file"
	"csvload/internal/parser/csv"
	"csvload/internal/probe"
	"csvload/internal/schema"
)

// Inference is the result of resolving a job's column types without
// importing anything.
type Inference struct {
	// SampleFile is the file the sample came from. Empty when no file could
	// be sampled.
	SampleFile string
	Sample     probe.Sample
	Decisions  schema.Decisions
}

// Infer discovers the job's files and resolves column types from the first
// readable one, exactly as Run would.
func (e *Engine) Infer(ctx context.Context, job Job) (*Inference, error) {
	paths, err := file.Discover(job.Dir, job.Glob)
	if err != nil {
		return nil, err
	}
	log := e.baseLogger()
	inf := &Inference{}
	inf.SampleFile, inf.Sample = sampleFirst(ctx, e.files(), job, paths, log)
	ds, err := newResolver(e.Advisor, job, log).Resolve(ctx, inf.Sample, job.Types)
	if err != nil {
		return inf, err
	}
	inf.Decisions = ds
	return inf, nil
}

func newResolver(a probe.Advisor, job Job, log *slog.Logger) *probe.Resolver {
	return &probe.Resolver{Advisor: a, Heuristics: job.Heuristics, Logger: log}
}

// resolveTypes samples the first readable file and resolves the decisions
// every file of the run will use.
func resolveTypes(ctx context.Context, files Opener, a probe.Advisor, job Job, paths []string, log *slog.Logger) (schema.Decisions, error) {
	_, s := sampleFirst(ctx, files, job, paths, log)
	ds, err := newResolver(a, job, log).Resolve(ctx, s, job.Types)
	if err != nil {
		return ds, fmt.Errorf("resolve types: %w", err)
	}
	return ds, nil
}

// sampleFirst returns the header and leading rows of the first file that can
// be read. Unreadable files are logged and skipped here; the import itself
// reports them again.
func sampleFirst(ctx context.Context, files Opener, job Job, paths []string, log *slog.Logger) (string, probe.Sample) {
	for _, p := range paths {
		src, err := files.Open(ctx, p)
		if err != nil {
			log.Warn("stage=sample failed", "file", filepath.Base(p), "error", err)
			continue
		}
		cols, rows, err := csv.ReadSample(src, job.Read, job.SampleRows)
		if err != nil {
			log.Warn("stage=sample failed", "file", filepath.Base(p), "error", err)
			continue
		}
		log.Info("stage=sample", "file", filepath.Base(p), "columns", len(cols), "rows", len(rows))
		return p, probe.Sample{Columns: cols, Rows: rows}
	}
	return "", probe.Sample{}
}
