package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"

	"csvload/internal/datasource/file"
	"csvload/internal/domain"
	"csvload/internal/metrics"
	"csvload/internal/parser/csv"
	"csvload/internal/probe"
	"csvload/internal/schema"
	"csvload/internal/storage"
	"csvload/internal/transformer"
)

// Opener re-opens a source file from its beginning.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Engine runs import jobs.
//
// Only Connect is required. An Engine may run several jobs, one at a time.
type Engine struct {
	Connect ConnectFunc

	// Advisor is the optional type advisor consulted by the resolver.
	Advisor probe.Advisor
	// Files opens source files. Defaults to the local filesystem.
	Files Opener
	// Logger receives every log line of a run. The run log gets the Info
	// and above subset.
	Logger *slog.Logger
	// OnProgress, when set, observes the counters (see ProgressFunc).
	OnProgress ProgressFunc

	state atomic.Int32
}

// FileResult is the outcome of one file.
type FileResult struct {
	Task FileTask
	// Expected is the pre-flight record count.
	Expected int64
	// Read counts rows delivered in chunks, before dedup.
	Read    int64
	Written int64
	// Filtered counts rows dropped because their key was already persisted.
	Filtered int64
	// InvalidValues counts values replaced by their kind's fallback.
	InvalidValues int
	// SkippedRecords counts malformed records the reader dropped.
	SkippedRecords int
	Chunks         int
	FailedChunks   int
	// Err is the file-level failure, if any. Chunk failures are only logged.
	Err error
}

// Result is the outcome of a run. It is returned even when the run aborts.
type Result struct {
	RunID string
	State State

	Files    []FileResult
	Total    int64
	Filtered int64

	Reconnects   int
	TableCreated bool
	Decisions    schema.Decisions

	// Log holds the run log entries; RunLog can save them.
	Log      []LogEntry
	RunLog   *RunLog
	Started  time.Time
	Finished time.Time
}

// FailedFiles counts files that ended with a file-level failure.
func (r *Result) FailedFiles() int {
	n := 0
	for _, f := range r.Files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

// State reports the state of the current (or last) run.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

func (e *Engine) files() Opener {
	if e.Files == nil {
		return file.Local{}
	}
	return e.Files
}

func (e *Engine) baseLogger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// run is the per-run mutable state. It never outlives Run.
type run struct {
	e   *Engine
	job Job
	log *slog.Logger
	res *Result

	repo     storage.Repository
	recovery *Recovery
	mat      *Materializer
	dedup    DedupFilter

	decisions      schema.Decisions
	fileCount      int
	tableReady     bool
	replacePending bool
	counters       Counters
}

// Run executes job.
//
// It returns a non-nil Result in every case. The error is non-nil only when
// the run is Aborted: the source directory cannot be listed, the database
// cannot be reached at start, append-only finds no table, the type sources
// are invalid, or ctx was canceled. File and chunk failures are recorded in
// the Result and the run log instead.
func (e *Engine) Run(ctx context.Context, job Job) (*Result, error) {
	if e.Connect == nil {
		return nil, fmt.Errorf("importer: Engine.Connect is required")
	}

	rl := NewRunLog()
	res := &Result{RunID: uuid.NewString(), Started: time.Now()}
	console := e.baseLogger().Handler().WithAttrs([]slog.Attr{slog.String("run_id", res.RunID)})
	log := slog.New(slogmulti.Fanout(console, rl))

	r := &run{
		e:        e,
		job:      job,
		log:      log,
		res:      res,
		recovery: &Recovery{Connect: e.Connect, Logger: log},
		mat: &Materializer{
			Table:       job.Table,
			UniqueKey:   job.uniqueKey(),
			AllowCreate: job.Mode != AppendOnly,
			Logger:      log,
		},
		dedup: DedupFilter{Table: job.Table, Key: job.Key},
	}

	e.setState(Idle)
	err := r.execute(ctx)
	if r.repo != nil {
		r.repo.Close()
	}

	res.State = e.State()
	res.Reconnects = r.recovery.Attempts()
	res.Finished = time.Now()
	log.Info("stage=run_done",
		"state", res.State,
		"files", len(res.Files),
		"failed_files", res.FailedFiles(),
		"rows", res.Total,
		"filtered", res.Filtered,
		"reconnects", res.Reconnects,
		"duration", res.Finished.Sub(res.Started).Truncate(time.Millisecond),
	)
	res.Log = rl.Entries()
	res.RunLog = rl
	return res, err
}

func (r *run) abort(err error) error {
	r.e.setState(Aborted)
	r.log.Error("stage=abort", "error", err)
	return err
}

func (r *run) execute(ctx context.Context) error {
	job := r.job

	r.e.setState(Discovering)
	paths, err := file.Discover(job.Dir, job.Glob)
	if err != nil {
		return r.abort(err)
	}
	r.log.Info("stage=discover", "dir", job.Dir, "glob", job.Glob, "files", len(paths))

	repo, err := r.e.Connect(ctx)
	if err != nil {
		return r.abort(&domain.ConnectionError{Op: "connect", Err: err})
	}
	r.repo = repo

	if job.Mode == AppendOnly {
		exists, err := repo.TableExists(ctx, job.Table)
		if err != nil {
			return r.abort(&domain.ConnectionError{Op: "table_check", Err: err})
		}
		r.log.Info("stage=table_check", "table", job.Table, "exists", exists)
		if !exists {
			return r.abort(fmt.Errorf("%s (append-only): %w", job.Table, domain.ErrTableMissing))
		}
		r.tableReady = true
	}
	r.replacePending = job.Mode == Replace

	r.fileCount = len(paths)
	tasks := make([]FileTask, len(paths))
	for i, p := range paths {
		tasks[i] = FileTask{Path: p, Index: i}
	}

	ds, err := resolveTypes(ctx, r.e.files(), r.e.Advisor, job, paths, r.log)
	if err != nil {
		return r.abort(err)
	}
	r.decisions = ds
	r.res.Decisions = ds

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			r.log.Warn("stage=stopped", "remaining_files", len(tasks)-t.Index)
			return r.abort(err)
		}

		var fr FileResult
		if err := r.ensureConnected(ctx); err != nil {
			fr = FileResult{Task: t, Err: err}
		} else {
			fr, err = r.importFile(ctx, t)
			fr.Err = err
		}
		r.res.Files = append(r.res.Files, fr)
		r.res.Filtered += fr.Filtered
		if t.Index == 0 && r.replacePending {
			// Only the first file may empty the table.
			r.replacePending = false
			r.log.Warn("stage=replace first file wrote nothing, table kept", "table", job.Table)
		}

		if fr.Err == nil {
			metrics.RecordFile("ok")
			continue
		}
		metrics.RecordFile("error")
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(fr.Err, ctxErr) {
			r.log.Warn("stage=stopped", "file", filepath.Base(t.Path), "rows", fr.Written)
			return r.abort(ctxErr)
		}
		r.log.Error("stage=file_failed", "file", filepath.Base(t.Path), "rows", fr.Written, "error", fr.Err)

		var ce *domain.ConnectionError
		if errors.As(fr.Err, &ce) {
			// ensureConnected already made this file's reconnection attempt.
			continue
		}
		r.repo, _ = r.recovery.Reconnect(ctx, r.repo, fr.Err)
	}

	r.e.setState(Completed)
	return nil
}

// ensureConnected pings the session before a file and reconnects once when
// the ping fails.
func (r *run) ensureConnected(ctx context.Context) error {
	var cause error
	if r.repo != nil {
		if cause = r.repo.Ping(ctx); cause == nil {
			return nil
		}
		r.log.Warn("stage=ping failed", "error", cause)
	} else {
		cause = errors.New("no open connection")
	}

	repo, err := r.recovery.Reconnect(ctx, r.repo, cause)
	r.repo = repo
	if err != nil {
		return &domain.ConnectionError{Op: "reconnect", Err: err}
	}
	return nil
}

func (r *run) importFile(ctx context.Context, t FileTask) (FileResult, error) {
	fr := FileResult{Task: t}
	opener := r.e.files()
	log := r.log.With("file", filepath.Base(t.Path))

	r.e.setState(Reading)
	log.Info("stage=file_start", "index", t.Index)

	src, err := opener.Open(ctx, t.Path)
	if err != nil {
		return fr, err
	}
	expected, err := csv.CountRecords(ctx, src, r.job.Read)
	if err != nil {
		return fr, fmt.Errorf("count records: %w", err)
	}
	fr.Expected = int64(expected)

	if src, err = opener.Open(ctx, t.Path); err != nil {
		return fr, err
	}
	reader, err := csv.NewChunkReader(src, r.job.Read, func(line int, err error) {
		log.Warn("stage=read skipped malformed record", "line", line, "error", err)
	})
	if err != nil {
		return fr, err
	}
	defer reader.Close()

	plan := transformer.CompilePlan(reader.Header(), r.decisions)
	if extra := undecided(reader.Header(), r.decisions); len(extra) > 0 {
		log.Info("stage=resolve columns not in the job's decisions default to text", "columns", strings.Join(extra, ","))
	}

	r.counters = Counters{
		File:         t.Path,
		FileIndex:    t.Index,
		FileCount:    r.fileCount,
		FileExpected: fr.Expected,
		Total:        r.res.Total,
	}
	r.progress()

	for {
		if err := ctx.Err(); err != nil {
			return fr, err
		}

		r.e.setState(Reading)
		c, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fr, fmt.Errorf("read chunk %d: %w", fr.Chunks, err)
		}

		fr.Chunks++
		fr.Read += int64(c.Len())
		fr.SkippedRecords += c.Skipped
		metrics.RecordRows("read", int64(c.Len()))
		metrics.RecordRows("skipped", int64(c.Skipped))

		// A started chunk always finishes; stop requests wait for the boundary.
		err = r.importChunk(context.WithoutCancel(ctx), log, t, plan, c, &fr)
		idx := c.Index
		c.Free()
		if err == nil {
			metrics.RecordChunk("ok")
			continue
		}

		fr.FailedChunks++
		metrics.RecordChunk("error")
		log.Error("stage=chunk_failed", "chunk", idx, "error", err)
		if escalates(err) {
			return fr, err
		}
	}

	r.e.setState(FileDone)
	r.progress()
	log.Info("stage=file_done",
		"rows", fr.Written,
		"expected", fr.Expected,
		"filtered", fr.Filtered,
		"invalid_values", fr.InvalidValues,
		"skipped_records", fr.SkippedRecords,
		"failed_chunks", fr.FailedChunks,
	)
	return fr, nil
}

// importChunk runs coerce, materialize, dedup and write for one chunk.
func (r *run) importChunk(ctx context.Context, log *slog.Logger, t FileTask, plan transformer.Plan, c *transformer.Chunk, fr *FileResult) error {
	r.e.setState(Coercing)
	start := time.Now()
	rep, err := plan.Apply(c)
	metrics.RecordStep("coerce", metrics.Status(err), time.Since(start))
	if err != nil {
		var ce *domain.CoercionError
		if errors.As(err, &ce) {
			ce.File = t.Path
		}
		return err
	}
	if n := rep.InvalidTotal(); n > 0 {
		fr.InvalidValues += n
		metrics.RecordRows("invalid", int64(n))
		log.Warn("stage=coerce invalid values replaced", "chunk", c.Index, "values", n, "columns", formatCounts(rep.Invalid))
	}

	if !r.tableReady {
		r.e.setState(Materializing)
		created, err := r.mat.Ensure(ctx, r.repo, c.Columns, plan.Kinds())
		if err != nil {
			return err
		}
		r.tableReady = true
		r.res.TableCreated = r.res.TableCreated || created
	}

	replace := r.replacePending
	constraint := r.job.Key != "" && r.job.Strategy == DedupConstraint

	// The replace write empties the table, so existing keys are irrelevant.
	if r.job.Key != "" && r.job.Strategy == DedupRead && !replace {
		r.e.setState(Deduping)
		removed, err := r.dedup.Filter(ctx, r.repo, c)
		if err != nil {
			return err
		}
		if removed > 0 {
			fr.Filtered += int64(removed)
			metrics.RecordRows("filtered", int64(removed))
			log.Info("stage=dedup rows filtered", "chunk", c.Index, "filtered", removed, "key", r.job.Key)
		}
	}

	if c.Len() == 0 && !replace {
		return nil
	}

	r.e.setState(Writing)
	start = time.Now()
	attempted := c.Len()
	n, err := r.repo.WriteRows(ctx, r.job.Table, c.Columns, c.Values(), storage.WriteOptions{
		Replace:         replace,
		IgnoreConflicts: constraint,
	})
	metrics.RecordStep("write", metrics.Status(err), time.Since(start))
	if err != nil {
		return &domain.WriteError{File: t.Path, Chunk: c.Index, Err: err}
	}

	if replace {
		r.replacePending = false
		log.Info("stage=replace table emptied by first write", "table", r.job.Table)
	}
	if constraint {
		if skipped := int64(attempted) - n; skipped > 0 {
			fr.Filtered += skipped
			metrics.RecordRows("filtered", skipped)
			log.Info("stage=dedup rows filtered", "chunk", c.Index, "filtered", skipped, "key", r.job.Key)
		}
	}

	fr.Written += n
	r.res.Total += n
	metrics.RecordRows("written", n)
	log.Debug("stage=chunk_written", "chunk", c.Index, "rows", n)

	r.counters.FileWritten = fr.Written
	r.counters.Total = r.res.Total
	r.progress()
	return nil
}

func (r *run) progress() {
	if r.e.OnProgress != nil {
		r.e.OnProgress(r.counters)
	}
}

// escalates reports whether a chunk failure ends the file. Lost connections
// and table creation failures would fail every later chunk the same way.
func escalates(err error) bool {
	var tce *domain.TableCreationError
	return errors.Is(err, storage.ErrConnLost) ||
		errors.Is(err, domain.ErrTableMissing) ||
		errors.As(err, &tce)
}

func undecided(columns []string, ds schema.Decisions) []string {
	var out []string
	for _, c := range columns {
		if _, ok := ds.Lookup(c); !ok {
			out = append(out, c)
		}
	}
	return out
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, m[k])
	}
	return strings.Join(parts, ",")
}
