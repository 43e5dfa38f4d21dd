package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"csvload/internal/config"
	"csvload/internal/importer"
	"csvload/internal/metrics"
	"csvload/internal/metrics/datadog"
	"csvload/internal/probe"
	"csvload/internal/schema"
)

// fakeRunner is a deterministic runner used by CLI tests. It is
// concurrency-safe because schedule calls it from the cron goroutine.
type fakeRunner struct {
	res      *importer.Result
	err      error
	inf      *importer.Inference
	onRun    func()
	runCalls atomic.Int64

	mu      sync.Mutex
	lastCfg *config.Job
	lastRC  runnerConfig
}

func (r *fakeRunner) Run(ctx context.Context, cfg *config.Job) (*importer.Result, error) {
	r.runCalls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun()
	}
	return r.res, r.err
}

func (r *fakeRunner) Infer(ctx context.Context, cfg *config.Job) (*importer.Inference, error) {
	return r.inf, r.err
}

func okResult() *importer.Result {
	now := time.Now()
	return &importer.Result{
		RunID: "run-1",
		State: importer.Completed,
		Files: []importer.FileResult{
			{Task: importer.FileTask{Path: "/data/a.csv"}, Expected: 10, Written: 10},
			{Task: importer.FileTask{Path: "/data/b.csv", Index: 1}, Expected: 10, Written: 7, Filtered: 3},
		},
		Total:    17,
		Filtered: 3,
		Started:  now,
		Finished: now,
	}
}

func testDeps(t *testing.T, r *fakeRunner) appDeps {
	t.Helper()
	return appDeps{
		loadJob: config.Load,
		loadEnv: func() config.Env {
			return config.Env{LogLevel: slog.LevelError, MetricsBackend: "none"}
		},
		newRunner: func(rc runnerConfig) runner {
			r.mu.Lock()
			r.lastRC = rc
			r.mu.Unlock()
			return r
		},
		newAdvisor: func(string, string) (probe.Advisor, error) {
			t.Fatalf("newAdvisor must not be called")
			return nil, nil
		},
		initMetrics: func(context.Context, *slog.Logger, string, string, string) (func(), error) {
			return func() {}, nil
		},
		isTerminal: func(io.Writer) bool { return false },
	}
}

func writeJobFile(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "job: operadoras\n" +
		"source:\n  dir: " + dir + "\n" +
		"destination:\n  kind: sqlite\n  dsn: " + filepath.Join(dir, "x.db") + "\n  table: operadoras\n" +
		extra
	p := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write job file: %v", err)
	}
	return p
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"no_command", []string{}, "missing command"},
		{"unknown_command", []string{"nope"}, "unknown command"},
		{"unknown_flag", []string{"run", "--nope"}, "unknown flag"},
		{"run_missing_config", []string{"run"}, "missing -c/--config"},
		{"run_blank_config", []string{"run", "-c", "   "}, "missing -c/--config"},
		{"validate_missing_config", []string{"validate"}, "missing -c/--config"},
		{"templates_too_many_args", []string{"templates", "a", "b"}, "accepts at most 1 arg"},
		{"templates_unknown", []string{"templates", "nope"}, "nope"},
		{"schedule_missing_cron", []string{"schedule", "-c", "job.yaml"}, "missing --cron"},
		{"schedule_bad_cron", []string{"schedule", "-c", "job.yaml", "--cron", "every day"}, "--cron"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				loadJob: func(string) (*config.Job, error) {
					t.Fatalf("loadJob must not be called on usage errors")
					return nil, nil
				},
				newRunner: func(runnerConfig) runner {
					t.Fatalf("newRunner must not be called on usage errors")
					return nil
				},
			})

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if !strings.Contains(stderr.String(), "usage: csvload") {
				t.Fatalf("stderr=%q, want usage line", stderr.String())
			}
		})
	}
}

func TestRunMain_Run(t *testing.T) {
	t.Parallel()

	failed := okResult()
	failed.Files[1].Err = errors.New("connection (reconnect): refused")

	tests := []struct {
		name          string
		res           *importer.Result
		err           error
		wantCode      int
		wantStdoutSub string
		wantStderrSub string
	}{
		{name: "success", res: okResult(), wantCode: 0, wantStdoutSub: "17 rows written, 3 filtered, 2 files (0 failed)"},
		{name: "failed_file", res: failed, wantCode: 1, wantStdoutSub: "failed: connection", wantStderrSub: "1 of 2 files failed"},
		{name: "aborted", res: &importer.Result{State: importer.Aborted}, err: errors.New("connection (connect): refused"), wantCode: 1, wantStdoutSub: "aborted", wantStderrSub: "refused"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := &fakeRunner{res: tc.res, err: tc.err}
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"run", "-c", writeJobFile(t, ""), "--save-log", "/tmp/logs"}, &stdout, &stderr, testDeps(t, r))

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if r.runCalls.Load() != 1 {
				t.Fatalf("run calls=%d, want 1", r.runCalls.Load())
			}
			if !strings.Contains(stdout.String(), tc.wantStdoutSub) {
				t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantStdoutSub)
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if r.lastRC.SaveLogDir != "/tmp/logs" {
				t.Fatalf("SaveLogDir=%q, want /tmp/logs", r.lastRC.SaveLogDir)
			}
			if r.lastRC.OnProgress != nil {
				t.Fatalf("OnProgress set without a terminal")
			}
		})
	}
}

func TestRunMain_RunInvalidJobDoesNotRun(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{res: okResult()}
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"run", "-c", writeJobFile(t, "dedup:\n  strategy: constraint\n")}, &stdout, &stderr, testDeps(t, r))

	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if r.runCalls.Load() != 0 {
		t.Fatalf("runner called for an invalid job")
	}
	if !strings.Contains(stderr.String(), "error: dedup.strategy") {
		t.Fatalf("stderr=%q, want the validation issue", stderr.String())
	}
}

func TestRunMain_RunUnknownMetricsBackend(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{res: okResult()}
	deps := testDeps(t, r)
	deps.initMetrics = initMetrics

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"run", "-c", writeJobFile(t, ""), "--metrics-backend", "nope"}, &stdout, &stderr, deps)
	if code != 2 {
		t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
	}
	if r.runCalls.Load() != 0 {
		t.Fatalf("runner called with an unknown metrics backend")
	}
}

func TestRunMain_RunProgressOnTerminal(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{res: okResult()}
	r.onRun = func() {
		r.mu.Lock()
		p := r.lastRC.OnProgress
		r.mu.Unlock()
		p(importer.Counters{File: "/data/a.csv", FileCount: 2, FileWritten: 5, FileExpected: 10})
		p(importer.Counters{File: "/data/b.csv", FileIndex: 1, FileCount: 2, FileWritten: 10, FileExpected: 10})
	}
	deps := testDeps(t, r)
	deps.isTerminal = func(io.Writer) bool { return true }

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"run", "-c", writeJobFile(t, "")}, &stdout, &stderr, deps); code != 0 {
		t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	for _, want := range []string{"[1/2] a.csv", "[2/2] b.csv", "5/10 rows", "10/10 rows"} {
		if !strings.Contains(stderr.String(), want) {
			t.Fatalf("stderr=%q, want contains %q", stderr.String(), want)
		}
	}
}

func TestRunMain_AdvisorWiring(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		key       string
		wantCalls int64
		wantModel string
	}{
		{"with_key", "k", 1, "claude-test"},
		{"without_key", "", 0, ""},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := &fakeRunner{res: okResult()}
			deps := testDeps(t, r)
			deps.loadEnv = func() config.Env {
				return config.Env{LogLevel: slog.LevelError, AnthropicAPIKey: tc.key, AdvisorModel: "claude-test"}
			}
			var calls atomic.Int64
			var gotModel string
			deps.newAdvisor = func(key, model string) (probe.Advisor, error) {
				calls.Add(1)
				gotModel = model
				return nil, errors.New("offline")
			}

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"run", "-c", writeJobFile(t, "types:\n  advisor:\n    enabled: true\n")}, &stdout, &stderr, deps)
			if code != 0 {
				t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
			}
			if calls.Load() != tc.wantCalls {
				t.Fatalf("newAdvisor calls=%d, want %d", calls.Load(), tc.wantCalls)
			}
			if gotModel != tc.wantModel {
				t.Fatalf("model=%q, want %q", gotModel, tc.wantModel)
			}
			if r.lastRC.Advisor != nil {
				t.Fatalf("advisor wired although construction failed")
			}
		})
	}
}

func TestRunMain_Validate(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"validate", "-c", writeJobFile(t, "")}, &stdout, &stderr, testDeps(t, &fakeRunner{}))
	if code != 0 || !strings.Contains(stdout.String(), "is valid") {
		t.Fatalf("valid job: code=%d stdout=%q stderr=%q", code, stdout.String(), stderr.String())
	}

	stdout.Reset()
	code = runMain(context.Background(), []string{"validate", "-c", writeJobFile(t, "types:\n  template: nope\n")}, &stdout, &stderr, testDeps(t, &fakeRunner{}))
	if code != 1 || !strings.Contains(stdout.String(), "error: types.template") {
		t.Fatalf("invalid job: code=%d stdout=%q", code, stdout.String())
	}

	code = runMain(context.Background(), []string{"validate", "-c", filepath.Join(t.TempDir(), "none.yaml")}, &stdout, &stderr, testDeps(t, &fakeRunner{}))
	if code != 1 {
		t.Fatalf("missing job file: code=%d, want 1", code)
	}
}

func TestRunMain_Infer(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{inf: &importer.Inference{
		SampleFile: "/data/a.csv",
		Decisions: schema.NewDecisions(
			schema.Decision{Column: "CD_OPERADORA", Kind: schema.Text},
			schema.Decision{Column: "QT_BENEFICIARIOS", Kind: schema.Integer},
		),
	}}
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"infer", "-c", writeJobFile(t, "")}, &stdout, &stderr, testDeps(t, r))
	if code != 0 {
		t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
	}

	ds, err := schema.ReadSchemaCSV(strings.NewReader(stdout.String()))
	if err != nil {
		t.Fatalf("stdout is not a schema CSV: %v\n%s", err, stdout.String())
	}
	if ds.Kind("QT_BENEFICIARIOS") != schema.Integer || ds.Len() != 2 {
		t.Fatalf("decisions=%v", ds.All())
	}
}

func TestRunMain_Templates(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"templates"}, &stdout, &stderr, appDeps{}); code != 0 {
		t.Fatalf("exit code=%d", code)
	}
	if got := strings.Fields(stdout.String()); strings.Join(got, ",") != strings.Join(schema.TemplateNames(), ",") {
		t.Fatalf("templates=%v, want %v", got, schema.TemplateNames())
	}

	stdout.Reset()
	if code := runMain(context.Background(), []string{"templates", "Operadoras"}, &stdout, &stderr, appDeps{}); code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "column_name,data_type\n") {
		t.Fatalf("stdout=%q, want schema CSV", stdout.String())
	}
}

func TestRunMain_ScheduleRunsUntilCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeRunner{res: okResult(), onRun: cancel}
	var stdout, stderr bytes.Buffer

	done := make(chan int, 1)
	go func() {
		done <- runMain(ctx, []string{"schedule", "-c", writeJobFile(t, ""), "--cron", "@every 1s"}, &stdout, &stderr, testDeps(t, r))
	}()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("schedule did not stop after cancellation")
	}
	if r.runCalls.Load() < 1 {
		t.Fatalf("scheduled job never ran")
	}
}

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeMetricsBackend) Flush() error                                     { return nil }
func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// The initMetrics tests swap package-level seams and must not run in parallel.

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "NOOP"} {
		cleanup, err := initMetrics(context.Background(), slog.New(slog.DiscardHandler), "job", name, "")
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		newCalls atomic.Int64
		sets     []metrics.Backend
		gotOpts  datadog.Options
	)

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(mb metrics.Backend) { sets = append(sets, mb) }

	var logged bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logged, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cleanup, err := initMetrics(context.Background(), logger, "jobA", "datadog", "team:data, env:test")
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if gotOpts.JobName != "jobA" {
		t.Fatalf("JobName=%q, want jobA", gotOpts.JobName)
	}
	if strings.Join(gotOpts.Tags, ",") != "team:data,env:test" {
		t.Fatalf("Tags=%v", gotOpts.Tags)
	}
	if newCalls.Load() != 1 || len(sets) != 1 || sets[0] != b {
		t.Fatalf("new calls=%d sets=%v", newCalls.Load(), sets)
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if len(sets) != 2 || sets[1] != nil {
		t.Fatalf("cleanup must restore the nop backend, sets=%v", sets)
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	var logged bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logged, nil))

	cleanup, err := initMetrics(context.Background(), logger, "job", "dd", "")
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q, want the close error", logged.String())
	}
}

func TestInitMetrics_Datadog_InitFailureDisablesMetrics(t *testing.T) {
	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) {
		return nil, errors.New("DD_API_KEY is not set")
	}
	setMetricsBackend = func(metrics.Backend) { t.Fatalf("setMetricsBackend must not be called") }

	cleanup, err := initMetrics(context.Background(), slog.New(slog.DiscardHandler), "job", "datadog", "")
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), slog.New(slog.DiscardHandler), "job", "nope", "")
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q, want contains none|datadog", err.Error())
	}
}
