// Command csvload bulk-loads directories of delimited text extracts into a
// relational table.
//
//	csvload run -c job.yaml [--save-log DIR] [--metrics-backend none|datadog] [--no-progress]
//	csvload validate -c job.yaml
//	csvload infer -c job.yaml > schema.csv
//	csvload templates [name]
//	csvload schedule -c job.yaml --cron "0 3 * * *"
//
// Exit codes: 0 ok, 1 runtime failure, 2 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"csvload/internal/advisor"
	"csvload/internal/config"
	"csvload/internal/importer"
	"csvload/internal/probe"

	// register all backends with the storage factory.
	// the job file picks one but the binary supports all of them.
	_ "csvload/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is what the commands need from importer.Runner.
type runner interface {
	Run(ctx context.Context, cfg *config.Job) (*importer.Result, error)
	Infer(ctx context.Context, cfg *config.Job) (*importer.Inference, error)
}

type runnerConfig struct {
	Logger     *slog.Logger
	Advisor    probe.Advisor
	OnProgress importer.ProgressFunc
	SaveLogDir string
}

// appDeps are the side-effecting collaborators of the CLI. Tests replace them.
type appDeps struct {
	loadJob     func(path string) (*config.Job, error)
	loadEnv     func() config.Env
	newRunner   func(rc runnerConfig) runner
	newAdvisor  func(apiKey, model string) (probe.Advisor, error)
	initMetrics func(ctx context.Context, logger *slog.Logger, jobName, backend, tags string) (func(), error)
	isTerminal  func(w io.Writer) bool
}

func defaultDeps() appDeps {
	return appDeps{
		loadJob: config.Load,
		loadEnv: config.LoadEnv,
		newRunner: func(rc runnerConfig) runner {
			r := importer.NewDefaultRunner()
			r.Logger = rc.Logger
			r.Advisor = rc.Advisor
			r.OnProgress = rc.OnProgress
			r.SaveLogDir = rc.SaveLogDir
			return r
		},
		newAdvisor: func(apiKey, model string) (probe.Advisor, error) {
			a, err := advisor.NewAnthropic(apiKey, model)
			if err != nil {
				return nil, err
			}
			return a, nil
		},
		initMetrics: initMetrics,
		isTerminal: func(w io.Writer) bool {
			f, ok := w.(*os.File)
			return ok && term.IsTerminal(int(f.Fd()))
		},
	}
}

// exitError carries a non-default exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error { return &exitError{code: 2, err: err} }

// runMain executes the CLI and returns the process exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "csvload: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code == 2 {
			fmt.Fprintln(stderr, "usage: csvload <run|validate|infer|templates|schedule> [flags]; see csvload --help")
		}
		return ee.code
	}
	return 1
}
