package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"charm.land/bubbles/v2/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"csvload/internal/config"
	"csvload/internal/importer"
)

func (a *app) newRunCmd() *cobra.Command {
	var (
		cfgPath        string
		saveLog        string
		metricsBackend string
		noProgress     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import every matching file of a job",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadValidJob(cfgPath)
			if err != nil {
				return err
			}
			env := a.deps.loadEnv()

			var pv *progressView
			level := env.LogLevel
			if !noProgress && a.deps.isTerminal(a.stderr) {
				pv = newProgressView(a.stderr)
				// The bar owns stderr; the run log still gets every Info line.
				level = max(level, slog.LevelWarn)
			}
			logger, closeLog := config.SetupLogger(a.stderr, env.LogFile, level)
			defer closeLog()

			backend := metricsBackend
			if backend == "" {
				backend = env.MetricsBackend
			}
			cleanup, err := a.deps.initMetrics(cmd.Context(), logger, cfg.Job, backend, env.MetricsTags)
			defer cleanup()
			if err != nil {
				return usageErr(err)
			}

			rc := runnerConfig{
				Logger:     logger,
				Advisor:    a.advisor(cfg, env, logger),
				SaveLogDir: saveLog,
			}
			if pv != nil {
				rc.OnProgress = pv.Update
			}

			res, err := a.deps.newRunner(rc).Run(cmd.Context(), cfg)
			pv.Finish()
			if res != nil {
				printSummary(a.stdout, res)
			}
			if err != nil {
				return err
			}
			if n := res.FailedFiles(); n > 0 {
				return fmt.Errorf("%d of %d files failed; see the run log", n, len(res.Files))
			}
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().StringVar(&saveLog, "save-log", "", "directory that receives import_log_YYYYMMDD_HHMMSS.txt (overrides runtime.save_log_dir)")
	cmd.Flags().StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none|datadog (default from METRICS_BACKEND)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "never draw progress bars")
	return cmd
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D787"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF005F")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C")).Italic(true)
)

// printSummary writes the per-file and total counts of a run.
func printSummary(w io.Writer, res *importer.Result) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-32s %10s %10s %9s %8s %8s  %s",
		"FILE", "EXPECTED", "WRITTEN", "FILTERED", "INVALID", "SKIPPED", "STATUS")))
	for _, f := range res.Files {
		status := okStyle.Render("ok")
		if f.Err != nil {
			status = failStyle.Render("failed: " + f.Err.Error())
		} else if f.FailedChunks > 0 {
			status = failStyle.Render(fmt.Sprintf("%d chunks failed", f.FailedChunks))
		}
		fmt.Fprintf(w, "%-32s %10d %10d %9d %8d %8d  %s\n",
			filepath.Base(f.Task.Path), f.Expected, f.Written, f.Filtered, f.InvalidValues, f.SkippedRecords, status)
	}

	state := okStyle.Render(res.State.String())
	if res.State != importer.Completed {
		state = failStyle.Render(res.State.String())
	}
	fmt.Fprintf(w, "%s %d rows written, %d filtered, %d files (%d failed), %d reconnects: %s\n",
		headerStyle.Render("TOTAL"), res.Total, res.Filtered, len(res.Files), res.FailedFiles(), res.Reconnects, state)
	fmt.Fprintln(w, hintStyle.Render(fmt.Sprintf("run %s took %s", res.RunID, res.Finished.Sub(res.Started).Truncate(time.Millisecond))))
}

// progressView draws one bar per file on a terminal. A nil view draws
// nothing.
type progressView struct {
	w       io.Writer
	bar     progress.Model
	file    int
	started bool
}

func newProgressView(w io.Writer) *progressView {
	return &progressView{
		w:   w,
		bar: progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
	}
}

// Update redraws the current file's bar. A new file moves to a new line.
func (p *progressView) Update(c importer.Counters) {
	if p.started && c.FileIndex != p.file {
		fmt.Fprintln(p.w)
	}
	p.started, p.file = true, c.FileIndex

	label := labelStyle.Render(fmt.Sprintf("[%d/%d] %s", c.FileIndex+1, c.FileCount, filepath.Base(c.File)))
	fmt.Fprintf(p.w, "\r\x1b[2K%s %s %d/%d rows", label, p.bar.ViewAs(c.Fraction()), c.FileWritten, c.FileExpected)
}

func (p *progressView) Finish() {
	if p != nil && p.started {
		fmt.Fprintln(p.w)
	}
}
