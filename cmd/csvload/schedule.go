package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"csvload/internal/config"
)

func (a *app) newScheduleCmd() *cobra.Command {
	var cfgPath, spec string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a job on a cron schedule until interrupted",
		Long: `schedule runs the job whenever the cron expression fires. The job file is
re-read before every run, and a run that is still going when the next one is
due causes that one to be skipped. With dedup.key set, each run only adds the
rows of newly delivered extracts.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(spec) == "" {
				return usageErr(errors.New("missing --cron expression"))
			}
			sched, err := cron.ParseStandard(spec)
			if err != nil {
				return usageErr(fmt.Errorf("--cron %q: %w", spec, err))
			}
			cfg, err := a.loadValidJob(cfgPath)
			if err != nil {
				return err
			}
			return a.schedule(cmd.Context(), cfgPath, cfg, spec, sched)
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().StringVar(&spec, "cron", "", `cron expression ("0 3 * * *", "@hourly", "@every 30m")`)
	return cmd
}

func (a *app) schedule(ctx context.Context, path string, cfg *config.Job, spec string, sched cron.Schedule) error {
	env := a.deps.loadEnv()
	logger, closeLog := config.SetupLogger(a.stderr, env.LogFile, env.LogLevel)
	defer closeLog()

	cleanup, err := a.deps.initMetrics(ctx, logger, cfg.Job, env.MetricsBackend, env.MetricsTags)
	defer cleanup()
	if err != nil {
		return usageErr(err)
	}

	cl := cronLogger{l: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sched, cron.FuncJob(func() { a.scheduledRun(ctx, path, env, logger) }))

	logger.Info("stage=schedule started", "job", cfg.Job, "cron", spec, "next", sched.Next(time.Now()).Format(time.RFC3339))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("stage=schedule stopped", "job", cfg.Job)
	return nil
}

func (a *app) scheduledRun(ctx context.Context, path string, env config.Env, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := a.deps.loadJob(path)
	if err != nil {
		logger.Error("stage=scheduled_run failed", "error", err)
		return
	}
	if issues := config.Validate(cfg); config.HasErrors(issues) {
		logger.Error("stage=scheduled_run job file is invalid", "path", path, "issues", fmt.Sprint(issues))
		return
	}

	r := a.deps.newRunner(runnerConfig{Logger: logger, Advisor: a.advisor(cfg, env, logger)})
	res, err := r.Run(ctx, cfg)
	if res != nil {
		printSummary(a.stdout, res)
	}
	if err != nil {
		logger.Error("stage=scheduled_run failed", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger. The scheduler's own chatter goes
// to debug.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
