package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"csvload/internal/config"
	"csvload/internal/probe"
	"csvload/internal/storage"
)

// Runner turns a loaded job file into an Engine run.
type Runner struct {
	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Advisor    probe.Advisor
	Logger     *slog.Logger
	OnProgress ProgressFunc

	// SaveLogDir overrides the job file's runtime.save_log_dir when set.
	SaveLogDir string
}

func NewDefaultRunner() *Runner {
	return &Runner{
		NewRepository: func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
			return storage.New(ctx, cfg)
		},
	}
}

func (r *Runner) engine(cfg *config.Job) *Engine {
	sc := storage.Config{Kind: cfg.Destination.Kind, DSN: cfg.Destination.DSN}
	return &Engine{
		Connect: func(ctx context.Context) (storage.Repository, error) {
			return r.NewRepository(ctx, sc)
		},
		Advisor:    r.Advisor,
		Logger:     r.Logger,
		OnProgress: r.OnProgress,
	}
}

// Run validates cfg, runs it and saves the run log when a directory is
// configured. The Result is returned whenever the run started.
func (r *Runner) Run(ctx context.Context, cfg *config.Job) (*Result, error) {
	if issues := config.Validate(cfg); config.HasErrors(issues) {
		return nil, fmt.Errorf("invalid job %s: %v", cfg.Job, issues)
	}
	job, err := NewJob(cfg)
	if err != nil {
		return nil, err
	}

	res, runErr := r.engine(cfg).Run(ctx, job)
	if res == nil {
		return nil, runErr
	}

	dir := r.SaveLogDir
	if dir == "" {
		dir = cfg.Runtime.SaveLogDir
	}
	if dir != "" {
		p, err := res.RunLog.Save(dir, time.Now())
		if err != nil {
			if r.Logger != nil {
				r.Logger.Error("stage=save_log failed", "dir", dir, "error", err)
			}
		} else if r.Logger != nil {
			r.Logger.Info("stage=save_log", "path", p)
		}
	}
	return res, runErr
}

// Infer resolves the column types of cfg without touching the database.
func (r *Runner) Infer(ctx context.Context, cfg *config.Job) (*Inference, error) {
	job, err := NewJob(cfg)
	if err != nil {
		return nil, err
	}
	return r.engine(cfg).Infer(ctx, job)
}
