package importer

import (
	"context"
	"log/slog"
	"time"

	"csvload/internal/metrics"
	"csvload/internal/storage"
)

// ConnectFunc opens a repository with the job's connection configuration.
type ConnectFunc func(ctx context.Context) (storage.Repository, error)

// Recovery re-establishes the database session after a file-level failure.
type Recovery struct {
	Connect ConnectFunc
	Logger  *slog.Logger

	attempts int
}

// Reconnect closes old (if any) and makes exactly one connection attempt.
// On failure it returns nil and the error; the caller moves on to the next
// file either way.
func (r *Recovery) Reconnect(ctx context.Context, old storage.Repository, cause error) (storage.Repository, error) {
	r.attempts++
	if old != nil {
		old.Close()
	}

	start := time.Now()
	repo, err := r.Connect(ctx)
	metrics.RecordReconnect(metrics.Status(err))
	if err != nil {
		r.Logger.Error("stage=reconnect failed", "attempt", r.attempts, "cause", errString(cause), "error", err)
		return nil, err
	}
	r.Logger.Info("stage=reconnect ok", "attempt", r.attempts, "cause", errString(cause), "duration", time.Since(start).Truncate(time.Millisecond))
	return repo, nil
}

// Attempts reports how many reconnections were tried.
func (r *Recovery) Attempts() int { return r.attempts }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

