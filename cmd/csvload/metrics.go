package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"csvload/internal/metrics"
	"csvload/internal/metrics/datadog"
)

// metricsBackend is a metrics.Backend that must be closed to flush.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics wires the named backend into the metrics package.
//
// The returned cleanup is never nil and is safe to call on error. For
// Datadog it restores the nop backend, then stops the flush loop and submits
// what is still buffered. A backend that fails to start disables metrics
// without failing the run.
func initMetrics(ctx context.Context, logger *slog.Logger, jobName, backend, tags string) (func(), error) {
	nop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		opts := datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(tags),
			FlushEvery: 60 * time.Second,
		}
		b, err := newDatadogBackend(ctx, opts)
		if err != nil {
			logger.Warn("metrics: datadog init failed; metrics disabled", "error", err)
			return nop, nil
		}
		setMetricsBackend(b)
		logger.Info("metrics: backend=datadog", "job", jobName, "tags", strings.Join(opts.Tags, ","))
		return func() {
			setMetricsBackend(nil)
			if err := b.Close(); err != nil {
				logger.Error("metrics: datadog close error", "error", err)
			}
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backend)
	}
}
