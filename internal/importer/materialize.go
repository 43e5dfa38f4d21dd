package importer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"csvload/internal/domain"
	"csvload/internal/metrics"
	"csvload/internal/schema"
	"csvload/internal/storage"
)

// Materializer makes sure the destination table exists before the first
// write of a job.
type Materializer struct {
	Table string
	// UniqueKey, when set, is declared UNIQUE on creation.
	UniqueKey   string
	AllowCreate bool
	Logger      *slog.Logger
}

// Ensure checks the catalog and, when the table is absent, creates it with
// the given column shape and no rows. It reports whether this call created
// the table.
//
// A table created concurrently by someone else counts as success. When
// creation is not allowed a missing table is domain.ErrTableMissing. Any
// other creation failure is a *domain.TableCreationError.
func (m *Materializer) Ensure(ctx context.Context, repo storage.Repository, columns []string, kinds []schema.TypeKind) (bool, error) {
	start := time.Now()

	exists, err := repo.TableExists(ctx, m.Table)
	if err != nil {
		metrics.RecordStep("materialize", "error", time.Since(start))
		return false, &domain.TableCreationError{Table: m.Table, Err: err}
	}
	m.Logger.Info("stage=table_check", "table", m.Table, "exists", exists)
	if exists {
		return false, nil
	}
	if !m.AllowCreate {
		return false, domain.ErrTableMissing
	}

	spec := storage.TableSpec{Name: m.Table, UniqueKey: m.UniqueKey}
	for i, c := range columns {
		spec.Columns = append(spec.Columns, storage.ColumnSpec{Name: c, Kind: kinds[i]})
	}

	err = repo.CreateTable(ctx, spec)
	metrics.RecordStep("materialize", metrics.Status(err), time.Since(start))
	switch {
	case err == nil:
		m.Logger.Info("stage=table_created", "table", m.Table, "columns", len(columns), "unique_key", m.UniqueKey)
		return true, nil
	case errors.Is(err, storage.ErrTableExists):
		m.Logger.Info("stage=table_created concurrently, using it", "table", m.Table)
		return false, nil
	default:
		return false, &domain.TableCreationError{Table: m.Table, Err: err}
	}
}
