package importer

import (
	"context"
	"fmt"
	"time"

	"csvload/internal/domain"
	"csvload/internal/metrics"
	"csvload/internal/storage"
	"csvload/internal/transformer"
)

// DedupFilter removes rows whose natural key is already persisted.
type DedupFilter struct {
	Table string
	Key   string
}

// Filter reads the current key set of the destination and drops every row of
// c whose key is in it. Removed rows are freed. Rows without a key are kept,
// and keys repeated inside c are not checked against each other.
//
// Any failure is a *domain.DedupReadError and c is left untouched.
func (f DedupFilter) Filter(ctx context.Context, repo storage.Repository, c *transformer.Chunk) (int, error) {
	start := time.Now()
	n, err := f.filter(ctx, repo, c)
	metrics.RecordStep("dedup", metrics.Status(err), time.Since(start))
	return n, err
}

func (f DedupFilter) filter(ctx context.Context, repo storage.Repository, c *transformer.Chunk) (int, error) {
	ki := -1
	for i, col := range c.Columns {
		if col == f.Key {
			ki = i
			break
		}
	}
	if ki < 0 {
		return 0, &domain.DedupReadError{Table: f.Table, Column: f.Key, Err: fmt.Errorf("key column not in file")}
	}

	existing, err := repo.SelectKeySet(ctx, f.Table, f.Key)
	if err != nil {
		return 0, &domain.DedupReadError{Table: f.Table, Column: f.Key, Err: err}
	}
	if len(existing) == 0 {
		return 0, nil
	}

	kept := c.Rows[:0]
	removed := 0
	for _, r := range c.Rows {
		k := storage.NormalizeKey(r.V[ki])
		if k != "" {
			if _, dup := existing[k]; dup {
				r.Free()
				removed++
				continue
			}
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(c.Rows); i++ {
		c.Rows[i] = nil
	}
	c.Rows = kept
	return removed, nil
}
