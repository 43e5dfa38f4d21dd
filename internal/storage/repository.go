// Package storage defines the database collaborator of an import and the
// registry its backends plug into.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// WriteOptions select how WriteRows treats the destination.
type WriteOptions struct {
	// Replace empties the table and writes rows in one transaction.
	Replace bool
	// IgnoreConflicts skips rows that violate a unique constraint instead of
	// failing the batch. The returned count excludes skipped rows.
	IgnoreConflicts bool
}

// Repository is the backend-agnostic database collaborator of an import.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the import engine needs. Each backend implements these
// semantics in its own idiomatic way (Postgres COPY and ON CONFLICT, SQLite
// OR IGNORE, SQL Server NOT EXISTS).
type Repository interface {
	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error

	// TableExists looks the table up in the schema catalog.
	TableExists(ctx context.Context, table string) (bool, error)

	// CreateTable creates an empty table. If the table already exists the
	// returned error satisfies errors.Is(err, ErrTableExists).
	CreateTable(ctx context.Context, spec TableSpec) error

	// SelectKeySet reads every distinct non-null value of column, normalised
	// with NormalizeKey.
	SelectKeySet(ctx context.Context, table, column string) (map[string]struct{}, error)

	// WriteRows writes rows positionally aligned to columns and returns the
	// number of rows inserted.
	WriteRows(ctx context.Context, table string, columns []string, rows [][]any, opt WriteOptions) (int64, error)

	// Close releases backend resources. Call once.
	Close()
}

// Factory opens a Repository for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New opens a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %s)", cfg.Kind, strings.Join(Kinds(), ","))
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
