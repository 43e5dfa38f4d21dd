package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"csvload/internal/schema"
	"csvload/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// maxParams is the Postgres bind-parameter limit per statement.
const maxParams = 65535

/*
Repo implements storage.Repository for Postgres.

It provides:
  - catalog lookups through information_schema
  - shape-only table creation with an optional UNIQUE natural key
  - plain writes through COPY, conflict-ignoring writes through
    INSERT ... ON CONFLICT DO NOTHING
  - replace writes as TRUNCATE + write in one transaction
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a pool for cfg.DSN and verifies it with a ping so an unreachable
// server fails here rather than on the first write.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", classify(err))
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// Ping checks that a connection can be acquired and used.
func (r *Repo) Ping(ctx context.Context) error {
	return classify(r.pool.Ping(ctx))
}

// TableExists looks the table up in information_schema. An unqualified name is
// resolved against current_schema().
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	sch, name := storage.SplitTable(table, "")

	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2
		)`, sch, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, classify(err))
	}
	return ok, nil
}

// CreateTable creates the table (and its schema, when qualified).
//
// The CREATE TABLE has no IF NOT EXISTS. A concurrent creator surfaces as
// SQLSTATE 42P07, which is reported as storage.ErrTableExists.
func (r *Repo) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", spec.Name, classify(err))
		}
	}
	if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
		if isDuplicateTable(err) {
			return fmt.Errorf("create table %s: %w", spec.Name, storage.ErrTableExists)
		}
		return fmt.Errorf("create table %s: %w", spec.Name, classify(err))
	}
	return nil
}

// SelectKeySet reads the distinct non-null values of column.
func (r *Repo) SelectKeySet(ctx context.Context, table, column string) (map[string]struct{}, error) {
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL`,
		pgIdent(column), pgTableIdent(table), pgIdent(column))

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("select keys %s.%s: %w", table, column, classify(err))
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var k any
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan keys %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select keys %s: %w", table, classify(err))
	}
	return out, nil
}

// writer is satisfied by both *pgxpool.Pool and pgx.Tx.
type writer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// WriteRows writes rows to table.
//
// Replace runs TRUNCATE and the write in one transaction, so a failed write
// leaves the previous contents in place.
func (r *Repo) WriteRows(ctx context.Context, table string, columns []string, rows [][]any, opt storage.WriteOptions) (int64, error) {
	if !opt.Replace {
		n, err := write(ctx, r.pool, table, columns, rows, opt.IgnoreConflicts)
		return n, classify(err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+pgTableIdent(table)); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", table, classify(err))
	}
	n, err := write(ctx, tx, table, columns, rows, opt.IgnoreConflicts)
	if err != nil {
		return 0, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", classify(err))
	}
	return n, nil
}

func write(ctx context.Context, w writer, table string, columns []string, rows [][]any, ignoreConflicts bool) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if !ignoreConflicts {
		n, err := w.CopyFrom(ctx, pgIdentifier(table), columns, pgx.CopyFromRows(rows))
		if err != nil {
			return n, fmt.Errorf("copy into %s: %w", table, err)
		}
		return n, nil
	}

	var total int64
	size := batchSize(len(columns))
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		sql, args := buildInsertSQL(table, columns, rows[start:end])
		tag, err := w.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func batchSize(cols int) int {
	if cols <= 0 {
		return 1
	}
	return max(1, maxParams/cols)
}

// buildInsertSQL constructs a single conflict-ignoring INSERT and its args.
//
// ON CONFLICT has no target so any unique violation is skipped, which covers
// the natural-key constraint created by CreateTable.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT DO NOTHING")
	return b.String(), args
}

// buildCreateSQL builds DDL for a shape-only table.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", fmt.Errorf("table %s has no columns", t.Name)
	}

	if sch, _ := storage.SplitTable(t.Name, ""); sch != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(sch)
	}

	defs := make([]string, 0, len(t.Columns)+1)
	hasKey := false
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", "", fmt.Errorf("table %s: empty column name", t.Name)
		}
		defs = append(defs, pgIdent(c.Name)+" "+pgType(c.Kind))
		if c.Name == t.UniqueKey {
			hasKey = true
		}
	}
	if t.UniqueKey != "" {
		if !hasKey {
			return "", "", fmt.Errorf("table %s: unique key %q is not a column", t.Name, t.UniqueKey)
		}
		defs = append(defs, "UNIQUE ("+pgIdent(t.UniqueKey)+")")
	}

	tableSQL = "CREATE TABLE " + pgTableIdent(t.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)"
	return schemaSQL, tableSQL, nil
}

func pgType(k schema.TypeKind) string {
	switch k {
	case schema.Integer:
		return "BIGINT"
	case schema.Float:
		return "DOUBLE PRECISION"
	case schema.Date:
		return "DATE"
	default:
		return "TEXT"
	}
}

// pgIdent quotes an identifier, doubling embedded quotes.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	sch, t := storage.SplitTable(name, "")
	if sch == "" {
		return pgIdent(t)
	}
	return pgIdent(sch) + "." + pgIdent(t)
}

func pgIdentifier(name string) pgx.Identifier {
	sch, t := storage.SplitTable(name, "")
	if sch == "" {
		return pgx.Identifier{t}
	}
	return pgx.Identifier{sch, t}
}

// isDuplicateTable reports a lost CREATE TABLE race. Two concurrent creators
// can also collide on the row type in pg_type, which surfaces as a unique
// violation on pg_type_typname_nsp_index.
func isDuplicateTable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code == "42P07" {
		return true
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == "pg_type_typname_nsp_index"
}

// classify marks errors after which the session cannot be reused with
// storage.ErrConnLost.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception; 57P0x: server shutting down
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0") {
			return storage.ConnLost(err)
		}
		return err
	}

	var ce *pgconn.ConnectError
	if errors.As(err, &ce) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) || storage.IsConnectionError(err) {
		return storage.ConnLost(err)
	}
	return err
}
