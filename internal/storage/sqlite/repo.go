package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"csvload/internal/schema"
	"csvload/internal/storage"
)

// maxParams is modernc.org/sqlite's SQLITE_MAX_VARIABLE_NUMBER.
const maxParams = 32766

// dateLayout is how DATE columns are stored. SQLite has no date type; ISO text
// sorts and compares correctly and reads back unchanged.
const dateLayout = "2006-01-02"

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - There is no TRUNCATE; replace is DELETE FROM inside the write transaction.
//   - Dates are stored as ISO text (dateLayout).
//   - A lost CREATE TABLE race is detected by re-reading sqlite_master, since
//     the driver reports it only as a generic SQL logic error.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database file named by cfg.DSN (a path or a file: URI).
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

// TableExists looks the table up in sqlite_master of the table's schema
// ("main" when unqualified).
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	sch, name := storage.SplitTable(table, "main")

	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s.sqlite_master WHERE type = 'table' AND name = ?`, sqlIdent(sch))
	if err := r.db.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, classify(err))
	}
	return n > 0, nil
}

// CreateTable creates the table. If creation fails and the table is present
// afterwards, the failure was a lost race and storage.ErrTableExists is returned.
func (r *Repo) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		if ok, cerr := r.TableExists(ctx, spec.Name); cerr == nil && ok {
			return fmt.Errorf("create table %s: %w", spec.Name, storage.ErrTableExists)
		}
		return fmt.Errorf("create table %s: %w", spec.Name, classify(err))
	}
	return nil
}

func (r *Repo) SelectKeySet(ctx context.Context, table, column string) (map[string]struct{}, error) {
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL`,
		sqlIdent(column), sqlTableIdent(table), sqlIdent(column))

	rows, err := r.db.QueryContext(ctx, q)
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

// WriteRows inserts rows in batches inside one transaction. With Replace the
// table is emptied first in the same transaction.
func (r *Repo) WriteRows(ctx context.Context, table string, columns []string, rows [][]any, opt storage.WriteOptions) (int64, error) {
	if len(rows) == 0 && !opt.Replace {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", classify(err))
	}
	defer tx.Rollback()

	if opt.Replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+sqlTableIdent(table)); err != nil {
			return 0, fmt.Errorf("clear %s: %w", table, classify(err))
		}
	}

	var total int64
	size := batchSize(len(columns))
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		q, args := buildInsertSQL(table, columns, rows[start:end], opt.IgnoreConflicts)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, classify(err))
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", classify(err))
	}
	return total, nil
}

func batchSize(cols int) int {
	if cols <= 0 {
		return 1
	}
	return max(1, maxParams/cols)
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlTableIdent(name string) string {
	sch, t := storage.SplitTable(name, "")
	if sch == "" {
		return sqlIdent(t)
	}
	return sqlIdent(sch) + "." + sqlIdent(t)
}

func sqliteType(k schema.TypeKind) string {
	switch k {
	case schema.Integer:
		return "INTEGER"
	case schema.Float:
		return "REAL"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+1)
	hasKey := false
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("table %s: empty column name", t.Name)
		}
		parts = append(parts, sqlIdent(c.Name)+" "+sqliteType(c.Kind))
		if c.Name == t.UniqueKey {
			hasKey = true
		}
	}
	if t.UniqueKey != "" {
		if !hasKey {
			return "", fmt.Errorf("table %s: unique key %q is not a column", t.Name, t.UniqueKey)
		}
		parts = append(parts, "UNIQUE ("+sqlIdent(t.UniqueKey)+")")
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", sqlTableIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// buildInsertSQL builds a multi-row insert. With ignoreConflicts it uses
// "INSERT OR IGNORE", which skips rows violating the table's UNIQUE key.
func buildInsertSQL(table string, columns []string, rows [][]any, ignoreConflicts bool) (string, []any) {
	insertPrefix := "INSERT INTO "
	if ignoreConflicts {
		insertPrefix = "INSERT OR IGNORE INTO "
	}

	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString(insertPrefix)
	b.WriteString(sqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for j := range columns {
			args = append(args, sqliteValue(row[j]))
		}
	}
	return b.String(), args
}

func sqliteValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(dateLayout)
	}
	return v
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if storage.IsConnectionError(err) {
		return storage.ConnLost(err)
	}
	return err
}
