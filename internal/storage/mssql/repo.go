package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"csvload/internal/schema"
	"csvload/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

const (
	// maxParams stays under SQL Server's 2100 parameter limit per statement.
	maxParams = 2000
	// maxValuesRows is the row limit of a table value constructor.
	maxValuesRows = 1000
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// This implementation supports:
//   - Catalog lookups through INFORMATION_SCHEMA.TABLES.
//   - Shape-only table creation. A natural key becomes a filtered unique
//     index (NULL keys excluded, since a UNIQUE constraint admits one NULL).
//   - Plain bulk inserts, and conflict-ignoring inserts using NOT EXISTS with
//     in-batch duplicates collapsed first.
//   - Replace as TRUNCATE + insert in one transaction.
type Repo struct {
	db dbConn
}

// New opens a "sqlserver" connection pool and validates it via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Imports are sequential; a small pool is enough and survives reconnects.
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, classify(err)
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

// TableExists looks the table up in INFORMATION_SCHEMA. An unqualified name is
// resolved against the session's default schema.
func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	sch, name := storage.SplitTable(table, "")

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND TABLE_NAME = @p2`,
		sch, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", table, classify(err))
	}
	return n > 0, nil
}

// CreateTable creates the table and, with a natural key, its unique index.
// Error 2714 ("There is already an object named ...") is reported as
// storage.ErrTableExists.
func (r *Repo) CreateTable(ctx context.Context, spec storage.TableSpec) error {
	tableSQL, indexSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, tableSQL); err != nil {
		if errorNumber(err) == 2714 {
			return fmt.Errorf("create table %s: %w", spec.Name, storage.ErrTableExists)
		}
		return fmt.Errorf("create table %s: %w", spec.Name, classify(err))
	}
	if indexSQL != "" {
		if _, err := r.db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("create unique index on %s: %w", spec.Name, classify(err))
		}
	}
	return nil
}

func (r *Repo) SelectKeySet(ctx context.Context, table, column string) (map[string]struct{}, error) {
	q := fmt.Sprintf(`SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL`,
		mssqlIdent(column), mssqlTableIdent(table), mssqlIdent(column))

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

// WriteRows inserts rows in parameter-bounded statements inside one
// transaction. With IgnoreConflicts the key column is read from the table's
// unique index, and rows whose key already exists are skipped.
func (r *Repo) WriteRows(ctx context.Context, table string, columns []string, rows [][]any, opt storage.WriteOptions) (int64, error) {
	if len(rows) == 0 && !opt.Replace {
		return 0, nil
	}

	var keyCols []string
	if opt.IgnoreConflicts {
		k, err := r.uniqueKeyColumn(ctx, table)
		if err != nil {
			return 0, err
		}
		if k != "" {
			keyCols = []string{k}
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", classify(err))
	}
	defer tx.Rollback()

	if opt.Replace {
		if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+mssqlTableIdent(table)); err != nil {
			return 0, fmt.Errorf("truncate %s: %w", table, classify(err))
		}
	}

	if len(keyCols) > 0 {
		rows, err = dedupeRowsByColumns(rows, columns, keyCols)
		if err != nil {
			return 0, err
		}
	}

	var total int64
	size := batchRows(len(columns))
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))

		var (
			q    string
			args []any
		)
		if len(keyCols) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, rows[start:end], keyCols)
		} else {
			q, args = buildBulkInsertSQL(table, columns, rows[start:end])
		}

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

// uniqueKeyColumn returns the column of the table's single-column unique
// index, or "" when there is none.
func (r *Repo) uniqueKeyColumn(ctx context.Context, table string) (string, error) {
	var col sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT TOP 1 c.name
		 FROM sys.indexes i
		 JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		 JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		 WHERE i.object_id = OBJECT_ID(@p1) AND i.is_unique = 1 AND i.is_primary_key = 0
		 ORDER BY i.index_id, ic.key_ordinal`,
		mssqlTableIdent(table)).Scan(&col)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("unique key of %s: %w", table, classify(err))
	}
	return col.String, nil
}

func batchRows(cols int) int {
	return max(1, min(maxValuesRows, maxParams/max(1, cols)))
}

func mssqlType(k schema.TypeKind, key bool) string {
	switch k {
	case schema.Integer:
		return "BIGINT"
	case schema.Float:
		return "FLOAT"
	case schema.Date:
		return "DATE"
	default:
		if key {
			// index key columns are limited to 900 bytes
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

// buildCreateSQL returns the CREATE TABLE statement and, when the table has a
// natural key, a filtered unique index on it.
func buildCreateSQL(t storage.TableSpec) (tableSQL, indexSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", fmt.Errorf("table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns))
	hasKey := false
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", "", fmt.Errorf("table %s: empty column name", t.Name)
		}
		isKey := c.Name == t.UniqueKey
		hasKey = hasKey || isKey
		defs = append(defs, mssqlIdent(c.Name)+" "+mssqlType(c.Kind, isKey)+" NULL")
	}

	tableSQL = "CREATE TABLE " + mssqlTableIdent(t.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)"

	if t.UniqueKey != "" {
		if !hasKey {
			return "", "", fmt.Errorf("table %s: unique key %q is not a column", t.Name, t.UniqueKey)
		}
		_, base := storage.SplitTable(t.Name, "")
		indexSQL = fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s) WHERE %s IS NOT NULL",
			mssqlIdent("ux_"+base+"_"+t.UniqueKey), mssqlTableIdent(t.Name),
			mssqlIdent(t.UniqueKey), mssqlIdent(t.UniqueKey))
	}
	return tableSQL, indexSQL, nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeColumnList(&b, "", columns)
	b.WriteString(") VALUES ")

	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// It materializes incoming rows as a derived table V via VALUES, then inserts only those
// rows that do not match existing rows per dedupeColumns.
//
// The returned SQL is deterministic for a given input.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeColumnList(&b, "", columns)
	b.WriteString(") SELECT ")
	writeColumnList(&b, "v.", columns)
	b.WriteString(" FROM (VALUES ")

	args := writeValues(&b, columns, rows)

	b.WriteString(") AS v(")
	writeColumnList(&b, "", columns)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")

	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

func writeColumnList(b *strings.Builder, prefix string, columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
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
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// dedupeRowsByColumns keeps the first row for every key in rows.
//
// NOT EXISTS only checks rows already in the table, so two rows with the same
// new key in one statement would both be inserted and trip the unique index.
// Rows with a NULL key are always kept; the filtered index ignores them.
func dedupeRowsByColumns(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	colPos := indexColumns(columns)
	idx := make([]int, 0, len(dedupeColumns))
	for _, dc := range dedupeColumns {
		i, ok := colPos[dc]
		if !ok {
			return nil, fmt.Errorf("dedupe column %q not present in columns", dc)
		}
		idx = append(idx, i)
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var kb strings.Builder
	for _, row := range rows {
		kb.Reset()
		hasNull := false
		for n, i := range idx {
			if row[i] == nil {
				hasNull = true
				break
			}
			if n > 0 {
				kb.WriteByte(0)
			}
			kb.WriteString(storage.NormalizeKey(row[i]))
		}
		if hasNull {
			out = append(out, row)
			continue
		}
		k := kb.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// indexColumns returns a mapping of column name -> index.
func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	sch, t := storage.SplitTable(strings.TrimSpace(name), "")
	if sch == "" {
		return mssqlIdent(t)
	}
	return mssqlIdent(sch) + "." + mssqlIdent(t)
}

func errorNumber(err error) int32 {
	var me mssql.Error
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// classify marks errors that end the session with storage.ErrConnLost.
// Severity 20 and above closes the connection on the server side.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var me mssql.Error
	if errors.As(err, &me) {
		if me.Class >= 20 {
			return storage.ConnLost(err)
		}
		return err
	}
	if storage.IsConnectionError(err) {
		return storage.ConnLost(err)
	}
	return err
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
