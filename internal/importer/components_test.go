package importer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csvload/internal/config"
	"csvload/internal/domain"
	"csvload/internal/schema"
	"csvload/internal/storage"
	"csvload/internal/transformer"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "file_done", FileDone.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, Completed.Terminal())
	assert.False(t, Writing.Terminal())
}

func TestCounters_Fraction(t *testing.T) {
	tests := []struct {
		written, expected int64
		want              float64
	}{
		{0, 10, 0},
		{5, 10, 0.5},
		{12, 10, 1},
		{0, 0, 1},
	}
	for _, tt := range tests {
		c := Counters{FileWritten: tt.written, FileExpected: tt.expected}
		assert.InDelta(t, tt.want, c.Fraction(), 1e-9, "%d/%d", tt.written, tt.expected)
	}
}

func TestRunLog_KeepsInfoAndAbove(t *testing.T) {
	rl := NewRunLog()
	log := slog.New(rl).With("file", "a b.csv")

	log.Debug("hidden")
	log.Info("stage=file_start", "index", 0)
	log.WithGroup("db").Warn("stage=ping failed", "error", `x="y"`)

	entries := rl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, `stage=file_start file="a b.csv" index=0`, entries[0].Text)
	assert.Equal(t, slog.LevelWarn, entries[1].Level)
	assert.Contains(t, entries[1].Text, `db.error="x=\"y\""`)
	assert.Equal(t, 2, rl.Len())
}

func TestRunLog_Save(t *testing.T) {
	rl := NewRunLog()
	slog.New(rl).Info("stage=file_done", "rows", 10)

	ts := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)
	dir := filepath.Join(t.TempDir(), "logs")
	p, err := rl.Save(dir, ts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "import_log_20240301_090507.txt"), p)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "INFO stage=file_done rows=10\n")

	var buf bytes.Buffer
	_, err = rl.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, string(b), buf.String())
}

// memRepo is an in-memory storage.Repository.
type memRepo struct {
	exists    bool
	existsErr error
	createErr error
	keys      map[string]struct{}
	keysErr   error
	created   []storage.TableSpec
	closed    int
}

func (m *memRepo) Ping(context.Context) error { return nil }
func (m *memRepo) TableExists(context.Context, string) (bool, error) {
	return m.exists, m.existsErr
}
func (m *memRepo) CreateTable(_ context.Context, spec storage.TableSpec) error {
	m.created = append(m.created, spec)
	return m.createErr
}
func (m *memRepo) SelectKeySet(context.Context, string, string) (map[string]struct{}, error) {
	return m.keys, m.keysErr
}
func (m *memRepo) WriteRows(_ context.Context, _ string, _ []string, rows [][]any, _ storage.WriteOptions) (int64, error) {
	return int64(len(rows)), nil
}
func (m *memRepo) Close() { m.closed++ }

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestMaterializer_Ensure(t *testing.T) {
	ctx := context.Background()
	cols := []string{"CD", "QT"}
	kinds := []schema.TypeKind{schema.Text, schema.Integer}

	t.Run("creates missing table", func(t *testing.T) {
		repo := &memRepo{}
		m := &Materializer{Table: "t", UniqueKey: "CD", AllowCreate: true, Logger: discard()}
		created, err := m.Ensure(ctx, repo, cols, kinds)
		require.NoError(t, err)
		assert.True(t, created)
		require.Len(t, repo.created, 1)
		assert.Equal(t, "CD", repo.created[0].UniqueKey)
		assert.Equal(t, storage.ColumnSpec{Name: "QT", Kind: schema.Integer}, repo.created[0].Columns[1])
	})
	t.Run("existing table is kept", func(t *testing.T) {
		repo := &memRepo{exists: true}
		created, err := (&Materializer{Table: "t", AllowCreate: true, Logger: discard()}).Ensure(ctx, repo, cols, kinds)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Empty(t, repo.created)
	})
	t.Run("concurrent creation is success", func(t *testing.T) {
		repo := &memRepo{createErr: storage.ErrTableExists}
		created, err := (&Materializer{Table: "t", AllowCreate: true, Logger: discard()}).Ensure(ctx, repo, cols, kinds)
		require.NoError(t, err)
		assert.False(t, created)
	})
	t.Run("creation not allowed", func(t *testing.T) {
		_, err := (&Materializer{Table: "t", Logger: discard()}).Ensure(ctx, &memRepo{}, cols, kinds)
		assert.ErrorIs(t, err, domain.ErrTableMissing)
	})
	t.Run("creation failure", func(t *testing.T) {
		repo := &memRepo{createErr: errors.New("permission denied")}
		_, err := (&Materializer{Table: "t", AllowCreate: true, Logger: discard()}).Ensure(ctx, repo, cols, kinds)
		var tce *domain.TableCreationError
		require.ErrorAs(t, err, &tce)
		assert.Equal(t, "t", tce.Table)
	})
}

func chunkOf(cols []string, rows ...[]any) *transformer.Chunk {
	c := &transformer.Chunk{Columns: cols}
	for i, v := range rows {
		r := transformer.GetRow(len(cols))
		copy(r.V, v)
		r.Line = i + 2
		c.Rows = append(c.Rows, r)
	}
	return c
}

func TestDedupFilter(t *testing.T) {
	ctx := context.Background()
	cols := []string{"CD", "QT"}
	f := DedupFilter{Table: "t", Key: "CD"}

	c := chunkOf(cols, []any{"001", int64(1)}, []any{"002", int64(2)}, []any{nil, int64(3)}, []any{" 003 ", int64(4)})
	removed, err := f.Filter(ctx, &memRepo{keys: map[string]struct{}{"001": {}, "003": {}}}, c)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, "002", c.Rows[0].V[0])
	assert.Nil(t, c.Rows[1].V[0])

	var dre *domain.DedupReadError
	_, err = f.Filter(ctx, &memRepo{keysErr: errors.New("timeout")}, chunkOf(cols, []any{"001", int64(1)}))
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, "CD", dre.Column)

	_, err = DedupFilter{Table: "t", Key: "NOPE"}.Filter(ctx, &memRepo{}, chunkOf(cols))
	require.ErrorAs(t, err, &dre)
}

func TestRecovery_Reconnect(t *testing.T) {
	ctx := context.Background()
	rl := NewRunLog()
	old := &memRepo{}
	fresh := &memRepo{}
	calls := 0
	r := &Recovery{
		Connect: func(context.Context) (storage.Repository, error) {
			calls++
			if calls == 1 {
				return fresh, nil
			}
			return nil, errors.New("refused")
		},
		Logger: slog.New(rl),
	}

	repo, err := r.Reconnect(ctx, old, errors.New("broken pipe"))
	require.NoError(t, err)
	assert.Same(t, fresh, repo)
	assert.Equal(t, 1, old.closed)

	repo, err = r.Reconnect(ctx, repo, nil)
	require.Error(t, err)
	assert.Nil(t, repo)
	assert.Equal(t, 1, fresh.closed)
	assert.Equal(t, 2, r.Attempts())

	entries := rl.Entries()
	require.Len(t, entries, 2)
	assert.True(t, strings.HasPrefix(entries[0].Text, "stage=reconnect ok attempt=1"))
	assert.True(t, strings.HasPrefix(entries[1].Text, "stage=reconnect failed attempt=2"))
}

func TestNewJob(t *testing.T) {
	c := &config.Job{
		Source:      config.Source{Dir: "/data", Separator: "tab"},
		Destination: config.Destination{DSN: "x", Table: " ans.operadoras ", Mode: config.ModeReplace},
		Dedup:       config.Dedup{Key: "CD", Strategy: config.DedupConstraint},
		Types: config.Types{
			Template: "operadoras",
			Columns:  map[string]string{"QT": "int"},
		},
	}
	c.ApplyDefaults()

	j, err := NewJob(c)
	require.NoError(t, err)
	assert.Equal(t, "ans.operadoras", j.Table)
	assert.Equal(t, '\t', j.Read.Comma)
	assert.True(t, j.Read.TrimSpace)
	assert.Equal(t, Replace, j.Mode)
	assert.Equal(t, "CD", j.uniqueKey())
	assert.Equal(t, "operadoras", j.Types.Template)
	assert.Equal(t, schema.Integer, j.Types.Uploaded.Kind("QT"))

	j.Strategy = DedupRead
	assert.Empty(t, j.uniqueKey())

	c.Source.Separator = ";;"
	_, err = NewJob(c)
	assert.Error(t, err)
}
