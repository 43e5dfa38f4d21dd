package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csvload/internal/config"
	"csvload/internal/schema"
)

func runnerJob(t *testing.T, dir string) *config.Job {
	t.Helper()
	c := &config.Job{
		Job:         "operadoras",
		Source:      config.Source{Dir: dir, ChunkSize: 4},
		Destination: config.Destination{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "r.db"), Table: "operadoras"},
		Dedup:       config.Dedup{Key: "CD_OPERADORA"},
	}
	c.ApplyDefaults()
	return c
}

func TestRunner_RunSavesLog(t *testing.T) {
	dir := t.TempDir()
	writeExtract(t, dir, "a.csv", 1, 10)
	cfg := runnerJob(t, dir)
	cfg.Runtime.SaveLogDir = filepath.Join(t.TempDir(), "logs")

	var progress int
	r := NewDefaultRunner()
	r.Logger = discard()
	r.OnProgress = func(Counters) { progress++ }

	res, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.Total)
	assert.Positive(t, progress)

	entries, err := os.ReadDir(cfg.Runtime.SaveLogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(filepath.Join(cfg.Runtime.SaveLogDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(b), "stage=file_done")
	assert.Contains(t, string(b), "stage=run_done")
}

func TestRunner_RejectsInvalidJob(t *testing.T) {
	cfg := runnerJob(t, t.TempDir())
	cfg.Destination.Mode = "upsert"

	res, err := NewDefaultRunner().Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "destination.mode")
}

func TestRunner_Infer(t *testing.T) {
	dir := t.TempDir()
	writeExtract(t, dir, "a.csv", 1, 10)
	cfg := runnerJob(t, dir)
	cfg.Types.Columns = map[string]string{"QT_BENEFICIARIOS": "float"}

	inf, err := NewDefaultRunner().Infer(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.Float, inf.Decisions.Kind("QT_BENEFICIARIOS"))
	d, ok := inf.Decisions.Lookup("QT_BENEFICIARIOS")
	require.True(t, ok)
	assert.Equal(t, schema.OriginUploadedSchema, d.Origin)
}
