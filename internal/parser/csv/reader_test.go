package csv

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func src(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func drain(t *testing.T, r *ChunkReader) (rows [][]any, sizes []int, skipped int) {
	t.Helper()
	for {
		c, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return rows, sizes, skipped
		}
		require.NoError(t, err)
		sizes = append(sizes, c.Len())
		skipped += c.Skipped
		for _, row := range c.Rows {
			cp := make([]any, len(row.V))
			copy(cp, row.V)
			rows = append(rows, cp)
		}
		c.Free()
	}
}

func TestChunkReader_SplitsIntoFixedChunks(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("CD_OPERADORA;NM\n")
	for i := 0; i < 7; i++ {
		b.WriteString("00012" + string(rune('0'+i)) + ";x\n")
	}

	r, err := NewChunkReader(src(b.String()), Options{Comma: ';', ChunkSize: 3}, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"CD_OPERADORA", "NM"}, r.Header())

	rows, sizes, _ := drain(t, r)
	assert.Equal(t, []int{3, 3, 1}, sizes)
	require.Len(t, rows, 7)
	assert.Equal(t, "000120", rows[0][0])
}

func TestChunkReader_IndexesAndLines(t *testing.T) {
	t.Parallel()

	r, err := NewChunkReader(src("a\n1\n2\n3\n"), Options{ChunkSize: 2}, nil)
	require.NoError(t, err)

	c0, err := r.Next(context.Background())
	require.NoError(t, err)
	c1, err := r.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, c0.Index)
	assert.Equal(t, 1, c1.Index)
	assert.Equal(t, 2, c0.Rows[0].Line)
	assert.Equal(t, 4, c1.Rows[0].Line)

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkReader_AlignsRecordsToHeader(t *testing.T) {
	t.Parallel()

	r, err := NewChunkReader(src("a,b,c\n1,,3\n4\n5,6,7,8\n"), Options{}, nil)
	require.NoError(t, err)

	rows, _, _ := drain(t, r)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"1", nil, "3"}, rows[0])
	assert.Equal(t, []any{"4", nil, nil}, rows[1])
	assert.Equal(t, []any{"5", "6", "7"}, rows[2])
}

func TestChunkReader_NormalizesHeader(t *testing.T) {
	t.Parallel()

	r, err := NewChunkReader(src("\uFEFF ID ,,ID,NAME\n1,2,3,4\n"), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ID", "column_2", "ID_2", "NAME"}, r.Header())
}

func TestChunkReader_MalformedRecordIsSkippedAndReported(t *testing.T) {
	t.Parallel()

	var lines []int
	onErr := func(line int, err error) { lines = append(lines, line) }

	r, err := NewChunkReader(src("a,b\n1,2\n3,\"x\"y\n5,6\n"), Options{}, onErr)
	require.NoError(t, err)

	rows, _, skipped := drain(t, r)
	assert.Len(t, rows, 2)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []int{3}, lines)
}

func TestChunkReader_TrimSpace(t *testing.T) {
	t.Parallel()

	r, err := NewChunkReader(src("a,b\n  x , \n"), Options{TrimSpace: true}, nil)
	require.NoError(t, err)

	rows, _, _ := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, []any{"x", nil}, rows[0])
}

func TestChunkReader_DecodesLatin1(t *testing.T) {
	t.Parallel()

	body, err := charmap.ISO8859_1.NewEncoder().String("MUNICIPIO\nSÃO PAULO\n")
	require.NoError(t, err)

	r, err := NewChunkReader(src(body), Options{Encoding: "latin1"}, nil)
	require.NoError(t, err)

	rows, _, _ := drain(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, "SÃO PAULO", rows[0][0])
}

func TestNewChunkReader_Errors(t *testing.T) {
	t.Parallel()

	cc := &closeCounter{Reader: strings.NewReader("")}
	_, err := NewChunkReader(cc, Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty file")
	assert.Equal(t, 1, cc.closed)

	_, err = NewChunkReader(src("a\n1\n"), Options{Encoding: "klingon"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "klingon")
}

func TestChunkReader_StopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	r, err := NewChunkReader(src("a\n1\n"), Options{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCountRecords(t *testing.T) {
	t.Parallel()

	n, err := CountRecords(context.Background(), src("a,b\n1,2\n\"multi\nline\",3\n4,5\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = CountRecords(context.Background(), src(""), Options{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadSample(t *testing.T) {
	t.Parallel()

	hdr, rows, err := ReadSample(src("a,b\n1,\n2,x\n3,y\n"), Options{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, hdr)
	assert.Equal(t, [][]string{{"1", ""}, {"2", "x"}}, rows)

	hdr, rows, err = ReadSample(src("a,b\n"), Options{}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, hdr)
	assert.Empty(t, rows)
}

func TestLookupEncoding(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "UTF-8", "utf8"} {
		e, err := LookupEncoding(name)
		require.NoError(t, err, name)
		assert.Nil(t, e, name)
	}

	e, err := LookupEncoding("CP1252")
	require.NoError(t, err)
	assert.Equal(t, charmap.Windows1252, e)

	e, err = LookupEncoding("ISO-8859-2")
	require.NoError(t, err)
	assert.NotNil(t, e)
}
