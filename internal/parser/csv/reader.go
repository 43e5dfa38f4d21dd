// Package csv reads delimited text files as a stream of fixed-size chunks.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"csvload/internal/transformer"
	"csvload/internal/transformer/builtin"
)

// DefaultChunkSize is the number of rows per chunk when Options.ChunkSize is unset.
const DefaultChunkSize = 10000

// Options configures how a file is decoded and split into chunks.
type Options struct {
	// Comma is the field separator. Zero means ','.
	Comma rune
	// Encoding names the source text encoding ("utf-8", "latin1", "cp1252", ...).
	Encoding string
	// ChunkSize is the maximum number of rows per chunk.
	ChunkSize int
	// LazyQuotes tolerates bare quotes inside unquoted fields.
	LazyQuotes bool
	// TrimSpace strips leading/trailing whitespace from every value.
	TrimSpace bool
}

func (o Options) comma() rune {
	if o.Comma == 0 {
		return ','
	}
	return o.Comma
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

func newCSVReader(src io.Reader, opt Options) (*csv.Reader, error) {
	r, err := decodingReader(src, opt.Encoding)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	cr.Comma = opt.comma()
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr, nil
}

// ChunkReader streams a delimited file with a header row as Chunks.
//
// Records are aligned to the header: short records are padded with nil and
// extra trailing fields are ignored. Empty values become nil. A malformed
// record is dropped, reported through the error callback with its line, and
// counted in the chunk's Skipped field.
type ChunkReader struct {
	src    io.Closer
	cr     *csv.Reader
	opt    Options
	header []string
	onErr  func(line int, err error)

	next int
	done bool
}

// NewChunkReader reads the header of src and returns a reader positioned at
// the first data record. src is closed by Close, or immediately on error.
//
// Errors:
//   - unknown encoding
//   - empty input (no header)
//   - header that cannot be parsed
func NewChunkReader(src io.ReadCloser, opt Options, onErr func(line int, err error)) (*ChunkReader, error) {
	cr, err := newCSVReader(src, opt)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	hdr, err := cr.Read()
	if err != nil {
		_ = src.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header: empty file")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	return &ChunkReader{
		src:    src,
		cr:     cr,
		opt:    opt,
		header: normalizeHeader(hdr),
		onErr:  onErr,
	}, nil
}

// normalizeHeader trims names, drops a UTF-8 BOM, names blank columns
// column_<n> and suffixes repeated names with _<k> so every column is addressable.
func normalizeHeader(hdr []string) []string {
	out := make([]string, len(hdr))
	seen := make(map[string]int, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if builtin.HasEdgeSpace(h) {
			h = strings.TrimSpace(h)
		}
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		if n := seen[h]; n > 0 {
			seen[h] = n + 1
			h = h + "_" + strconv.Itoa(n+1)
		} else {
			seen[h] = 1
		}
		out[i] = h
	}
	return out
}

// Header returns the normalised column names.
func (r *ChunkReader) Header() []string {
	return r.header
}

// Next returns the next chunk, or io.EOF when the file is exhausted.
//
// ctx is checked once before the chunk is filled; reading itself is not
// interrupted. Errors other than malformed records (I/O, decoding) are
// returned as-is and end the file.
func (r *ChunkReader) Next(ctx context.Context) (*transformer.Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := r.opt.chunkSize()
	c := &transformer.Chunk{
		Index:   r.next,
		Columns: r.header,
		Rows:    make([]*transformer.Row, 0, min(size, 1024)),
	}

	for len(c.Rows) < size {
		rec, err := r.cr.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				c.Skipped++
				if r.onErr != nil {
					r.onErr(pe.Line, err)
				}
				continue
			}
			c.Free()
			return nil, fmt.Errorf("csv read: %w", err)
		}

		line, _ := r.cr.FieldPos(0)
		row := transformer.GetRow(len(r.header))
		row.Line = line
		for i := range r.header {
			if i >= len(rec) {
				break
			}
			v := rec[i]
			if r.opt.TrimSpace && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row.V[i] = v
			}
		}
		c.Rows = append(c.Rows, row)
	}

	if len(c.Rows) == 0 && c.Skipped == 0 {
		return nil, io.EOF
	}
	r.next++
	return c, nil
}

// Close closes the underlying source.
func (r *ChunkReader) Close() error {
	return r.src.Close()
}

// CountRecords makes one pass over src and returns the number of data records
// (header excluded, malformed records excluded). It is the pre-flight count
// used to express import progress as a fraction of the file.
func CountRecords(ctx context.Context, src io.ReadCloser, opt Options) (int, error) {
	defer src.Close()

	cr, err := newCSVReader(src, opt)
	if err != nil {
		return 0, err
	}
	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("read header: %w", err)
	}

	n := 0
	for {
		if n%65536 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return n, fmt.Errorf("csv read: %w", err)
		}
		n++
	}
}

// ReadSample returns the header and up to n records of src as strings, with
// missing values as "". src is always closed.
func ReadSample(src io.ReadCloser, opt Options, n int) ([]string, [][]string, error) {
	opt.ChunkSize = n
	r, err := NewChunkReader(src, opt, nil)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	c, err := r.Next(context.Background())
	if errors.Is(err, io.EOF) {
		return r.Header(), nil, nil
	}
	if err != nil {
		return r.Header(), nil, err
	}
	defer c.Free()

	rows := make([][]string, 0, c.Len())
	for _, row := range c.Rows {
		rec := make([]string, len(row.V))
		for i, v := range row.V {
			if s, ok := v.(string); ok {
				rec[i] = s
			}
		}
		rows = append(rows, rec)
	}
	return r.Header(), rows, nil
}
