// Package transformer holds the in-memory chunk model and the type coercer.
//
// Rows are pooled: a chunk of 10k rows is read, coerced, filtered and written
// once per step, so reusing row buffers across chunks keeps the import from
// allocating a fresh [][]any for every chunk.
package transformer

import "sync"

// Row is a pooled positional row aligned to its chunk's Columns.
//
// Ownership contract:
//   - A Row belongs to exactly one Chunk at a time.
//   - The final owner calls Free once the row's values are no longer
//     referenced (after the database write returns).
type Row struct {
	V    []any
	Line int // 1-based physical line of the record in its file
}

var rowPool sync.Pool

// GetRow returns a pooled Row with len(V) == colCount and every value nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Chunk is a bounded batch of rows read from one file in one pipeline step.
type Chunk struct {
	// Index is the 0-based chunk ordinal within its file.
	Index   int
	Columns []string
	Rows    []*Row

	// Skipped counts malformed records the reader dropped while filling this
	// chunk. Their lines are reported through the reader's error callback.
	Skipped int
}

// Len reports the number of rows.
func (c *Chunk) Len() int { return len(c.Rows) }

// Values returns the row values as the [][]any shape storage writers take.
// The inner slices alias the pooled rows; do not Free before the write ends.
func (c *Chunk) Values() [][]any {
	out := make([][]any, len(c.Rows))
	for i, r := range c.Rows {
		out[i] = r.V
	}
	return out
}

// Free returns every row to the pool and empties the chunk.
func (c *Chunk) Free() {
	for _, r := range c.Rows {
		if r != nil {
			r.Free()
		}
	}
	c.Rows = nil
}
