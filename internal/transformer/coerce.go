package transformer

import (
	"fmt"
	"strconv"
	"time"

	"csvload/internal/domain"
	"csvload/internal/schema"
	"csvload/internal/transformer/builtin"
)

// Plan is a per-file coercion plan: one converter per column position,
// compiled once from the job's type decisions and the file's header.
type Plan struct {
	cols []colPlan
}

type colPlan struct {
	name string
	kind schema.TypeKind
	// coerce writes the converted value to dst. It returns false when raw was
	// present but could not be parsed and a fallback value was used instead.
	coerce func(dst *any, raw any) bool
}

// CoerceReport summarises one Apply call.
type CoerceReport struct {
	Rows int
	// Invalid counts, per column, non-empty values that failed to parse and
	// were replaced by the kind's fallback (0 for integer, nil otherwise).
	Invalid map[string]int
}

// InvalidTotal sums Invalid across columns.
func (r CoerceReport) InvalidTotal() int {
	n := 0
	for _, v := range r.Invalid {
		n += v
	}
	return n
}

// CompilePlan builds a plan for columns. Columns without a decision coerce
// as text.
func CompilePlan(columns []string, ds schema.Decisions) Plan {
	p := Plan{cols: make([]colPlan, len(columns))}
	for i, c := range columns {
		k := ds.Kind(c)
		p.cols[i] = colPlan{name: c, kind: k, coerce: coercerFor(k)}
	}
	return p
}

// Kinds returns the kind used for each column position.
func (p Plan) Kinds() []schema.TypeKind {
	out := make([]schema.TypeKind, len(p.cols))
	for i, c := range p.cols {
		out[i] = c.kind
	}
	return out
}

// Apply converts every value of c in place. Rows are never dropped: a value
// that fails to parse gets its kind's fallback and is counted in the report.
//
// A row whose width differs from the plan is a chunk-level CoercionError; the
// chunk is left partially converted and must be discarded by the caller.
func (p Plan) Apply(c *Chunk) (CoerceReport, error) {
	rep := CoerceReport{Rows: len(c.Rows)}
	for _, r := range c.Rows {
		if len(r.V) != len(p.cols) {
			return rep, &domain.CoercionError{
				Chunk: c.Index,
				Line:  r.Line,
				Err:   fmt.Errorf("row has %d values, plan has %d columns", len(r.V), len(p.cols)),
			}
		}
		for i := range p.cols {
			if !p.cols[i].coerce(&r.V[i], r.V[i]) {
				if rep.Invalid == nil {
					rep.Invalid = make(map[string]int)
				}
				rep.Invalid[p.cols[i].name]++
			}
		}
	}
	return rep, nil
}

func coercerFor(k schema.TypeKind) func(dst *any, raw any) bool {
	switch k {
	case schema.Integer:
		return coerceInteger
	case schema.Float:
		return coerceFloat
	case schema.Date:
		return coerceDate
	default:
		return coerceText
	}
}

func coerceText(dst *any, raw any) bool {
	switch v := raw.(type) {
	case nil:
		*dst = nil
	case string:
		*dst = builtin.StripFloatArtifact(v)
	case int64:
		*dst = strconv.FormatInt(v, 10)
	case float64:
		*dst = builtin.StripFloatArtifact(strconv.FormatFloat(v, 'f', -1, 64))
	case time.Time:
		*dst = v.Format("2006-01-02")
	default:
		*dst = fmt.Sprint(v)
	}
	return true
}

// coerceInteger fills missing and invalid values with 0.
func coerceInteger(dst *any, raw any) bool {
	switch v := raw.(type) {
	case nil:
		*dst = int64(0)
		return true
	case int64:
		*dst = v
		return true
	case float64:
		*dst = int64(v)
		return true
	case string:
		if v == "" {
			*dst = int64(0)
			return true
		}
		if n, ok := builtin.ParseInt(v); ok {
			*dst = n
			return true
		}
	}
	*dst = int64(0)
	return false
}

func coerceFloat(dst *any, raw any) bool {
	switch v := raw.(type) {
	case nil:
		*dst = nil
		return true
	case float64:
		*dst = v
		return true
	case int64:
		*dst = float64(v)
		return true
	case string:
		if v == "" {
			*dst = nil
			return true
		}
		if f, ok := builtin.ParseFloat(v); ok {
			*dst = f
			return true
		}
	}
	*dst = nil
	return false
}

func coerceDate(dst *any, raw any) bool {
	switch v := raw.(type) {
	case nil:
		*dst = nil
		return true
	case time.Time:
		y, m, d := v.Date()
		*dst = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return true
	case string:
		if v == "" {
			*dst = nil
			return true
		}
		if t, _, ok := builtin.ParseDate(v); ok {
			*dst = t
			return true
		}
	}
	*dst = nil
	return false
}
