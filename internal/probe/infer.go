package probe

import (
	"strings"

	"csvload/internal/schema"
	"csvload/internal/transformer/builtin"
)

// sampleKind is the coarse shape of a sampled column before naming rules apply.
type sampleKind uint8

const (
	nonNumeric sampleKind = iota
	numericInt
	numericFloat
)

// Heuristics holds the column-name rules applied to sampled kinds.
//
// Matching is done on the upper-cased column name. Prefix lists match with
// strings.HasPrefix, keyword lists with strings.Contains.
type Heuristics struct {
	CodePrefixes []string
	CodeKeywords []string
	DatePrefixes []string
	DateKeywords []string
}

// DefaultHeuristics returns the naming rules of the public health-insurance
// extracts: CD_* and *CODIGO* are identifiers, DT_* and *DATA* are dates.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		CodePrefixes: []string{"CD_"},
		CodeKeywords: []string{"CODIGO"},
		DatePrefixes: []string{"DT_"},
		DateKeywords: []string{"DATA"},
	}
}

func (h Heuristics) orDefault() Heuristics {
	d := DefaultHeuristics()
	if h.CodePrefixes == nil {
		h.CodePrefixes = d.CodePrefixes
	}
	if h.CodeKeywords == nil {
		h.CodeKeywords = d.CodeKeywords
	}
	if h.DatePrefixes == nil {
		h.DatePrefixes = d.DatePrefixes
	}
	if h.DateKeywords == nil {
		h.DateKeywords = d.DateKeywords
	}
	return h
}

func (h Heuristics) isCode(upper string) bool {
	return matchName(upper, h.CodePrefixes, h.CodeKeywords)
}

func (h Heuristics) isDate(upper string) bool {
	return matchName(upper, h.DatePrefixes, h.DateKeywords)
}

func matchName(upper string, prefixes, keywords []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(upper, strings.ToUpper(p)) {
			return true
		}
	}
	for _, k := range keywords {
		if k != "" && strings.Contains(upper, strings.ToUpper(k)) {
			return true
		}
	}
	return false
}

// inferSampleKinds classifies every column of the sample.
//
// A column is numericInt if every non-empty value is a base-10 integer,
// numericFloat if every non-empty value is a finite float, and nonNumeric
// otherwise. A column with no non-empty values is nonNumeric.
func inferSampleKinds(columns []string, rows [][]string) []sampleKind {
	out := make([]sampleKind, len(columns))
	for col := range columns {
		var seen bool
		allInt := true
		allFloat := true

		for _, r := range rows {
			if col >= len(r) {
				continue
			}
			v := strings.TrimSpace(r[col])
			if v == "" {
				continue
			}
			seen = true

			if allInt && !builtin.IsInt(v) {
				allInt = false
			}
			if allFloat {
				if _, ok := builtin.ParseFloat(v); !ok {
					allFloat = false
				}
			}
			if !allInt && !allFloat {
				break
			}
		}

		switch {
		case !seen:
			out[col] = nonNumeric
		case allInt:
			out[col] = numericInt
		case allFloat:
			out[col] = numericFloat
		default:
			out[col] = nonNumeric
		}
	}
	return out
}

// heuristicKind applies the naming rules to one sampled column.
//
// Numeric identifiers become text so leading zeros and ".0" artifacts never
// reach the table. The date rule only applies to non-numeric columns: a
// numeric DT_ column (e.g. yyyymmdd stored as a number) keeps its kind.
func (h Heuristics) heuristicKind(column string, k sampleKind) schema.TypeKind {
	upper := strings.ToUpper(strings.TrimSpace(column))
	switch k {
	case numericInt:
		if h.isCode(upper) {
			return schema.Text
		}
		return schema.Integer
	case numericFloat:
		if h.isCode(upper) {
			return schema.Text
		}
		return schema.Float
	default:
		if h.isDate(upper) {
			return schema.Date
		}
		return schema.Text
	}
}

// Infer returns heuristic decisions for every column of the sample, in
// column order.
func (h Heuristics) Infer(s Sample) schema.Decisions {
	h = h.orDefault()
	kinds := inferSampleKinds(s.Columns, s.Rows)

	var out schema.Decisions
	for i, c := range s.Columns {
		out.Set(schema.Decision{Column: c, Kind: h.heuristicKind(c, kinds[i]), Origin: schema.OriginHeuristic})
	}
	return out
}
