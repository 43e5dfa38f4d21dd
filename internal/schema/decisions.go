package schema

// Decision is the resolved type of one column for the lifetime of a job.
type Decision struct {
	Column string
	Kind   TypeKind
	Origin Origin
}

// Decisions is an ordered set of per-column decisions.
//
// The zero value is empty and usable. Lookups for columns that were never
// decided fall back to Text, so a later file carrying extra columns gets those
// columns as text without being re-resolved.
type Decisions struct {
	order []string
	by    map[string]Decision
}

// NewDecisions builds a set from ds. A later entry for the same column
// replaces the earlier one but keeps its original position.
func NewDecisions(ds ...Decision) Decisions {
	var out Decisions
	for _, d := range ds {
		out.Set(d)
	}
	return out
}

// Set inserts or replaces the decision for d.Column.
func (s *Decisions) Set(d Decision) {
	if s.by == nil {
		s.by = make(map[string]Decision)
	}
	if _, ok := s.by[d.Column]; !ok {
		s.order = append(s.order, d.Column)
	}
	s.by[d.Column] = d
}

// Lookup returns the decision for col and whether one exists.
func (s Decisions) Lookup(col string) (Decision, bool) {
	d, ok := s.by[col]
	return d, ok
}

// Kind returns the kind decided for col, or Text when col is unknown.
func (s Decisions) Kind(col string) TypeKind {
	if d, ok := s.by[col]; ok {
		return d.Kind
	}
	return Text
}

// Len reports the number of decided columns.
func (s Decisions) Len() int { return len(s.order) }

// All returns the decisions in insertion order.
func (s Decisions) All() []Decision {
	out := make([]Decision, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.by[c])
	}
	return out
}

// ColumnsOf returns the decided columns of kind k, in order.
func (s Decisions) ColumnsOf(k TypeKind) []string {
	var out []string
	for _, c := range s.order {
		if s.by[c].Kind == k {
			out = append(out, c)
		}
	}
	return out
}

// KindMap returns a plain column→kind copy.
func (s Decisions) KindMap() map[string]TypeKind {
	out := make(map[string]TypeKind, len(s.order))
	for c, d := range s.by {
		out[c] = d.Kind
	}
	return out
}
