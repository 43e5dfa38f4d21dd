package config

import (
	"fmt"
	"slices"
	"strings"

	"csvload/internal/parser/csv"
	"csvload/internal/schema"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted job-file field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// KnownKinds lists the storage backends a job may name.
var KnownKinds = []string{"postgres", "sqlite", "mssql"}

// Validate checks j after defaults have been applied. It never stops at the
// first problem; errors block a run, warnings do not.
func Validate(j *Job) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(j.Source.Dir) == "" {
		add(SeverityError, "source.dir", "is required")
	}
	if _, err := j.Source.SeparatorRune(); err != nil {
		add(SeverityError, "source.separator", "%v", err)
	}
	if _, err := csv.LookupEncoding(j.Source.Encoding); err != nil {
		add(SeverityError, "source.encoding", "%v", err)
	}
	if j.Source.ChunkSize < 0 {
		add(SeverityError, "source.chunk_size", "must be positive, got %d", j.Source.ChunkSize)
	}
	if j.Source.SampleRows < 0 {
		add(SeverityError, "source.sample_rows", "must be positive, got %d", j.Source.SampleRows)
	}

	if !slices.Contains(KnownKinds, j.Destination.Kind) {
		add(SeverityError, "destination.kind", "unknown backend %q (want one of %s)", j.Destination.Kind, strings.Join(KnownKinds, ", "))
	}
	if strings.TrimSpace(j.Destination.DSN) == "" {
		add(SeverityError, "destination.dsn", "is required")
	}
	if strings.TrimSpace(j.Destination.Table) == "" {
		add(SeverityError, "destination.table", "is required")
	}
	switch j.Destination.Mode {
	case ModeAppend, ModeReplace, ModeAppendOnly:
	default:
		add(SeverityError, "destination.mode", "unknown mode %q (want append, replace or append-only)", j.Destination.Mode)
	}

	switch j.Dedup.Strategy {
	case DedupRead:
	case DedupConstraint:
		if j.Dedup.Key == "" {
			add(SeverityError, "dedup.strategy", "constraint strategy needs dedup.key")
		}
		if j.Destination.Mode == ModeAppendOnly && j.Dedup.Key != "" {
			add(SeverityWarning, "dedup.strategy", "append-only never creates the table; an existing table without a UNIQUE key on %s will not suppress duplicates", j.Dedup.Key)
		}
	default:
		add(SeverityError, "dedup.strategy", "unknown strategy %q (want read or constraint)", j.Dedup.Strategy)
	}
	if j.Dedup.Key != "" && j.Destination.Mode == ModeReplace {
		add(SeverityWarning, "dedup.key", "replace mode empties the table first; keys are only checked against rows written in this run")
	}

	if j.Types.Template != "" {
		if _, err := schema.LookupTemplate(j.Types.Template); err != nil {
			add(SeverityError, "types.template", "%v", err)
		}
		if j.Types.SchemaFile != "" || len(j.Types.Columns) > 0 {
			add(SeverityWarning, "types.template", "named template wins; schema_file and columns are ignored")
		}
	}
	for c, k := range j.Types.Columns {
		if _, err := schema.ParseTypeKind(k); err != nil {
			add(SeverityError, "types.columns."+c, "%v", err)
		}
	}
	for i, c := range j.Types.DateColumns {
		if strings.TrimSpace(c) == "" {
			add(SeverityError, fmt.Sprintf("types.date_columns[%d]", i), "is empty")
		}
	}

	// Columns is a map; keep output stable.
	slices.SortStableFunc(out, func(a, b Issue) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}
