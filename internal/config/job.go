// Package config loads import job files and process environment, and sets up
// logging.
//
// A job file is YAML or JSON (picked by extension) and describes one import:
// where the extracts are, how to read them, where to load them and how column
// types are chosen. Load applies defaults; Validate reports what is wrong
// without stopping at the first problem.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"csvload/internal/schema"
)

// Write modes.
const (
	ModeAppend     = "append"
	ModeReplace    = "replace"
	ModeAppendOnly = "append-only"
)

// Dedup strategies.
const (
	// DedupRead reads the destination's key column before every chunk write.
	DedupRead = "read"
	// DedupConstraint relies on a UNIQUE key and conflict-ignoring inserts.
	DedupConstraint = "constraint"
)

// Defaults applied by Load.
const (
	DefaultGlob       = "*.csv"
	DefaultSeparator  = ","
	DefaultEncoding   = "utf-8"
	DefaultChunkSize  = 10000
	DefaultSampleRows = 5
	DefaultKind       = "postgres"
)

// Job is one import job as written in a job file.
type Job struct {
	Job         string      `json:"job" yaml:"job"`
	Source      Source      `json:"source" yaml:"source"`
	Destination Destination `json:"destination" yaml:"destination"`
	Dedup       Dedup       `json:"dedup" yaml:"dedup"`
	Types       Types       `json:"types" yaml:"types"`
	Runtime     Runtime     `json:"runtime" yaml:"runtime"`
}

// Source selects and describes the input extracts.
type Source struct {
	Dir        string `json:"dir" yaml:"dir"`
	Glob       string `json:"glob" yaml:"glob"`
	Separator  string `json:"separator" yaml:"separator"`
	Encoding   string `json:"encoding" yaml:"encoding"`
	ChunkSize  int    `json:"chunk_size" yaml:"chunk_size"`
	SampleRows int    `json:"sample_rows" yaml:"sample_rows"`
	LazyQuotes bool   `json:"lazy_quotes" yaml:"lazy_quotes"`
}

// Destination is the target database table.
type Destination struct {
	// Kind is the storage backend: "postgres" | "sqlite" | "mssql".
	Kind  string `json:"kind" yaml:"kind"`
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table" yaml:"table"`
	Mode  string `json:"mode" yaml:"mode"`
}

// Dedup configures duplicate suppression on a natural key column.
// An empty Key disables it.
type Dedup struct {
	Key      string `json:"key" yaml:"key"`
	Strategy string `json:"strategy" yaml:"strategy"`
}

// Types configures how column kinds are resolved.
type Types struct {
	Template   string `json:"template" yaml:"template"`
	SchemaFile string `json:"schema_file" yaml:"schema_file"`
	// Columns are inline column -> kind overrides, merged over SchemaFile.
	Columns     map[string]string `json:"columns" yaml:"columns"`
	DateColumns []string          `json:"date_columns" yaml:"date_columns"`
	Advisor     Advisor           `json:"advisor" yaml:"advisor"`
	Heuristics  Heuristics        `json:"heuristics" yaml:"heuristics"`
}

// Advisor enables the external type advisor.
type Advisor struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Model   string `json:"model" yaml:"model"`
}

// Heuristics overrides the name rules of the heuristic resolver. A nil list
// keeps the built-in default; an empty list disables that rule.
type Heuristics struct {
	CodePrefixes []string `json:"code_prefixes" yaml:"code_prefixes"`
	CodeKeywords []string `json:"code_keywords" yaml:"code_keywords"`
	DatePrefixes []string `json:"date_prefixes" yaml:"date_prefixes"`
	DateKeywords []string `json:"date_keywords" yaml:"date_keywords"`
}

// Runtime holds run-level options.
type Runtime struct {
	// SaveLogDir, when set, receives import_log_YYYYMMDD_HHMMSS.txt at run end.
	SaveLogDir string `json:"save_log_dir" yaml:"save_log_dir"`
}

// Load reads a job file, decodes it by extension (.yaml, .yml or .json),
// applies defaults and expands environment variables in the DSN.
// Unknown fields are rejected.
func Load(path string) (*Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var j Job
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&j); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("job file %s: unsupported extension %q (want .yaml, .yml or .json)", path, ext)
	}

	j.ApplyDefaults()
	j.Destination.DSN = os.ExpandEnv(j.Destination.DSN)

	// Relative paths in a job file are relative to the file itself.
	base := filepath.Dir(path)
	j.Source.Dir = resolvePath(base, j.Source.Dir)
	j.Types.SchemaFile = resolvePath(base, j.Types.SchemaFile)
	j.Runtime.SaveLogDir = resolvePath(base, j.Runtime.SaveLogDir)

	return &j, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// ApplyDefaults fills unset fields with their defaults.
func (j *Job) ApplyDefaults() {
	if j.Job == "" {
		j.Job = "csvload"
	}
	if j.Source.Glob == "" {
		j.Source.Glob = DefaultGlob
	}
	if j.Source.Separator == "" {
		j.Source.Separator = DefaultSeparator
	}
	if j.Source.Encoding == "" {
		j.Source.Encoding = DefaultEncoding
	}
	if j.Source.ChunkSize == 0 {
		j.Source.ChunkSize = DefaultChunkSize
	}
	if j.Source.SampleRows == 0 {
		j.Source.SampleRows = DefaultSampleRows
	}
	if j.Destination.Kind == "" {
		j.Destination.Kind = DefaultKind
	}
	j.Destination.Kind = strings.ToLower(strings.TrimSpace(j.Destination.Kind))
	if j.Destination.Mode == "" {
		j.Destination.Mode = ModeAppend
	}
	j.Destination.Mode = strings.ToLower(strings.TrimSpace(j.Destination.Mode))
	if j.Dedup.Strategy == "" {
		j.Dedup.Strategy = DedupRead
	}
	j.Dedup.Strategy = strings.ToLower(strings.TrimSpace(j.Dedup.Strategy))
}

// SeparatorRune returns the field separator. "tab" and a literal "\t" both
// mean a tab character.
func (s Source) SeparatorRune() (rune, error) {
	switch strings.ToLower(s.Separator) {
	case "":
		return ',', nil
	case "tab", `\t`, "\t":
		return '\t', nil
	}
	r := []rune(s.Separator)
	if len(r) != 1 {
		return 0, fmt.Errorf("separator %q must be a single character", s.Separator)
	}
	switch r[0] {
	case '"', '\r', '\n':
		return 0, fmt.Errorf("separator %q is not allowed", s.Separator)
	}
	return r[0], nil
}

// UploadedDecisions loads SchemaFile (when set) and merges the inline Columns
// over it. Inline columns are applied in name order.
func (t Types) UploadedDecisions() (schema.Decisions, error) {
	var out schema.Decisions
	if t.SchemaFile != "" {
		f, err := os.Open(t.SchemaFile)
		if err != nil {
			return out, fmt.Errorf("open schema file: %w", err)
		}
		defer f.Close()
		if out, err = schema.ReadSchemaCSV(f); err != nil {
			return out, fmt.Errorf("schema file %s: %w", t.SchemaFile, err)
		}
	}

	names := make([]string, 0, len(t.Columns))
	for c := range t.Columns {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		k, err := schema.ParseTypeKind(t.Columns[c])
		if err != nil {
			return out, fmt.Errorf("types.columns.%s: %w", c, err)
		}
		out.Set(schema.Decision{Column: c, Kind: k, Origin: schema.OriginUploadedSchema})
	}
	return out, nil
}
