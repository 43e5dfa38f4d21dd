// Package probe resolves the column types of an import job.
//
// The probe package is responsible for:
//   - classifying a small row sample of the first file (integer, float or
//     non-numeric)
//   - applying the naming rules that turn numeric identifiers into text and
//     date-like columns into dates
//   - merging the type sources of a job with a fixed precedence
//
// Resolution happens once per job. Later files reuse the result; their extra
// columns fall back to text through schema.Decisions.Kind.
//
// This package performs no I/O of its own. The sample is read by the caller
// and the optional advisor is an injected collaborator.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"csvload/internal/schema"
)

// Sample is the header and first rows of the first file of a job.
type Sample struct {
	Columns []string
	Rows    [][]string
}

// Advisor suggests a kind per column from a sample. Implementations may
// return a partial map; columns they omit keep their heuristic kind.
type Advisor interface {
	SuggestTypes(ctx context.Context, s Sample) (map[string]schema.TypeKind, error)
}

// Sources are the operator-supplied type sources of a job.
type Sources struct {
	// Template names a built-in layout (see schema.TemplateNames).
	Template string
	// Uploaded is an explicit column→kind mapping (schema file merged with
	// inline columns). Empty means not supplied.
	Uploaded schema.Decisions
	// DateColumns are forced to Date on top of whichever source won.
	DateColumns []string
}

// Resolver merges type sources into one decision per column.
type Resolver struct {
	// Advisor is optional. It is consulted only when heuristics run.
	Advisor    Advisor
	Heuristics Heuristics
	Logger     *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// Resolve produces the decision set of a job.
//
// Precedence:
//  1. Named template: authoritative, heuristics and advisor are skipped.
//  2. Uploaded schema: same authority, used when no template is named.
//  3. Heuristics over the sample, with advisor suggestions replacing the
//     heuristic kind of every column they cover.
//
// Every sample column ends with exactly one decision. Columns no source
// covers are Text, attributed to the source that was active.
//
// Errors:
//   - unknown template name
//
// An advisor failure is logged and never returned.
func (r *Resolver) Resolve(ctx context.Context, s Sample, src Sources) (schema.Decisions, error) {
	log := r.logger()

	var (
		base   schema.Decisions
		origin schema.Origin
	)

	switch {
	case strings.TrimSpace(src.Template) != "":
		t, err := schema.LookupTemplate(src.Template)
		if err != nil {
			return schema.Decisions{}, err
		}
		if src.Uploaded.Len() > 0 {
			log.Warn("stage=resolve uploaded schema ignored, named template wins", "template", t.Name)
		}
		base, origin = t.Decisions(), schema.OriginNamedTemplate

	case src.Uploaded.Len() > 0:
		base, origin = src.Uploaded, schema.OriginUploadedSchema

	default:
		base, origin = r.Heuristics.Infer(s), schema.OriginHeuristic
		r.applyAdvisor(ctx, s, &base)
	}

	out := orderedBySample(s.Columns, base, origin)

	for _, c := range src.DateColumns {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out.Set(schema.Decision{Column: c, Kind: schema.Date, Origin: schema.OriginUploadedSchema})
	}

	log.Info(fmt.Sprintf("stage=resolve source=%s columns=%d", origin, out.Len()),
		"text", len(out.ColumnsOf(schema.Text)),
		"integer", len(out.ColumnsOf(schema.Integer)),
		"float", len(out.ColumnsOf(schema.Float)),
		"date", len(out.ColumnsOf(schema.Date)),
	)
	return out, nil
}

func (r *Resolver) applyAdvisor(ctx context.Context, s Sample, base *schema.Decisions) {
	if r.Advisor == nil {
		return
	}
	log := r.logger()

	sugg, err := r.Advisor.SuggestTypes(ctx, s)
	if err != nil {
		log.Warn("stage=resolve advisor failed, keeping heuristics", "err", err)
		return
	}

	applied := 0
	for _, c := range s.Columns {
		k, ok := sugg[c]
		if !ok {
			continue
		}
		base.Set(schema.Decision{Column: c, Kind: k, Origin: schema.OriginAdvisor})
		applied++
	}
	log.Info(fmt.Sprintf("stage=resolve advisor applied=%d suggested=%d", applied, len(sugg)))
}

// orderedBySample lays decisions out in file column order, filling columns the
// source does not cover with Text, then appends source-only columns.
func orderedBySample(columns []string, base schema.Decisions, origin schema.Origin) schema.Decisions {
	var out schema.Decisions
	for _, c := range columns {
		if d, ok := base.Lookup(c); ok {
			out.Set(d)
			continue
		}
		out.Set(schema.Decision{Column: c, Kind: schema.Text, Origin: origin})
	}
	for _, d := range base.All() {
		if _, ok := out.Lookup(d.Column); !ok {
			out.Set(d)
		}
	}
	return out
}
