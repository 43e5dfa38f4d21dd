// Package advisor asks a language model for column type hints.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"

	"csvload/internal/probe"
	"csvload/internal/schema"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-haiku-20240307"

const systemPrompt = `You are a data engineer choosing SQL column types for a bulk import.
Allowed types: text, integer, float, date.
Rules:
- Columns starting with CD_ or containing CODIGO or COD are identifiers: use text even when the values look numeric.
- Columns starting with DT_ or containing DATA are usually dates.
- A numeric identifier with values like 336025.0 must be text, never integer or float.
Reply with a single JSON object mapping each column name to one allowed type and nothing else.`

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ErrNoSuggestion is returned when the reply carries no JSON object.
var ErrNoSuggestion = errors.New("advisor: no JSON object in reply")

// Anthropic suggests column types through the Anthropic messages API.
type Anthropic struct {
	llm       llms.Model
	modelName string
}

// NewAnthropic creates an advisor for the given API key and model.
// An empty model selects DefaultModel.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key required")
	}
	if model == "" {
		model = DefaultModel
	}
	m, err := anthropic.New(
		anthropic.WithToken(apiKey),
		anthropic.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return &Anthropic{llm: m, modelName: model}, nil
}

// Model returns the model name.
func (a *Anthropic) Model() string {
	return a.modelName
}

// SuggestTypes implements probe.Advisor.
//
// Kinds the reply names that cannot be parsed are dropped; the resolver keeps
// the heuristic kind for those columns.
func (a *Anthropic) SuggestTypes(ctx context.Context, s probe.Sample) (map[string]schema.TypeKind, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(s)),
	}

	response, err := a.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(0),
		llms.WithMaxTokens(1024),
	)
	if err != nil {
		return nil, fmt.Errorf("suggest types: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	return parseSuggestions(response.Choices[0].Content)
}

func userPrompt(s probe.Sample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Columns: %s\n\nSample rows:\n", strings.Join(s.Columns, ", "))
	b.WriteString(strings.Join(s.Columns, " | "))
	b.WriteByte('\n')
	for _, r := range s.Rows {
		b.WriteString(strings.Join(r, " | "))
		b.WriteByte('\n')
	}
	return b.String()
}

// parseSuggestions extracts the first {...} span of the reply and decodes it.
func parseSuggestions(reply string) (map[string]schema.TypeKind, error) {
	raw := jsonObject.FindString(reply)
	if raw == "" {
		return nil, ErrNoSuggestion
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode suggestion: %w", err)
	}

	out := make(map[string]schema.TypeKind, len(m))
	for col, t := range m {
		k, err := schema.ParseTypeKind(t)
		if err != nil {
			continue
		}
		out[col] = k
	}
	return out, nil
}
