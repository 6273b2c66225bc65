package ai

import (
	"context"
	"errors"
	"strings"
)

// QueryExpander proposes extra search terms for a query.
type QueryExpander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

const expansionSystemPrompt = "Extract and expand key concepts from the query. " +
	"Format: concept1 | synonym1, synonym2 | concept2 | synonym3, synonym4. " +
	"Reply with that line only."

// maxExpandedTerms bounds what a chatty model can add to the text query.
const maxExpandedTerms = 20

// LLMExpander asks a Generator for concepts and synonyms.
type LLMExpander struct {
	Generator Generator
	Model     string
}

func NewLLMExpander(g Generator, model string) *LLMExpander {
	return &LLMExpander{Generator: g, Model: model}
}

func (e *LLMExpander) Expand(ctx context.Context, query string) ([]string, error) {
	if e == nil || e.Generator == nil {
		return nil, errors.New("no generator configured for query expansion")
	}
	out, err := e.Generator.Complete(ctx, CompletionRequest{
		System:      expansionSystemPrompt,
		Prompt:      query,
		Model:       e.Model,
		Temperature: 0,
		MaxTokens:   150,
	})
	if err != nil {
		return nil, err
	}
	return ParseExpansion(out), nil
}

// ParseExpansion splits "a | b, c | d" into lowercase, de-duplicated terms.
func ParseExpansion(s string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, group := range strings.Split(s, "|") {
		for _, t := range strings.Split(group, ",") {
			t = strings.ToLower(strings.Trim(strings.TrimSpace(t), `"'.`))
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			terms = append(terms, t)
			if len(terms) == maxExpandedTerms {
				return terms
			}
		}
	}
	return terms
}
