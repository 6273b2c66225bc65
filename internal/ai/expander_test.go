package ai

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type MockGenerator struct {
	CompleteFunc func(ctx context.Context, req CompletionRequest) (string, error)
}

func (m *MockGenerator) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return m.CompleteFunc(ctx, req)
}

func TestParseExpansion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"pipes and commas", "graph | knowledge graph, kg | retrieval", []string{"graph", "knowledge graph", "kg", "retrieval"}},
		{"trims and lowercases", ` "Vector Search". | 'ANN' `, []string{"vector search", "ann"}},
		{"dedupes", "rag | RAG, rag | search", []string{"rag", "search"}},
		{"skips blanks", " | , | x", []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseExpansion(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseExpansion_Caps(t *testing.T) {
	parts := make([]string, 40)
	for i := range parts {
		parts[i] = "term" + strings.Repeat("x", i)
	}
	got := ParseExpansion(strings.Join(parts, " | "))
	if len(got) != maxExpandedTerms {
		t.Errorf("Expected %d terms, got %d", maxExpandedTerms, len(got))
	}
}

func TestLLMExpander_Expand(t *testing.T) {
	var captured CompletionRequest
	gen := &MockGenerator{CompleteFunc: func(_ context.Context, req CompletionRequest) (string, error) {
		captured = req
		return "neural network | deep learning, dnn", nil
	}}
	e := NewLLMExpander(gen, "small-model")

	terms, err := e.Expand(context.Background(), "what are neural nets")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	want := []string{"neural network", "deep learning", "dnn"}
	if !reflect.DeepEqual(terms, want) {
		t.Errorf("Expected %v, got %v", want, terms)
	}
	if captured.Model != "small-model" || captured.Prompt != "what are neural nets" {
		t.Errorf("Unexpected request %+v", captured)
	}
	if captured.Temperature != 0 || captured.MaxTokens != 150 {
		t.Errorf("Expected deterministic short completion, got %+v", captured)
	}
	if !strings.Contains(captured.System, "concept1 | synonym1") {
		t.Errorf("Expected format instructions in system prompt, got %q", captured.System)
	}
}

func TestLLMExpander_Errors(t *testing.T) {
	boom := errors.New("boom")
	e := NewLLMExpander(&MockGenerator{CompleteFunc: func(context.Context, CompletionRequest) (string, error) {
		return "", boom
	}}, "")
	if _, err := e.Expand(context.Background(), "q"); !errors.Is(err, boom) {
		t.Errorf("Expected generator error, got %v", err)
	}

	var nilExpander *LLMExpander
	if _, err := nilExpander.Expand(context.Background(), "q"); err == nil {
		t.Error("Expected error from unconfigured expander")
	}
}
