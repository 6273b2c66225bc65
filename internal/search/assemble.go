package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/config"
	"github.com/seanblong/kagsearch/pkg/models"
)

const systemPrompt = "You are a helpful assistant that answers questions based on the provided context."

// Answer is a generated response grounded in cited results.
type Answer struct {
	Text       string
	Citations  []models.Citation
	Confidence float64
}

// Assembler builds the grounded prompt and asks the generator for an answer.
type Assembler struct {
	Generator ai.Generator
}

// Generate answers query from results. The returned error is the
// generator's; callers degrade instead of failing.
func (a *Assembler) Generate(ctx context.Context, query string, results []models.SearchResult, s config.ResponseSpecification) (Answer, error) {
	prompt, cited := BuildPrompt(query, results, s.MaxContextChars)

	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	text, err := a.Generator.Complete(ctx, ai.CompletionRequest{
		System:      systemPrompt,
		Prompt:      prompt,
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	})
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{Text: text, Citations: make([]models.Citation, len(cited))}
	var sum float64
	for i, r := range cited {
		ans.Citations[i] = models.Citation{Index: i + 1, ChunkID: r.ChunkID, DocID: r.DocID, Score: r.CombinedScore}
		sum += r.CombinedScore
	}
	if len(cited) > 0 {
		ans.Confidence = clamp01(sum / float64(len(cited)))
	}
	return ans, nil
}

// BuildPrompt renders the question and numbered context blocks. Blocks are
// added in rank order while they fit in maxChars; the first block is always
// present, truncated if needed. It returns the results that made it in.
func BuildPrompt(query string, results []models.SearchResult, maxChars int) (string, []models.SearchResult) {
	var ctxBuf strings.Builder
	var cited []models.SearchResult
	for i, r := range results {
		block := contextBlock(i+1, r)
		if maxChars > 0 && ctxBuf.Len()+len(block) > maxChars {
			if i == 0 {
				block = truncateUTF8(block, maxChars)
			} else {
				break
			}
		}
		ctxBuf.WriteString(block)
		cited = append(cited, r)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString("Context:\n")
	b.WriteString(ctxBuf.String())
	b.WriteString("\nAnswer the question using only the context above. Cite the blocks you use as [n].")
	return b.String(), cited
}

func contextBlock(n int, r models.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] (doc %s)\n%s\n", n, r.DocID, strings.TrimSpace(r.Content))
	if len(r.Entities) > 0 {
		parts := make([]string, len(r.Entities))
		for i, e := range r.Entities {
			parts[i] = fmt.Sprintf("%s (%s): %s", e.Name, e.Category, e.Description)
		}
		fmt.Fprintf(&b, "Entities: %s\n", strings.Join(parts, "; "))
	}
	if len(r.Relationships) > 0 {
		parts := make([]string, 0, len(r.Relationships))
		for _, rel := range r.Relationships {
			parts = append(parts, fmt.Sprintf("%s -%s-> %s", orID(rel.Source, rel.SourceID), rel.RelationType, orID(rel.Target, rel.TargetID)))
		}
		fmt.Fprintf(&b, "Relationships: %s\n", strings.Join(parts, "; "))
	}
	b.WriteString("\n")
	return b.String()
}

func orID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
