package search

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/seanblong/kagsearch/internal/ai"
	"github.com/seanblong/kagsearch/internal/config"
)

const (
	maxQueryLength   = 500
	longQueryHead    = 10
	longQueryExtra   = 20
	minTermLength    = 3
	minKeywordLength = 4
)

var quotedPhrase = regexp.MustCompile(`"([^"]*)"`)

// PreparedQuery is the query after cleanup and optional expansion.
type PreparedQuery struct {
	Raw string
	// Cleaned is what gets embedded.
	Cleaned string
	Phrases []string
	// Terms are the distinct lowercase words of the (possibly reduced) query.
	Terms []string
	// Expanded holds extra terms from query expansion that are not in Terms.
	Expanded     []string
	ExpansionErr error
}

// Preprocessor cleans queries and optionally expands them.
type Preprocessor struct {
	Expander ai.QueryExpander
	Log      zerolog.Logger
}

// Prepare never fails: expansion errors are recorded on the result and the
// query proceeds unexpanded.
func (p *Preprocessor) Prepare(ctx context.Context, raw string, s config.SearchSpecification) PreparedQuery {
	raw = strings.TrimSpace(raw)
	pq := PreparedQuery{Raw: raw, Cleaned: sanitize(raw)}

	for _, m := range quotedPhrase.FindAllStringSubmatch(raw, -1) {
		if ph := sanitize(m[1]); ph != "" {
			pq.Phrases = append(pq.Phrases, ph)
		}
	}

	rest := sanitize(quotedPhrase.ReplaceAllString(raw, " "))
	if len(raw) > maxQueryLength {
		rest = reduceLongQuery(rest)
	}
	pq.Terms = termsOf(rest, nil)

	if !s.QueryExpansion || p.Expander == nil || pq.Cleaned == "" {
		return pq
	}
	ectx, cancel := withTimeout(ctx, s.ExpandTimeout)
	defer cancel()
	expanded, err := p.Expander.Expand(ectx, pq.Cleaned)
	if err != nil {
		p.Log.Warn().Err(err).Str("query", raw).Msg("query expansion failed, continuing without it")
		pq.ExpansionErr = err
		return pq
	}
	seen := make(map[string]bool, len(pq.Terms))
	for _, t := range pq.Terms {
		seen[t] = true
	}
	pq.Expanded = termsOf(sanitize(strings.Join(expanded, " ")), seen)
	return pq
}

// sanitize replaces everything except letters, digits, whitespace and
// apostrophes with spaces and collapses runs of whitespace. Hyphenated words
// become separate words.
func sanitize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			return r
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// reduceLongQuery keeps the first words and then only longer keywords.
func reduceLongQuery(s string) string {
	words := strings.Fields(s)
	if len(words) <= longQueryHead {
		return s
	}
	out := append([]string{}, words[:longQueryHead]...)
	extra := 0
	for _, w := range words[longQueryHead:] {
		if extra == longQueryExtra {
			break
		}
		if utf8.RuneCountInString(w) >= minKeywordLength {
			out = append(out, w)
			extra++
		}
	}
	return strings.Join(out, " ")
}

// termsOf returns the distinct lowercase words of s at least minTermLength
// runes long, skipping those in exclude.
func termsOf(s string, exclude map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, "'")
		if utf8.RuneCountInString(w) < minTermLength || seen[w] || exclude[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
