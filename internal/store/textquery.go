package store

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	// MaxTextClauses bounds the number of OR'ed clauses in one text query.
	MaxTextClauses = 50
	// MaxProximityTerms is how many leading terms take part in the proximity clause.
	MaxProximityTerms = 5
	proximityWeight   = 1.0
)

type clauseKind int

const (
	phraseClause clauseKind = iota
	proximityClause
	termClause
)

type textClause struct {
	kind   clauseKind
	text   string
	weight float64
}

// TextQuery is a weighted full-text query over chunk content. Phrases are
// matched as exact phrases, Terms individually, and the first
// MaxProximityTerms terms additionally within ProximityDistance tokens of
// each other.
type TextQuery struct {
	Phrases           []string
	Terms             []string
	PhraseWeight      float64
	TermWeight        float64
	ProximityDistance int
}

// Empty reports whether the query has nothing to match.
func (q TextQuery) Empty() bool {
	return len(q.clauses()) == 0
}

func (q TextQuery) clauses() []textClause {
	var out []textClause
	for _, p := range q.Phrases {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, textClause{kind: phraseClause, text: p, weight: q.PhraseWeight})
		}
	}
	if q.ProximityDistance > 0 {
		if prox := q.proximityTerms(); len(prox) > 1 {
			out = append(out, textClause{kind: proximityClause, text: strings.Join(prox, " "), weight: proximityWeight})
		}
	}
	for _, t := range q.Terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, textClause{kind: termClause, text: t, weight: q.TermWeight})
		}
	}
	if len(out) > MaxTextClauses {
		out = out[:MaxTextClauses]
	}
	return out
}

// proximityTerms returns the leading terms reduced to tsquery-safe lexemes.
func (q TextQuery) proximityTerms() []string {
	var out []string
	for _, t := range q.Terms {
		lex := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, t)
		if lex == "" {
			continue
		}
		out = append(out, lex)
		if len(out) == MaxProximityTerms {
			break
		}
	}
	return out
}

// Expression renders the query in a human readable form for debug output,
// e.g. content:"graph database">>2.0 OR content:"neo4j cypher"~5 OR content:neo4j>>1.5
func (q TextQuery) Expression() string {
	clauses := q.clauses()
	parts := make([]string, 0, len(clauses))
	for _, c := range clauses {
		switch c.kind {
		case phraseClause:
			parts = append(parts, fmt.Sprintf(`content:"%s">>%s`, c.text, formatWeight(c.weight)))
		case proximityClause:
			parts = append(parts, fmt.Sprintf(`content:"%s"~%d`, c.text, q.ProximityDistance))
		case termClause:
			parts = append(parts, fmt.Sprintf(`content:%s>>%s`, c.text, formatWeight(c.weight)))
		}
	}
	return strings.Join(parts, " OR ")
}

func formatWeight(w float64) string {
	s := strconv.FormatFloat(w, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// proximityTSQuery builds "(a <1> b | b <1> a | ... )" covering every pair of
// terms, both orders, at every distance up to maxDist.
func proximityTSQuery(terms []string, maxDist int) string {
	var alts []string
	for d := 1; d <= maxDist; d++ {
		for i := 0; i < len(terms); i++ {
			for j := i + 1; j < len(terms); j++ {
				alts = append(alts,
					fmt.Sprintf("%s <%d> %s", terms[i], d, terms[j]),
					fmt.Sprintf("%s <%d> %s", terms[j], d, terms[i]),
				)
			}
		}
	}
	return "(" + strings.Join(alts, " | ") + ")"
}

// buildTextSearchSQL turns q into a query whose score is the sum of
// weight * ts_rank_cd over the clauses a chunk matches.
func buildTextSearchSQL(q TextQuery, limit int) (string, []any) {
	clauses := q.clauses()
	var (
		values []string
		args   []any
	)
	for _, c := range clauses {
		wi := len(args) + 1
		ti := wi + 1
		var fn string
		text := c.text
		switch c.kind {
		case phraseClause:
			fn = "phraseto_tsquery"
		case proximityClause:
			fn = "to_tsquery"
			text = proximityTSQuery(strings.Fields(c.text), q.ProximityDistance)
		default:
			fn = "plainto_tsquery"
		}
		values = append(values, fmt.Sprintf("($%d::float8, %s('english', $%d))", wi, fn, ti))
		args = append(args, c.weight, text)
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`
WITH clauses(weight, query) AS (
  VALUES
    %s
)
SELECT c.id, SUM(cl.weight * ts_rank_cd(c.tsv, cl.query))::float8 AS score
FROM chunks c
JOIN clauses cl ON c.tsv @@ cl.query
GROUP BY c.id
ORDER BY score DESC, c.id
LIMIT $%d;
`, strings.Join(values, ",\n    "), len(args))
	return sql, args
}
