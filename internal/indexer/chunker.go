package indexer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultMaxChunkChars = 1500
	sectionSeparator     = " > "
)

// chunk is one piece of a document body ready for embedding.
type chunk struct {
	Content     string
	SectionPath string
	Position    int
}

type section struct {
	path []string
	text string
}

// splitSections cuts a Markdown body at ATX headings. Each section carries
// the trail of headings above it. Headings inside fenced code are ignored.
func splitSections(body string) []section {
	var (
		out     []section
		trail   []string
		levels  []int
		buf     strings.Builder
		inFence bool
	)
	flush := func() {
		if t := strings.TrimSpace(buf.String()); t != "" {
			out = append(out, section{path: append([]string(nil), trail...), text: t})
		}
		buf.Reset()
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if level, title, ok := heading(trimmed); ok {
				flush()
				for len(levels) > 0 && levels[len(levels)-1] >= level {
					levels = levels[:len(levels)-1]
					trail = trail[:len(trail)-1]
				}
				levels = append(levels, level)
				trail = append(trail, title)
				continue
			}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return out
}

func heading(line string) (int, string, bool) {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	title := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line[level:]), "#"))
	if title == "" {
		return 0, "", false
	}
	return level, title, true
}

// chunkDocument splits body into chunks of at most maxChars bytes, packing
// whole paragraphs where possible. Positions run from 0 across the document.
func chunkDocument(body string, maxChars int) []chunk {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	var out []chunk
	for _, s := range splitSections(body) {
		path := strings.Join(s.path, sectionSeparator)
		for _, text := range packParagraphs(s.text, maxChars) {
			out = append(out, chunk{Content: text, SectionPath: path, Position: len(out)})
		}
	}
	return out
}

func packParagraphs(text string, maxChars int) []string {
	var (
		out []string
		cur strings.Builder
	)
	emit := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(p) > maxChars {
			emit()
		}
		if len(p) > maxChars {
			emit()
			out = append(out, splitLong(p, maxChars)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	emit()
	return out
}

// splitLong hard-wraps an oversized paragraph, preferring whitespace and
// never cutting inside a rune.
func splitLong(p string, maxChars int) []string {
	var out []string
	for len(p) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		if i := strings.LastIndexFunc(p[:cut], unicode.IsSpace); i > maxChars/2 {
			cut = i
		}
		out = append(out, strings.TrimSpace(p[:cut]))
		p = strings.TrimSpace(p[cut:])
	}
	if p != "" {
		out = append(out, p)
	}
	return out
}
