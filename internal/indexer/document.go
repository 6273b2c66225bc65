package indexer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/seanblong/kagsearch/pkg/models"
	"gopkg.in/yaml.v3"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "January 2, 2006"}

// parseDocument splits optional YAML front matter from body and derives the
// document record. docID is the slash-separated path relative to the root.
func parseDocument(docID, content string) (models.Document, string, error) {
	doc := models.Document{ID: docID, SourceMetadata: map[string]string{"path": docID}}

	fm, body, err := splitFrontMatter(content)
	if err != nil {
		return doc, "", fmt.Errorf("front matter: %w", err)
	}
	for k, v := range fm {
		val := strings.TrimSpace(fmt.Sprint(v))
		switch strings.ToLower(k) {
		case "title":
			doc.Title = val
		case "author":
			doc.Author = val
		case "date", "publish_date", "published":
			if t, ok := v.(time.Time); ok {
				doc.PublishDate = &t
			} else if t, ok := parseDate(val); ok {
				doc.PublishDate = &t
			}
		default:
			if val != "" {
				doc.SourceMetadata[k] = val
			}
		}
	}
	if doc.Title == "" {
		doc.Title = firstH1(body)
	}
	if doc.Title == "" {
		base := path.Base(docID)
		doc.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return doc, body, nil
}

func splitFrontMatter(content string) (map[string]any, string, error) {
	content = strings.TrimPrefix(content, "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return nil, content, nil
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content, nil
	}
	raw := rest[:end]
	body := rest[end+len("\n---"):]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, content, err
	}
	return fm, body, nil
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func firstH1(body string) string {
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "```") {
			inFence = !inFence
			continue
		}
		if !inFence && strings.HasPrefix(t, "# ") {
			return strings.TrimSpace(t[2:])
		}
	}
	return ""
}
