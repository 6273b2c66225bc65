package indexer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/kagsearch/pkg/models"
	"gopkg.in/yaml.v3"
)

// GraphWriter is the part of the store LoadGraph needs.
type GraphWriter interface {
	UpsertEntity(ctx context.Context, e models.Entity) error
	UpsertRelationship(ctx context.Context, r models.Relationship) error
}

// GraphFile is the YAML layout of an entity/relationship import.
type GraphFile struct {
	Entities      []models.Entity       `yaml:"entities"`
	Relationships []models.Relationship `yaml:"relationships"`
}

// GraphSummary counts imported and skipped records.
type GraphSummary struct {
	Entities      int
	Relationships int
	Skipped       int
}

var relationshipNamespace = uuid.MustParse("8f0c5a3e-7d4b-4c51-9a2e-6b1f0d3c2a71")

// LoadGraph reads a GraphFile from r and upserts it. Invalid records are
// logged and skipped; relationships may point at entities that do not exist.
func LoadGraph(ctx context.Context, w GraphWriter, r io.Reader) (GraphSummary, error) {
	var gf GraphFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&gf); err != nil && err != io.EOF {
		return GraphSummary{}, fmt.Errorf("decode graph file: %w", err)
	}

	var sum GraphSummary
	for _, e := range gf.Entities {
		e.ID = strings.TrimSpace(e.ID)
		e.Name = strings.TrimSpace(e.Name)
		e.Category = models.EntityCategory(strings.ToUpper(strings.TrimSpace(string(e.Category))))
		if e.ID == "" || e.Name == "" {
			log.Warn().Str("entity_id", e.ID).Str("name", e.Name).Msg("skipping entity without id or name")
			sum.Skipped++
			continue
		}
		if !e.Category.Valid() {
			log.Warn().Str("entity_id", e.ID).Str("category", string(e.Category)).Msg("unknown category, using CONCEPT")
			e.Category = models.CategoryConcept
		}
		if err := w.UpsertEntity(ctx, e); err != nil {
			return sum, fmt.Errorf("upsert entity %s: %w", e.ID, err)
		}
		sum.Entities++
	}

	for _, rel := range gf.Relationships {
		rel.SourceEntityID = strings.TrimSpace(rel.SourceEntityID)
		rel.TargetEntityID = strings.TrimSpace(rel.TargetEntityID)
		rel.RelationType = strings.ToUpper(strings.TrimSpace(rel.RelationType))
		if rel.SourceEntityID == "" || rel.TargetEntityID == "" || rel.RelationType == "" {
			log.Warn().Str("relationship_id", rel.ID).Msg("skipping relationship without endpoints or type")
			sum.Skipped++
			continue
		}
		if rel.ID == "" {
			rel.ID = relationshipID(rel)
		}
		if err := w.UpsertRelationship(ctx, rel); err != nil {
			return sum, fmt.Errorf("upsert relationship %s: %w", rel.ID, err)
		}
		sum.Relationships++
	}
	return sum, nil
}

// relationshipID derives a stable id so re-importing the same file is
// idempotent.
func relationshipID(r models.Relationship) string {
	key := strings.Join([]string{r.SourceEntityID, r.RelationType, r.TargetEntityID, r.DocID}, "|")
	return uuid.NewSHA1(relationshipNamespace, []byte(key)).String()
}
