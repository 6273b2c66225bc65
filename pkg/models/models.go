package models

import "time"

// Document is the parent of a set of chunks.
type Document struct {
	ID             string            `json:"doc_id" yaml:"doc_id"`
	Title          string            `json:"title" yaml:"title"`
	Author         string            `json:"author,omitempty" yaml:"author"`
	PublishDate    *time.Time        `json:"publish_date,omitempty" yaml:"publish_date"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty" yaml:"source_metadata"`
}

// Chunk is a contiguous piece of a document. Position orders chunks within
// their document.
type Chunk struct {
	ID          string    `json:"chunk_id"`
	DocID       string    `json:"doc_id"`
	Content     string    `json:"content"`
	Position    int       `json:"position"`
	SectionPath string    `json:"section_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type EntityCategory string

const (
	CategoryPerson       EntityCategory = "PERSON"
	CategoryOrganization EntityCategory = "ORGANIZATION"
	CategoryLocation     EntityCategory = "LOCATION"
	CategoryTechnology   EntityCategory = "TECHNOLOGY"
	CategoryConcept      EntityCategory = "CONCEPT"
	CategoryEvent        EntityCategory = "EVENT"
	CategoryProduct      EntityCategory = "PRODUCT"
)

// Categories lists the entity categories in display order.
var Categories = []EntityCategory{
	CategoryPerson, CategoryOrganization, CategoryLocation, CategoryTechnology,
	CategoryConcept, CategoryEvent, CategoryProduct,
}

// Valid reports whether c is one of the known categories.
func (c EntityCategory) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

type Entity struct {
	ID          string         `json:"entity_id" yaml:"entity_id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Category    EntityCategory `json:"category" yaml:"category"`
	Aliases     []string       `json:"aliases,omitempty" yaml:"aliases"`
}

// Relationship is a directed edge between two entities. Either endpoint may
// reference an entity that does not exist.
type Relationship struct {
	ID             string `json:"relationship_id" yaml:"relationship_id"`
	SourceEntityID string `json:"source_entity_id" yaml:"source_entity_id"`
	TargetEntityID string `json:"target_entity_id" yaml:"target_entity_id"`
	RelationType   string `json:"relation_type" yaml:"relation_type"`
	DocID          string `json:"doc_id" yaml:"doc_id"`
}

// ScoredChunk is one entry of a raw stage ranking.
type ScoredChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// RelationshipRef is a relationship as seen from an entity attached to a
// search result. Source and Target hold entity names and are empty when the
// id does not resolve.
type RelationshipRef struct {
	ID           string    `json:"relationship_id"`
	RelationType string    `json:"relation_type"`
	Direction    Direction `json:"direction"`
	SourceID     string    `json:"source_entity_id"`
	TargetID     string    `json:"target_entity_id"`
	Source       string    `json:"source,omitempty"`
	Target       string    `json:"target,omitempty"`
}

// SearchResult is one fused, optionally enriched hit.
type SearchResult struct {
	ChunkID       string            `json:"chunk_id"`
	DocID         string            `json:"doc_id"`
	Content       string            `json:"content"`
	Position      int               `json:"position"`
	SectionPath   string            `json:"section_path,omitempty"`
	VectorScore   float64           `json:"vector_score"`
	TextScore     float64           `json:"text_score"`
	CombinedScore float64           `json:"combined_score"`
	Entities      []Entity          `json:"entities"`
	Relationships []RelationshipRef `json:"relationships"`
	Context       []Chunk           `json:"context,omitempty"`
}

// Citation points from an answer back to the chunk it drew on.
type Citation struct {
	Index   int     `json:"index"`
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
}

// Stats summarises the knowledge base.
type Stats struct {
	Documents     int            `json:"documents"`
	Chunks        int            `json:"chunks"`
	Entities      int            `json:"entities"`
	Relationships int            `json:"relationships"`
	ByCategory    map[string]int `json:"entities_by_category"`
}

type GraphNode struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Size     int    `json:"size"`
}

type GraphLink struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	RelationType string `json:"relation_type"`
	Weight       int    `json:"weight"`
}

// GraphData is the knowledge graph shaped for visualisation.
type GraphData struct {
	Nodes      []GraphNode            `json:"nodes"`
	Links      []GraphLink            `json:"links"`
	Categories map[string][]GraphNode `json:"categories"`
}
