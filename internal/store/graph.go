package store

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/seanblong/kagsearch/pkg/models"
)

// UpsertEntity inserts or updates an entity keyed on (entity_id, name).
func (s *Store) UpsertEntity(ctx context.Context, e models.Entity) error {
	aliases := e.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	const q = `
		INSERT INTO entities (entity_id, name, description, category, aliases)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (entity_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			category    = EXCLUDED.category,
			aliases     = EXCLUDED.aliases;`
	_, err := s.pool.Exec(ctx, q, e.ID, e.Name, e.Description, string(e.Category), aliases)
	return err
}

// UpsertRelationship inserts or updates a relationship. Endpoints are not
// checked against the entities table.
func (s *Store) UpsertRelationship(ctx context.Context, r models.Relationship) error {
	const q = `
		INSERT INTO relationships (relationship_id, source_entity_id, target_entity_id, relation_type, doc_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (relationship_id) DO UPDATE SET
			source_entity_id = EXCLUDED.source_entity_id,
			target_entity_id = EXCLUDED.target_entity_id,
			relation_type    = EXCLUDED.relation_type,
			doc_id           = EXCLUDED.doc_id;`
	_, err := s.pool.Exec(ctx, q, r.ID, r.SourceEntityID, r.TargetEntityID, r.RelationType, r.DocID)
	return err
}

const entityColumns = `e.entity_id, e.name, e.description, e.category, e.aliases`

// EntitiesForDocument returns the entities taking part in any relationship
// recorded for docID, ordered by name.
func (s *Store) EntitiesForDocument(ctx context.Context, docID string) ([]models.Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT `+entityColumns+`
		FROM entities e
		JOIN relationships r
		  ON r.source_entity_id = e.entity_id OR r.target_entity_id = e.entity_id
		WHERE r.doc_id = $1
		ORDER BY e.name, e.entity_id`, docID)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

// EntitiesByIDs resolves entity ids. When an id carries several names the
// alphabetically first wins. Unknown ids are absent from the map.
func (s *Store) EntitiesByIDs(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	out := make(map[string]models.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (e.entity_id) `+entityColumns+`
		FROM entities e
		WHERE e.entity_id = ANY($1)
		ORDER BY e.entity_id, e.name`, ids)
	if err != nil {
		return nil, err
	}
	ents, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		out[e.ID] = e
	}
	return out, nil
}

// RelationshipsForEntities returns up to limit relationships where any of
// ids is the source or the target.
func (s *Store) RelationshipsForEntities(ctx context.Context, ids []string, limit int) ([]models.Relationship, error) {
	if len(ids) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT relationship_id, source_entity_id, target_entity_id, relation_type, doc_id
		FROM relationships
		WHERE source_entity_id = ANY($1) OR target_entity_id = ANY($1)
		ORDER BY relationship_id
		LIMIT $2`, ids, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Relationship
	for rows.Next() {
		var r models.Relationship
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelationType, &r.DocID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectEntities(rows pgx.Rows) ([]models.Entity, error) {
	defer rows.Close()
	var out []models.Entity
	for rows.Next() {
		var (
			e   models.Entity
			cat string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &cat, &e.Aliases); err != nil {
			return nil, err
		}
		e.Category = models.EntityCategory(cat)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts the knowledge base contents.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	st := models.Stats{ByCategory: map[string]int{}}
	err := s.pool.QueryRow(ctx, `
		SELECT
		  (SELECT count(*) FROM documents),
		  (SELECT count(*) FROM chunks),
		  (SELECT count(DISTINCT entity_id) FROM entities),
		  (SELECT count(*) FROM relationships)`).
		Scan(&st.Documents, &st.Chunks, &st.Entities, &st.Relationships)
	if err != nil {
		return st, err
	}

	rows, err := s.pool.Query(ctx, `SELECT category, count(DISTINCT entity_id) FROM entities GROUP BY category`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cat string
			n   int
		)
		if err := rows.Scan(&cat, &n); err != nil {
			return st, err
		}
		st.ByCategory[cat] = n
	}
	return st, rows.Err()
}

// GraphData shapes the knowledge graph for visualisation. Node size is the
// number of relationships touching the entity; link weight is the number of
// relationships sharing source, target and type. Links with an unknown
// endpoint are left out.
func (s *Store) GraphData(ctx context.Context) (models.GraphData, error) {
	gd := models.GraphData{
		Nodes:      []models.GraphNode{},
		Links:      []models.GraphLink{},
		Categories: map[string][]models.GraphNode{},
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (e.entity_id) e.entity_id, e.name, e.category,
		  (SELECT count(*) FROM relationships r
		    WHERE r.source_entity_id = e.entity_id OR r.target_entity_id = e.entity_id)
		FROM entities e
		ORDER BY e.entity_id, e.name`)
	if err != nil {
		return gd, err
	}
	known := map[string]bool{}
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.ID, &n.Name, &n.Category, &n.Size); err != nil {
			rows.Close()
			return gd, err
		}
		known[n.ID] = true
		gd.Nodes = append(gd.Nodes, n)
		gd.Categories[n.Category] = append(gd.Categories[n.Category], n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return gd, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT source_entity_id, target_entity_id, relation_type, count(*)
		FROM relationships
		GROUP BY source_entity_id, target_entity_id, relation_type
		ORDER BY source_entity_id, target_entity_id, relation_type`)
	if err != nil {
		return gd, err
	}
	defer rows.Close()
	for rows.Next() {
		var l models.GraphLink
		if err := rows.Scan(&l.Source, &l.Target, &l.RelationType, &l.Weight); err != nil {
			return gd, err
		}
		if known[l.Source] && known[l.Target] {
			gd.Links = append(gd.Links, l)
		}
	}
	if err := rows.Err(); err != nil {
		return gd, err
	}

	sort.SliceStable(gd.Nodes, func(i, j int) bool { return gd.Nodes[i].Name < gd.Nodes[j].Name })
	return gd, nil
}
