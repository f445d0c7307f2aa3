// Package graph stores the tenant's knowledge graph: typed entities joined
// by weighted directed edges.
//
// Creation is idempotent. An entity is identified case-insensitively by
// (type, name) among live rows; re-creating one bumps its mention count and
// merges properties. An edge is identified by (source, target, relation);
// re-creating one accumulates weight and appends evidence. Deletion is soft,
// and soft-deleted entities hide their edges from every query.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/pkg/jsonmerge"
)

var (
	// ErrNotFound is returned for unknown or deleted entities and edges.
	ErrNotFound = errors.New("graph row not found")
	// ErrBadInput is returned for blank names, types, or relations.
	ErrBadInput = errors.New("invalid graph input")
	// ErrPattern is returned by QueryPattern for question shapes outside
	// its templates, so callers can fall back to plain search.
	ErrPattern = errors.New("pattern not recognized")
)

// WeightCeiling caps accumulated edge weight. Repeated observations
// strengthen a relation but never without bound.
const WeightCeiling = 10.0

// evidenceCap bounds the evidence list per edge; older entries roll off.
const evidenceCap = 20

// Entity is one node.
type Entity struct {
	ID           uuid.UUID      `json:"id"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Properties   map[string]any `json:"properties,omitempty"`
	Confidence   float64        `json:"confidence"`
	MentionCount int64          `json:"mention_count"`
	MetaRef      *uuid.UUID     `json:"meta_ref,omitempty"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
}

// Ref is the ledger source ref for an entity.
func (e *Entity) Ref() string { return "entity:" + e.ID.String() }

// Evidence is one observation supporting an edge.
type Evidence struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Edge is one directed relation between two entities.
type Edge struct {
	ID         uuid.UUID      `json:"id"`
	SourceID   uuid.UUID      `json:"source_id"`
	TargetID   uuid.UUID      `json:"target_id"`
	Relation   string         `json:"relation"`
	Weight     float64        `json:"weight"`
	Confidence float64        `json:"confidence"`
	Evidence   []Evidence     `json:"evidence,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	MetaRef    *uuid.UUID     `json:"meta_ref,omitempty"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

// Ref is the ledger source ref for an edge.
func (e *Edge) Ref() string { return "edge:" + e.ID.String() }

// Store executes graph operations inside a tenant-bound transaction.
type Store struct{}

// NewStore returns a graph Store.
func NewStore() *Store { return &Store{} }

// NormalizeType lowercases an entity type or relation name.
func NormalizeType(s string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	if n == "" || len(n) > 64 {
		return "", fmt.Errorf("%w: %q", ErrBadInput, s)
	}
	return strings.ReplaceAll(n, " ", "_"), nil
}

const entityColumns = `id, entity_type, name, properties, confidence,
	mention_count, meta_ref, first_seen, last_seen`

func scanEntity(row pgx.Row) (*Entity, error) {
	e := &Entity{}
	var rawProps []byte
	err := row.Scan(&e.ID, &e.Type, &e.Name, &rawProps, &e.Confidence,
		&e.MentionCount, &e.MetaRef, &e.FirstSeen, &e.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawProps) > 0 {
		if err := json.Unmarshal(rawProps, &e.Properties); err != nil {
			return nil, fmt.Errorf("decode entity properties: %w", err)
		}
	}
	return e, nil
}

func collectEntities(rows pgx.Rows) ([]*Entity, error) {
	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func propsJSON(props map[string]any) ([]byte, error) {
	if props == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(props)
}

func decodeJSONInto(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode graph json: %w", err)
	}
	return nil
}

// CreateEntity inserts a node or, when one already exists for the
// case-insensitive (type, name) pair, reinforces it: mention count up,
// properties merged, confidence raised to the stronger of the two, last
// seen refreshed. The second return reports whether a new row was created.
func (s *Store) CreateEntity(ctx context.Context, tx pgx.Tx, typ, name string, props map[string]any, confidence float64) (*Entity, bool, error) {
	typ, err := NormalizeType(typ)
	if err != nil {
		return nil, false, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("%w: empty entity name", ErrBadInput)
	}
	confidence = clamp01(confidence)

	existing, err := s.getEntityByIdentity(ctx, tx, typ, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err == nil {
		merged := existing.Properties
		if props != nil {
			merged = jsonmerge.Merge(existing.Properties, props)
		}
		rawProps, err := propsJSON(merged)
		if err != nil {
			return nil, false, fmt.Errorf("encode entity properties: %w", err)
		}
		e, err := scanEntity(tx.QueryRow(ctx, `
			UPDATE entities
			SET mention_count = mention_count + 1,
			    properties = $2,
			    confidence = greatest(confidence, $3),
			    last_seen = now()
			WHERE id = $1
			RETURNING `+entityColumns, existing.ID, rawProps, confidence))
		if err != nil {
			return nil, false, err
		}
		return e, false, nil
	}

	rawProps, err := propsJSON(props)
	if err != nil {
		return nil, false, fmt.Errorf("encode entity properties: %w", err)
	}
	e, err := scanEntity(tx.QueryRow(ctx, `
		INSERT INTO entities (entity_type, name, properties, confidence)
		VALUES ($1, $2, $3, $4)
		RETURNING `+entityColumns, typ, name, rawProps, confidence))
	if err != nil {
		return nil, false, fmt.Errorf("create entity: %w", err)
	}
	return e, true, nil
}

func (s *Store) getEntityByIdentity(ctx context.Context, tx pgx.Tx, typ, name string) (*Entity, error) {
	return scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE entity_type = $1 AND lower(name) = lower($2) AND deleted_at IS NULL
		FOR UPDATE`, typ, name))
}

// GetEntity returns one live entity by id.
func (s *Store) GetEntity(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Entity, error) {
	return scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE id = $1 AND deleted_at IS NULL`, id))
}

// UpdateEntity merges the given properties into an entity and optionally
// adjusts its confidence (pass a negative confidence to leave it alone).
func (s *Store) UpdateEntity(ctx context.Context, tx pgx.Tx, id uuid.UUID, props map[string]any, confidence float64) (*Entity, error) {
	existing, err := scanEntity(tx.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	merged := existing.Properties
	if props != nil {
		merged = jsonmerge.Merge(existing.Properties, props)
	}
	rawProps, err := propsJSON(merged)
	if err != nil {
		return nil, fmt.Errorf("encode entity properties: %w", err)
	}
	if confidence < 0 {
		confidence = existing.Confidence
	}
	return scanEntity(tx.QueryRow(ctx, `
		UPDATE entities
		SET properties = $2, confidence = $3, last_seen = now()
		WHERE id = $1
		RETURNING `+entityColumns, id, rawProps, clamp01(confidence)))
}

// DeleteEntity soft-deletes a node. Its edges stay on disk but disappear
// from queries, which all join through live entities.
func (s *Store) DeleteEntity(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE entities SET deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEntityMetaRef stamps the ledger row id onto an entity.
func (s *Store) SetEntityMetaRef(ctx context.Context, tx pgx.Tx, id, metaID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE entities SET meta_ref = $2 WHERE id = $1`, id, metaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EntityFilter narrows ListEntities.
type EntityFilter struct {
	Type          string
	MinConfidence float64
	MaxConfidence float64 // 0 means unbounded
	Limit         int
	Offset        int
}

// ListEntities returns live entities, strongest first, names breaking ties.
func (s *Store) ListEntities(ctx context.Context, tx pgx.Tx, f EntityFilter) ([]*Entity, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	maxConf := f.MaxConfidence
	if maxConf <= 0 {
		maxConf = 1
	}
	var rows pgx.Rows
	var err error
	if f.Type != "" {
		rows, err = tx.Query(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE deleted_at IS NULL AND entity_type = $1
			  AND confidence >= $2 AND confidence <= $3
			ORDER BY confidence DESC, name ASC
			LIMIT $4 OFFSET $5`, f.Type, f.MinConfidence, maxConf, f.Limit, f.Offset)
	} else {
		rows, err = tx.Query(ctx, `
			SELECT `+entityColumns+` FROM entities
			WHERE deleted_at IS NULL
			  AND confidence >= $1 AND confidence <= $2
			ORDER BY confidence DESC, name ASC
			LIMIT $3 OFFSET $4`, f.MinConfidence, maxConf, f.Limit, f.Offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// FindByName matches entities by exact name first, then by trigram
// similarity, most similar first. typ narrows the search when non-empty.
func (s *Store) FindByName(ctx context.Context, tx pgx.Tx, name, typ string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty search name", ErrBadInput)
	}
	rows, err := tx.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE deleted_at IS NULL
		  AND ($2 = '' OR entity_type = $2)
		  AND (lower(name) = lower($1) OR name % $1)
		ORDER BY (lower(name) = lower($1)) DESC, similarity(name, $1) DESC
		LIMIT $3`, name, typ, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

const edgeColumns = `id, source_id, target_id, relation, weight, confidence,
	evidence, properties, meta_ref, first_seen, last_seen`

func scanEdge(row pgx.Row) (*Edge, error) {
	e := &Edge{}
	var rawEv, rawProps []byte
	err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Confidence,
		&rawEv, &rawProps, &e.MetaRef, &e.FirstSeen, &e.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawEv) > 0 {
		if err := json.Unmarshal(rawEv, &e.Evidence); err != nil {
			return nil, fmt.Errorf("decode edge evidence: %w", err)
		}
	}
	if len(rawProps) > 0 {
		if err := json.Unmarshal(rawProps, &e.Properties); err != nil {
			return nil, fmt.Errorf("decode edge properties: %w", err)
		}
	}
	return e, nil
}

func collectEdges(rows pgx.Rows) ([]*Edge, error) {
	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateEdge links two live entities. An existing (source, target, relation)
// row accumulates weight up to the ceiling and appends the evidence text; a
// soft-deleted one revives with the incoming values. The second return
// reports whether a new row was created.
func (s *Store) CreateEdge(ctx context.Context, tx pgx.Tx, sourceID, targetID uuid.UUID, relation string, weight, confidence float64, evidence string, props map[string]any) (*Edge, bool, error) {
	relation, err := NormalizeType(relation)
	if err != nil {
		return nil, false, err
	}
	if weight <= 0 {
		weight = 1
	}
	confidence = clamp01(confidence)

	for _, id := range []uuid.UUID{sourceID, targetID} {
		if _, err := s.GetEntity(ctx, tx, id); err != nil {
			return nil, false, fmt.Errorf("edge endpoint %s: %w", id, err)
		}
	}

	existing, err := scanEdge(tx.QueryRow(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE source_id = $1 AND target_id = $2 AND relation = $3
		FOR UPDATE`, sourceID, targetID, relation))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if err == nil {
		var deletedAt *time.Time
		if derr := tx.QueryRow(ctx,
			`SELECT deleted_at FROM edges WHERE id = $1`, existing.ID).Scan(&deletedAt); derr != nil {
			return nil, false, derr
		}
		if deletedAt != nil {
			// Revived edge starts over; stale evidence does not outlive the
			// deletion.
			return s.reviveEdge(ctx, tx, existing.ID, weight, confidence, evidence, props)
		}
		ev := existing.Evidence
		if evidence != "" {
			ev = append(ev, Evidence{Text: evidence, At: time.Now().UTC()})
			if len(ev) > evidenceCap {
				ev = ev[len(ev)-evidenceCap:]
			}
		}
		rawEv, merr := json.Marshal(ev)
		if merr != nil {
			return nil, false, fmt.Errorf("encode edge evidence: %w", merr)
		}
		merged := existing.Properties
		if props != nil {
			merged = jsonmerge.Merge(existing.Properties, props)
		}
		rawProps, merr := propsJSON(merged)
		if merr != nil {
			return nil, false, fmt.Errorf("encode edge properties: %w", merr)
		}
		e, uerr := scanEdge(tx.QueryRow(ctx, `
			UPDATE edges
			SET weight = least(weight + $2, $3),
			    confidence = greatest(confidence, $4),
			    evidence = $5,
			    properties = $6,
			    last_seen = now()
			WHERE id = $1
			RETURNING `+edgeColumns,
			existing.ID, weight, WeightCeiling, confidence, rawEv, rawProps))
		if uerr != nil {
			return nil, false, uerr
		}
		return e, false, nil
	}

	ev := []Evidence{}
	if evidence != "" {
		ev = append(ev, Evidence{Text: evidence, At: time.Now().UTC()})
	}
	rawEv, err := json.Marshal(ev)
	if err != nil {
		return nil, false, fmt.Errorf("encode edge evidence: %w", err)
	}
	rawProps, err := propsJSON(props)
	if err != nil {
		return nil, false, fmt.Errorf("encode edge properties: %w", err)
	}
	e, err := scanEdge(tx.QueryRow(ctx, `
		INSERT INTO edges (source_id, target_id, relation, weight, confidence, evidence, properties)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+edgeColumns,
		sourceID, targetID, relation, min(weight, WeightCeiling), confidence, rawEv, rawProps))
	if err != nil {
		return nil, false, fmt.Errorf("create edge: %w", err)
	}
	return e, true, nil
}

func (s *Store) reviveEdge(ctx context.Context, tx pgx.Tx, id uuid.UUID, weight, confidence float64, evidence string, props map[string]any) (*Edge, bool, error) {
	ev := []Evidence{}
	if evidence != "" {
		ev = append(ev, Evidence{Text: evidence, At: time.Now().UTC()})
	}
	rawEv, err := json.Marshal(ev)
	if err != nil {
		return nil, false, fmt.Errorf("encode edge evidence: %w", err)
	}
	rawProps, err := propsJSON(props)
	if err != nil {
		return nil, false, fmt.Errorf("encode edge properties: %w", err)
	}
	e, err := scanEdge(tx.QueryRow(ctx, `
		UPDATE edges
		SET deleted_at = NULL, weight = $2, confidence = $3,
		    evidence = $4, properties = $5, last_seen = now()
		WHERE id = $1
		RETURNING `+edgeColumns,
		id, min(weight, WeightCeiling), confidence, rawEv, rawProps))
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// GetEdge returns one live edge by id.
func (s *Store) GetEdge(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Edge, error) {
	return scanEdge(tx.QueryRow(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE id = $1 AND deleted_at IS NULL`, id))
}

// UpdateEdge adjusts weight and confidence directly (no accumulation) and
// merges properties. Negative inputs leave the stored value alone.
func (s *Store) UpdateEdge(ctx context.Context, tx pgx.Tx, id uuid.UUID, weight, confidence float64, props map[string]any) (*Edge, error) {
	existing, err := scanEdge(tx.QueryRow(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if weight < 0 {
		weight = existing.Weight
	}
	if confidence < 0 {
		confidence = existing.Confidence
	}
	merged := existing.Properties
	if props != nil {
		merged = jsonmerge.Merge(existing.Properties, props)
	}
	rawProps, err := propsJSON(merged)
	if err != nil {
		return nil, fmt.Errorf("encode edge properties: %w", err)
	}
	return scanEdge(tx.QueryRow(ctx, `
		UPDATE edges
		SET weight = least($2, $3), confidence = $4, properties = $5, last_seen = now()
		WHERE id = $1
		RETURNING `+edgeColumns,
		id, weight, WeightCeiling, clamp01(confidence), rawProps))
}

// DeleteEdge soft-deletes one edge.
func (s *Store) DeleteEdge(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE edges SET deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEdgeMetaRef stamps the ledger row id onto an edge.
func (s *Store) SetEdgeMetaRef(ctx context.Context, tx pgx.Tx, id, metaID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE edges SET meta_ref = $2 WHERE id = $1`, id, metaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEdges returns live edges whose endpoints are both live, optionally
// narrowed by relation, strongest first.
func (s *Store) ListEdges(ctx context.Context, tx pgx.Tx, relation string, limit, offset int) ([]*Edge, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEdgeColumns("e")+` FROM edges e
		JOIN entities src ON src.id = e.source_id AND src.deleted_at IS NULL
		JOIN entities dst ON dst.id = e.target_id AND dst.deleted_at IS NULL
		WHERE e.deleted_at IS NULL
		  AND ($1 = '' OR e.relation = $1)
		ORDER BY e.weight DESC, e.last_seen DESC
		LIMIT $2 OFFSET $3`, relation, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEdges(rows)
}

// prefixedEdgeColumns qualifies the edge column list for joined queries.
func prefixedEdgeColumns(alias string) string {
	cols := strings.Split(edgeColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
