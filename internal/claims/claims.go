// Package claims keeps the append-only knowledge-claim stream.
//
// Every graph and profile write leaves a (subject, predicate, object) claim
// behind, tagged with how it was derived and which ledger row it supports.
// The stream answers "why does the system believe X" — it is an explain
// trail, never a primary read path.
package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Claim is one append-only knowledge assertion.
type Claim struct {
	ID         uuid.UUID  `json:"id"`
	ClaimType  string     `json:"claim_type"`
	Subject    string     `json:"subject"`
	Predicate  string     `json:"predicate"`
	Object     string     `json:"object"`
	Confidence float64    `json:"confidence"`
	Method     string     `json:"method,omitempty"`
	Origin     string     `json:"origin,omitempty"`
	SourceRef  string     `json:"source_ref,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	MetaID     *uuid.UUID `json:"meta_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Event is one entry of a claim's status sub-log.
type Event struct {
	ID        int64          `json:"id"`
	ClaimID   uuid.UUID      `json:"claim_id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store appends and reads claims inside a tenant transaction.
type Store struct{}

// NewStore returns a claims Store.
func NewStore() *Store { return &Store{} }

// Record appends a claim and returns it with server-assigned fields filled.
func (s *Store) Record(ctx context.Context, tx pgx.Tx, c *Claim) (*Claim, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO knowledge_claims
			(claim_type, subject, predicate, object, confidence, method, origin,
			 source_ref, agent_id, meta_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, valid_from, created_at`,
		c.ClaimType, c.Subject, c.Predicate, c.Object, c.Confidence, c.Method,
		c.Origin, c.SourceRef, c.AgentID, c.MetaID,
	).Scan(&c.ID, &c.ValidFrom, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record claim: %w", err)
	}
	return c, nil
}

// Supersede closes a claim's validity window. The row itself stays; only
// valid_to moves, once.
func (s *Store) Supersede(ctx context.Context, tx pgx.Tx, claimID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE knowledge_claims SET valid_to = now()
		WHERE id = $1 AND valid_to IS NULL`, claimID)
	return err
}

// AddEvent appends to a claim's status sub-log.
func (s *Store) AddEvent(ctx context.Context, tx pgx.Tx, claimID uuid.UUID, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode claim event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO claim_events (claim_id, event, detail)
		VALUES ($1, $2, $3)`, claimID, event, raw)
	return err
}

const claimColumns = `id, claim_type, subject, predicate, object, confidence,
	method, origin, source_ref, agent_id, valid_from, valid_to, meta_id, created_at`

// ForMeta returns the claims supporting one ledger row, newest first.
func (s *Store) ForMeta(ctx context.Context, tx pgx.Tx, metaID uuid.UUID) ([]*Claim, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims
		WHERE meta_id = $1 ORDER BY created_at DESC`, metaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ForSubject returns a subject's live claims (valid_to unset), newest first.
func (s *Store) ForSubject(ctx context.Context, tx pgx.Tx, subject string, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT `+claimColumns+` FROM knowledge_claims
		WHERE subject = $1 AND valid_to IS NULL
		ORDER BY created_at DESC LIMIT $2`, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// Events returns a claim's sub-log, oldest first.
func (s *Store) Events(ctx context.Context, tx pgx.Tx, claimID uuid.UUID) ([]*Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, claim_id, event, detail, created_at
		FROM claim_events WHERE claim_id = $1 ORDER BY id ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var raw []byte
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.Event, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode claim event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func collect(rows pgx.Rows) ([]*Claim, error) {
	var out []*Claim
	for rows.Next() {
		c := &Claim{}
		if err := rows.Scan(&c.ID, &c.ClaimType, &c.Subject, &c.Predicate, &c.Object,
			&c.Confidence, &c.Method, &c.Origin, &c.SourceRef, &c.AgentID,
			&c.ValidFrom, &c.ValidTo, &c.MetaID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
