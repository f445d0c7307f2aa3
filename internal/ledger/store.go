package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store executes ledger operations inside a tenant-bound transaction. All
// row mutations take row locks first so concurrent touches serialize; the
// counters stay strictly monotonic under parallel readers.
type Store struct {
	cfg Config
}

// NewStore returns a Store with the given thresholds.
func NewStore(cfg Config) *Store { return &Store{cfg: cfg} }

// Cfg exposes the active thresholds.
func (s *Store) Cfg() Config { return s.cfg }

const metaColumns = `id, source_type, source_ref, category, origin, agent_source,
	confidence, status, access_count, reinforce_count,
	last_accessed_at, last_reinforced_at, created_at, updated_at`

func scanMeta(row pgx.Row) (*Meta, error) {
	m := &Meta{}
	err := row.Scan(&m.ID, &m.SourceType, &m.SourceRef, &m.Category, &m.Origin, &m.AgentSource,
		&m.Confidence, &m.Status, &m.AccessCount, &m.ReinforceCount,
		&m.LastAccessedAt, &m.LastReinforcedAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func collectMetas(rows pgx.Rows) ([]*Meta, error) {
	var out []*Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RegisterFact creates the meta row for a fact, deriving confidence and
// status from its origin. Re-registering the same source coordinates
// returns the existing row untouched, so pipeline retries stay idempotent.
func (s *Store) RegisterFact(ctx context.Context, tx pgx.Tx, src SourceType, ref string, origin Origin, agentSource, category string) (*Meta, error) {
	confidence, status, err := InitialState(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}
	if category == "" {
		category = "knowledge"
	}
	return scanMeta(tx.QueryRow(ctx, `
		INSERT INTO memory_meta (source_type, source_ref, category, origin, agent_source, confidence, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_type, source_ref) DO UPDATE SET updated_at = now()
		RETURNING `+metaColumns,
		src, ref, category, origin, agentSource, confidence, status))
}

// Get returns the meta row by id.
func (s *Store) Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Meta, error) {
	return scanMeta(tx.QueryRow(ctx,
		`SELECT `+metaColumns+` FROM memory_meta WHERE id = $1`, id))
}

// GetBySource returns the meta row for a fact's source coordinates.
func (s *Store) GetBySource(ctx context.Context, tx pgx.Tx, src SourceType, ref string) (*Meta, error) {
	return scanMeta(tx.QueryRow(ctx,
		`SELECT `+metaColumns+` FROM memory_meta WHERE source_type = $1 AND source_ref = $2`, src, ref))
}

// GetBySources bulk-loads meta rows for refs of one source type, keyed by
// source_ref. Missing refs are simply absent from the map.
func (s *Store) GetBySources(ctx context.Context, tx pgx.Tx, src SourceType, refs []string) (map[string]*Meta, error) {
	if len(refs) == 0 {
		return map[string]*Meta{}, nil
	}
	rows, err := tx.Query(ctx,
		`SELECT `+metaColumns+` FROM memory_meta WHERE source_type = $1 AND source_ref = ANY($2)`, src, refs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	metas, err := collectMetas(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Meta, len(metas))
	for _, m := range metas {
		out[m.SourceRef] = m
	}
	return out, nil
}

func (s *Store) lock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Meta, error) {
	return scanMeta(tx.QueryRow(ctx,
		`SELECT `+metaColumns+` FROM memory_meta WHERE id = $1 FOR UPDATE`, id))
}

// Reinforce applies a reinforcement touch: the fact was restated or
// confirmed by a new write. Counters rise, confidence nudges toward 1.0,
// and an unvetted row crossing both promotion gates moves to active.
func (s *Store) Reinforce(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Meta, error) {
	return s.touch(ctx, tx, id, true)
}

// RecordAccess applies a read touch: the fact was served to a caller.
func (s *Store) RecordAccess(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Meta, error) {
	return s.touch(ctx, tx, id, false)
}

func (s *Store) touch(ctx context.Context, tx pgx.Tx, id uuid.UUID, reinforce bool) (*Meta, error) {
	m, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m.AccessCount++
	m.Confidence = s.cfg.Nudge(m.Confidence)
	m.LastAccessedAt = &now
	if reinforce {
		m.ReinforceCount++
		m.LastReinforcedAt = &now
	}

	promoted := s.cfg.ShouldPromote(m.Status, m.Confidence, m.AccessCount)
	from := m.Status
	if promoted {
		m.Status = StatusActive
	}

	if _, err := tx.Exec(ctx, `
		UPDATE memory_meta
		SET confidence = $2, status = $3, access_count = $4, reinforce_count = $5,
		    last_accessed_at = $6, last_reinforced_at = $7, updated_at = now()
		WHERE id = $1`,
		m.ID, m.Confidence, m.Status, m.AccessCount, m.ReinforceCount,
		m.LastAccessedAt, m.LastReinforcedAt); err != nil {
		return nil, err
	}
	if promoted {
		if err := s.logTransition(ctx, tx, m.ID, from, StatusActive, "promotion threshold reached"); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *Store) logTransition(ctx context.Context, tx pgx.Tx, metaID uuid.UUID, from, to Status, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO promote_history (meta_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)`, metaID, from, to, reason)
	return err
}

func (s *Store) setStatus(ctx context.Context, tx pgx.Tx, m *Meta, to Status, confidence float64, reason string) error {
	from := m.Status
	if from == to && confidence < 0 {
		return nil
	}
	if confidence >= 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE memory_meta SET status = $2, confidence = $3, updated_at = now() WHERE id = $1`,
			m.ID, to, confidence); err != nil {
			return err
		}
		m.Confidence = confidence
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE memory_meta SET status = $2, updated_at = now() WHERE id = $1`,
			m.ID, to); err != nil {
			return err
		}
	}
	m.Status = to
	if from != to {
		return s.logTransition(ctx, tx, m.ID, from, to, reason)
	}
	return nil
}

const contradictionColumns = `id, meta_id, prior_meta_id, field, prior_value, new_value,
	status, resolution, created_at, resolved_at`

func scanContradiction(row pgx.Row) (*Contradiction, error) {
	c := &Contradiction{}
	err := row.Scan(&c.ID, &c.MetaID, &c.PriorMetaID, &c.Field, &c.PriorValue, &c.NewValue,
		&c.Status, &c.Resolution, &c.CreatedAt, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RecordContradiction appends a conflict between the new fact (metaID) and a
// prior one. When the prior fact is high-confidence and live, both sides
// drop to review and the returned escalated flag is true; otherwise the
// conflict is recorded without touching either status.
func (s *Store) RecordContradiction(ctx context.Context, tx pgx.Tx, metaID, priorMetaID uuid.UUID, field, priorValue, newValue string) (*Contradiction, bool, error) {
	// Lock both rows in a fixed order so two concurrent writers cannot
	// deadlock on the pair.
	firstID, secondID := metaID, priorMetaID
	if priorMetaID.String() < metaID.String() {
		firstID, secondID = priorMetaID, metaID
	}
	first, err := s.lock(ctx, tx, firstID)
	if err != nil {
		return nil, false, err
	}
	second, err := s.lock(ctx, tx, secondID)
	if err != nil {
		return nil, false, err
	}
	m, prior := first, second
	if m.ID != metaID {
		m, prior = second, first
	}

	c, err := scanContradiction(tx.QueryRow(ctx, `
		INSERT INTO contradictions (meta_id, prior_meta_id, field, prior_value, new_value, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		RETURNING `+contradictionColumns,
		metaID, priorMetaID, field, priorValue, newValue))
	if err != nil {
		return nil, false, err
	}

	if !s.cfg.TriggersReview(prior) {
		return c, false, nil
	}
	if err := s.setStatus(ctx, tx, prior, StatusReview, -1, "contradicted by "+m.SourceRef); err != nil {
		return nil, false, err
	}
	if err := s.setStatus(ctx, tx, m, StatusReview, -1, "contradicts "+prior.SourceRef); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Resolve applies the owner's decision to a review row. Confirm promotes the
// target to trusted at the confirm confidence and rejects its counterpart;
// reject drops the target and restores the counterpart to active; keep_both
// restores both. The open contradiction linking the pair is closed.
func (s *Store) Resolve(ctx context.Context, tx pgx.Tx, metaID uuid.UUID, action ResolveAction) (*Meta, error) {
	targetStatus, counterpartStatus, targetConfidence, ok := s.cfg.ResolveOutcome(action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidState, action)
	}

	target, err := s.lock(ctx, tx, metaID)
	if err != nil {
		return nil, err
	}
	if target.Status != StatusReview {
		return nil, fmt.Errorf("%w: cannot resolve %s row", ErrInvalidState, target.Status)
	}

	c, err := scanContradiction(tx.QueryRow(ctx, `
		SELECT `+contradictionColumns+` FROM contradictions
		WHERE (meta_id = $1 OR prior_meta_id = $1) AND status = 'open'
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, metaID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	reason := "resolved: " + string(action)
	if err := s.setStatus(ctx, tx, target, targetStatus, targetConfidence, reason); err != nil {
		return nil, err
	}

	if c != nil {
		counterpartID := c.PriorMetaID
		if counterpartID == metaID {
			counterpartID = c.MetaID
		}
		if counterpartID != metaID {
			counterpart, err := s.lock(ctx, tx, counterpartID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if err == nil && counterpart.Status == StatusReview {
				if err := s.setStatus(ctx, tx, counterpart, counterpartStatus, -1, reason); err != nil {
					return nil, err
				}
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE contradictions
			SET status = 'resolved', resolution = $2, resolved_at = now()
			WHERE id = $1`, c.ID, string(action)); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// Retire rejects a meta row whose source row was soft-deleted. Already
// terminal rows pass through untouched.
func (s *Store) Retire(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*Meta, error) {
	m, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == StatusRejected || m.Status == StatusDecayed {
		return m, nil
	}
	if err := s.setStatus(ctx, tx, m, StatusRejected, -1, reason); err != nil {
		return nil, err
	}
	return m, nil
}

// DecayScan retires unvetted rows untouched since the cutoff implied by
// now and the configured decay window. It returns how many rows moved.
func (s *Store) DecayScan(ctx context.Context, tx pgx.Tx, now time.Time) (int64, error) {
	cutoff := now.Add(-s.cfg.DecayAfter)
	var moved int64
	err := tx.QueryRow(ctx, `
		WITH moved AS (
			UPDATE memory_meta
			SET status = $1, updated_at = now()
			WHERE status = $2 AND COALESCE(last_accessed_at, created_at) < $3
			RETURNING id
		), hist AS (
			INSERT INTO promote_history (meta_id, from_status, to_status, reason)
			SELECT id, $2, $1, 'untouched beyond decay window' FROM moved
		)
		SELECT count(*) FROM moved`,
		StatusDecayed, StatusUnvetted, cutoff).Scan(&moved)
	return moved, err
}

// ListByStatus returns meta rows in one status, most recently updated first.
func (s *Store) ListByStatus(ctx context.Context, tx pgx.Tx, status Status, limit, offset int) ([]*Meta, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT `+metaColumns+` FROM memory_meta
		WHERE status = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMetas(rows)
}

// ReviewItem pairs a review-status row with the open contradiction that put
// it there, when one exists.
type ReviewItem struct {
	Meta          *Meta          `json:"meta"`
	Contradiction *Contradiction `json:"contradiction,omitempty"`
}

// ListReview returns the review queue, oldest conflicts first so the user
// clears the backlog in order.
func (s *Store) ListReview(ctx context.Context, tx pgx.Tx, limit int) ([]*ReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	metas, err := func() ([]*Meta, error) {
		rows, err := tx.Query(ctx, `
			SELECT `+metaColumns+` FROM memory_meta
			WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`,
			StatusReview, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectMetas(rows)
	}()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return []*ReviewItem{}, nil
	}

	ids := make([]uuid.UUID, len(metas))
	for i, m := range metas {
		ids[i] = m.ID
	}
	rows, err := tx.Query(ctx, `
		SELECT `+contradictionColumns+` FROM contradictions
		WHERE status = 'open' AND (meta_id = ANY($1) OR prior_meta_id = ANY($1))
		ORDER BY created_at DESC`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	open := make(map[uuid.UUID]*Contradiction)
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		// Newest first; keep the first one seen per meta.
		if _, seen := open[c.MetaID]; !seen {
			open[c.MetaID] = c
		}
		if _, seen := open[c.PriorMetaID]; !seen {
			open[c.PriorMetaID] = c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items := make([]*ReviewItem, len(metas))
	for i, m := range metas {
		items[i] = &ReviewItem{Meta: m, Contradiction: open[m.ID]}
	}
	return items, nil
}

// History returns the append-only transition log for a row, oldest first.
func (s *Store) History(ctx context.Context, tx pgx.Tx, metaID uuid.UUID) ([]*Transition, error) {
	rows, err := tx.Query(ctx, `
		SELECT meta_id, from_status, to_status, reason, created_at
		FROM promote_history WHERE meta_id = $1 ORDER BY id ASC`, metaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		if err := rows.Scan(&t.MetaID, &t.From, &t.To, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteOrphan hard-deletes a meta row whose referent never materialized,
// such as a pending vector whose text turned out to already be stored when
// the backfill ran. Facts that exist are never deleted through this; their
// lifecycle ends at rejected or decayed.
func (s *Store) DeleteOrphan(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM memory_meta WHERE id = $1`, id)
	return err
}

// Contradictions returns every conflict a row participates in, newest first.
func (s *Store) Contradictions(ctx context.Context, tx pgx.Tx, metaID uuid.UUID) ([]*Contradiction, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+contradictionColumns+` FROM contradictions
		WHERE meta_id = $1 OR prior_meta_id = $1
		ORDER BY created_at DESC`, metaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByStatus returns row counts per status for the stats surface.
func (s *Store) CountByStatus(ctx context.Context, tx pgx.Tx) (map[Status]int64, error) {
	rows, err := tx.Query(ctx,
		`SELECT status, count(*) FROM memory_meta GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
