// Package vectors stores semantic memories as embedded text rows.
//
// Collections are auto-created on first write with the tenant's embedding
// dimension baked in. Identical text written twice into one collection is a
// reinforcement, not a new row; the content hash enforces that among live
// rows. Texts accepted while no embedding provider is reachable wait in
// pending_vectors under the id their vector row will eventually take.
package vectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

var (
	// ErrNotFound is returned for unknown collections or memory rows.
	ErrNotFound = errors.New("vector not found")
	// ErrBadCollection is returned for collection names that are not
	// identifier-safe.
	ErrBadCollection = errors.New("invalid collection name")
	// ErrDimension is returned when an embedding does not match its
	// collection's dimension.
	ErrDimension = errors.New("embedding dimension mismatch")
	// ErrTierLimit is returned when creating a collection would exceed the
	// tenant's tier quota.
	ErrTierLimit = errors.New("collection quota exceeded for tier")
	// ErrEmptyContent is returned for blank memory text.
	ErrEmptyContent = errors.New("empty memory text")
)

// DefaultCollection receives memories written without an explicit
// collection.
const DefaultCollection = "memories"

// Collection is one named vector space.
type Collection struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Dim         int       `json:"dim"`
	EntryCount  int64     `json:"entry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Memory is one embedded text row. Embedding is omitted from reads; rows
// are fetched for their text and provenance, not their coordinates.
type Memory struct {
	ID          uuid.UUID      `json:"id"`
	Collection  string         `json:"collection"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"-"`
	ThreadID    *uuid.UUID     `json:"thread_id,omitempty"`
	MetaRef     *uuid.UUID     `json:"meta_ref,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Ref is the ledger source ref for a memory row.
func (m *Memory) Ref() string { return "vectors:" + m.ID.String() }

// Hit is one search result with its cosine similarity in [0,1].
type Hit struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// Pending is a memory text awaiting its embedding. ID is the id the vector
// row will carry once embedded.
type Pending struct {
	ID          uuid.UUID      `json:"id"`
	Collection  string         `json:"collection"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"-"`
	MetaRef     *uuid.UUID     `json:"meta_ref,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Ref is the ledger source ref the eventual vector row will carry.
func (p *Pending) Ref() string { return "vectors:" + p.ID.String() }

// HashContent returns the dedup key for a memory text. Whitespace at the
// edges never distinguishes two memories.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,61}$`)

// NormalizeCollection lowercases and validates a collection name.
func NormalizeCollection(name string) (string, error) {
	if name == "" {
		return DefaultCollection, nil
	}
	n := strings.ToLower(strings.TrimSpace(name))
	if !collectionPattern.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrBadCollection, name)
	}
	return n, nil
}

// Store executes vector operations inside a tenant-bound transaction.
type Store struct{}

// NewStore returns a vectors Store.
func NewStore() *Store { return &Store{} }

// EnsureCollection returns the collection named name, creating it with the
// given dimension when absent. maxCollections is the tenant's tier quota.
func (s *Store) EnsureCollection(ctx context.Context, tx pgx.Tx, name, description string, dim, maxCollections int) (*Collection, bool, error) {
	name, err := NormalizeCollection(name)
	if err != nil {
		return nil, false, err
	}
	c, err := s.GetCollection(ctx, tx, name)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM vector_collections`).Scan(&count); err != nil {
		return nil, false, err
	}
	if maxCollections > 0 && count >= maxCollections {
		return nil, false, fmt.Errorf("%w: %d collections allowed", ErrTierLimit, maxCollections)
	}

	c = &Collection{Name: name, Description: description, Dim: dim}
	err = tx.QueryRow(ctx, `
		INSERT INTO vector_collections (name, description, dim)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING description, dim, entry_count, created_at`,
		name, description, dim).Scan(&c.Description, &c.Dim, &c.EntryCount, &c.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create collection %s: %w", name, err)
	}
	return c, true, nil
}

// GetCollection returns one collection by name.
func (s *Store) GetCollection(ctx context.Context, tx pgx.Tx, name string) (*Collection, error) {
	c := &Collection{}
	err := tx.QueryRow(ctx, `
		SELECT name, description, dim, entry_count, created_at
		FROM vector_collections WHERE name = $1`, name).
		Scan(&c.Name, &c.Description, &c.Dim, &c.EntryCount, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Collections lists all collections ordered by name.
func (s *Store) Collections(ctx context.Context, tx pgx.Tx) ([]*Collection, error) {
	rows, err := tx.Query(ctx, `
		SELECT name, description, dim, entry_count, created_at
		FROM vector_collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Collection
	for rows.Next() {
		c := &Collection{}
		if err := rows.Scan(&c.Name, &c.Description, &c.Dim, &c.EntryCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const memoryColumns = `id, collection, content, metadata, content_hash,
	thread_id, meta_ref, created_at, updated_at`

func scanMemory(row pgx.Row) (*Memory, error) {
	m := &Memory{}
	var rawMeta []byte
	err := row.Scan(&m.ID, &m.Collection, &m.Content, &rawMeta, &m.ContentHash,
		&m.ThreadID, &m.MetaRef, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode memory metadata: %w", err)
		}
	}
	return m, nil
}

func metadataJSON(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

// FindByHash returns the live memory with the given content hash, or the
// pending row holding the same text, whichever exists. Both nil means the
// text is new.
func (s *Store) FindByHash(ctx context.Context, tx pgx.Tx, collection, hash string) (*Memory, *Pending, error) {
	m, err := scanMemory(tx.QueryRow(ctx, `
		SELECT `+memoryColumns+` FROM vectors
		WHERE collection = $1 AND content_hash = $2 AND deleted_at IS NULL`,
		collection, hash))
	if err == nil {
		return m, nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	p, err := s.getPendingBy(ctx, tx,
		`WHERE collection = $1 AND content_hash = $2`, collection, hash)
	if err == nil {
		return nil, p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	return nil, nil, nil
}

// Add inserts one embedded memory. Callers dedup via FindByHash first; the
// partial unique index is the backstop against races.
func (s *Store) Add(ctx context.Context, tx pgx.Tx, c *Collection, content string, embedding []float32, metadata map[string]any) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if len(embedding) != c.Dim {
		return nil, fmt.Errorf("%w: got %d, collection %s wants %d",
			ErrDimension, len(embedding), c.Name, c.Dim)
	}
	rawMeta, err := metadataJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode memory metadata: %w", err)
	}

	m, err := scanMemory(tx.QueryRow(ctx, `
		INSERT INTO vectors (collection, content, embedding, metadata, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+memoryColumns,
		c.Name, content, pgvector.NewVector(embedding), rawMeta, HashContent(content)))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	if err := s.bumpEntryCount(ctx, tx, c.Name, 1); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) bumpEntryCount(ctx context.Context, tx pgx.Tx, collection string, delta int) error {
	_, err := tx.Exec(ctx, `
		UPDATE vector_collections
		SET entry_count = greatest(entry_count + $2, 0)
		WHERE name = $1`, collection, delta)
	return err
}

// Get returns one live memory by id.
func (s *Store) Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Memory, error) {
	return scanMemory(tx.QueryRow(ctx, `
		SELECT `+memoryColumns+` FROM vectors
		WHERE id = $1 AND deleted_at IS NULL`, id))
}

// List returns live memories in a collection, newest first.
func (s *Store) List(ctx context.Context, tx pgx.Tx, collection string, limit, offset int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT `+memoryColumns+` FROM vectors
		WHERE collection = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, collection, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

func collectMemories(rows pgx.Rows) ([]*Memory, error) {
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Search returns the memories nearest to the query embedding by cosine
// similarity, best first, dropping hits below minSimilarity.
func (s *Store) Search(ctx context.Context, tx pgx.Tx, collection string, query []float32, limit int, minSimilarity float64) ([]*Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.Query(ctx, `
		SELECT `+memoryColumns+`, 1 - (embedding <=> $2) AS similarity
		FROM vectors
		WHERE collection = $1 AND deleted_at IS NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, collection, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []*Hit
	for rows.Next() {
		m := &Memory{}
		var rawMeta []byte
		var sim float64
		if err := rows.Scan(&m.ID, &m.Collection, &m.Content, &rawMeta, &m.ContentHash,
			&m.ThreadID, &m.MetaRef, &m.CreatedAt, &m.UpdatedAt, &sim); err != nil {
			return nil, err
		}
		if sim < minSimilarity {
			continue
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode memory metadata: %w", err)
			}
		}
		out = append(out, &Hit{Memory: m, Similarity: sim})
	}
	return out, rows.Err()
}

// KeywordSearch is the fallback when no embedding provider is reachable:
// trigram similarity against the memory text, best first.
func (s *Store) KeywordSearch(ctx context.Context, tx pgx.Tx, collection, query string, limit int) ([]*Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.Query(ctx, `
		SELECT `+memoryColumns+`, similarity(content, $2) AS sim
		FROM vectors
		WHERE collection = $1 AND deleted_at IS NULL
		  AND (content % $2 OR content ILIKE '%' || $2 || '%')
		ORDER BY sim DESC
		LIMIT $3`, collection, query, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []*Hit
	for rows.Next() {
		m := &Memory{}
		var rawMeta []byte
		var sim float64
		if err := rows.Scan(&m.ID, &m.Collection, &m.Content, &rawMeta, &m.ContentHash,
			&m.ThreadID, &m.MetaRef, &m.CreatedAt, &m.UpdatedAt, &sim); err != nil {
			return nil, err
		}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode memory metadata: %w", err)
			}
		}
		out = append(out, &Hit{Memory: m, Similarity: sim})
	}
	return out, rows.Err()
}

// ByThread returns the live memories sharing a thread, oldest first.
func (s *Store) ByThread(ctx context.Context, tx pgx.Tx, threadID uuid.UUID) ([]*Memory, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+memoryColumns+` FROM vectors
		WHERE thread_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// SetThread stamps the thread id onto a set of memories.
func (s *Store) SetThread(ctx context.Context, tx pgx.Tx, threadID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE vectors SET thread_id = $1, updated_at = now()
		WHERE id = ANY($2) AND deleted_at IS NULL`, threadID, ids)
	return err
}

// SetMetaRef stamps the ledger row id onto a memory.
func (s *Store) SetMetaRef(ctx context.Context, tx pgx.Tx, id, metaID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE vectors SET meta_ref = $2 WHERE id = $1`, id, metaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete hides one memory.
func (s *Store) SoftDelete(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var collection string
	err := tx.QueryRow(ctx, `
		UPDATE vectors SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING collection`, id).Scan(&collection)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return s.bumpEntryCount(ctx, tx, collection, -1)
}

const pendingColumns = `id, collection, content, metadata, content_hash,
	meta_ref, attempts, last_error, created_at`

func scanPending(row pgx.Row) (*Pending, error) {
	p := &Pending{}
	var rawMeta []byte
	err := row.Scan(&p.ID, &p.Collection, &p.Content, &rawMeta, &p.ContentHash,
		&p.MetaRef, &p.Attempts, &p.LastError, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode pending metadata: %w", err)
		}
	}
	return p, nil
}

func (s *Store) getPendingBy(ctx context.Context, tx pgx.Tx, where string, args ...any) (*Pending, error) {
	return scanPending(tx.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_vectors `+where, args...))
}

// Enqueue parks a memory text until an embedding arrives. The row is
// created under the id the vector row will take, so ledger refs written now
// stay valid after the backfill.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, collection, content string, metadata map[string]any) (*Pending, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	rawMeta, err := metadataJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode pending metadata: %w", err)
	}
	return scanPending(tx.QueryRow(ctx, `
		INSERT INTO pending_vectors (id, collection, content, metadata, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+pendingColumns,
		uuid.New(), collection, content, rawMeta, HashContent(content)))
}

// GetPending returns one queued text by id.
func (s *Store) GetPending(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Pending, error) {
	return s.getPendingBy(ctx, tx, `WHERE id = $1`, id)
}

// ListPending returns queued texts below the attempt ceiling, oldest first,
// locked for this transaction so parallel sweepers never double-embed.
func (s *Store) ListPending(ctx context.Context, tx pgx.Tx, maxAttempts, limit int) ([]*Pending, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.Query(ctx, `
		SELECT `+pendingColumns+` FROM pending_vectors
		WHERE attempts < $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Pending
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPending reports the embedding backfill queue depth.
func (s *Store) CountPending(ctx context.Context, tx pgx.Tx) (int64, error) {
	var n int64
	err := tx.QueryRow(ctx, `SELECT count(*) FROM pending_vectors`).Scan(&n)
	return n, err
}

// MarkPendingError bumps the attempt counter after a failed embedding.
func (s *Store) MarkPendingError(ctx context.Context, tx pgx.Tx, id uuid.UUID, cause string) error {
	_, err := tx.Exec(ctx, `
		UPDATE pending_vectors
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, cause)
	return err
}

// SetPendingMetaRef stamps the ledger row id onto a queued text.
func (s *Store) SetPendingMetaRef(ctx context.Context, tx pgx.Tx, id, metaID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE pending_vectors SET meta_ref = $2 WHERE id = $1`, id, metaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fulfill turns a queued text into a live vector row under the queued id.
// When the same text was embedded through another path in the meantime, the
// queue row is dropped and the surviving row is returned with dup=true so
// the caller can fold the ledger entries together.
func (s *Store) Fulfill(ctx context.Context, tx pgx.Tx, p *Pending, c *Collection, embedding []float32) (*Memory, bool, error) {
	if len(embedding) != c.Dim {
		return nil, false, fmt.Errorf("%w: got %d, collection %s wants %d",
			ErrDimension, len(embedding), c.Name, c.Dim)
	}
	existing, err := scanMemory(tx.QueryRow(ctx, `
		SELECT `+memoryColumns+` FROM vectors
		WHERE collection = $1 AND content_hash = $2 AND deleted_at IS NULL`,
		p.Collection, p.ContentHash))
	if err == nil {
		if err := s.DropPending(ctx, tx, p.ID); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	rawMeta, err := metadataJSON(p.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("encode memory metadata: %w", err)
	}
	m, err := scanMemory(tx.QueryRow(ctx, `
		INSERT INTO vectors (id, collection, content, embedding, metadata, content_hash, meta_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+memoryColumns,
		p.ID, p.Collection, p.Content, pgvector.NewVector(embedding),
		rawMeta, p.ContentHash, p.MetaRef, p.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("fulfill pending vector: %w", err)
	}
	if err := s.DropPending(ctx, tx, p.ID); err != nil {
		return nil, false, err
	}
	if err := s.bumpEntryCount(ctx, tx, p.Collection, 1); err != nil {
		return nil, false, err
	}
	return m, false, nil
}

// DropPending removes one queue row.
func (s *Store) DropPending(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM pending_vectors WHERE id = $1`, id)
	return err
}

// Backlog parks a memory text that could be neither embedded nor queued.
// Nothing reads the backlog except operators; it exists so text handed to a
// write that returned success is never silently gone.
func (s *Store) Backlog(ctx context.Context, tx pgx.Tx, collection, content, reason string, metadata map[string]any) error {
	rawMeta, err := metadataJSON(metadata)
	if err != nil {
		rawMeta = []byte("{}")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO memory_backlog (collection, content, metadata, reason)
		VALUES ($1, $2, $3, $4)`, collection, content, rawMeta, reason)
	return err
}
