// Package tenant provisions and resolves per-user storage namespaces.
//
// Every user owns exactly one PostgreSQL schema holding the full set of
// memory tables (profile versions, dynamic tables, vectors, graph, ledger,
// consent, audit, claims). No query in the rest of the system may reach
// across namespaces; callers obtain a namespace-bound transaction through
// WithTenant and never interpolate schema names themselves.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	// ErrExists is returned when provisioning a user that already has a namespace.
	ErrExists = errors.New("tenant already exists")
	// ErrNotFound is returned when no namespace is registered for the user.
	ErrNotFound = errors.New("tenant not found")
	// ErrDDL wraps failures while creating or dropping namespace objects.
	ErrDDL = errors.New("tenant DDL failed")
)

// Tier labels the billing tier of a tenant. Tiers gate table quotas and
// rate-limit buckets; they never affect isolation.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Limits are the per-tier capacity ceilings enforced by the write path.
type Limits struct {
	MaxTables      int
	MaxVectorCols  int
	MaxRowsPerList int
}

// LimitsFor returns the capacity ceilings for a tier.
func LimitsFor(t Tier) Limits {
	if t == TierPaid {
		return Limits{MaxTables: 200, MaxVectorCols: 50, MaxRowsPerList: 500}
	}
	return Limits{MaxTables: 20, MaxVectorCols: 5, MaxRowsPerList: 200}
}

// Tenant is one row of the shared tenants registry.
type Tenant struct {
	ID           uuid.UUID `json:"id"`
	Namespace    string    `json:"namespace"`
	Tier         Tier      `json:"tier"`
	EmbeddingDim int       `json:"embedding_dim"`
	CreatedAt    time.Time `json:"created_at"`
}

// NamespaceFor derives the deterministic schema name for a user ID:
// the "mem_" prefix plus the first 16 hex characters of the UUID with
// hyphens stripped. The result contains only [a-z0-9_] and is safe to
// use as an unquoted identifier.
func NamespaceFor(userID uuid.UUID) string {
	hex := strings.ReplaceAll(userID.String(), "-", "")
	return "mem_" + hex[:16]
}

// Manager provisions namespaces and binds connections to them.
type Manager struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[uuid.UUID]*Tenant
}

// NewManager creates a Manager backed by the given connection pool.
func NewManager(pool *pgxpool.Pool, logger *zap.Logger) *Manager {
	return &Manager{pool: pool, logger: logger, cache: make(map[uuid.UUID]*Tenant)}
}

// Pool exposes the underlying pool for shared-schema queries (tenants
// registry, accounts, enrichment jobs). Tenant-scoped access goes through
// WithTenant instead.
func (m *Manager) Pool() *pgxpool.Pool { return m.pool }

// Create provisions a namespace and its full table set for userID.
// embeddingDim fixes the dimension of every vector column in the namespace;
// 0 selects the default (768).
func (m *Manager) Create(ctx context.Context, userID uuid.UUID, tier Tier, embeddingDim int) (*Tenant, error) {
	if embeddingDim <= 0 {
		embeddingDim = DefaultEmbeddingDim
	}
	if tier == "" {
		tier = TierFree
	}
	ns := NamespaceFor(userID)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tenant tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check tenant: %w", err)
	}
	if exists {
		return nil, ErrExists
	}

	t := &Tenant{
		ID:           userID,
		Namespace:    ns,
		Tier:         tier,
		EmbeddingDim: embeddingDim,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (id, namespace, tier, embedding_dim, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Namespace, t.Tier, t.EmbeddingDim, t.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("register tenant: %w", err)
	}

	for _, stmt := range namespaceDDL(ns, embeddingDim) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDDL, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tenant tx: %w", err)
	}

	m.mu.Lock()
	m.cache[userID] = t
	m.mu.Unlock()

	m.logger.Info("tenant provisioned",
		zap.String("tenant_id", userID.String()),
		zap.String("namespace", ns),
		zap.Int("embedding_dim", embeddingDim),
	)
	return t, nil
}

// Drop tears down the tenant's namespace and registry row. This is the only
// hard-delete path in the system.
func (m *Manager) Drop(ctx context.Context, userID uuid.UUID) error {
	t, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin drop tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, pgx.Identifier{t.Namespace}.Sanitize()),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrDDL, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM enrichment_jobs WHERE tenant_id = $1`, userID); err != nil {
		return fmt.Errorf("purge enrichment jobs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("unregister tenant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit drop tx: %w", err)
	}

	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()

	m.logger.Info("tenant dropped",
		zap.String("tenant_id", userID.String()),
		zap.String("namespace", t.Namespace),
	)
	return nil
}

// Get returns the registry row for userID.
func (m *Manager) Get(ctx context.Context, userID uuid.UUID) (*Tenant, error) {
	m.mu.RLock()
	if t, ok := m.cache[userID]; ok {
		m.mu.RUnlock()
		return t, nil
	}
	m.mu.RUnlock()

	t := &Tenant{}
	err := m.pool.QueryRow(ctx,
		`SELECT id, namespace, tier, embedding_dim, created_at FROM tenants WHERE id = $1`,
		userID,
	).Scan(&t.ID, &t.Namespace, &t.Tier, &t.EmbeddingDim, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	m.mu.Lock()
	m.cache[userID] = t
	m.mu.Unlock()
	return t, nil
}

// SetTier updates the tenant's billing tier.
func (m *Manager) SetTier(ctx context.Context, userID uuid.UUID, tier Tier) error {
	tag, err := m.pool.Exec(ctx, `UPDATE tenants SET tier = $2 WHERE id = $1`, userID, tier)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	m.mu.Lock()
	if t, ok := m.cache[userID]; ok {
		clone := *t
		clone.Tier = tier
		m.cache[userID] = &clone
	}
	m.mu.Unlock()
	return nil
}

// WithTenant runs fn inside a transaction whose search_path is pinned to the
// tenant's namespace (plus "public" for extension operators). SET LOCAL ties
// the setting to the transaction, so the connection returns to the pool clean
// on every exit path, including panics and context cancellation.
func (m *Manager) WithTenant(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx) error) error {
	t, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	return m.inTx(ctx, t.Namespace+", public", false, fn)
}

// WithSandbox runs fn inside a READ ONLY transaction whose search_path names
// only the tenant's namespace. Shared-schema tables and extension schemas are
// unreachable, which backs the SQL sandbox's cross-tenant guarantees at the
// database level as well.
func (m *Manager) WithSandbox(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx) error) error {
	t, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	return m.inTx(ctx, t.Namespace, true, fn)
}

func (m *Manager) inTx(ctx context.Context, searchPath string, readOnly bool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	opts := pgx.TxOptions{}
	if readOnly {
		opts.AccessMode = pgx.ReadOnly
	}
	tx, err := m.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tenant tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// search_path cannot be a bind parameter; the namespace is derived from a
	// UUID and sanitized, never taken from request input.
	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+searchPath); err != nil {
		return fmt.Errorf("bind namespace: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// List returns all registered tenants, newest first.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.pool.Query(ctx,
		`SELECT id, namespace, tier, embedding_dim, created_at
		 FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.Namespace, &t.Tier, &t.EmbeddingDim, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
