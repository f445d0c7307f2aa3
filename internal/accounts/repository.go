package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("account record not found")
	// ErrDuplicateEmail is returned when a signup reuses a registered email.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateKeyName is returned when a user reuses an API key name.
	ErrDuplicateKeyName = errors.New("api key name already in use")
)

// Repository persists users, sessions, API keys, and agents in the shared
// schema. All secrets arrive here already hashed; the repository never sees
// a raw token.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository backed by the given pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ── Users ──────────────────────────────────────────────────────────

const userCols = `id, email, password_hash, display_name, created_at, updated_at`

// CreateUser inserts a new user, minting ID and timestamps on the struct.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(r.db.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

// GetUserByEmail retrieves a user by normalized email address.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.db.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE email = $1`, email))
}

// GetUserByIdentity retrieves the user linked to an OAuth provider identity.
func (r *Repository) GetUserByIdentity(ctx context.Context, provider, providerID string) (*User, error) {
	return scanUser(r.db.QueryRow(ctx, `
		SELECT u.id, u.email, u.password_hash, u.display_name, u.created_at, u.updated_at
		FROM users u
		JOIN user_identities i ON i.user_id = u.id
		WHERE i.provider = $1 AND i.provider_id = $2`,
		provider, providerID))
}

// LinkIdentity attaches an OAuth provider identity to a user. Duplicate
// links are ignored.
func (r *Repository) LinkIdentity(ctx context.Context, userID uuid.UUID, provider, providerID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_identities (id, user_id, provider, provider_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, provider_id) DO NOTHING`,
		uuid.New(), userID, provider, providerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

// SetPasswordHash replaces a user's password hash.
func (r *Repository) SetPasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		userID, hash, time.Now().UTC(),
	)
	return err
}

// DeleteUser removes a user row. Sessions, keys, agents, and identities go
// with it via ON DELETE CASCADE; the tenant namespace is dropped separately.
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// ── Sessions ───────────────────────────────────────────────────────

const sessionCols = `id, user_id, token_hash, created_at, last_seen_at, expires_at`

// CreateSession inserts a new session row, minting ID and timestamps.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.LastSeenAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, created_at, last_seen_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.TokenHash, s.CreatedAt, s.LastSeenAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSessionByHash retrieves a session by its token digest.
func (r *Repository) GetSessionByHash(ctx context.Context, hash string) (*Session, error) {
	var s Session
	err := r.db.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE token_hash = $1`, hash,
	).Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// TouchSession advances a session's last_seen_at marker.
func (r *Repository) TouchSession(ctx context.Context, id uuid.UUID, seen time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, id, seen)
	return err
}

// DeleteSession removes a single session (logout).
func (r *Repository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// DeleteUserSessions removes every session a user holds (logout-all,
// password change).
func (r *Repository) DeleteUserSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepSessions deletes sessions past their expiry. Runs from the
// maintenance ticker; the resolver also rejects expired rows, so the sweep
// is about hygiene, not correctness.
func (r *Repository) SweepSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── API keys ───────────────────────────────────────────────────────

const apiKeyCols = `id, user_id, agent_id, name, key_hash, prefix, created_at, last_used_at, revoked_at`

// CreateAPIKey inserts a new key row, minting ID and created_at.
func (r *Repository) CreateAPIKey(ctx context.Context, k *APIKey) error {
	k.ID = uuid.New()
	k.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, agent_id, name, key_hash, prefix, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		k.ID, k.UserID, k.AgentID, k.Name, k.KeyHash, k.Prefix, k.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "api_keys_user_id_name_key" {
			return ErrDuplicateKeyName
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash retrieves a live (unrevoked) key by its digest.
func (r *Repository) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	err := r.db.QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`, hash,
	).Scan(&k.ID, &k.UserID, &k.AgentID, &k.Name, &k.KeyHash, &k.Prefix,
		&k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return &k, nil
}

// ListAPIKeys returns all of a user's keys, revoked ones included, newest
// first.
func (r *Repository) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.AgentID, &k.Name, &k.KeyHash, &k.Prefix,
			&k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// TouchAPIKey advances a key's last_used_at marker.
func (r *Repository) TouchAPIKey(ctx context.Context, id uuid.UUID, used time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, used)
	return err
}

// RevokeAPIKey disables one of the user's keys. Revoking twice is a no-op
// that still reports success; revoking someone else's key reports ErrNotFound.
func (r *Repository) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $3)
		WHERE id = $1 AND user_id = $2`,
		keyID, userID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAgentKeys disables every live key minted for one agent.
func (r *Repository) RevokeAgentKeys(ctx context.Context, userID uuid.UUID, agentID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE api_keys SET revoked_at = $3
		WHERE user_id = $1 AND agent_id = $2 AND revoked_at IS NULL`,
		userID, agentID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("revoke agent keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Agents ─────────────────────────────────────────────────────────

const agentCols = `id, user_id, slug, name, created_at, revoked_at`

// UpsertAgent registers an agent slug for a user or refreshes its display
// name. Re-registering a revoked agent reactivates it.
func (r *Repository) UpsertAgent(ctx context.Context, userID uuid.UUID, slug, name string) (*Agent, error) {
	var a Agent
	err := r.db.QueryRow(ctx, `
		INSERT INTO agents (id, user_id, slug, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, slug)
		DO UPDATE SET name = EXCLUDED.name, revoked_at = NULL
		RETURNING `+agentCols,
		uuid.New(), userID, slug, name, time.Now().UTC(),
	).Scan(&a.ID, &a.UserID, &a.Slug, &a.Name, &a.CreatedAt, &a.RevokedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves one of the user's agents by slug.
func (r *Repository) GetAgent(ctx context.Context, userID uuid.UUID, slug string) (*Agent, error) {
	var a Agent
	err := r.db.QueryRow(ctx,
		`SELECT `+agentCols+` FROM agents WHERE user_id = $1 AND slug = $2`,
		userID, slug,
	).Scan(&a.ID, &a.UserID, &a.Slug, &a.Name, &a.CreatedAt, &a.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns a user's agents, active first, then by slug.
func (r *Repository) ListAgents(ctx context.Context, userID uuid.UUID) ([]*Agent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+agentCols+` FROM agents
		WHERE user_id = $1
		ORDER BY (revoked_at IS NOT NULL), slug`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.UserID, &a.Slug, &a.Name, &a.CreatedAt, &a.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// RevokeAgent marks an agent revoked. The agent row and its audit trail
// survive; only its ability to authenticate ends.
func (r *Repository) RevokeAgent(ctx context.Context, userID uuid.UUID, slug string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE agents SET revoked_at = COALESCE(revoked_at, $3)
		WHERE user_id = $1 AND slug = $2`,
		userID, slug, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoke agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
