package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mnemohq/mnemo/internal/tenant"
)

var (
	// ErrInvalidCredentials covers every authentication failure the caller
	// is allowed to learn about: wrong password, unknown email, revoked or
	// unknown token. One error, no oracle.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionExpired is returned when a session exists but has aged out.
	ErrSessionExpired = errors.New("session expired")
)

const (
	defaultSessionTTL = 7 * 24 * time.Hour
	// KeyPrefix marks raw API keys so the auth resolver can route them
	// without a database roundtrip for obviously foreign tokens.
	KeyPrefix = "mnm_"
	// touchEvery throttles last-seen bookkeeping writes.
	touchEvery = time.Minute
)

// accountRepo is the storage interface consumed by Service.
type accountRepo interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByIdentity(ctx context.Context, provider, providerID string) (*User, error)
	LinkIdentity(ctx context.Context, userID uuid.UUID, provider, providerID string) error
	DeleteUser(ctx context.Context, id uuid.UUID) error

	CreateSession(ctx context.Context, s *Session) error
	GetSessionByHash(ctx context.Context, hash string) (*Session, error)
	TouchSession(ctx context.Context, id uuid.UUID, seen time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
	DeleteUserSessions(ctx context.Context, userID uuid.UUID) (int64, error)
	SweepSessions(ctx context.Context, now time.Time) (int64, error)

	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, used time.Time) error
	RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error
	RevokeAgentKeys(ctx context.Context, userID uuid.UUID, agentID string) (int64, error)

	UpsertAgent(ctx context.Context, userID uuid.UUID, slug, name string) (*Agent, error)
	GetAgent(ctx context.Context, userID uuid.UUID, slug string) (*Agent, error)
	ListAgents(ctx context.Context, userID uuid.UUID) ([]*Agent, error)
	RevokeAgent(ctx context.Context, userID uuid.UUID, slug string) error
}

// tenantDirectory is the slice of tenant.Manager the service needs:
// provisioning on signup, tier lookup on every resolve, teardown on
// account deletion.
type tenantDirectory interface {
	Create(ctx context.Context, userID uuid.UUID, tier tenant.Tier, embeddingDim int) (*tenant.Tenant, error)
	Get(ctx context.Context, userID uuid.UUID) (*tenant.Tenant, error)
	Drop(ctx context.Context, userID uuid.UUID) error
}

// Service implements account lifecycle and principal resolution.
type Service struct {
	repo       accountRepo
	tenants    tenantDirectory
	tokens     *TokenIssuer
	logger     *zap.Logger
	sessionTTL time.Duration
}

// NewService creates a Service.
func NewService(repo accountRepo, tenants tenantDirectory, tokens *TokenIssuer, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		tenants:    tenants,
		tokens:     tokens,
		logger:     logger,
		sessionTTL: defaultSessionTTL,
	}
}

// SetSessionTTL overrides the default seven-day session lifetime.
func (s *Service) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
}

// ── Users ──────────────────────────────────────────────────────────

// Signup creates a user with email/password authentication and provisions
// their memory namespace. The two steps are not atomic; a failed
// provisioning rolls the user row back so the email stays claimable.
func (s *Service) Signup(ctx context.Context, emailAddr, password, displayName string) (*User, error) {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, fmt.Errorf("a valid email is required")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if displayName == "" {
		displayName = emailAddr[:strings.Index(emailAddr, "@")]
	}

	u := &User{
		Email:        emailAddr,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	if _, err := s.tenants.Create(ctx, u.ID, tenant.TierFree, 0); err != nil {
		if delErr := s.repo.DeleteUser(ctx, u.ID); delErr != nil {
			s.logger.Error("orphaned user after failed tenant provisioning",
				zap.String("user_id", u.ID.String()),
				zap.Error(delErr),
			)
		}
		return nil, fmt.Errorf("provision tenant: %w", err)
	}

	s.logger.Info("user signed up",
		zap.String("user_id", u.ID.String()),
		zap.String("namespace", tenant.NamespaceFor(u.ID)),
	)
	return u, nil
}

// Login verifies email/password and returns the user. All failure modes
// collapse to ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, emailAddr, password string) (*User, error) {
	u, err := s.repo.GetUserByEmail(ctx, normalizeEmail(emailAddr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

// GetOrCreateFromOAuth resolves an OAuth callback to a local account:
// by linked identity first, then by verified email, creating user and
// tenant when neither exists. OAuth-only accounts carry an empty password
// hash and cannot log in with a password.
func (s *Service) GetOrCreateFromOAuth(ctx context.Context, provider, providerID, emailAddr, displayName string) (*User, error) {
	if u, err := s.repo.GetUserByIdentity(ctx, provider, providerID); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("oauth lookup: %w", err)
	}

	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return nil, fmt.Errorf("%s returned no email address", provider)
	}

	if u, err := s.repo.GetUserByEmail(ctx, emailAddr); err == nil {
		if err := s.repo.LinkIdentity(ctx, u.ID, provider, providerID); err != nil {
			return nil, err
		}
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("oauth email lookup: %w", err)
	}

	if displayName == "" {
		displayName = emailAddr[:strings.Index(emailAddr, "@")]
	}
	u := &User{Email: emailAddr, DisplayName: displayName}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if _, err := s.tenants.Create(ctx, u.ID, tenant.TierFree, 0); err != nil {
		if delErr := s.repo.DeleteUser(ctx, u.ID); delErr != nil {
			s.logger.Error("orphaned user after failed tenant provisioning",
				zap.String("user_id", u.ID.String()),
				zap.Error(delErr),
			)
		}
		return nil, fmt.Errorf("provision tenant: %w", err)
	}
	if err := s.repo.LinkIdentity(ctx, u.ID, provider, providerID); err != nil {
		return nil, err
	}

	s.logger.Info("user signed up via oauth",
		zap.String("user_id", u.ID.String()),
		zap.String("provider", provider),
	)
	return u, nil
}

// DeleteAccount removes the user row (cascading sessions, keys, agents,
// identities) and then drops the tenant namespace. A namespace that fails
// to drop is logged for operator cleanup; the account is already
// unreachable at that point.
func (s *Service) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.DeleteUser(ctx, userID); err != nil {
		return err
	}
	if err := s.tenants.Drop(ctx, userID); err != nil && !errors.Is(err, tenant.ErrNotFound) {
		s.logger.Error("namespace left behind after account deletion",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("drop tenant: %w", err)
	}
	return nil
}

// ── Sessions ───────────────────────────────────────────────────────

// StartSession mints a login session and returns the raw cookie value.
// The raw token is never stored; losing it means logging in again.
func (s *Service) StartSession(ctx context.Context, userID uuid.UUID) (string, *Session, error) {
	raw, err := generateSecureToken(32)
	if err != nil {
		return "", nil, fmt.Errorf("generate session token: %w", err)
	}
	sess := &Session{
		UserID:    userID,
		TokenHash: hashToken(raw),
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}
	return raw, sess, nil
}

// ResolveSession validates a raw session cookie and returns the owner
// principal. Expired sessions are deleted on sight.
func (s *Service) ResolveSession(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrInvalidCredentials
	}
	sess, err := s.repo.GetSessionByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("session lookup: %w", err)
	}

	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		if err := s.repo.DeleteSession(ctx, sess.ID); err != nil {
			s.logger.Warn("failed to delete expired session", zap.Error(err))
		}
		return nil, ErrSessionExpired
	}
	if now.Sub(sess.LastSeenAt) > touchEvery {
		if err := s.repo.TouchSession(ctx, sess.ID, now); err != nil {
			s.logger.Warn("failed to touch session", zap.Error(err))
		}
	}

	t, err := s.tenants.Get(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve session tenant: %w", err)
	}
	return &Principal{UserID: sess.UserID, Tier: t.Tier, Method: MethodSession}, nil
}

// EndSession logs out the session holding the raw token. Unknown tokens
// are a successful logout.
func (s *Service) EndSession(ctx context.Context, raw string) error {
	sess, err := s.repo.GetSessionByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.repo.DeleteSession(ctx, sess.ID)
}

// EndAllSessions logs the user out everywhere.
func (s *Service) EndAllSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.DeleteUserSessions(ctx, userID)
}

// SweepExpired removes sessions past their expiry. Called from the
// maintenance ticker.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.SweepSessions(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("swept expired sessions", zap.Int64("count", n))
	}
	return n, nil
}

// ── API keys ───────────────────────────────────────────────────────

// MintAPIKey registers the agent (idempotently) and mints a key for it.
// The raw key is returned exactly once; only its SHA-256 lands in storage.
func (s *Service) MintAPIKey(ctx context.Context, userID uuid.UUID, agentSlug, agentName, keyName string) (string, *APIKey, error) {
	slug, err := NormalizeAgentSlug(agentSlug)
	if err != nil {
		return "", nil, err
	}
	if agentName == "" {
		agentName = slug
	}
	if keyName == "" {
		keyName = slug
	}
	if _, err := s.repo.UpsertAgent(ctx, userID, slug, agentName); err != nil {
		return "", nil, err
	}

	tok, err := generateSecureToken(24)
	if err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := KeyPrefix + tok
	k := &APIKey{
		UserID:  userID,
		AgentID: slug,
		Name:    keyName,
		KeyHash: hashToken(raw),
		Prefix:  raw[:12],
	}
	if err := s.repo.CreateAPIKey(ctx, k); err != nil {
		return "", nil, err
	}

	s.logger.Info("api key minted",
		zap.String("user_id", userID.String()),
		zap.String("agent_id", slug),
		zap.String("prefix", k.Prefix),
	)
	return raw, k, nil
}

// ResolveAPIKey validates a raw API key and returns the agent principal.
func (s *Service) ResolveAPIKey(ctx context.Context, raw string) (*Principal, error) {
	if !strings.HasPrefix(raw, KeyPrefix) || len(raw) < len(KeyPrefix)+16 {
		return nil, ErrInvalidCredentials
	}
	k, err := s.repo.GetAPIKeyByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("api key lookup: %w", err)
	}

	agent, err := s.repo.GetAgent(ctx, k.UserID, k.AgentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("api key agent lookup: %w", err)
	}
	if agent.Revoked() {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if k.LastUsedAt == nil || now.Sub(*k.LastUsedAt) > touchEvery {
		if err := s.repo.TouchAPIKey(ctx, k.ID, now); err != nil {
			s.logger.Warn("failed to touch api key", zap.Error(err))
		}
	}

	t, err := s.tenants.Get(ctx, k.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve api key tenant: %w", err)
	}
	return &Principal{UserID: k.UserID, AgentID: k.AgentID, Tier: t.Tier, Method: MethodAPIKey}, nil
}

// ListAPIKeys returns the user's keys for dashboard display.
func (s *Service) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	return s.repo.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey disables one key.
func (s *Service) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	return s.repo.RevokeAPIKey(ctx, userID, keyID)
}

// ── Bearer tokens ──────────────────────────────────────────────────

// MintBearer issues a short-lived JWT for an agent, registering the slug
// if needed. Intended for browser-hosted agents that should not hold a
// long-lived key.
func (s *Service) MintBearer(ctx context.Context, userID uuid.UUID, agentSlug string) (string, error) {
	slug, err := NormalizeAgentSlug(agentSlug)
	if err != nil {
		return "", err
	}
	if _, err := s.repo.UpsertAgent(ctx, userID, slug, slug); err != nil {
		return "", err
	}
	return s.tokens.Issue(userID, slug)
}

// ResolveBearer validates a JWT bearer and returns the agent principal.
// Revoking the agent invalidates outstanding tokens immediately.
func (s *Service) ResolveBearer(ctx context.Context, raw string) (*Principal, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if claims.AgentID != "" {
		agent, err := s.repo.GetAgent(ctx, userID, claims.AgentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrInvalidCredentials
			}
			return nil, fmt.Errorf("bearer agent lookup: %w", err)
		}
		if agent.Revoked() {
			return nil, ErrInvalidCredentials
		}
	}

	t, err := s.tenants.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve bearer tenant: %w", err)
	}
	return &Principal{UserID: userID, AgentID: claims.AgentID, Tier: t.Tier, Method: MethodBearer}, nil
}

// ── Agents ─────────────────────────────────────────────────────────

// RegisterAgent registers or reactivates an agent slug.
func (s *Service) RegisterAgent(ctx context.Context, userID uuid.UUID, slugRaw, name string) (*Agent, error) {
	slug, err := NormalizeAgentSlug(slugRaw)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = slug
	}
	return s.repo.UpsertAgent(ctx, userID, slug, name)
}

// ListAgents returns the user's registered agents.
func (s *Service) ListAgents(ctx context.Context, userID uuid.UUID) ([]*Agent, error) {
	return s.repo.ListAgents(ctx, userID)
}

// RevokeAgent disables an agent and every key minted for it, returning the
// number of keys revoked. Consent rules are disabled by the caller inside
// the tenant namespace.
func (s *Service) RevokeAgent(ctx context.Context, userID uuid.UUID, slugRaw string) (int64, error) {
	slug, err := NormalizeAgentSlug(slugRaw)
	if err != nil {
		return 0, err
	}
	if err := s.repo.RevokeAgent(ctx, userID, slug); err != nil {
		return 0, err
	}
	n, err := s.repo.RevokeAgentKeys(ctx, userID, slug)
	if err != nil {
		return 0, fmt.Errorf("revoke agent keys: %w", err)
	}
	s.logger.Info("agent revoked",
		zap.String("user_id", userID.String()),
		zap.String("agent_id", slug),
		zap.Int64("keys_revoked", n),
	)
	return n, nil
}

// ── Helpers ────────────────────────────────────────────────────────

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// generateSecureToken returns a hex-encoded random token of the given byte length.
func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken is the at-rest form of every session and API-key secret.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
