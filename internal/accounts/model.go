// Package accounts manages dashboard users, their login sessions, the API
// keys agents authenticate with, and the agent registry itself. Session and
// API-key secrets are random tokens handed out once and stored only as
// SHA-256 digests; a database leak exposes no usable credential.
package accounts

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/internal/tenant"
)

// User is an account holder. The user's UUID doubles as their tenant ID:
// provisioning a user provisions exactly one memory namespace.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is a dashboard login. TokenHash is the SHA-256 hex of the raw
// cookie value; the raw value exists only in the client's cookie jar.
type Session struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	TokenHash  string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// APIKey is an agent credential. KeyHash is the SHA-256 hex of the full raw
// key; Prefix keeps the first few characters so the dashboard can display
// "mnm_3f9a2c1e…" without storing anything recoverable.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	AgentID    string     `json:"agent_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Agent is a registered principal acting on a user's store. Slug is the
// stable identifier consent rules and audit entries refer to ("chatgpt",
// "claude", "my-cron-bot"); revoking the agent disables every key minted
// for it without deleting its history.
type Agent struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the agent has been disabled.
func (a *Agent) Revoked() bool { return a.RevokedAt != nil }

// AuthMethod records how a principal authenticated.
type AuthMethod string

const (
	MethodSession AuthMethod = "session"
	MethodAPIKey  AuthMethod = "api_key"
	MethodBearer  AuthMethod = "bearer"
)

// Principal is a resolved caller: who they are, which agent (if any) they
// act as, and the tier their requests are budgeted under. AgentID is empty
// for dashboard sessions, which act as the owner directly.
type Principal struct {
	UserID  uuid.UUID
	AgentID string
	Tier    tenant.Tier
	Method  AuthMethod
}

// Owner reports whether the principal is the account holder rather than an
// agent acting on their behalf.
func (p *Principal) Owner() bool { return p.AgentID == "" }

// ErrBadAgentSlug is returned when an agent identifier fails validation.
var ErrBadAgentSlug = errors.New("agent id must be 1-64 chars of [a-z0-9_-]")

var agentSlugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// NormalizeAgentSlug lower-cases and trims an agent identifier and rejects
// anything that could not serve as a consent-rule subject.
func NormalizeAgentSlug(raw string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if !agentSlugPattern.MatchString(slug) {
		return "", ErrBadAgentSlug
	}
	return slug, nil
}
