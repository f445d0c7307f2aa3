// Package consent enforces per-agent access rules over a tenant's resources.
//
// Rules name an agent, a resource pattern, and a permission. Decisions are
// deny-by-default: an agent with no matching rule gets nothing. Matching is
// plain string comparison in Go, never SQL LIKE, so '%', '_' and '\' in
// resource names are ordinary characters.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Permission is the access level a rule grants.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	// PermNone is an explicit deny. It outranks nothing; it simply fails
	// every check, letting a specific rule blacklist a resource an agent
	// would otherwise reach through a wildcard.
	PermNone Permission = "none"
)

// Valid reports whether p is one of the three known permissions.
func (p Permission) Valid() bool {
	return p == PermRead || p == PermWrite || p == PermNone
}

// Satisfies reports whether holding p covers the requested level.
// Write implies read; none covers nothing.
func (p Permission) Satisfies(want Permission) bool {
	switch p {
	case PermWrite:
		return want == PermRead || want == PermWrite
	case PermRead:
		return want == PermRead
	default:
		return false
	}
}

// Rule is one consent grant. Resource is a slash-separated name
// ("profile", "tables/workouts", "graph") or a wildcard pattern ending in
// "/*" ("tables/*"). A bare "*" covers everything.
type Rule struct {
	ID         uuid.UUID  `json:"id"`
	AgentID    string     `json:"agent_id"`
	Resource   string     `json:"resource"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Matches reports whether the rule's resource pattern covers the resource.
func (r *Rule) Matches(resource string) bool {
	_, ok := matchScore(r.Resource, resource)
	return ok
}

// matchScore reports whether pattern covers resource and, when it does, a
// specificity score: exact matches outrank everything, then longer covered
// prefixes outrank shorter ones, with the bare "*" last. A pattern matches
// when one of the following holds:
//
//  1. pattern == resource
//  2. pattern ends in "/*" and resource is the stem or sits under it
//  3. resource sits under pattern as a path ("graph" covers "graph/stats")
//
// Everything is byte-for-byte string comparison. '%', '_' and '\' have no
// special meaning here, so implementations must never route these patterns
// through SQL LIKE without escaping.
func matchScore(pattern, resource string) (int, bool) {
	if pattern == resource {
		return 1 << 20, true
	}
	if pattern == "*" {
		return 0, true
	}
	if stem, ok := strings.CutSuffix(pattern, "/*"); ok {
		if resource == stem || strings.HasPrefix(resource, stem+"/") {
			return 1 + len(stem), true
		}
		return 0, false
	}
	if strings.HasPrefix(resource, pattern+"/") {
		return 1 + len(pattern), true
	}
	return 0, false
}

// Decision is the outcome of a consent check.
type Decision struct {
	Allowed bool
	Rule    *Rule
	Reason  string
}

// Decide evaluates the agent's active rules against a resource and a wanted
// permission. The most specific matching rule wins; ties go to the most
// recently updated rule. No matching rule means deny.
func Decide(rules []*Rule, resource string, want Permission) Decision {
	var best *Rule
	bestScore := -1
	for _, r := range rules {
		if r.RevokedAt != nil {
			continue
		}
		score, ok := matchScore(r.Resource, resource)
		if !ok {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && r.UpdatedAt.After(best.UpdatedAt)) {
			best, bestScore = r, score
		}
	}
	if best == nil {
		return Decision{Allowed: false, Reason: "no consent rule covers " + resource}
	}
	if !best.Permission.Satisfies(want) {
		return Decision{Allowed: false, Rule: best,
			Reason: fmt.Sprintf("rule %s grants %s, %s required", best.Resource, best.Permission, want)}
	}
	return Decision{Allowed: true, Rule: best}
}

// ErrRuleNotFound is returned when revoking a rule that does not exist or is
// already revoked.
var ErrRuleNotFound = errors.New("consent rule not found")

// ErrDenied is the sentinel surfaced to transports when a check fails.
var ErrDenied = errors.New("consent denied")

// Store reads and writes consent rules inside a tenant-bound transaction.
type Store struct{}

// NewStore returns a Store. It carries no state; every method operates on
// the transaction it is handed.
func NewStore() *Store { return &Store{} }

const ruleColumns = `id, agent_id, resource, permission, created_at, updated_at, revoked_at`

func scanRule(row pgx.Row) (*Rule, error) {
	r := &Rule{}
	err := row.Scan(&r.ID, &r.AgentID, &r.Resource, &r.Permission, &r.CreatedAt, &r.UpdatedAt, &r.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Grant creates or updates the rule for (agentID, resource). Granting over a
// revoked rule reactivates it with the new permission.
func (s *Store) Grant(ctx context.Context, tx pgx.Tx, agentID, resource string, perm Permission) (*Rule, error) {
	if !perm.Valid() {
		return nil, fmt.Errorf("invalid permission %q", perm)
	}
	return scanRule(tx.QueryRow(ctx, `
		INSERT INTO consent_rules (agent_id, resource, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, resource)
		DO UPDATE SET permission = EXCLUDED.permission, revoked_at = NULL, updated_at = now()
		RETURNING `+ruleColumns,
		agentID, resource, perm))
}

// Revoke marks the rule revoked. The row is kept for the audit trail.
func (s *Store) Revoke(ctx context.Context, tx pgx.Tx, agentID, resource string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE consent_rules SET revoked_at = now(), updated_at = now()
		WHERE agent_id = $1 AND resource = $2 AND revoked_at IS NULL`,
		agentID, resource)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// RevokeAll revokes every active rule held by the agent and returns how many
// were affected.
func (s *Store) RevokeAll(ctx context.Context, tx pgx.Tx, agentID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE consent_rules SET revoked_at = now(), updated_at = now()
		WHERE agent_id = $1 AND revoked_at IS NULL`, agentID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ActiveRules returns the agent's live rules.
func (s *Store) ActiveRules(ctx context.Context, tx pgx.Tx, agentID string) ([]*Rule, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ruleColumns+` FROM consent_rules
		WHERE agent_id = $1 AND revoked_at IS NULL
		ORDER BY resource`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// List returns every rule in the namespace, revoked ones included, newest
// first. It backs the owner-facing consent dashboard.
func (s *Store) List(ctx context.Context, tx pgx.Tx) ([]*Rule, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ruleColumns+` FROM consent_rules ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]*Rule, error) {
	var out []*Rule
	for rows.Next() {
		r := &Rule{}
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Resource, &r.Permission, &r.CreatedAt, &r.UpdatedAt, &r.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Check loads the agent's active rules and decides access to resource at the
// wanted level. Owners (empty agentID) bypass consent entirely; that short
// circuit lives in the transport layer, not here.
func (s *Store) Check(ctx context.Context, tx pgx.Tx, agentID, resource string, want Permission) (Decision, error) {
	rules, err := s.ActiveRules(ctx, tx, agentID)
	if err != nil {
		return Decision{}, err
	}
	return Decide(rules, resource, want), nil
}
