// Package ledger tracks quality and provenance for every durable fact.
//
// Each fact (a profile version, a table row, a vector chunk, a graph entity
// or edge) owns exactly one meta row keyed by its source coordinates. The
// row carries a confidence score and a status that moves through a fixed
// machine: unvetted facts earn their way to active through repeated access,
// conflicting high-confidence facts drop to review until the owner decides,
// and stale unvetted facts decay.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is a ledger row's position in the state machine.
type Status string

const (
	StatusUnvetted Status = "unvetted"
	StatusActive   Status = "active"
	StatusTrusted  Status = "trusted"
	StatusReview   Status = "review"
	StatusDecayed  Status = "decayed"
	StatusRejected Status = "rejected"
)

// Origin says how a fact came into being. It fixes the row's starting
// confidence and status.
type Origin string

const (
	OriginUserStated Origin = "user_stated"
	OriginUserTyped  Origin = "user_typed"
	OriginAIStated   Origin = "ai_stated"
	OriginAIInferred Origin = "ai_inferred"
	OriginAIPattern  Origin = "ai_pattern"
	OriginImported   Origin = "imported"
	OriginSystem     Origin = "system"
)

// SourceType names the kind of fact a meta row describes.
type SourceType string

const (
	SourceProfile  SourceType = "profile"
	SourceTable    SourceType = "table"
	SourceTableRow SourceType = "table_row"
	SourceVector   SourceType = "vector"
	SourceEntity   SourceType = "entity"
	SourceEdge     SourceType = "edge"
)

var (
	// ErrNotFound is returned for an unknown meta id or source ref.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrInvalidState is returned for a transition the machine does not
	// permit, such as resolving a row that is not in review.
	ErrInvalidState = errors.New("invalid ledger state for operation")
	// ErrInvalidOrigin is returned when registering a fact with an origin
	// outside the known set.
	ErrInvalidOrigin = errors.New("unknown origin")
)

// InitialState maps an origin to its starting confidence and status.
func InitialState(o Origin) (float64, Status, error) {
	switch o {
	case OriginUserStated, OriginUserTyped:
		return 0.85, StatusTrusted, nil
	case OriginAIStated:
		return 0.50, StatusUnvetted, nil
	case OriginAIInferred:
		return 0.40, StatusUnvetted, nil
	case OriginAIPattern:
		return 0.30, StatusUnvetted, nil
	case OriginImported, OriginSystem:
		return 0.70, StatusActive, nil
	default:
		return 0, "", ErrInvalidOrigin
	}
}

// Meta is one ledger row.
type Meta struct {
	ID               uuid.UUID  `json:"id"`
	SourceType       SourceType `json:"source_type"`
	SourceRef        string     `json:"source_ref"`
	Category         string     `json:"category"`
	Origin           Origin     `json:"origin"`
	AgentSource      string     `json:"agent_source,omitempty"`
	Confidence       float64    `json:"confidence"`
	Status           Status     `json:"status"`
	AccessCount      int64      `json:"access_count"`
	ReinforceCount   int64      `json:"reinforce_count"`
	LastAccessedAt   *time.Time `json:"last_accessed,omitempty"`
	LastReinforcedAt *time.Time `json:"last_reinforced,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Contradiction is one recorded conflict between a new fact and a prior one.
type Contradiction struct {
	ID          uuid.UUID  `json:"id"`
	MetaID      uuid.UUID  `json:"meta_id"`
	PriorMetaID uuid.UUID  `json:"prior_meta_id"`
	Field       string     `json:"field"`
	PriorValue  string     `json:"prior_value"`
	NewValue    string     `json:"new_value"`
	Status      string     `json:"status"`
	Resolution  *string    `json:"resolution,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Transition is one promote_history entry.
type Transition struct {
	MetaID    uuid.UUID `json:"meta_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"at"`
}

// ResolveAction is the owner's decision on a review pair.
type ResolveAction string

const (
	ResolveConfirm  ResolveAction = "confirm"
	ResolveReject   ResolveAction = "reject"
	ResolveKeepBoth ResolveAction = "keep_both"
)

// Valid reports whether a is a known resolve action.
func (a ResolveAction) Valid() bool {
	return a == ResolveConfirm || a == ResolveReject || a == ResolveKeepBoth
}

// Config carries the tunable thresholds of the state machine. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	// Alpha is the per-touch confidence nudge factor.
	Alpha float64
	// PromoteReads is the access count an unvetted row needs before it can
	// be promoted.
	PromoteReads int64
	// PromoteConfidence is the confidence floor for promotion to active.
	PromoteConfidence float64
	// ReviewThreshold is the prior-fact confidence at which a contradiction
	// escalates both facts to review.
	ReviewThreshold float64
	// ConfirmConfidence is assigned when the owner confirms a fact.
	ConfirmConfidence float64
	// DecayAfter is how long an unvetted row may sit untouched before the
	// decay scan retires it.
	DecayAfter time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.05,
		PromoteReads:      5,
		PromoteConfidence: 0.50,
		ReviewThreshold:   0.70,
		ConfirmConfidence: 0.95,
		DecayAfter:        180 * 24 * time.Hour,
	}
}

// Nudge moves confidence toward 1.0 with diminishing returns and clamps the
// result to [0,1].
func (c Config) Nudge(confidence float64) float64 {
	n := confidence + (1-confidence)*c.Alpha
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// ShouldPromote reports whether an unvetted row with the given adjusted
// confidence and access count qualifies for active status.
func (c Config) ShouldPromote(status Status, confidence float64, accessCount int64) bool {
	return status == StatusUnvetted &&
		accessCount >= c.PromoteReads &&
		confidence >= c.PromoteConfidence
}

// TriggersReview reports whether contradicting the prior fact escalates the
// pair to review rather than recording the conflict silently.
func (c Config) TriggersReview(prior *Meta) bool {
	if prior == nil {
		return false
	}
	return prior.Confidence >= c.ReviewThreshold &&
		(prior.Status == StatusActive || prior.Status == StatusTrusted)
}

// ResolveOutcome maps an action to the statuses of the resolved row and its
// counterpart in the contradiction pair. Confirming one fact rejects the
// other; rejecting one restores the other to active; keep_both restores
// both.
func (c Config) ResolveOutcome(action ResolveAction) (target, counterpart Status, targetConfidence float64, ok bool) {
	switch action {
	case ResolveConfirm:
		return StatusTrusted, StatusRejected, c.ConfirmConfidence, true
	case ResolveReject:
		return StatusRejected, StatusActive, -1, true
	case ResolveKeepBoth:
		return StatusActive, StatusActive, -1, true
	default:
		return "", "", 0, false
	}
}
