package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/ledger"
)

// ReviewArgs is the input for the review tool.
type ReviewArgs struct {
	Action     string `json:"action,omitempty"`
	MetaID     string `json:"metaId,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// ReviewItemView flattens a queued item for transport.
type ReviewItemView struct {
	MetaID      string             `json:"metaId"`
	SourceType  string             `json:"sourceType"`
	SourceRef   string             `json:"sourceRef"`
	Category    string             `json:"category,omitempty"`
	Origin      string             `json:"origin"`
	AgentSource string             `json:"agentSource,omitempty"`
	Confidence  float64            `json:"confidence"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	Conflict    *ContradictionView `json:"conflict,omitempty"`
}

// ContradictionView describes why an item is in the queue.
type ContradictionView struct {
	Field       string    `json:"field"`
	PriorValue  string    `json:"priorValue"`
	NewValue    string    `json:"newValue"`
	PriorMetaID string    `json:"priorMetaId"`
	At          time.Time `json:"at"`
}

// ReviewResult answers both actions; Items for list, Resolved for resolve.
type ReviewResult struct {
	Action   string            `json:"action"`
	Items    []*ReviewItemView `json:"items,omitempty"`
	Resolved *ResolvedView     `json:"resolved,omitempty"`
}

// ResolvedView is the post-resolution state of the target item.
type ResolvedView struct {
	MetaID     string  `json:"metaId"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
}

// Review lists or settles the review queue.
func (s *Service) Review(ctx context.Context, caller Caller, a ReviewArgs) (*ReviewResult, error) {
	switch a.Action {
	case "", "list":
		return s.reviewList(ctx, caller)
	case "resolve":
		return s.reviewResolve(ctx, caller, a)
	default:
		return nil, fmt.Errorf("%w: unknown review action %q", ErrInvalidArgs, a.Action)
	}
}

func (s *Service) reviewList(ctx context.Context, caller Caller) (*ReviewResult, error) {
	out := &ReviewResult{Action: "list", Items: []*ReviewItemView{}}
	err := s.d.Tenants.WithTenant(ctx, caller.UserID, func(ctx context.Context, tx pgx.Tx) error {
		items, err := s.d.Ledger.ListReview(ctx, tx, maxBudget)
		if err != nil {
			return err
		}
		for _, it := range items {
			out.Items = append(out.Items, reviewItemView(it))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) reviewResolve(ctx context.Context, caller Caller, a ReviewArgs) (*ReviewResult, error) {
	metaID, err := uuid.Parse(a.MetaID)
	if err != nil {
		return nil, fmt.Errorf("%w: metaId must be a ledger id", ErrInvalidArgs)
	}
	action := ledger.ResolveAction(a.Resolution)
	if !action.Valid() {
		return nil, fmt.Errorf("%w: resolution must be confirm, reject or keep_both", ErrInvalidArgs)
	}

	out := &ReviewResult{Action: "resolve"}
	err = s.d.Tenants.WithTenant(ctx, caller.UserID, func(ctx context.Context, tx pgx.Tx) error {
		m, err := s.d.Ledger.Resolve(ctx, tx, metaID, action)
		if err != nil {
			return err
		}
		out.Resolved = &ResolvedView{
			MetaID:     m.ID.String(),
			Status:     string(m.Status),
			Confidence: m.Confidence,
		}
		return s.d.Audit.Append(ctx, tx, caller.actor(), caller.AgentID, "review.resolve", m.SourceRef, map[string]any{
			"meta_id":    m.ID.String(),
			"resolution": string(action),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func reviewItemView(it *ledger.ReviewItem) *ReviewItemView {
	v := &ReviewItemView{
		MetaID:      it.Meta.ID.String(),
		SourceType:  string(it.Meta.SourceType),
		SourceRef:   it.Meta.SourceRef,
		Category:    it.Meta.Category,
		Origin:      string(it.Meta.Origin),
		AgentSource: it.Meta.AgentSource,
		Confidence:  it.Meta.Confidence,
		Status:      string(it.Meta.Status),
		CreatedAt:   it.Meta.CreatedAt,
	}
	if c := it.Contradiction; c != nil {
		v.Conflict = &ContradictionView{
			Field:       c.Field,
			PriorValue:  c.PriorValue,
			NewValue:    c.NewValue,
			PriorMetaID: c.PriorMetaID.String(),
			At:          c.CreatedAt,
		}
	}
	return v
}
