package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/claims"
	"github.com/mnemohq/mnemo/internal/ledger"
)

func (a *API) handleReviewList(c *gin.Context) {
	p, _ := principalFrom(c)
	limit, _ := pageParams(c, 50, 200)

	var items []*ledger.ReviewItem
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		items, err = a.d.Ledger.ListReview(ctx, tx, limit)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, items, gin.H{"count": len(items)})
}

type reviewResolveRequest struct {
	Action     string `json:"action"`
	Resolution string `json:"resolution"`
}

func (a *API) handleReviewResolve(c *gin.Context) {
	p, _ := principalFrom(c)
	metaID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "review id must be a UUID")
		return
	}

	var req reviewResolveRequest
	if !bindJSON(c, &req) {
		return
	}
	// Older dashboards send resolution, the current one sends action.
	raw := req.Action
	if raw == "" {
		raw = req.Resolution
	}
	action := ledger.ResolveAction(raw)
	if !action.Valid() {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "action must be confirm, reject, or keep_both")
		return
	}

	var meta *ledger.Meta
	err = a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		meta, err = a.d.Ledger.Resolve(ctx, tx, metaID, action)
		if err != nil {
			return err
		}
		return a.d.Audit.Append(ctx, tx, "owner", "", "review.resolve", meta.SourceRef, map[string]any{
			"meta_id":    metaID.String(),
			"resolution": string(action),
		})
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, meta, nil)
}

// handleProvenance answers "why does the system believe this": the fact's
// ledger row, its status transitions, and the claims recorded for it.
func (a *API) handleProvenance(c *gin.Context) {
	p, _ := principalFrom(c)
	metaID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "meta id must be a UUID")
		return
	}

	var (
		meta        *ledger.Meta
		transitions []*ledger.Transition
		factClaims  []*claims.Claim
	)
	err = a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		meta, err = a.d.Ledger.Get(ctx, tx, metaID)
		if err != nil {
			return err
		}
		transitions, err = a.d.Ledger.History(ctx, tx, metaID)
		if err != nil {
			return err
		}
		factClaims, err = a.d.Claims.ForMeta(ctx, tx, metaID)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"meta":        meta,
		"transitions": transitions,
		"claims":      factClaims,
	}, nil)
}

func (a *API) handleMemoryStats(c *gin.Context) {
	p, _ := principalFrom(c)

	var (
		byStatus       map[ledger.Status]int64
		pendingVectors int64
	)
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		byStatus, err = a.d.Ledger.CountByStatus(ctx, tx)
		if err != nil {
			return err
		}
		pendingVectors, err = a.d.Vectors.CountPending(ctx, tx)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}

	depth, err := a.d.Queue.Depth(c.Request.Context())
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"byStatus":       byStatus,
		"pendingVectors": pendingVectors,
		"queueDepth":     depth,
	}, nil)
}
