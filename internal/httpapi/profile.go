package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
)

// checkConsent enforces an agent's consent rule inside a tenant
// transaction. Owners pass unconditionally.
func (a *API) checkConsent(ctx context.Context, tx pgx.Tx, agentID, resource string, want consent.Permission) error {
	if agentID == "" {
		return nil
	}
	d, err := a.d.Consent.Check(ctx, tx, agentID, resource, want)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("agent %s may not %s %s: %w", agentID, want, resource, consent.ErrDenied)
	}
	return nil
}

// recordAccess bumps the ledger read counters for returned facts.
// Unregistered rows are skipped.
func (a *API) recordAccess(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := a.d.Ledger.RecordAccess(ctx, tx, id); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			return fmt.Errorf("record access: %w", err)
		}
	}
	return nil
}

func (a *API) handleProfileGet(c *gin.Context) {
	p, _ := principalFrom(c)
	var v *profile.Version
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if err := a.checkConsent(ctx, tx, p.AgentID, "profile", consent.PermRead); err != nil {
			return err
		}
		var err error
		v, err = a.d.Profiles.Current(ctx, tx)
		if errors.Is(err, profile.ErrVersionNotFound) {
			// Never written yet: the profile is an empty v0 document.
			v = &profile.Version{Version: 0, Doc: map[string]any{}}
			return nil
		}
		if err != nil {
			return err
		}
		if m, err := a.d.Ledger.GetBySource(ctx, tx, ledger.SourceProfile, v.Ref()); err == nil {
			if _, err := a.d.Ledger.RecordAccess(ctx, tx, m.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, v, nil)
}

type profilePatchRequest struct {
	Fields map[string]any `json:"fields" binding:"required"`
}

func (a *API) handleProfilePatch(c *gin.Context) {
	p, _ := principalFrom(c)
	var req profilePatchRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := a.d.Ingest.PatchProfile(c.Request.Context(), ingestRequest(p), req.Fields)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, res, nil)
}

func (a *API) handleProfileHistory(c *gin.Context) {
	p, _ := principalFrom(c)
	limit, offset := pageParams(c, 20, 100)
	var versions []*profile.Version
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		versions, err = a.d.Profiles.History(ctx, tx, limit, offset)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, versions, gin.H{"limit": limit, "offset": offset})
}

// pageParams reads limit/offset query parameters with a default and cap.
func pageParams(c *gin.Context, def, max int) (limit, offset int) {
	limit = def
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
