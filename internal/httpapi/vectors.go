package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/vectors"
)

type vectorAddRequest struct {
	Text     string         `json:"text" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

func (a *API) handleVectorAdd(c *gin.Context) {
	p, _ := principalFrom(c)
	var req vectorAddRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := a.d.Ingest.MemorizeText(c.Request.Context(), ingestRequest(p), c.Param("collection"), req.Text, req.Metadata)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusCreated, res, nil)
}

type vectorSearchRequest struct {
	Query         string  `json:"query" binding:"required"`
	Limit         int     `json:"limit"`
	MinSimilarity float64 `json:"minSimilarity"`
}

func (a *API) handleVectorSearch(c *gin.Context) {
	p, _ := principalFrom(c)
	var req vectorSearchRequest
	if !bindJSON(c, &req) {
		return
	}
	collection := c.Param("collection")
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Limit > 50 {
		req.Limit = 50
	}
	if req.MinSimilarity < 0 || req.MinSimilarity >= 1 {
		req.MinSimilarity = 0
	}

	// Embed before the transaction; the provider round trip must not hold
	// a pooled connection. No provider or a failed call means keyword
	// search, which is still an answer.
	ctx := c.Request.Context()
	var embedded []float32
	if a.d.Embedder != nil && a.d.Embedder.Enabled() {
		ectx, cancel := context.WithTimeout(ctx, 10*time.Second)
		vecs, err := a.d.Embedder.Embed(ectx, []string{req.Query})
		cancel()
		if err != nil {
			a.d.Logger.Warn("search embed failed, falling back to keyword search", zap.Error(err))
		} else if len(vecs) == 1 {
			embedded = vecs[0]
		}
	}

	var hits []*vectors.Hit
	err := a.d.Tenants.WithTenant(ctx, p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if err := a.checkConsent(ctx, tx, p.AgentID, "memories/"+collection, consent.PermRead); err != nil {
			return err
		}
		var err error
		if embedded != nil {
			hits, err = a.d.Vectors.Search(ctx, tx, collection, embedded, req.Limit, req.MinSimilarity)
		} else {
			hits, err = a.d.Vectors.KeywordSearch(ctx, tx, collection, req.Query, req.Limit)
		}
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, 0, len(hits))
		for _, h := range hits {
			if h.Memory.MetaRef != nil {
				ids = append(ids, *h.Memory.MetaRef)
			}
		}
		return a.recordAccess(ctx, tx, ids)
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, hits, gin.H{
		"collection": collection,
		"count":      len(hits),
		"semantic":   embedded != nil,
	})
}

func (a *API) handleCollectionsList(c *gin.Context) {
	p, _ := principalFrom(c)
	var visible []*vectors.Collection
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		all, err := a.d.Vectors.Collections(ctx, tx)
		if err != nil {
			return err
		}
		for _, col := range all {
			if p.AgentID != "" {
				d, err := a.d.Consent.Check(ctx, tx, p.AgentID, "memories/"+col.Name, consent.PermRead)
				if err != nil {
					return err
				}
				if !d.Allowed {
					continue
				}
			}
			visible = append(visible, col)
		}
		return nil
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, visible, gin.H{"count": len(visible)})
}
