package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (a *API) handleAgentsList(c *gin.Context) {
	p, _ := principalFrom(c)
	agents, err := a.d.Accounts.ListAgents(c.Request.Context(), p.UserID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, agents, gin.H{"count": len(agents)})
}

type agentRegisterRequest struct {
	Slug string `json:"slug" binding:"required"`
	Name string `json:"name" binding:"omitempty,max=120"`
}

func (a *API) handleAgentRegister(c *gin.Context) {
	p, _ := principalFrom(c)
	var req agentRegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	agent, err := a.d.Accounts.RegisterAgent(c.Request.Context(), p.UserID, req.Slug, req.Name)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusCreated, agent, nil)
}

// handleAgentRevoke disables the agent, its keys, and every consent rule
// it held. History stays: audit entries and provenance keep the slug.
func (a *API) handleAgentRevoke(c *gin.Context) {
	p, _ := principalFrom(c)
	slug := c.Param("id")

	ctx := c.Request.Context()
	keysRevoked, err := a.d.Accounts.RevokeAgent(ctx, p.UserID, slug)
	if err != nil {
		a.failErr(c, err)
		return
	}

	var rulesRevoked int64
	err = a.d.Tenants.WithTenant(ctx, p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		rulesRevoked, err = a.d.Consent.RevokeAll(ctx, tx, slug)
		if err != nil {
			return err
		}
		return a.d.Audit.Append(ctx, tx, "owner", slug, "agent.revoke", "agents/"+slug, map[string]any{
			"keys_revoked":  keysRevoked,
			"rules_revoked": rulesRevoked,
		})
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"agent":        slug,
		"keysRevoked":  keysRevoked,
		"rulesRevoked": rulesRevoked,
	}, nil)
}

type keyMintRequest struct {
	Agent     string `json:"agent" binding:"required"`
	AgentName string `json:"agentName" binding:"omitempty,max=120"`
	Name      string `json:"name" binding:"required,max=120"`
}

// handleKeyMint returns the raw key exactly once. Only its hash survives
// server-side.
func (a *API) handleKeyMint(c *gin.Context) {
	p, _ := principalFrom(c)
	var req keyMintRequest
	if !bindJSON(c, &req) {
		return
	}
	raw, key, err := a.d.Accounts.MintAPIKey(c.Request.Context(), p.UserID, req.Agent, req.AgentName, req.Name)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"key": raw, "meta": key}, nil)
}

func (a *API) handleKeysList(c *gin.Context) {
	p, _ := principalFrom(c)
	keys, err := a.d.Accounts.ListAPIKeys(c.Request.Context(), p.UserID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, keys, gin.H{"count": len(keys)})
}

func (a *API) handleKeyRevoke(c *gin.Context) {
	p, _ := principalFrom(c)
	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "key id must be a UUID")
		return
	}
	if err := a.d.Accounts.RevokeAPIKey(c.Request.Context(), p.UserID, keyID); err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"revoked": keyID}, nil)
}

type bearerMintRequest struct {
	Agent string `json:"agent" binding:"required"`
}

// handleBearerMint issues a short-lived signed token for the agent. Unlike
// API keys there is nothing to store or revoke; expiry does the cleanup.
func (a *API) handleBearerMint(c *gin.Context) {
	p, _ := principalFrom(c)
	var req bearerMintRequest
	if !bindJSON(c, &req) {
		return
	}
	token, err := a.d.Accounts.MintBearer(c.Request.Context(), p.UserID, req.Agent)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"token": token}, nil)
}
