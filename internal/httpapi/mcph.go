package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mnemohq/mnemo/internal/ratelimit"
	"github.com/mnemohq/mnemo/internal/tools"
)

// handleMCP is the JSON-RPC 2.0 endpoint agents speak to. The dispatcher
// owns protocol semantics; this handler owns HTTP concerns: body reading,
// the expensive-operation budget, and the notification status code.
func (a *API) handleMCP(c *gin.Context) {
	p, _ := principalFrom(c)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds 1 MB")
			return
		}
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "could not read request body")
		return
	}

	if !a.drawExpensive(c, raw) {
		return
	}

	caller := tools.Caller{UserID: p.UserID, AgentID: p.AgentID}
	resp := a.d.MCP.Handle(c.Request.Context(), caller, raw)
	if resp == nil {
		// Notification: acknowledged, nothing to say.
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// drawExpensive peeks at a tools/call envelope and charges the expensive
// budget when the call fans out to vector and graph search. Returns false
// after writing the 429.
func (a *API) drawExpensive(c *gin.Context, raw []byte) bool {
	var peek struct {
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if json.Unmarshal(raw, &peek) != nil || peek.Method != "tools/call" {
		return true
	}
	name, args := peek.Params.Name, peek.Params.Arguments
	if a.d.Config.LegacyTools {
		if tname, targs, ok := tools.TranslateLegacy(name, args); ok {
			name, args = tname, targs
		}
	}
	if !tools.Expensive(name, args) {
		return true
	}

	p, _ := principalFrom(c)
	key := "user:" + p.UserID.String()
	if p.AgentID != "" {
		key += "/" + p.AgentID
	}
	d := a.d.Limits.Allow(ratelimit.ClassExpensive, key)
	if !d.Allowed {
		retry := int(d.RetryAfter.Seconds()) + 1
		failRetry(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "expensive operation budget exhausted", retry)
		return false
	}
	return true
}

// handleLegacyCall is the retired REST shim: POST /mcp/call/:tool with the
// arguments as the body. Kept behind a switch for old integrations; when
// off the route answers 410 so callers learn to move.
func (a *API) handleLegacyCall(c *gin.Context) {
	if !a.d.Config.LegacyREST {
		fail(c, http.StatusGone, "LEGACY_ENDPOINT_DISABLED",
			"this endpoint has been retired; use POST /mcp (tools/call)")
		return
	}
	p, _ := principalFrom(c)

	args := map[string]any{}
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &args) {
			return
		}
	}

	name := c.Param("tool")
	if tname, targs, ok := tools.TranslateLegacy(name, args); ok {
		name, args = tname, targs
	}

	if tools.Expensive(name, args) {
		key := "user:" + p.UserID.String()
		if p.AgentID != "" {
			key += "/" + p.AgentID
		}
		if d := a.d.Limits.Allow(ratelimit.ClassExpensive, key); !d.Allowed {
			retry := int(d.RetryAfter.Seconds()) + 1
			failRetry(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "expensive operation budget exhausted", retry)
			return
		}
	}

	caller := tools.Caller{UserID: p.UserID, AgentID: p.AgentID}
	result, err := a.d.Tools.Call(c.Request.Context(), caller, name, args)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, result, gin.H{"tool": name})
}
