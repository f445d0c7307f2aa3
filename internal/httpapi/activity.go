package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/audit"
)

func (a *API) handleActivity(c *gin.Context) {
	p, _ := principalFrom(c)
	limit, offset := pageParams(c, 50, 500)
	filter := audit.Filter{
		AgentID:  c.Query("agent"),
		Action:   c.Query("action"),
		Resource: c.Query("resource"),
		Limit:    limit,
		Offset:   offset,
	}

	var (
		entries []*audit.Entry
		byAgent map[string]int64
	)
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		entries, err = a.d.Audit.Recent(ctx, tx, filter)
		if err != nil {
			return err
		}
		byAgent, err = a.d.Audit.CountByAgent(ctx, tx)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, entries, gin.H{
		"count":   len(entries),
		"byAgent": byAgent,
		"limit":   limit,
		"offset":  offset,
	})
}
