package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/sqlguard"
	"github.com/mnemohq/mnemo/internal/tables"
)

func (a *API) handleTablesList(c *gin.Context) {
	p, _ := principalFrom(c)
	var visible []*tables.Table
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		all, err := a.d.Tables.List(ctx, tx)
		if err != nil {
			return err
		}
		for _, t := range all {
			if p.AgentID != "" {
				d, err := a.d.Consent.Check(ctx, tx, p.AgentID, "tables/"+t.Name, consent.PermRead)
				if err != nil {
					return err
				}
				if !d.Allowed {
					continue
				}
			}
			visible = append(visible, t)
		}
		return nil
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, visible, gin.H{"count": len(visible)})
}

func (a *API) handleRecordsList(c *gin.Context) {
	limit, offset := pageParams(c, 50, 500)
	a.pagedRecords(c, limit, offset)
}

func (a *API) handleRecordAdd(c *gin.Context) {
	p, _ := principalFrom(c)
	var record map[string]any
	if !bindJSON(c, &record) {
		return
	}
	res, err := a.d.Ingest.AddTableRow(c.Request.Context(), ingestRequest(p), c.Param("name"), c.Query("description"), record)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusCreated, res, nil)
}

func (a *API) handleRecordUpdate(c *gin.Context) {
	p, _ := principalFrom(c)
	id, ok := recordID(c)
	if !ok {
		return
	}
	var record map[string]any
	if !bindJSON(c, &record) {
		return
	}
	res, err := a.d.Ingest.UpdateTableRow(c.Request.Context(), ingestRequest(p), c.Param("name"), id, record)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, res, nil)
}

func (a *API) handleRecordDelete(c *gin.Context) {
	p, _ := principalFrom(c)
	id, ok := recordID(c)
	if !ok {
		return
	}
	res, err := a.d.Ingest.DeleteTableRow(c.Request.Context(), ingestRequest(p), c.Param("name"), id)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, res, nil)
}

func recordID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "record id must be an integer")
		return 0, false
	}
	return id, true
}

type tableQueryRequest struct {
	SQL    string `json:"sql"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// handleTableQuery serves two shapes: without sql it pages the named
// table's records; with sql it validates the statement and runs it in the
// read-only sandbox. Raw SQL can name any table in the namespace, so
// agents need a wildcard read grant for it.
func (a *API) handleTableQuery(c *gin.Context) {
	p, _ := principalFrom(c)
	var req tableQueryRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.SQL == "" {
		a.pagedRecords(c, req.Limit, req.Offset)
		return
	}

	if err := sqlguard.Validate(req.SQL); err != nil {
		a.failErr(c, err)
		return
	}

	var rows []map[string]any
	err := a.d.Tenants.WithSandbox(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if err := a.checkConsent(ctx, tx, p.AgentID, "tables/*", consent.PermRead); err != nil {
			return err
		}
		var err error
		rows, err = a.d.Tables.SelectRaw(ctx, tx, req.SQL, req.Limit, req.Offset)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, rows, gin.H{"count": len(rows)})
}

func (a *API) pagedRecords(c *gin.Context, limit, offset int) {
	p, _ := principalFrom(c)
	name := c.Param("name")
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var (
		table   *tables.Table
		records []*tables.Record
	)
	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if err := a.checkConsent(ctx, tx, p.AgentID, "tables/"+name, consent.PermRead); err != nil {
			return err
		}
		var err error
		table, err = a.d.Tables.Get(ctx, tx, name)
		if err != nil {
			return err
		}
		records, err = a.d.Tables.ListRecords(ctx, tx, table, limit, offset)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, records, gin.H{
		"table":   table.Name,
		"columns": table.Columns,
		"count":   len(records),
		"limit":   limit,
		"offset":  offset,
	})
}
