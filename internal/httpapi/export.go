package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/audit"
	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// exportCap bounds each section of the dump. The export is a portability
// snapshot, not a streaming backfill.
const exportCap = 5000

type tableExport struct {
	Table   *tables.Table    `json:"table"`
	Records []*tables.Record `json:"records"`
}

type collectionExport struct {
	Collection *vectors.Collection `json:"collection"`
	Memories   []*vectors.Memory   `json:"memories"`
}

type exportBundle struct {
	ExportedAt time.Time               `json:"exported_at"`
	Profile    *profile.Version        `json:"profile,omitempty"`
	Tables     []tableExport           `json:"tables"`
	Vectors    []collectionExport      `json:"vectors"`
	Entities   []*graph.Entity         `json:"entities"`
	Edges      []*graph.Edge           `json:"edges"`
	Ledger     map[ledger.Status]int64 `json:"ledger_counts"`
	Consent    []*consent.Rule         `json:"consent_rules"`
	Activity   []*audit.Entry          `json:"activity"`
}

// handleExport dumps the tenant's whole store in one document. Owner
// sessions only; exports are how users leave.
func (a *API) handleExport(c *gin.Context) {
	p, _ := principalFrom(c)
	bundle := exportBundle{ExportedAt: time.Now().UTC()}

	err := a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		v, err := a.d.Profiles.Current(ctx, tx)
		if err == nil {
			bundle.Profile = v
		} else if !errors.Is(err, profile.ErrVersionNotFound) {
			return err
		}

		tbls, err := a.d.Tables.List(ctx, tx)
		if err != nil {
			return err
		}
		bundle.Tables = make([]tableExport, 0, len(tbls))
		for _, t := range tbls {
			recs, err := a.d.Tables.ListRecords(ctx, tx, t, exportCap, 0)
			if err != nil {
				return err
			}
			bundle.Tables = append(bundle.Tables, tableExport{Table: t, Records: recs})
		}

		cols, err := a.d.Vectors.Collections(ctx, tx)
		if err != nil {
			return err
		}
		bundle.Vectors = make([]collectionExport, 0, len(cols))
		for _, col := range cols {
			mems, err := a.d.Vectors.List(ctx, tx, col.Name, exportCap, 0)
			if err != nil {
				return err
			}
			bundle.Vectors = append(bundle.Vectors, collectionExport{Collection: col, Memories: mems})
		}

		bundle.Entities, err = a.d.Graph.ListEntities(ctx, tx, graph.EntityFilter{Limit: exportCap})
		if err != nil {
			return err
		}
		bundle.Edges, err = a.d.Graph.ListEdges(ctx, tx, "", exportCap, 0)
		if err != nil {
			return err
		}

		bundle.Ledger, err = a.d.Ledger.CountByStatus(ctx, tx)
		if err != nil {
			return err
		}
		bundle.Consent, err = a.d.Consent.List(ctx, tx)
		if err != nil {
			return err
		}
		bundle.Activity, err = a.d.Audit.Recent(ctx, tx, audit.Filter{Limit: 500})
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="mnemo-export.json"`)
	respond(c, http.StatusOK, bundle, nil)
}
