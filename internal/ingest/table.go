package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/enrich"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/tenant"
)

// AddTableRow inserts a record, creating the table and extending its schema
// as the record requires. A first insert registers the table itself as a
// fact alongside the row.
func (p *Pipeline) AddTableRow(ctx context.Context, req Request, table, description string, record map[string]any) (*Result, error) {
	req.normalize()
	res := &Result{WriteID: req.WriteID, Status: StatusAccepted}

	ten, err := p.d.Tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	limits := tenant.LimitsFor(ten.Tier)

	err = p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.authorize(ctx, tx, req.AgentID, "tables/"+table, consent.PermWrite); err != nil {
			return err
		}

		t, created, err := p.d.Tables.Ensure(ctx, tx, ten.Namespace, table, description, limits.MaxTables)
		if err != nil {
			return err
		}
		if created {
			if _, err := p.d.Ledger.RegisterFact(ctx, tx,
				ledger.SourceTable, "table:"+t.Name, req.Origin, req.AgentID, "tables"); err != nil {
				return err
			}
		}

		rec, err := p.d.Tables.Insert(ctx, tx, ten.Namespace, t, record)
		if err != nil {
			return err
		}
		meta, err := p.d.Ledger.RegisterFact(ctx, tx,
			ledger.SourceTableRow, rec.Ref(t.Name), req.Origin, req.AgentID, t.Name)
		if err != nil {
			return err
		}
		if err := p.d.Tables.SetMetaRef(ctx, tx, t, rec.ID, meta.ID); err != nil {
			return err
		}
		res.SourceRef = rec.Ref(t.Name)
		res.MetaID = &meta.ID

		if text := recordText(record); text != "" {
			res.JobID = p.enqueue(ctx, tx, req.TenantID, enrich.KindExtract, &meta.ID,
				enrich.ExtractPayload{Text: text, SourceRef: res.SourceRef, AgentID: req.AgentID})
		}

		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "table.insert", res.SourceRef,
			map[string]any{
				"write_id":      req.WriteID.String(),
				"table":         t.Name,
				"table_created": created,
			})
	})
	if err != nil {
		return nil, err
	}
	if res.JobID != 0 {
		p.d.Queue.Wake()
	}
	return res, nil
}

// UpdateTableRow rewrites fields of an existing record. A value that
// differs from what the row held is a contradiction against the row's own
// ledger entry; an update that changes nothing reinforces it.
func (p *Pipeline) UpdateTableRow(ctx context.Context, req Request, table string, id int64, record map[string]any) (*Result, error) {
	req.normalize()
	res := &Result{WriteID: req.WriteID, Status: StatusAccepted}

	ten, err := p.d.Tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	err = p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.authorize(ctx, tx, req.AgentID, "tables/"+table, consent.PermWrite); err != nil {
			return err
		}

		t, err := p.d.Tables.Get(ctx, tx, table)
		if err != nil {
			return err
		}
		rec, changes, err := p.d.Tables.Update(ctx, tx, ten.Namespace, t, id, record)
		if err != nil {
			return err
		}
		res.SourceRef = rec.Ref(t.Name)

		meta, err := p.d.Ledger.RegisterFact(ctx, tx,
			ledger.SourceTableRow, res.SourceRef, req.Origin, req.AgentID, t.Name)
		if err != nil {
			return err
		}
		res.MetaID = &meta.ID

		if len(changes) == 0 {
			res.Reinforced = true
			if _, err := p.d.Ledger.Reinforce(ctx, tx, meta.ID); err != nil {
				return err
			}
		}
		for _, c := range changes {
			if c.OldValue == nil {
				continue
			}
			// The row is its own prior here: one source ref, two values.
			_, escalated, err := p.d.Ledger.RecordContradiction(ctx, tx,
				meta.ID, meta.ID, c.Field, *c.OldValue, c.NewValue)
			if err != nil {
				return err
			}
			res.Escalated = res.Escalated || escalated
		}

		if text := recordText(record); text != "" && len(changes) > 0 {
			res.JobID = p.enqueue(ctx, tx, req.TenantID, enrich.KindExtract, &meta.ID,
				enrich.ExtractPayload{Text: text, SourceRef: res.SourceRef, AgentID: req.AgentID})
		}

		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "table.update", res.SourceRef,
			map[string]any{
				"write_id": req.WriteID.String(),
				"table":    t.Name,
				"changed":  len(changes),
			})
	})
	if err != nil {
		return nil, err
	}
	if res.JobID != 0 {
		p.d.Queue.Wake()
	}
	return res, nil
}

// DeleteTableRow soft-deletes a record and retires its ledger row.
func (p *Pipeline) DeleteTableRow(ctx context.Context, req Request, table string, id int64) (*Result, error) {
	req.normalize()
	res := &Result{WriteID: req.WriteID, Status: StatusAccepted}

	err := p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.authorize(ctx, tx, req.AgentID, "tables/"+table, consent.PermWrite); err != nil {
			return err
		}

		t, err := p.d.Tables.Get(ctx, tx, table)
		if err != nil {
			return err
		}
		if err := p.d.Tables.SoftDelete(ctx, tx, t, id); err != nil {
			return err
		}
		res.SourceRef = t.Name + ":" + strconv.FormatInt(id, 10)

		meta, err := p.d.Ledger.GetBySource(ctx, tx, ledger.SourceTableRow, res.SourceRef)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if err == nil {
			if _, err := p.d.Ledger.Retire(ctx, tx, meta.ID, fmt.Sprintf("record %s deleted", res.SourceRef)); err != nil {
				return err
			}
			res.MetaID = &meta.ID
		}

		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "table.delete", res.SourceRef,
			map[string]any{"write_id": req.WriteID.String(), "table": t.Name})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
