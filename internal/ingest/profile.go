package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/enrich"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
)

// profileRetries bounds the reruns when two patches race for the same next
// version number.
const profileRetries = 3

// PatchProfile deep-merges a patch into the profile and appends a version.
// Overwritten fields are checked against the prior version's ledger row for
// contradictions; a patch that changes nothing reinforces the current
// version instead of minting a new one.
//
// Two concurrent patches can both compute the same next version; the loser
// hits the version primary key and the whole transaction reruns against the
// winner's document, up to profileRetries attempts.
func (p *Pipeline) PatchProfile(ctx context.Context, req Request, patch map[string]any) (*Result, error) {
	req.normalize()
	var (
		res *Result
		err error
	)
	for attempt := 0; attempt < profileRetries; attempt++ {
		res, err = p.patchProfileOnce(ctx, req, patch)
		if !isVersionConflict(err) {
			break
		}
	}
	return res, err
}

// isVersionConflict matches the profile_versions primary key violation.
func isVersionConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		pgErr.ConstraintName == "profile_versions_pkey"
}

func (p *Pipeline) patchProfileOnce(ctx context.Context, req Request, patch map[string]any) (*Result, error) {
	res := &Result{WriteID: req.WriteID, Status: StatusAccepted}

	err := p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.authorize(ctx, tx, req.AgentID, "profile", consent.PermWrite); err != nil {
			return err
		}

		v, changes, err := p.d.Profiles.Apply(ctx, tx, patch, req.Actor)
		if errors.Is(err, profile.ErrEmptyPatch) {
			return p.reinforceProfile(ctx, tx, req, res)
		}
		if err != nil {
			return err
		}

		meta, err := p.d.Ledger.RegisterFact(ctx, tx,
			ledger.SourceProfile, v.Ref(), req.Origin, req.AgentID, "profile")
		if err != nil {
			return err
		}
		res.SourceRef = v.Ref()
		res.MetaID = &meta.ID

		if v.Version > 1 {
			priorRef := fmt.Sprintf("profile:v%d", v.Version-1)
			prior, err := p.d.Ledger.GetBySource(ctx, tx, ledger.SourceProfile, priorRef)
			if err != nil && !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
			if err == nil {
				for _, c := range changes {
					if !c.Overwrite() || *c.OldValue == c.NewValue {
						continue
					}
					_, escalated, err := p.d.Ledger.RecordContradiction(ctx, tx,
						meta.ID, prior.ID, c.Field, *c.OldValue, c.NewValue)
					if err != nil {
						return err
					}
					res.Escalated = res.Escalated || escalated
				}
			}
		}

		if text := changesText(changes); text != "" {
			res.JobID = p.enqueue(ctx, tx, req.TenantID, enrich.KindExtract, &meta.ID,
				enrich.ExtractPayload{Text: text, SourceRef: v.Ref(), AgentID: req.AgentID})
		}

		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "profile.patch", v.Ref(),
			map[string]any{
				"write_id":       req.WriteID.String(),
				"version":        v.Version,
				"changed_fields": v.ChangedFields,
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

// reinforceProfile handles the no-op patch: the agent restated what the
// profile already says, which is evidence, not change.
func (p *Pipeline) reinforceProfile(ctx context.Context, tx pgx.Tx, req Request, res *Result) error {
	cur, err := p.d.Profiles.Current(ctx, tx)
	if err != nil {
		return err
	}
	res.SourceRef = cur.Ref()
	res.Reinforced = true

	meta, err := p.d.Ledger.GetBySource(ctx, tx, ledger.SourceProfile, cur.Ref())
	if errors.Is(err, ledger.ErrNotFound) {
		// The seeded baseline has no ledger row; nothing to reinforce.
		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "profile.restate", cur.Ref(),
			map[string]any{"write_id": req.WriteID.String()})
	}
	if err != nil {
		return err
	}
	if _, err := p.d.Ledger.Reinforce(ctx, tx, meta.ID); err != nil {
		return err
	}
	res.MetaID = &meta.ID
	return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "profile.restate", cur.Ref(),
		map[string]any{"write_id": req.WriteID.String()})
}

// changesText joins the new string values of a patch for the extractor.
func changesText(changes []profile.Change) string {
	var parts []string
	for _, c := range changes {
		if s := jsonString(c.NewValue); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ". ")
}
