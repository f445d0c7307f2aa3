package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/embedding"
	"github.com/mnemohq/mnemo/internal/enrich"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// embedTimeout bounds the provider call. A slow provider degrades the write
// to pending_enrichment instead of stalling the request.
const embedTimeout = 10 * time.Second

// MemorizeText stores a memory text. The happy path embeds and inserts a
// vector; a dead or disabled provider parks the text in pending_vectors for
// the backfill worker; a database failure after that falls through to the
// backlog. The text itself is never lost once this returns nil.
//
// A text already stored live or pending (same content hash) reinforces the
// existing fact instead of inserting a twin.
func (p *Pipeline) MemorizeText(ctx context.Context, req Request, collection, text string, metadata map[string]any) (*Result, error) {
	req.normalize()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, vectors.ErrEmptyContent
	}
	col, err := vectors.NormalizeCollection(collection)
	if err != nil {
		return nil, err
	}
	ten, err := p.d.Tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	limits := tenant.LimitsFor(ten.Tier)
	hash := vectors.HashContent(text)

	// First transaction: consent plus dedup probe. Folding a duplicate here
	// means a denied agent or a restated fact never costs a provider call.
	res := &Result{WriteID: req.WriteID}
	done := false
	err = p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.authorize(ctx, tx, req.AgentID, "memories/"+col, consent.PermWrite); err != nil {
			return err
		}
		mem, pend, err := p.d.Vectors.FindByHash(ctx, tx, col, hash)
		if err != nil {
			return err
		}
		if mem == nil && pend == nil {
			return nil
		}
		done = true
		return p.reinforceExisting(ctx, tx, req, mem, pend, res)
	})
	if err != nil {
		return nil, err
	}
	if done {
		return res, nil
	}

	emb, embedErr := p.embed(ctx, text)

	err = p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		return p.writeMemory(ctx, tx, req, col, text, hash, metadata, emb, embedErr, limits, ten.EmbeddingDim, res)
	})
	if err == nil {
		p.d.Queue.Wake()
		return res, nil
	}
	if isDomainErr(err) || ctx.Err() != nil {
		return nil, err
	}
	return p.backlog(ctx, req, col, text, metadata, err)
}

// embed calls the provider outside any transaction, with its own deadline.
func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	if p.d.Embedder == nil || !p.d.Embedder.Enabled() {
		return nil, embedding.ErrDisabled
	}
	ectx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	embs, err := p.d.Embedder.Embed(ectx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embs) != 1 {
		return nil, fmt.Errorf("provider returned %d vectors for one input", len(embs))
	}
	return embs[0], nil
}

func (p *Pipeline) writeMemory(ctx context.Context, tx pgx.Tx, req Request, collection, text, hash string,
	metadata map[string]any, emb []float32, embedErr error, limits tenant.Limits, dim int, res *Result) error {

	if err := p.authorize(ctx, tx, req.AgentID, "memories/"+collection, consent.PermWrite); err != nil {
		return err
	}
	// The probe transaction committed before the provider call; someone may
	// have stored the same text in between.
	mem, pend, err := p.d.Vectors.FindByHash(ctx, tx, collection, hash)
	if err != nil {
		return err
	}
	if mem != nil || pend != nil {
		return p.reinforceExisting(ctx, tx, req, mem, pend, res)
	}

	col, _, err := p.d.Vectors.EnsureCollection(ctx, tx, collection, "", dim, limits.MaxVectorCols)
	if err != nil {
		return err
	}
	if embedErr == nil && len(emb) != col.Dim {
		embedErr = fmt.Errorf("%w: provider returned %d dimensions, collection expects %d",
			vectors.ErrDimension, len(emb), col.Dim)
	}

	if embedErr == nil {
		m, err := p.d.Vectors.Add(ctx, tx, col, text, emb, metadata)
		if err != nil {
			return err
		}
		meta, err := p.d.Ledger.RegisterFact(ctx, tx,
			ledger.SourceVector, m.Ref(), req.Origin, req.AgentID, "memory")
		if err != nil {
			return err
		}
		if err := p.d.Vectors.SetMetaRef(ctx, tx, m.ID, meta.ID); err != nil {
			return err
		}
		res.Status, res.SourceRef, res.MetaID = StatusAccepted, m.Ref(), &meta.ID
		res.JobID = p.enqueue(ctx, tx, req.TenantID, enrich.KindExtract, &meta.ID,
			enrich.ExtractPayload{Text: text, SourceRef: m.Ref(), AgentID: req.AgentID})
		p.enqueue(ctx, tx, req.TenantID, enrich.KindThread, &meta.ID,
			enrich.ThreadPayload{VectorID: m.ID, Collection: col.Name})

		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "memory.add", m.Ref(),
			map[string]any{"write_id": req.WriteID.String(), "collection": col.Name})
	}

	pv, err := p.d.Vectors.Enqueue(ctx, tx, col.Name, text, metadata)
	if err != nil {
		return err
	}
	meta, err := p.d.Ledger.RegisterFact(ctx, tx,
		ledger.SourceVector, pv.Ref(), req.Origin, req.AgentID, "memory")
	if err != nil {
		return err
	}
	if err := p.d.Vectors.SetPendingMetaRef(ctx, tx, pv.ID, meta.ID); err != nil {
		return err
	}
	res.Status, res.SourceRef, res.MetaID = StatusPending, pv.Ref(), &meta.ID
	res.JobID = p.enqueue(ctx, tx, req.TenantID, enrich.KindEmbed, &meta.ID,
		enrich.EmbedPayload{PendingID: pv.ID, Collection: col.Name})
	p.enqueue(ctx, tx, req.TenantID, enrich.KindExtract, &meta.ID,
		enrich.ExtractPayload{Text: text, SourceRef: pv.Ref(), AgentID: req.AgentID})

	return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "memory.pending", pv.Ref(),
		map[string]any{
			"write_id":   req.WriteID.String(),
			"collection": col.Name,
			"reason":     embedErr.Error(),
		})
}

// reinforceExisting folds a restated text into the row already carrying it.
func (p *Pipeline) reinforceExisting(ctx context.Context, tx pgx.Tx, req Request, mem *vectors.Memory, pend *vectors.Pending, res *Result) error {
	var ref string
	var metaRef *uuid.UUID
	if mem != nil {
		ref, metaRef = mem.Ref(), mem.MetaRef
		res.Status = StatusAccepted
	} else {
		ref, metaRef = pend.Ref(), pend.MetaRef
		res.Status = StatusPending
	}
	res.SourceRef, res.Reinforced = ref, true

	metaID := uuid.Nil
	if metaRef != nil {
		metaID = *metaRef
	} else {
		meta, err := p.d.Ledger.GetBySource(ctx, tx, ledger.SourceVector, ref)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if err == nil {
			metaID = meta.ID
		}
	}
	if metaID != uuid.Nil {
		m, err := p.d.Ledger.Reinforce(ctx, tx, metaID)
		if err != nil {
			return err
		}
		res.MetaID = &m.ID
	}
	return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "memory.restate", ref,
		map[string]any{"write_id": req.WriteID.String()})
}

// backlog is the last resort after the write transaction failed for a
// non-domain reason: park the raw text so nothing is lost, then report the
// degraded status.
func (p *Pipeline) backlog(ctx context.Context, req Request, collection, text string, metadata map[string]any, writeErr error) (*Result, error) {
	blErr := p.d.Tenants.WithTenant(ctx, req.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		if err := p.d.Vectors.Backlog(ctx, tx, collection, text, writeErr.Error(), metadata); err != nil {
			return err
		}
		return p.d.Audit.Append(ctx, tx, req.Actor, req.AgentID, "memory.backlog", "",
			map[string]any{"write_id": req.WriteID.String(), "reason": writeErr.Error()})
	})
	if blErr != nil {
		p.d.Logger.Error("memory write and backlog both failed",
			zap.NamedError("write_error", writeErr), zap.Error(blErr))
		return nil, writeErr
	}
	p.d.Logger.Warn("memory write degraded to backlog",
		zap.String("tenant_id", req.TenantID.String()), zap.Error(writeErr))
	return &Result{WriteID: req.WriteID, Status: StatusPending}, nil
}

// isDomainErr separates caller-addressable failures, which surface as-is,
// from infrastructure failures, which trigger the backlog fallback.
func isDomainErr(err error) bool {
	return errors.Is(err, consent.ErrDenied) ||
		errors.Is(err, vectors.ErrTierLimit) ||
		errors.Is(err, vectors.ErrBadCollection) ||
		errors.Is(err, vectors.ErrEmptyContent) ||
		errors.Is(err, tenant.ErrNotFound)
}
