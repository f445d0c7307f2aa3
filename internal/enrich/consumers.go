package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/claims"
	"github.com/mnemohq/mnemo/internal/embedding"
	"github.com/mnemohq/mnemo/internal/extract"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// threadSimilarityFloor is the trigram similarity below which two memories
// are not considered part of the same conversation thread.
const threadSimilarityFloor = 0.4

// ExtractPayload is the extract_entities job body.
type ExtractPayload struct {
	Text      string `json:"text"`
	SourceRef string `json:"source_ref,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// EmbedPayload is the embed_pending job body.
type EmbedPayload struct {
	PendingID  uuid.UUID `json:"pending_id"`
	Collection string    `json:"collection,omitempty"`
}

// ThreadPayload is the link_thread job body.
type ThreadPayload struct {
	VectorID   uuid.UUID `json:"vector_id"`
	Collection string    `json:"collection,omitempty"`
}

// Deps bundles everything the consumers touch. All stores are stateless;
// the tenant manager supplies the namespace-bound transactions they run in.
type Deps struct {
	Tenants   *tenant.Manager
	Queue     *Queue
	Ledger    *ledger.Store
	Vectors   *vectors.Store
	Graph     *graph.Store
	Claims    *claims.Store
	Embedder  embedding.Provider
	Extractor extract.Extractor
	Logger    *zap.Logger
}

// Register attaches the three consumers to a worker pool.
func (d *Deps) Register(w *Workers) {
	w.Handle(KindExtract, d.extractEntities)
	w.Handle(KindEmbed, d.embedPending)
	w.Handle(KindThread, d.linkThread)
}

// extractEntities runs the extractor over a stored memory text and merges
// the proposals into the knowledge graph. Every write below is an upsert,
// so a retried job converges instead of duplicating: re-seen entities and
// edges reinforce their ledger rows rather than inserting twice.
func (d *Deps) extractEntities(ctx context.Context, job *Job) error {
	var p ExtractPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode extract payload: %w", err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil
	}
	res, err := d.Extractor.Extract(ctx, p.Text)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if len(res.Entities) == 0 && len(res.Relations) == 0 {
		return nil
	}

	return d.Tenants.WithTenant(ctx, job.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		byKey := make(map[string]*graph.Entity, len(res.Entities))
		for _, cand := range res.Entities {
			ent, created, err := d.Graph.CreateEntity(ctx, tx, cand.Type, cand.Name, cand.Properties, cand.Confidence)
			if err != nil {
				return fmt.Errorf("upsert entity %q: %w", cand.Name, err)
			}
			meta, err := d.Ledger.RegisterFact(ctx, tx,
				ledger.SourceEntity, ent.Ref(), ledger.OriginAIPattern, p.AgentID, "graph")
			if err != nil {
				return err
			}
			if created {
				if err := d.Graph.SetEntityMetaRef(ctx, tx, ent.ID, meta.ID); err != nil {
					return err
				}
			} else if _, err := d.Ledger.Reinforce(ctx, tx, meta.ID); err != nil {
				return err
			}
			byKey[identityKey(cand.Type, cand.Name)] = ent
		}

		for _, rel := range res.Relations {
			src := byKey[identityKey(rel.SourceType, rel.SourceName)]
			dst := byKey[identityKey(rel.TargetType, rel.TargetName)]
			if src == nil || dst == nil {
				continue
			}
			edge, created, err := d.Graph.CreateEdge(ctx, tx,
				src.ID, dst.ID, rel.Relation, 1, rel.Confidence, rel.Evidence, nil)
			if err != nil {
				return fmt.Errorf("upsert edge %s %s %s: %w",
					rel.SourceName, rel.Relation, rel.TargetName, err)
			}
			meta, err := d.Ledger.RegisterFact(ctx, tx,
				ledger.SourceEdge, edge.Ref(), ledger.OriginAIPattern, p.AgentID, "graph")
			if err != nil {
				return err
			}
			if created {
				if err := d.Graph.SetEdgeMetaRef(ctx, tx, edge.ID, meta.ID); err != nil {
					return err
				}
			} else if _, err := d.Ledger.Reinforce(ctx, tx, meta.ID); err != nil {
				return err
			}
			if _, err := d.Claims.Record(ctx, tx, &claims.Claim{
				ClaimType:  "relation",
				Subject:    src.Name,
				Predicate:  edge.Relation,
				Object:     dst.Name,
				Confidence: rel.Confidence,
				Method:     "rule_extraction",
				Origin:     string(ledger.OriginAIPattern),
				SourceRef:  p.SourceRef,
				AgentID:    p.AgentID,
				MetaID:     &meta.ID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// embedPending turns one pending row into a live vector. The provider call
// runs between two short transactions so a slow embedding backend never
// holds a pool connection. If the same text was stored through another path
// while this row waited, the pending fact folds into the survivor.
func (d *Deps) embedPending(ctx context.Context, job *Job) error {
	var p EmbedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode embed payload: %w", err)
	}
	if d.Embedder == nil || !d.Embedder.Enabled() {
		return embedding.ErrDisabled
	}

	var (
		pending *vectors.Pending
		col     *vectors.Collection
	)
	err := d.Tenants.WithTenant(ctx, job.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		pending, err = d.Vectors.GetPending(ctx, tx, p.PendingID)
		if errors.Is(err, vectors.ErrNotFound) {
			pending = nil
			return nil
		}
		if err != nil {
			return err
		}
		col, err = d.Vectors.GetCollection(ctx, tx, pending.Collection)
		return err
	})
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}

	embs, err := d.Embedder.Embed(ctx, []string{pending.Content})
	if err != nil {
		d.notePendingError(ctx, job.TenantID, pending.ID, err)
		return fmt.Errorf("embed pending %s: %w", pending.ID, err)
	}
	if len(embs) != 1 {
		return fmt.Errorf("embed pending %s: got %d vectors for one input", pending.ID, len(embs))
	}

	return d.Tenants.WithTenant(ctx, job.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		fresh, err := d.Vectors.GetPending(ctx, tx, pending.ID)
		if errors.Is(err, vectors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mem, dup, err := d.Vectors.Fulfill(ctx, tx, fresh, col, embs[0])
		if err != nil {
			return err
		}
		if !dup {
			return nil
		}
		if err := d.reinforceVector(ctx, tx, mem); err != nil {
			return err
		}
		orphan, err := d.Ledger.GetBySource(ctx, tx, ledger.SourceVector, fresh.Ref())
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return d.Ledger.DeleteOrphan(ctx, tx, orphan.ID)
	})
}

func (d *Deps) reinforceVector(ctx context.Context, tx pgx.Tx, mem *vectors.Memory) error {
	var metaID uuid.UUID
	if mem.MetaRef != nil {
		metaID = *mem.MetaRef
	} else {
		meta, err := d.Ledger.GetBySource(ctx, tx, ledger.SourceVector, mem.Ref())
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		metaID = meta.ID
	}
	_, err := d.Ledger.Reinforce(ctx, tx, metaID)
	return err
}

func (d *Deps) notePendingError(ctx context.Context, tenantID, pendingID uuid.UUID, cause error) {
	err := d.Tenants.WithTenant(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		return d.Vectors.MarkPendingError(ctx, tx, pendingID, cause.Error())
	})
	if err != nil {
		d.Logger.Warn("mark pending error",
			zap.String("pending_id", pendingID.String()), zap.Error(err))
	}
}

// linkThread groups a new memory with textually similar neighbours under a
// shared thread id. An existing neighbour thread is adopted rather than
// split; with no thread in sight a fresh id is minted. Memories already on
// a thread are never moved.
func (d *Deps) linkThread(ctx context.Context, job *Job) error {
	var p ThreadPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode thread payload: %w", err)
	}
	return d.Tenants.WithTenant(ctx, job.TenantID, func(ctx context.Context, tx pgx.Tx) error {
		v, err := d.Vectors.Get(ctx, tx, p.VectorID)
		if errors.Is(err, vectors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v.ThreadID != nil {
			return nil
		}
		collection := p.Collection
		if collection == "" {
			collection = v.Collection
		}
		hits, err := d.Vectors.KeywordSearch(ctx, tx, collection, v.Content, 6)
		if err != nil {
			return err
		}

		threadID := uuid.Nil
		members := []uuid.UUID{v.ID}
		for _, h := range hits {
			if h.Memory.ID == v.ID || h.Similarity < threadSimilarityFloor {
				continue
			}
			if h.Memory.ThreadID != nil {
				if threadID == uuid.Nil {
					threadID = *h.Memory.ThreadID
				}
				continue
			}
			members = append(members, h.Memory.ID)
		}
		if threadID == uuid.Nil && len(members) == 1 {
			return nil
		}
		if threadID == uuid.Nil {
			threadID = uuid.New()
		}
		return d.Vectors.SetThread(ctx, tx, threadID, members)
	})
}

// RescanPending re-enqueues embed jobs for pending rows whose original jobs
// were lost, parked as failed, or enqueued while the provider was disabled.
// Enqueue dedup keeps the scan idempotent against jobs still in the queue.
func (d *Deps) RescanPending(ctx context.Context, maxAttempts int) (int, error) {
	tenants, err := d.Tenants.List(ctx, 500, 0)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tenants {
		err := d.Tenants.WithTenant(ctx, t.ID, func(ctx context.Context, tx pgx.Tx) error {
			pend, err := d.Vectors.ListPending(ctx, tx, maxAttempts, 100)
			if err != nil {
				return err
			}
			for _, pv := range pend {
				var metaID *uuid.UUID
				if meta, err := d.Ledger.GetBySource(ctx, tx, ledger.SourceVector, pv.Ref()); err == nil {
					metaID = &meta.ID
				} else if !errors.Is(err, ledger.ErrNotFound) {
					return err
				}
				id, err := d.Queue.Enqueue(ctx, tx, t.ID, KindEmbed, metaID,
					EmbedPayload{PendingID: pv.ID, Collection: pv.Collection})
				if err != nil {
					return err
				}
				if id != 0 {
					total++
				}
			}
			return nil
		})
		if err != nil {
			d.Logger.Warn("rescan pending vectors",
				zap.String("tenant_id", t.ID.String()), zap.Error(err))
		}
	}
	if total > 0 {
		d.Queue.Wake()
	}
	return total, nil
}

func identityKey(typ, name string) string {
	return strings.ToLower(strings.TrimSpace(typ)) + "\x00" + strings.ToLower(strings.TrimSpace(name))
}
