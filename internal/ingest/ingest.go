// Package ingest funnels every agent-authored write through one pipeline:
// consent check, durable write, provenance registration, contradiction
// handling, enrichment enqueue, audit. Handlers and tools never write to
// profile, tables or vectors directly; they construct a Request and call
// the method for the write's kind.
package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/audit"
	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/embedding"
	"github.com/mnemohq/mnemo/internal/enrich"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// Status reports how a write landed.
type Status string

const (
	// StatusAccepted means the fact is durable in its final table.
	StatusAccepted Status = "accepted"
	// StatusPending means the text is durable but parked (pending_vectors
	// or memory_backlog) until enrichment completes it.
	StatusPending Status = "pending_enrichment"
)

// Request carries the caller identity shared by every write. AgentID is
// empty for owner-authenticated calls, which bypass consent.
type Request struct {
	TenantID uuid.UUID
	AgentID  string
	Actor    string
	Origin   ledger.Origin
	WriteID  uuid.UUID
}

func (r *Request) normalize() {
	if r.WriteID == uuid.Nil {
		r.WriteID = uuid.New()
	}
	if r.Origin == "" {
		r.Origin = ledger.OriginAIStated
	}
	if r.Actor == "" {
		if r.AgentID != "" {
			r.Actor = "agent:" + r.AgentID
		} else {
			r.Actor = "owner"
		}
	}
}

// Result is the pipeline's uniform answer. SourceRef names where the fact
// lives ("profile:v3", "workouts:12", "vectors:<uuid>"); it is empty only
// when the text fell through to the backlog.
type Result struct {
	WriteID    uuid.UUID  `json:"write_id"`
	Status     Status     `json:"write_status"`
	SourceRef  string     `json:"source_ref,omitempty"`
	MetaID     *uuid.UUID `json:"meta_id,omitempty"`
	JobID      int64      `json:"job_id,omitempty"`
	Reinforced bool       `json:"reinforced,omitempty"`
	Escalated  bool       `json:"escalated,omitempty"`
}

// Deps bundles the stores the pipeline coordinates.
type Deps struct {
	Tenants  *tenant.Manager
	Consent  *consent.Store
	Profiles *profile.Store
	Tables   *tables.Store
	Vectors  *vectors.Store
	Ledger   *ledger.Store
	Queue    *enrich.Queue
	Audit    *audit.Log
	Embedder embedding.Provider
	Logger   *zap.Logger
}

// Pipeline is the single write funnel. Safe for concurrent use.
type Pipeline struct {
	d Deps
}

// New returns a Pipeline over the given stores.
func New(d Deps) *Pipeline { return &Pipeline{d: d} }

// authorize enforces consent for agent calls. Owner calls (empty agent id)
// pass unconditionally.
func (p *Pipeline) authorize(ctx context.Context, tx pgx.Tx, agentID, resource string, want consent.Permission) error {
	if agentID == "" {
		return nil
	}
	dec, err := p.d.Consent.Check(ctx, tx, agentID, resource, want)
	if err != nil {
		return err
	}
	if !dec.Allowed {
		return &ConsentError{Agent: agentID, Resource: resource, Reason: dec.Reason}
	}
	return nil
}

// ConsentError carries the denial detail for the transport layer. It
// unwraps to consent.ErrDenied so errors.Is keeps working.
type ConsentError struct {
	Agent    string
	Resource string
	Reason   string
}

func (e *ConsentError) Error() string {
	return "consent denied: agent " + e.Agent + " on " + e.Resource + ": " + e.Reason
}

func (e *ConsentError) Unwrap() error { return consent.ErrDenied }

// enqueue inserts an enrichment job inside a savepoint so a queue failure
// can never take down the surrounding write.
func (p *Pipeline) enqueue(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, kind string, metaID *uuid.UUID, payload any) int64 {
	inner, err := tx.Begin(ctx)
	if err != nil {
		p.d.Logger.Warn("enrichment enqueue: savepoint", zap.Error(err))
		return 0
	}
	id, err := p.d.Queue.Enqueue(ctx, inner, tenantID, kind, metaID, payload)
	if err != nil {
		_ = inner.Rollback(ctx)
		p.d.Logger.Warn("enrichment enqueue failed, write continues",
			zap.String("kind", kind), zap.Error(err))
		return 0
	}
	if err := inner.Commit(ctx); err != nil {
		p.d.Logger.Warn("enrichment enqueue: release savepoint", zap.Error(err))
		return 0
	}
	return id
}

// jsonString unwraps a compact-JSON encoded string; non-strings come back
// empty. Change values are stored as JSON text so the contradiction trail
// is type-agnostic, but the extractor wants the raw words.
func jsonString(encoded string) string {
	var s string
	if err := json.Unmarshal([]byte(encoded), &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// recordText flattens the string values of a record into extractor input,
// in key order so retries produce the same text.
func recordText(record map[string]any) string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		if s, ok := record[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, ". ")
}
