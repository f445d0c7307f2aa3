//go:build integration

package ingest_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/audit"
	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/enrich"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/ingest"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/tools"
	"github.com/mnemohq/mnemo/internal/vectors"
)

const (
	testDim   = 8
	testAgent = "it-agent"
)

// fixedEmbedder derives a small deterministic vector from the text so
// memories are searchable without a provider.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		sum := sha256.Sum256([]byte(txt))
		vec := make([]float32, testDim)
		for j := range vec {
			vec[j] = float32(sum[j])/255 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (fixedEmbedder) Dim() int      { return testDim }
func (fixedEmbedder) Enabled() bool { return true }

type stack struct {
	tenants  *tenant.Manager
	pipeline *ingest.Pipeline
	tools    *tools.Service
	userID   uuid.UUID
}

// setupIntegration provisions a throwaway tenant on the database named by
// DATABASE_URL and wires the full write path over it. The namespace is
// dropped on cleanup.
func setupIntegration(t *testing.T) *stack {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set — skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	logger := zap.NewNop()
	manager := tenant.NewManager(db, logger)

	userID := uuid.New()
	if _, err := manager.Create(ctx, userID, tenant.TierFree, testDim); err != nil {
		t.Fatalf("provision tenant: %v", err)
	}
	t.Cleanup(func() {
		if err := manager.Drop(ctx, userID); err != nil {
			t.Logf("drop tenant %s: %v", userID, err)
		}
		db.Close()
	})

	consentStore := consent.NewStore()
	err = manager.WithTenant(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
		grants := []struct {
			resource string
			perm     consent.Permission
		}{
			{"*", consent.PermRead},
			{"profile", consent.PermWrite},
			{"memories/*", consent.PermWrite},
			{"tables/*", consent.PermWrite},
		}
		for _, g := range grants {
			if _, err := consentStore.Grant(ctx, tx, testAgent, g.resource, g.perm); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("grant consent: %v", err)
	}

	vecStore := vectors.NewStore()
	ledgerStore := ledger.NewStore(ledger.DefaultConfig())
	pipe := ingest.New(ingest.Deps{
		Tenants:  manager,
		Consent:  consentStore,
		Profiles: profile.NewStore(),
		Tables:   tables.NewStore(),
		Vectors:  vecStore,
		Ledger:   ledgerStore,
		Queue:    enrich.NewQueue(db),
		Audit:    audit.NewLog(),
		Embedder: fixedEmbedder{},
		Logger:   logger,
	})
	svc := tools.New(tools.Deps{
		Tenants:  manager,
		Pipeline: pipe,
		Consent:  consentStore,
		Profiles: profile.NewStore(),
		Tables:   tables.NewStore(),
		Vectors:  vecStore,
		Graph:    graph.NewStore(),
		Ledger:   ledgerStore,
		Audit:    audit.NewLog(),
		Embedder: fixedEmbedder{},
		Logger:   logger,
	})

	return &stack{tenants: manager, pipeline: pipe, tools: svc, userID: userID}
}

func TestWriteLifecycle(t *testing.T) {
	s := setupIntegration(t)
	ctx := context.Background()
	owner := ingest.Request{TenantID: s.userID, Origin: ledger.OriginUserTyped}
	agent := ingest.Request{TenantID: s.userID, AgentID: testAgent}

	// Owner seeds a confident profile.
	res, err := s.pipeline.PatchProfile(ctx, owner, map[string]any{
		"name":           "Integration",
		"favorite_color": "green",
	})
	if err != nil {
		t.Fatalf("owner patch: %v", err)
	}
	if res.Status != ingest.StatusAccepted {
		t.Fatalf("owner patch status = %s", res.Status)
	}
	if !strings.HasPrefix(res.SourceRef, "profile:v") {
		t.Errorf("owner patch source ref = %q", res.SourceRef)
	}

	// Agent memory lands as a vector with a ledger row.
	mem, err := s.pipeline.MemorizeText(ctx, agent, "", "Keeps a basalt column photo on the desk", nil)
	if err != nil {
		t.Fatalf("memorize: %v", err)
	}
	if mem.Status != ingest.StatusAccepted {
		t.Fatalf("memorize status = %s", mem.Status)
	}
	if mem.MetaID == nil {
		t.Fatal("memorize produced no ledger row")
	}

	// The same text restated reinforces instead of duplicating.
	again, err := s.pipeline.MemorizeText(ctx, agent, "", "Keeps a basalt column photo on the desk", nil)
	if err != nil {
		t.Fatalf("memorize twin: %v", err)
	}
	if !again.Reinforced {
		t.Error("restated memory was not folded into the original")
	}
	if again.SourceRef != mem.SourceRef {
		t.Errorf("twin source ref = %q, want %q", again.SourceRef, mem.SourceRef)
	}

	// Agent contradicts the owner's confident color: both sides escalate.
	conflict, err := s.pipeline.PatchProfile(ctx, agent, map[string]any{"favorite_color": "mauve"})
	if err != nil {
		t.Fatalf("agent patch: %v", err)
	}
	if !conflict.Escalated {
		t.Fatal("contradicting a confident fact did not escalate to review")
	}

	// The review queue carries the pair; confirming settles it.
	caller := tools.Caller{UserID: s.userID}
	listed, err := s.tools.Review(ctx, caller, tools.ReviewArgs{Action: "list"})
	if err != nil {
		t.Fatalf("review list: %v", err)
	}
	var metaID string
	for _, it := range listed.Items {
		if it.Conflict != nil && it.Conflict.Field == "favorite_color" {
			metaID = it.MetaID
		}
	}
	if metaID == "" {
		t.Fatalf("favorite_color conflict missing from review queue (%d items)", len(listed.Items))
	}

	resolved, err := s.tools.Review(ctx, caller, tools.ReviewArgs{
		Action: "resolve", MetaID: metaID, Resolution: "confirm",
	})
	if err != nil {
		t.Fatalf("review resolve: %v", err)
	}
	if resolved.Resolved.Status != string(ledger.StatusTrusted) {
		t.Errorf("confirmed item status = %s", resolved.Resolved.Status)
	}

	// The context bundle reflects everything written above.
	bundle, err := s.tools.Recall(ctx, caller, tools.RecallArgs{})
	if err != nil {
		t.Fatalf("recall context: %v", err)
	}
	if bundle.Context == nil {
		t.Fatal("recall returned no context bundle")
	}
	if bundle.Context.Profile["name"] != "Integration" {
		t.Errorf("bundle profile name = %v", bundle.Context.Profile["name"])
	}
	if len(bundle.Context.Memories) == 0 {
		t.Error("bundle has no memories")
	}
}

func TestCrossTenantReads_zeroRows(t *testing.T) {
	s := setupIntegration(t)
	ctx := context.Background()

	otherID := uuid.New()
	if _, err := s.tenants.Create(ctx, otherID, tenant.TierFree, testDim); err != nil {
		t.Fatalf("provision second tenant: %v", err)
	}
	t.Cleanup(func() {
		if err := s.tenants.Drop(ctx, otherID); err != nil {
			t.Logf("drop tenant %s: %v", otherID, err)
		}
	})

	owner := ingest.Request{TenantID: s.userID, Origin: ledger.OriginUserTyped}
	if _, err := s.pipeline.MemorizeText(ctx, owner, "", "The xylograph sits in tenant A only", nil); err != nil {
		t.Fatalf("memorize: %v", err)
	}

	count := func(userID uuid.UUID) int64 {
		var n int64
		err := s.tenants.WithTenant(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
			return tx.QueryRow(ctx, "SELECT count(*) FROM vectors").Scan(&n)
		})
		if err != nil {
			t.Fatalf("count memories for %s: %v", userID, err)
		}
		return n
	}

	if n := count(s.userID); n != 1 {
		t.Fatalf("writer tenant sees %d memories, want 1", n)
	}
	if n := count(otherID); n != 0 {
		t.Fatalf("other tenant sees %d memories, want 0", n)
	}

	// Search has to come up empty too, not just raw counts.
	err := s.tenants.WithTenant(ctx, otherID, func(ctx context.Context, tx pgx.Tx) error {
		hits, err := vectors.NewStore().KeywordSearch(ctx, tx, vectors.DefaultCollection, "xylograph", 10)
		if err != nil {
			return err
		}
		if len(hits) != 0 {
			return fmt.Errorf("other tenant found %d hits", len(hits))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGraphIdempotence(t *testing.T) {
	s := setupIntegration(t)
	ctx := context.Background()
	gs := graph.NewStore()

	err := s.tenants.WithTenant(ctx, s.userID, func(ctx context.Context, tx pgx.Tx) error {
		alice, created, err := gs.CreateEntity(ctx, tx, "person", "Alice", nil, 0.9)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("first CreateEntity reported existing")
		}
		twin, created, err := gs.CreateEntity(ctx, tx, "person", "alice", nil, 0.9)
		if err != nil {
			return err
		}
		if created || twin.ID != alice.ID {
			return fmt.Errorf("case-insensitive twin minted a second entity")
		}

		rest, _, err := gs.CreateEntity(ctx, tx, "place", "Luna Cafe", nil, 0.9)
		if err != nil {
			return err
		}

		// Repeated observations accumulate weight on one edge.
		e1, _, err := gs.CreateEdge(ctx, tx, alice.ID, rest.ID, "visited", 1.0, 0.8, "saw her there", nil)
		if err != nil {
			return err
		}
		e2, created, err := gs.CreateEdge(ctx, tx, alice.ID, rest.ID, "visited", 0.5, 0.8, "again on tuesday", nil)
		if err != nil {
			return err
		}
		if created || e2.ID != e1.ID {
			return fmt.Errorf("second observation minted a second edge")
		}
		if e2.Weight != 1.5 {
			return fmt.Errorf("edge weight = %v, want 1.5", e2.Weight)
		}
		if len(e2.Evidence) != 2 {
			return fmt.Errorf("evidence entries = %d, want 2", len(e2.Evidence))
		}

		var n int64
		if err := tx.QueryRow(ctx,
			"SELECT count(*) FROM edges WHERE deleted_at IS NULL").Scan(&n); err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("distinct edges = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConsentDenied(t *testing.T) {
	s := setupIntegration(t)
	ctx := context.Background()

	stranger := ingest.Request{TenantID: s.userID, AgentID: "stranger"}
	_, err := s.pipeline.MemorizeText(ctx, stranger, "", "should never land", nil)
	if !errors.Is(err, consent.ErrDenied) {
		t.Fatalf("expected consent denial, got %v", err)
	}

	// Nothing was written, not even to the backlog.
	err = s.tenants.WithTenant(ctx, s.userID, func(ctx context.Context, tx pgx.Tx) error {
		var n int64
		if err := tx.QueryRow(ctx,
			"SELECT (SELECT count(*) FROM vectors) + (SELECT count(*) FROM memory_backlog)").Scan(&n); err != nil {
			return err
		}
		if n != 0 {
			return fmt.Errorf("denied write left %d rows behind", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemorizeConcurrent_load(t *testing.T) {
	if os.Getenv("RUN_LOAD_TESTS") == "" {
		t.Skip("RUN_LOAD_TESTS not set — skipping load test")
	}
	s := setupIntegration(t)
	ctx := context.Background()

	const workers, perWorker = 8, 25
	owner := ingest.Request{TenantID: s.userID, Origin: ledger.OriginUserTyped}

	errc := make(chan error, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				text := fmt.Sprintf("load memory %d-%d with its own content", w, i)
				if _, err := s.pipeline.MemorizeText(ctx, owner, "", text, nil); err != nil {
					errc <- fmt.Errorf("worker %d write %d: %w", w, i, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}

	var n int64
	err := s.tenants.WithTenant(ctx, s.userID, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, "SELECT count(*) FROM vectors WHERE deleted_at IS NULL").Scan(&n)
	})
	if err != nil {
		t.Fatalf("count memories: %v", err)
	}
	if n != workers*perWorker {
		t.Errorf("live memories = %d, want %d", n, workers*perWorker)
	}
}
