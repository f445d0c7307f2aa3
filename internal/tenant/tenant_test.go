package tenant

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNamespaceForIsDeterministic(t *testing.T) {
	id := uuid.MustParse("2f6e9a34-81cd-4c7e-b1aa-09d1c0ffee00")
	got := NamespaceFor(id)
	want := "mem_2f6e9a3481cd4c7e"
	if got != want {
		t.Fatalf("NamespaceFor = %q, want %q", got, want)
	}
	if NamespaceFor(id) != got {
		t.Errorf("NamespaceFor not deterministic")
	}
}

func TestNamespaceForIsSafeIdentifier(t *testing.T) {
	for i := 0; i < 50; i++ {
		ns := NamespaceFor(uuid.New())
		if !strings.HasPrefix(ns, "mem_") {
			t.Fatalf("namespace %q missing prefix", ns)
		}
		if len(ns) != len("mem_")+16 {
			t.Fatalf("namespace %q has wrong length", ns)
		}
		for _, r := range ns {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
				t.Fatalf("namespace %q contains unsafe rune %q", ns, r)
			}
		}
	}
}

func TestNamespaceForDistinctUsers(t *testing.T) {
	a := NamespaceFor(uuid.MustParse("11111111-1111-1111-1111-111111111111"))
	b := NamespaceFor(uuid.MustParse("22222222-2222-2222-2222-222222222222"))
	if a == b {
		t.Fatalf("distinct users mapped to same namespace %q", a)
	}
}

func TestNamespaceDDLQualifiesEveryTable(t *testing.T) {
	ns := "mem_2f6e9a3481cd4c7e"
	stmts := namespaceDDL(ns, 768)
	if len(stmts) == 0 {
		t.Fatal("no DDL statements generated")
	}
	if !strings.Contains(stmts[0], "CREATE SCHEMA") {
		t.Fatalf("first statement must create the schema, got %q", stmts[0])
	}
	for _, stmt := range stmts[1:] {
		if !strings.Contains(stmt, `"`+ns+`".`) {
			t.Errorf("statement not namespace-qualified: %s", firstLine(stmt))
		}
	}
}

func TestNamespaceDDLBakesEmbeddingDim(t *testing.T) {
	stmts := namespaceDDL("mem_0000000000000000", 1536)
	var found bool
	for _, stmt := range stmts {
		if strings.Contains(stmt, "vector(1536)") {
			found = true
		}
		if strings.Contains(stmt, "vector(768)") {
			t.Errorf("default dim leaked into DDL: %s", firstLine(stmt))
		}
	}
	if !found {
		t.Fatal("no vector column with requested dimension")
	}
}

func TestNamespaceDDLCoversAllStores(t *testing.T) {
	all := strings.Join(namespaceDDL("mem_0000000000000000", 768), "\n")
	for _, table := range []string{
		"memory_meta", "promote_history", "contradictions",
		"profile_versions", "table_registry", "vector_collections", "vectors",
		"pending_vectors", "memory_backlog", "entities", "edges",
		"knowledge_claims", "claim_events", "consent_rules", "audit_log",
	} {
		if !strings.Contains(all, "."+table+" (") && !strings.Contains(all, "."+table+" \n") {
			t.Errorf("DDL missing table %s", table)
		}
	}
}

func TestLimitsForTiers(t *testing.T) {
	free := LimitsFor(TierFree)
	paid := LimitsFor(TierPaid)
	if free.MaxTables >= paid.MaxTables {
		t.Errorf("free tier table quota %d should be below paid %d", free.MaxTables, paid.MaxTables)
	}
	if LimitsFor(Tier("unknown")) != free {
		t.Errorf("unknown tier should fall back to free limits")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
