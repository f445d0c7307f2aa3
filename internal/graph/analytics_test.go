package graph_test

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/internal/graph"
)

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func link(adj map[uuid.UUID][]uuid.UUID, a, b uuid.UUID) {
	adj[a] = append(adj[a], b)
	adj[b] = append(adj[b], a)
}

func TestBetweennessPathGraph(t *testing.T) {
	// a - b - c: every shortest path between the ends crosses b.
	n := ids(3)
	adj := map[uuid.UUID][]uuid.UUID{}
	link(adj, n[0], n[1])
	link(adj, n[1], n[2])

	cb := graph.BetweennessScores(adj)
	if cb[n[0]] != 0 || cb[n[2]] != 0 {
		t.Errorf("endpoints should carry no betweenness: %v %v", cb[n[0]], cb[n[2]])
	}
	// One pair routed through b, counted in both directions, normalized by
	// (n-1)(n-2) = 2: score 1.
	if math.Abs(cb[n[1]]-1) > 1e-9 {
		t.Errorf("middle betweenness = %v, want 1", cb[n[1]])
	}
}

func TestBetweennessStarGraph(t *testing.T) {
	// Hub with four leaves: all leaf-to-leaf paths cross the hub.
	n := ids(5)
	adj := map[uuid.UUID][]uuid.UUID{}
	for i := 1; i < 5; i++ {
		link(adj, n[0], n[i])
	}
	cb := graph.BetweennessScores(adj)
	if math.Abs(cb[n[0]]-1) > 1e-9 {
		t.Errorf("hub betweenness = %v, want 1", cb[n[0]])
	}
	for i := 1; i < 5; i++ {
		if cb[n[i]] != 0 {
			t.Errorf("leaf %d betweenness = %v, want 0", i, cb[n[i]])
		}
	}
}

func TestClusteringTriangle(t *testing.T) {
	n := ids(3)
	adj := map[uuid.UUID][]uuid.UUID{}
	link(adj, n[0], n[1])
	link(adj, n[1], n[2])
	link(adj, n[2], n[0])

	local, avg := graph.ClusteringScores(adj)
	for i, id := range n {
		if math.Abs(local[id]-1) > 1e-9 {
			t.Errorf("triangle node %d coefficient = %v, want 1", i, local[id])
		}
	}
	if math.Abs(avg-1) > 1e-9 {
		t.Errorf("triangle average = %v, want 1", avg)
	}
}

func TestClusteringPathHasNoTriangles(t *testing.T) {
	n := ids(3)
	adj := map[uuid.UUID][]uuid.UUID{}
	link(adj, n[0], n[1])
	link(adj, n[1], n[2])

	local, avg := graph.ClusteringScores(adj)
	if local[n[1]] != 0 {
		t.Errorf("path middle coefficient = %v, want 0", local[n[1]])
	}
	if avg != 0 {
		t.Errorf("path average = %v, want 0", avg)
	}
}

func TestNormalizeType(t *testing.T) {
	if got, err := graph.NormalizeType("  Person "); err != nil || got != "person" {
		t.Errorf("NormalizeType(Person) = %q, %v", got, err)
	}
	if got, err := graph.NormalizeType("works at"); err != nil || got != "works_at" {
		t.Errorf("NormalizeType(works at) = %q, %v", got, err)
	}
	if _, err := graph.NormalizeType("   "); err == nil {
		t.Error("blank type must error")
	}
}
