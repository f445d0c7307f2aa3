package graph

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Stats summarizes the live graph.
type Stats struct {
	EntityCount    int64            `json:"entity_count"`
	EdgeCount      int64            `json:"edge_count"`
	EntitiesByType map[string]int64 `json:"entities_by_type"`
	RelationCounts map[string]int64 `json:"relation_counts"`
	AvgDegree      float64          `json:"avg_degree"`
	MostConnected  []*Centrality    `json:"most_connected,omitempty"`
}

// Centrality carries the importance measures for one entity. Degree counts
// live edges touching it; WeightedDegree sums their weights; Betweenness is
// the share of shortest paths passing through it.
type Centrality struct {
	Entity         *Entity `json:"entity"`
	Degree         int     `json:"degree"`
	WeightedDegree float64 `json:"weighted_degree"`
	Betweenness    float64 `json:"betweenness"`
}

// Stats computes the graph summary. Most-connected entities come from the
// same degree aggregation, capped at five.
func (s *Store) Stats(ctx context.Context, tx pgx.Tx) (*Stats, error) {
	st := &Stats{
		EntitiesByType: map[string]int64{},
		RelationCounts: map[string]int64{},
	}
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM entities WHERE deleted_at IS NULL`).Scan(&st.EntityCount); err != nil {
		return nil, err
	}
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM edges e
		JOIN entities a ON a.id = e.source_id AND a.deleted_at IS NULL
		JOIN entities b ON b.id = e.target_id AND b.deleted_at IS NULL
		WHERE e.deleted_at IS NULL`).Scan(&st.EdgeCount); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT entity_type, count(*) FROM entities
		WHERE deleted_at IS NULL GROUP BY entity_type`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.EntitiesByType[typ] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `
		SELECT e.relation, count(*) FROM edges e
		JOIN entities a ON a.id = e.source_id AND a.deleted_at IS NULL
		JOIN entities b ON b.id = e.target_id AND b.deleted_at IS NULL
		WHERE e.deleted_at IS NULL GROUP BY e.relation`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var rel string
		var n int64
		if err := rows.Scan(&rel, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.RelationCounts[rel] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if st.EntityCount > 0 {
		// Each edge contributes to two endpoints.
		st.AvgDegree = 2 * float64(st.EdgeCount) / float64(st.EntityCount)
	}

	top, err := s.CentralityTop(ctx, tx, 5, false)
	if err != nil {
		return nil, err
	}
	st.MostConnected = top
	return st, nil
}

// CentralityTop returns the n most connected live entities by degree. When
// withBetweenness is set, Brandes betweenness is computed over the whole
// live graph and attached; otherwise Betweenness stays zero.
func (s *Store) CentralityTop(ctx context.Context, tx pgx.Tx, n int, withBetweenness bool) ([]*Centrality, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEntityColumns("ent")+`, deg.degree, deg.weighted
		FROM (
			SELECT id, count(e.id) AS degree, coalesce(sum(e.weight), 0) AS weighted
			FROM entities x
			LEFT JOIN edges e ON e.deleted_at IS NULL
				AND (e.source_id = x.id OR e.target_id = x.id)
				AND EXISTS (SELECT 1 FROM entities o
					WHERE o.id = CASE WHEN e.source_id = x.id THEN e.target_id ELSE e.source_id END
					  AND o.deleted_at IS NULL)
			WHERE x.deleted_at IS NULL
			GROUP BY x.id
		) deg
		JOIN entities ent ON ent.id = deg.id
		ORDER BY deg.degree DESC, deg.weighted DESC, ent.name ASC
		LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Centrality
	for rows.Next() {
		ent := &Entity{}
		var rawProps []byte
		c := &Centrality{}
		if err := rows.Scan(&ent.ID, &ent.Type, &ent.Name, &rawProps, &ent.Confidence,
			&ent.MentionCount, &ent.MetaRef, &ent.FirstSeen, &ent.LastSeen,
			&c.Degree, &c.WeightedDegree); err != nil {
			return nil, err
		}
		if err := decodeJSONInto(rawProps, &ent.Properties); err != nil {
			return nil, err
		}
		c.Entity = ent
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if withBetweenness && len(out) > 0 {
		between, err := s.betweenness(ctx, tx)
		if err != nil {
			return nil, err
		}
		for _, c := range out {
			c.Betweenness = between[c.Entity.ID]
		}
	}
	return out, nil
}

// EntityCentrality computes degree, weighted degree, and betweenness for one
// entity.
func (s *Store) EntityCentrality(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Centrality, error) {
	ent, err := s.GetEntity(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	c := &Centrality{Entity: ent}
	err = tx.QueryRow(ctx, `
		SELECT count(e.id), coalesce(sum(e.weight), 0)
		FROM edges e
		WHERE e.deleted_at IS NULL
		  AND (e.source_id = $1 OR e.target_id = $1)
		  AND EXISTS (SELECT 1 FROM entities o
			WHERE o.id = CASE WHEN e.source_id = $1 THEN e.target_id ELSE e.source_id END
			  AND o.deleted_at IS NULL)`, id).Scan(&c.Degree, &c.WeightedDegree)
	if err != nil {
		return nil, err
	}
	between, err := s.betweenness(ctx, tx)
	if err != nil {
		return nil, err
	}
	c.Betweenness = between[id]
	return c, nil
}

// liveAdjacency loads the live graph as an undirected adjacency list keyed
// by entity id. Analytics treat relations as symmetric.
func (s *Store) liveAdjacency(ctx context.Context, tx pgx.Tx) (map[uuid.UUID][]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `
		SELECT e.source_id, e.target_id FROM edges e
		JOIN entities a ON a.id = e.source_id AND a.deleted_at IS NULL
		JOIN entities b ON b.id = e.target_id AND b.deleted_at IS NULL
		WHERE e.deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adj := map[uuid.UUID][]uuid.UUID{}
	for rows.Next() {
		var a, b uuid.UUID
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	return adj, rows.Err()
}

// betweenness loads the live graph and scores it.
func (s *Store) betweenness(ctx context.Context, tx pgx.Tx) (map[uuid.UUID]float64, error) {
	adj, err := s.liveAdjacency(ctx, tx)
	if err != nil {
		return nil, err
	}
	return BetweennessScores(adj), nil
}

// BetweennessScores computes Brandes betweenness centrality over an
// undirected adjacency list, normalized by the number of node pairs so
// values are comparable across graph sizes.
//
// For each source, one BFS establishes shortest-path counts sigma and
// predecessor lists; a reverse sweep accumulates each node's dependency
// delta = sum over successors of sigma_v/sigma_w * (1 + delta_w).
func BetweennessScores(adj map[uuid.UUID][]uuid.UUID) map[uuid.UUID]float64 {
	nodes := make([]uuid.UUID, 0, len(adj))
	for id := range adj {
		nodes = append(nodes, id)
	}

	cb := make(map[uuid.UUID]float64, len(nodes))
	for _, src := range nodes {
		var stack []uuid.UUID
		pred := map[uuid.UUID][]uuid.UUID{}
		sigma := map[uuid.UUID]float64{src: 1}
		dist := map[uuid.UUID]int{src: 0}

		queue := []uuid.UUID{src}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range adj[v] {
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					pred[w] = append(pred[w], v)
				}
			}
		}

		delta := map[uuid.UUID]float64{}
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range pred[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != src {
				cb[w] += delta[w]
			}
		}
	}

	// Undirected graphs count each pair twice; normalize by (n-1)(n-2).
	n := float64(len(nodes))
	if n > 2 {
		scale := 1 / ((n - 1) * (n - 2))
		for id := range cb {
			cb[id] *= scale
		}
	}
	return cb
}

// ClusteringCoefficient returns the local clustering coefficient per entity
// and the graph average over nodes with at least two neighbors.
func (s *Store) ClusteringCoefficient(ctx context.Context, tx pgx.Tx) (map[uuid.UUID]float64, float64, error) {
	adj, err := s.liveAdjacency(ctx, tx)
	if err != nil {
		return nil, 0, err
	}
	local, avg := ClusteringScores(adj)
	return local, avg, nil
}

// ClusteringScores computes, per node, closed triplets over possible
// triplets among its neighbors (2*links / k*(k-1)), plus the average across
// nodes with degree >= 2. Self-loops are ignored.
func ClusteringScores(adj map[uuid.UUID][]uuid.UUID) (map[uuid.UUID]float64, float64) {
	neighborSets := make(map[uuid.UUID]map[uuid.UUID]bool, len(adj))
	for id, ns := range adj {
		set := make(map[uuid.UUID]bool, len(ns))
		for _, n := range ns {
			if n != id {
				set[n] = true
			}
		}
		neighborSets[id] = set
	}

	local := make(map[uuid.UUID]float64, len(adj))
	var sum float64
	var counted int
	for id, set := range neighborSets {
		k := len(set)
		if k < 2 {
			local[id] = 0
			continue
		}
		neighbors := make([]uuid.UUID, 0, k)
		for n := range set {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool {
			return neighbors[i].String() < neighbors[j].String()
		})
		links := 0
		for i := 0; i < k; i++ {
			for j := i + 1; j < k; j++ {
				if neighborSets[neighbors[i]][neighbors[j]] {
					links++
				}
			}
		}
		c := 2 * float64(links) / (float64(k) * float64(k-1))
		local[id] = c
		sum += c
		counted++
	}

	avg := 0.0
	if counted > 0 {
		avg = sum / float64(counted)
	}
	return local, avg
}
