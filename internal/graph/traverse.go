package graph

import (
	"container/heap"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Direction selects which edges count as neighbors.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Neighbor is one adjacent entity with the edge that reaches it.
type Neighbor struct {
	Entity   *Entity `json:"entity"`
	Edge     *Edge   `json:"edge"`
	Outgoing bool    `json:"outgoing"`
}

// Neighbors returns the live entities adjacent to id, strongest edge first.
// relation narrows by edge relation when non-empty; minConfidence floors the
// neighbor's confidence.
func (s *Store) Neighbors(ctx context.Context, tx pgx.Tx, id uuid.UUID, dir Direction, relation string, minConfidence float64, limit int) ([]*Neighbor, error) {
	if limit <= 0 {
		limit = 50
	}
	if dir == "" {
		dir = DirBoth
	}
	outgoing := dir == DirOut || dir == DirBoth
	incoming := dir == DirIn || dir == DirBoth

	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEdgeColumns("e")+`, `+prefixedEntityColumns("n")+`,
		       (e.source_id = $1) AS outgoing
		FROM edges e
		JOIN entities n ON n.id = CASE WHEN e.source_id = $1 THEN e.target_id ELSE e.source_id END
		WHERE e.deleted_at IS NULL AND n.deleted_at IS NULL
		  AND ((e.source_id = $1 AND $2) OR (e.target_id = $1 AND $3))
		  AND ($4 = '' OR e.relation = $4)
		  AND n.confidence >= $5
		ORDER BY e.weight DESC, n.name ASC
		LIMIT $6`, id, outgoing, incoming, relation, minConfidence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Neighbor
	for rows.Next() {
		n, err := scanNeighbor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func prefixedEntityColumns(alias string) string {
	cols := strings.Split(entityColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanNeighbor(rows pgx.Rows) (*Neighbor, error) {
	e := &Edge{}
	n := &Entity{}
	var rawEv, rawEdgeProps, rawProps []byte
	var outgoing bool
	err := rows.Scan(
		&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Confidence,
		&rawEv, &rawEdgeProps, &e.MetaRef, &e.FirstSeen, &e.LastSeen,
		&n.ID, &n.Type, &n.Name, &rawProps, &n.Confidence,
		&n.MentionCount, &n.MetaRef, &n.FirstSeen, &n.LastSeen,
		&outgoing)
	if err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawEv, &e.Evidence); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawEdgeProps, &e.Properties); err != nil {
		return nil, err
	}
	if err := decodeJSONInto(rawProps, &n.Properties); err != nil {
		return nil, err
	}
	return &Neighbor{Entity: n, Edge: e, Outgoing: outgoing}, nil
}

// TraverseOptions narrow a breadth-first walk.
type TraverseOptions struct {
	MaxDepth      int
	Relation      string
	EntityType    string
	MinConfidence float64
	Limit         int
}

// TraverseNode is one entity discovered by Traverse with the depth at which
// BFS first reached it.
type TraverseNode struct {
	Entity *Entity `json:"entity"`
	Depth  int     `json:"depth"`
}

// TraverseResult is the walked subgraph.
type TraverseResult struct {
	Nodes []*TraverseNode `json:"nodes"`
	Edges []*Edge         `json:"edges"`
}

// Traverse walks the graph breadth-first from start, both directions, never
// visiting a node twice. Filters apply to the nodes encountered, not to the
// start node; the walk does not continue through filtered-out nodes.
func (s *Store) Traverse(ctx context.Context, tx pgx.Tx, start uuid.UUID, opts TraverseOptions) (*TraverseResult, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 2
	}
	if opts.MaxDepth > 6 {
		opts.MaxDepth = 6
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	root, err := s.GetEntity(ctx, tx, start)
	if err != nil {
		return nil, err
	}

	res := &TraverseResult{Nodes: []*TraverseNode{{Entity: root, Depth: 0}}}
	visited := map[uuid.UUID]bool{start: true}
	seenEdges := map[uuid.UUID]bool{}
	frontier := []uuid.UUID{start}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0 && len(res.Nodes) < opts.Limit; depth++ {
		var next []uuid.UUID
		for _, id := range frontier {
			if len(res.Nodes) >= opts.Limit {
				break
			}
			neighbors, err := s.Neighbors(ctx, tx, id, DirBoth, opts.Relation, opts.MinConfidence, opts.Limit)
			if err != nil {
				return nil, err
			}
			for _, nb := range neighbors {
				if opts.EntityType != "" && nb.Entity.Type != opts.EntityType {
					continue
				}
				if !seenEdges[nb.Edge.ID] {
					seenEdges[nb.Edge.ID] = true
					res.Edges = append(res.Edges, nb.Edge)
				}
				if visited[nb.Entity.ID] {
					continue
				}
				visited[nb.Entity.ID] = true
				res.Nodes = append(res.Nodes, &TraverseNode{Entity: nb.Entity, Depth: depth})
				next = append(next, nb.Entity.ID)
				if len(res.Nodes) >= opts.Limit {
					break
				}
			}
		}
		frontier = next
	}
	return res, nil
}

// PathHop is one step along a path: the edge taken and the entity reached.
type PathHop struct {
	Edge   *Edge   `json:"edge"`
	Entity *Entity `json:"entity"`
}

// Path is a start entity plus the hops to the destination. TotalWeight sums
// the edge weights along the way.
type Path struct {
	Start       *Entity    `json:"start"`
	Hops        []*PathHop `json:"hops"`
	TotalWeight float64    `json:"total_weight"`
}

// pathItem is a priority-queue entry for the shortest-path search.
type pathItem struct {
	id   uuid.UUID
	cost float64
	idx  int
}

type pathQueue []*pathItem

func (q pathQueue) Len() int           { return len(q) }
func (q pathQueue) Less(i, j int) bool { return q[i].cost < q[j].cost }
func (q pathQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i]; q[i].idx, q[j].idx = i, j }
func (q *pathQueue) Push(x any)        { it := x.(*pathItem); it.idx = len(*q); *q = append(*q, it) }
func (q *pathQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// PathBetween finds the strongest path from a to b within maxDepth hops, or
// nil when none exists. Edge cost is 1/weight, so heavier edges are shorter;
// direction is ignored, relations read both ways for pathing.
func (s *Store) PathBetween(ctx context.Context, tx pgx.Tx, a, b uuid.UUID, maxDepth int) (*Path, error) {
	if maxDepth <= 0 {
		maxDepth = 4
	}
	if maxDepth > 6 {
		maxDepth = 6
	}
	startEnt, err := s.GetEntity(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetEntity(ctx, tx, b); err != nil {
		return nil, err
	}

	// Project the reachable subgraph once, then search in memory. The hop
	// bound keeps the projection small.
	sub, err := s.Traverse(ctx, tx, a, TraverseOptions{MaxDepth: maxDepth, Limit: 500})
	if err != nil {
		return nil, err
	}
	entities := make(map[uuid.UUID]*Entity, len(sub.Nodes))
	for _, n := range sub.Nodes {
		entities[n.Entity.ID] = n.Entity
	}
	type adj struct {
		to   uuid.UUID
		edge *Edge
	}
	adjacency := make(map[uuid.UUID][]adj)
	for _, e := range sub.Edges {
		adjacency[e.SourceID] = append(adjacency[e.SourceID], adj{to: e.TargetID, edge: e})
		adjacency[e.TargetID] = append(adjacency[e.TargetID], adj{to: e.SourceID, edge: e})
	}

	const inf = 1 << 30
	dist := map[uuid.UUID]float64{a: 0}
	hops := map[uuid.UUID]int{a: 0}
	prevEdge := map[uuid.UUID]*Edge{}
	prevNode := map[uuid.UUID]uuid.UUID{}

	q := &pathQueue{{id: a, cost: 0}}
	heap.Init(q)
	for q.Len() > 0 {
		cur := heap.Pop(q).(*pathItem)
		if cur.id == b {
			break
		}
		if cur.cost > dist[cur.id] {
			continue
		}
		if hops[cur.id] >= maxDepth {
			continue
		}
		for _, a2 := range adjacency[cur.id] {
			if _, ok := entities[a2.to]; !ok && a2.to != b {
				continue
			}
			w := a2.edge.Weight
			if w <= 0 {
				w = 0.01
			}
			nd := cur.cost + 1/w
			old, seen := dist[a2.to]
			if !seen {
				old = inf
			}
			if nd < old {
				dist[a2.to] = nd
				hops[a2.to] = hops[cur.id] + 1
				prevEdge[a2.to] = a2.edge
				prevNode[a2.to] = cur.id
				heap.Push(q, &pathItem{id: a2.to, cost: nd})
			}
		}
	}

	if _, ok := dist[b]; !ok {
		return nil, nil
	}

	var rev []*PathHop
	total := 0.0
	for at := b; at != a; at = prevNode[at] {
		e := prevEdge[at]
		ent := entities[at]
		if ent == nil {
			ent, err = s.GetEntity(ctx, tx, at)
			if err != nil {
				return nil, err
			}
		}
		rev = append(rev, &PathHop{Edge: e, Entity: ent})
		total += e.Weight
	}
	path := &Path{Start: startEnt, TotalWeight: total, Hops: make([]*PathHop, len(rev))}
	for i := range rev {
		path.Hops[i] = rev[len(rev)-1-i]
	}
	return path, nil
}

// Pattern question shapes. Each maps a natural-language template onto a
// (relation, entity type) filter over edge targets.
var (
	patternWhatLike = regexp.MustCompile(`^what\s+([a-z_ ]+?)s?\s+do\s+i\s+([a-z_]+)\??$`)
	patternWhereDo  = regexp.MustCompile(`^where\s+do\s+i\s+([a-z_]+)\??$`)
	patternWhoWith  = regexp.MustCompile(`^who\s+do\s+i\s+([a-z_]+)\s+with\??$`)
)

// PatternResult is one entity matched by QueryPattern with the edge that
// justified it.
type PatternResult struct {
	Entity   *Entity `json:"entity"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// QueryPattern answers template questions against the graph:
//
//	"what <type>s do I <relation>?"  -> targets of <relation> edges of that type
//	"where do I <relation>?"         -> place targets of <relation> edges
//	"who do I <relation> with?"      -> person targets of <relation> edges
//
// Unknown shapes return ErrPattern so callers can fall back to search.
func (s *Store) QueryPattern(ctx context.Context, tx pgx.Tx, pattern string, limit int) ([]*PatternResult, error) {
	if limit <= 0 {
		limit = 20
	}
	p := strings.ToLower(strings.TrimSpace(pattern))

	var typ, relation string
	switch {
	case patternWhatLike.MatchString(p):
		m := patternWhatLike.FindStringSubmatch(p)
		typ, relation = strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_"), m[2]
	case patternWhereDo.MatchString(p):
		m := patternWhereDo.FindStringSubmatch(p)
		typ, relation = "place", m[1]
	case patternWhoWith.MatchString(p):
		m := patternWhoWith.FindStringSubmatch(p)
		typ, relation = "person", m[1]
	default:
		return nil, fmt.Errorf("%w: %q", ErrPattern, pattern)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+prefixedEntityColumns("n")+`, e.relation, e.weight
		FROM edges e
		JOIN entities n ON n.id = e.target_id AND n.deleted_at IS NULL
		JOIN entities src ON src.id = e.source_id AND src.deleted_at IS NULL
		WHERE e.deleted_at IS NULL
		  AND e.relation = $1
		  AND ($2 = '' OR n.entity_type = $2)
		ORDER BY e.weight DESC, n.confidence DESC
		LIMIT $3`, relation, typ, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatternResult
	for rows.Next() {
		n := &Entity{}
		var rawProps []byte
		r := &PatternResult{}
		if err := rows.Scan(&n.ID, &n.Type, &n.Name, &rawProps, &n.Confidence,
			&n.MentionCount, &n.MetaRef, &n.FirstSeen, &n.LastSeen,
			&r.Relation, &r.Weight); err != nil {
			return nil, err
		}
		if err := decodeJSONInto(rawProps, &n.Properties); err != nil {
			return nil, err
		}
		r.Entity = n
		out = append(out, r)
	}
	return out, rows.Err()
}
