package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/graph"
)

// graphRead wraps the consent check and tenant transaction every graph
// read shares.
func (a *API) graphRead(c *gin.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	p, _ := principalFrom(c)
	return a.d.Tenants.WithTenant(c.Request.Context(), p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if err := a.checkConsent(ctx, tx, p.AgentID, "graph", consent.PermRead); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func (a *API) handleEntitiesList(c *gin.Context) {
	limit, offset := pageParams(c, 50, 200)
	filter := graph.EntityFilter{
		Type:   c.Query("type"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := c.Query("stableConfidenceMin"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinConfidence = f
		}
	}
	// stableMode narrows the listing to facts sturdy enough for prompt
	// context: confident entities only.
	if c.Query("stableMode") == "true" && filter.MinConfidence == 0 {
		filter.MinConfidence = 0.5
	}

	edgeLimit := 0
	if raw := c.Query("edgeLimit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			edgeLimit = n
		}
	}
	if edgeLimit > 25 {
		edgeLimit = 25
	}

	var (
		entities []*graph.Entity
		expanded []gin.H
	)
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		entities, err = a.d.Graph.ListEntities(ctx, tx, filter)
		if err != nil || edgeLimit == 0 {
			return err
		}
		for _, e := range entities {
			ns, err := a.d.Graph.Neighbors(ctx, tx, e.ID, graph.DirBoth, "", 0, edgeLimit)
			if err != nil {
				return err
			}
			expanded = append(expanded, gin.H{"entity": e, "neighbors": ns})
		}
		return nil
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	if edgeLimit > 0 {
		respond(c, http.StatusOK, expanded, gin.H{"count": len(expanded), "limit": limit, "offset": offset})
		return
	}
	respond(c, http.StatusOK, entities, gin.H{"count": len(entities), "limit": limit, "offset": offset})
}

func (a *API) handleEntityGet(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	var entity *graph.Entity
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		entity, err = a.d.Graph.GetEntity(ctx, tx, id)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, entity, nil)
}

func (a *API) handleNeighbors(c *gin.Context) {
	id, ok := entityID(c)
	if !ok {
		return
	}
	dir := graph.Direction(c.DefaultQuery("direction", string(graph.DirBoth)))
	limit, _ := pageParams(c, 50, 200)

	var neighbors []*graph.Neighbor
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		neighbors, err = a.d.Graph.Neighbors(ctx, tx, id, dir, c.Query("relation"), 0, limit)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, neighbors, gin.H{"count": len(neighbors)})
}

type traverseRequest struct {
	StartID          string  `json:"startId" binding:"required,uuid"`
	MaxDepth         int     `json:"maxDepth"`
	RelationFilter   string  `json:"relationFilter"`
	EntityTypeFilter string  `json:"entityTypeFilter"`
	ConfidenceMin    float64 `json:"confidenceMin"`
	Limit            int     `json:"limit"`
}

func (a *API) handleTraverse(c *gin.Context) {
	var req traverseRequest
	if !bindJSON(c, &req) {
		return
	}
	start := uuid.MustParse(req.StartID)

	var result *graph.TraverseResult
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		result, err = a.d.Graph.Traverse(ctx, tx, start, graph.TraverseOptions{
			MaxDepth:      req.MaxDepth,
			Relation:      req.RelationFilter,
			EntityType:    req.EntityTypeFilter,
			MinConfidence: req.ConfidenceMin,
			Limit:         req.Limit,
		})
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, result, gin.H{"nodes": len(result.Nodes), "edges": len(result.Edges)})
}

type graphQueryRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Relation string `json:"relation"`
	Limit    int    `json:"limit"`
}

// handleGraphQuery is the structured lookup: exactly one of name, type or
// relation picks the query shape.
func (a *API) handleGraphQuery(c *gin.Context) {
	var req graphQueryRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 25
	}
	if req.Limit > 200 {
		req.Limit = 200
	}

	var data any
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		switch {
		case req.Name != "":
			data, err = a.d.Graph.FindByName(ctx, tx, req.Name, req.Type, req.Limit)
		case req.Type != "":
			data, err = a.d.Graph.ListEntities(ctx, tx, graph.EntityFilter{Type: req.Type, Limit: req.Limit})
		case req.Relation != "":
			data, err = a.d.Graph.ListEdges(ctx, tx, req.Relation, req.Limit, 0)
		default:
			data, err = a.d.Graph.ListEntities(ctx, tx, graph.EntityFilter{Limit: req.Limit})
		}
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, data, nil)
}

type graphPatternRequest struct {
	Pattern string `json:"pattern" binding:"required"`
	Limit   int    `json:"limit"`
}

func (a *API) handleGraphPattern(c *gin.Context) {
	var req graphPatternRequest
	if !bindJSON(c, &req) {
		return
	}
	var results []*graph.PatternResult
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		results, err = a.d.Graph.QueryPattern(ctx, tx, req.Pattern, req.Limit)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, results, gin.H{"pattern": req.Pattern, "count": len(results)})
}

func (a *API) handleGraphPath(c *gin.Context) {
	from, err1 := uuid.Parse(c.Query("from"))
	to, err2 := uuid.Parse(c.Query("to"))
	if err1 != nil || err2 != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "from and to must be entity UUIDs")
		return
	}
	maxDepth := 0
	if raw := c.Query("maxDepth"); raw != "" {
		maxDepth, _ = strconv.Atoi(raw)
	}

	var path *graph.Path
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		path, err = a.d.Graph.PathBetween(ctx, tx, from, to, maxDepth)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	// No path is an answer, not an error.
	respond(c, http.StatusOK, path, gin.H{"found": path != nil})
}

func (a *API) handleGraphStats(c *gin.Context) {
	var stats *graph.Stats
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		stats, err = a.d.Graph.Stats(ctx, tx)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, stats, nil)
}

func (a *API) handleGraphCentrality(c *gin.Context) {
	n := 10
	if raw := c.Query("top"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
			n = v
		}
	}
	withBetweenness := c.Query("betweenness") == "true"

	if raw := c.Query("entity"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "BAD_REQUEST", "entity must be a UUID")
			return
		}
		var cent *graph.Centrality
		err = a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			cent, err = a.d.Graph.EntityCentrality(ctx, tx, id)
			return err
		})
		if err != nil {
			a.failErr(c, err)
			return
		}
		respond(c, http.StatusOK, cent, nil)
		return
	}

	var top []*graph.Centrality
	err := a.graphRead(c, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		top, err = a.d.Graph.CentralityTop(ctx, tx, n, withBetweenness)
		return err
	})
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, top, gin.H{"top": n, "betweenness": withBetweenness})
}

func entityID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "entity id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
