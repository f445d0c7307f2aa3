package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// Recall modes. Empty mode is inferred: a topic means knowledge search,
// no topic means the context bundle.
const (
	ModeContext   = "context"
	ModeKnowledge = "knowledge"
	ModeTable     = "table"
)

const (
	defaultBudget = 10
	maxBudget     = 50

	// contextTables and contextSampleRows bound the context bundle so it
	// stays prompt-sized regardless of tenant growth.
	contextTables     = 5
	contextSampleRows = 3
	contextEntities   = 10

	// searchCollections caps the vector fan-out in knowledge mode.
	searchCollections = 5
	// minSimilarity floors semantic hits; below this the match is noise.
	minSimilarity = 0.25

	embedTimeout = 10 * time.Second
)

// RecallArgs is the input for the recall tool.
type RecallArgs struct {
	Topic  string `json:"topic,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Table  string `json:"table,omitempty"`
	Budget int    `json:"budget,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

func (a *RecallArgs) normalize() {
	a.Topic = strings.TrimSpace(a.Topic)
	a.Table = strings.TrimSpace(a.Table)
	if a.Mode == "" {
		if a.Topic != "" {
			a.Mode = ModeKnowledge
		} else {
			a.Mode = ModeContext
		}
	}
	if a.Budget <= 0 {
		a.Budget = defaultBudget
	}
	if a.Budget > maxBudget {
		a.Budget = maxBudget
	}
	if a.Offset < 0 {
		a.Offset = 0
	}
}

// RecallResult carries exactly one of the three bundles, named by Mode.
type RecallResult struct {
	Mode      string           `json:"mode"`
	Context   *ContextBundle   `json:"context,omitempty"`
	Knowledge *KnowledgeBundle `json:"knowledge,omitempty"`
	Table     *TableBundle     `json:"table,omitempty"`
}

// ContextBundle is the session-start digest: who the user is, what data
// exists, and what happened recently. Withheld names sections the caller's
// consent grants do not cover.
type ContextBundle struct {
	Profile  map[string]any  `json:"profile,omitempty"`
	Tables   []*TableSample  `json:"tables,omitempty"`
	Entities []*EntityDigest `json:"entities,omitempty"`
	Memories []*MemoryDigest `json:"memories,omitempty"`
	Withheld []string        `json:"withheld,omitempty"`
}

// TableSample is a table's shape plus a few recent rows.
type TableSample struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	RecordCount int64            `json:"recordCount"`
	Sample      []map[string]any `json:"sample,omitempty"`
}

// EntityDigest is a graph entity trimmed for prompt use.
type EntityDigest struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	Mentions   int64   `json:"mentions"`
	Confidence float64 `json:"confidence"`
}

// MemoryDigest is a stored memory trimmed for prompt use.
type MemoryDigest struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	Similarity float64   `json:"similarity,omitempty"`
}

// KnowledgeBundle is a topic search across memories, the graph and tables,
// with an honest account of which sources actually answered.
type KnowledgeBundle struct {
	Topic    string           `json:"topic"`
	Facts    []*Fact          `json:"facts"`
	Coverage *CoverageDetails `json:"coverageDetails"`
}

// Fact is one retrieved statement with its provenance.
type Fact struct {
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Ref        string  `json:"ref,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// CoverageDetails reports how much of the planned fan-out ran. Score is the
// queried share of planned sources, halved when nothing came back, so the
// caller can tell "no data" from "no access".
type CoverageDetails struct {
	Score          float64  `json:"score"`
	PlannedSources []string `json:"plannedSources"`
	QueriedSources []string `json:"queriedSources"`
	MissingSources []string `json:"missingSources,omitempty"`
}

// TableBundle is the table-mode result: the catalog when no table is named,
// otherwise one table's schema and a page of rows.
type TableBundle struct {
	Tables  []*tables.Table  `json:"tables,omitempty"`
	Name    string           `json:"name,omitempty"`
	Columns []tables.Column  `json:"columns,omitempty"`
	Records []map[string]any `json:"records,omitempty"`
	Count   int              `json:"count"`
	Offset  int              `json:"offset,omitempty"`
}

// Knowledge fan-out source names.
const (
	sourceVectors = "vectors"
	sourceGraph   = "graph"
	sourceTables  = "tables"
)

// Recall answers the read side of the facade.
func (s *Service) Recall(ctx context.Context, caller Caller, a RecallArgs) (*RecallResult, error) {
	a.normalize()
	switch a.Mode {
	case ModeContext:
		return s.recallContext(ctx, caller, a)
	case ModeKnowledge:
		if a.Topic == "" {
			return nil, fmt.Errorf("%w: knowledge recall needs a topic", ErrInvalidArgs)
		}
		return s.recallKnowledge(ctx, caller, a)
	case ModeTable:
		return s.recallTable(ctx, caller, a)
	default:
		return nil, fmt.Errorf("%w: unknown recall mode %q", ErrInvalidArgs, a.Mode)
	}
}

// ── Context mode ──

func (s *Service) recallContext(ctx context.Context, caller Caller, a RecallArgs) (*RecallResult, error) {
	bundle := &ContextBundle{}
	var accessed []uuid.UUID

	err := s.d.Tenants.WithTenant(ctx, caller.UserID, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := s.allowed(ctx, tx, caller, "profile")
		if err != nil {
			return err
		}
		if ok {
			v, err := s.d.Profiles.Current(ctx, tx)
			switch {
			case err == nil:
				bundle.Profile = v.Doc
				if m, err := s.d.Ledger.GetBySource(ctx, tx, ledger.SourceProfile, v.Ref()); err == nil {
					accessed = append(accessed, m.ID)
				}
			case errors.Is(err, profile.ErrVersionNotFound):
				// A never-written profile is an empty context, not a failure.
				bundle.Profile = map[string]any{}
			default:
				return err
			}
		} else {
			bundle.Withheld = append(bundle.Withheld, "profile")
		}

		samples, metas, withheld, err := s.contextTables(ctx, tx, caller)
		if err != nil {
			return err
		}
		bundle.Tables = samples
		accessed = append(accessed, metas...)
		if withheld {
			bundle.Withheld = append(bundle.Withheld, "tables")
		}

		ok, err = s.allowed(ctx, tx, caller, "graph")
		if err != nil {
			return err
		}
		if ok {
			ents, err := s.d.Graph.ListEntities(ctx, tx, graph.EntityFilter{Limit: contextEntities})
			if err != nil {
				return err
			}
			for _, e := range ents {
				bundle.Entities = append(bundle.Entities, &EntityDigest{
					ID:         e.ID.String(),
					Type:       e.Type,
					Name:       e.Name,
					Mentions:   e.MentionCount,
					Confidence: e.Confidence,
				})
				if e.MetaRef != nil {
					accessed = append(accessed, *e.MetaRef)
				}
			}
		} else {
			bundle.Withheld = append(bundle.Withheld, "graph")
		}

		mems, metas, withheld, err := s.recentMemories(ctx, tx, caller, a.Budget)
		if err != nil {
			return err
		}
		bundle.Memories = mems
		accessed = append(accessed, metas...)
		if withheld {
			bundle.Withheld = append(bundle.Withheld, "memories")
		}

		return s.recordAccess(ctx, tx, accessed)
	})
	if err != nil {
		return nil, err
	}
	return &RecallResult{Mode: ModeContext, Context: bundle}, nil
}

// contextTables samples the first few readable tables. withheld is true
// when tables exist but consent covered none of them.
func (s *Service) contextTables(ctx context.Context, tx pgx.Tx, caller Caller) ([]*TableSample, []uuid.UUID, bool, error) {
	all, err := s.d.Tables.List(ctx, tx)
	if err != nil {
		return nil, nil, false, err
	}
	var (
		samples  []*TableSample
		accessed []uuid.UUID
		denied   int
	)
	for _, t := range all {
		if len(samples) == contextTables {
			break
		}
		ok, err := s.allowed(ctx, tx, caller, "tables/"+t.Name)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			denied++
			continue
		}
		recs, err := s.d.Tables.ListRecords(ctx, tx, t, contextSampleRows, 0)
		if err != nil {
			return nil, nil, false, err
		}
		sample := &TableSample{Name: t.Name, Description: t.Description, RecordCount: t.RecordCount}
		for _, r := range recs {
			sample.Sample = append(sample.Sample, recordMap(r))
			if r.MetaRef != nil {
				accessed = append(accessed, *r.MetaRef)
			}
		}
		samples = append(samples, sample)
	}
	return samples, accessed, denied > 0 && len(samples) == 0, nil
}

// recentMemories merges the newest rows across readable collections.
func (s *Service) recentMemories(ctx context.Context, tx pgx.Tx, caller Caller, budget int) ([]*MemoryDigest, []uuid.UUID, bool, error) {
	cols, err := s.d.Vectors.Collections(ctx, tx)
	if err != nil {
		return nil, nil, false, err
	}
	var (
		merged []*vectors.Memory
		denied int
		asked  int
	)
	for _, c := range cols {
		ok, err := s.allowed(ctx, tx, caller, "memories/"+c.Name)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			denied++
			continue
		}
		asked++
		rows, err := s.d.Vectors.List(ctx, tx, c.Name, budget, 0)
		if err != nil {
			return nil, nil, false, err
		}
		merged = append(merged, rows...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
	if len(merged) > budget {
		merged = merged[:budget]
	}
	var (
		out      []*MemoryDigest
		accessed []uuid.UUID
	)
	for _, m := range merged {
		out = append(out, &MemoryDigest{
			ID:         m.ID.String(),
			Collection: m.Collection,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
		})
		if m.MetaRef != nil {
			accessed = append(accessed, *m.MetaRef)
		}
	}
	return out, accessed, denied > 0 && asked == 0, nil
}

// ── Knowledge mode ──

func (s *Service) recallKnowledge(ctx context.Context, caller Caller, a RecallArgs) (*RecallResult, error) {
	// Embed before opening the transaction so the provider round trip never
	// holds a pooled connection. A failed embed degrades to keyword search.
	var embedded []float32
	if s.d.Embedder != nil && s.d.Embedder.Enabled() {
		ectx, cancel := context.WithTimeout(ctx, embedTimeout)
		vecs, err := s.d.Embedder.Embed(ectx, []string{a.Topic})
		cancel()
		if err != nil {
			s.d.Logger.Warn("recall embed failed, falling back to keyword search", zap.Error(err))
		} else if len(vecs) == 1 {
			embedded = vecs[0]
		}
	}

	planned := []string{sourceVectors, sourceGraph, sourceTables}
	bundle := &KnowledgeBundle{Topic: a.Topic, Facts: []*Fact{}}
	var (
		queried  []string
		accessed []uuid.UUID
	)

	err := s.d.Tenants.WithTenant(ctx, caller.UserID, func(ctx context.Context, tx pgx.Tx) error {
		facts, metas, ran, err := s.searchVectors(ctx, tx, caller, a.Topic, embedded, a.Budget)
		if err != nil {
			return err
		}
		bundle.Facts = append(bundle.Facts, facts...)
		accessed = append(accessed, metas...)
		if ran {
			queried = append(queried, sourceVectors)
		}

		facts, metas, ran, err = s.searchGraph(ctx, tx, caller, a.Topic)
		if err != nil {
			return err
		}
		bundle.Facts = append(bundle.Facts, facts...)
		accessed = append(accessed, metas...)
		if ran {
			queried = append(queried, sourceGraph)
		}

		facts, metas, ran, err = s.searchTables(ctx, tx, caller, a.Topic)
		if err != nil {
			return err
		}
		bundle.Facts = append(bundle.Facts, facts...)
		accessed = append(accessed, metas...)
		if ran {
			queried = append(queried, sourceTables)
		}

		if len(bundle.Facts) > a.Budget {
			bundle.Facts = bundle.Facts[:a.Budget]
		}
		return s.recordAccess(ctx, tx, accessed)
	})
	if err != nil {
		return nil, err
	}

	bundle.Coverage = coverage(planned, queried, len(bundle.Facts))
	return &RecallResult{Mode: ModeKnowledge, Knowledge: bundle}, nil
}

// searchVectors runs semantic or keyword search over readable collections.
// ran is false when consent covered no collection, which counts the source
// as missing rather than empty.
func (s *Service) searchVectors(ctx context.Context, tx pgx.Tx, caller Caller, topic string, embedded []float32, budget int) ([]*Fact, []uuid.UUID, bool, error) {
	cols, err := s.d.Vectors.Collections(ctx, tx)
	if err != nil {
		return nil, nil, false, err
	}
	var (
		facts    []*Fact
		accessed []uuid.UUID
		asked    int
	)
	for _, c := range cols {
		if asked == searchCollections || len(facts) >= budget {
			break
		}
		ok, err := s.allowed(ctx, tx, caller, "memories/"+c.Name)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			continue
		}
		asked++
		var hits []*vectors.Hit
		if embedded != nil {
			hits, err = s.d.Vectors.Search(ctx, tx, c.Name, embedded, budget, minSimilarity)
		} else {
			hits, err = s.d.Vectors.KeywordSearch(ctx, tx, c.Name, topic, budget)
		}
		if err != nil {
			return nil, nil, false, err
		}
		for _, h := range hits {
			facts = append(facts, &Fact{
				Text:       h.Memory.Content,
				Source:     sourceVectors,
				Ref:        h.Memory.Ref(),
				Similarity: h.Similarity,
			})
			if h.Memory.MetaRef != nil {
				accessed = append(accessed, *h.Memory.MetaRef)
			}
		}
	}
	// No collections at all still counts as queried: the source answered
	// "nothing stored", which is different from "not allowed to look".
	return facts, accessed, asked > 0 || len(cols) == 0, nil
}

// searchGraph resolves the topic to entities and walks one hop out.
func (s *Service) searchGraph(ctx context.Context, tx pgx.Tx, caller Caller, topic string) ([]*Fact, []uuid.UUID, bool, error) {
	ok, err := s.allowed(ctx, tx, caller, "graph")
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}
	ents, err := s.d.Graph.FindByName(ctx, tx, topic, "", 3)
	if err != nil {
		return nil, nil, false, err
	}
	var (
		facts    []*Fact
		accessed []uuid.UUID
	)
	for _, e := range ents {
		facts = append(facts, &Fact{
			Text:       fmt.Sprintf("%s is a known %s mentioned %d times", e.Name, e.Type, e.MentionCount),
			Source:     sourceGraph,
			Ref:        e.Ref(),
			Confidence: e.Confidence,
		})
		if e.MetaRef != nil {
			accessed = append(accessed, *e.MetaRef)
		}
		neighbors, err := s.d.Graph.Neighbors(ctx, tx, e.ID, graph.DirBoth, "", 0, 5)
		if err != nil {
			return nil, nil, false, err
		}
		for _, n := range neighbors {
			text := fmt.Sprintf("%s %s %s", e.Name, n.Edge.Relation, n.Entity.Name)
			if !n.Outgoing {
				text = fmt.Sprintf("%s %s %s", n.Entity.Name, n.Edge.Relation, e.Name)
			}
			facts = append(facts, &Fact{
				Text:       text,
				Source:     sourceGraph,
				Ref:        n.Edge.Ref(),
				Confidence: n.Edge.Confidence,
			})
			if n.Edge.MetaRef != nil {
				accessed = append(accessed, *n.Edge.MetaRef)
			}
		}
	}
	return facts, accessed, true, nil
}

// searchTables samples rows from tables whose name or description mentions
// the topic.
func (s *Service) searchTables(ctx context.Context, tx pgx.Tx, caller Caller, topic string) ([]*Fact, []uuid.UUID, bool, error) {
	all, err := s.d.Tables.List(ctx, tx)
	if err != nil {
		return nil, nil, false, err
	}
	var (
		facts    []*Fact
		accessed []uuid.UUID
		asked    int
		denied   int
	)
	needle := strings.ToLower(topic)
	for _, t := range all {
		if !strings.Contains(strings.ToLower(t.Name), needle) &&
			!strings.Contains(strings.ToLower(t.Description), needle) {
			continue
		}
		ok, err := s.allowed(ctx, tx, caller, "tables/"+t.Name)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			denied++
			continue
		}
		asked++
		recs, err := s.d.Tables.ListRecords(ctx, tx, t, contextSampleRows, 0)
		if err != nil {
			return nil, nil, false, err
		}
		for _, r := range recs {
			facts = append(facts, &Fact{
				Text:   fmt.Sprintf("%s row %d: %s", t.Name, r.ID, renderFields(r.Fields)),
				Source: sourceTables,
				Ref:    r.Ref(t.Name),
			})
			if r.MetaRef != nil {
				accessed = append(accessed, *r.MetaRef)
			}
		}
	}
	ran := asked > 0 || denied == 0
	return facts, accessed, ran, nil
}

// ── Table mode ──

func (s *Service) recallTable(ctx context.Context, caller Caller, a RecallArgs) (*RecallResult, error) {
	bundle := &TableBundle{}
	err := s.d.Tenants.WithTenant(ctx, caller.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if a.Table == "" {
			all, err := s.d.Tables.List(ctx, tx)
			if err != nil {
				return err
			}
			for _, t := range all {
				ok, err := s.allowed(ctx, tx, caller, "tables/"+t.Name)
				if err != nil {
					return err
				}
				if ok {
					bundle.Tables = append(bundle.Tables, t)
				}
			}
			bundle.Count = len(bundle.Tables)
			return nil
		}

		ok, err := s.allowed(ctx, tx, caller, "tables/"+a.Table)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("agent %s may not read tables/%s: %w", caller.AgentID, a.Table, consent.ErrDenied)
		}
		t, err := s.d.Tables.Get(ctx, tx, a.Table)
		if err != nil {
			return err
		}
		recs, err := s.d.Tables.ListRecords(ctx, tx, t, a.Budget, a.Offset)
		if err != nil {
			return err
		}
		bundle.Name = t.Name
		bundle.Columns = t.Columns
		bundle.Offset = a.Offset
		var accessed []uuid.UUID
		for _, r := range recs {
			bundle.Records = append(bundle.Records, recordMap(r))
			if r.MetaRef != nil {
				accessed = append(accessed, *r.MetaRef)
			}
		}
		bundle.Count = len(bundle.Records)
		return s.recordAccess(ctx, tx, accessed)
	})
	if err != nil {
		return nil, err
	}
	return &RecallResult{Mode: ModeTable, Table: bundle}, nil
}

// ── Helpers ──

// coverage scores the fan-out: the queried share of planned sources, halved
// when every queried source came back empty.
func coverage(planned, queried []string, facts int) *CoverageDetails {
	missing := make([]string, 0, len(planned))
	ran := make(map[string]bool, len(queried))
	for _, q := range queried {
		ran[q] = true
	}
	for _, p := range planned {
		if !ran[p] {
			missing = append(missing, p)
		}
	}
	score := 0.0
	if len(planned) > 0 {
		score = float64(len(queried)) / float64(len(planned))
		if facts == 0 && score > 0 {
			score /= 2
		}
	}
	return &CoverageDetails{
		Score:          math.Round(score*100) / 100,
		PlannedSources: planned,
		QueriedSources: queried,
		MissingSources: missing,
	}
}

// recordMap flattens a record for JSON output, folding the id into the
// field map.
func recordMap(r *tables.Record) map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["created_at"] = r.CreatedAt
	return out
}

// renderFields prints a field map as "k=v" pairs in key order.
func renderFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}
