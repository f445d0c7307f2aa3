// Package tools implements the three-verb agent facade: memorize, recall,
// review. Every write funnels through the ingest pipeline; every read is
// consent-gated per resource, so two agents calling the same tool can see
// different slices of the same tenant. Transports (MCP dispatcher, REST
// shim, stdio bridge) decode arguments, call Service, and render the
// result; they never touch the stores directly.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/audit"
	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/embedding"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/ingest"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/vectors"
)

var (
	// ErrUnknownTool is returned for names outside the facade. Transports
	// must fold it into the call result, not a protocol-level error.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs is returned when arguments fail to decode or a
	// required field is missing.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Caller identifies who is invoking a tool. An empty AgentID means the
// owner, who bypasses consent.
type Caller struct {
	UserID  uuid.UUID
	AgentID string
}

func (c Caller) request() ingest.Request {
	return ingest.Request{TenantID: c.UserID, AgentID: c.AgentID}
}

func (c Caller) actor() string {
	if c.AgentID != "" {
		return "agent:" + c.AgentID
	}
	return "owner"
}

// Deps bundles what the facade needs: the write pipeline plus read access
// to every store recall fans out over.
type Deps struct {
	Tenants  *tenant.Manager
	Pipeline *ingest.Pipeline
	Consent  *consent.Store
	Profiles *profile.Store
	Tables   *tables.Store
	Vectors  *vectors.Store
	Graph    *graph.Store
	Ledger   *ledger.Store
	Audit    *audit.Log
	Embedder embedding.Provider
	Logger   *zap.Logger
}

// Service dispatches facade tools. Safe for concurrent use.
type Service struct {
	d Deps
}

// New returns a Service over the given stores.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{d: d}
}

// Call runs the named tool with JSON-decoded arguments and returns its
// structured result. Domain failures come back as errors; use Code to map
// them to the wire taxonomy.
func (s *Service) Call(ctx context.Context, caller Caller, name string, args map[string]any) (any, error) {
	switch name {
	case "memorize":
		var a MemorizeArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.Memorize(ctx, caller, a)
	case "recall":
		var a RecallArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.Recall(ctx, caller, a)
	case "review":
		var a ReviewArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return s.Review(ctx, caller, a)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

// Expensive reports whether a call counts against the expensive-operation
// budget rather than the general tool budget. Knowledge recall fans out to
// vector and graph search; everything else is cheap.
func Expensive(name string, args map[string]any) bool {
	if name != "recall" {
		return false
	}
	mode, _ := args["mode"].(string)
	topic, _ := args["topic"].(string)
	return mode == ModeKnowledge || (mode == "" && topic != "")
}

// allowed reports whether the caller may read the resource. Owners pass
// unconditionally.
func (s *Service) allowed(ctx context.Context, tx pgx.Tx, caller Caller, resource string) (bool, error) {
	if caller.AgentID == "" {
		return true, nil
	}
	dec, err := s.d.Consent.Check(ctx, tx, caller.AgentID, resource, consent.PermRead)
	if err != nil {
		return false, err
	}
	return dec.Allowed, nil
}

// recordAccess bumps the ledger access counter for the metas backing
// returned facts. Unregistered rows are skipped, not errors.
func (s *Service) recordAccess(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.d.Ledger.RecordAccess(ctx, tx, id); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			return fmt.Errorf("record access: %w", err)
		}
	}
	return nil
}

// decodeArgs round-trips the raw argument map through JSON into the typed
// argument struct, so transports can stay schema-agnostic.
func decodeArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}

// Annotations carries the MCP behavior hints for one tool.
type Annotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint"`
	DestructiveHint bool `json:"destructiveHint"`
}

// Definition describes one tool for tools/list.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Annotations Annotations    `json:"annotations"`
}

// Definitions returns the facade's tool list in a stable order.
func Definitions() []Definition {
	return []Definition{
		{
			Name: "memorize",
			Description: "Store a fact about the user. Routes by category: " +
				"'profile' patches the identity document, a table name adds a row, " +
				"anything else (or no category) saves a free-text memory.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The fact in plain language.",
					},
					"category": map[string]any{
						"type":        "string",
						"description": "Optional routing hint: 'profile', 'memory', or a table name.",
					},
					"data": map[string]any{
						"type":                 "object",
						"description":          "Structured fields: the profile patch, the table row, or memory metadata.",
						"additionalProperties": true,
					},
				},
				"required": []string{"text"},
			},
			Annotations: Annotations{ReadOnlyHint: false, DestructiveHint: false},
		},
		{
			Name: "recall",
			Description: "Retrieve what is known about the user. No arguments returns a " +
				"context bundle (profile, tables, entities, recent memories). A topic " +
				"searches memories, the knowledge graph and tables, and reports coverage. " +
				"mode 'table' lists tables or pages one table's records.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic": map[string]any{
						"type":        "string",
						"description": "What to look up. Empty means the full context bundle.",
					},
					"mode": map[string]any{
						"type":        "string",
						"enum":        []string{ModeContext, ModeKnowledge, ModeTable},
						"description": "Force a retrieval mode instead of inferring it from topic.",
					},
					"table": map[string]any{
						"type":        "string",
						"description": "Table to page through in table mode.",
					},
					"budget": map[string]any{
						"type":        "integer",
						"description": "Maximum facts or rows to return (default 10, cap 50).",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "Row offset in table mode.",
					},
				},
			},
			Annotations: Annotations{ReadOnlyHint: true, DestructiveHint: false},
		},
		{
			Name: "review",
			Description: "List memories waiting for review (contradictions, low-trust " +
				"writes) or resolve one with confirm, reject, or keep_both.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"enum":        []string{"list", "resolve"},
						"description": "What to do; defaults to list.",
					},
					"metaId": map[string]any{
						"type":        "string",
						"description": "Ledger id of the item to resolve.",
					},
					"resolution": map[string]any{
						"type":        "string",
						"enum":        []string{"confirm", "reject", "keep_both"},
						"description": "How to settle the item.",
					},
				},
			},
			Annotations: Annotations{ReadOnlyHint: false, DestructiveHint: false},
		},
	}
}
