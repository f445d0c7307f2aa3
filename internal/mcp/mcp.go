// Package mcp implements the JSON-RPC 2.0 dispatch for the Model Context
// Protocol surface. It is transport-agnostic: the HTTP layer hands it an
// authenticated caller and a raw message, the stdio bridge does the same
// over a pipe. Protocol failures (unparseable JSON, unknown methods) become
// JSON-RPC errors; tool failures ride inside the call result with isError
// set, so hosts show them to the model instead of dropping the turn.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/audit"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/tools"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an inbound JSON-RPC 2.0 message. A nil ID marks a
// notification, which gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the protocol-level failure shape.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolRunner is the slice of the tool facade the dispatcher needs.
type ToolRunner interface {
	Call(ctx context.Context, caller tools.Caller, name string, args map[string]any) (any, error)
}

// Deps wires the dispatcher. Tenants and Audit may be nil, which disables
// the per-call audit trail (the stdio bridge runs client-side and has no
// database).
type Deps struct {
	Runner      ToolRunner
	Tenants     *tenant.Manager
	Audit       *audit.Log
	Logger      *zap.Logger
	Name        string
	Version     string
	LegacyTools bool
}

// Dispatcher answers MCP messages for one server identity.
type Dispatcher struct {
	d Deps
}

// New returns a Dispatcher. Name defaults to "mnemo".
func New(d Deps) *Dispatcher {
	if d.Name == "" {
		d.Name = "mnemo"
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Dispatcher{d: d}
}

// Handle answers one raw JSON-RPC message. A nil return means the message
// was a notification and needs no reply.
func (s *Dispatcher) Handle(ctx context.Context, caller tools.Caller, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(json.RawMessage("null"), CodeParseError, "parse error")
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "unsupported jsonrpc version")
	}
	if len(req.ID) == 0 || string(req.ID) == "null" {
		// Notification. notifications/initialized is the only one hosts
		// send today; all are fire-and-forget.
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": tools.Definitions()}}
	case "tools/call":
		return s.handleToolsCall(ctx, caller, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Dispatcher) handleInitialize(req Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.d.Name, "version": s.d.Version},
		},
	}
}

func (s *Dispatcher) handleToolsCall(ctx context.Context, caller tools.Caller, req Request) *Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params: need name and arguments")
	}

	name, args := params.Name, params.Arguments
	translated := false
	if s.d.LegacyTools && !isFacadeTool(name) {
		if n, a, ok := tools.TranslateLegacy(name, args); ok {
			name, args, translated = n, a, true
		}
	}

	start := time.Now()
	result, err := s.d.Runner.Call(ctx, caller, name, args)

	var call *tools.CallResult
	if err != nil {
		call = tools.Fold(err)
	} else {
		call = tools.Structured(result)
	}

	s.d.Logger.Info("tool call",
		zap.String("tool", params.Name),
		zap.String("dispatched", name),
		zap.Bool("translated", translated),
		zap.String("agent", caller.AgentID),
		zap.Bool("is_error", call.IsError),
		zap.Duration("elapsed", time.Since(start)),
	)
	s.auditCall(ctx, caller, params.Name, name, call.IsError)

	return &Response{JSONRPC: "2.0", ID: req.ID, Result: call}
}

// auditCall appends the tool invocation to the tenant's activity log. The
// writes a tool performs are audited inside the pipeline; this row records
// that the call happened at all, reads included. Audit failures are logged,
// never surfaced: the caller already has their answer.
func (s *Dispatcher) auditCall(ctx context.Context, caller tools.Caller, requested, dispatched string, isError bool) {
	if s.d.Tenants == nil || s.d.Audit == nil {
		return
	}
	actor := "owner"
	if caller.AgentID != "" {
		actor = "agent:" + caller.AgentID
	}
	detail := map[string]any{"is_error": isError}
	if requested != dispatched {
		detail["requested_as"] = requested
	}
	err := s.d.Tenants.WithTenant(ctx, caller.UserID, func(ctx context.Context, tx pgx.Tx) error {
		return s.d.Audit.Append(ctx, tx, actor, caller.AgentID, "tool.call", dispatched, detail)
	})
	if err != nil {
		s.d.Logger.Warn("tool call audit failed", zap.String("tool", dispatched), zap.Error(err))
	}
}

func isFacadeTool(name string) bool {
	return name == "memorize" || name == "recall" || name == "review"
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}
