// Package mcpbridge relays the Model Context Protocol between a local
// stdio host and a remote mnemo server.
//
// MCP hosts like Claude Desktop speak JSON-RPC 2.0 over stdio to local
// servers only. The bridge reads newline-delimited messages from stdin,
// forwards them to the server's /mcp endpoint with the agent's API key,
// and writes the responses back. The server stays authoritative for tool
// schemas, consent, and the quality ledger; the bridge adds no behavior
// of its own.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
)

// rpcRequest is the slice of an inbound message the bridge inspects. The
// full line is forwarded untouched.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // nil = notification
	Method  string          `json:"method"`
}

// rpcResponse is an outbound JSON-RPC 2.0 message the bridge synthesizes
// when it cannot reach the server.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError    = -32700
	codeInternalError = -32603
)

// RPCClient posts one raw JSON-RPC message to the server and returns the
// raw response body. memclient.Client satisfies it.
type RPCClient interface {
	RPC(ctx context.Context, message json.RawMessage) (json.RawMessage, error)
}

// Proxy is a stdio MCP endpoint backed by a remote server. It reads
// newline-delimited JSON-RPC 2.0 messages from the reader passed to Serve
// and writes responses to the writer passed to NewProxy.
type Proxy struct {
	remote RPCClient
	out    io.Writer
	outMu  sync.Mutex
	logger *log.Logger
}

// NewProxy creates a Proxy that writes responses to w.
// logger should write to stderr — writing to stdout would corrupt the
// protocol.
func NewProxy(w io.Writer, remote RPCClient, logger *log.Logger) *Proxy {
	return &Proxy{remote: remote, out: w, logger: logger}
}

// Serve reads JSON-RPC messages from r until EOF or ctx is cancelled.
// It blocks until the stream closes.
func (p *Proxy) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB max per message

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			p.writeError(json.RawMessage(`null`), codeParseError, "parse error")
			continue
		}

		// Ping answers locally: hosts probe liveness between calls and a
		// network round-trip would make an idle bridge look dead.
		if req.Method == "ping" && len(req.ID) > 0 {
			p.write(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
			continue
		}

		// Tool calls may be slow (consent checks, vector search), so run
		// them in goroutines while keeping protocol-level methods ordered.
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		if req.Method == "tools/call" {
			go p.forward(ctx, req, msg)
		} else {
			p.forward(ctx, req, msg)
		}
	}
	return scanner.Err()
}

// forward relays one message and writes whatever the server answered.
// Transport failures surface as a JSON-RPC internal error carrying the
// request id, so the host sees a failed call instead of a hung one.
func (p *Proxy) forward(ctx context.Context, req rpcRequest, msg json.RawMessage) {
	resp, err := p.remote.RPC(ctx, msg)
	if err != nil {
		p.logger.Printf("%s: %v", req.Method, err)
		if len(req.ID) > 0 {
			p.writeError(req.ID, codeInternalError, fmt.Sprintf("mnemo server unreachable: %v", err))
		}
		return
	}
	// Notifications produce no response body and need none written.
	if len(resp) == 0 {
		return
	}
	p.writeRaw(resp)
}

func (p *Proxy) write(resp rpcResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		p.logger.Printf("encode error: %v", err)
		return
	}
	p.writeRaw(raw)
}

// writeRaw emits one newline-terminated message. The mutex keeps
// concurrent tool-call responses from interleaving.
func (p *Proxy) writeRaw(raw []byte) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if _, err := p.out.Write(append(raw, '\n')); err != nil {
		p.logger.Printf("write error: %v", err)
	}
}

func (p *Proxy) writeError(id json.RawMessage, code int, msg string) {
	p.write(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	})
}
