package mcpbridge_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mnemohq/mnemo/internal/mcpbridge"
)

// fakeRemote answers RPC calls from a canned map keyed by method.
type fakeRemote struct {
	responses map[string]json.RawMessage
	err       error
}

func (f *fakeRemote) RPC(_ context.Context, message json.RawMessage) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(message, &req); err != nil {
		return nil, err
	}
	return f.responses[req.Method], nil
}

func serveLines(t *testing.T, remote mcpbridge.RPCClient, input string, want int) []string {
	t.Helper()
	var out bytes.Buffer
	p := mcpbridge.NewProxy(&out, remote, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Serve(ctx, strings.NewReader(input)); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	// tools/call responses are written from goroutines; wait for output to
	// settle before reading it.
	deadline := time.Now().Add(2 * time.Second)
	for want > 0 && time.Now().Before(deadline) {
		if strings.Count(out.String(), "\n") >= want {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}

func TestProxyForwardsInitialize(t *testing.T) {
	remote := &fakeRemote{responses: map[string]json.RawMessage{
		"initialize": json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}`),
	}}
	lines := serveLines(t, remote, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n", 1)

	if len(lines) != 1 {
		t.Fatalf("got %d responses, want 1", len(lines))
	}
	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", resp.Result.ProtocolVersion)
	}
}

func TestProxyAnswersPingLocally(t *testing.T) {
	remote := &fakeRemote{err: errors.New("server is down")}
	lines := serveLines(t, remote, `{"jsonrpc":"2.0","id":7,"method":"ping"}`+"\n", 1)

	if len(lines) != 1 {
		t.Fatalf("got %d responses, want 1", len(lines))
	}
	var resp struct {
		ID    int             `json:"id"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 7 || len(resp.Error) != 0 {
		t.Errorf("ping answered remotely or failed: %s", lines[0])
	}
}

func TestProxyUnreachableServerBecomesRPCError(t *testing.T) {
	remote := &fakeRemote{err: errors.New("connection refused")}
	lines := serveLines(t, remote, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`+"\n", 1)

	if len(lines) != 1 {
		t.Fatalf("got %d responses, want 1", len(lines))
	}
	var resp struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32603 {
		t.Fatalf("expected -32603 error, got %s", lines[0])
	}
	if !strings.Contains(resp.Error.Message, "unreachable") {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestProxySkipsNotifications(t *testing.T) {
	remote := &fakeRemote{responses: map[string]json.RawMessage{}}
	lines := serveLines(t, remote, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n", 0)
	if len(lines) != 0 {
		t.Fatalf("notification produced %d responses: %v", len(lines), lines)
	}
}

func TestProxyMalformedLine(t *testing.T) {
	remote := &fakeRemote{responses: map[string]json.RawMessage{}}
	lines := serveLines(t, remote, "{not json\n", 1)

	if len(lines) != 1 {
		t.Fatalf("got %d responses, want 1", len(lines))
	}
	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected parse error, got %s", lines[0])
	}
}
