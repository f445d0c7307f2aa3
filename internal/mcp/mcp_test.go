package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/internal/tools"
)

type fakeRunner struct {
	lastName string
	lastArgs map[string]any
	result   any
	err      error
	calls    int
}

func (f *fakeRunner) Call(_ context.Context, _ tools.Caller, name string, args map[string]any) (any, error) {
	f.calls++
	f.lastName = name
	f.lastArgs = args
	if f.err != nil {
		return nil, f.err
	}
	if name == "memorize" || name == "recall" || name == "review" {
		return f.result, nil
	}
	return nil, tools.ErrUnknownTool
}

func newTestDispatcher(runner *fakeRunner, legacy bool) *Dispatcher {
	return New(Deps{
		Runner:      runner,
		Name:        "mnemo",
		Version:     "test",
		LegacyTools: legacy,
	})
}

func handle(t *testing.T, d *Dispatcher, raw string) *Response {
	t.Helper()
	caller := tools.Caller{UserID: uuid.New(), AgentID: "scheduler"}
	return d.Handle(context.Background(), caller, []byte(raw))
}

func TestHandleParseError(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	resp := handle(t, d, `{not json`)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != CodeParseError {
		t.Fatalf("code = %d, want %d", resp.Error.Code, CodeParseError)
	}
}

func TestHandleMethodNotFound(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHandleNotificationIsSilent(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	if resp := handle(t, d, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); resp != nil {
		t.Fatalf("notification answered: %+v", resp)
	}
}

func TestHandleInitialize(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if result["protocolVersion"] != ProtocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "mnemo" || info["version"] != "test" {
		t.Fatalf("serverInfo = %v", info)
	}
	caps, _ := result["capabilities"].(map[string]any)
	if _, ok := caps["tools"]; !ok {
		t.Fatal("capabilities must advertise tools")
	}
}

func TestHandleToolsList(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)
	result, _ := resp.Result.(map[string]any)
	defs, _ := result["tools"].([]tools.Definition)
	if len(defs) != 3 {
		t.Fatalf("got %d tools", len(defs))
	}
}

func TestToolsCallSuccess(t *testing.T) {
	runner := &fakeRunner{result: &tools.ReviewResult{Action: "list", Items: []*tools.ReviewItemView{}}}
	d := newTestDispatcher(runner, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"review","arguments":{"action":"list"}}}`)
	if resp.Error != nil {
		t.Fatalf("protocol error: %+v", resp.Error)
	}
	call, ok := resp.Result.(*tools.CallResult)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if call.IsError {
		t.Fatalf("unexpected tool error: %+v", call.Content)
	}
	if runner.lastName != "review" || runner.lastArgs["action"] != "list" {
		t.Fatalf("dispatched %q with %v", runner.lastName, runner.lastArgs)
	}
}

func TestToolsCallUnknownToolFoldsInBand(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"save_memory","arguments":{"text":"hi"}}}`)
	if resp.Error != nil {
		t.Fatal("unknown tool must not be a protocol error")
	}
	call := resp.Result.(*tools.CallResult)
	if !call.IsError {
		t.Fatal("unknown tool must set isError")
	}
	if !strings.HasPrefix(call.Content[0].Text, "UNKNOWN_TOOL") {
		t.Fatalf("text = %q", call.Content[0].Text)
	}
}

func TestToolsCallLegacyTranslation(t *testing.T) {
	runner := &fakeRunner{result: &tools.MemorizeResult{Success: true, Category: "memory"}}
	d := newTestDispatcher(runner, true)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"save_memory","arguments":{"content":"likes jazz"}}}`)
	call := resp.Result.(*tools.CallResult)
	if call.IsError {
		t.Fatalf("translated call failed: %+v", call.Content)
	}
	if runner.lastName != "memorize" {
		t.Fatalf("dispatched %q, want memorize", runner.lastName)
	}
	if runner.lastArgs["text"] != "likes jazz" {
		t.Fatalf("args = %v", runner.lastArgs)
	}
}

func TestToolsCallDomainErrorFolds(t *testing.T) {
	runner := &fakeRunner{err: errors.New("connection reset")}
	d := newTestDispatcher(runner, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"recall","arguments":{}}}`)
	call := resp.Result.(*tools.CallResult)
	if !call.IsError {
		t.Fatal("runner error must fold into isError")
	}
	if strings.Contains(call.Content[0].Text, "connection reset") {
		t.Fatalf("internal detail leaked: %q", call.Content[0].Text)
	}
}

func TestToolsCallInvalidParams(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{}, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"arguments":{}}}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestResponseSerializesCleanly(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{result: &tools.MemorizeResult{Success: true}}, false)
	resp := handle(t, d, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"memorize","arguments":{"text":"x"}}}`)
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Result  struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StructuredContent map[string]any `json:"structuredContent"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if decoded.JSONRPC != "2.0" || decoded.ID != 9 {
		t.Fatalf("envelope = %s", raw)
	}
	if len(decoded.Result.Content) != 1 || decoded.Result.Content[0].Type != "text" {
		t.Fatalf("content = %s", raw)
	}
	if decoded.Result.StructuredContent["success"] != true {
		t.Fatalf("structuredContent = %s", raw)
	}
}
