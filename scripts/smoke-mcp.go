//go:build ignore

// smoke-mcp.go exercises a running mnemo server end to end: health probe,
// MCP handshake, a memorize/recall round trip and a review listing. It needs
// a live server and an API key; nothing here touches the database directly.
//
// Run with: go run scripts/smoke-mcp.go -server http://localhost:8080 -key mnm_...
// The key falls back to MNEMO_API_KEY when the flag is empty.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type step struct {
	name    string
	status  int
	latency time.Duration
	err     string
	snip    string // first 200 chars of the interesting part
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func snip(b []byte) string {
	s := strings.TrimSpace(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

func get(client *http.Client, url string) step {
	start := time.Now()
	resp, err := client.Get(url)
	latency := time.Since(start)
	if err != nil {
		return step{name: "GET " + url, err: err.Error(), latency: latency}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return step{name: "GET " + url, status: resp.StatusCode, snip: snip(body), latency: latency}
}

func rpc(client *http.Client, url, key string, id int, method string, params map[string]any) (step, json.RawMessage) {
	name := "MCP " + method
	if tool, ok := params["name"].(string); ok {
		name += " " + tool
	}

	payload, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return step{name: name, err: err.Error()}, nil
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return step{name: name, err: err.Error(), latency: latency}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	s := step{name: name, status: resp.StatusCode, latency: latency}

	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		s.err = "bad JSON-RPC envelope: " + snip(body)
		return s, nil
	}
	if rr.Error != nil {
		s.err = fmt.Sprintf("rpc %d: %s", rr.Error.Code, rr.Error.Message)
		return s, nil
	}
	s.snip = snip(rr.Result)
	return s, rr.Result
}

func main() {
	server := flag.String("server", "http://localhost:8080", "mnemo server base URL")
	key := flag.String("key", os.Getenv("MNEMO_API_KEY"), "agent API key (mnm_...)")
	flag.Parse()

	if *key == "" {
		fmt.Fprintln(os.Stderr, "no API key: pass -key or set MNEMO_API_KEY (seed prints one)")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	base := strings.TrimRight(*server, "/")
	mcpURL := base + "/mcp"

	var steps []step
	marker := fmt.Sprintf("smoke check at %s", time.Now().Format(time.RFC3339))

	// ── Health ────────────────────────────────────────────────────────────────
	steps = append(steps, get(client, base+"/healthz"))

	// ── Handshake ─────────────────────────────────────────────────────────────
	s, result := rpc(client, mcpURL, *key, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "smoke-mcp", "version": "0.1"},
	})
	steps = append(steps, s)

	s, result = rpc(client, mcpURL, *key, 2, "tools/list", nil)
	if s.err == "" {
		var listing struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		}
		if json.Unmarshal(result, &listing) == nil {
			names := make([]string, 0, len(listing.Tools))
			for _, tl := range listing.Tools {
				names = append(names, tl.Name)
			}
			s.snip = strings.Join(names, ", ")
		}
	}
	steps = append(steps, s)

	// ── Round trip ────────────────────────────────────────────────────────────
	s, _ = rpc(client, mcpURL, *key, 3, "tools/call", map[string]any{
		"name": "memorize",
		"arguments": map[string]any{
			"text": "Ran a " + marker,
			"data": map[string]any{"smoke": true},
		},
	})
	steps = append(steps, s)

	s, result = rpc(client, mcpURL, *key, 4, "tools/call", map[string]any{
		"name":      "recall",
		"arguments": map[string]any{"topic": "smoke check"},
	})
	if s.err == "" && !bytes.Contains(result, []byte("smoke")) {
		s.err = "recall result does not mention the memorized fact"
	}
	steps = append(steps, s)

	s, _ = rpc(client, mcpURL, *key, 5, "tools/call", map[string]any{
		"name":      "review",
		"arguments": map[string]any{"action": "list"},
	})
	steps = append(steps, s)

	// ── Report ────────────────────────────────────────────────────────────────
	fmt.Printf("══════════════════════════════════════════════════════\n")
	fmt.Printf("  mnemo smoke probe — %s\n", base)
	fmt.Printf("══════════════════════════════════════════════════════\n\n")

	failed := 0
	for _, st := range steps {
		mark := "✦"
		if st.err != "" {
			mark = "✗"
			failed++
		}
		fmt.Printf("  %s %-28s %4dms", mark, st.name, st.latency.Milliseconds())
		if st.status != 0 {
			fmt.Printf("  [%d]", st.status)
		}
		fmt.Println()
		if st.err != "" {
			fmt.Printf("      %s\n", st.err)
		} else if st.snip != "" {
			fmt.Printf("      %s\n", st.snip)
		}
	}

	fmt.Printf("\n  %d/%d steps passed\n", len(steps)-failed, len(steps))
	fmt.Println("══════════════════════════════════════════════════════")
	if failed > 0 {
		os.Exit(1)
	}
}
