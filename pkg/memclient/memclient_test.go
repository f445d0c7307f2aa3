package memclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnemohq/mnemo/pkg/memclient"
)

// ── Stub server ─────────────────────────────────────────────────────────

func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Password != "hunter2hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid email or password"},
			})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "mnemo_session", Value: "sess-token-1"})
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"user": map[string]any{
					"id":    "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
					"email": body.Email,
				},
			},
		})
	})

	mux.HandleFunc("/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sess-token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "authentication required"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"user": map[string]any{
					"id":    "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
					"email": "ada@example.com",
				},
			},
		})
	})

	mux.HandleFunc("/v1/consent/", func(w http.ResponseWriter, r *http.Request) {
		agent := strings.TrimPrefix(r.URL.Path, "/v1/consent/")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"agent_id": agent, "resource": "profile", "permission": "read"},
			},
			"meta": map[string]any{"agent": agent, "count": 1},
		})
	})

	mux.HandleFunc("/v1/memory/review", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"meta": map[string]any{
						"id":         "7d444840-9dc0-11d1-b245-5ffdce74fad2",
						"source_ref": "profile:favorite_color",
						"status":     "review",
						"confidence": 0.7,
					},
				},
			},
			"meta": map[string]any{"count": 1},
		})
	})

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mnm_testkey" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "authentication required"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]any{"tools": []any{}},
		})
	})

	return httptest.NewServer(mux)
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestLoginCapturesSession(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c, err := memclient.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u, err := c.Login(context.Background(), "ada@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Errorf("user email = %q, want ada@example.com", u.Email)
	}
	if got := c.Credential(); got != "sess-token-1" {
		t.Errorf("Credential() = %q, want sess-token-1", got)
	}

	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.Email != "ada@example.com" {
		t.Errorf("Me email = %q", me.Email)
	}
}

func TestLoginBadPassword(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c, _ := memclient.New(srv.URL)
	_, err := c.Login(context.Background(), "ada@example.com", "wrong")
	if err == nil {
		t.Fatal("expected error for bad password")
	}
	var apiErr *memclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Code != "UNAUTHORIZED" || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("got code=%s status=%d", apiErr.Code, apiErr.StatusCode)
	}
}

func TestConsentPatchDecodesRules(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c, _ := memclient.New(srv.URL, memclient.WithSessionToken("sess-token-1"))
	rules, err := c.ConsentPatch(context.Background(), "claude-desktop", []memclient.RuleInput{
		{Resource: "profile", Permission: "read"},
	})
	if err != nil {
		t.Fatalf("ConsentPatch: %v", err)
	}
	if len(rules) != 1 || rules[0].AgentID != "claude-desktop" {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestReviewList(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c, _ := memclient.New(srv.URL, memclient.WithSessionToken("sess-token-1"))
	items, err := c.ReviewList(context.Background())
	if err != nil {
		t.Fatalf("ReviewList: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].Meta.SourceRef != "profile:favorite_color" {
		t.Errorf("source_ref = %q", items[0].Meta.SourceRef)
	}
}

func TestRPCAttachesAPIKey(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c, err := memclient.New(srv.URL, memclient.WithAPIKey("mnm_testkey"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := c.RPC(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("RPC: %v", err)
	}
	var decoded struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Result == nil {
		t.Error("expected a result member")
	}
}

func TestRPCUnauthorized(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	c, _ := memclient.New(srv.URL)
	_, err := c.RPC(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	var apiErr *memclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Code != "UNAUTHORIZED" {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestWithAPIKeyRejectsBadPrefix(t *testing.T) {
	if _, err := memclient.New("http://localhost:1", memclient.WithAPIKey("sk-wrong")); err == nil {
		t.Fatal("expected error for non-mnm_ key")
	}
}
