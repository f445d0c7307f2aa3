package embedding_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/embedding"
)

func TestDisabledProvider(t *testing.T) {
	p := embedding.Disabled{Dimension: 768}
	if p.Enabled() {
		t.Fatal("disabled provider reports enabled")
	}
	if p.Dim() != 768 {
		t.Fatalf("dim = %d", p.Dim())
	}
	if _, err := p.Embed(context.Background(), []string{"x"}); !errors.Is(err, embedding.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestHTTPEmbedReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" || len(req.Input) != 2 {
			t.Errorf("request = %+v", req)
		}
		// Respond out of order; the client must restore input order.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{3, 4}},
				{"index": 0, "embedding": []float32{1, 2}},
			},
		})
	}))
	defer srv.Close()

	p := embedding.NewHTTP(srv.URL, "nomic-embed-text", 2)
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 3 {
		t.Fatalf("order not restored: %v", vecs)
	}
}

func TestHTTPEmbedRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	p := embedding.NewHTTP(srv.URL, "m", 2)
	if _, err := p.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("dimension mismatch must error")
	}
}

func TestHTTPEmbedServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := embedding.NewHTTP(srv.URL, "m", 2)
	if _, err := p.Embed(context.Background(), []string{"x"}); !errors.Is(err, embedding.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

type flakyProvider struct {
	calls int
	err   error
}

func (f *flakyProvider) Embed(context.Context, []string) ([][]float32, error) {
	f.calls++
	return nil, f.err
}
func (f *flakyProvider) Dim() int      { return 2 }
func (f *flakyProvider) Enabled() bool { return true }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{err: embedding.ErrUnavailable}
	b := embedding.NewBreaker(inner, zap.NewNop())

	for i := 0; i < 5; i++ {
		if _, err := b.Embed(context.Background(), []string{"x"}); !errors.Is(err, embedding.ErrUnavailable) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	before := inner.calls
	// Breaker is open now: the provider must not be reached again.
	if _, err := b.Embed(context.Background(), []string{"x"}); !errors.Is(err, embedding.ErrUnavailable) {
		t.Fatalf("open-state err = %v, want ErrUnavailable", err)
	}
	if inner.calls != before {
		t.Fatalf("provider hit through open breaker: %d calls", inner.calls)
	}
}

func TestBreakerPassesThroughCallerErrors(t *testing.T) {
	bad := errors.New("bad request")
	inner := &flakyProvider{err: bad}
	b := embedding.NewBreaker(inner, zap.NewNop())

	for i := 0; i < 10; i++ {
		if _, err := b.Embed(context.Background(), []string{"x"}); !errors.Is(err, bad) {
			t.Fatalf("call %d err = %v, want caller error", i, err)
		}
	}
	// Caller errors never open the breaker; the provider saw every call.
	if inner.calls != 10 {
		t.Fatalf("provider calls = %d, want 10", inner.calls)
	}
}
