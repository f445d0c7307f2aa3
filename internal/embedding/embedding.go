// Package embedding turns memory text into fixed-dimension vectors.
//
// The server speaks the OpenAI-compatible /embeddings shape, which the
// common local runtimes (Ollama, vLLM, LM Studio) and the hosted APIs all
// serve. Embedding is best-effort everywhere: when no provider is reachable
// the write path parks text for backfill instead of failing, so every
// provider error here must stay distinguishable from a malformed request.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrDisabled is returned when the tenant runs without any embedding
	// provider configured.
	ErrDisabled = errors.New("embedding disabled")
	// ErrUnavailable is returned when the provider exists but cannot serve
	// right now (network failure, open breaker, 5xx).
	ErrUnavailable = errors.New("embedding provider unavailable")
)

// Provider produces embeddings for batches of text.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dim is the dimension of the vectors this provider produces.
	Dim() int
	// Enabled reports whether the provider can be asked at all.
	Enabled() bool
}

// Disabled is the provider used when no embedding endpoint is configured.
// Every Embed call fails with ErrDisabled; recall falls back to keyword
// search and writes park their text in the pending queue.
type Disabled struct {
	Dimension int
}

func (d Disabled) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrDisabled
}
func (d Disabled) Dim() int      { return d.Dimension }
func (d Disabled) Enabled() bool { return false }

// HTTPProvider calls an OpenAI-compatible embeddings endpoint.
type HTTPProvider struct {
	baseURL string
	model   string
	apiKey  string
	dim     int
	client  *http.Client
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithHTTPClient overrides the default 10-second-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *HTTPProvider) { p.client = hc }
}

// WithAPIKey attaches a bearer token to every request.
func WithAPIKey(key string) Option {
	return func(p *HTTPProvider) { p.apiKey = key }
}

// NewHTTP returns a provider for an OpenAI-compatible endpoint. baseURL is
// the API root (the /embeddings path is appended); dim must match what the
// model actually emits, since the vector columns are sized from it.
func NewHTTP(baseURL, model string, dim int, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Dim() int      { return p.dim }
func (p *HTTPProvider) Enabled() bool { return true }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed posts the batch and reorders the response by index.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d texts",
			len(decoded.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings endpoint returned index %d out of range", d.Index)
		}
		if len(d.Embedding) != p.dim {
			return nil, fmt.Errorf("embeddings endpoint returned dimension %d, want %d",
				len(d.Embedding), p.dim)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embeddings endpoint skipped index %d", i)
		}
	}
	return out, nil
}
