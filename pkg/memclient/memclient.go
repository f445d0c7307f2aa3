// Package memclient provides the mnemo Go SDK for the REST dashboard
// surface and the MCP tool endpoint.
package memclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionCookie is the dashboard login cookie the server sets. Login
// captures it so later calls can replay it as a bearer credential.
const sessionCookie = "mnemo_session"

// User mirrors the server's account record.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConsentRule is one agent permission row.
type ConsentRule struct {
	ID         uuid.UUID  `json:"id"`
	AgentID    string     `json:"agent_id"`
	Resource   string     `json:"resource"`
	Permission string     `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// RuleInput is one consent change: a grant when Permission is set, a
// revocation when Revoke is true.
type RuleInput struct {
	Resource   string `json:"resource"`
	Permission string `json:"permission,omitempty"`
	Revoke     bool   `json:"revoke,omitempty"`
}

// MemoryMeta mirrors the server's quality-ledger row.
type MemoryMeta struct {
	ID             uuid.UUID `json:"id"`
	SourceType     string    `json:"source_type"`
	SourceRef      string    `json:"source_ref"`
	Category       string    `json:"category"`
	Origin         string    `json:"origin"`
	AgentSource    string    `json:"agent_source,omitempty"`
	Confidence     float64   `json:"confidence"`
	Status         string    `json:"status"`
	AccessCount    int64     `json:"access_count"`
	ReinforceCount int64     `json:"reinforce_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Contradiction describes the conflicting pair behind a review item.
type Contradiction struct {
	ID          uuid.UUID `json:"id"`
	MetaID      uuid.UUID `json:"meta_id"`
	PriorMetaID uuid.UUID `json:"prior_meta_id"`
	Field       string    `json:"field"`
	PriorValue  string    `json:"prior_value"`
	NewValue    string    `json:"new_value"`
	Status      string    `json:"status"`
}

// ReviewItem is one entry of the owner's review queue.
type ReviewItem struct {
	Meta          *MemoryMeta    `json:"meta"`
	Contradiction *Contradiction `json:"contradiction,omitempty"`
}

// APIKeyMeta is the stored half of a minted key.
type APIKeyMeta struct {
	ID         uuid.UUID  `json:"id"`
	AgentID    string     `json:"agent_id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// APIError is a decoded error envelope. The code follows the server's
// taxonomy (UNAUTHORIZED, CONSENT_DENIED, RATE_LIMIT_EXCEEDED, ...).
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}

// Client talks to one mnemo server. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// credential state — guarded by mu
	mu         sync.Mutex
	credential string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// WithAPIKey authenticates every request with an agent API key
// ("mnm_..."). Agent credentials are consent-checked server-side and
// cannot reach owner endpoints like consent or review management.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		if !strings.HasPrefix(key, "mnm_") {
			return fmt.Errorf("api key must start with mnm_")
		}
		c.credential = key
		return nil
	}
}

// WithSessionToken authenticates with a raw dashboard session token, e.g.
// one captured by a previous Login call. Session credentials act as the
// owner.
func WithSessionToken(token string) Option {
	return func(c *Client) error {
		c.credential = token
		return nil
	}
}

// New creates a Client for the server at baseURL.
//
//	c, err := memclient.New("http://localhost:8080",
//	    memclient.WithAPIKey(os.Getenv("MNEMO_API_KEY")),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Credential returns the active session token or API key, if any.
func (c *Client) Credential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

// ── Accounts ────────────────────────────────────────────────────────────────

// Signup creates an account (and its memory namespace) and logs the client
// in as the new owner.
func (c *Client) Signup(ctx context.Context, email, password, displayName string) (*User, error) {
	return c.authenticate(ctx, "/v1/auth/signup", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	})
}

// Login starts an owner session and stores its token on the client. The
// token is also retrievable via Credential for persistence across runs.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	return c.authenticate(ctx, "/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (c *Client) authenticate(ctx context.Context, path string, body map[string]string) (*User, error) {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Raw httpClient: auth endpoints take no credential, they issue one.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, raw)
	}

	var envelope struct {
		Data struct {
			User *User `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			c.mu.Lock()
			c.credential = ck.Value
			c.mu.Unlock()
			break
		}
	}
	return envelope.Data.User, nil
}

// Logout ends the current session server-side and clears the credential.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
	c.mu.Lock()
	c.credential = ""
	c.mu.Unlock()
	return err
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out struct {
		User *User `json:"user"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// DeleteAccount drops the account and its entire memory namespace. The
// email must match the account's; there is no undo.
func (c *Client) DeleteAccount(ctx context.Context, confirmEmail string) error {
	return c.call(ctx, http.MethodDelete, "/v1/auth/account",
		map[string]string{"confirm_email": confirmEmail}, nil)
}

// MintAPIKey creates an agent credential. The raw key is returned exactly
// once; the server keeps only its hash.
func (c *Client) MintAPIKey(ctx context.Context, agent, agentName, keyName string) (string, *APIKeyMeta, error) {
	var out struct {
		Key  string      `json:"key"`
		Meta *APIKeyMeta `json:"meta"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/keys", map[string]string{
		"agent":     agent,
		"agentName": agentName,
		"name":      keyName,
	}, &out)
	if err != nil {
		return "", nil, err
	}
	return out.Key, out.Meta, nil
}

// ── Consent ─────────────────────────────────────────────────────────────────

// ConsentList returns every consent rule, or just one agent's when agent
// is non-empty.
func (c *Client) ConsentList(ctx context.Context, agent string) ([]*ConsentRule, error) {
	path := "/v1/consent"
	if agent != "" {
		path += "?agent=" + agent
	}
	var rules []*ConsentRule
	if err := c.call(ctx, http.MethodGet, path, nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// ConsentPatch applies grants and revocations for one agent and returns
// the agent's active rules afterwards.
func (c *Client) ConsentPatch(ctx context.Context, agent string, rules []RuleInput) ([]*ConsentRule, error) {
	var out []*ConsentRule
	err := c.call(ctx, http.MethodPatch, "/v1/consent/"+agent,
		map[string]any{"rules": rules}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ── Review queue ────────────────────────────────────────────────────────────

// ReviewList returns memories waiting on the owner's judgement.
func (c *Client) ReviewList(ctx context.Context) ([]*ReviewItem, error) {
	var items []*ReviewItem
	if err := c.call(ctx, http.MethodGet, "/v1/memory/review", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ReviewResolve settles one review item. Action is confirm, reject, or
// keep_both.
func (c *Client) ReviewResolve(ctx context.Context, metaID uuid.UUID, action string) (*MemoryMeta, error) {
	var meta MemoryMeta
	err := c.call(ctx, http.MethodPost, "/v1/memory/review/"+metaID.String()+"/resolve",
		map[string]string{"action": action}, &meta)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// ── Export ──────────────────────────────────────────────────────────────────

// Export downloads the full portability snapshot as raw JSON.
func (c *Client) Export(ctx context.Context) (json.RawMessage, error) {
	var bundle json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/v1/export", nil, &bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// ── MCP ─────────────────────────────────────────────────────────────────────

// RPC forwards one raw JSON-RPC message to the server's MCP endpoint and
// returns the raw response body. A nil response with nil error means the
// message was a notification.
func (c *Client) RPC(ctx context.Context, message json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(message))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, raw, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(raw) == 0 {
		return nil, nil
	}
	// JSON-RPC errors ride in the 200 body; HTTP-level failures (auth,
	// rate limit) use the REST envelope.
	if status >= 300 {
		return nil, decodeError(status, raw)
	}
	return raw, nil
}

// ── HTTP plumbing ───────────────────────────────────────────────────────────

// call runs one enveloped REST request. reqBody and out may be nil; out
// receives the decoded "data" member of the success envelope.
func (c *Client) call(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	status, raw, err := c.doStatusBody(req)
	if err != nil {
		return err
	}
	if status >= 300 {
		return decodeError(status, raw)
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("response has no data member")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doStatusBody executes the request with the stored credential attached
// and returns (statusCode, body, error) without failing on 4xx responses.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	c.mu.Lock()
	cred := c.credential
	c.mu.Unlock()
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// decodeError turns an error envelope into an *APIError, falling back to
// the raw body when the envelope does not parse.
func decodeError(status int, raw []byte) error {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = status
		return envelope.Error
	}
	return &APIError{
		StatusCode: status,
		Code:       "HTTP_ERROR",
		Message:    strings.TrimSpace(string(raw)),
	}
}
