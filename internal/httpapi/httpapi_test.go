package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/health"
	"github.com/mnemohq/mnemo/internal/httpapi"
	"github.com/mnemohq/mnemo/internal/payment"
	"github.com/mnemohq/mnemo/internal/ratelimit"
)

// setupRouter builds the API over the transport-level dependencies only.
// Store-backed handlers need a database; these tests cover everything in
// front of them: auth gating, validation, the error envelope, rate
// limiting, the body cap, and the public endpoints.
func setupRouter(t *testing.T, limits map[ratelimit.Class]int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	checker := health.New(time.Second, zap.NewNop())
	checker.Register("self", true, func(context.Context) (string, error) { return "ok", nil })

	api := httpapi.New(httpapi.Deps{
		Limits:  ratelimit.NewRegistry(limits),
		Payment: payment.NewGate(payment.Meter{}, false, zap.NewNop()),
		Health:  checker,
		Logger:  zap.NewNop(),
		Config: httpapi.Config{
			FrontendURL: "http://localhost:3000",
			Version:     "test",
		},
	})
	return api.Router()
}

func do(router *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, w.Body.String())
	}
	return resp.Error.Code
}

func TestHealthz_200(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestSecurityHeaders(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodGet, "/healthz", "", nil)
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestProtectedRoute_401_noCredentials(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodGet, "/v1/profile", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCodeOf(t, w); code != "UNAUTHORIZED" {
		t.Errorf("code = %q", code)
	}
}

func TestProtectedRoute_401_malformedAuthHeader(t *testing.T) {
	router := setupRouter(t, nil)

	// Not a Bearer scheme: rejected before any lookup.
	w := do(router, http.MethodGet, "/v1/profile", "", map[string]string{
		"Authorization": "Basic dXNlcjpwYXNz",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCodeOf(t, w); code != "INVALID_SESSION" {
		t.Errorf("code = %q", code)
	}
}

func TestMCP_401_noKey(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignup_400_badEmail(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodPost, "/v1/auth/signup",
		`{"email":"not-an-email","password":"password123"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCodeOf(t, w); code != "BAD_REQUEST" {
		t.Errorf("code = %q", code)
	}
}

func TestSignup_400_shortPassword(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodPost, "/v1/auth/signup",
		`{"email":"a@example.com","password":"short"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBodyCap_413(t *testing.T) {
	router := setupRouter(t, nil)

	big := `{"email":"a@example.com","password":"` + strings.Repeat("x", 1<<20) + `"}`
	w := do(router, http.MethodPost, "/v1/auth/signup", big, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCodeOf(t, w); code != "PAYLOAD_TOO_LARGE" {
		t.Errorf("code = %q", code)
	}
}

func TestOAuthRedirect_400_unconfiguredProvider(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodGet, "/v1/auth/oauth/github", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRateLimit_429_withRetryAfter(t *testing.T) {
	router := setupRouter(t, map[ratelimit.Class]int{ratelimit.ClassUnauth: 2})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = do(router, http.MethodGet, "/healthz", "", nil)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third call, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if code := errorCodeOf(t, last); code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q", code)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", last.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMetricsEndpoint_200(t *testing.T) {
	router := setupRouter(t, nil)

	// Generate one sample so the request counter has something to expose.
	do(router, http.MethodGet, "/healthz", "", nil)

	w := do(router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mnemo_http_requests_total") {
		t.Error("expected request counter in metrics exposition")
	}
}

func TestUnknownRoute_404(t *testing.T) {
	router := setupRouter(t, nil)

	w := do(router, http.MethodGet, "/v2/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
