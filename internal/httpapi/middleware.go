package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/accounts"
	"github.com/mnemohq/mnemo/internal/ingest"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/payment"
	"github.com/mnemohq/mnemo/internal/ratelimit"
	"github.com/mnemohq/mnemo/internal/tenant"
)

// sessionCookie is the dashboard login cookie. HttpOnly; the raw value is
// the only copy of the session secret anywhere.
const sessionCookie = "mnemo_session"

// ctxPrincipal is the gin context key the resolved principal is stored
// under.
const ctxPrincipal = "mnemo.principal"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_http_requests_total",
		Help: "Total HTTP requests by method, route, and response status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mnemo_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func (a *API) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (a *API) handleMetrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.d.Logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (a *API) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func (a *API) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	}
}

// requireAuth resolves the caller from the session cookie or the
// Authorization header and stores the principal in the request context.
// Session cookies identify owners; bearer JWTs and API keys always
// identify an agent.
func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.resolvePrincipal(c)
		switch {
		case err == nil:
			c.Set(ctxPrincipal, p)
		case errors.Is(err, errNoCredentials):
			fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		case errors.Is(err, accounts.ErrSessionExpired):
			fail(c, http.StatusUnauthorized, "SESSION_EXPIRED", "session expired, log in again")
		default:
			fail(c, http.StatusUnauthorized, "INVALID_SESSION", "credentials not recognized")
		}
	}
}

var errNoCredentials = errors.New("no credentials presented")

// resolvePrincipal checks the session cookie first, then the Authorization
// header. Token shape picks the verifier: two dots means a signed bearer
// JWT, the key prefix means an API key.
func (a *API) resolvePrincipal(c *gin.Context) (*accounts.Principal, error) {
	ctx := c.Request.Context()
	if raw, err := c.Cookie(sessionCookie); err == nil && raw != "" {
		return a.d.Accounts.ResolveSession(ctx, raw)
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, errNoCredentials
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" || raw == header {
		return nil, accounts.ErrInvalidCredentials
	}
	switch {
	case strings.HasPrefix(raw, accounts.KeyPrefix):
		return a.d.Accounts.ResolveAPIKey(ctx, raw)
	case strings.Count(raw, ".") == 2:
		return a.d.Accounts.ResolveBearer(ctx, raw)
	default:
		return a.d.Accounts.ResolveSession(ctx, raw)
	}
}

// principalFrom returns the principal requireAuth stored, if any.
func principalFrom(c *gin.Context) (*accounts.Principal, bool) {
	v, ok := c.Get(ctxPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*accounts.Principal)
	return p, ok
}

// ingestRequest builds the write-funnel identity for a principal. Owner
// writes through the dashboard are typed by hand and start trusted;
// agent writes keep the pipeline's ai_stated default.
func ingestRequest(p *accounts.Principal) ingest.Request {
	req := ingest.Request{TenantID: p.UserID, AgentID: p.AgentID}
	if p.AgentID == "" {
		req.Origin = ledger.OriginUserTyped
	}
	return req
}

// requireSession restricts a route to owner dashboard sessions. Agent
// credentials can never reach consent, credential, or review management.
func (a *API) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principalFrom(c)
		if !ok || p.Method != accounts.MethodSession {
			fail(c, http.StatusForbidden, "FORBIDDEN", "this endpoint requires a dashboard session")
		}
	}
}

// rateLimit draws one token from the class bucket. An empty class picks
// the tier class for authenticated callers and the unauth class otherwise.
// Every response carries the X-RateLimit-* trio; denials add Retry-After.
func (a *API) rateLimit(class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		cls := class
		key := "ip:" + c.ClientIP()
		if p, ok := principalFrom(c); ok {
			key = "user:" + p.UserID.String()
			if p.AgentID != "" {
				key += "/" + p.AgentID
			}
			if cls == "" {
				cls = ratelimit.ClassFree
				if p.Tier == tenant.TierPaid {
					cls = ratelimit.ClassPaid
				}
			}
		} else if cls == "" {
			cls = ratelimit.ClassUnauth
		}

		d := a.d.Limits.Allow(cls, key)
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			failRetry(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded", retry)
		}
	}
}

// paymentGate blocks callers whose tier entitlement lapsed.
func (a *API) paymentGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := principalFrom(c)
		if !ok {
			return
		}
		if err := a.d.Payment.Check(c.Request.Context(), p.UserID, p.AgentID, p.Tier); err != nil {
			if errors.Is(err, payment.ErrRequired) {
				fail(c, http.StatusForbidden, "FORBIDDEN", "tier entitlement lapsed, update billing")
				return
			}
			a.failErr(c, err)
		}
	}
}
