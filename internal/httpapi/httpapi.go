// Package httpapi mounts the REST surface, the MCP HTTP endpoint and the
// middleware chain: CORS (strict for the dashboard, permissive for agent
// tooling), authentication, tier-aware rate limiting, the payment gate,
// metrics and logging. Handlers translate between wire shapes and the
// domain stores; writes go through the ingest pipeline, never directly.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mnemohq/mnemo/internal/accounts"
	"github.com/mnemohq/mnemo/internal/audit"
	"github.com/mnemohq/mnemo/internal/claims"
	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/embedding"
	"github.com/mnemohq/mnemo/internal/enrich"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/health"
	"github.com/mnemohq/mnemo/internal/ingest"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/mcp"
	"github.com/mnemohq/mnemo/internal/payment"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/ratelimit"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/tools"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// maxBodyBytes caps request bodies. Oversized reads surface as
// PAYLOAD_TOO_LARGE.
const maxBodyBytes = 1 << 20

// Config carries the transport switches resolved from the environment.
type Config struct {
	// DashboardOrigins are the browser origins allowed to send credentialed
	// requests. Everything else gets the permissive tool CORS policy.
	DashboardOrigins []string
	// FrontendURL receives the browser after an OAuth callback.
	FrontendURL string
	// LegacyTools enables retired tool-name translation on tools/call.
	LegacyTools bool
	// LegacyREST keeps the /mcp/call/:tool shim alive; off serves 410.
	LegacyREST bool
	Version    string
}

// Deps wires the API to the rest of the system.
type Deps struct {
	Accounts *accounts.Service
	Tokens   *accounts.TokenIssuer
	OAuth    map[string]OAuthProviderConfig
	Tenants  *tenant.Manager
	Tools    *tools.Service
	MCP      *mcp.Dispatcher
	Ingest   *ingest.Pipeline
	Profiles *profile.Store
	Tables   *tables.Store
	Vectors  *vectors.Store
	Graph    *graph.Store
	Ledger   *ledger.Store
	Consent  *consent.Store
	Claims   *claims.Store
	Audit    *audit.Log
	Queue    *enrich.Queue
	Embedder embedding.Provider
	Limits   *ratelimit.Registry
	Payment  *payment.Gate
	Health   *health.Checker
	Logger   *zap.Logger
	Config   Config
}

// API owns the HTTP surface. One instance serves all tenants.
type API struct {
	d     Deps
	oauth map[string]*oauth2.Config
}

// New returns an API over the given dependencies.
func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	registerValidations()
	return &API{d: d, oauth: buildOAuthConfigs(d.OAuth)}
}

// Router assembles the full gin engine: global middleware, the public
// endpoints, the dashboard-scoped /v1 group and the agent-scoped MCP
// group.
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.securityHeaders())
	r.Use(a.bodyLimit())
	r.Use(a.requestMetrics())
	r.Use(a.requestLogger())

	// Public endpoints: no auth, unauth rate class keyed by client IP.
	r.GET("/healthz", a.rateLimit(ratelimit.ClassUnauth), a.handleHealthz)
	r.GET("/metrics", a.handleMetrics)

	// Dashboard surface: strict CORS with credentials, session cookies.
	v1 := r.Group("/v1")
	v1.Use(cors.New(a.dashboardCORS()))
	{
		auth := v1.Group("/auth")
		auth.Use(a.rateLimit(ratelimit.ClassUnauth))
		{
			auth.POST("/signup", a.handleSignup)
			auth.POST("/login", a.handleLogin)
			auth.POST("/logout", a.requireAuth(), a.handleLogout)
			auth.GET("/me", a.requireAuth(), a.handleMe)
			auth.DELETE("/account", a.requireAuth(), a.requireSession(), a.handleAccountDelete)
			auth.GET("/oauth/:provider", a.handleOAuthRedirect)
			auth.GET("/oauth/:provider/callback", a.handleOAuthCallback)
		}

		// Everything below resolves a principal first.
		pro := v1.Group("")
		pro.Use(a.requireAuth(), a.rateLimit(""), a.paymentGate())
		{
			pro.GET("/profile", a.handleProfileGet)
			pro.PATCH("/profile", a.handleProfilePatch)
			pro.GET("/profile/history", a.requireSession(), a.handleProfileHistory)

			pro.GET("/tables", a.handleTablesList)
			pro.GET("/tables/:name/records", a.handleRecordsList)
			pro.POST("/tables/:name/records", a.handleRecordAdd)
			pro.PATCH("/tables/:name/records/:id", a.handleRecordUpdate)
			pro.DELETE("/tables/:name/records/:id", a.handleRecordDelete)
			pro.POST("/tables/:name/query", a.rateLimit(ratelimit.ClassExpensive), a.handleTableQuery)

			pro.POST("/vectors/:collection/add", a.handleVectorAdd)
			pro.POST("/vectors/:collection/search", a.rateLimit(ratelimit.ClassExpensive), a.handleVectorSearch)
			pro.GET("/vectors/collections", a.handleCollectionsList)

			pro.GET("/graph/entities", a.handleEntitiesList)
			pro.GET("/graph/entities/:id", a.handleEntityGet)
			pro.GET("/graph/entities/:id/neighbors", a.handleNeighbors)
			pro.POST("/graph/traverse", a.rateLimit(ratelimit.ClassExpensive), a.handleTraverse)
			pro.POST("/graph/query", a.rateLimit(ratelimit.ClassExpensive), a.handleGraphQuery)
			pro.POST("/graph/pattern", a.rateLimit(ratelimit.ClassExpensive), a.handleGraphPattern)
			pro.GET("/graph/path", a.rateLimit(ratelimit.ClassExpensive), a.handleGraphPath)
			pro.GET("/graph/stats", a.handleGraphStats)
			pro.GET("/graph/centrality", a.handleGraphCentrality)

			pro.GET("/memory/review", a.requireSession(), a.handleReviewList)
			pro.POST("/memory/review/:id/resolve", a.requireSession(), a.handleReviewResolve)
			pro.GET("/memory/provenance/:id", a.requireSession(), a.handleProvenance)
			pro.GET("/memory/stats", a.handleMemoryStats)

			pro.GET("/consent", a.requireSession(), a.handleConsentList)
			pro.PATCH("/consent/:agent", a.requireSession(), a.handleConsentPatch)

			pro.GET("/activity", a.requireSession(), a.handleActivity)
			pro.GET("/export", a.requireSession(), a.handleExport)

			pro.GET("/agents", a.requireSession(), a.handleAgentsList)
			pro.POST("/agents", a.requireSession(), a.handleAgentRegister)
			pro.DELETE("/agents/:id", a.requireSession(), a.handleAgentRevoke)
			pro.POST("/keys", a.requireSession(), a.handleKeyMint)
			pro.GET("/keys", a.requireSession(), a.handleKeysList)
			pro.DELETE("/keys/:id", a.requireSession(), a.handleKeyRevoke)
			pro.POST("/tokens", a.requireSession(), a.handleBearerMint)
		}
	}

	// Agent tooling surface: permissive CORS, no cookies.
	tool := r.Group("")
	tool.Use(cors.New(a.toolCORS()))
	tool.Use(a.requireAuth(), a.rateLimit(ratelimit.ClassTools), a.paymentGate())
	{
		tool.POST("/mcp", a.handleMCP)
		tool.POST("/chatgpt-mcp", a.handleMCP)
		tool.POST("/mcp/call/:tool", a.handleLegacyCall)
	}

	return r
}

func (a *API) dashboardCORS() cors.Config {
	origins := a.d.Config.DashboardOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

func (a *API) toolCORS() cors.Config {
	return cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
}

func (a *API) handleHealthz(c *gin.Context) {
	report := a.d.Health.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
