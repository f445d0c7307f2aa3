package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/accounts"
	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/payment"
	"github.com/mnemohq/mnemo/internal/tools"
)

// apiError is the wire shape of a failure.
type apiError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// respond writes the success envelope. meta may be nil.
func respond(c *gin.Context, status int, data any, meta any) {
	body := gin.H{"data": data}
	if meta != nil {
		body["meta"] = meta
	}
	c.JSON(status, body)
}

// fail writes the error envelope and stops the handler chain.
func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": apiError{Code: code, Message: message}})
}

// failRetry is fail with a Retry-After header and field, for 429s.
func failRetry(c *gin.Context, status int, code, message string, retryAfter int) {
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(status, gin.H{"error": apiError{Code: code, Message: message, RetryAfter: retryAfter}})
}

// failErr maps a domain error to its taxonomy code and HTTP status. Internal
// causes are logged and masked.
func (a *API) failErr(c *gin.Context, err error) {
	code := errorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if code == "INTERNAL" {
		a.d.Logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Error(err),
		)
		msg = "internal error"
	}
	fail(c, status, code, msg)
}

// errorCode extends the tool facade's taxonomy with the transport-only
// codes: auth failures, the payment gate and pattern queries.
func errorCode(err error) string {
	switch {
	case errors.Is(err, accounts.ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return "INVALID_SESSION"
	case errors.Is(err, accounts.ErrBadAgentSlug), errors.Is(err, accounts.ErrDuplicateKeyName):
		return "BAD_REQUEST"
	case errors.Is(err, accounts.ErrDuplicateEmail):
		return "INVALID_STATE"
	case errors.Is(err, accounts.ErrNotFound), errors.Is(err, consent.ErrRuleNotFound):
		return "NOT_FOUND"
	case errors.Is(err, payment.ErrRequired):
		return "FORBIDDEN"
	case errors.Is(err, graph.ErrPattern):
		return "PATTERN_NOT_RECOGNIZED"
	default:
		return tools.Code(err)
	}
}

// statusFor maps a taxonomy code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "UNAUTHORIZED", "INVALID_SESSION", "SESSION_EXPIRED":
		return http.StatusUnauthorized
	case "CONSENT_DENIED", "FORBIDDEN", "FEATURE_DISABLED", "TIER_LIMIT_EXCEEDED":
		return http.StatusForbidden
	case "LEGACY_ENDPOINT_DISABLED":
		return http.StatusGone
	case "BAD_REQUEST", "INVALID_ARGS", "INVALID_COLLECTION",
		"UPSTREAM_OVERRIDE_BLOCKED", "SQL_SANDBOX_ERROR", "PATTERN_NOT_RECOGNIZED",
		"UNKNOWN_TOOL":
		return http.StatusBadRequest
	case "IDENTITY_CONFLICT", "INVALID_STATE":
		return http.StatusConflict
	case "NOT_FOUND":
		return http.StatusNotFound
	case "RATE_LIMIT_EXCEEDED":
		return http.StatusTooManyRequests
	case "PAYLOAD_TOO_LARGE":
		return http.StatusRequestEntityTooLarge
	case "EMBEDDING_UNAVAILABLE", "UPSTREAM_ERROR":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bindJSON decodes the request body into dst, translating body-cap and
// syntax failures into taxonomy errors. Returns false after writing the
// response.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"request body exceeds 1 MB")
			return false
		}
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return false
	}
	return true
}
