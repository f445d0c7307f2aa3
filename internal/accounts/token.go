package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for bearer tokens that fail signature,
// expiry, or shape checks.
var ErrInvalidToken = errors.New("invalid bearer token")

// BearerClaims are the JWT claims for a short-lived agent bearer token.
// These tokens are minted from an authenticated dashboard session for
// browser-hosted agents that cannot hold a long-lived API key.
type BearerClaims struct {
	jwt.RegisteredClaims
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
	Type    string `json:"type"` // "agent" or "oauth-state"
}

// TokenIssuer signs and verifies bearer JWTs and OAuth state tokens with
// the HMAC session secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. The secret must be at least 32
// bytes; ttl of 0 selects the one hour default.
func NewTokenIssuer(secret []byte, issuerURL string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuerURL, ttl: ttl}, nil
}

// Issue creates a signed bearer token for an agent acting on userID's store.
// An empty agentID produces an owner-scoped token.
func (t *TokenIssuer) Issue(userID uuid.UUID, agentID string) (string, error) {
	now := time.Now().UTC()
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		UserID:  userID.String(),
		AgentID: agentID,
		Type:    "agent",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*BearerClaims, error) {
	claims, err := t.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Type != "agent" {
		return nil, fmt.Errorf("%w: not an agent token", ErrInvalidToken)
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims, nil
}

// IssueOAuthState creates a short-lived token carried through the OAuth
// redirect as the state parameter. The provider name rides along so the
// callback can confirm which flow it belongs to.
func (t *TokenIssuer) IssueOAuthState(provider string) (string, error) {
	now := time.Now().UTC()
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   "oauth-state",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
			ID:        uuid.New().String(),
		},
		AgentID: provider,
		Type:    "oauth-state",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

// VerifyOAuthState validates an OAuth state token and returns the provider
// it was issued for.
func (t *TokenIssuer) VerifyOAuthState(tokenStr string) (string, error) {
	claims, err := t.parse(tokenStr)
	if err != nil {
		return "", err
	}
	if claims.Type != "oauth-state" {
		return "", fmt.Errorf("%w: not an oauth state token", ErrInvalidToken)
	}
	return claims.AgentID, nil
}

func (t *TokenIssuer) parse(tokenStr string) (*BearerClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&BearerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*BearerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
