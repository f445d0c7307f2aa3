package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// OAuthProviderConfig holds OAuth client credentials for one provider.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// buildOAuthConfigs converts the raw provider map into oauth2.Config
// instances. Providers with missing credentials are skipped, which
// disables their routes.
func buildOAuthConfigs(providers map[string]OAuthProviderConfig) map[string]*oauth2.Config {
	cfgs := make(map[string]*oauth2.Config)
	for name, p := range providers {
		if p.ClientID == "" || p.ClientSecret == "" {
			continue
		}
		var endpoint oauth2.Endpoint
		var scopes []string
		switch name {
		case "github":
			endpoint = github.Endpoint
			scopes = []string{"user:email"}
		case "google":
			endpoint = google.Endpoint
			scopes = []string{"openid", "email", "profile"}
		default:
			continue
		}
		cfgs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		}
	}
	return cfgs
}

type signupRequest struct {
	Email       string `json:"email"        binding:"required,email"`
	Password    string `json:"password"     binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"omitempty,max=120"`
}

type loginRequest struct {
	Email    string `json:"email"    binding:"required"`
	Password string `json:"password" binding:"required"`
}

// setSessionCookie installs the login cookie. HttpOnly always; Secure
// follows the frontend scheme so local development over plain HTTP works.
func (a *API) setSessionCookie(c *gin.Context, raw string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	secure := strings.HasPrefix(a.d.Config.FrontendURL, "https://")
	c.SetCookie(sessionCookie, raw, maxAge, "/", "", secure, true)
}

func (a *API) handleSignup(c *gin.Context) {
	var req signupRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	u, err := a.d.Accounts.Signup(ctx, req.Email, req.Password, req.DisplayName)
	if err != nil {
		a.failErr(c, err)
		return
	}
	raw, sess, err := a.d.Accounts.StartSession(ctx, u.ID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	a.setSessionCookie(c, raw, int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()))
	respond(c, http.StatusCreated, gin.H{"user": u, "expiresAt": sess.ExpiresAt}, nil)
}

func (a *API) handleLogin(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	u, err := a.d.Accounts.Login(ctx, req.Email, req.Password)
	if err != nil {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password")
		return
	}
	raw, sess, err := a.d.Accounts.StartSession(ctx, u.ID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	a.setSessionCookie(c, raw, int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()))
	respond(c, http.StatusOK, gin.H{"user": u, "expiresAt": sess.ExpiresAt}, nil)
}

func (a *API) handleLogout(c *gin.Context) {
	if raw, err := c.Cookie(sessionCookie); err == nil && raw != "" {
		if err := a.d.Accounts.EndSession(c.Request.Context(), raw); err != nil {
			a.failErr(c, err)
			return
		}
	}
	a.setSessionCookie(c, "", -1)
	respond(c, http.StatusOK, gin.H{"loggedOut": true}, nil)
}

func (a *API) handleMe(c *gin.Context) {
	p, _ := principalFrom(c)
	u, err := a.d.Accounts.GetUser(c.Request.Context(), p.UserID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"user":    u,
		"tier":    p.Tier,
		"agentId": p.AgentID,
		"method":  p.Method,
	}, nil)
}

// handleAccountDelete tears down the account and its whole namespace. The
// schema drop is irreversible, so the caller must echo their email address.
func (a *API) handleAccountDelete(c *gin.Context) {
	p, _ := principalFrom(c)
	var req struct {
		ConfirmEmail string `json:"confirm_email" binding:"required,email"`
	}
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	u, err := a.d.Accounts.GetUser(ctx, p.UserID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	if !strings.EqualFold(u.Email, req.ConfirmEmail) {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "confirm_email does not match the account email")
		return
	}
	if err := a.d.Accounts.DeleteAccount(ctx, p.UserID); err != nil {
		a.failErr(c, err)
		return
	}
	a.setSessionCookie(c, "", -1)
	respond(c, http.StatusOK, gin.H{"deleted": true}, nil)
}

func (a *API) handleOAuthRedirect(c *gin.Context) {
	provider := c.Param("provider")
	cfg, ok := a.oauth[provider]
	if !ok {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("oauth provider %q not configured", provider))
		return
	}
	state, err := a.d.Tokens.IssueOAuthState(provider)
	if err != nil {
		a.failErr(c, err)
		return
	}
	c.Redirect(http.StatusFound, cfg.AuthCodeURL(state, oauth2.AccessTypeOnline))
}

func (a *API) handleOAuthCallback(c *gin.Context) {
	provider := c.Param("provider")
	cfg, ok := a.oauth[provider]
	if !ok {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("oauth provider %q not configured", provider))
		return
	}

	// The state is a short-lived signed token; a mismatch means the
	// redirect did not originate from our own /oauth/:provider route.
	gotProvider, err := a.d.Tokens.VerifyOAuthState(c.Query("state"))
	if err != nil || gotProvider != provider {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "invalid oauth state")
		return
	}

	code := c.Query("code")
	if code == "" {
		reason := c.Query("error_description")
		if reason == "" {
			reason = c.Query("error")
		}
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "oauth authorization failed: "+reason)
		return
	}

	ctx := c.Request.Context()
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		a.d.Logger.Error("oauth code exchange", zap.String("provider", provider), zap.Error(err))
		fail(c, http.StatusServiceUnavailable, "UPSTREAM_ERROR", "oauth code exchange failed")
		return
	}

	providerID, email, displayName, err := fetchOAuthUserInfo(ctx, provider, tok.AccessToken)
	if err != nil {
		a.d.Logger.Error("fetch oauth user info", zap.String("provider", provider), zap.Error(err))
		fail(c, http.StatusServiceUnavailable, "UPSTREAM_ERROR", "could not fetch user info from provider")
		return
	}

	u, err := a.d.Accounts.GetOrCreateFromOAuth(ctx, provider, providerID, email, displayName)
	if err != nil {
		a.failErr(c, err)
		return
	}
	raw, sess, err := a.d.Accounts.StartSession(ctx, u.ID)
	if err != nil {
		a.failErr(c, err)
		return
	}
	a.setSessionCookie(c, raw, int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()))
	c.Redirect(http.StatusFound, a.d.Config.FrontendURL+"/oauth/callback#login=ok")
}

// fetchOAuthUserInfo calls the provider's user-info API and returns
// (providerID, email, displayName).
func fetchOAuthUserInfo(ctx context.Context, provider, accessToken string) (string, string, string, error) {
	switch provider {
	case "github":
		return fetchGitHubUserInfo(ctx, accessToken)
	case "google":
		return fetchGoogleUserInfo(ctx, accessToken)
	default:
		return "", "", "", fmt.Errorf("unsupported provider: %s", provider)
	}
}

func fetchGitHubUserInfo(ctx context.Context, accessToken string) (id, email, name string, err error) {
	body, err := oauthAPIGet(ctx, "https://api.github.com/user", accessToken)
	if err != nil {
		return "", "", "", err
	}
	var info struct {
		ID    int    `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", "", fmt.Errorf("parse github user info: %w", err)
	}
	// The public profile email is optional; the emails endpoint always
	// has the primary one when the user:email scope was granted.
	if info.Email == "" {
		info.Email, _ = fetchGitHubPrimaryEmail(ctx, accessToken)
	}
	displayName := info.Name
	if displayName == "" {
		displayName = info.Login
	}
	return fmt.Sprintf("%d", info.ID), info.Email, displayName, nil
}

func fetchGitHubPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	body, err := oauthAPIGet(ctx, "https://api.github.com/user/emails", accessToken)
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", nil
}

func fetchGoogleUserInfo(ctx context.Context, accessToken string) (id, email, name string, err error) {
	body, err := oauthAPIGet(ctx, "https://www.googleapis.com/oauth2/v2/userinfo", accessToken)
	if err != nil {
		return "", "", "", err
	}
	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", "", fmt.Errorf("parse google user info: %w", err)
	}
	return info.ID, info.Email, info.Name, nil
}

func oauthAPIGet(ctx context.Context, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	// GitHub rejects requests without a User-Agent.
	if strings.Contains(url, "github.com") {
		req.Header.Set("User-Agent", "mnemo-server/1.0")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
