package accounts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemohq/mnemo/internal/tenant"
)

// ── In-memory fakes ────────────────────────────────────────────────

type fakeRepo struct {
	users      map[uuid.UUID]*User
	identities map[string]uuid.UUID
	sessions   map[uuid.UUID]*Session
	keys       map[uuid.UUID]*APIKey
	agents     map[string]*Agent

	failCreateUser error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:      make(map[uuid.UUID]*User),
		identities: make(map[string]uuid.UUID),
		sessions:   make(map[uuid.UUID]*Session),
		keys:       make(map[uuid.UUID]*APIKey),
		agents:     make(map[string]*Agent),
	}
}

func identKey(provider, providerID string) string { return provider + "/" + providerID }
func agentKey(userID uuid.UUID, slug string) string {
	return userID.String() + "/" + slug
}

func (f *fakeRepo) CreateUser(_ context.Context, u *User) error {
	if f.failCreateUser != nil {
		return f.failCreateUser
	}
	for _, ex := range f.users {
		if ex.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	f.users[u.ID] = u
	return nil
}

func (f *fakeRepo) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) GetUserByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) GetUserByIdentity(_ context.Context, provider, providerID string) (*User, error) {
	if id, ok := f.identities[identKey(provider, providerID)]; ok {
		if u, ok := f.users[id]; ok {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) LinkIdentity(_ context.Context, userID uuid.UUID, provider, providerID string) error {
	f.identities[identKey(provider, providerID)] = userID
	return nil
}

func (f *fakeRepo) DeleteUser(_ context.Context, id uuid.UUID) error {
	if _, ok := f.users[id]; !ok {
		return ErrNotFound
	}
	delete(f.users, id)
	return nil
}

func (f *fakeRepo) CreateSession(_ context.Context, s *Session) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt, s.LastSeenAt = now, now
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeRepo) GetSessionByHash(_ context.Context, hash string) (*Session, error) {
	for _, s := range f.sessions {
		if s.TokenHash == hash {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) TouchSession(_ context.Context, id uuid.UUID, seen time.Time) error {
	if s, ok := f.sessions[id]; ok {
		s.LastSeenAt = seen
	}
	return nil
}

func (f *fakeRepo) DeleteSession(_ context.Context, id uuid.UUID) error {
	delete(f.sessions, id)
	return nil
}

func (f *fakeRepo) DeleteUserSessions(_ context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	for id, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) SweepSessions(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, s := range f.sessions {
		if s.ExpiresAt.Before(now) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) CreateAPIKey(_ context.Context, k *APIKey) error {
	for _, ex := range f.keys {
		if ex.UserID == k.UserID && ex.Name == k.Name {
			return ErrDuplicateKeyName
		}
	}
	k.ID = uuid.New()
	k.CreatedAt = time.Now().UTC()
	f.keys[k.ID] = k
	return nil
}

func (f *fakeRepo) GetAPIKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	for _, k := range f.keys {
		if k.KeyHash == hash && k.RevokedAt == nil {
			return k, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*APIKey, error) {
	var out []*APIKey
	for _, k := range f.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeRepo) TouchAPIKey(_ context.Context, id uuid.UUID, used time.Time) error {
	if k, ok := f.keys[id]; ok {
		k.LastUsedAt = &used
	}
	return nil
}

func (f *fakeRepo) RevokeAPIKey(_ context.Context, userID, keyID uuid.UUID) error {
	k, ok := f.keys[keyID]
	if !ok || k.UserID != userID {
		return ErrNotFound
	}
	if k.RevokedAt == nil {
		now := time.Now().UTC()
		k.RevokedAt = &now
	}
	return nil
}

func (f *fakeRepo) RevokeAgentKeys(_ context.Context, userID uuid.UUID, agentID string) (int64, error) {
	var n int64
	now := time.Now().UTC()
	for _, k := range f.keys {
		if k.UserID == userID && k.AgentID == agentID && k.RevokedAt == nil {
			k.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) UpsertAgent(_ context.Context, userID uuid.UUID, slug, name string) (*Agent, error) {
	key := agentKey(userID, slug)
	if a, ok := f.agents[key]; ok {
		a.Name = name
		a.RevokedAt = nil
		return a, nil
	}
	a := &Agent{ID: uuid.New(), UserID: userID, Slug: slug, Name: name, CreatedAt: time.Now().UTC()}
	f.agents[key] = a
	return a, nil
}

func (f *fakeRepo) GetAgent(_ context.Context, userID uuid.UUID, slug string) (*Agent, error) {
	if a, ok := f.agents[agentKey(userID, slug)]; ok {
		return a, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRepo) ListAgents(_ context.Context, userID uuid.UUID) ([]*Agent, error) {
	var out []*Agent
	for _, a := range f.agents {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) RevokeAgent(_ context.Context, userID uuid.UUID, slug string) error {
	a, ok := f.agents[agentKey(userID, slug)]
	if !ok {
		return ErrNotFound
	}
	if a.RevokedAt == nil {
		now := time.Now().UTC()
		a.RevokedAt = &now
	}
	return nil
}

type fakeTenants struct {
	created    map[uuid.UUID]tenant.Tier
	dropped    []uuid.UUID
	failCreate error
}

func newFakeTenants() *fakeTenants {
	return &fakeTenants{created: make(map[uuid.UUID]tenant.Tier)}
}

func (f *fakeTenants) Create(_ context.Context, userID uuid.UUID, tier tenant.Tier, _ int) (*tenant.Tenant, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	if _, ok := f.created[userID]; ok {
		return nil, tenant.ErrExists
	}
	f.created[userID] = tier
	return &tenant.Tenant{ID: userID, Namespace: tenant.NamespaceFor(userID), Tier: tier}, nil
}

func (f *fakeTenants) Get(_ context.Context, userID uuid.UUID) (*tenant.Tenant, error) {
	tier, ok := f.created[userID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return &tenant.Tenant{ID: userID, Namespace: tenant.NamespaceFor(userID), Tier: tier}, nil
}

func (f *fakeTenants) Drop(_ context.Context, userID uuid.UUID) error {
	if _, ok := f.created[userID]; !ok {
		return tenant.ErrNotFound
	}
	delete(f.created, userID)
	f.dropped = append(f.dropped, userID)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeTenants) {
	t.Helper()
	repo := newFakeRepo()
	tenants := newFakeTenants()
	issuer, err := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "https://mnemo.test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return NewService(repo, tenants, issuer, zap.NewNop()), repo, tenants
}

// ── Tests ──────────────────────────────────────────────────────────

func TestSignupProvisionsTenant(t *testing.T) {
	svc, repo, tenants := newTestService(t)
	ctx := context.Background()

	u, err := svc.Signup(ctx, "  Dana@Example.COM ", "hunter22!", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.Email != "dana@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}
	if u.DisplayName != "dana" {
		t.Errorf("display name default = %q, want dana", u.DisplayName)
	}
	if u.PasswordHash == "" || u.PasswordHash == "hunter22!" {
		t.Error("password stored raw or empty")
	}
	if tier, ok := tenants.created[u.ID]; !ok || tier != tenant.TierFree {
		t.Errorf("tenant not provisioned as free tier: %v %v", ok, tier)
	}

	if _, err := svc.Signup(ctx, "dana@example.com", "different1", ""); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("duplicate signup error = %v, want ErrDuplicateEmail", err)
	}
	if _, err := svc.Signup(ctx, "short@example.com", "short", ""); err == nil {
		t.Error("expected error for short password")
	}
	if _, err := svc.Signup(ctx, "not-an-email", "longenough", ""); err == nil {
		t.Error("expected error for invalid email")
	}
	if len(repo.users) != 1 {
		t.Errorf("user count = %d, want 1", len(repo.users))
	}
}

func TestSignupRollsBackWhenProvisioningFails(t *testing.T) {
	svc, repo, tenants := newTestService(t)
	tenants.failCreate = errors.New("ddl exploded")

	if _, err := svc.Signup(context.Background(), "dana@example.com", "hunter22!", ""); err == nil {
		t.Fatal("expected provisioning error")
	}
	if len(repo.users) != 0 {
		t.Error("user row survived a failed provisioning")
	}
}

func TestLoginCollapsesFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Signup(ctx, "dana@example.com", "hunter22!", "Dana")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	got, err := svc.Login(ctx, "DANA@example.com", "hunter22!")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID {
		t.Error("login returned a different user")
	}

	if _, err := svc.Login(ctx, "dana@example.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "hunter22!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email error = %v, want ErrInvalidCredentials", err)
	}
}

func TestOAuthOnlyAccountCannotPasswordLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.GetOrCreateFromOAuth(ctx, "github", "gh-123", "dana@example.com", "Dana")
	if err != nil {
		t.Fatalf("GetOrCreateFromOAuth: %v", err)
	}
	if u.PasswordHash != "" {
		t.Error("oauth signup minted a password hash")
	}
	if _, err := svc.Login(ctx, "dana@example.com", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("empty-hash login error = %v, want ErrInvalidCredentials", err)
	}
}

func TestGetOrCreateFromOAuthLinksAndReuses(t *testing.T) {
	svc, repo, tenants := newTestService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateFromOAuth(ctx, "github", "gh-123", "dana@example.com", "Dana")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, ok := tenants.created[first.ID]; !ok {
		t.Error("oauth signup did not provision a tenant")
	}

	again, err := svc.GetOrCreateFromOAuth(ctx, "github", "gh-123", "other@example.com", "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again.ID != first.ID {
		t.Error("same identity resolved to a different user")
	}
	if len(repo.users) != 1 {
		t.Errorf("user count = %d, want 1", len(repo.users))
	}

	// A different provider identity with a known email links instead of creating.
	viaGoogle, err := svc.GetOrCreateFromOAuth(ctx, "google", "goog-9", "dana@example.com", "")
	if err != nil {
		t.Fatalf("google call: %v", err)
	}
	if viaGoogle.ID != first.ID {
		t.Error("matching email did not link to the existing account")
	}
	if _, err := svc.GetOrCreateFromOAuth(ctx, "google", "goog-404", "", ""); err == nil {
		t.Error("expected error when provider returns no email")
	}
}

func TestSessionLifecycle(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Signup(ctx, "dana@example.com", "hunter22!", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	raw, sess, err := svc.StartSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if raw == "" || raw == sess.TokenHash {
		t.Error("raw token missing or stored unhashed")
	}
	if sess.TokenHash != hashToken(raw) {
		t.Error("stored hash does not match the raw token")
	}

	p, err := svc.ResolveSession(ctx, raw)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if p.UserID != u.ID || !p.Owner() || p.Method != MethodSession || p.Tier != tenant.TierFree {
		t.Errorf("principal = %+v", p)
	}

	if _, err := svc.ResolveSession(ctx, "deadbeef"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown token error = %v, want ErrInvalidCredentials", err)
	}

	// Force expiry and resolve again: the session must be rejected and reaped.
	repo.sessions[sess.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if _, err := svc.ResolveSession(ctx, raw); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expired session error = %v, want ErrSessionExpired", err)
	}
	if len(repo.sessions) != 0 {
		t.Error("expired session not deleted on resolve")
	}

	if err := svc.EndSession(ctx, "never-issued"); err != nil {
		t.Errorf("logout with unknown token = %v, want nil", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	u, _ := svc.Signup(ctx, "dana@example.com", "hunter22!", "")
	_, live, err := svc.StartSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_, stale, err := svc.StartSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	repo.sessions[stale.ID].ExpiresAt = time.Now().UTC().Add(-time.Hour)

	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d sessions, want 1", n)
	}
	if _, ok := repo.sessions[live.ID]; !ok {
		t.Error("live session was swept")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Signup(ctx, "dana@example.com", "hunter22!", "")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	raw, key, err := svc.MintAPIKey(ctx, u.ID, "ChatGPT", "ChatGPT", "laptop")
	if err != nil {
		t.Fatalf("MintAPIKey: %v", err)
	}
	if !strings.HasPrefix(raw, "mnm_") {
		t.Errorf("raw key = %q, want mnm_ prefix", raw)
	}
	if key.AgentID != "chatgpt" {
		t.Errorf("agent slug = %q, want chatgpt", key.AgentID)
	}
	if key.KeyHash != hashToken(raw) || key.Prefix != raw[:12] {
		t.Error("stored hash or prefix does not match the raw key")
	}

	p, err := svc.ResolveAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if p.UserID != u.ID || p.AgentID != "chatgpt" || p.Owner() || p.Method != MethodAPIKey {
		t.Errorf("principal = %+v", p)
	}

	if _, err := svc.ResolveAPIKey(ctx, "mnm_0000000000000000deadbeef"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown key error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.ResolveAPIKey(ctx, "sk-openai-shaped"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("foreign key shape error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.MintAPIKey(ctx, u.ID, "bad slug!", "", ""); !errors.Is(err, ErrBadAgentSlug) {
		t.Errorf("bad slug error = %v, want ErrBadAgentSlug", err)
	}

	if err := svc.RevokeAPIKey(ctx, u.ID, key.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, err := svc.ResolveAPIKey(ctx, raw); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("revoked key error = %v, want ErrInvalidCredentials", err)
	}
}

func TestRevokeAgentDisablesKeysAndBearers(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, _ := svc.Signup(ctx, "dana@example.com", "hunter22!", "")
	rawA1, _, err := svc.MintAPIKey(ctx, u.ID, "claude", "", "first")
	if err != nil {
		t.Fatalf("MintAPIKey: %v", err)
	}
	if _, _, err := svc.MintAPIKey(ctx, u.ID, "claude", "", "second"); err != nil {
		t.Fatalf("MintAPIKey: %v", err)
	}
	rawB, _, err := svc.MintAPIKey(ctx, u.ID, "chatgpt", "", "other")
	if err != nil {
		t.Fatalf("MintAPIKey: %v", err)
	}
	bearer, err := svc.MintBearer(ctx, u.ID, "claude")
	if err != nil {
		t.Fatalf("MintBearer: %v", err)
	}

	n, err := svc.RevokeAgent(ctx, u.ID, "claude")
	if err != nil {
		t.Fatalf("RevokeAgent: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked %d keys, want 2", n)
	}

	if _, err := svc.ResolveAPIKey(ctx, rawA1); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("revoked agent key error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.ResolveBearer(ctx, bearer); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("revoked agent bearer error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.ResolveAPIKey(ctx, rawB); err != nil {
		t.Errorf("unrelated agent key broken: %v", err)
	}

	// Re-registering reactivates the agent; old keys stay dead.
	if _, err := svc.RegisterAgent(ctx, u.ID, "claude", "Claude"); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := svc.ResolveBearer(ctx, bearer); err != nil {
		t.Errorf("bearer after reactivation: %v", err)
	}
	if _, err := svc.ResolveAPIKey(ctx, rawA1); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("revoked key came back to life on reactivation")
	}
}

func TestBearerRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, _ := svc.Signup(ctx, "dana@example.com", "hunter22!", "")
	tok, err := svc.MintBearer(ctx, u.ID, "playground")
	if err != nil {
		t.Fatalf("MintBearer: %v", err)
	}

	p, err := svc.ResolveBearer(ctx, tok)
	if err != nil {
		t.Fatalf("ResolveBearer: %v", err)
	}
	if p.UserID != u.ID || p.AgentID != "playground" || p.Method != MethodBearer {
		t.Errorf("principal = %+v", p)
	}

	other, err := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), "https://mnemo.test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	forged, err := other.Issue(u.ID, "playground")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ResolveBearer(ctx, forged); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("forged bearer error = %v, want ErrInvalidCredentials", err)
	}
}

func TestDeleteAccountDropsTenant(t *testing.T) {
	svc, repo, tenants := newTestService(t)
	ctx := context.Background()

	u, _ := svc.Signup(ctx, "dana@example.com", "hunter22!", "")
	if err := svc.DeleteAccount(ctx, u.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if len(repo.users) != 0 {
		t.Error("user row survived deletion")
	}
	if len(tenants.dropped) != 1 || tenants.dropped[0] != u.ID {
		t.Errorf("dropped tenants = %v, want [%s]", tenants.dropped, u.ID)
	}
}

func TestNormalizeAgentSlug(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ChatGPT", "chatgpt", false},
		{"  my-bot_2 ", "my-bot_2", false},
		{"", "", true},
		{"has space", "", true},
		{"-leading", "", true},
		{strings.Repeat("a", 65), "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeAgentSlug(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("NormalizeAgentSlug(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeAgentSlug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
