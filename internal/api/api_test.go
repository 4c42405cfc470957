package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/identity"
	"github.com/DaanHessen/fitcheck/internal/imagegen"
	"github.com/DaanHessen/fitcheck/internal/store"
	"github.com/DaanHessen/fitcheck/internal/util"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// memAccounts is an in-memory Accounts.
type memAccounts struct {
	mu    sync.Mutex
	users map[string]engine.Entitlement
	txs   map[string][]engine.Transaction
	hub   *store.Hub
}

func newMemAccounts() *memAccounts {
	return &memAccounts{users: map[string]engine.Entitlement{}, txs: map[string][]engine.Transaction{}, hub: store.NewHub()}
}

func (m *memAccounts) put(e engine.Entitlement) {
	m.mu.Lock()
	e.Authenticated = true
	m.users[e.UserID] = e
	m.mu.Unlock()
}

func (m *memAccounts) EnsureUser(ctx context.Context, id, name, email string) (engine.Entitlement, error) {
	m.mu.Lock()
	if _, ok := m.users[id]; !ok {
		m.users[id] = engine.Entitlement{Authenticated: true, UserID: id, Name: name, Email: email, Plan: engine.PlanFree, Credits: store.NewUserCredits}
	}
	m.mu.Unlock()
	return m.Entitlement(ctx, id)
}

func (m *memAccounts) Entitlement(ctx context.Context, uid string) (engine.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[uid]
	if !ok {
		return engine.Entitlement{}, store.ErrUserNotFound
	}
	return e, nil
}

func (m *memAccounts) SpendOneCredit(ctx context.Context, uid string) error {
	m.mu.Lock()
	e := m.users[uid]
	if e.Credits <= 0 {
		m.mu.Unlock()
		return engine.ErrInsufficientCredits
	}
	e.Credits--
	m.users[uid] = e
	m.mu.Unlock()
	m.hub.Publish(e)
	return nil
}

func (m *memAccounts) GrantCredits(ctx context.Context, uid string, n int, desc string) (engine.Entitlement, error) {
	m.mu.Lock()
	e, ok := m.users[uid]
	if !ok {
		m.mu.Unlock()
		return engine.Entitlement{}, store.ErrUserNotFound
	}
	e.Credits += n
	m.users[uid] = e
	m.txs[uid] = append(m.txs[uid], engine.Transaction{Description: desc, Amount: n, CreatedAt: time.Now()})
	m.mu.Unlock()
	m.hub.Publish(e)
	return e, nil
}

func (m *memAccounts) RecordTransaction(ctx context.Context, uid string, t engine.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[uid] = append(m.txs[uid], t)
	return nil
}

func (m *memAccounts) ListTransactions(ctx context.Context, uid string, limit int) ([]engine.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.Transaction{}, m.txs[uid]...), nil
}

func (m *memAccounts) Subscribe(uid string) (<-chan engine.Entitlement, func()) {
	return m.hub.Subscribe(uid)
}

type fakePurchaser struct{ plan engine.Plan }

func (f *fakePurchaser) CreateOrder(ctx context.Context, plan engine.Plan, token, uid string) (string, error) {
	f.plan = plan
	return "https://pay.example.com/" + string(plan), nil
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	accounts *memAccounts
	issuer   *identity.Issuer
	renderer *imagegen.Offline
	buyer    *fakePurchaser
}

func newHarness(t *testing.T, mutate func(*util.Config)) *harness {
	t.Helper()
	cfg := util.Config{PublicURL: "http://fit.test", RateLimit: 1000, RateBurst: 1000, ReplayResetDelay: time.Hour}
	if mutate != nil {
		mutate(&cfg)
	}
	iss, err := identity.NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	h := &harness{t: t, accounts: newMemAccounts(), issuer: iss, renderer: imagegen.NewOffline("test"), buyer: &fakePurchaser{}}
	s := New(Deps{Config: cfg, Accounts: h.accounts, Renderer: h.renderer, Issuer: iss, Purchases: h.buyer})
	h.srv = httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		h.srv.Close()
		s.Sessions().Close()
	})
	return h
}

// client is one browser: its own cookie jar and optional bearer token.
type client struct {
	h     *harness
	http  *http.Client
	token string
}

func (h *harness) client(uid string) *client {
	jar, _ := cookiejar.New(nil)
	c := &client{h: h, http: &http.Client{Jar: jar, CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}}
	if uid != "" {
		tok, err := h.issuer.Issue(identity.User{ID: uid, Name: "Ada"})
		require.NoError(h.t, err)
		c.token = tok
	}
	return c
}

func (c *client) do(method, path string, body any) (int, map[string]any) {
	c.h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.h.srv.URL+path, &buf)
	require.NoError(c.h.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	require.NoError(c.h.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.client("").do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestGuestIsAskedToSignIn(t *testing.T) {
	h := newHarness(t, nil)
	c := h.client("")
	code, _ := c.do(http.MethodPost, "/api/session/sample", nil)
	require.Equal(t, http.StatusOK, code)
	code, body := c.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-tee"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "sign_in_required", body["error"])
	assert.Equal(t, 0, h.renderer.Calls("tryon"))
}

func TestCreditsAreSpentThenBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(engine.Entitlement{UserID: "u1", Name: "Ada", Plan: engine.PlanFree, Credits: 1})
	c := h.client("u1")
	c.do(http.MethodPost, "/api/session/sample", nil)

	code, snap := c.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-tee"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"gemini-tee"}, snap["activeGarmentIds"])

	code, body := c.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-sweat"})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "earn_credits", body["error"])
	assert.Equal(t, 1, h.renderer.Calls("tryon"))

	code, body = c.do(http.MethodPost, "/api/credits/ad", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["credits"])

	code, _ = c.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-sweat"})
	assert.Equal(t, http.StatusOK, code)
}

func TestShareAndReplay(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(engine.Entitlement{UserID: "u1", Plan: engine.PlanPremium})
	owner := h.client("u1")
	owner.do(http.MethodPost, "/api/session/sample", map[string]string{"url": "https://example.com/m.png"})
	owner.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-sweat"})
	owner.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-tee"})
	code, _ := owner.do(http.MethodPost, "/api/session/pose", map[string]int{"index": 3})
	require.Equal(t, http.StatusOK, code)

	code, link := owner.do(http.MethodPost, "/api/session/share", nil)
	require.Equal(t, http.StatusOK, code)
	token := link["token"].(string)
	assert.Equal(t, "http://fit.test/?share="+token, link["url"])

	guest := h.client("")
	code, snap := guest.do(http.MethodPost, "/api/session?share="+token, nil)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, []any{"gemini-sweat", "gemini-tee"}, snap["activeGarmentIds"])
	assert.Equal(t, "ready", snap["replay"])
	cursor := snap["cursor"].(map[string]any)
	assert.EqualValues(t, 3, cursor["pose"])
	assert.Equal(t, "https://example.com/m.png", snap["modelImage"])
}

func TestMalformedShare(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.client("").do(http.MethodPost, "/api/session?share=%25%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_share_data", body["error"])
}

func TestShareRequiresShareableModel(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(engine.Entitlement{UserID: "u1", Plan: engine.PlanPremium})
	c := h.client("u1")
	code, _ := c.do(http.MethodPost, "/api/session/model", map[string]string{"photo": "https://example.com/me.jpg"})
	require.Equal(t, http.StatusOK, code)
	code, body := c.do(http.MethodPost, "/api/session/share", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_shareable", body["error"])
}

func TestWardrobeRules(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(engine.Entitlement{UserID: "u1", Plan: engine.PlanPremium})
	c := h.client("u1")
	c.do(http.MethodPost, "/api/session/sample", nil)

	code, item := c.do(http.MethodPost, "/api/wardrobe", map[string]string{"name": "Scarf", "url": "https://example.com/s.png"})
	require.Equal(t, http.StatusCreated, code)
	id := item["id"].(string)

	code, _ = c.do(http.MethodPost, "/api/wardrobe", map[string]string{"name": "Bad", "url": "ftp://x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = c.do(http.MethodPost, "/api/session/garments", map[string]string{"id": id})
	require.Equal(t, http.StatusOK, code)

	code, body := c.do(http.MethodDelete, "/api/wardrobe/"+id, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "wardrobe_item_in_use", body["error"])

	code, _ = c.do(http.MethodDelete, "/api/wardrobe/gemini-tee", nil)
	assert.Equal(t, http.StatusForbidden, code)

	c.do(http.MethodPost, "/api/session/reset", nil)
	code, _ = c.do(http.MethodDelete, "/api/wardrobe/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPoseValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(engine.Entitlement{UserID: "u1", Plan: engine.PlanPremium})
	c := h.client("u1")
	c.do(http.MethodPost, "/api/session/sample", nil)
	code, _ := c.do(http.MethodPost, "/api/session/pose", map[string]int{"index": 42})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = c.do(http.MethodPost, "/api/session/pose", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGenerationFailureSurfaces(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.put(engine.Entitlement{UserID: "u1", Plan: engine.PlanPremium})
	c := h.client("u1")
	c.do(http.MethodPost, "/api/session/sample", nil)
	h.renderer.FailNext("tryon", 1)
	code, body := c.do(http.MethodPost, "/api/session/garments", map[string]string{"id": "gemini-tee"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["message"], "Failed to apply garment")

	_, snap := c.do(http.MethodGet, "/api/session", nil)
	assert.Equal(t, []any{}, snap["activeGarmentIds"])
}

func TestMeAndPurchase(t *testing.T) {
	h := newHarness(t, nil)
	code, me := h.client("").do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, me["authenticated"])

	c := h.client("new-user")
	code, me = c.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, store.NewUserCredits, me["credits"])

	code, body := c.do(http.MethodPost, "/api/purchase", map[string]string{"plan": "pro"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "https://pay.example.com/pro", body["redirect_url"])
	assert.Equal(t, engine.PlanPro, h.buyer.plan)

	code, _ = h.client("").do(http.MethodPost, "/api/purchase", map[string]string{"plan": "pro"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestLoginUnavailableWithoutProvider(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.client("").do(http.MethodGet, "/auth/login", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "auth_unavailable", body["error"])
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *util.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	c := h.client("")
	code, _ := c.do(http.MethodPost, "/api/session", nil)
	require.Equal(t, http.StatusCreated, code)
	code, body := c.do(http.MethodPost, "/api/session", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", body["error"])
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	post := func(h *harness, ip string) int {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/session", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	limited := func(c *util.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	}

	h := newHarness(t, limited)
	require.Equal(t, http.StatusCreated, post(h, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, post(h, "10.0.0.2"))

	behindProxy := newHarness(t, func(c *util.Config) {
		limited(c)
		c.TrustProxy = true
	})
	require.Equal(t, http.StatusCreated, post(behindProxy, "10.0.0.1"))
	assert.Equal(t, http.StatusCreated, post(behindProxy, "10.0.0.2"))
}

func TestRegistrySweep(t *testing.T) {
	now := time.Now()
	r := NewRegistry(func() *engine.Controller { return engine.NewController(imagegen.NewOffline("x"), nil) }, nil, nil)
	r.now = func() time.Time { return now }
	id, _ := r.Create()
	_, _ = r.Create()
	now = now.Add(time.Hour)
	_, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, r.Sweep(30*time.Minute))
	assert.Equal(t, 1, r.Len())
}
