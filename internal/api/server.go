package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/identity"
	"github.com/DaanHessen/fitcheck/internal/metrics"
	"github.com/DaanHessen/fitcheck/internal/util"
)

const (
	sessionCookie = "fitcheck_sid"
	maxBodyBytes  = 16 << 20
)

// Accounts is the entitlement store as seen by the API.
type Accounts interface {
	engine.Ledger
	EnsureUser(ctx context.Context, id, name, email string) (engine.Entitlement, error)
	Entitlement(ctx context.Context, uid string) (engine.Entitlement, error)
	GrantCredits(ctx context.Context, uid string, n int, description string) (engine.Entitlement, error)
	ListTransactions(ctx context.Context, uid string, limit int) ([]engine.Transaction, error)
	Subscribe(uid string) (<-chan engine.Entitlement, func())
}

// Purchaser starts a checkout.
type Purchaser interface {
	CreateOrder(ctx context.Context, plan engine.Plan, idToken, uid string) (string, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	Config    util.Config
	Accounts  Accounts
	Renderer  engine.Renderer
	Provider  *identity.Provider
	Issuer    *identity.Issuer
	Purchases Purchaser
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Wardrobe  []engine.WardrobeItem
}

// Server is the HTTP view controller.
type Server struct {
	cfg       util.Config
	accounts  Accounts
	provider  *identity.Provider
	issuer    *identity.Issuer
	purchases Purchaser
	metrics   *metrics.Metrics
	logger    *zap.Logger
	sessions  *Registry
	limiter   *RateLimiter
}

// New wires a server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(false)
	}
	if d.Wardrobe == nil {
		d.Wardrobe = engine.DefaultWardrobe()
	}
	s := &Server{
		cfg:       d.Config,
		accounts:  d.Accounts,
		provider:  d.Provider,
		issuer:    d.Issuer,
		purchases: d.Purchases,
		metrics:   d.Metrics,
		logger:    d.Logger,
		limiter:   NewRateLimiter(d.Config.RateLimit, d.Config.RateBurst, d.Logger),
	}
	var ledger engine.Ledger
	var subscribe func(string) (<-chan engine.Entitlement, func())
	if d.Accounts != nil {
		ledger = d.Accounts
		subscribe = d.Accounts.Subscribe
	}
	factory := func() *engine.Controller {
		return engine.NewController(d.Renderer, ledger,
			engine.WithLogger(d.Logger),
			engine.WithWardrobe(d.Wardrobe),
			engine.WithDecisionHook(d.Metrics.ObserveDecision),
			engine.WithReplayTiming(d.Config.ReplayResetDelay, nil),
		)
	}
	s.sessions = NewRegistry(factory, subscribe, d.Metrics.SetSessions)
	return s
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *Registry { return s.sessions }

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// forwarding headers are client controlled unless a proxy rewrites them
	if s.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Instrument)
	r.Use(s.logRequests)
	if s.issuer != nil {
		r.Use(identity.Middleware(s.issuer))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/me", s.handleMe)
		r.Get("/me/transactions", s.handleTransactions)
		r.Get("/bundles", s.handleBundles)
		r.Post("/credits/ad", s.handleRewardAd)
		r.Post("/purchase", s.handlePurchase)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.withSession(s.handleSnapshot))
			r.Post("/reset", s.withSession(s.handleReset))
			r.Delete("/garments/last", s.withSession(s.handleRemoveLast))
			r.Post("/sample", s.withSession(s.handleSample))
			r.Post("/share", s.withSession(s.handleShare))
			r.Post("/notice/dismiss", s.withSession(s.handleDismiss))
			r.Group(func(r chi.Router) {
				r.Use(s.limiter.Handler)
				r.Post("/", s.handleNewSession)
				r.Post("/model", s.withSession(s.handleModel))
				r.Post("/garments", s.withSession(s.handleApplyGarment))
				r.Post("/pose", s.withSession(s.handlePose))
			})
		})

		r.Get("/wardrobe", s.withSession(s.handleWardrobe))
		r.Post("/wardrobe", s.withSession(s.handleAddWardrobe))
		r.Delete("/wardrobe/{id}", s.withSession(s.handleDeleteWardrobe))
	})
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.janitor(ctx)
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.sessions.Close()
	return err
}

func (s *Server) janitor(ctx context.Context) {
	ttl := s.cfg.SessionIdleTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.sessions.Sweep(ttl); n > 0 {
				s.logger.Debug("swept idle sessions", zap.Int("count", n))
			}
			s.limiter.Cleanup(10 * time.Minute)
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func claimsOf(r *http.Request) *identity.Claims { return identity.FromContext(r.Context()) }

func zapErr(err error) zap.Field { return zap.Error(err) }
