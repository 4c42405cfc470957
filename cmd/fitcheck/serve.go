package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/DaanHessen/fitcheck/internal/api"
	"github.com/DaanHessen/fitcheck/internal/identity"
	"github.com/DaanHessen/fitcheck/internal/metrics"
	"github.com/DaanHessen/fitcheck/internal/purchase"
	"github.com/DaanHessen/fitcheck/internal/store"
	"github.com/DaanHessen/fitcheck/internal/util"
)

var (
	serveAddr    string
	serveOffline bool
	skipMigrate  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web studio API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default FITCHECK_ADDR or :8080)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "Use the deterministic offline renderer")
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply migrations on start")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	cfg.Offline = cfg.Offline || serveOffline

	m := metrics.New(true)
	renderer, err := newRenderer(ctx, m)
	if err != nil {
		return err
	}

	if !skipMigrate {
		if err := migrateUp(ctx); err != nil {
			return err
		}
	}
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	deps := api.Deps{
		Config:   cfg,
		Accounts: store.NewAccounts(db, store.NewHub(), logger),
		Renderer: renderer,
		Metrics:  m,
		Logger:   logger,
		Provider: identity.NewGoogleProvider(identity.OAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.RedirectURL,
		}),
	}
	if !deps.Provider.Configured() {
		logger.Warn("google sign-in disabled, GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET missing")
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = util.RandomToken() + util.RandomToken()
		logger.Warn("FITCHECK_JWT_SECRET unset, sign-ins will not survive a restart")
	}
	issuer, err := identity.NewIssuer(secret, identity.DefaultTokenTTL)
	if err != nil {
		return err
	}
	deps.Issuer = issuer

	if cfg.PaymentWorkerURL != "" {
		deps.Purchases = purchase.NewClient(cfg.PaymentWorkerURL, nil, logger)
	} else {
		logger.Warn("purchases disabled, PAYMENT_WORKER_URL missing")
	}

	err = api.New(deps).Run(ctx, cfg.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
