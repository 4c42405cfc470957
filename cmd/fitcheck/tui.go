package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/store"
	"github.com/DaanHessen/fitcheck/internal/ui"
)

var (
	tuiUser    string
	tuiName    string
	tuiEmail   string
	tuiTheme   string
	tuiLogFile string
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Style looks in the terminal",
	Long: `Without --user the terminal studio runs locally with unlimited renders.
With --user it signs in as that account in DATABASE_URL and spends its credits.`,
	Args: cobra.NoArgs,
	RunE: runTUI,
}

func init() {
	tuiCmd.Flags().StringVar(&tuiUser, "user", "", "Account id to spend credits from")
	tuiCmd.Flags().StringVar(&tuiName, "name", "", "Display name for --user")
	tuiCmd.Flags().StringVar(&tuiEmail, "email", "", "Email for --user")
	tuiCmd.Flags().StringVar(&tuiTheme, "theme", "", "Palette (default FITCHECK_THEME)")
	tuiCmd.Flags().StringVar(&tuiLogFile, "log-file", "", "Write logs here; logging is off otherwise")
}

func runTUI(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stderr belongs to the terminal UI
	logger = zap.NewNop()
	if tuiLogFile != "" {
		l, err := newLogger(cfg.Verbose, tuiLogFile)
		if err != nil {
			return errors.Wrap(err, "init logger")
		}
		logger = l
	}

	renderer, err := newRenderer(ctx, nil)
	if err != nil {
		return err
	}
	theme := cfg.Theme
	if tuiTheme != "" {
		theme = tuiTheme
	}
	opts := []ui.Option{ui.WithVersion(version), ui.WithTheme(theme), ui.WithShareBase(cfg.PublicURL)}
	ctrlOpts := []engine.Option{engine.WithLogger(logger), engine.WithReplayTiming(cfg.ReplayResetDelay, nil)}

	if tuiUser == "" {
		ctrl := engine.NewController(renderer, nil, ctrlOpts...)
		ctrl.SetEntitlement(engine.Entitlement{Authenticated: true, UserID: "local", Name: "Local", Plan: engine.PlanPremium})
		return ui.Run(ctx, ctrl, opts...)
	}

	db, err := store.Open(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()
	accounts := store.NewAccounts(db, store.NewHub(), logger)
	name := tuiName
	if name == "" {
		name = tuiUser
	}
	ent, err := accounts.EnsureUser(ctx, tuiUser, name, tuiEmail)
	if err != nil {
		return err
	}
	ctrl := engine.NewController(renderer, accounts, ctrlOpts...)
	ctrl.SetEntitlement(ent)
	updates, cancel := accounts.Subscribe(tuiUser)
	defer cancel()

	opts = append(opts,
		ui.WithEntitlements(updates),
		ui.WithHistory(func(ctx context.Context) ([]engine.Transaction, error) {
			return accounts.ListTransactions(ctx, tuiUser, 20)
		}),
		ui.WithReward(func(ctx context.Context) error {
			_, err := engine.RewardAd(ctx, accounts, tuiUser, cfg.AdDuration)
			return err
		}),
	)
	return ui.Run(ctx, ctrl, opts...)
}
