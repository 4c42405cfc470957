package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/DaanHessen/fitcheck/internal/engine"
	"github.com/DaanHessen/fitcheck/internal/imagegen"
	"github.com/DaanHessen/fitcheck/internal/store"
	"github.com/DaanHessen/fitcheck/internal/util"
)

var version = "0.1.0"

var (
	verbose bool
	envFile string

	cfg    util.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fitcheck",
	Short: "Virtual try-on studio",
	Long: `fitcheck layers garments onto a model photo with an image generation
model, caches every pose it renders, and meters generations with credits.

Run "fitcheck serve" for the web studio or "fitcheck tui" for the terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			cfg = util.Load(envFile)
		} else {
			cfg = util.Load()
		}
		cfg.Verbose = cfg.Verbose || verbose
		l, err := newLogger(cfg.Verbose)
		if err != nil {
			return errors.Wrap(err, "init logger")
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "fitcheck", version)
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down|version",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Read settings from this file instead of .env")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(accountCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the production logger. outputs override stderr.
func newLogger(debug bool, outputs ...string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if len(outputs) > 0 {
		config.OutputPaths = outputs
		config.ErrorOutputPaths = outputs
	}
	return config.Build()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch args[0] {
	case "up":
		err = migrator.Up(ctx)
		if err == nil {
			fmt.Fprintln(out, "Migrations applied")
		}
	case "down":
		err = migrator.Down(ctx)
		if err == nil {
			fmt.Fprintln(out, "Migrations rolled back")
		}
	case "version":
		v, dirty, verr := migrator.Version(ctx)
		if verr != nil {
			return verr
		}
		fmt.Fprintf(out, "version %d (dirty: %v)\n", v, dirty)
		return nil
	}
	if errors.Is(err, store.ErrNoChange) {
		fmt.Fprintln(out, "No change")
		return nil
	}
	return err
}

func migrateUp(ctx context.Context) error {
	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "migrations init")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrator.Up(ctx); err != nil && !errors.Is(err, store.ErrNoChange) {
		return errors.Wrap(err, "migrations")
	}
	return nil
}

// newRenderer picks Gemini or the offline renderer and wraps it for
// logging. obs may be nil.
func newRenderer(ctx context.Context, obs imagegen.Observer) (engine.Renderer, error) {
	var base engine.Renderer
	if cfg.Offline {
		logger.Info("using offline renderer")
		base = imagegen.NewOffline(cfg.OfflineSeed)
	} else {
		opts := []imagegen.GeminiOption{imagegen.WithLogger(logger)}
		if cfg.GeminiModel != "" {
			opts = append(opts, imagegen.WithModel(cfg.GeminiModel))
		}
		g, err := imagegen.NewGemini(ctx, cfg.GeminiAPIKey, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "init gemini")
		}
		logger.Info("using gemini renderer", zap.String("model", g.Name()))
		base = g
	}
	return imagegen.Observe(base, obs, logger), nil
}
