package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/app"
	"github.com/JakeFAU/registry-fetcher/internal/config"
	"github.com/JakeFAU/registry-fetcher/internal/logging"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type appKeyType string

const appKey appKeyType = "app"

// needsApp marks commands that run against the service container.
const needsApp = "needs-app"

// appFactory builds the service container. Tests swap in one backed by a stub browser.
type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)

func defaultFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// rootOptions is shared by the command tree.
type rootOptions struct {
	cfgFile string
	logger  *zap.Logger
	// overrides apply a subcommand's flags to the loaded config, keyed by command name.
	overrides map[string]func(cmd *cobra.Command, cfg *config.Config)
}

// newRootCmd creates the command tree. The App is built in PersistentPreRunE, after
// flags are parsed, and closed by withApp.
func newRootCmd(factory appFactory) *cobra.Command {
	opts := &rootOptions{overrides: map[string]func(*cobra.Command, *config.Config){}}
	cmd := &cobra.Command{
		Use:   "registry-fetcher",
		Short: "Cached, rate-limited lookups against the business registry.",
		Long: `registry-fetcher answers entity lookups from a local cache and refreshes stale
records by driving the registry website through a pool of headless browser sessions.
It serves lookups over HTTP, over MCP on stdio, or once from the command line.`,
		Version:      version,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[needsApp] == "" {
				return nil
			}
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			if override := opts.overrides[cmd.Name()]; override != nil {
				override(cmd, &cfg)
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.logger = logger

			a, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML); REGISTRY_* env vars override it")

	cmd.AddCommand(newServeCmd(opts), newLookupCmd(opts))
	return cmd
}

// withApp runs fn with the App built for cmd and always closes it afterwards. Cobra
// skips PersistentPostRunE when RunE fails, so closing lives here instead.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) (err error) {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeApp(cmd.Context(), opts))
	}()
	return fn(cmd.Context(), a)
}

func closeApp(ctx context.Context, opts *rootOptions) error {
	var err error
	if a, ok := ctx.Value(appKey).(*app.App); ok && a != nil {
		err = a.Close(context.WithoutCancel(ctx))
	}
	if opts.logger != nil {
		// Sync on a terminal stderr returns ENOTTY on Linux.
		_ = opts.logger.Sync()
	}
	return err
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
