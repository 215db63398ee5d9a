package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/app"
	"github.com/JakeFAU/registry-fetcher/internal/config"
)

// newServeCmd creates the 'serve' subcommand, the long-running service mode.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		transport string
		port      int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve lookups over HTTP or MCP stdio",
		Long: `Starts the lookup service. With --transport http (the default) it exposes the
REST API, health probes and Prometheus metrics. With --transport stdio it speaks the
Model Context Protocol on stdin/stdout for agent clients; logs go to stderr.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{needsApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, runServe)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "http or stdio (overrides server.transport)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP listen port (overrides server.port)")

	opts.overrides[cmd.Name()] = func(cmd *cobra.Command, cfg *config.Config) {
		if cmd.Flags().Changed("transport") {
			cfg.Server.Transport = transport
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
	}
	return cmd
}

func runServe(ctx context.Context, a *app.App) error {
	logger := a.Logger()
	cfg := a.Config()

	if err := a.Start(ctx); err != nil {
		// The pool retries on the first Acquire; /readyz reports unhealthy until then.
		logger.Warn("browser warm-up failed", zap.Error(err))
	}

	if cfg.Server.Transport == "stdio" {
		logger.Info("mcp server started on stdio", zap.String("version", version))
		if err := a.MCPServer().ServeStdio(ctx, version); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("mcp server stopped")
		return nil
	}
	return serveHTTP(ctx, a)
}

func serveHTTP(ctx context.Context, a *app.App) error {
	logger := a.Logger()
	cfg := a.Config()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.HTTPServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
