package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spdeepak/offlinecache"
	"github.com/spdeepak/offlinecache/internal/telemetry"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upstream origin through the offline cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address")
	_ = v.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
}

// newUpstream returns a reverse proxy to the configured origin.
func newUpstream() (*httputil.ReverseProxy, error) {
	target, err := url.Parse(cfg.Server.Upstream)
	if err != nil || !target.IsAbs() {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Server.Upstream)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	return proxy, nil
}

func runServe(ctx context.Context) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	proxy, err := newUpstream()
	if err != nil {
		return err
	}
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	registration := offlinecache.NewRegistration(storage, offlinecache.HandlerFetcher{Handler: proxy}, logger)
	defer registration.Close()

	workerCfg := cfg.OfflineConfig()
	workerCfg.Logger = logger
	if _, err := registration.Update(ctx, workerCfg); err != nil {
		// No offline support until the next successful update.
		logger.Warn("Update failed, serving without cache", slog.Any("error", err))
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           registration.Middleware(proxy),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", slog.String("addr", server.Addr), slog.String("upstream", cfg.Server.Upstream))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
