package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"

	"github.com/okian/recalc/internal/adapters/http/api"
	"github.com/okian/recalc/internal/adapters/http/swagger"
	service "github.com/okian/recalc/internal/app"
	"github.com/okian/recalc/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 30 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

// newServeCmd creates the "recalc serve" subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var accessLog bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker",
		Long:  "Starts the service: applies the rules file, drains the activity and contact-change\nqueues on every worker tick, and serves the HTTP API until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, accessLog)
		},
	}
	cmd.Flags().BoolVar(&accessLog, "access-log", false, "write an Apache combined access log to stdout")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, accessLog bool) error {
	cfg, l, err := opts.load(ctx)
	if err != nil {
		return err
	}

	svc := service.New(cfg, service.WithLogger(l))
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop(context.Background())

	go startServiceMetricsUpdater(ctx, svc, l)

	apiServer := api.NewServer(svc, api.WithLogger(l.Named("http")))
	var handler http.Handler = apiServer.Handler(ctx, swagger.Register)
	if accessLog {
		handler = handlers.CombinedLoggingHandler(os.Stdout, handler)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
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
	case <-ctx.Done():
	}
	l.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	apiServer.Wait()
	l.Info(ctx, "server stopped")
	return nil
}

// startServiceMetricsUpdater refreshes queue gauges between worker ticks.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service, l logger.Logger) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Stats(ctx); err != nil && ctx.Err() == nil {
				l.Debug(ctx, "stats refresh failed", logger.Error(err))
			}
		}
	}
}
