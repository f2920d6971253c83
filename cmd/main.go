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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kong/pg-resilient-dal/internal/config"
	"github.com/kong/pg-resilient-dal/pkg/dal"
)

const shutdownTimeout = 15 * time.Second

type appContext struct {
	Layer  *dal.Layer
	Logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dal",
		Short:         "Resilient PostgreSQL data-access layer",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the pools and serve the admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			_, hasReplica := cfg.Postgres.ReplicaDSN()
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (replica: %t, breaker store: %s, rate limit store: %s, cache store: %s)\n",
				hasReplica, cfg.Breaker.Store, cfg.RateLimit.Store, cfg.Cache.Store)
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := SetupLogging(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	layer, err := dal.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("DB Connection failed", zap.Error(err))
		return err
	}
	defer layer.Close()

	ac := &appContext{Layer: layer, Logger: logger}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ac.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		ac.Logger.Info("Application is running", zap.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
