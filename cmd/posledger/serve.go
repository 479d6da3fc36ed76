package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"posledger/internal/config"
	"posledger/internal/httpapi"
)

const (
	retryBackoff    = 25 * time.Millisecond
	shutdownTimeout = 8 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("port", "8080", "listen port")
	_ = a.v.BindPFlag(config.KeyPort, cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if err := validateSecurityConfig(a.cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	repo, err := a.openRepository(startCtx)
	if err != nil {
		cancel()
		return err
	}
	defer repo.Close()
	productCache, closeCache := a.openCache(startCtx)
	defer closeCache()
	svc := a.newService(repo, productCache)
	auth := httpapi.NewAuthManager(startCtx, a.cfg.AuthSecret, a.cfg.AccessTokenTTL, repo, a.logger)
	cancel()

	api := httpapi.New(svc, auth, a.cfg.AllowedOrigin, a.logger)
	server := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("posledger listening", "addr", server.Addr, "store", a.cfg.StoreKind())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a single origin")
	}
	for name, pwd := range map[string]string{
		"SEED_ADMIN_PASSWORD":  cfg.SeedAdminPassword,
		"SEED_SELLER_PASSWORD": cfg.SeedSellerPassword,
	} {
		if pwd != "" && len(pwd) < 8 {
			return fmt.Errorf("%s must be at least 8 characters", name)
		}
	}
	return nil
}
