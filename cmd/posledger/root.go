package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"posledger/internal/cache"
	"posledger/internal/config"
	"posledger/internal/domain"
	"posledger/internal/httpapi"
	"posledger/internal/logging"
	"posledger/internal/service"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	pgstore "posledger/internal/store/postgres"
	"posledger/internal/store/sqlite"
)

// cliActor is the identity recorded in audit logs for commands run from a
// shell on the host.
var cliActor = domain.Actor{Username: "cli", Role: domain.RoleAdministrator}

type app struct {
	v      *viper.Viper
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "posledger",
		Short:         "Point-of-sale inventory ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (env "+config.ConfigFileEnv+")")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("database-url", "", "postgres DSN")
	flags.String("sqlite-path", "", "sqlite database file")
	flags.String("redis-addr", "", "redis address for the barcode cache")

	_ = a.v.BindPFlag(config.KeyConfigFile, flags.Lookup("config"))
	_ = a.v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = a.v.BindPFlag(config.KeyDatabaseURL, flags.Lookup("database-url"))
	_ = a.v.BindPFlag(config.KeySQLitePath, flags.Lookup("sqlite-path"))
	_ = a.v.BindPFlag(config.KeyRedisAddr, flags.Lookup("redis-addr"))

	root.AddCommand(newServeCmd(a), newProductCmd(a), newSaleCmd(a))
	return root
}

// openRepository picks postgres, then sqlite, then the seeded in-memory
// store. A configured database that cannot be reached is fatal.
func (a *app) openRepository(ctx context.Context) (store.Repository, error) {
	switch a.cfg.StoreKind() {
	case "postgres":
		repo, err := pgstore.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to fall back: %w", err)
		}
		a.logger.Info("repository: postgres")
		return a.seed(ctx, repo)
	case "sqlite":
		repo, err := sqlite.New(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.logger.Info("repository: sqlite", "path", a.cfg.SQLitePath)
		return a.seed(ctx, repo)
	default:
		a.logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil
	}
}

// seed creates the admin and seller accounts for the passwords that are
// configured. Existing accounts are left alone.
func (a *app) seed(ctx context.Context, repo store.Repository) (store.Repository, error) {
	for _, account := range []struct {
		username string
		password string
		role     domain.Role
	}{
		{"admin", a.cfg.SeedAdminPassword, domain.RoleAdministrator},
		{"seller", a.cfg.SeedSellerPassword, domain.RoleSeller},
	} {
		if account.password == "" {
			continue
		}
		hash, err := httpapi.HashPassword(account.password)
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		err = repo.CreateUser(ctx, domain.UserAccount{
			Username: account.username,
			Password: hash,
			Role:     account.role,
			Active:   true,
		})
		switch {
		case err == nil:
			a.logger.Info("seeded account", "username", account.username, "role", string(account.role))
		case errors.Is(err, store.ErrDuplicateKey):
		default:
			_ = repo.Close()
			return nil, fmt.Errorf("seed %s: %w", account.username, err)
		}
	}
	return repo, nil
}

// openCache returns the redis barcode cache when configured and reachable,
// otherwise a process-local one.
func (a *app) openCache(ctx context.Context) (cache.ProductCache, func() error) {
	if a.cfg.RedisAddr == "" {
		a.logger.Info("cache: memory")
		return cache.NewMemoryProductCache(), func() error { return nil }
	}
	redisCache := cache.NewRedisProductCache(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		a.logger.Warn("redis unavailable, using memory cache", "addr", a.cfg.RedisAddr, "error", err)
		_ = redisCache.Close()
		return cache.NewMemoryProductCache(), func() error { return nil }
	}
	a.logger.Info("cache: redis", "addr", a.cfg.RedisAddr)
	return redisCache, redisCache.Close
}

// withService opens the configured backends, runs fn and closes everything.
func (a *app) withService(ctx context.Context, fn func(svc *service.Service) error) error {
	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	productCache, closeCache := a.openCache(ctx)
	defer closeCache()

	return fn(a.newService(repo, productCache))
}

func (a *app) newService(repo store.Repository, productCache cache.ProductCache) *service.Service {
	return service.New(repo, productCache, a.logger, service.Options{
		CacheTTL:     a.cfg.CacheTTL,
		MaxAttempts:  a.cfg.UnitMaxAttempts,
		RetryBackoff: retryBackoff,
	})
}
