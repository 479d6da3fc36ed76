package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names the environment variable holding an optional config
// file path. The --config flag takes precedence.
const ConfigFileEnv = "POSLEDGER_CONFIG"

const (
	KeyPort               = "port"
	KeyAllowedOrigin      = "allowed_origin"
	KeyDatabaseURL        = "database_url"
	KeySQLitePath         = "sqlite_path"
	KeyRedisAddr          = "redis_addr"
	KeyRedisPassword      = "redis_password"
	KeyRedisDB            = "redis_db"
	KeyCacheTTLSeconds    = "barcode_cache_ttl_seconds"
	KeyAuthSecret         = "auth_secret"
	KeyTokenTTLMinutes    = "access_token_ttl_minutes"
	KeyLogLevel           = "log_level"
	KeyUnitMaxAttempts    = "unit_max_attempts"
	KeySeedAdminPassword  = "seed_admin_password"
	KeySeedSellerPassword = "seed_seller_password"
	KeyConfigFile         = "config"
)

type Config struct {
	Port               string
	AllowedOrigin      string
	DatabaseURL        string
	SQLitePath         string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	CacheTTL           time.Duration
	AuthSecret         string
	AccessTokenTTL     time.Duration
	LogLevel           string
	UnitMaxAttempts    int
	SeedAdminPassword  string
	SeedSellerPassword string
}

// NewViper returns a viper instance with defaults set and environment
// variables bound. Keys map to upper-case variables (database_url reads
// DATABASE_URL).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyPort, "8080")
	v.SetDefault(KeyAllowedOrigin, "http://127.0.0.1:3000")
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeySQLitePath, "")
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyCacheTTLSeconds, 30)
	v.SetDefault(KeyAuthSecret, "")
	v.SetDefault(KeyTokenTTLMinutes, 480)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyUnitMaxAttempts, 3)
	v.SetDefault(KeySeedAdminPassword, "")
	v.SetDefault(KeySeedSellerPassword, "")
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file and resolves every key from v.
func Load(v *viper.Viper) (Config, error) {
	path := strings.TrimSpace(v.GetString(KeyConfigFile))
	if path == "" {
		path = strings.TrimSpace(v.GetString(ConfigFileEnv))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cacheTTL := v.GetInt(KeyCacheTTLSeconds)
	if cacheTTL < 1 {
		cacheTTL = 30
	}
	tokenTTL := v.GetInt(KeyTokenTTLMinutes)
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	attempts := v.GetInt(KeyUnitMaxAttempts)
	if attempts < 1 {
		attempts = 1
	}

	return Config{
		Port:               strings.TrimSpace(v.GetString(KeyPort)),
		AllowedOrigin:      strings.TrimSpace(v.GetString(KeyAllowedOrigin)),
		DatabaseURL:        strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		SQLitePath:         strings.TrimSpace(v.GetString(KeySQLitePath)),
		RedisAddr:          strings.TrimSpace(v.GetString(KeyRedisAddr)),
		RedisPassword:      v.GetString(KeyRedisPassword),
		RedisDB:            v.GetInt(KeyRedisDB),
		CacheTTL:           time.Duration(cacheTTL) * time.Second,
		AuthSecret:         strings.TrimSpace(v.GetString(KeyAuthSecret)),
		AccessTokenTTL:     time.Duration(tokenTTL) * time.Minute,
		LogLevel:           v.GetString(KeyLogLevel),
		UnitMaxAttempts:    attempts,
		SeedAdminPassword:  v.GetString(KeySeedAdminPassword),
		SeedSellerPassword: v.GetString(KeySeedSellerPassword),
	}, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// StoreKind names the backend selected by the configuration.
func (c Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
