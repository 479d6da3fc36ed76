package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/cache"
	"posledger/internal/config"
	"posledger/internal/domain"
	"posledger/internal/logging"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", AllowedOrigin: "http://pos.test"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}

	err = validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*"})
	if err == nil {
		t.Fatalf("expected wildcard origin to be rejected")
	}

	err = validateSecurityConfig(config.Config{
		AuthSecret:        "0123456789abcdef0123456789abcdef",
		AllowedOrigin:     "http://pos.test",
		SeedAdminPassword: "admin",
	})
	if err == nil {
		t.Fatalf("expected short seed password to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "http://pos.test"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func productsJSON(t *testing.T, dbPath string) []domain.Product {
	t.Helper()
	out, err := runCLI(t, "--sqlite-path", dbPath, "product", "list", "--json")
	require.NoError(t, err)
	var products []domain.Product
	require.NoError(t, json.Unmarshal([]byte(out), &products))
	return products
}

func TestCLISaleRoundTripOnSQLite(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_ADDR", "SQLITE_PATH", config.ConfigFileEnv} {
		t.Setenv(key, "")
	}
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	out, err := runCLI(t, "--sqlite-path", dbPath, "product", "add",
		"--barcode", "A1", "--name", "Agua Mineral 600ml", "--price", "5.00", "--on-hand", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "created product 1 (A1)")

	out, err = runCLI(t, "--sqlite-path", dbPath, "product", "find", "A1")
	require.NoError(t, err)
	assert.Contains(t, out, "Agua Mineral 600ml")
	assert.Contains(t, out, "5.00")

	out, err = runCLI(t, "--sqlite-path", dbPath, "sale", "register", "--item", "1:3")
	require.NoError(t, err)
	assert.Contains(t, out, "sale 1 total 15.00")

	products := productsJSON(t, dbPath)
	require.Len(t, products, 1)
	assert.Equal(t, 7, products[0].OnHand)

	out, err = runCLI(t, "--sqlite-path", dbPath, "sale", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Agua Mineral 600ml")
	assert.Contains(t, out, "15.00")

	_, err = runCLI(t, "--sqlite-path", dbPath, "sale", "register", "--item", "1:8")
	require.Error(t, err)
	assert.Equal(t, 7, productsJSON(t, dbPath)[0].OnHand)

	out, err = runCLI(t, "--sqlite-path", dbPath, "sale", "void", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "voided sale 1")
	assert.Contains(t, out, "product 1 +3")
	assert.Equal(t, 10, productsJSON(t, dbPath)[0].OnHand)

	_, err = runCLI(t, "--sqlite-path", dbPath, "sale", "void", "1")
	require.Error(t, err)
}

func TestParseCart(t *testing.T) {
	cart, err := parseCart([]string{"1:3", " 2 : 1 "})
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}}, cart)

	for _, bad := range []string{"1", "x:2", "1:y", "0:1"} {
		_, err := parseCart([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestOpenCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, addr := range map[string]string{
		"unset":       "",
		"unreachable": "127.0.0.1:1",
	} {
		t.Run(name, func(t *testing.T) {
			a := &app{cfg: config.Config{RedisAddr: addr}, logger: logging.Discard()}
			productCache, closeCache := a.openCache(ctx)
			defer func() { assert.NoError(t, closeCache()) }()

			require.IsType(t, &cache.MemoryProductCache{}, productCache)
			product := &domain.Product{ID: 1, Barcode: "A1", Name: "Agua Mineral 600ml"}
			require.NoError(t, productCache.Set(ctx, "A1", product, time.Minute))
			got, ok, err := productCache.Get(ctx, "A1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Agua Mineral 600ml", got.Name)
		})
	}
}
