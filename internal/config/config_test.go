package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

const (
	testLedgers     = `["USD@http://usd-ledger.example","EUR@http://eur-ledger.example/"]`
	testCredentials = `{
		"http://usd-ledger.example": {"account_uri": "http://usd-ledger.example/accounts/mark", "username": "mark", "password": "mark"},
		"http://eur-ledger.example": {"account_uri": "http://eur-ledger.example/accounts/mark", "username": "mark", "password": "mark"}
	}`
)

func baseEnv(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CONNECTOR_ID_SECRET", "VafuntVJRw6YzDTs4IgIU1IPJACywtgUUQJHh1u018w=")
	setEnvWithCleanup(t, "CONNECTOR_LEDGERS", testLedgers)
	setEnvWithCleanup(t, "LEDGER_CREDENTIALS", testCredentials)
	for _, key := range []string{"PORT", "FX_SLIPPAGE", "CONNECTOR_SLIPPAGE", "ROUTE_RATES", "NOTIFICATION_VERIFY", "NOTIFICATION_KEYS", "MIN_MESSAGE_WINDOW_SECONDS", "MAX_HOLD_TIME_SECONDS"} {
		unsetEnvWithCleanup(t, key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MinMessageWindow() != time.Second {
		t.Fatalf("expected 1s message window, got %s", cfg.MinMessageWindow())
	}
	if cfg.MaxHoldTime() != 10*time.Second {
		t.Fatalf("expected 10s max hold time, got %s", cfg.MaxHoldTime())
	}
	if cfg.Slippage.String() != "0.001" {
		t.Fatalf("expected default slippage 0.001, got %s", cfg.Slippage)
	}
	if len(cfg.Ledgers) != 2 {
		t.Fatalf("expected 2 ledgers, got %d", len(cfg.Ledgers))
	}
	eur := cfg.Ledgers[1]
	if eur.Currency != "EUR" || eur.Ledger != "http://eur-ledger.example" || eur.Account != "http://eur-ledger.example/accounts/mark" {
		t.Fatalf("unexpected EUR ledger config: %+v", eur)
	}
}

func TestLoadConfig_RequiresIDSecret(t *testing.T) {
	baseEnv(t)
	unsetEnvWithCleanup(t, "CONNECTOR_ID_SECRET")

	_, err := LoadConfig(t.TempDir())
	if !errors.Is(err, ErrMissingIDSecret) {
		t.Fatalf("expected ErrMissingIDSecret, got %v", err)
	}
}

func TestLoadConfig_SlippageAlias(t *testing.T) {
	baseEnv(t)
	setEnvWithCleanup(t, "CONNECTOR_SLIPPAGE", "0.01")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Slippage.String() != "0.01" {
		t.Fatalf("expected slippage from alias env var, got %s", cfg.Slippage)
	}
}

func TestLoadConfig_RejectsLedgerWithoutCredentials(t *testing.T) {
	baseEnv(t)
	setEnvWithCleanup(t, "CONNECTOR_LEDGERS", `["JPY@http://jpy-ledger.example"]`)

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error for ledger without credentials")
	}
}

func TestLoadConfig_Routes(t *testing.T) {
	baseEnv(t)
	setEnvWithCleanup(t, "ROUTE_RATES", `[{"source_ledger":"http://usd-ledger.example","destination_ledger":"http://eur-ledger.example","rate":"0.9"}]`)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Rate != "0.9" {
		t.Fatalf("unexpected routes: %+v", cfg.Routes)
	}

	viper.Reset()
	setEnvWithCleanup(t, "ROUTE_RATES", `[{"source_ledger":"http://usd-ledger.example","destination_ledger":"http://eur-ledger.example","rate":"-1"}]`)
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error for negative rate")
	}
}

func TestLoadConfig_VerificationNeedsKeys(t *testing.T) {
	baseEnv(t)
	setEnvWithCleanup(t, "NOTIFICATION_VERIFY", "true")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected error when verification is enabled without keys")
	}
}

func TestConfig_CORSOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example, ,https://b.example "}
	origins := cfg.CORSOrigins()
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", origins)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
