package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9000"
  public_base_url: https://pay.example.com
database:
  driver: postgres
  dsn: host=127.0.0.1 dbname=txn
security:
  api_jwt:
    secret: a-long-and-random-operator-secret
    issuer: shop
transaction:
  default_currency: USD
  expire_minutes: 15
alipay:
  enabled: true
  app_id: "2021000000000000"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Port != "9000" || cfg.Server.PublicBaseURL != "https://pay.example.com" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Mode != "debug" {
		t.Fatalf("expected server defaults kept, got %+v", cfg.Server)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.Pool.MaxOpenConns != 1 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Security.APIJWT.Issuer != "shop" || cfg.Security.QueryRateLimit.MaxRequests != 120 {
		t.Fatalf("unexpected security config: %+v", cfg.Security)
	}
	if cfg.Transaction.DefaultCurrency != "USD" || cfg.Transaction.ExpireDuration() != 15*time.Minute {
		t.Fatalf("unexpected transaction config: %+v", cfg.Transaction)
	}
	if !cfg.Alipay.Enabled || cfg.Alipay.SignType != "RSA2" {
		t.Fatalf("unexpected alipay config: %+v", cfg.Alipay)
	}
	if gw := cfg.Alipay.ToGatewayConfig(); gw.AppID != "2021000000000000" || gw.GatewayURL == "" {
		t.Fatalf("unexpected alipay gateway config: %+v", gw)
	}
	if cfg.Queue.Queues["critical"] != 5 {
		t.Fatalf("expected default queue weights, got %v", cfg.Queue.Queues)
	}
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9443")
	t.Setenv("TRANSACTION_DEFAULT_CURRENCY", "HKD")
	path := writeConfigFile(t, "server:\n  port: \"9000\"\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Port != "9443" {
		t.Fatalf("expected env port 9443, got %s", cfg.Server.Port)
	}
	if cfg.Transaction.DefaultCurrency != "HKD" {
		t.Fatalf("expected env currency HKD, got %s", cfg.Transaction.DefaultCurrency)
	}
}

func TestLoadFileMissingFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Redis.Prefix != "txn" {
		t.Fatalf("expected defaults, got server=%+v redis=%+v", cfg.Server, cfg.Redis)
	}
	if cfg.Transaction.SweepInterval() != time.Minute {
		t.Fatalf("expected sweep interval 1m, got %s", cfg.Transaction.SweepInterval())
	}
}

func TestTransactionDurationsFallBack(t *testing.T) {
	var tx TransactionConfig
	cases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{name: "expire", got: tx.ExpireDuration(), want: time.Hour},
		{name: "dispatch", got: tx.DispatchTimeout(), want: 5 * time.Second},
		{name: "redispatch", got: tx.RedispatchDelay(), want: 30 * time.Second},
		{name: "notify_lock", got: tx.NotifyLockTTL(), want: 10 * time.Second},
		{name: "query_cache", got: tx.QueryCacheTTL(), want: 0},
		{name: "sweep", got: tx.SweepInterval(), want: time.Minute},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: want %s got %s", tc.name, tc.want, tc.got)
		}
	}
}

func TestSetDefaultsCORS(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	if got := v.GetStringSlice("cors.allowed_origins"); len(got) != 1 || got[0] != "*" {
		t.Fatalf("unexpected default origins: %v", got)
	}
	if v.GetInt("cors.max_age") != 600 {
		t.Fatalf("unexpected cors max age: %d", v.GetInt("cors.max_age"))
	}
}
