package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/escrow")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("GATEWAY_TIMEOUT_MS", "2500")
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PLATFORM_FEE_PERCENT", "")
	t.Setenv("UPFRONT_PERCENT", "")
	t.Setenv("SERVER_PORT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.UpfrontPercent != 50 || cfg.PaymentLinkTTL != 24*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PlatformFeePercent.String() != "10" {
		t.Fatalf("fee default = %s", cfg.PlatformFeePercent)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.GatewayTimeout != 2500*time.Millisecond {
		t.Fatalf("gateway timeout = %s", cfg.GatewayTimeout)
	}
	if err := cfg.RequireAPI(); err == nil {
		t.Fatal("expected RequireAPI to fail without secrets")
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.yaml")
	body := `
server:
  port: "9000"
database:
  source: postgres://file/escrow
gateway:
  base_url: https://gateway.example
  webhook_secret: from-file
escrow:
  platform_fee_percent: "2.5"
  upfront_percent: 30
auth:
  jwt_secret: file-jwt
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("DB_SOURCE", "")
	t.Setenv("PLATFORM_FEE_PERCENT", "")
	t.Setenv("UPFRONT_PERCENT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9100" {
		t.Fatalf("env must override file, port = %s", cfg.Port)
	}
	if cfg.DBSource != "postgres://file/escrow" || cfg.UpfrontPercent != 30 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PlatformFeePercent.String() != "2.5" {
		t.Fatalf("fee = %s", cfg.PlatformFeePercent)
	}
	if err := cfg.RequireAPI(); err != nil {
		t.Fatalf("RequireAPI: %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("UPFRONT_PERCENT", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error without DB_SOURCE")
	}

	t.Setenv("DB_SOURCE", "postgres://localhost/escrow")
	t.Setenv("PLATFORM_FEE_PERCENT", "120")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for fee above 100")
	}

	t.Setenv("PLATFORM_FEE_PERCENT", "abc")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparsable fee")
	}

	t.Setenv("PLATFORM_FEE_PERCENT", "")
	t.Setenv("UPFRONT_PERCENT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero upfront percent")
	}

	t.Setenv("UPFRONT_PERCENT", "abc")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "UPFRONT_PERCENT") {
		t.Fatalf("expected UPFRONT_PERCENT parse error, got %v", err)
	}

	t.Setenv("UPFRONT_PERCENT", "")
	t.Setenv("GATEWAY_TIMEOUT_MS", "2s")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "GATEWAY_TIMEOUT_MS") {
		t.Fatalf("expected GATEWAY_TIMEOUT_MS parse error, got %v", err)
	}
}
