package config

import (
	"math"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Expected sqlite3 driver, got %s", cfg.Database.Driver)
	}
	if cfg.Connector.MaxTransferTimeout != 5*time.Second {
		t.Errorf("Expected 5s max transfer timeout, got %s", cfg.Connector.MaxTransferTimeout)
	}
	if cfg.Quoting.MaxPacketAmount != math.MaxUint64 {
		t.Errorf("Expected unlimited max packet amount, got %d", cfg.Quoting.MaxPacketAmount)
	}
	if cfg.Quoting.Slippage != 0.01 {
		t.Errorf("Expected 0.01 slippage, got %v", cfg.Quoting.Slippage)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("OUTGOING_WORKERS", "4")
	t.Setenv("QUOTE_SLIPPAGE", "0.05")
	t.Setenv("QUOTE_MAX_PACKET_AMOUNT", "1000")
	t.Setenv("WEBHOOK_TIMEOUT", "3s")
	t.Setenv("FORMANCE_ENABLED", "true")
	t.Setenv("RATES_BREAKER_MAX_FAILURES", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Outgoing.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Outgoing.Workers)
	}
	if cfg.Quoting.Slippage != 0.05 {
		t.Errorf("Expected 0.05 slippage, got %v", cfg.Quoting.Slippage)
	}
	if cfg.Quoting.MaxPacketAmount != 1000 {
		t.Errorf("Expected max packet 1000, got %d", cfg.Quoting.MaxPacketAmount)
	}
	if cfg.Webhook.Timeout != 3*time.Second {
		t.Errorf("Expected 3s webhook timeout, got %s", cfg.Webhook.Timeout)
	}
	if !cfg.Formance.Enabled {
		t.Error("Expected formance enabled")
	}
	if cfg.Rates.BreakerMaxFailures != 3 {
		t.Errorf("Expected malformed value to fall back to 3, got %d", cfg.Rates.BreakerMaxFailures)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("OUTGOING_LEASE_TTL", "forever")
	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid duration")
	}
}
