package config

import (
	"os"
	"testing"
	"time"
)

func unsetDBEnv() {
	_ = os.Unsetenv("SOMNIA_DB_DRIVER")
	_ = os.Unsetenv("SOMNIA_POSTGRES_DSN")
	_ = os.Unsetenv("SOMNIA_SQLITE_PATH")
}

func TestResolveDefaultsSQLite(t *testing.T) {
	unsetDBEnv()
	defer unsetDBEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.SQLitePath != "somnia.db" {
		t.Fatalf("unexpected mapping: %s %s", cfg.DBDriver, cfg.SQLitePath)
	}
}

func TestResolveDefaultsPostgresDSN(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SOMNIA_POSTGRES_DSN", "postgres://localhost/somnia")
	defer unsetDBEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("auto driver derivation failed, got %s", cfg.DBDriver)
	}
}

func TestResolveDefaultsPostgresWithoutDSN(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SOMNIA_DB_DRIVER", "postgres")
	defer unsetDBEnv()

	if _, err := New(); err == nil {
		t.Fatal("expected error for postgres driver without DSN")
	}
}

func TestConfigLoad_TickIntervalDefault(t *testing.T) {
	_ = os.Unsetenv("SOMNIA_TICK_INTERVAL")
	unsetDBEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.TickInterval != 30*time.Second {
		t.Fatalf("unexpected default tick interval: %s", cfg.TickInterval)
	}
}

func TestConfigLoad_TickIntervalRejectsOverMinute(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SOMNIA_TICK_INTERVAL", "5m")
	defer func() { _ = os.Unsetenv("SOMNIA_TICK_INTERVAL") }()

	if _, err := New(); err == nil {
		t.Fatal("expected error for tick interval above one minute")
	}
}

func TestConfigLoad_ReminderTZOverride(t *testing.T) {
	unsetDBEnv()
	_ = os.Setenv("SOMNIA_REALITY_CHECK_TZ", "UTC")
	defer func() { _ = os.Unsetenv("SOMNIA_REALITY_CHECK_TZ") }()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.RealityCheckTZ != "UTC" {
		t.Fatalf("timezone env override failed, got %s", cfg.RealityCheckTZ)
	}
}
