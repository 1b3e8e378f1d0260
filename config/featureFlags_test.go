package config

import (
	"testing"
	"time"
)

func TestLoadEngineSettings_Defaults(t *testing.T) {
	t.Setenv("RESERVATION_TIMEOUT_MINUTES", "")
	t.Setenv("LOW_STOCK_THRESHOLD_KG", "")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "")
	t.Setenv("ALERT_INTERVAL_MINUTES", "")
	t.Setenv("ALERT_SUPPRESS_OPEN_DUPLICATES", "")
	t.Setenv("AUTO_COMMISSION_ON_PAYMENT", "")

	s := LoadEngineSettings()
	if s.ReservationTimeout != 30*time.Minute {
		t.Fatalf("expected 30m reservation timeout, got %s", s.ReservationTimeout)
	}
	if s.LowStockThreshold.String() != "100" {
		t.Fatalf("expected low stock threshold 100, got %s", s.LowStockThreshold)
	}
	if s.SweepInterval != time.Minute {
		t.Fatalf("expected 1m sweep interval, got %s", s.SweepInterval)
	}
	if s.SuppressOpenDuplicateAlerts {
		t.Fatalf("alerts should accumulate by default")
	}
	if !s.AutoCommissionOnPayment {
		t.Fatalf("auto commission on payment should default to true")
	}
}

func TestLoadEngineSettings_Overrides(t *testing.T) {
	t.Setenv("RESERVATION_TIMEOUT_MINUTES", "45")
	t.Setenv("LOW_STOCK_THRESHOLD_KG", "250.5")
	t.Setenv("ALERT_SUPPRESS_OPEN_DUPLICATES", "yes")
	t.Setenv("AUTO_COMMISSION_ON_PAYMENT", "false")

	s := LoadEngineSettings()
	if s.ReservationTimeout != 45*time.Minute {
		t.Fatalf("expected 45m, got %s", s.ReservationTimeout)
	}
	if s.LowStockThreshold.String() != "250.5" {
		t.Fatalf("expected 250.5, got %s", s.LowStockThreshold)
	}
	if !s.SuppressOpenDuplicateAlerts {
		t.Fatalf("expected duplicate suppression enabled")
	}
	if s.AutoCommissionOnPayment {
		t.Fatalf("expected auto commission disabled")
	}
}

func TestLoadEngineSettings_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RESERVATION_TIMEOUT_MINUTES", "soon")
	t.Setenv("LOW_STOCK_THRESHOLD_KG", "-5")

	s := LoadEngineSettings()
	if s.ReservationTimeout != 30*time.Minute {
		t.Fatalf("expected fallback to 30m, got %s", s.ReservationTimeout)
	}
	if s.LowStockThreshold.String() != "100" {
		t.Fatalf("expected fallback to 100, got %s", s.LowStockThreshold)
	}
}

func TestDatabaseDriver(t *testing.T) {
	cases := map[string]string{
		"":           DriverMySQL,
		"mysql":      DriverMySQL,
		"postgres":   DriverPostgres,
		"PostgreSQL": DriverPostgres,
		"pg":         DriverPostgres,
	}
	for in, want := range cases {
		t.Setenv("DB_DRIVER", in)
		if got := DatabaseDriver(); got != want {
			t.Fatalf("DatabaseDriver(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestConnectBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		1:  2 * time.Second,
		2:  4 * time.Second,
		4:  16 * time.Second,
		5:  30 * time.Second,
		12: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := ConnectBackoff(attempt); got != want {
			t.Fatalf("ConnectBackoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}
