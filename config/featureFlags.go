package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EngineSettings are the tunables of the reservation/commission/alert engine.
type EngineSettings struct {
	ReservationTimeout          time.Duration
	LowStockThreshold           decimal.Decimal
	SweepInterval               time.Duration
	AlertInterval               time.Duration
	SuppressOpenDuplicateAlerts bool
	AutoCommissionOnPayment     bool
}

// LoadEngineSettings reads engine settings from env.
//
// - RESERVATION_TIMEOUT_MINUTES (default 30)
// - LOW_STOCK_THRESHOLD_KG (default 100)
// - SWEEP_INTERVAL_SECONDS (default 60)
// - ALERT_INTERVAL_MINUTES (default 60)
// - ALERT_SUPPRESS_OPEN_DUPLICATES (default false)
// - AUTO_COMMISSION_ON_PAYMENT (default true)
func LoadEngineSettings() EngineSettings {
	return EngineSettings{
		ReservationTimeout:          time.Duration(intFromEnv("RESERVATION_TIMEOUT_MINUTES", 30)) * time.Minute,
		LowStockThreshold:           decimalFromEnv("LOW_STOCK_THRESHOLD_KG", decimal.NewFromInt(100)),
		SweepInterval:               time.Duration(intFromEnv("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		AlertInterval:               time.Duration(intFromEnv("ALERT_INTERVAL_MINUTES", 60)) * time.Minute,
		SuppressOpenDuplicateAlerts: boolFromEnv("ALERT_SUPPRESS_OPEN_DUPLICATES", false),
		AutoCommissionOnPayment:     boolFromEnv("AUTO_COMMISSION_ON_PAYMENT", true),
	}
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}
