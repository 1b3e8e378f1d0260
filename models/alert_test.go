package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAlertMetadataValidate(t *testing.T) {
	cases := []struct {
		name string
		meta AlertMetadata
		ok   bool
	}{
		{name: "performance", meta: PerformanceMetadata(PerformanceAlertData{CycleId: 1, Shortfall: decimal.NewFromInt(3)}), ok: true},
		{name: "spoilage", meta: SpoilageMetadata(SpoilageAlertData{PalletId: 1}), ok: true},
		{name: "stock", meta: StockMetadata(StockAlertData{ProductId: 1}), ok: true},
		{name: "reservation", meta: ReservationMetadata(ReservationAlertData{OrderId: 1}), ok: true},
		{name: "empty", meta: AlertMetadata{Kind: AlertTypeStockLow}},
		{name: "mismatched kind", meta: AlertMetadata{Kind: AlertTypeStockLow, Spoilage: &SpoilageAlertData{}}},
		{name: "two variants", meta: AlertMetadata{Kind: AlertTypeStockLow, Stock: &StockAlertData{}, Spoilage: &SpoilageAlertData{}}},
		{name: "unknown kind", meta: AlertMetadata{Kind: "weather", Stock: &StockAlertData{}}},
	}
	for _, tc := range cases {
		err := tc.meta.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestNewAlertCarriesKindAsType(t *testing.T) {
	userId := 7
	alert, err := NewAlert(&userId, "Low stock", "Mango below threshold", "stock_low:product:1",
		StockMetadata(StockAlertData{ProductId: 1, ProductName: "Mango"}))
	if err != nil {
		t.Fatalf("NewAlert: %v", err)
	}
	if alert.Type != AlertTypeStockLow {
		t.Fatalf("type = %s", alert.Type)
	}
	if got := alert.Metadata.Data().Stock; got == nil || got.ProductName != "Mango" {
		t.Fatalf("metadata not stored: %+v", alert.Metadata.Data())
	}
	if _, err := NewAlert(nil, "x", "y", "k", AlertMetadata{Kind: AlertTypeLowPerformance}); err == nil {
		t.Fatalf("expected invalid metadata to be rejected")
	}
}
