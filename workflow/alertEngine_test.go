package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
)

func TestEvaluatePerformance(t *testing.T) {
	totals := []DistributorCycleTotals{
		{DistributorId: 9, Weight: kg("10")},
		{DistributorId: 2, Weight: kg("50")},
		{DistributorId: 4, Weight: decimal.Zero},
		{DistributorId: 3, Weight: kg("49.999")},
	}
	findings := EvaluatePerformance(kg("50"), totals)
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(findings))
	}
	wantIds := []int{3, 4, 9}
	for i, f := range findings {
		if f.DistributorId != wantIds[i] {
			t.Fatalf("finding %d = distributor %d, want %d", i, f.DistributorId, wantIds[i])
		}
	}
	if !findings[0].Shortfall.Equal(kg("0.001")) || !findings[1].Shortfall.Equal(kg("50")) {
		t.Fatalf("unexpected shortfalls %s %s", findings[0].Shortfall, findings[1].Shortfall)
	}
	if got := EvaluatePerformance(decimal.Zero, totals); len(got) != 0 {
		t.Fatalf("zero minimum must not flag anyone, got %d", len(got))
	}
}

func TestEvaluateSpoilage(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	days := 7
	cooling := models.Warehouse{ID: 1, StorageMode: models.StorageModeCooling, SpoilageAlertDays: &days}
	pallets := []models.Pallet{
		{ID: 1, WarehouseId: 1, EntryDate: now.AddDate(0, 0, -10), CurrentWeight: kg("5"), IsFreshFruit: true},
		{ID: 2, WarehouseId: 1, EntryDate: now.AddDate(0, 0, -7), CurrentWeight: kg("5"), IsFreshFruit: true},
		{ID: 3, WarehouseId: 1, EntryDate: now.AddDate(0, 0, -30), CurrentWeight: kg("5")},
		{ID: 4, WarehouseId: 1, EntryDate: now.AddDate(0, 0, -30), CurrentWeight: decimal.Zero, IsDepleted: true, IsFreshFruit: true},
		{ID: 5, WarehouseId: 2, EntryDate: now.AddDate(0, 0, -30), CurrentWeight: kg("5"), IsFreshFruit: true},
	}

	findings := EvaluateSpoilage(cooling, pallets, now)
	if len(findings) != 1 || findings[0].Pallet.ID != 1 {
		t.Fatalf("expected only pallet 1, got %+v", findings)
	}
	if findings[0].DaysStored != 10 {
		t.Fatalf("days stored = %d, want 10", findings[0].DaysStored)
	}

	freezing := models.Warehouse{ID: 1, StorageMode: models.StorageModeFreezing, SpoilageAlertDays: &days}
	if got := EvaluateSpoilage(freezing, pallets, now); len(got) != 0 {
		t.Fatalf("freezing warehouses are never watched, got %d", len(got))
	}
	unwatched := models.Warehouse{ID: 1, StorageMode: models.StorageModeCooling}
	if got := EvaluateSpoilage(unwatched, pallets, now); len(got) != 0 {
		t.Fatalf("warehouse without threshold flagged %d pallets", len(got))
	}
}

func TestEvaluateLowStock(t *testing.T) {
	products := []models.Product{
		{ID: 1, Name: "Mango"},
		{ID: 2, Name: "Durian", IsActive: utils.NewTrue()},
		{ID: 3, Name: "Lychee", IsActive: utils.NewFalse()},
		{ID: 4, Name: "Rambutan"},
	}
	stock := map[int]decimal.Decimal{1: kg("99.999"), 2: kg("100"), 3: kg("1")}

	findings := EvaluateLowStock(products, stock, kg("100"))
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[0].Product.ID != 1 || findings[1].Product.ID != 4 {
		t.Fatalf("unexpected products %d, %d", findings[0].Product.ID, findings[1].Product.ID)
	}
	if !findings[1].TotalWeight.IsZero() {
		t.Fatalf("product without pallets should report zero, got %s", findings[1].TotalWeight)
	}
}
