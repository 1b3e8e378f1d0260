package workflow

import (
	"testing"

	"github.com/mmdatafocus/freshledger/models"
	"github.com/shopspring/decimal"
)

func TestTierRateBreakpoints(t *testing.T) {
	cases := []struct {
		weight string
		want   int64
	}{
		{"0", 15},
		{"49.999", 15},
		{"50", 17},
		{"74.999", 17},
		{"75", 20},
		{"1200", 20},
	}
	for _, tc := range cases {
		got := TierRate(kg(tc.weight))
		if !got.Equal(decimal.NewFromInt(tc.want)) {
			t.Errorf("TierRate(%s) = %s, want %d", tc.weight, got, tc.want)
		}
	}
}

func TestDistributorRatePrefersCustomRate(t *testing.T) {
	custom := kg("12.5")
	profile := &models.DistributorProfile{CustomCommissionRate: &custom}
	if got := DistributorRate(profile, kg("80")); !got.Equal(custom) {
		t.Fatalf("custom rate ignored: %s", got)
	}
	if got := DistributorRate(&models.DistributorProfile{}, kg("80")); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("tier rate = %s, want 20", got)
	}
	if got := DistributorRate(nil, kg("10")); !got.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("nil profile rate = %s, want 15", got)
	}
}

func TestCommissionAmountRoundsToCents(t *testing.T) {
	// 333.33 * 17% = 56.6661
	got := CommissionAmount(kg("333.33"), decimal.NewFromInt(17))
	if !got.Equal(kg("56.67")) {
		t.Fatalf("amount = %s, want 56.67", got)
	}
	if got := CommissionAmount(kg("1000"), TeamLeaderRate); !got.Equal(kg("50")) {
		t.Fatalf("lead amount = %s, want 50", got)
	}
}

func TestGoodsQuantity(t *testing.T) {
	qty, ok := GoodsQuantity(kg("10"), kg("3"))
	if !ok {
		t.Fatalf("expected conversion")
	}
	if !qty.Equal(kg("3.333")) {
		t.Fatalf("qty = %s, want 3.333", qty)
	}
	if _, ok := GoodsQuantity(kg("10"), decimal.Zero); ok {
		t.Fatalf("zero price must not convert")
	}
}

func TestDominantProduct(t *testing.T) {
	items := []models.OrderItem{
		{ProductId: 5, RequestedWeight: kg("10")},
		{ProductId: 3, RequestedWeight: kg("6")},
		{ProductId: 3, RequestedWeight: kg("4")},
		{ProductId: 8, RequestedWeight: kg("9")},
	}
	// 3 and 5 tie at 10 kg; the lower id wins.
	if got := DominantProduct(items); got != 3 {
		t.Fatalf("dominant = %d, want 3", got)
	}
	if got := DominantProduct(nil); got != 0 {
		t.Fatalf("dominant of nothing = %d, want 0", got)
	}
}

func TestSummarizeOrders(t *testing.T) {
	orders := []models.Order{
		{ID: 12, TotalWeight: kg("30"), TotalAmount: kg("90"), Items: []models.OrderItem{{ProductId: 1, RequestedWeight: kg("30")}}},
		{ID: 7, TotalWeight: kg("25.5"), TotalAmount: kg("140.25"), Items: []models.OrderItem{{ProductId: 2, RequestedWeight: kg("25.5")}}},
	}
	totals := SummarizeOrders(orders)
	if !totals.Weight.Equal(kg("55.5")) || !totals.Revenue.Equal(kg("230.25")) {
		t.Fatalf("totals = %s kg / %s", totals.Weight, totals.Revenue)
	}
	if totals.OrderCount != 2 || totals.AnchorOrderId != 7 || totals.DominantProductId != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	// 55.5 kg lands in the middle tier
	if rate := TierRate(totals.Weight); !rate.Equal(decimal.NewFromInt(17)) {
		t.Fatalf("rate = %s, want 17", rate)
	}
}
