package workflow

import (
	"sort"

	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
)

// CommissionTier applies Rate (percent) to weights in [MinWeight, MaxWeight). A nil MaxWeight
// is unbounded.
type CommissionTier struct {
	MinWeight decimal.Decimal
	MaxWeight *decimal.Decimal
	Rate      decimal.Decimal
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

var DistributorTiers = []CommissionTier{
	{MinWeight: decimal.Zero, MaxWeight: decimalPtr(decimal.NewFromInt(50)), Rate: decimal.NewFromInt(15)},
	{MinWeight: decimal.NewFromInt(50), MaxWeight: decimalPtr(decimal.NewFromInt(75)), Rate: decimal.NewFromInt(17)},
	{MinWeight: decimal.NewFromInt(75), Rate: decimal.NewFromInt(20)},
}

// TeamLeaderRate is the flat override percentage on revenue of a lead's distributors.
var TeamLeaderRate = decimal.NewFromInt(5)

var hundred = decimal.NewFromInt(100)

// TierRate returns the distributor rate for a cumulative window weight.
func TierRate(weight decimal.Decimal) decimal.Decimal {
	for _, tier := range DistributorTiers {
		if weight.LessThan(tier.MinWeight) {
			continue
		}
		if tier.MaxWeight == nil || weight.LessThan(*tier.MaxWeight) {
			return tier.Rate
		}
	}
	return DistributorTiers[0].Rate
}

// DistributorRate prefers a negotiated rate on file over the tier table.
func DistributorRate(profile *models.DistributorProfile, weight decimal.Decimal) decimal.Decimal {
	if profile != nil && profile.CustomCommissionRate != nil {
		return *profile.CustomCommissionRate
	}
	return TierRate(weight)
}

// CommissionAmount is base * rate / 100 rounded to cents.
func CommissionAmount(base, rate decimal.Decimal) decimal.Decimal {
	return utils.RoundMoney(base.Mul(rate).Div(hundred))
}

// GoodsQuantity converts a commission amount to kilograms of a product at its current price.
func GoodsQuantity(amount, pricePerKg decimal.Decimal) (decimal.Decimal, bool) {
	if !pricePerKg.IsPositive() {
		return decimal.Zero, false
	}
	return utils.RoundWeight(amount.DivRound(pricePerKg, 6)), true
}

// DominantProduct picks the product with the largest summed requested weight across items;
// the lower product id wins ties. Returns 0 for no items.
func DominantProduct(items []models.OrderItem) int {
	totals := map[int]decimal.Decimal{}
	for _, item := range items {
		totals[item.ProductId] = totals[item.ProductId].Add(item.RequestedWeight)
	}
	ids := make([]int, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	best := 0
	bestWeight := decimal.Zero
	for _, id := range ids {
		if best == 0 || totals[id].GreaterThan(bestWeight) {
			best = id
			bestWeight = totals[id]
		}
	}
	return best
}

// WindowTotals aggregates paid orders over a commission window.
type WindowTotals struct {
	Weight            decimal.Decimal
	Revenue           decimal.Decimal
	OrderCount        int
	AnchorOrderId     int
	DominantProductId int
}

// SummarizeOrders totals weight and revenue. The anchor is the earliest order by id.
func SummarizeOrders(orders []models.Order) WindowTotals {
	totals := WindowTotals{Weight: decimal.Zero, Revenue: decimal.Zero}
	var items []models.OrderItem
	for _, o := range orders {
		totals.Weight = totals.Weight.Add(o.TotalWeight)
		totals.Revenue = totals.Revenue.Add(o.TotalAmount)
		totals.OrderCount++
		if totals.AnchorOrderId == 0 || o.ID < totals.AnchorOrderId {
			totals.AnchorOrderId = o.ID
		}
		items = append(items, o.Items...)
	}
	totals.DominantProductId = DominantProduct(items)
	return totals
}
