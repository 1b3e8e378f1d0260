package workflow

import (
	"sort"
	"time"

	"github.com/mmdatafocus/freshledger/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PalletAvailability is a pallet's physical weight together with the weight already held by
// live reservations of other orders.
type PalletAvailability struct {
	PalletId       int             `json:"pallet_id"`
	WarehouseId    int             `json:"warehouse_id"`
	EntryDate      time.Time       `json:"entry_date"`
	CurrentWeight  decimal.Decimal `json:"current_weight"`
	ReservedWeight decimal.Decimal `json:"reserved_weight"`
}

func (p PalletAvailability) Available() decimal.Decimal {
	available := p.CurrentWeight.Sub(p.ReservedWeight)
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

type AllocationLine struct {
	PalletId    int             `json:"pallet_id"`
	WarehouseId int             `json:"warehouse_id"`
	EntryDate   time.Time       `json:"entry_date"`
	Weight      decimal.Decimal `json:"weight"`
}

type AllocationPlan struct {
	ProductId       int              `json:"product_id"`
	RequestedWeight decimal.Decimal  `json:"requested_weight"`
	Allocations     []AllocationLine `json:"allocations"`
	TotalAllocated  decimal.Decimal  `json:"total_allocated"`
	FullyFulfilled  bool             `json:"fully_fulfilled"`
	Shortfall       decimal.Decimal  `json:"shortfall"`
}

// PlanFIFO draws requested weight from pallets oldest entry date first, pallet id breaking
// ties. It never mutates anything and never emits zero-weight lines.
func PlanFIFO(productId int, requested decimal.Decimal, pallets []PalletAvailability) AllocationPlan {
	ordered := make([]PalletAvailability, len(pallets))
	copy(ordered, pallets)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].EntryDate.Equal(ordered[j].EntryDate) {
			return ordered[i].EntryDate.Before(ordered[j].EntryDate)
		}
		return ordered[i].PalletId < ordered[j].PalletId
	})

	plan := AllocationPlan{
		ProductId:       productId,
		RequestedWeight: requested,
		Allocations:     []AllocationLine{},
		TotalAllocated:  decimal.Zero,
	}
	remaining := requested
	for _, p := range ordered {
		if !remaining.IsPositive() {
			break
		}
		available := p.Available()
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(available, remaining)
		plan.Allocations = append(plan.Allocations, AllocationLine{
			PalletId:    p.PalletId,
			WarehouseId: p.WarehouseId,
			EntryDate:   p.EntryDate,
			Weight:      take,
		})
		plan.TotalAllocated = plan.TotalAllocated.Add(take)
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		plan.Shortfall = remaining
	} else {
		plan.Shortfall = decimal.Zero
	}
	plan.FullyFulfilled = plan.TotalAllocated.Equal(requested)
	return plan
}

type palletFilter struct {
	ProductId   int
	WarehouseId *int
}

// loadPalletAvailability reads non-depleted pallets for a product and the weight held on each
// by live reservations. With lock set, the pallet rows are locked FOR UPDATE in id order, so
// concurrent reservers and converters of the same pallets queue behind this transaction.
// Reservation rows are never locked here: every insert against a pallet holds that pallet's
// lock, and concurrent deactivations only lower the reserved sum.
func loadPalletAvailability(tx *gorm.DB, filter palletFilter, now time.Time, lock bool) ([]PalletAvailability, error) {
	q := tx.Model(&models.Pallet{}).
		Where("product_id = ? AND is_depleted = ?", filter.ProductId, false)
	if filter.WarehouseId != nil && *filter.WarehouseId > 0 {
		q = q.Where("warehouse_id = ?", *filter.WarehouseId)
	}
	// lock order is (product_id, id) everywhere; PlanFIFO does the entry date ordering
	q = q.Order("id ASC")
	if lock {
		q = q.Clauses(lockForUpdate)
	}
	var pallets []models.Pallet
	if err := q.Find(&pallets).Error; err != nil {
		return nil, err
	}
	if len(pallets) == 0 {
		return nil, nil
	}

	ids := make([]int, 0, len(pallets))
	for _, p := range pallets {
		ids = append(ids, p.ID)
	}
	reserved, err := liveReservedByPallet(tx, ids, now)
	if err != nil {
		return nil, err
	}

	result := make([]PalletAvailability, 0, len(pallets))
	for _, p := range pallets {
		result = append(result, PalletAvailability{
			PalletId:       p.ID,
			WarehouseId:    p.WarehouseId,
			EntryDate:      p.EntryDate,
			CurrentWeight:  p.CurrentWeight,
			ReservedWeight: reserved[p.ID],
		})
	}
	return result, nil
}

// liveReservedByPallet sums active, unexpired reservations per pallet.
func liveReservedByPallet(tx *gorm.DB, palletIds []int, now time.Time) (map[int]decimal.Decimal, error) {
	q := tx.Model(&models.Reservation{}).
		Select("id", "pallet_id", "reserved_weight").
		Where("pallet_id IN ? AND is_active = ? AND expires_at > ?", palletIds, true, now)
	var rows []models.Reservation
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	reserved := make(map[int]decimal.Decimal, len(palletIds))
	for _, r := range rows {
		reserved[r.PalletId] = reserved[r.PalletId].Add(r.ReservedWeight)
	}
	return reserved, nil
}
