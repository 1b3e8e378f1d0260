package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Pallet is one dated batch of a single product in a single warehouse.
// CurrentWeight only ever decreases, and only through loading approval.
type Pallet struct {
	ID            int             `gorm:"primary_key" json:"id"`
	WarehouseId   int             `gorm:"not null;index;index:idx_pallet_fifo,priority:2" json:"warehouse_id"`
	ProductId     int             `gorm:"not null;index:idx_pallet_fifo,priority:1" json:"product_id"`
	BatchNumber   string          `gorm:"size:64;not null;uniqueIndex" json:"batch_number"`
	EntryDate     time.Time       `gorm:"not null;index:idx_pallet_fifo,priority:4" json:"entry_date"`
	InitialWeight decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"initial_weight"`
	CurrentWeight decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"current_weight"`
	IsDepleted    bool            `gorm:"not null;default:false;index:idx_pallet_fifo,priority:3" json:"is_depleted"`
	IsFreshFruit  bool            `gorm:"not null;default:false" json:"is_fresh_fruit"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPallet struct {
	WarehouseId  int             `json:"warehouse_id" validate:"required,gt=0"`
	ProductId    int             `json:"product_id" validate:"required,gt=0"`
	BatchNumber  string          `json:"batch_number" validate:"max=64"`
	Weight       decimal.Decimal `json:"weight"`
	EntryDate    *time.Time      `json:"entry_date"`
	IsFreshFruit bool            `json:"is_fresh_fruit"`
}

func (input *NewPallet) validate(ctx context.Context) error {
	input.BatchNumber = strings.TrimSpace(input.BatchNumber)
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Weight.IsPositive() {
		return utils.InvalidInput("weight must be greater than zero")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, input.WarehouseId); err != nil {
		return utils.InvalidInput("warehouse not found")
	}
	if err := utils.ValidateResourceId[Product](ctx, input.ProductId); err != nil {
		return utils.InvalidInput("product not found")
	}
	if input.BatchNumber != "" {
		if err := utils.ValidateUnique[Pallet](ctx, "batch_number", input.BatchNumber, 0); err != nil {
			return err
		}
	}
	return nil
}

// ReceivePallet records stock intake. It is the only way batches enter the ledger.
func ReceivePallet(ctx context.Context, input *NewPallet) (*Pallet, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	entryDate := time.Now().UTC()
	if input.EntryDate != nil {
		entryDate = input.EntryDate.UTC()
	}
	batchNumber := input.BatchNumber
	if batchNumber == "" {
		batchNumber = NewBatchNumber(entryDate)
	}
	weight := utils.RoundWeight(input.Weight)
	pallet := Pallet{
		WarehouseId:   input.WarehouseId,
		ProductId:     input.ProductId,
		BatchNumber:   batchNumber,
		EntryDate:     entryDate,
		InitialWeight: weight,
		CurrentWeight: weight,
		IsFreshFruit:  input.IsFreshFruit,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&pallet).Error; err != nil {
		return nil, err
	}
	return &pallet, nil
}

func NewBatchNumber(entryDate time.Time) string {
	return fmt.Sprintf("B-%s-%s", entryDate.UTC().Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

func GetPallet(ctx context.Context, id int) (*Pallet, error) {
	return utils.FetchModel[Pallet](ctx, id)
}

// ListPallets lists batches for a product in FIFO order.
func ListPallets(ctx context.Context, productId int, warehouseId *int, includeDepleted bool) ([]*Pallet, error) {
	db := config.GetDB()
	var results []*Pallet
	q := db.WithContext(ctx).Where("product_id = ?", productId)
	if warehouseId != nil && *warehouseId > 0 {
		q = q.Where("warehouse_id = ?", *warehouseId)
	}
	if !includeDepleted {
		q = q.Where("is_depleted = ?", false)
	}
	if err := q.Order("entry_date ASC").Order("id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// DecrementWeight lowers CurrentWeight inside tx and flips IsDepleted when nothing is left.
// The caller must hold the row lock.
func (p *Pallet) DecrementWeight(tx *gorm.DB, weight decimal.Decimal) error {
	remaining := p.CurrentWeight.Sub(weight)
	if remaining.IsNegative() {
		return fmt.Errorf("pallet %d would go negative (%s - %s)", p.ID, p.CurrentWeight, weight)
	}
	depleted := !remaining.IsPositive()
	if err := tx.Model(&Pallet{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"current_weight": remaining,
		"is_depleted":    depleted,
	}).Error; err != nil {
		return err
	}
	p.CurrentWeight = remaining
	p.IsDepleted = depleted
	return nil
}

// AgeInDays counts whole days since entry.
func (p *Pallet) AgeInDays(now time.Time) int {
	return int(utils.StartOfDay(now).Sub(utils.StartOfDay(p.EntryDate)).Hours() / 24)
}
