package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ActiveCycleSlot is the only value active_slot may hold. The unique index on the column
// keeps a second cycle from being activated while one is active.
const ActiveCycleSlot = 1

type SalesCycle struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	Name               string           `gorm:"size:100;not null;uniqueIndex" json:"name"`
	StartDate          time.Time        `gorm:"not null" json:"start_date"`
	EndDate            time.Time        `gorm:"not null" json:"end_date"`
	MinimumOrderWeight decimal.Decimal  `gorm:"type:decimal(20,3);not null;default:0" json:"minimum_order_weight"`
	Status             SalesCycleStatus `gorm:"size:20;not null;index;default:'draft'" json:"status"`
	ActiveSlot         *int             `gorm:"uniqueIndex" json:"-"`
	ActivatedAt        *time.Time       `json:"activated_at"`
	ClosedAt           *time.Time       `json:"closed_at"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSalesCycle struct {
	Name               string          `json:"name" validate:"required,max=100"`
	StartDate          time.Time       `json:"start_date" validate:"required"`
	EndDate            time.Time       `json:"end_date" validate:"required"`
	MinimumOrderWeight decimal.Decimal `json:"minimum_order_weight"`
}

func (input *NewSalesCycle) validate(ctx context.Context) error {
	input.Name = strings.TrimSpace(input.Name)
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if input.EndDate.Before(input.StartDate) {
		return utils.InvalidInput("end date must not be before start date")
	}
	if input.MinimumOrderWeight.IsNegative() {
		return utils.InvalidInput("minimum order weight must not be negative")
	}
	return utils.ValidateUnique[SalesCycle](ctx, "name", input.Name, 0)
}

func (c *SalesCycle) IsActive() bool {
	return c.Status == SalesCycleStatusActive
}

// Window returns the half-open [from, to) range of order dates the cycle covers.
// Both bounds are whole days and EndDate is inclusive.
func (c *SalesCycle) Window() (time.Time, time.Time) {
	return utils.StartOfDay(c.StartDate), utils.StartOfDay(c.EndDate).AddDate(0, 0, 1)
}

func CreateSalesCycle(ctx context.Context, input *NewSalesCycle) (*SalesCycle, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	cycle := SalesCycle{
		Name:               input.Name,
		StartDate:          utils.StartOfDay(input.StartDate),
		EndDate:            utils.StartOfDay(input.EndDate),
		MinimumOrderWeight: utils.RoundWeight(input.MinimumOrderWeight),
		Status:             SalesCycleStatusDraft,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&cycle).Error; err != nil {
		return nil, err
	}
	return &cycle, nil
}

func GetSalesCycle(ctx context.Context, id int) (*SalesCycle, error) {
	return utils.FetchModel[SalesCycle](ctx, id)
}

// GetActiveSalesCycle returns the active cycle or nil when none is active.
func GetActiveSalesCycle(ctx context.Context) (*SalesCycle, error) {
	db := config.GetDB()
	var cycle SalesCycle
	err := db.WithContext(ctx).Where("status = ?", SalesCycleStatusActive).First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

func ListSalesCycles(ctx context.Context) ([]*SalesCycle, error) {
	db := config.GetDB()
	var results []*SalesCycle
	if err := db.WithContext(ctx).Order("start_date DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
