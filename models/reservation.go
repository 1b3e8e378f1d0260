package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reservation is a time-bounded claim on pallet weight for an order. Rows are deactivated,
// never deleted.
type Reservation struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrderId        int             `gorm:"not null;index" json:"order_id"`
	OrderItemId    *int            `gorm:"index" json:"order_item_id"`
	PalletId       int             `gorm:"not null;index:idx_reservation_pallet,priority:1" json:"pallet_id"`
	ProductId      int             `gorm:"not null;index" json:"product_id"`
	ReservedWeight decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"reserved_weight"`
	ExpiresAt      time.Time       `gorm:"not null;index;index:idx_reservation_pallet,priority:3" json:"expires_at"`
	IsActive       bool            `gorm:"not null;index;index:idx_reservation_pallet,priority:2" json:"is_active"`
	ReleasedAt     *time.Time      `json:"released_at"`
	ReleaseReason  *ReleaseReason  `gorm:"size:20" json:"release_reason"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLive reports whether the claim still counts against pallet availability.
func (r *Reservation) IsLive(now time.Time) bool {
	return r.IsActive && r.ExpiresAt.After(now)
}

// Allocation is the permanent record of weight drawn from a pallet for an order item.
type Allocation struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OrderId         int             `gorm:"not null;index" json:"order_id"`
	OrderItemId     int             `gorm:"not null;index" json:"order_item_id"`
	PalletId        int             `gorm:"not null;index" json:"pallet_id"`
	ReservationId   int             `gorm:"not null;uniqueIndex" json:"reservation_id"`
	AllocatedWeight decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"allocated_weight"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

var ErrAllocationImmutable = errors.New("allocations are write-once")

func (a *Allocation) BeforeUpdate(tx *gorm.DB) error {
	return ErrAllocationImmutable
}

func (a *Allocation) BeforeDelete(tx *gorm.DB) error {
	return ErrAllocationImmutable
}

func ListOrderReservations(ctx context.Context, orderId int) ([]*Reservation, error) {
	db := config.GetDB()
	var results []*Reservation
	if err := db.WithContext(ctx).Where("order_id = ?", orderId).Order("id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func ListOrderAllocations(ctx context.Context, orderId int) ([]*Allocation, error) {
	db := config.GetDB()
	var results []*Allocation
	if err := db.WithContext(ctx).Where("order_id = ?", orderId).Order("id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
