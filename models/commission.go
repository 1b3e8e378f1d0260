package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
)

// Commission is one payable row per (window, user, type). Windows are either a single
// order ("order:<id>") or a sales cycle ("cycle:<id>"); OrderId anchors the row to the
// order that triggered or represents the calculation.
type Commission struct {
	ID               int              `gorm:"primary_key" json:"id"`
	WindowKey        string           `gorm:"size:40;not null;uniqueIndex:uniq_commission_window,priority:1" json:"window_key"`
	UserId           int              `gorm:"not null;index;uniqueIndex:uniq_commission_window,priority:2" json:"user_id"`
	CommissionType   CommissionType   `gorm:"size:20;not null;uniqueIndex:uniq_commission_window,priority:3" json:"commission_type"`
	OrderId          int              `gorm:"not null;index" json:"order_id"`
	CycleId          *int             `gorm:"index" json:"cycle_id"`
	TotalWeight      decimal.Decimal  `gorm:"type:decimal(20,3);not null;default:0" json:"total_weight"`
	BaseAmount       decimal.Decimal  `gorm:"type:decimal(20,2);not null" json:"base_amount"`
	Rate             decimal.Decimal  `gorm:"type:decimal(5,2);not null" json:"rate"`
	CommissionAmount decimal.Decimal  `gorm:"type:decimal(20,2);not null" json:"commission_amount"`
	GoodsProductId   *int             `json:"goods_product_id"`
	GoodsQuantity    *decimal.Decimal `gorm:"type:decimal(20,3)" json:"goods_quantity"`
	IsPaid           bool             `gorm:"not null;default:false;index" json:"is_paid"`
	PaidAt           *time.Time       `json:"paid_at"`
	CalculatedAt     time.Time        `gorm:"not null" json:"calculated_at"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func OrderWindowKey(orderId int) string {
	return fmt.Sprintf("order:%d", orderId)
}

func CycleWindowKey(cycleId int) string {
	return fmt.Sprintf("cycle:%d", cycleId)
}

type CommissionFilter struct {
	UserId  *int  `form:"user_id"`
	CycleId *int  `form:"cycle_id"`
	OrderId *int  `form:"order_id"`
	IsPaid  *bool `form:"is_paid"`
}

func ListCommissions(ctx context.Context, filter CommissionFilter) ([]*Commission, error) {
	db := config.GetDB()
	var results []*Commission
	q := db.WithContext(ctx)
	if filter.UserId != nil {
		q = q.Where("user_id = ?", *filter.UserId)
	}
	if filter.CycleId != nil {
		q = q.Where("cycle_id = ?", *filter.CycleId)
	}
	if filter.OrderId != nil {
		q = q.Where("order_id = ?", *filter.OrderId)
	}
	if filter.IsPaid != nil {
		q = q.Where("is_paid = ?", *filter.IsPaid)
	}
	if err := q.Order("calculated_at DESC").Order("id DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// MarkCommissionsPaid stamps the given rows paid. Rows already paid keep their PaidAt.
func MarkCommissionsPaid(ctx context.Context, ids []int) (int64, error) {
	if len(ids) == 0 {
		return 0, utils.InvalidInput("no commission ids given")
	}
	now := time.Now().UTC()
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&Commission{}).
		Where("id IN ? AND is_paid = ?", ids, false).
		Updates(map[string]interface{}{"is_paid": true, "paid_at": &now})
	return res.RowsAffected, res.Error
}

// PerformanceMetric is the per-distributor snapshot written by the performance check.
type PerformanceMetric struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	DistributorId       int             `gorm:"not null;uniqueIndex:uniq_performance_cycle,priority:1" json:"distributor_id"`
	CycleId             int             `gorm:"not null;index;uniqueIndex:uniq_performance_cycle,priority:2" json:"cycle_id"`
	TotalWeight         decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"total_weight"`
	TotalRevenue        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total_revenue"`
	OrderCount          int             `gorm:"not null" json:"order_count"`
	MinimumOrderWeight  decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"minimum_order_weight"`
	MetMinimumThreshold bool            `gorm:"not null" json:"met_minimum_threshold"`
	CalculatedAt        time.Time       `gorm:"not null" json:"calculated_at"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListPerformanceMetrics(ctx context.Context, cycleId int) ([]*PerformanceMetric, error) {
	db := config.GetDB()
	var results []*PerformanceMetric
	if err := db.WithContext(ctx).Where("cycle_id = ?", cycleId).Order("distributor_id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
