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
)

type Order struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	OrderNumber          string          `gorm:"size:40;not null;uniqueIndex" json:"order_number"`
	DistributorId        int             `gorm:"not null;index:idx_order_distributor_date,priority:1" json:"distributor_id"`
	WarehouseId          *int            `gorm:"index" json:"warehouse_id"`
	OrderDate            time.Time       `gorm:"not null;index:idx_order_distributor_date,priority:2" json:"order_date"`
	Status               OrderStatus     `gorm:"size:20;not null;index;default:'pending'" json:"status"`
	PaymentStatus        PaymentStatus   `gorm:"size:20;not null;index;default:'pending'" json:"payment_status"`
	PaymentReference     *string         `gorm:"size:100" json:"payment_reference"`
	PaidAt               *time.Time      `json:"paid_at"`
	TotalWeight          decimal.Decimal `gorm:"type:decimal(20,3);not null;default:0" json:"total_weight"`
	TotalAmount          decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_amount"`
	ReservationExpiresAt *time.Time      `json:"reservation_expires_at"`
	LoadingApprovedAt    *time.Time      `gorm:"index" json:"loading_approved_at"`
	LoadingApprovedBy    *int            `json:"loading_approved_by"`
	DeliveryStatus       DeliveryStatus  `gorm:"size:20" json:"delivery_status"`
	CancelledAt          *time.Time      `json:"cancelled_at"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	Items                []OrderItem     `gorm:"foreignKey:OrderId" json:"items"`
}

type OrderItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	OrderId         int             `gorm:"not null;index" json:"order_id"`
	ProductId       int             `gorm:"not null;index" json:"product_id"`
	RequestedWeight decimal.Decimal `gorm:"type:decimal(20,3);not null" json:"requested_weight"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"unit_price"`
	LineTotal       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"line_total"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderFilter struct {
	DistributorId *int           `form:"distributor_id"`
	Status        *OrderStatus   `form:"status"`
	PaymentStatus *PaymentStatus `form:"payment_status"`
	Limit         int            `form:"limit"`
}

func NewOrderNumber(orderDate time.Time) string {
	return fmt.Sprintf("SO-%s-%s", orderDate.UTC().Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}

func (o *Order) IsLoadingApproved() bool {
	return o.LoadingApprovedAt != nil
}

func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

// ItemForProduct returns the first line for productId, nil when the order has none.
func (o *Order) ItemForProduct(productId int) *OrderItem {
	for i := range o.Items {
		if o.Items[i].ProductId == productId {
			return &o.Items[i]
		}
	}
	return nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	return utils.FetchModel[Order](ctx, id, "Items")
}

func ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	db := config.GetDB()
	var results []*Order
	q := db.WithContext(ctx).Preload("Items")
	if filter.DistributorId != nil {
		q = q.Where("distributor_id = ?", *filter.DistributorId)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.PaymentStatus != nil {
		q = q.Where("payment_status = ?", *filter.PaymentStatus)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if err := q.Order("order_date DESC").Order("id DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
