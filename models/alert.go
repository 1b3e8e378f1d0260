package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PerformanceAlertData struct {
	CycleId            int             `json:"cycle_id"`
	CycleName          string          `json:"cycle_name"`
	TotalWeight        decimal.Decimal `json:"total_weight"`
	MinimumOrderWeight decimal.Decimal `json:"minimum_order_weight"`
	Shortfall          decimal.Decimal `json:"shortfall"`
}

type SpoilageAlertData struct {
	PalletId      int             `json:"pallet_id"`
	BatchNumber   string          `json:"batch_number"`
	WarehouseId   int             `json:"warehouse_id"`
	WarehouseName string          `json:"warehouse_name"`
	ProductId     int             `json:"product_id"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	DaysStored    int             `json:"days_stored"`
	ThresholdDays int             `json:"threshold_days"`
}

type StockAlertData struct {
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	TotalWeight decimal.Decimal `json:"total_weight"`
	Threshold   decimal.Decimal `json:"threshold"`
}

type ReservationAlertData struct {
	OrderId        int             `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	ReservationIds []int           `json:"reservation_ids"`
	ExpiredWeight  decimal.Decimal `json:"expired_weight"`
}

// AlertMetadata is a tagged variant: Kind names which of the pointers is set.
type AlertMetadata struct {
	Kind        AlertType             `json:"kind"`
	Performance *PerformanceAlertData `json:"performance,omitempty"`
	Spoilage    *SpoilageAlertData    `json:"spoilage,omitempty"`
	Stock       *StockAlertData       `json:"stock,omitempty"`
	Reservation *ReservationAlertData `json:"reservation,omitempty"`
}

func PerformanceMetadata(d PerformanceAlertData) AlertMetadata {
	return AlertMetadata{Kind: AlertTypeLowPerformance, Performance: &d}
}

func SpoilageMetadata(d SpoilageAlertData) AlertMetadata {
	return AlertMetadata{Kind: AlertTypeSpoilageWarning, Spoilage: &d}
}

func StockMetadata(d StockAlertData) AlertMetadata {
	return AlertMetadata{Kind: AlertTypeStockLow, Stock: &d}
}

func ReservationMetadata(d ReservationAlertData) AlertMetadata {
	return AlertMetadata{Kind: AlertTypeReservationExpired, Reservation: &d}
}

// Validate checks that exactly the variant matching Kind is populated.
func (m AlertMetadata) Validate() error {
	set := 0
	for _, present := range []bool{m.Performance != nil, m.Spoilage != nil, m.Stock != nil, m.Reservation != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("alert metadata must carry exactly one variant, got %d", set)
	}
	var ok bool
	switch m.Kind {
	case AlertTypeLowPerformance:
		ok = m.Performance != nil
	case AlertTypeSpoilageWarning:
		ok = m.Spoilage != nil
	case AlertTypeStockLow:
		ok = m.Stock != nil
	case AlertTypeReservationExpired:
		ok = m.Reservation != nil
	}
	if !ok {
		return fmt.Errorf("alert metadata variant does not match kind %q", m.Kind)
	}
	return nil
}

type Alert struct {
	ID           int                               `gorm:"primary_key" json:"id"`
	Type         AlertType                         `gorm:"size:30;not null;index" json:"type"`
	UserId       *int                              `gorm:"index" json:"user_id"`
	Title        string                            `gorm:"size:200;not null" json:"title"`
	Message      string                            `gorm:"type:text;not null" json:"message"`
	ConditionKey string                            `gorm:"size:120;not null;index:idx_alert_condition,priority:1" json:"condition_key"`
	Metadata     datatypes.JSONType[AlertMetadata] `json:"metadata"`
	IsRead       bool                              `gorm:"not null;default:false" json:"is_read"`
	IsResolved   bool                              `gorm:"not null;default:false;index:idx_alert_condition,priority:2" json:"is_resolved"`
	ResolvedAt   *time.Time                        `json:"resolved_at"`
	CreatedAt    time.Time                         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time                         `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewAlert builds an unsaved alert, rejecting metadata whose variant does not match.
func NewAlert(userId *int, title, message, conditionKey string, metadata AlertMetadata) (*Alert, error) {
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	return &Alert{
		Type:         metadata.Kind,
		UserId:       userId,
		Title:        title,
		Message:      message,
		ConditionKey: conditionKey,
		Metadata:     datatypes.NewJSONType(metadata),
	}, nil
}

type AlertFilter struct {
	Type           *AlertType `form:"type"`
	UserId         *int       `form:"user_id"`
	UnresolvedOnly bool       `form:"unresolved_only"`
	UnreadOnly     bool       `form:"unread_only"`
	Limit          int        `form:"limit"`
}

func ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	db := config.GetDB()
	var results []*Alert
	q := db.WithContext(ctx)
	if filter.Type != nil {
		q = q.Where("type = ?", *filter.Type)
	}
	if filter.UserId != nil {
		q = q.Where("user_id = ?", *filter.UserId)
	}
	if filter.UnresolvedOnly {
		q = q.Where("is_resolved = ?", false)
	}
	if filter.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func MarkAlertRead(ctx context.Context, id int) (*Alert, error) {
	alert, err := utils.FetchModel[Alert](ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.IsRead {
		return alert, nil
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(alert).Update("is_read", true).Error; err != nil {
		return nil, err
	}
	alert.IsRead = true
	return alert, nil
}

func ResolveAlert(ctx context.Context, id int) (*Alert, error) {
	alert, err := utils.FetchModel[Alert](ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.IsResolved {
		return nil, utils.InvalidInput("alert already resolved")
	}
	now := time.Now().UTC()
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(alert).Updates(map[string]interface{}{
		"is_resolved": true,
		"is_read":     true,
		"resolved_at": &now,
	}).Error; err != nil {
		return nil, err
	}
	alert.IsResolved = true
	alert.IsRead = true
	alert.ResolvedAt = &now
	return alert, nil
}
