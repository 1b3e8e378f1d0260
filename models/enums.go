package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type StorageMode string

const (
	StorageModeFreezing StorageMode = "freezing"
	StorageModeCooling  StorageMode = "cooling"
)

func (m StorageMode) IsValid() bool {
	return m == StorageModeFreezing || m == StorageModeCooling
}

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPacked    OrderStatus = "packed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryStatusNone      DeliveryStatus = ""
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

type ReleaseReason string

const (
	ReleaseReasonReleased  ReleaseReason = "released"
	ReleaseReasonExpired   ReleaseReason = "expired"
	ReleaseReasonConverted ReleaseReason = "converted"
)

type SalesCycleStatus string

const (
	SalesCycleStatusDraft  SalesCycleStatus = "draft"
	SalesCycleStatusActive SalesCycleStatus = "active"
	SalesCycleStatusClosed SalesCycleStatus = "closed"
)

type DistributorRole string

const (
	DistributorRoleDistributor DistributorRole = "distributor"
	DistributorRoleTeamLeader  DistributorRole = "team_leader"
)

func (r DistributorRole) IsValid() bool {
	return r == DistributorRoleDistributor || r == DistributorRoleTeamLeader
}

type CommissionType string

const (
	CommissionTypeDistributor CommissionType = "distributor"
	CommissionTypeTeamLeader  CommissionType = "team_leader"
)

type AlertType string

const (
	AlertTypeLowPerformance     AlertType = "low_performance"
	AlertTypeSpoilageWarning    AlertType = "spoilage_warning"
	AlertTypeStockLow           AlertType = "stock_low"
	AlertTypeReservationExpired AlertType = "reservation_expired"
)

func (t AlertType) IsValid() bool {
	switch t {
	case AlertTypeLowPerformance, AlertTypeSpoilageWarning, AlertTypeStockLow, AlertTypeReservationExpired:
		return true
	}
	return false
}

func (t *AlertType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("alert type must be string")
	}
	if !AlertType(str).IsValid() {
		return fmt.Errorf("invalid alert type %q", str)
	}
	*t = AlertType(str)
	return nil
}

// Event types written to the outbox.
const (
	EventReservationCreated     = "reservation.created"
	EventReservationReleased    = "reservation.released"
	EventReservationExpired     = "reservation.expired"
	EventOrderLoadingApproved   = "order.loading_approved"
	EventOrderPaid              = "order.paid"
	EventOrderCancelled         = "order.cancelled"
	EventCommissionCalculated   = "commission.calculated"
	EventAlertRaised            = "alert.raised"
	EventSalesCycleTransitioned = "sales_cycle.transitioned"
)

const (
	AggregateOrder      = "order"
	AggregateCommission = "commission"
	AggregateAlert      = "alert"
	AggregateSalesCycle = "sales_cycle"
)
