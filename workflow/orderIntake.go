package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// OrderService owns the order lifecycle up to loading approval.
type OrderService struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Reservations *ReservationManager
	Commissions  *CommissionEngine
	Settings     config.EngineSettings
}

func NewOrderService(db *gorm.DB, logger *logrus.Logger, reservations *ReservationManager, commissions *CommissionEngine, settings config.EngineSettings) *OrderService {
	return &OrderService{
		DB:           db,
		Logger:       logger,
		Reservations: reservations,
		Commissions:  commissions,
		Settings:     settings,
	}
}

type NewOrderLine struct {
	ProductId int             `json:"product_id" binding:"required"`
	Weight    decimal.Decimal `json:"weight" binding:"required"`
}

type NewOrder struct {
	DistributorId  int            `json:"distributor_id" binding:"required"`
	WarehouseId    *int           `json:"warehouse_id"`
	TimeoutMinutes *int           `json:"timeout_minutes"`
	Items          []NewOrderLine `json:"items" binding:"required,min=1,dive"`
}

type PlaceOrderResult struct {
	models.OperationResult
	Order        *models.Order         `json:"order,omitempty"`
	Reservations []*models.Reservation `json:"reservations,omitempty"`
	Plans        []*AllocationPlan     `json:"plans,omitempty"`
}

type PaymentResult struct {
	models.OperationResult
	Order      *models.Order     `json:"order,omitempty"`
	Commission *CommissionResult `json:"commission,omitempty"`
}

func (input *NewOrder) validate() *models.OperationResult {
	if input.DistributorId <= 0 {
		return models.Failed(models.ErrorKindInvalidInput, "distributor_id is required")
	}
	if len(input.Items) == 0 {
		return models.Failed(models.ErrorKindInvalidInput, "order needs at least one item")
	}
	if input.TimeoutMinutes != nil && *input.TimeoutMinutes <= 0 {
		return models.Failed(models.ErrorKindInvalidInput, "timeout_minutes must be positive")
	}
	seen := map[int]bool{}
	for _, line := range input.Items {
		if line.ProductId <= 0 {
			return models.Failed(models.ErrorKindInvalidInput, "product_id is required on every item")
		}
		if !line.Weight.IsPositive() {
			return models.Failed(models.ErrorKindInvalidInput, "weight for product %d must be greater than zero", line.ProductId)
		}
		if seen[line.ProductId] {
			return models.Failed(models.ErrorKindInvalidInput, "product %d appears on more than one line", line.ProductId)
		}
		seen[line.ProductId] = true
	}
	return nil
}

// PlaceOrder creates the order with its items priced at current product prices and reserves
// every line. A line that cannot be fully reserved leaves nothing behind.
func (s *OrderService) PlaceOrder(ctx context.Context, input *NewOrder) (*PlaceOrderResult, error) {
	ctx, span := startSpan(ctx, "OrderService.PlaceOrder", attribute.Int("distributor_id", input.DistributorId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	if res := input.validate(); res != nil {
		return &PlaceOrderResult{OperationResult: *res}, nil
	}

	// lines reserve in product id order so concurrent orders lock pallets in the same order
	lines := append([]NewOrderLine(nil), input.Items...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductId < lines[j].ProductId })

	var timeout time.Duration
	if input.TimeoutMinutes != nil {
		timeout = time.Duration(*input.TimeoutMinutes) * time.Minute
	}
	now := s.Reservations.now()
	expiresAt := now.Add(s.Reservations.timeoutOrDefault(timeout))

	out := &PlaceOrderResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.WarehouseId != nil {
			var count int64
			if err := tx.Model(&models.Warehouse{}).Where("id = ?", *input.WarehouseId).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return models.Rollback(models.Failed(models.ErrorKindInvalidInput, "warehouse %d not found", *input.WarehouseId))
			}
		}

		order := &models.Order{
			OrderNumber:   models.NewOrderNumber(now),
			DistributorId: input.DistributorId,
			WarehouseId:   input.WarehouseId,
			OrderDate:     now,
			Status:        models.OrderStatusPending,
			PaymentStatus: models.PaymentStatusPending,
			TotalWeight:   decimal.Zero,
			TotalAmount:   decimal.Zero,
		}
		for _, line := range lines {
			var product models.Product
			if err := tx.Where("id = ?", line.ProductId).Limit(1).Find(&product).Error; err != nil {
				return err
			}
			if product.ID == 0 {
				return models.Rollback(models.Failed(models.ErrorKindProductNotFound, "product %d not found", line.ProductId))
			}
			if !product.Active() {
				return models.Rollback(models.Failed(models.ErrorKindInvalidInput, "product %s is not active", product.Sku))
			}
			lineTotal := utils.RoundMoney(line.Weight.Mul(product.PricePerKg))
			order.Items = append(order.Items, models.OrderItem{
				ProductId:       product.ID,
				RequestedWeight: line.Weight,
				UnitPrice:       product.PricePerKg,
				LineTotal:       lineTotal,
			})
			order.TotalWeight = order.TotalWeight.Add(line.Weight)
			order.TotalAmount = order.TotalAmount.Add(lineTotal)
		}
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		for i := range order.Items {
			item := &order.Items[i]
			reservations, plan, res, err := s.Reservations.reserveTx(ctx, tx, order.ID, &item.ID, item.ProductId, item.RequestedWeight, input.WarehouseId, now, expiresAt)
			if err != nil {
				return err
			}
			if plan != nil {
				out.Plans = append(out.Plans, plan)
			}
			if res != nil {
				return models.Rollback(res)
			}
			out.Reservations = append(out.Reservations, reservations...)
		}
		order.ReservationExpiresAt = &expiresAt
		if err := tx.Model(order).Update("reservation_expires_at", expiresAt).Error; err != nil {
			return err
		}
		out.Order = order
		return nil
	})
	if err != nil {
		result, settleErr := settle(nil, err)
		if settleErr != nil {
			spanErr = settleErr
			config.LogError(s.Logger, "Workflow", "PlaceOrder", "place order", input, settleErr)
			return nil, settleErr
		}
		out.OperationResult = *result
		out.Order = nil
		out.Reservations = nil
		s.Logger.WithFields(logFields(ctx, logrus.Fields{
			"distributor_id": input.DistributorId,
			"kind":           result.Kind,
		})).Info("order refused: " + result.Message)
		return out, nil
	}
	out.OperationResult = *models.Succeeded(fmt.Sprintf("order %s placed with %d line(s), reserved until %s",
		out.Order.OrderNumber, len(out.Order.Items), expiresAt.Format(time.RFC3339)))
	s.Logger.WithFields(logFields(ctx, logrus.Fields{
		"order_id":       out.Order.ID,
		"distributor_id": input.DistributorId,
		"total_weight":   out.Order.TotalWeight.String(),
	})).Info("order placed")
	return out, nil
}

// ConfirmPayment marks the order paid. Stock is not touched here. Confirming an already paid
// order succeeds without changes.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderId int, reference string) (*PaymentResult, error) {
	ctx, span := startSpan(ctx, "OrderService.ConfirmPayment", attribute.Int("order_id", orderId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	out := &PaymentResult{}
	changed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order == nil {
			return models.Rollback(orderNotFound(orderId))
		}
		if order.Status == models.OrderStatusCancelled {
			return models.Rollback(models.Failed(models.ErrorKindInvalidOrderState, "order %s is cancelled", order.OrderNumber))
		}
		out.Order = order
		if order.IsPaid() {
			return nil
		}
		if order.PaymentStatus == models.PaymentStatusRefunded {
			return models.Rollback(models.Failed(models.ErrorKindInvalidOrderState, "order %s was refunded", order.OrderNumber))
		}

		now := s.Reservations.now()
		updates := map[string]interface{}{
			"payment_status": models.PaymentStatusPaid,
			"paid_at":        now,
		}
		if reference != "" {
			updates["payment_reference"] = reference
			order.PaymentReference = &reference
		}
		if order.Status == models.OrderStatusPending {
			updates["status"] = models.OrderStatusConfirmed
			order.Status = models.OrderStatusConfirmed
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderId).Updates(updates).Error; err != nil {
			return err
		}
		order.PaymentStatus = models.PaymentStatusPaid
		order.PaidAt = &now
		if err := models.RecordEvent(ctx, tx, models.EventOrderPaid, models.AggregateOrder, orderId, map[string]interface{}{
			"order_id":       orderId,
			"order_number":   order.OrderNumber,
			"distributor_id": order.DistributorId,
			"total_amount":   order.TotalAmount,
			"reference":      reference,
			"paid_at":        now,
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		result, settleErr := settle(nil, err)
		if settleErr != nil {
			spanErr = settleErr
			config.LogError(s.Logger, "Workflow", "ConfirmPayment", "confirm payment", orderId, settleErr)
			return nil, settleErr
		}
		s.Logger.WithFields(logFields(ctx, logrus.Fields{"order_id": orderId, "kind": result.Kind})).
			Warn("payment confirmation refused: " + result.Message)
		return &PaymentResult{OperationResult: *result}, nil
	}

	if !changed {
		out.OperationResult = *models.Succeeded("order " + out.Order.OrderNumber + " already paid")
		return out, nil
	}
	out.OperationResult = *models.Succeeded("payment confirmed for order " + out.Order.OrderNumber)
	s.Logger.WithFields(logFields(ctx, logrus.Fields{"order_id": orderId, "reference": reference})).Info("payment confirmed")

	if s.Settings.AutoCommissionOnPayment && s.Commissions != nil {
		commission, err := s.Commissions.CalculateOrderCommission(ctx, orderId)
		if err != nil {
			// the payment is committed; commission can be recomputed later
			config.LogError(s.Logger, "Workflow", "ConfirmPayment", "auto commission", orderId, err)
		} else {
			out.Commission = commission
		}
	}
	return out, nil
}

// MarkPaymentFailed records a failed payment. Reservations stay until they expire or the order
// is cancelled. Paid orders are not downgraded.
func (s *OrderService) MarkPaymentFailed(ctx context.Context, orderId int) (*PaymentResult, error) {
	return s.setPaymentStatus(ctx, orderId, models.PaymentStatusFailed)
}

// MarkPaymentRefunded records a refund on a paid order that has not been loaded yet and
// releases its reservations.
func (s *OrderService) MarkPaymentRefunded(ctx context.Context, orderId int) (*PaymentResult, error) {
	return s.setPaymentStatus(ctx, orderId, models.PaymentStatusRefunded)
}

func (s *OrderService) setPaymentStatus(ctx context.Context, orderId int, status models.PaymentStatus) (*PaymentResult, error) {
	out := &PaymentResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order == nil {
			return models.Rollback(orderNotFound(orderId))
		}
		switch status {
		case models.PaymentStatusFailed:
			if order.IsPaid() {
				return models.Rollback(models.Failed(models.ErrorKindInvalidOrderState, "order %s is already paid", order.OrderNumber))
			}
		case models.PaymentStatusRefunded:
			if !order.IsPaid() {
				return models.Rollback(models.Failed(models.ErrorKindPaymentNotConfirmed, "order %s is not paid", order.OrderNumber))
			}
			if order.IsLoadingApproved() {
				return models.Rollback(models.Failed(models.ErrorKindAlreadyApproved, "order %s was already loaded", order.OrderNumber))
			}
			if res, err := refuseIfConverted(tx, order, "refunded"); err != nil || res != nil {
				return rollbackOr(res, err)
			}
			if _, err := releaseOrderTx(ctx, tx, orderId, models.ReleaseReasonReleased, s.Reservations.now()); err != nil {
				return err
			}
			if err := stampOrderExpiry(tx, orderId); err != nil {
				return err
			}
		}
		if order.PaymentStatus == status {
			out.Order = order
			return nil
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderId).Update("payment_status", status).Error; err != nil {
			return err
		}
		order.PaymentStatus = status
		out.Order = order
		return nil
	})
	result, err := settle(models.Succeeded(fmt.Sprintf("order %d payment marked %s", orderId, status)), err)
	if err != nil {
		config.LogError(s.Logger, "Workflow", "setPaymentStatus", string(status), orderId, err)
		return nil, err
	}
	if !result.Success {
		out.Order = nil
	}
	out.OperationResult = *result
	s.Logger.WithFields(logFields(ctx, logrus.Fields{"order_id": orderId, "payment_status": status, "success": result.Success})).
		Info(result.Message)
	return out, nil
}

// ApplyPaymentEvent routes a payment collaborator event to the matching transition.
func (s *OrderService) ApplyPaymentEvent(ctx context.Context, event config.PaymentEvent) (*PaymentResult, error) {
	if event.OrderId <= 0 {
		return &PaymentResult{OperationResult: *models.Failed(models.ErrorKindInvalidInput, "order_id is required")}, nil
	}
	switch models.PaymentStatus(event.Status) {
	case models.PaymentStatusPaid:
		return s.ConfirmPayment(ctx, event.OrderId, event.Reference)
	case models.PaymentStatusFailed:
		return s.MarkPaymentFailed(ctx, event.OrderId)
	case models.PaymentStatusRefunded:
		return s.MarkPaymentRefunded(ctx, event.OrderId)
	}
	return &PaymentResult{OperationResult: *models.Failed(models.ErrorKindInvalidInput, "unsupported payment status %q", event.Status)}, nil
}

// CancelOrder releases the order's reservations and marks it cancelled. Orders whose loading was
// approved cannot be cancelled; cancelling twice is a no-op.
func (s *OrderService) CancelOrder(ctx context.Context, orderId int) (*models.OperationResult, error) {
	ctx, span := startSpan(ctx, "OrderService.CancelOrder", attribute.Int("order_id", orderId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	var result *models.OperationResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		if order == nil {
			return models.Rollback(orderNotFound(orderId))
		}
		if order.Status == models.OrderStatusCancelled {
			result = models.Succeeded("order " + order.OrderNumber + " already cancelled")
			return nil
		}
		if order.IsLoadingApproved() {
			return models.Rollback(models.Failed(models.ErrorKindAlreadyApproved,
				"order %s cannot be cancelled after loading approval", order.OrderNumber))
		}
		if res, err := refuseIfConverted(tx, order, "cancelled"); err != nil || res != nil {
			return rollbackOr(res, err)
		}
		now := s.Reservations.now()
		released, err := releaseOrderTx(ctx, tx, orderId, models.ReleaseReasonReleased, now)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderId).Updates(map[string]interface{}{
			"status":                 models.OrderStatusCancelled,
			"cancelled_at":           now,
			"reservation_expires_at": nil,
		}).Error; err != nil {
			return err
		}
		if err := models.RecordEvent(ctx, tx, models.EventOrderCancelled, models.AggregateOrder, orderId, map[string]interface{}{
			"order_id":              orderId,
			"order_number":          order.OrderNumber,
			"released_reservations": released,
			"cancelled_at":          now,
		}); err != nil {
			return err
		}
		result = models.Succeeded(fmt.Sprintf("order %s cancelled, %d reservation(s) released", order.OrderNumber, released))
		return nil
	})
	result, err = settle(result, err)
	if err != nil {
		spanErr = err
		config.LogError(s.Logger, "Workflow", "CancelOrder", "cancel order", orderId, err)
		return nil, err
	}
	s.Logger.WithFields(logFields(ctx, logrus.Fields{"order_id": orderId, "success": result.Success})).Info(result.Message)
	return result, nil
}

// refuseIfConverted fails once allocations have drawn pallet weight for the order.
func refuseIfConverted(tx *gorm.DB, order *models.Order, action string) (*models.OperationResult, error) {
	converted, err := countAllocations(tx, order.ID)
	if err != nil {
		return nil, err
	}
	if converted > 0 {
		return models.Failed(models.ErrorKindInvalidOrderState,
			"order %s cannot be %s: %d allocation(s) already drew pallet weight", order.OrderNumber, action, converted), nil
	}
	return nil, nil
}

func rollbackOr(res *models.OperationResult, err error) error {
	if err != nil {
		return err
	}
	return models.Rollback(res)
}
