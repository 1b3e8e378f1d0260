package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// LoadingApproval gates the single path by which pallet weight decreases.
type LoadingApproval struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Reservations *ReservationManager
}

func NewLoadingApproval(db *gorm.DB, logger *logrus.Logger, reservations *ReservationManager) *LoadingApproval {
	return &LoadingApproval{DB: db, Logger: logger, Reservations: reservations}
}

type BulkApprovalResult struct {
	OrderId int `json:"order_id"`
	models.OperationResult
}

// checkApprovalPreconditions applies the approval guards in order. A nil return means the
// order may be converted.
func checkApprovalPreconditions(order *models.Order, orderId int, activeReservations int64, expiredReservations int64) *models.OperationResult {
	if order == nil {
		return orderNotFound(orderId)
	}
	if order.IsLoadingApproved() {
		return models.Failed(models.ErrorKindAlreadyApproved, "order %s loading was already approved at %s",
			order.OrderNumber, order.LoadingApprovedAt.UTC().Format(time.RFC3339))
	}
	if order.PaymentStatus != models.PaymentStatusPaid {
		return models.Failed(models.ErrorKindPaymentNotConfirmed, "payment for order %s is not confirmed (status %s)",
			order.OrderNumber, order.PaymentStatus)
	}
	if order.Status == models.OrderStatusCancelled {
		return models.Failed(models.ErrorKindInvalidOrderState, "order %s is cancelled", order.OrderNumber)
	}
	if activeReservations == 0 {
		if expiredReservations > 0 {
			return models.Failed(models.ErrorKindNoActiveReservations,
				"order %s has no active reservations to convert: its reservations expired", order.OrderNumber)
		}
		return models.Failed(models.ErrorKindNoActiveReservations, "order %s has no active reservations to convert", order.OrderNumber)
	}
	return nil
}

// ApproveOrderLoading converts a paid order's reservations into allocations and marks it packed.
func (a *LoadingApproval) ApproveOrderLoading(ctx context.Context, orderId int, approverId int) (*models.OperationResult, error) {
	ctx, span := startSpan(ctx, "LoadingApproval.ApproveOrderLoading",
		attribute.Int("order_id", orderId), attribute.Int("approver_id", approverId))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	var result *models.OperationResult
	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(tx, orderId)
		if err != nil {
			return err
		}
		var active, expired int64
		if order != nil {
			if active, err = countActiveReservations(tx, orderId); err != nil {
				return err
			}
			if active == 0 {
				converted, err := countAllocations(tx, orderId)
				if err != nil {
					return err
				}
				if converted == 0 {
					if expired, err = countExpiredReservations(tx, orderId); err != nil {
						return err
					}
				}
			}
		}
		if res := checkApprovalPreconditions(order, orderId, active, expired); res != nil {
			return models.Rollback(res)
		}

		res, commit, err := a.Reservations.convertTx(ctx, tx, order)
		if err != nil {
			return err
		}
		if !res.Success {
			result = res
			if commit {
				return nil
			}
			return models.Rollback(res)
		}

		now := a.Reservations.now()
		if err := tx.Model(&models.Order{}).Where("id = ?", orderId).Updates(map[string]interface{}{
			"loading_approved_at":    now,
			"loading_approved_by":    approverId,
			"status":                 models.OrderStatusPacked,
			"delivery_status":        models.DeliveryStatusInTransit,
			"reservation_expires_at": nil,
		}).Error; err != nil {
			return err
		}
		if err := models.RecordEvent(ctx, tx, models.EventOrderLoadingApproved, models.AggregateOrder, orderId, map[string]interface{}{
			"order_id":     orderId,
			"order_number": order.OrderNumber,
			"approved_by":  approverId,
			"approved_at":  now,
			"conversion":   res.Message,
		}); err != nil {
			return err
		}
		result = models.Succeeded("loading approved for order " + order.OrderNumber + ": " + res.Message)
		return nil
	})
	result, err = settle(result, err)
	if err != nil {
		spanErr = err
		config.LogError(a.Logger, "Workflow", "ApproveOrderLoading", "approve order loading", orderId, err)
		return nil, err
	}
	fields := logFields(ctx, logrus.Fields{"order_id": orderId, "approver_id": approverId})
	if result.Success {
		a.Logger.WithFields(fields).Info(result.Message)
	} else {
		fields["kind"] = result.Kind
		a.Logger.WithFields(fields).Warn("loading approval refused: " + result.Message)
	}
	return result, nil
}

// BulkApproveLoading approves orders one by one. A failure, including an infrastructure
// error, is recorded against its order and processing continues.
func (a *LoadingApproval) BulkApproveLoading(ctx context.Context, orderIds []int, approverId int) []BulkApprovalResult {
	results := make([]BulkApprovalResult, 0, len(orderIds))
	for _, orderId := range orderIds {
		if ctx.Err() != nil {
			results = append(results, BulkApprovalResult{
				OrderId:         orderId,
				OperationResult: *models.Failed(models.ErrorKindNone, "not processed: %v", ctx.Err()),
			})
			continue
		}
		res, err := a.ApproveOrderLoading(ctx, orderId, approverId)
		if err != nil {
			results = append(results, BulkApprovalResult{
				OrderId:         orderId,
				OperationResult: *models.Failed(models.ErrorKindNone, "internal error approving order %d", orderId),
			})
			continue
		}
		results = append(results, BulkApprovalResult{OrderId: orderId, OperationResult: *res})
	}
	return results
}
