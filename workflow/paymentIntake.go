package workflow

import (
	"context"
	"errors"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const paymentHandlerName = "payments.apply"

// HandlePaymentMessage applies a payment event delivered at least once. A message id that
// already succeeded is skipped; a returned error asks the broker to redeliver.
func (s *OrderService) HandlePaymentMessage(ctx context.Context, messageId string, event config.PaymentEvent) (*PaymentResult, error) {
	if messageId == "" {
		return nil, errors.New("message id is required")
	}
	fields := logFields(ctx, logrus.Fields{"message_id": messageId, "order_id": event.OrderId, "status": event.Status})

	var skip bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		skip, err = BeginIdempotency(tx, paymentHandlerName, messageId)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrIdempotencyInProgress) {
			config.LogError(s.Logger, "Workflow", "HandlePaymentMessage", "begin idempotency", messageId, err)
		}
		return nil, err
	}
	if skip {
		s.Logger.WithFields(fields).Info("payment message already applied")
		return &PaymentResult{OperationResult: *models.Succeeded("duplicate delivery ignored")}, nil
	}

	result, applyErr := s.ApplyPaymentEvent(ctx, event)
	db := s.DB.WithContext(ctx)
	if applyErr != nil {
		if err := MarkIdempotencyFailed(db, paymentHandlerName, messageId, applyErr); err != nil {
			config.LogError(s.Logger, "Workflow", "HandlePaymentMessage", "mark idempotency failed", messageId, err)
		}
		return nil, applyErr
	}
	// business refusals are final; redelivering them would not change the outcome
	if err := MarkIdempotencySucceeded(db, paymentHandlerName, messageId); err != nil {
		config.LogError(s.Logger, "Workflow", "HandlePaymentMessage", "mark idempotency succeeded", messageId, err)
		return nil, err
	}
	fields["success"] = result.Success
	s.Logger.WithFields(fields).Info("payment message applied: " + result.Message)
	return result, nil
}
