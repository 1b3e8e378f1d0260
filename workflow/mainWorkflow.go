package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/freshledger/models"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("freshledger/workflow")

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err (if any) and closes the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// settle turns the outcome of a gorm Transaction into the (result, error) pair callers expect.
// A BusinessFailure means the closure asked for a rollback with a structured result.
func settle(result *models.OperationResult, err error) (*models.OperationResult, error) {
	if err != nil {
		var failure *models.BusinessFailure
		if errors.As(err, &failure) {
			return failure.Result, nil
		}
		return nil, err
	}
	return result, nil
}

// lockOrder reads the order with its items under a row lock. Returns nil when missing.
func lockOrder(tx *gorm.DB, orderId int) (*models.Order, error) {
	order, err := utils.FetchModelForUpdate[models.Order](tx, orderId, "Items")
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	return order, err
}

func orderNotFound(orderId int) *models.OperationResult {
	return models.Failed(models.ErrorKindOrderNotFound, "order %d not found", orderId)
}

func logFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
		fields["correlation_id"] = v
	}
	if v, ok := utils.GetJobNameFromContext(ctx); ok && v != "" {
		fields["job"] = v
	}
	return fields
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

var (
	lockForUpdate       = clause.Locking{Strength: "UPDATE"}
	skipLockedForUpdate = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
)
