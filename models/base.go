package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/freshledger/utils"
	"gorm.io/gorm"
)

// RecordEvent implements the transactional outbox:
// it writes the event inside the caller's DB transaction but does NOT publish to Pub/Sub.
// Publishing is performed asynchronously by the outbox dispatcher after commit.
func RecordEvent(ctx context.Context, tx *gorm.DB, eventType string, aggregateType string, aggregateId int, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := OutboxEvent{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		OccurredAt:    time.Now().UTC(),
		Payload:       data,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: CorrelationIdFromContextOrNew(ctx),
	}
	return tx.Create(&event).Error
}

func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
