package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"gorm.io/gorm"
)

// OutboxStatus is an ops view of the latest outbox row for an aggregate.
type OutboxStatus struct {
	RecordId         int        `json:"record_id"`
	EventType        string     `json:"event_type"`
	AggregateType    string     `json:"aggregate_type"`
	AggregateId      int        `json:"aggregate_id"`
	PublishStatus    string     `json:"publish_status"`
	PublishAttempts  int        `json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LastPublishError *string    `json:"last_publish_error"`
	CreatedAt        time.Time  `json:"created_at"`
	PublishedAt      *time.Time `json:"published_at"`
	Pending          int64      `json:"pending"`
}

func GetOutboxStatus(ctx context.Context, aggregateType string, aggregateId int) (*OutboxStatus, error) {
	db := config.GetDB()
	var rec OutboxEvent
	if err := db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateId).
		Order("id DESC").
		First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	// rows of this aggregate still waiting to be published
	var pending int64
	if err := db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("aggregate_type = ? AND aggregate_id = ? AND publish_status <> ?", aggregateType, aggregateId, OutboxPublishStatusSent).
		Count(&pending).Error; err != nil {
		return nil, err
	}

	return &OutboxStatus{
		RecordId:         rec.ID,
		EventType:        rec.EventType,
		AggregateType:    rec.AggregateType,
		AggregateId:      rec.AggregateId,
		PublishStatus:    rec.PublishStatus,
		PublishAttempts:  rec.PublishAttempts,
		NextAttemptAt:    rec.NextAttemptAt,
		LastPublishError: rec.LastPublishError,
		CreatedAt:        rec.CreatedAt,
		PublishedAt:      rec.PublishedAt,
		Pending:          pending,
	}, nil
}

// ReplayOutboxEvent requeues a FAILED or DEAD row for immediate publishing with a fresh
// attempt budget.
func ReplayOutboxEvent(ctx context.Context, recordId int) (*OutboxEvent, error) {
	now := time.Now().UTC()
	db := config.GetDB()

	res := db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND publish_status IN ?", recordId, []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusFailed,
			"publish_attempts":   0,
			"next_attempt_at":    &now,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, utils.ErrorRecordNotFound
	}

	var rec OutboxEvent
	if err := db.WithContext(ctx).First(&rec, recordId).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
