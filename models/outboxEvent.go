package models

import (
	"time"

	"github.com/mmdatafocus/freshledger/config"
)

// Outbox publish statuses for OutboxEvent.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxEvent is written in the same transaction as the ledger change it describes and
// published to Pub/Sub after commit by the dispatcher.
type OutboxEvent struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType        string     `gorm:"size:60;not null;index" json:"event_type"`
	AggregateType    string     `gorm:"size:40;not null;index:idx_outbox_aggregate,priority:1" json:"aggregate_type"`
	AggregateId      int        `gorm:"not null;index:idx_outbox_aggregate,priority:2" json:"aggregate_id"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	Payload          []byte     `json:"payload"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e OutboxEvent) ToMessage() config.EventMessage {
	return config.EventMessage{
		ID:            e.ID,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateId:   e.AggregateId,
		OccurredAt:    e.OccurredAt,
		Payload:       e.Payload,
		CorrelationId: e.CorrelationId,
	}
}
