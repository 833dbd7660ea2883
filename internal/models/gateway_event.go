package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GatewayEvent stores each verified webhook delivery so replays can be
// recognised and failed processing can be reviewed later.
type GatewayEvent struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Provider        string         `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:idx_gateway_event_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:varchar(191);not null;uniqueIndex:idx_gateway_event_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:varchar(100);not null;index"`
	PaymentID       *uuid.UUID     `json:"payment_id,omitempty" gorm:"type:uuid;index"`
	Payload         datatypes.JSON `json:"payload"`
	Outcome         string         `json:"outcome" gorm:"type:varchar(32)"` // applied, ignored, unmatched, failed
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `json:"processing_error,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (e *GatewayEvent) TableName() string { return "gateway_events" }

func (e *GatewayEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	return nil
}
