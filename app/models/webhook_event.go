package models

import "time"

// WebhookEvent stores every inbound provider event with deduplication
// metadata, independent of whether it changed any state. The row is written
// before reconciliation runs so no event is silently lost on a crash.
type WebhookEvent struct {
	ID              string     `gorm:"type:char(36);primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload         string     `gorm:"type:longtext;not null" json:"payload"`
	Signature       string     `gorm:"type:varchar(500)" json:"signature"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	Processed       bool       `gorm:"default:false;index" json:"processed"`
	ProcessedAt     *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	ReceivedAt      time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
