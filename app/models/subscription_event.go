package models

import "time"

// SubscriptionEvent is one entry in a subscription's append-only audit
// trail. Rows are only ever inserted, in the same transaction as the
// subscription mutation they record; seq is assigned monotonically per
// subscription so the log has a stable order independent of timestamps.
type SubscriptionEvent struct {
	ID             string    `gorm:"type:char(36);primaryKey" json:"id"`
	SubscriptionID string    `gorm:"type:char(36);not null;index:idx_subscription_events_sub_seq,priority:1" json:"subscription_id"`
	Seq            int       `gorm:"not null;index:idx_subscription_events_sub_seq,priority:2" json:"seq"`
	Event          string    `gorm:"type:varchar(50);not null" json:"event"`
	OccurredAt     time.Time `gorm:"not null" json:"occurred_at"`
	Metadata       string    `gorm:"type:json" json:"metadata"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
