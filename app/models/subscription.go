package models

import "time"

const (
	SubscriptionStatusTrial    = "trial"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

// Subscription mirrors a provider subscription and is the canonical
// entitlement record. (provider, provider_subscription_id) is the
// idempotency key for provider-driven transitions. Rows are never deleted;
// cancellation and expiry are status values.
type Subscription struct {
	ID                     string     `gorm:"type:char(36);primaryKey" json:"id"`
	UserID                 string     `gorm:"type:char(36);not null;index" json:"user_id"`
	PlanID                 string     `gorm:"type:char(36);not null;index" json:"plan_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	Status                 string     `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	CurrentPeriodStart     time.Time  `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `gorm:"not null;index" json:"current_period_end"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"default:null" json:"canceled_at,omitempty"`
	TrialEnd               *time.Time `gorm:"default:null" json:"trial_end,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether no payment or renewal event may move the
// subscription back to active. Only a fresh creation event with a new
// provider_subscription_id re-entitles the user.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired
}
