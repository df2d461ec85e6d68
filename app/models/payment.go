package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending           = "pending"
	PaymentStatusCompleted         = "completed"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// Payment is one attempted money movement. A payment may precede the
// subscription it pays for, so subscription_id is nullable.
// (provider, provider_payment_id) is the dedupe key.
type Payment struct {
	ID                string           `gorm:"type:char(36);primaryKey" json:"id"`
	UserID            string           `gorm:"type:char(36);not null;index" json:"user_id"`
	SubscriptionID    *string          `gorm:"type:char(36);default:null;index" json:"subscription_id,omitempty"`
	Provider          string           `gorm:"type:varchar(20);not null;index:ux_payments_provider_payid,unique,priority:1" json:"provider"`
	ProviderPaymentID string           `gorm:"type:varchar(191);not null;index:ux_payments_provider_payid,unique,priority:2" json:"provider_payment_id"`
	Amount            decimal.Decimal  `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency          string           `gorm:"type:varchar(3);not null;default:'USD'" json:"currency"`
	Status            string           `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	RefundAmount      *decimal.Decimal `gorm:"type:decimal(10,2);default:null" json:"refund_amount,omitempty"`
	RefundReason      string           `gorm:"type:text" json:"refund_reason,omitempty"`
	RefundedAt        *time.Time       `gorm:"default:null" json:"refunded_at,omitempty"`
	CompletedAt       *time.Time       `gorm:"default:null" json:"completed_at,omitempty"`
	Metadata          string           `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// RefundedTotal returns the accumulated refund amount, zero when none.
func (p *Payment) RefundedTotal() decimal.Decimal {
	if p.RefundAmount == nil {
		return decimal.Zero
	}
	return *p.RefundAmount
}
