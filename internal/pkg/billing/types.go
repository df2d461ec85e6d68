package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the normalized classification of a provider signal.
type EventKind string

const (
	KindPaymentSucceeded    EventKind = "payment.succeeded"
	KindPaymentFailed       EventKind = "payment.failed"
	KindSubscriptionCreated EventKind = "subscription.created"
	KindSubscriptionRenewed EventKind = "subscription.renewed"
	KindSubscriptionCancel  EventKind = "subscription.canceled"
	KindSubscriptionExpired EventKind = "subscription.expired"
	KindRefundCreated       EventKind = "refund.created"
	KindUnknown             EventKind = "unknown"
)

// IsCreation reports whether the kind may create a subscription that does
// not exist yet.
func (k EventKind) IsCreation() bool {
	return k == KindSubscriptionCreated
}

// IsRenewal reports whether the kind extends the current period and is
// therefore subject to the monotonic period-end guard.
func (k EventKind) IsRenewal() bool {
	return k == KindSubscriptionRenewed
}

// ProviderEvent is the provider-agnostic shape every adapter produces,
// whether from a pushed webhook or a client-initiated verification
// round-trip. The reconciliation engine consumes nothing else.
type ProviderEvent struct {
	Provider               string
	ProviderEventID        string
	ProviderSubscriptionID string
	ProviderPaymentID      string
	Kind                   EventKind
	EventType              string // provider's own event-type string, for audit
	ProductID              string
	OccurredAt             time.Time
	RawPayload             []byte

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	TrialEnd    *time.Time

	Amount       *decimal.Decimal
	Currency     string
	RefundAmount *decimal.Decimal
	RefundReason string

	CancelAtPeriodEnd bool

	// UserID is only set on client-initiated flows, where the caller's JWT
	// identifies the owner; webhooks resolve the owner from the ledger.
	UserID string

	// AckRequired marks purchase-class events whose provider demands an
	// acknowledge round-trip after processing (Google auto-refunds
	// unacknowledged purchases).
	AckRequired bool
}
