package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
)

// AckEnqueuer schedules the provider acknowledge round-trip that some
// purchase-class events require. Implemented by the jobqueue; failures
// there are retried with backoff, never swallowed.
type AckEnqueuer interface {
	EnqueueAck(ev *ProviderEvent, webhookEventID string) error
}

// Outcome describes what reconciliation did with one event.
type Outcome struct {
	Subscription *models.Subscription
	Payment      *models.Payment
	Created      bool
	// Stale is set when the event was a duplicate or out-of-order replay
	// and the ledger was deliberately left untouched. Not an error.
	Stale bool
}

// Engine is the state-machine core: it maps a normalized ProviderEvent plus
// the current ledger snapshot to a new state, idempotently, regardless of
// delivery order or duplication. It is the only component that mutates
// subscriptions and payments.
type Engine struct {
	repo  Repository
	acks  AckEnqueuer
	locks *keyedMutex
	now   func() time.Time
}

// NewEngine creates a reconciliation engine over the given ledger.
// acks may be nil in contexts with no outbound side effects (tests, sweeper).
func NewEngine(repo Repository, acks AckEnqueuer) *Engine {
	return &Engine{
		repo:  repo,
		acks:  acks,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// Reconcile applies one normalized event to the ledger. Transitions for the
// same provider_subscription_id are serialized; the subscription mutation
// and its audit row commit in one transaction.
func (e *Engine) Reconcile(ctx context.Context, ev *ProviderEvent, webhookEventID string) (*Outcome, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedPayload)
	}
	if ev.Kind == KindUnknown {
		// Durably logged upstream; deliberately no state transition.
		return &Outcome{Stale: true}, nil
	}

	lockKey := ev.Provider + "|" + ev.ProviderSubscriptionID
	if ev.ProviderSubscriptionID == "" {
		lockKey = ev.Provider + "|pay|" + ev.ProviderPaymentID
	}
	unlock := e.locks.Lock(lockKey)
	defer unlock()

	out := &Outcome{}
	err := e.repo.Transaction(func(tx Repository) error {
		var sub *models.Subscription
		var err error

		if ev.ProviderSubscriptionID != "" {
			sub, err = e.applySubscription(tx, ev, out)
			if err != nil {
				return err
			}
		}

		if ev.ProviderPaymentID != "" {
			if err := e.applyPayment(tx, ev, sub, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// AckRequired reflects the provider's acknowledgement state at enrich
	// time, so it is only set while an ack is still owed. A stale outcome
	// must not skip it: a redelivery after a failed enqueue reconciles as
	// stale but the purchase is still unacknowledged, and Play auto-refunds
	// it. The acknowledge call itself is idempotent.
	if ev.AckRequired && e.acks != nil {
		if err := e.acks.EnqueueAck(ev, webhookEventID); err != nil {
			return out, fmt.Errorf("enqueue provider acknowledge: %w", err)
		}
	}
	return out, nil
}

// applySubscription runs the subscription half of the state machine inside
// the caller's transaction.
func (e *Engine) applySubscription(tx Repository, ev *ProviderEvent, out *Outcome) (*models.Subscription, error) {
	sub, err := tx.GetSubscriptionByProviderID(ev.Provider, ev.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if sub == nil {
		if !ev.Kind.IsCreation() {
			return nil, fmt.Errorf("%w: %s/%s for %s event",
				ErrSubscriptionNotFound, ev.Provider, ev.ProviderSubscriptionID, ev.Kind)
		}
		created, err := e.createSubscription(tx, ev)
		if err != nil {
			return nil, err
		}
		out.Subscription = created
		out.Created = true
		return created, nil
	}

	out.Subscription = sub
	switch ev.Kind {
	case KindSubscriptionCreated:
		// Replayed creation for a known provider_subscription_id: the key
		// already did its idempotency work. A later period end still counts
		// as a renewal so a merged create+renew replay converges.
		if ev.PeriodEnd == nil || !ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
			out.Stale = true
			return sub, nil
		}
		return sub, e.renew(tx, sub, ev, out)

	case KindSubscriptionRenewed:
		if sub.IsTerminal() {
			log.Warnf("[billing] renewal for terminal subscription %s/%s ignored", sub.Provider, sub.ProviderSubscriptionID)
			out.Stale = true
			return sub, nil
		}
		if ev.PeriodEnd == nil || !ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
			// Core ordering invariant: current_period_end is monotonically
			// non-decreasing. Replays and out-of-order deliveries no-op.
			out.Stale = true
			return sub, nil
		}
		return sub, e.renew(tx, sub, ev, out)

	case KindPaymentSucceeded:
		return sub, e.paymentSucceeded(tx, sub, ev, out)

	case KindPaymentFailed:
		if sub.Status != models.SubscriptionStatusActive {
			out.Stale = true
			return sub, nil
		}
		prev := sub.Status
		sub.Status = models.SubscriptionStatusPastDue
		if err := tx.UpdateSubscription(sub); err != nil {
			return nil, err
		}
		return sub, tx.AppendEvent(sub.ID, "payment_failed", e.occurredAt(ev), EventMeta{
			Provider:       ev.Provider,
			EventType:      ev.EventType,
			PreviousStatus: prev,
			NewStatus:      sub.Status,
		})

	case KindSubscriptionCancel:
		return sub, e.cancel(tx, sub, ev, out)

	case KindSubscriptionExpired:
		if sub.Status == models.SubscriptionStatusExpired {
			out.Stale = true
			return sub, nil
		}
		prev := sub.Status
		sub.Status = models.SubscriptionStatusExpired
		if err := tx.UpdateSubscription(sub); err != nil {
			return nil, err
		}
		return sub, tx.AppendEvent(sub.ID, "expired", e.occurredAt(ev), EventMeta{
			Provider:       ev.Provider,
			EventType:      ev.EventType,
			PreviousStatus: prev,
			NewStatus:      sub.Status,
		})

	case KindRefundCreated:
		// Refunds touch the payment only; subscription status is unchanged.
		return sub, nil
	}

	out.Stale = true
	return sub, nil
}

func (e *Engine) createSubscription(tx Repository, ev *ProviderEvent) (*models.Subscription, error) {
	plan, err := tx.FindPlanByProviderProduct(ev.Provider, ev.ProductID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: provider=%s product=%q", ErrPlanNotConfigured, ev.Provider, ev.ProductID)
		}
		return nil, err
	}

	now := e.now()
	start := now
	if ev.PeriodStart != nil {
		start = *ev.PeriodStart
	}
	end := start.AddDate(0, 1, 0)
	if ev.PeriodEnd != nil {
		end = *ev.PeriodEnd
	}

	status := models.SubscriptionStatusActive
	if ev.TrialEnd != nil && ev.TrialEnd.After(now) {
		status = models.SubscriptionStatusTrial
	}

	sub := &models.Subscription{
		UserID:                 ev.UserID,
		PlanID:                 plan.ID,
		Provider:               ev.Provider,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		Status:                 status,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		TrialEnd:               ev.TrialEnd,
	}
	if err := tx.CreateSubscription(sub); err != nil {
		return nil, err
	}

	if err := tx.AppendEvent(sub.ID, "created", e.occurredAt(ev), EventMeta{
		Provider:  ev.Provider,
		EventType: ev.EventType,
		ProductID: ev.ProductID,
		PeriodEnd: ev.PeriodEnd,
		NewStatus: status,
	}); err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) renew(tx Repository, sub *models.Subscription, ev *ProviderEvent, out *Outcome) error {
	prev := sub.Status
	if ev.PeriodStart != nil {
		sub.CurrentPeriodStart = *ev.PeriodStart
	} else {
		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	}
	sub.CurrentPeriodEnd = *ev.PeriodEnd
	if !sub.IsTerminal() {
		sub.Status = models.SubscriptionStatusActive
	}
	if err := tx.UpdateSubscription(sub); err != nil {
		return err
	}
	return tx.AppendEvent(sub.ID, "renewed", e.occurredAt(ev), EventMeta{
		Provider:       ev.Provider,
		EventType:      ev.EventType,
		PeriodEnd:      ev.PeriodEnd,
		PreviousStatus: prev,
		NewStatus:      sub.Status,
	})
}

// paymentSucceeded moves trial/past_due subscriptions to active. Canceled
// and expired subscriptions stay put: money alone never resurrects an
// entitlement the user or provider has ended — that takes a fresh creation
// event with a new provider_subscription_id.
func (e *Engine) paymentSucceeded(tx Repository, sub *models.Subscription, ev *ProviderEvent, out *Outcome) error {
	if sub.IsTerminal() {
		out.Stale = true
		return nil
	}

	prev := sub.Status
	changed := false
	if sub.Status == models.SubscriptionStatusTrial || sub.Status == models.SubscriptionStatusPastDue {
		sub.Status = models.SubscriptionStatusActive
		changed = true
	}
	if ev.PeriodEnd != nil && ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = *ev.PeriodEnd
		changed = true
	}
	if !changed {
		out.Stale = true
		return nil
	}

	if err := tx.UpdateSubscription(sub); err != nil {
		return err
	}
	return tx.AppendEvent(sub.ID, "payment_success", e.occurredAt(ev), EventMeta{
		Provider:       ev.Provider,
		EventType:      ev.EventType,
		PeriodEnd:      ev.PeriodEnd,
		PreviousStatus: prev,
		NewStatus:      sub.Status,
	})
}

func (e *Engine) cancel(tx Repository, sub *models.Subscription, ev *ProviderEvent, out *Outcome) error {
	if sub.IsTerminal() {
		out.Stale = true
		return nil
	}

	prev := sub.Status
	occurred := e.occurredAt(ev)
	sub.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	sub.CanceledAt = &occurred
	if !ev.CancelAtPeriodEnd {
		sub.Status = models.SubscriptionStatusCanceled
	}
	// With cancel_at_period_end the subscription stays active until the
	// period lapses; the sweeper finishes the transition.
	if err := tx.UpdateSubscription(sub); err != nil {
		return err
	}
	capE := ev.CancelAtPeriodEnd
	return tx.AppendEvent(sub.ID, "canceled", occurred, EventMeta{
		Provider:          ev.Provider,
		EventType:         ev.EventType,
		PreviousStatus:    prev,
		NewStatus:         sub.Status,
		CancelAtPeriodEnd: &capE,
		Reason:            ev.RefundReason,
	})
}

// applyPayment creates or updates the payment row matched on
// (provider, provider_payment_id).
func (e *Engine) applyPayment(tx Repository, ev *ProviderEvent, sub *models.Subscription, out *Outcome) error {
	payment, err := tx.GetPaymentByProviderID(ev.Provider, ev.ProviderPaymentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if payment == nil {
		payment, err = e.createPayment(tx, ev, sub)
		if err != nil {
			return err
		}
		out.Payment = payment
		if ev.Kind != KindRefundCreated {
			return nil
		}
	}
	out.Payment = payment

	switch ev.Kind {
	case KindPaymentSucceeded, KindSubscriptionCreated, KindSubscriptionRenewed:
		if payment.Status == models.PaymentStatusCompleted ||
			payment.Status == models.PaymentStatusRefunded ||
			payment.Status == models.PaymentStatusPartiallyRefunded {
			return nil
		}
		now := e.occurredAt(ev)
		payment.Status = models.PaymentStatusCompleted
		payment.CompletedAt = &now
		if ev.Amount != nil {
			payment.Amount = *ev.Amount
		}
		return tx.UpdatePayment(payment)

	case KindPaymentFailed:
		if payment.Status != models.PaymentStatusPending {
			return nil
		}
		payment.Status = models.PaymentStatusFailed
		return tx.UpdatePayment(payment)

	case KindRefundCreated:
		return e.applyRefund(tx, payment, ev)
	}
	return nil
}

func (e *Engine) createPayment(tx Repository, ev *ProviderEvent, sub *models.Subscription) (*models.Payment, error) {
	userID := ev.UserID
	var subID *string
	if sub != nil {
		if userID == "" {
			userID = sub.UserID
		}
		id := sub.ID
		subID = &id
	}

	amount := decimal.Zero
	if ev.Amount != nil {
		amount = *ev.Amount
	}
	currency := ev.Currency
	if currency == "" {
		currency = "USD"
	}

	status := models.PaymentStatusPending
	var completedAt *time.Time
	switch ev.Kind {
	case KindPaymentSucceeded, KindSubscriptionCreated, KindSubscriptionRenewed:
		status = models.PaymentStatusCompleted
		t := e.occurredAt(ev)
		completedAt = &t
	case KindPaymentFailed:
		status = models.PaymentStatusFailed
	}

	payment := &models.Payment{
		UserID:            userID,
		SubscriptionID:    subID,
		Provider:          ev.Provider,
		ProviderPaymentID: ev.ProviderPaymentID,
		Amount:            amount,
		Currency:          currency,
		Status:            status,
		CompletedAt:       completedAt,
	}
	if err := tx.CreatePayment(payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// applyRefund accumulates refund_amount under the invariant
// refund_amount <= amount. Violations are rejected, never clamped.
func (e *Engine) applyRefund(tx Repository, payment *models.Payment, ev *ProviderEvent) error {
	amount := payment.Amount
	if ev.RefundAmount != nil {
		amount = *ev.RefundAmount
	}

	newTotal := payment.RefundedTotal().Add(amount)
	if newTotal.GreaterThan(payment.Amount) {
		return fmt.Errorf("%w: refund %s + prior %s exceeds amount %s",
			ErrRefundExceedsPayment, amount, payment.RefundedTotal(), payment.Amount)
	}

	now := e.occurredAt(ev)
	payment.RefundAmount = &newTotal
	payment.RefundedAt = &now
	if ev.RefundReason != "" {
		payment.RefundReason = ev.RefundReason
	}
	if newTotal.Equal(payment.Amount) {
		payment.Status = models.PaymentStatusRefunded
	} else {
		payment.Status = models.PaymentStatusPartiallyRefunded
	}
	return tx.UpdatePayment(payment)
}

// RequestCancel applies a user-initiated cancellation to the ledger under
// the same serialization as provider events. The provider round-trip that
// stops renewal billing is the caller's job.
func (e *Engine) RequestCancel(subscriptionID string, atPeriodEnd bool, reason string) (*models.Subscription, error) {
	sub, err := e.repo.GetSubscriptionByID(subscriptionID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(sub.Provider + "|" + sub.ProviderSubscriptionID)
	defer unlock()

	err = e.repo.Transaction(func(tx Repository) error {
		sub, err = tx.GetSubscriptionByID(subscriptionID)
		if err != nil {
			return err
		}
		if sub.IsTerminal() {
			return nil
		}

		prev := sub.Status
		now := e.now()
		sub.CancelAtPeriodEnd = atPeriodEnd
		sub.CanceledAt = &now
		if !atPeriodEnd {
			sub.Status = models.SubscriptionStatusCanceled
		}
		if err := tx.UpdateSubscription(sub); err != nil {
			return err
		}
		return tx.AppendEvent(sub.ID, "canceled", now, EventMeta{
			Provider:          models.ProviderInternal,
			EventType:         "user_cancel",
			PreviousStatus:    prev,
			NewStatus:         sub.Status,
			CancelAtPeriodEnd: &atPeriodEnd,
			Reason:            reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) occurredAt(ev *ProviderEvent) time.Time {
	if !ev.OccurredAt.IsZero() {
		return ev.OccurredAt
	}
	return e.now()
}
