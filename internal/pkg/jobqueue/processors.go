package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/internal/pkg/billing"
)

// processProviderAckJob performs the acknowledge round-trip for a purchase.
func (q *Queue) processProviderAckJob(ctx context.Context, job *Job) error {
	payload, err := ProviderAckJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid ack payload: %w", err)
	}

	provider, err := q.registry.Get(payload.Provider)
	if err != nil {
		return err
	}

	ev := &billing.ProviderEvent{
		Provider:               payload.Provider,
		ProductID:              payload.ProductID,
		ProviderSubscriptionID: payload.ProviderSubscriptionID,
	}
	if err := provider.Acknowledge(ctx, ev); err != nil {
		return fmt.Errorf("acknowledge %s/%s: %w", payload.Provider, payload.ProviderSubscriptionID, err)
	}

	log.Infof("[JobQueue] Acknowledged %s purchase %s", payload.Provider, payload.ProviderSubscriptionID)
	return nil
}

// processProviderRefundJob asks the payment's provider to move money back.
// For providers that confirm refunds through their own webhook the ledger is
// updated when that webhook arrives; for the rest the caller already
// recorded the refund before enqueuing.
func (q *Queue) processProviderRefundJob(ctx context.Context, job *Job) error {
	payload, err := ProviderRefundJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid refund payload: %w", err)
	}

	payment, err := q.repo.GetPaymentByID(payload.PaymentID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			// Nothing to retry against; drop the job.
			log.Warnf("[JobQueue] Refund job %s references missing payment %s", job.ID, payload.PaymentID)
			return nil
		}
		return err
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return fmt.Errorf("invalid refund amount %q: %w", payload.Amount, err)
	}

	provider, err := q.registry.Get(payment.Provider)
	if err != nil {
		return err
	}
	if err := provider.Refund(ctx, payment, amount, payload.Reason); err != nil {
		return fmt.Errorf("refund payment %s at %s: %w", payment.ID, payment.Provider, err)
	}

	log.Infof("[JobQueue] Requested %s refund of %s for payment %s", payment.Provider, amount, payment.ID)
	return nil
}

// processProviderCancelJob stops renewal at the provider.
func (q *Queue) processProviderCancelJob(ctx context.Context, job *Job) error {
	payload, err := ProviderCancelJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid cancel payload: %w", err)
	}

	sub, err := q.repo.GetSubscriptionByID(payload.SubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			log.Warnf("[JobQueue] Cancel job %s references missing subscription %s", job.ID, payload.SubscriptionID)
			return nil
		}
		return err
	}
	provider, err := q.registry.Get(sub.Provider)
	if err != nil {
		return err
	}
	if err := provider.Cancel(ctx, sub, payload.AtPeriodEnd); err != nil {
		return fmt.Errorf("cancel subscription %s at %s: %w", sub.ID, sub.Provider, err)
	}

	log.Infof("[JobQueue] Requested %s cancellation for subscription %s (at_period_end=%v)",
		sub.Provider, sub.ID, payload.AtPeriodEnd)
	return nil
}
