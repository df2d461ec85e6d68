package billing

import (
	"errors"

	"github.com/gofiber/fiber/v2/log"

	"github.com/reelworks/reelpay/app/models"
)

// SweepExpired finishes the transitions providers only imply: subscriptions
// whose paid period lapsed become canceled (when a period-end cancel was
// requested) or expired. Returns how many subscriptions were transitioned.
func (e *Engine) SweepExpired() (int, error) {
	now := e.now()
	subs, err := e.repo.ListExpiredActiveSubscriptions(now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range subs {
		sub := subs[i]
		if err := e.expireOne(sub.ID, sub.Provider, sub.ProviderSubscriptionID); err != nil {
			log.Errorf("[billing] sweep subscription %s: %v", sub.ID, err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (e *Engine) expireOne(id, provider, providerSubscriptionID string) error {
	unlock := e.locks.Lock(provider + "|" + providerSubscriptionID)
	defer unlock()

	return e.repo.Transaction(func(tx Repository) error {
		// Re-read under the lock; a renewal may have landed since the list.
		sub, err := tx.GetSubscriptionByID(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if sub.IsTerminal() || sub.CurrentPeriodEnd.After(e.now()) {
			return nil
		}

		prev := sub.Status
		event := "expired"
		sub.Status = models.SubscriptionStatusExpired
		if sub.CancelAtPeriodEnd {
			sub.Status = models.SubscriptionStatusCanceled
			event = "canceled"
		}
		if err := tx.UpdateSubscription(sub); err != nil {
			return err
		}
		return tx.AppendEvent(sub.ID, event, e.now(), EventMeta{
			Provider:       models.ProviderInternal,
			EventType:      "period_end_sweep",
			PreviousStatus: prev,
			NewStatus:      sub.Status,
		})
	})
}
