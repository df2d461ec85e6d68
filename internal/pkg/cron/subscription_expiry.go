// Package cron schedules the periodic ledger maintenance jobs.
package cron

import (
	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/reelworks/reelpay/internal/pkg/billing"
	"github.com/reelworks/reelpay/internal/pkg/env"
)

// InitSubscriptionExpiryCron starts the period-end sweeper. Providers report
// many expirations late or never (a dead Pub/Sub subscription, a missed
// Apple notification), so entitlement ends on our clock, not theirs.
func InitSubscriptionExpiryCron(engine *billing.Engine) *cron.Cron {
	c := cron.New()

	schedule := env.GetEnv("SUBSCRIPTION_SWEEP_SCHEDULE", "*/15 * * * *")
	_, err := c.AddFunc(schedule, func() {
		swept, err := engine.SweepExpired()
		if err != nil {
			log.Errorf("[cron] subscription expiry sweep: %v", err)
			return
		}
		if swept > 0 {
			log.Infof("[cron] subscription expiry sweep transitioned %d subscriptions", swept)
		}
	})
	if err != nil {
		log.Errorf("[cron] could not initialize subscription expiry cron: %v", err)
		return c
	}

	c.Start()
	log.Infof("[cron] subscription expiry sweeper scheduled (%s)", schedule)
	return c
}
