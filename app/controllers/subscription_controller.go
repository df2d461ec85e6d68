package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/reelworks/reelpay/app/models"
	"github.com/reelworks/reelpay/internal/pkg/billing"
	"github.com/reelworks/reelpay/internal/pkg/jobqueue"
	"github.com/reelworks/reelpay/internal/pkg/middleware"
)

// SubscriptionController exposes the authenticated user's entitlement state
// and the user-initiated cancel flow.
type SubscriptionController struct {
	repo   billing.Repository
	engine *billing.Engine
	queue  *jobqueue.Queue
}

func NewSubscriptionController(repo billing.Repository, engine *billing.Engine, queue *jobqueue.Queue) *SubscriptionController {
	return &SubscriptionController{repo: repo, engine: engine, queue: queue}
}

// List processes GET /api/subscriptions. ?active_only=true narrows to
// currently entitled subscriptions.
func (sc *SubscriptionController) List(c *fiber.Ctx) error {
	activeOnly := c.QueryBool("active_only", false)
	subs, err := sc.repo.ListSubscriptionsByUser(middleware.UserID(c), activeOnly)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"subscriptions": subs})
}

// Get processes GET /api/subscriptions/:id.
func (sc *SubscriptionController) Get(c *fiber.Ctx) error {
	sub, done := sc.ownedSubscription(c)
	if done {
		return nil
	}
	return c.JSON(sub)
}

// History processes GET /api/subscriptions/:id/history and returns the
// append-only audit trail in order.
func (sc *SubscriptionController) History(c *fiber.Ctx) error {
	sub, done := sc.ownedSubscription(c)
	if done {
		return nil
	}

	events, err := sc.repo.ListEvents(sub.ID)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"subscription_id": sub.ID, "events": events})
}

type cancelRequest struct {
	AtPeriodEnd *bool  `json:"at_period_end"`
	Reason      string `json:"reason"`
}

// Cancel processes POST /api/subscriptions/:id/cancel. The ledger updates
// immediately; the provider round-trip that stops renewal billing runs as a
// retried background job.
func (sc *SubscriptionController) Cancel(c *fiber.Ctx) error {
	sub, done := sc.ownedSubscription(c)
	if done {
		return nil
	}
	if sub.IsTerminal() {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "already_terminal", "message": "Subscription is already canceled or expired",
		})
	}

	atPeriodEnd := true
	var req cancelRequest
	if err := c.BodyParser(&req); err == nil && req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}

	updated, err := sc.engine.RequestCancel(sub.ID, atPeriodEnd, req.Reason)
	if err != nil {
		return internalError(c, err)
	}
	if _, err := sc.queue.EnqueueCancel(updated.ID, atPeriodEnd); err != nil {
		return internalError(c, err)
	}
	return c.JSON(updated)
}

// ownedSubscription loads the path subscription and enforces ownership.
// When done is true the response has already been written.
func (sc *SubscriptionController) ownedSubscription(c *fiber.Ctx) (sub *models.Subscription, done bool) {
	sub, err := sc.repo.GetSubscriptionByID(c.Params("id"))
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			_ = c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
			return nil, true
		}
		_ = internalError(c, err)
		return nil, true
	}
	if sub.UserID != middleware.UserID(c) {
		// Indistinguishable from a missing row, so ids cannot be probed.
		_ = c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
		return nil, true
	}
	return sub, false
}
