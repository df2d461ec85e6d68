package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/reelworks/reelpay/internal/pkg/billing"
)

// PlanController serves the plan catalog. Plans are read-only over HTTP;
// they are managed through migrations and back office tooling.
type PlanController struct {
	repo billing.Repository
}

func NewPlanController(repo billing.Repository) *PlanController {
	return &PlanController{repo: repo}
}

// List processes GET /api/plans.
func (pc *PlanController) List(c *fiber.Ctx) error {
	plans, err := pc.repo.ListActivePlans()
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"plans": plans})
}

// Get processes GET /api/plans/:id.
func (pc *PlanController) Get(c *fiber.Ctx) error {
	plan, err := pc.repo.GetPlan(c.Params("id"))
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan_not_found"})
		}
		return internalError(c, err)
	}
	return c.JSON(plan)
}
