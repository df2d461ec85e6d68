package controllers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
	"github.com/reelworks/reelpay/internal/pkg/billing"
	"github.com/reelworks/reelpay/internal/pkg/env"
	"github.com/reelworks/reelpay/internal/pkg/jobqueue"
	"github.com/reelworks/reelpay/internal/pkg/middleware"
)

// PaymentController handles client-initiated payment flows: store receipt
// verification, hosted checkout, post-redirect verification and refunds.
type PaymentController struct {
	repo     billing.Repository
	ingestor *billing.Ingestor
	apple    *billing.AppleProvider
	google   *billing.GoogleProvider
	web      *billing.WebCheckoutProvider
	queue    *jobqueue.Queue
	validate *validator.Validate
	adminKey string
}

func NewPaymentController(
	repo billing.Repository,
	ingestor *billing.Ingestor,
	apple *billing.AppleProvider,
	google *billing.GoogleProvider,
	web *billing.WebCheckoutProvider,
	queue *jobqueue.Queue,
) *PaymentController {
	return &PaymentController{
		repo:     repo,
		ingestor: ingestor,
		apple:    apple,
		google:   google,
		web:      web,
		queue:    queue,
		validate: validator.New(),
		adminKey: env.GetEnv("REFUND_ADMIN_KEY", ""),
	}
}

type appleVerifyRequest struct {
	ReceiptData string `json:"receipt_data" validate:"required"`
}

// HandleAppleVerify processes POST /api/payments/apple/verify. The receipt
// is validated against Apple before any entitlement is written; the caller's
// claim about what they bought is never trusted.
func (pc *PaymentController) HandleAppleVerify(c *fiber.Ctx) error {
	var req appleVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := pc.validate.Struct(req); err != nil {
		return badRequest(c, "receipt_data is required")
	}

	ev, err := pc.apple.VerifyReceipt(c.Context(), req.ReceiptData)
	if err != nil {
		return pc.clientVerifyError(c, err)
	}
	return pc.ingestAndRespond(c, ev)
}

type googleVerifyRequest struct {
	ProductID     string `json:"product_id" validate:"required"`
	PurchaseToken string `json:"purchase_token" validate:"required"`
}

// HandleGoogleVerify processes POST /api/payments/google/verify.
func (pc *PaymentController) HandleGoogleVerify(c *fiber.Ctx) error {
	var req googleVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := pc.validate.Struct(req); err != nil {
		return badRequest(c, "product_id and purchase_token are required")
	}

	ev, err := pc.google.VerifyPurchase(c.Context(), req.ProductID, req.PurchaseToken)
	if err != nil {
		return pc.clientVerifyError(c, err)
	}
	return pc.ingestAndRespond(c, ev)
}

// HandleWebVerify processes GET /api/payments/web/verify/:payment_id, the
// post-redirect landing check. The payment id from the redirect URL is only
// a lookup key; the facts come from the processor's API.
func (pc *PaymentController) HandleWebVerify(c *fiber.Ctx) error {
	paymentID := c.Params("payment_id")

	ev, err := pc.web.VerifyPayment(c.Context(), paymentID)
	if err != nil {
		return pc.clientVerifyError(c, err)
	}
	result, err := pc.ingestor.IngestClientEvent(c.Context(), ev, middleware.UserID(c))
	if err != nil {
		return pc.clientVerifyError(c, err)
	}

	resp := fiber.Map{"status": "ok", "payment_status": ev.EventType}
	if result.Outcome != nil && result.Outcome.Subscription != nil {
		resp["subscription"] = result.Outcome.Subscription
	}
	return c.JSON(resp)
}

type checkoutRequest struct {
	PlanID        string `json:"plan_id" validate:"required"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
}

// HandleCheckout processes POST /api/payments/checkout and returns the
// hosted checkout URL for the plan's web product.
func (pc *PaymentController) HandleCheckout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := pc.validate.Struct(req); err != nil {
		return badRequest(c, "plan_id is required")
	}

	plan, err := pc.repo.GetPlan(req.PlanID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan_not_found"})
		}
		return internalError(c, err)
	}
	productID := plan.ProviderProductID(models.ProviderWeb)
	if productID == "" {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "plan_not_available", "message": "Plan has no web checkout product",
		})
	}

	session, err := pc.web.CreateCheckoutSession(c.Context(), productID, req.CustomerEmail, middleware.UserID(c))
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(session)
}

// HandleCustomerPortal processes GET /api/payments/customer-portal.
func (pc *PaymentController) HandleCustomerPortal(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	url, err := pc.web.CreateCustomerPortal(c.Context(), userID)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"portal_url": url})
}

type refundRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
}

// HandleRefund processes POST /api/refunds. The provider call runs async;
// the ledger records the refund when the provider confirms it.
func (pc *PaymentController) HandleRefund(c *fiber.Ctx) error {
	var req refundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if err := pc.validate.Struct(req); err != nil {
		return badRequest(c, "payment_id is required")
	}

	payment, err := pc.repo.GetPaymentByID(req.PaymentID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found"})
		}
		return internalError(c, err)
	}
	// Support staff refund any payment with the shared admin key; users
	// only their own.
	isAdmin := pc.adminKey != "" && c.Get("X-Admin-Key") == pc.adminKey
	if !isAdmin && payment.UserID != middleware.UserID(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
	if payment.Status != models.PaymentStatusCompleted && payment.Status != models.PaymentStatusPartiallyRefunded {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "not_refundable", "message": "Payment is not in a refundable state",
		})
	}

	amount := payment.Amount.Sub(payment.RefundedTotal())
	if req.Amount != "" {
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || !amount.IsPositive() {
			return badRequest(c, "amount must be a positive decimal string")
		}
	}
	if payment.RefundedTotal().Add(amount).GreaterThan(payment.Amount) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "refund_exceeds_payment", "message": "Requested refund exceeds the refundable remainder",
		})
	}

	job, err := pc.queue.EnqueueRefund(payment.ID, amount.StringFixed(2), req.Reason)
	if err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "refund_requested", "job_id": job.ID})
}

// ListPayments processes GET /api/payments for the authenticated user.
func (pc *PaymentController) ListPayments(c *fiber.Ctx) error {
	payments, err := pc.repo.ListPaymentsByUser(middleware.UserID(c))
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"payments": payments})
}

func (pc *PaymentController) ingestAndRespond(c *fiber.Ctx, ev *billing.ProviderEvent) error {
	result, err := pc.ingestor.IngestClientEvent(c.Context(), ev, middleware.UserID(c))
	if err != nil {
		return pc.clientVerifyError(c, err)
	}

	resp := fiber.Map{"status": "ok"}
	if result.Duplicate {
		resp["duplicate"] = true
	}
	if result.Outcome != nil && result.Outcome.Subscription != nil {
		resp["subscription"] = result.Outcome.Subscription
	}
	return c.JSON(resp)
}

func (pc *PaymentController) clientVerifyError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrMalformedPayload):
		return badRequest(c, err.Error())
	case errors.Is(err, billing.ErrUnauthenticated):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	case errors.Is(err, billing.ErrPlanNotConfigured):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "plan_not_configured", "message": err.Error(),
		})
	case errors.Is(err, billing.ErrProviderVerificationFailed):
		log.Errorf("[payments] provider verification failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "provider_verification_failed", "message": "Could not verify with the payment provider",
		})
	default:
		return internalError(c, err)
	}
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

func internalError(c *fiber.Ctx, err error) error {
	log.Errorf("[payments] internal error: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
}
