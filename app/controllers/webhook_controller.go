package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/reelworks/reelpay/internal/pkg/billing"
)

// WebhookController terminates the provider webhook endpoints. It owns no
// business logic; the ingestion gate decides everything.
type WebhookController struct {
	ingestor *billing.Ingestor
}

func NewWebhookController(ingestor *billing.Ingestor) *WebhookController {
	return &WebhookController{ingestor: ingestor}
}

// HandleProviderWebhook processes POST /webhooks/:provider. The response
// code is the contract with the provider's retry machinery: 2xx stops
// redelivery, 5xx asks for another attempt, 4xx means the delivery can
// never succeed.
func (wc *WebhookController) HandleProviderWebhook(c *fiber.Ctx) error {
	providerName := c.Params("provider")
	body := c.Body()

	headers := map[string]string{
		"X-Signature":       c.Get("X-Signature"),
		"Webhook-Signature": c.Get("Webhook-Signature"),
	}

	result, err := wc.ingestor.Ingest(c.Context(), providerName, body, headers)
	if err != nil {
		status := billing.HTTPStatusFor(err)
		if status >= 500 {
			log.Errorf("[webhook] %s delivery failed, provider will retry: %v", providerName, err)
		} else {
			log.Warnf("[webhook] %s delivery rejected (%d): %v", providerName, status, err)
		}
		if errors.Is(err, billing.ErrUnauthorized) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		return c.Status(status).JSON(fiber.Map{"error": "processing_failed", "message": err.Error()})
	}

	if result.Duplicate {
		return c.JSON(fiber.Map{"status": "success", "duplicate": true})
	}
	return c.JSON(fiber.Map{"status": "success"})
}
