package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
	"github.com/reelworks/reelpay/internal/pkg/env"
)

const defaultWebCheckoutAPIBaseURL = "https://api.checkout.reelworks.dev/v1"

// WebCheckoutProvider adapts the hosted web checkout processor: HMAC-signed
// webhooks in, REST calls out for verification, refunds and cancellation.
type WebCheckoutProvider struct {
	APIKey        string
	WebhookSecret string
	APIBaseURL    string
	ReturnURL     string

	HTTPClient *http.Client
}

func NewWebCheckoutProviderFromEnv() *WebCheckoutProvider {
	return &WebCheckoutProvider{
		APIKey:        strings.TrimSpace(env.GetEnv("WEB_CHECKOUT_API_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("WEB_CHECKOUT_WEBHOOK_SECRET", "")),
		APIBaseURL:    strings.TrimRight(env.GetEnv("WEB_CHECKOUT_API_BASE_URL", defaultWebCheckoutAPIBaseURL), "/"),
		ReturnURL:     strings.TrimSpace(env.GetEnv("WEB_CHECKOUT_RETURN_URL", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (p *WebCheckoutProvider) Name() string { return models.ProviderWeb }

// VerifySignature checks the HMAC-SHA256 hex digest of the raw body against
// X-Signature. A missing or bad signature is ErrUnauthorized; these requests
// come from the open internet and the signature is the only gate.
func (p *WebCheckoutProvider) VerifySignature(body []byte, headers map[string]string) (bool, error) {
	sig := strings.TrimSpace(headers["X-Signature"])
	if sig == "" {
		sig = strings.TrimSpace(headers["Webhook-Signature"])
	}
	if sig == "" || p.WebhookSecret == "" {
		return false, fmt.Errorf("%w: missing webhook signature", ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(p.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return false, fmt.Errorf("%w: webhook signature mismatch", ErrUnauthorized)
	}
	return true, nil
}

// webCheckoutWebhook is the processor's webhook envelope.
type webCheckoutWebhook struct {
	EventID   string                 `json:"event_id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      webCheckoutWebhookData `json:"data"`
}

type webCheckoutWebhookData struct {
	PaymentID         string `json:"payment_id"`
	SubscriptionID    string `json:"subscription_id"`
	ProductID         string `json:"product_id"`
	CustomerID        string `json:"customer_id"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	RefundAmount      string `json:"refund_amount"`
	RefundReason      string `json:"refund_reason"`
	PeriodStart       string `json:"current_period_start"`
	PeriodEnd         string `json:"current_period_end"`
	TrialEnd          string `json:"trial_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// webCheckoutKinds maps the processor's event types onto the normalized
// classification. Unlisted types are stored but not acted on.
var webCheckoutKinds = map[string]EventKind{
	"payment.succeeded":      KindPaymentSucceeded,
	"payment.failed":         KindPaymentFailed,
	"subscription.created":   KindSubscriptionCreated,
	"subscription.active":    KindSubscriptionCreated,
	"subscription.renewed":   KindSubscriptionRenewed,
	"subscription.canceled":  KindSubscriptionCancel,
	"subscription.cancelled": KindSubscriptionCancel,
	"subscription.expired":   KindSubscriptionExpired,
	"refund.created":         KindRefundCreated,
	"refund.succeeded":       KindRefundCreated,
}

func (p *WebCheckoutProvider) ParseEvent(body []byte, _ map[string]string) (*ProviderEvent, error) {
	var wh webCheckoutWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if wh.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	kind, ok := webCheckoutKinds[wh.Type]
	if !ok {
		kind = KindUnknown
	}

	ev := &ProviderEvent{
		Provider:               models.ProviderWeb,
		ProviderEventID:        wh.EventID,
		ProviderSubscriptionID: wh.Data.SubscriptionID,
		ProviderPaymentID:      wh.Data.PaymentID,
		Kind:                   kind,
		EventType:              wh.Type,
		ProductID:              wh.Data.ProductID,
		RawPayload:             body,
		Currency:               strings.ToUpper(wh.Data.Currency),
		RefundReason:           wh.Data.RefundReason,
		CancelAtPeriodEnd:      wh.Data.CancelAtPeriodEnd,
	}
	if t, err := time.Parse(time.RFC3339, wh.Timestamp); err == nil {
		ev.OccurredAt = t
	}
	ev.PeriodStart = parseRFC3339Ptr(wh.Data.PeriodStart)
	ev.PeriodEnd = parseRFC3339Ptr(wh.Data.PeriodEnd)
	ev.TrialEnd = parseRFC3339Ptr(wh.Data.TrialEnd)
	ev.Amount = parseDecimalPtr(wh.Data.Amount)
	ev.RefundAmount = parseDecimalPtr(wh.Data.RefundAmount)
	return ev, nil
}

// Acknowledge is a no-op: the HTTP 200 response is the acknowledgment.
func (p *WebCheckoutProvider) Acknowledge(context.Context, *ProviderEvent) error { return nil }

// Refund asks the processor to refund the given amount. The ledger is not
// touched here; the processor confirms via a refund.succeeded webhook.
func (p *WebCheckoutProvider) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) error {
	reqBody := map[string]any{
		"payment_id": payment.ProviderPaymentID,
		"amount":     amount.StringFixed(2),
	}
	if reason != "" {
		reqBody["reason"] = reason
	}
	var resp struct {
		RefundID string `json:"refund_id"`
		Status   string `json:"status"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "/refunds", reqBody, &resp); err != nil {
		return err
	}
	if resp.Status == "failed" {
		return fmt.Errorf("%w: refund rejected for payment %s", ErrProviderVerificationFailed, payment.ProviderPaymentID)
	}
	return nil
}

func (p *WebCheckoutProvider) Cancel(ctx context.Context, sub *models.Subscription, atPeriodEnd bool) error {
	reqBody := map[string]any{
		"cancel_at_period_end": atPeriodEnd,
	}
	path := "/subscriptions/" + sub.ProviderSubscriptionID + "/cancel"
	return p.doJSON(ctx, http.MethodPost, path, reqBody, nil)
}

// VerifyPayment fetches the payment from the processor's API and converts it
// into a normalized event. Used by the post-redirect verification flow,
// which must never trust query parameters from the browser.
func (p *WebCheckoutProvider) VerifyPayment(ctx context.Context, paymentID string) (*ProviderEvent, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrMalformedPayload)
	}

	var resp struct {
		PaymentID      string `json:"payment_id"`
		SubscriptionID string `json:"subscription_id"`
		ProductID      string `json:"product_id"`
		Status         string `json:"status"`
		Amount         string `json:"amount"`
		Currency       string `json:"currency"`
		CreatedAt      string `json:"created_at"`
		PeriodEnd      string `json:"current_period_end"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/payments/"+paymentID, nil, &resp); err != nil {
		return nil, err
	}

	kind := KindPaymentFailed
	switch resp.Status {
	case "succeeded", "processing":
		kind = KindPaymentSucceeded
	case "pending":
		kind = KindUnknown
	}
	if resp.SubscriptionID != "" && kind == KindPaymentSucceeded {
		kind = KindSubscriptionCreated
	}

	raw, _ := json.Marshal(resp)
	ev := &ProviderEvent{
		Provider:               models.ProviderWeb,
		ProviderEventID:        "verify:" + resp.PaymentID,
		ProviderSubscriptionID: resp.SubscriptionID,
		ProviderPaymentID:      resp.PaymentID,
		Kind:                   kind,
		EventType:              "payment." + resp.Status,
		ProductID:              resp.ProductID,
		RawPayload:             raw,
		Currency:               strings.ToUpper(resp.Currency),
	}
	if t, err := time.Parse(time.RFC3339, resp.CreatedAt); err == nil {
		ev.OccurredAt = t
	}
	ev.PeriodEnd = parseRFC3339Ptr(resp.PeriodEnd)
	ev.Amount = parseDecimalPtr(resp.Amount)
	return ev, nil
}

// CheckoutSession is the redirect target for a hosted checkout.
type CheckoutSession struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

func (p *WebCheckoutProvider) CreateCheckoutSession(ctx context.Context, productID, customerEmail, userID string) (*CheckoutSession, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, fmt.Errorf("%w: product id is required", ErrMalformedPayload)
	}
	reqBody := map[string]any{
		"product_id": productID,
		"metadata":   map[string]string{"user_id": userID},
	}
	if customerEmail != "" {
		reqBody["customer_email"] = customerEmail
	}
	if p.ReturnURL != "" {
		reqBody["return_url"] = p.ReturnURL
	}
	var out CheckoutSession
	if err := p.doJSON(ctx, http.MethodPost, "/checkout-sessions", reqBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *WebCheckoutProvider) CreateCustomerPortal(ctx context.Context, customerID string) (string, error) {
	var out struct {
		PortalURL string `json:"portal_url"`
	}
	err := p.doJSON(ctx, http.MethodPost, "/customers/"+customerID+"/portal-sessions", nil, &out)
	if err != nil {
		return "", err
	}
	return out.PortalURL, nil
}

func (p *WebCheckoutProvider) doJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	if p.APIKey == "" {
		return errors.New("WEB_CHECKOUT_API_KEY is not configured")
	}

	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s status=%d body=%s",
			ErrProviderVerificationFailed, method, path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	return nil
}

func parseRFC3339Ptr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func parseDecimalPtr(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
