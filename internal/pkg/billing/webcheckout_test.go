package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
)

func TestWebCheckoutVerifySignature(t *testing.T) {
	p := &WebCheckoutProvider{WebhookSecret: "whsec_test"}
	body := []byte(`{"event_id":"e1"}`)

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(body)
	valid := hex.EncodeToString(mac.Sum(nil))

	ok, err := p.VerifySignature(body, map[string]string{"X-Signature": valid})
	if err != nil || !ok {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if _, err := p.VerifySignature(body, map[string]string{"X-Signature": "00ff"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong signature: expected ErrUnauthorized, got %v", err)
	}
	if _, err := p.VerifySignature(body, map[string]string{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("missing signature: expected ErrUnauthorized, got %v", err)
	}

	// Alternate header name carries the same digest.
	ok, err = p.VerifySignature(body, map[string]string{"Webhook-Signature": valid})
	if err != nil || !ok {
		t.Fatalf("Webhook-Signature header rejected: %v", err)
	}
}

func TestWebCheckoutParseEventMapping(t *testing.T) {
	p := &WebCheckoutProvider{}
	tests := []struct {
		eventType string
		want      EventKind
	}{
		{"payment.succeeded", KindPaymentSucceeded},
		{"payment.failed", KindPaymentFailed},
		{"subscription.created", KindSubscriptionCreated},
		{"subscription.active", KindSubscriptionCreated},
		{"subscription.renewed", KindSubscriptionRenewed},
		{"subscription.canceled", KindSubscriptionCancel},
		{"subscription.cancelled", KindSubscriptionCancel},
		{"subscription.expired", KindSubscriptionExpired},
		{"refund.created", KindRefundCreated},
		{"refund.succeeded", KindRefundCreated},
		{"dispute.opened", KindUnknown},
	}
	for _, tt := range tests {
		ev, err := p.ParseEvent([]byte(`{"event_id":"e1","type":"`+tt.eventType+`","data":{}}`), nil)
		if err != nil {
			t.Fatalf("ParseEvent(%q): %v", tt.eventType, err)
		}
		if ev.Kind != tt.want {
			t.Fatalf("ParseEvent(%q).Kind = %q, want %q", tt.eventType, ev.Kind, tt.want)
		}
	}
}

func TestWebCheckoutParseEventFields(t *testing.T) {
	p := &WebCheckoutProvider{}
	body := []byte(`{
		"event_id": "evt-1",
		"type": "refund.succeeded",
		"timestamp": "2025-06-01T11:00:00Z",
		"data": {
			"payment_id": "pay-1",
			"subscription_id": "sub-1",
			"amount": "9.99",
			"refund_amount": "4.50",
			"refund_reason": "requested_by_customer",
			"currency": "eur"
		}
	}`)

	ev, err := p.ParseEvent(body, nil)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Provider != models.ProviderWeb || ev.ProviderEventID != "evt-1" {
		t.Fatalf("identity fields wrong: %+v", ev)
	}
	if ev.RefundAmount == nil || !ev.RefundAmount.Equal(decimal.RequireFromString("4.50")) {
		t.Fatalf("refund amount = %v, want 4.50", ev.RefundAmount)
	}
	if ev.Currency != "EUR" {
		t.Fatalf("currency = %q, want EUR", ev.Currency)
	}
	if ev.RefundReason != "requested_by_customer" {
		t.Fatalf("refund reason = %q", ev.RefundReason)
	}
	if !ev.OccurredAt.Equal(time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("occurred at = %v", ev.OccurredAt)
	}
}

func TestWebCheckoutParseEventMalformed(t *testing.T) {
	p := &WebCheckoutProvider{}
	for _, body := range []string{`not json`, `{"data":{}}`} {
		if _, err := p.ParseEvent([]byte(body), nil); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("ParseEvent(%q): expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestWebCheckoutVerifyPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/pay-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"payment_id": "pay-1",
			"subscription_id": "sub-1",
			"product_id": "prod_pro",
			"status": "succeeded",
			"amount": "9.99",
			"currency": "usd",
			"current_period_end": "2025-07-01T11:00:00Z"
		}`))
	}))
	defer srv.Close()

	p := &WebCheckoutProvider{APIKey: "sk_test", APIBaseURL: srv.URL, HTTPClient: srv.Client()}
	ev, err := p.VerifyPayment(context.Background(), "pay-1")
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if ev.Kind != KindSubscriptionCreated {
		t.Fatalf("kind = %q, want subscription.created for a subscription payment", ev.Kind)
	}
	if ev.ProviderPaymentID != "pay-1" || ev.ProviderSubscriptionID != "sub-1" {
		t.Fatalf("identity fields wrong: %+v", ev)
	}
	if ev.PeriodEnd == nil {
		t.Fatalf("period end missing")
	}
}

func TestWebCheckoutVerifyPaymentUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &WebCheckoutProvider{APIKey: "sk_test", APIBaseURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := p.VerifyPayment(context.Background(), "pay-1"); !errors.Is(err, ErrProviderVerificationFailed) {
		t.Fatalf("expected ErrProviderVerificationFailed, got %v", err)
	}
}
