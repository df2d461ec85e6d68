package billing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func pubsubEnvelope(t *testing.T, messageID string, notification map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	body, _ := json.Marshal(map[string]any{
		"message": map[string]any{
			"messageId": messageID,
			"data":      base64.StdEncoding.EncodeToString(data),
		},
		"subscription": "projects/reelworks/subscriptions/play-rtdn",
	})
	return body
}

func subscriptionNotification(notificationType int) map[string]any {
	return map[string]any{
		"version":         "1.0",
		"packageName":     "dev.reelworks.app",
		"eventTimeMillis": "1748775600000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    "token-1",
			"subscriptionId":   "play_pro_monthly",
		},
	}
}

func TestGoogleParseEventKinds(t *testing.T) {
	p := &GoogleProvider{PackageName: "dev.reelworks.app"}
	tests := []struct {
		notificationType int
		want             EventKind
		cancelAtEnd      bool
	}{
		{1, KindPaymentSucceeded, false},
		{2, KindSubscriptionRenewed, false},
		{3, KindSubscriptionCancel, true},
		{4, KindSubscriptionCreated, false},
		{5, KindPaymentFailed, false},
		{6, KindPaymentFailed, false},
		{7, KindPaymentSucceeded, false},
		{9, KindSubscriptionRenewed, false},
		{12, KindSubscriptionExpired, false},
		{13, KindSubscriptionExpired, false},
		{10, KindUnknown, false}, // PAUSED carries no transition we model
	}
	for _, tt := range tests {
		body := pubsubEnvelope(t, "msg-1", subscriptionNotification(tt.notificationType))
		ev, err := p.ParseEvent(body, nil)
		if err != nil {
			t.Fatalf("ParseEvent(type=%d): %v", tt.notificationType, err)
		}
		if ev.Kind != tt.want {
			t.Fatalf("type %d: kind = %q, want %q", tt.notificationType, ev.Kind, tt.want)
		}
		if ev.CancelAtPeriodEnd != tt.cancelAtEnd {
			t.Fatalf("type %d: cancel_at_period_end = %v", tt.notificationType, ev.CancelAtPeriodEnd)
		}
	}
}

func TestGoogleParseEventIdentity(t *testing.T) {
	p := &GoogleProvider{PackageName: "dev.reelworks.app"}
	body := pubsubEnvelope(t, "msg-42", subscriptionNotification(2))

	ev, err := p.ParseEvent(body, nil)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.ProviderEventID != "msg-42" {
		t.Fatalf("event id = %q, want the pub/sub message id", ev.ProviderEventID)
	}
	if ev.ProviderSubscriptionID != "token-1" {
		t.Fatalf("subscription identity must be the purchase token, got %q", ev.ProviderSubscriptionID)
	}
	if ev.ProductID != "play_pro_monthly" {
		t.Fatalf("product id = %q", ev.ProductID)
	}
	if !ev.OccurredAt.Equal(time.UnixMilli(1748775600000)) {
		t.Fatalf("occurred at = %v", ev.OccurredAt)
	}
}

func TestGoogleParseEventRejectsForeignPackage(t *testing.T) {
	p := &GoogleProvider{PackageName: "dev.reelworks.app"}
	notification := subscriptionNotification(2)
	notification["packageName"] = "com.other.app"
	if _, err := p.ParseEvent(pubsubEnvelope(t, "msg-1", notification), nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGoogleParseEventTestNotification(t *testing.T) {
	p := &GoogleProvider{PackageName: "dev.reelworks.app"}
	body := pubsubEnvelope(t, "msg-1", map[string]any{
		"version":          "1.0",
		"packageName":      "dev.reelworks.app",
		"eventTimeMillis":  "1748775600000",
		"testNotification": map[string]any{"version": "1.0"},
	})

	ev, err := p.ParseEvent(body, nil)
	if err != nil {
		t.Fatalf("test notification must parse: %v", err)
	}
	if ev.Kind != KindUnknown || ev.EventType != "TEST_NOTIFICATION" {
		t.Fatalf("test notification mapped to %+v", ev)
	}
}

func TestGoogleParseEventMalformed(t *testing.T) {
	p := &GoogleProvider{}
	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"message":{}}`),
		[]byte(`{"message":{"data":"!!!not-base64!!!"}}`),
	}
	for _, body := range bad {
		if _, err := p.ParseEvent(body, nil); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("ParseEvent(%q): expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestApplyGooglePurchase(t *testing.T) {
	ev := &ProviderEvent{Kind: KindSubscriptionCreated}
	applyGooglePurchase(ev, &googleSubscriptionPurchase{
		StartTimeMillis:      "1748775600000",
		ExpiryTimeMillis:     "1751367600000",
		OrderID:              "GPA.1234-5678",
		PriceAmountMicros:    "9990000",
		PriceCurrencyCode:    "USD",
		AcknowledgementState: 0,
	})

	if ev.PeriodEnd == nil || !ev.PeriodEnd.Equal(time.UnixMilli(1751367600000)) {
		t.Fatalf("period end = %v", ev.PeriodEnd)
	}
	if ev.ProviderPaymentID != "GPA.1234-5678" {
		t.Fatalf("payment id = %q", ev.ProviderPaymentID)
	}
	if ev.Amount == nil || !ev.Amount.Equal(decimal.RequireFromString("9.99")) {
		t.Fatalf("amount = %v, want 9.99", ev.Amount)
	}
	if !ev.AckRequired {
		t.Fatalf("unacknowledged purchase must require an ack")
	}

	// Already acknowledged: no ack job.
	ev = &ProviderEvent{Kind: KindSubscriptionRenewed}
	applyGooglePurchase(ev, &googleSubscriptionPurchase{AcknowledgementState: 1})
	if ev.AckRequired {
		t.Fatalf("acknowledged purchase must not require an ack")
	}

	// Cancels never carry an order id as payment.
	ev = &ProviderEvent{Kind: KindSubscriptionCancel}
	applyGooglePurchase(ev, &googleSubscriptionPurchase{OrderID: "GPA.x", AcknowledgementState: 1})
	if ev.ProviderPaymentID != "" {
		t.Fatalf("cancel picked up a payment id %q", ev.ProviderPaymentID)
	}
}
