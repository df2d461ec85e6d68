package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeJWS builds a compact JWS with the given claims and a junk signature;
// the parser only decodes the claims segment.
func fakeJWS(t *testing.T, claims any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","x5c":[]}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString([]byte("sig"))
	return header + "." + body + "." + sig
}

func appleNotification(t *testing.T, notificationType, subtype string, txn appleTransactionInfo) []byte {
	t.Helper()
	payload := map[string]any{
		"notificationType": notificationType,
		"subtype":          subtype,
		"notificationUUID": "uuid-1",
		"signedDate":       int64(1748775600000),
		"data": map[string]any{
			"bundleId":              "dev.reelworks.app",
			"signedTransactionInfo": fakeJWS(t, txn),
		},
	}
	body, _ := json.Marshal(map[string]string{"signedPayload": fakeJWS(t, payload)})
	return body
}

func TestAppleNotificationKindMapping(t *testing.T) {
	tests := []struct {
		nt, subtype string
		want        EventKind
	}{
		{"SUBSCRIBED", "INITIAL_BUY", KindSubscriptionCreated},
		{"DID_RENEW", "", KindSubscriptionRenewed},
		{"DID_FAIL_TO_RENEW", "", KindPaymentFailed},
		{"EXPIRED", "VOLUNTARY", KindSubscriptionExpired},
		{"REFUND", "", KindRefundCreated},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", KindSubscriptionCancel},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", KindUnknown},
		{"PRICE_INCREASE", "", KindUnknown},
	}
	for _, tt := range tests {
		if got := appleNotificationKind(tt.nt, tt.subtype); got != tt.want {
			t.Fatalf("appleNotificationKind(%q, %q) = %q, want %q", tt.nt, tt.subtype, got, tt.want)
		}
	}
}

func TestAppleParseEvent(t *testing.T) {
	p := &AppleProvider{BundleID: "dev.reelworks.app"}
	body := appleNotification(t, "DID_RENEW", "", appleTransactionInfo{
		TransactionID:         "txn-2",
		OriginalTransactionID: "txn-1",
		ProductID:             "ios_pro_monthly",
		PurchaseDate:          1748775600000,
		ExpiresDate:           1751367600000,
		Price:                 9990,
		Currency:              "USD",
	})

	ev, err := p.ParseEvent(body, nil)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Kind != KindSubscriptionRenewed {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if ev.ProviderSubscriptionID != "txn-1" {
		t.Fatalf("subscription identity must be the original transaction id, got %q", ev.ProviderSubscriptionID)
	}
	if ev.ProviderPaymentID != "txn-2" {
		t.Fatalf("payment id = %q", ev.ProviderPaymentID)
	}
	if ev.PeriodEnd == nil || !ev.PeriodEnd.Equal(time.UnixMilli(1751367600000)) {
		t.Fatalf("period end = %v", ev.PeriodEnd)
	}
	if ev.Amount == nil || ev.Amount.String() != "9.99" {
		t.Fatalf("amount = %v, want 9.99", ev.Amount)
	}
}

func TestAppleParseEventRejectsForeignBundle(t *testing.T) {
	p := &AppleProvider{BundleID: "dev.reelworks.app"}
	payload := map[string]any{
		"notificationType": "DID_RENEW",
		"notificationUUID": "uuid-1",
		"data":             map[string]any{"bundleId": "com.other.app"},
	}
	body, _ := json.Marshal(map[string]string{"signedPayload": fakeJWS(t, payload)})
	if _, err := p.ParseEvent(body, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAppleParseEventCancelKeepsAccessUntilPeriodEnd(t *testing.T) {
	p := &AppleProvider{}
	body := appleNotification(t, "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", appleTransactionInfo{
		OriginalTransactionID: "txn-1",
	})
	ev, err := p.ParseEvent(body, nil)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Kind != KindSubscriptionCancel || !ev.CancelAtPeriodEnd {
		t.Fatalf("auto-renew off must be a period-end cancel, got %+v", ev)
	}
}

func TestAppleParseEventMalformed(t *testing.T) {
	p := &AppleProvider{}
	for _, body := range []string{`{}`, `{"signedPayload":"not-a-jws"}`} {
		if _, err := p.ParseEvent([]byte(body), nil); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("ParseEvent(%q): expected ErrMalformedPayload, got %v", body, err)
		}
	}
}

func TestAppleVerifyReceiptSandboxFallback(t *testing.T) {
	receiptResponse := `{
		"status": 0,
		"environment": "Sandbox",
		"latest_receipt_info": [
			{"transaction_id":"t1","original_transaction_id":"t1","product_id":"ios_pro_monthly","purchase_date_ms":"1746000000000","expires_date_ms":"1748592000000"},
			{"transaction_id":"t2","original_transaction_id":"t1","product_id":"ios_pro_monthly","purchase_date_ms":"1748592000000","expires_date_ms":"1751184000000"}
		]
	}`

	prodCalls, sandboxCalls := 0, 0
	production := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		prodCalls++
		_, _ = w.Write([]byte(`{"status": 21007}`))
	}))
	defer production.Close()
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "shared-secret" {
			t.Fatalf("shared secret not forwarded")
		}
		_, _ = w.Write([]byte(receiptResponse))
	}))
	defer sandbox.Close()

	p := &AppleProvider{
		SharedSecret:  "shared-secret",
		ProductionURL: production.URL,
		SandboxURL:    sandbox.URL,
		HTTPClient:    production.Client(),
	}

	ev, err := p.VerifyReceipt(context.Background(), "base64-receipt")
	if err != nil {
		t.Fatalf("VerifyReceipt: %v", err)
	}
	if prodCalls != 1 || sandboxCalls != 1 {
		t.Fatalf("calls = (%d prod, %d sandbox), want one each", prodCalls, sandboxCalls)
	}
	// The latest transaction wins regardless of array order.
	if ev.ProviderPaymentID != "t2" {
		t.Fatalf("latest transaction = %q, want t2", ev.ProviderPaymentID)
	}
	if ev.ProviderSubscriptionID != "t1" {
		t.Fatalf("subscription identity = %q, want original transaction t1", ev.ProviderSubscriptionID)
	}
	if ev.PeriodEnd == nil || !ev.PeriodEnd.Equal(time.UnixMilli(1751184000000)) {
		t.Fatalf("period end = %v", ev.PeriodEnd)
	}
}

func TestAppleVerifyReceiptBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status": 21003}`))
	}))
	defer srv.Close()

	p := &AppleProvider{ProductionURL: srv.URL, SandboxURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := p.VerifyReceipt(context.Background(), "bad"); !errors.Is(err, ErrProviderVerificationFailed) {
		t.Fatalf("expected ErrProviderVerificationFailed, got %v", err)
	}
}
