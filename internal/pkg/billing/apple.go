package billing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
	"github.com/reelworks/reelpay/internal/pkg/env"
)

const (
	appleProductionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	appleSandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// verifyReceipt status for a sandbox receipt sent to production.
	appleStatusSandboxReceipt = 21007
)

// AppleProvider handles App Store server notifications (v2 signedPayload)
// and client-submitted receipt verification via verifyReceipt.
type AppleProvider struct {
	SharedSecret  string
	BundleID      string
	ProductionURL string
	SandboxURL    string

	HTTPClient *http.Client
}

func NewAppleProviderFromEnv() *AppleProvider {
	return &AppleProvider{
		SharedSecret:  strings.TrimSpace(env.GetEnv("APPLE_SHARED_SECRET", "")),
		BundleID:      strings.TrimSpace(env.GetEnv("APPLE_BUNDLE_ID", "")),
		ProductionURL: strings.TrimSpace(env.GetEnv("APPLE_VERIFY_URL", appleProductionVerifyURL)),
		SandboxURL:    strings.TrimSpace(env.GetEnv("APPLE_SANDBOX_VERIFY_URL", appleSandboxVerifyURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (p *AppleProvider) Name() string { return models.ProviderApple }

// VerifySignature reports the x5c chain of the signedPayload as unverified.
// Notifications are accepted on the strength of the endpoint URL being
// secret, and signature_valid=false is recorded for audit. Full JWS chain
// validation against Apple's root CA is a deployment concern, not a parsing
// one.
func (p *AppleProvider) VerifySignature([]byte, map[string]string) (bool, error) {
	return false, nil
}

// appleNotificationKinds maps App Store notificationType (plus subtype where
// it matters) onto the normalized classification.
func appleNotificationKind(notificationType, subtype string) EventKind {
	switch notificationType {
	case "SUBSCRIBED", "OFFER_REDEEMED":
		return KindSubscriptionCreated
	case "DID_RENEW":
		return KindSubscriptionRenewed
	case "DID_FAIL_TO_RENEW":
		return KindPaymentFailed
	case "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return KindSubscriptionExpired
	case "REFUND":
		return KindRefundCreated
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_DISABLED" {
			return KindSubscriptionCancel
		}
		return KindUnknown
	default:
		return KindUnknown
	}
}

type appleNotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type appleTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	OfferType             *int   `json:"offerType"`
}

// ParseEvent unwraps the {"signedPayload": "<JWS>"} envelope. The
// transaction identity is the originalTransactionId, which stays stable
// across renewals and device restores.
func (p *AppleProvider) ParseEvent(body []byte, _ map[string]string) (*ProviderEvent, error) {
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.SignedPayload == "" {
		return nil, fmt.Errorf("%w: missing signedPayload", ErrMalformedPayload)
	}

	var payload appleNotificationPayload
	if err := decodeJWSClaims(envelope.SignedPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: signedPayload: %v", ErrMalformedPayload, err)
	}
	if p.BundleID != "" && payload.Data.BundleID != "" && payload.Data.BundleID != p.BundleID {
		return nil, fmt.Errorf("%w: bundle id %q does not match", ErrUnauthorized, payload.Data.BundleID)
	}

	var txn appleTransactionInfo
	if payload.Data.SignedTransactionInfo != "" {
		if err := decodeJWSClaims(payload.Data.SignedTransactionInfo, &txn); err != nil {
			return nil, fmt.Errorf("%w: signedTransactionInfo: %v", ErrMalformedPayload, err)
		}
	}

	kind := appleNotificationKind(payload.NotificationType, payload.Subtype)
	eventType := payload.NotificationType
	if payload.Subtype != "" {
		eventType += "." + payload.Subtype
	}

	ev := &ProviderEvent{
		Provider:               models.ProviderApple,
		ProviderEventID:        payload.NotificationUUID,
		ProviderSubscriptionID: txn.OriginalTransactionID,
		ProviderPaymentID:      txn.TransactionID,
		Kind:                   kind,
		EventType:              eventType,
		ProductID:              txn.ProductID,
		RawPayload:             body,
		Currency:               txn.Currency,
	}
	if payload.SignedDate > 0 {
		ev.OccurredAt = time.UnixMilli(payload.SignedDate)
	}
	if txn.PurchaseDate > 0 {
		t := time.UnixMilli(txn.PurchaseDate)
		ev.PeriodStart = &t
	}
	if txn.ExpiresDate > 0 {
		t := time.UnixMilli(txn.ExpiresDate)
		ev.PeriodEnd = &t
	}
	if txn.Price > 0 {
		// Price is in milliunits of the currency.
		amount := decimal.NewFromInt(txn.Price).Div(decimal.NewFromInt(1000))
		ev.Amount = &amount
		if kind == KindRefundCreated {
			ev.RefundAmount = &amount
		}
	}
	if kind == KindSubscriptionCancel {
		// Declining auto-renew keeps access until the paid period ends.
		ev.CancelAtPeriodEnd = true
	}
	if kind == KindRefundCreated && txn.RevocationReason != nil {
		ev.RefundReason = "revocation_reason_" + strconv.Itoa(*txn.RevocationReason)
	}
	return ev, nil
}

// Acknowledge is a no-op for Apple; nothing auto-refunds without it.
func (p *AppleProvider) Acknowledge(context.Context, *ProviderEvent) error { return nil }

// Refund cannot be initiated server-side; Apple owns the refund flow and
// reports outcomes through REFUND notifications.
func (p *AppleProvider) Refund(_ context.Context, payment *models.Payment, _ decimal.Decimal, _ string) error {
	return fmt.Errorf("apple refunds are customer-initiated through Apple; payment %s cannot be refunded here", payment.ProviderPaymentID)
}

// Cancel likewise happens in the App Store subscription settings.
func (p *AppleProvider) Cancel(_ context.Context, sub *models.Subscription, _ bool) error {
	return fmt.Errorf("apple subscriptions are canceled through the App Store; %s cannot be canceled here", sub.ProviderSubscriptionID)
}

type appleReceiptInfo struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

type appleVerifyResponse struct {
	Status             int                `json:"status"`
	Environment        string             `json:"environment"`
	LatestReceiptInfo  []appleReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []struct {
		AutoRenewStatus string `json:"auto_renew_status"`
	} `json:"pending_renewal_info"`
}

// VerifyReceipt validates a client-submitted base64 receipt against Apple's
// verifyReceipt endpoint and returns the normalized event for the latest
// transaction. Receipts are tried against production first; status 21007
// means a sandbox receipt and triggers one retry against sandbox, so a
// single deployment serves both TestFlight and the store.
func (p *AppleProvider) VerifyReceipt(ctx context.Context, receiptData string) (*ProviderEvent, error) {
	if strings.TrimSpace(receiptData) == "" {
		return nil, fmt.Errorf("%w: receipt data is required", ErrMalformedPayload)
	}

	resp, err := p.callVerify(ctx, p.ProductionURL, receiptData)
	if err != nil {
		return nil, err
	}
	if resp.Status == appleStatusSandboxReceipt {
		log.Debugf("[billing] apple receipt is sandbox, retrying against %s", p.SandboxURL)
		resp, err = p.callVerify(ctx, p.SandboxURL, receiptData)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: verifyReceipt status=%d", ErrProviderVerificationFailed, resp.Status)
	}
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, fmt.Errorf("%w: receipt has no transactions", ErrMalformedPayload)
	}

	// The latest transaction is the one with the greatest purchase date;
	// the array order is not guaranteed.
	latest := resp.LatestReceiptInfo[0]
	latestMS := parseMS(latest.PurchaseDateMS)
	for _, info := range resp.LatestReceiptInfo[1:] {
		if ms := parseMS(info.PurchaseDateMS); ms > latestMS {
			latest, latestMS = info, ms
		}
	}

	ev := &ProviderEvent{
		Provider:               models.ProviderApple,
		ProviderEventID:        "receipt:" + latest.TransactionID,
		ProviderSubscriptionID: latest.OriginalTransactionID,
		ProviderPaymentID:      latest.TransactionID,
		Kind:                   KindSubscriptionCreated,
		EventType:              "verify_receipt",
		ProductID:              latest.ProductID,
	}
	if latestMS > 0 {
		t := time.UnixMilli(latestMS)
		ev.OccurredAt = t
		ev.PeriodStart = &t
	}
	if ms := parseMS(latest.ExpiresDateMS); ms > 0 {
		t := time.UnixMilli(ms)
		ev.PeriodEnd = &t
		if latest.IsTrialPeriod == "true" {
			ev.TrialEnd = &t
		}
	}
	ev.RawPayload, _ = json.Marshal(resp)
	return ev, nil
}

func (p *AppleProvider) callVerify(ctx context.Context, endpoint, receiptData string) (*appleVerifyResponse, error) {
	reqBody, err := json.Marshal(map[string]any{
		"receipt-data":             receiptData,
		"password":                 p.SharedSecret,
		"exclude-old-transactions": false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: verifyReceipt status=%d body=%s",
			ErrProviderVerificationFailed, resp.StatusCode, string(body))
	}

	var out appleVerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	return &out, nil
}

// decodeJWSClaims extracts the claims segment of a compact JWS without
// verifying the signature.
func decodeJWSClaims(token string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("not a compact JWS")
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return err
	}
	return json.Unmarshal(claims, out)
}

func parseMS(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
