package billing

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
	"github.com/reelworks/reelpay/internal/pkg/env"
)

const (
	defaultGoogleAPIBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	defaultGoogleTokenURL   = "https://oauth2.googleapis.com/token"
	googlePublisherScope    = "https://www.googleapis.com/auth/androidpublisher"
)

// GoogleProvider handles Play real-time developer notifications delivered
// through Pub/Sub push and the androidpublisher API round-trips: verify,
// acknowledge, refund and cancel. Unacknowledged purchases are auto-refunded
// by Play after three days, so the acknowledge step is not optional.
type GoogleProvider struct {
	PackageName string
	APIBaseURL  string
	TokenURL    string

	clientEmail string
	privateKey  *rsa.PrivateKey

	HTTPClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewGoogleProviderFromEnv() (*GoogleProvider, error) {
	p := &GoogleProvider{
		PackageName: strings.TrimSpace(env.GetEnv("GOOGLE_PACKAGE_NAME", "")),
		APIBaseURL:  strings.TrimRight(env.GetEnv("GOOGLE_API_BASE_URL", defaultGoogleAPIBaseURL), "/"),
		TokenURL:    strings.TrimSpace(env.GetEnv("GOOGLE_TOKEN_URL", defaultGoogleTokenURL)),
		clientEmail: strings.TrimSpace(env.GetEnv("GOOGLE_SA_CLIENT_EMAIL", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	pemKey := env.GetEnv("GOOGLE_SA_PRIVATE_KEY", "")
	if pemKey != "" {
		// .env files carry the PEM with literal \n sequences.
		pemKey = strings.ReplaceAll(pemKey, `\n`, "\n")
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
		if err != nil {
			return nil, fmt.Errorf("GOOGLE_SA_PRIVATE_KEY: %w", err)
		}
		p.privateKey = key
	}
	return p, nil
}

func (p *GoogleProvider) Name() string { return models.ProviderGoogle }

// VerifySignature reports false: Pub/Sub push carries no payload signature.
// The notification content is never trusted on its own anyway; every state
// change is re-verified against the androidpublisher API.
func (p *GoogleProvider) VerifySignature([]byte, map[string]string) (bool, error) {
	return false, nil
}

// googleNotificationKinds maps subscriptionNotification.notificationType.
var googleNotificationKinds = map[int]EventKind{
	1:  KindPaymentSucceeded,    // RECOVERED
	2:  KindSubscriptionRenewed, // RENEWED
	3:  KindSubscriptionCancel,  // CANCELED
	4:  KindSubscriptionCreated, // PURCHASED
	5:  KindPaymentFailed,       // ON_HOLD
	6:  KindPaymentFailed,       // IN_GRACE_PERIOD
	7:  KindPaymentSucceeded,    // RESTARTED
	9:  KindSubscriptionRenewed, // DEFERRED
	12: KindSubscriptionExpired, // REVOKED
	13: KindSubscriptionExpired, // EXPIRED
}

var googleNotificationNames = map[int]string{
	1: "SUBSCRIPTION_RECOVERED", 2: "SUBSCRIPTION_RENEWED", 3: "SUBSCRIPTION_CANCELED",
	4: "SUBSCRIPTION_PURCHASED", 5: "SUBSCRIPTION_ON_HOLD", 6: "SUBSCRIPTION_IN_GRACE_PERIOD",
	7: "SUBSCRIPTION_RESTARTED", 8: "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED", 9: "SUBSCRIPTION_DEFERRED",
	10: "SUBSCRIPTION_PAUSED", 11: "SUBSCRIPTION_PAUSE_SCHEDULE_CHANGED", 12: "SUBSCRIPTION_REVOKED",
	13: "SUBSCRIPTION_EXPIRED",
}

type googleDeveloperNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	TestNotification *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

// ParseEvent unwraps the Pub/Sub push envelope and the base64 developer
// notification inside it. The purchase token is the stable subscription
// identity across renewals.
func (p *GoogleProvider) ParseEvent(body []byte, _ map[string]string) (*ProviderEvent, error) {
	var envelope struct {
		Message struct {
			MessageID string `json:"messageId"`
			Data      string `json:"data"`
		} `json:"message"`
		Subscription string `json:"subscription"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Message.Data == "" {
		return nil, fmt.Errorf("%w: not a pub/sub push envelope", ErrMalformedPayload)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: message data: %v", ErrMalformedPayload, err)
	}
	var notif googleDeveloperNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		return nil, fmt.Errorf("%w: developer notification: %v", ErrMalformedPayload, err)
	}
	if p.PackageName != "" && notif.PackageName != "" && notif.PackageName != p.PackageName {
		return nil, fmt.Errorf("%w: package %q does not match", ErrUnauthorized, notif.PackageName)
	}

	ev := &ProviderEvent{
		Provider:        models.ProviderGoogle,
		ProviderEventID: envelope.Message.MessageID,
		Kind:            KindUnknown,
		RawPayload:      body,
	}
	if ms, err := strconv.ParseInt(notif.EventTimeMillis, 10, 64); err == nil && ms > 0 {
		ev.OccurredAt = time.UnixMilli(ms)
	}

	if notif.TestNotification != nil {
		ev.EventType = "TEST_NOTIFICATION"
		return ev, nil
	}
	sn := notif.SubscriptionNotification
	if sn == nil {
		ev.EventType = "UNSUPPORTED_NOTIFICATION"
		return ev, nil
	}

	ev.ProviderSubscriptionID = sn.PurchaseToken
	ev.ProductID = sn.SubscriptionID
	ev.EventType = googleNotificationNames[sn.NotificationType]
	if ev.EventType == "" {
		ev.EventType = "NOTIFICATION_TYPE_" + strconv.Itoa(sn.NotificationType)
	}
	if kind, ok := googleNotificationKinds[sn.NotificationType]; ok {
		ev.Kind = kind
	}
	if ev.Kind == KindSubscriptionCancel {
		// Play keeps entitlement until the paid period runs out.
		ev.CancelAtPeriodEnd = true
	}
	return ev, nil
}

// googleSubscriptionPurchase is the purchases.subscriptions resource subset
// the reconciliation needs.
type googleSubscriptionPurchase struct {
	StartTimeMillis      string `json:"startTimeMillis"`
	ExpiryTimeMillis     string `json:"expiryTimeMillis"`
	OrderID              string `json:"orderId"`
	PriceAmountMicros    string `json:"priceAmountMicros"`
	PriceCurrencyCode    string `json:"priceCurrencyCode"`
	PaymentState         *int   `json:"paymentState"`
	CancelReason         *int   `json:"cancelReason"`
	AcknowledgementState int    `json:"acknowledgementState"`
	AutoRenewing         bool   `json:"autoRenewing"`
}

// Enrich completes a parsed notification with the ground truth from the
// androidpublisher API: period bounds, order id, price and whether an
// acknowledge is still owed. Notifications alone carry none of that.
func (p *GoogleProvider) Enrich(ctx context.Context, ev *ProviderEvent) error {
	if ev.Kind == KindUnknown || ev.ProviderSubscriptionID == "" {
		return nil
	}
	purchase, err := p.verifySubscription(ctx, ev.ProductID, ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	applyGooglePurchase(ev, purchase)
	return nil
}

func applyGooglePurchase(ev *ProviderEvent, purchase *googleSubscriptionPurchase) {
	if ms, err := strconv.ParseInt(purchase.StartTimeMillis, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms)
		ev.PeriodStart = &t
	}
	if ms, err := strconv.ParseInt(purchase.ExpiryTimeMillis, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms)
		ev.PeriodEnd = &t
	}
	if purchase.OrderID != "" && (ev.Kind.IsCreation() || ev.Kind.IsRenewal() || ev.Kind == KindPaymentSucceeded) {
		ev.ProviderPaymentID = purchase.OrderID
	}
	if micros, err := strconv.ParseInt(purchase.PriceAmountMicros, 10, 64); err == nil && micros > 0 {
		amount := decimal.NewFromInt(micros).Div(decimal.NewFromInt(1_000_000))
		ev.Amount = &amount
	}
	ev.Currency = purchase.PriceCurrencyCode
	if purchase.AcknowledgementState == 0 && (ev.Kind.IsCreation() || ev.Kind.IsRenewal() || ev.Kind == KindPaymentSucceeded) {
		ev.AckRequired = true
	}
}

// VerifyPurchase validates a client-submitted purchase token and returns the
// normalized creation event. The client's word is never enough; the token is
// resolved against the API before any entitlement is granted.
func (p *GoogleProvider) VerifyPurchase(ctx context.Context, productID, purchaseToken string) (*ProviderEvent, error) {
	if strings.TrimSpace(purchaseToken) == "" || strings.TrimSpace(productID) == "" {
		return nil, fmt.Errorf("%w: product id and purchase token are required", ErrMalformedPayload)
	}
	purchase, err := p.verifySubscription(ctx, productID, purchaseToken)
	if err != nil {
		return nil, err
	}

	raw, _ := json.Marshal(purchase)
	ev := &ProviderEvent{
		Provider:               models.ProviderGoogle,
		ProviderEventID:        "verify:" + purchaseToken,
		ProviderSubscriptionID: purchaseToken,
		Kind:                   KindSubscriptionCreated,
		EventType:              "verify_purchase",
		ProductID:              productID,
		RawPayload:             raw,
	}
	applyGooglePurchase(ev, purchase)
	if ev.PeriodEnd != nil && !ev.PeriodEnd.After(time.Now()) {
		return nil, fmt.Errorf("%w: purchase already expired", ErrProviderVerificationFailed)
	}
	return ev, nil
}

func (p *GoogleProvider) verifySubscription(ctx context.Context, productID, purchaseToken string) (*googleSubscriptionPurchase, error) {
	path := fmt.Sprintf("/applications/%s/purchases/subscriptions/%s/tokens/%s",
		url.PathEscape(p.PackageName), url.PathEscape(productID), url.PathEscape(purchaseToken))
	var purchase googleSubscriptionPurchase
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &purchase); err != nil {
		return nil, err
	}
	return &purchase, nil
}

// Acknowledge confirms receipt of a purchase with Play.
func (p *GoogleProvider) Acknowledge(ctx context.Context, ev *ProviderEvent) error {
	path := fmt.Sprintf("/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
		url.PathEscape(p.PackageName), url.PathEscape(ev.ProductID), url.PathEscape(ev.ProviderSubscriptionID))
	return p.doJSON(ctx, http.MethodPost, path, map[string]any{}, nil)
}

// Refund refunds the order behind the payment. Play only supports full
// refunds through this API.
func (p *GoogleProvider) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, _ string) error {
	if !amount.Equal(payment.Amount) {
		return fmt.Errorf("%w: google play supports full refunds only", ErrMalformedPayload)
	}
	path := fmt.Sprintf("/applications/%s/orders/%s:refund",
		url.PathEscape(p.PackageName), url.PathEscape(payment.ProviderPaymentID))
	return p.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// Cancel stops auto-renewal; entitlement runs until the period end.
func (p *GoogleProvider) Cancel(ctx context.Context, sub *models.Subscription, atPeriodEnd bool) error {
	if !atPeriodEnd {
		return fmt.Errorf("%w: google play cancellation always takes effect at period end", ErrMalformedPayload)
	}
	productID, err := p.subscriptionProductID(sub)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/applications/%s/purchases/subscriptions/%s/tokens/%s:cancel",
		url.PathEscape(p.PackageName), url.PathEscape(productID), url.PathEscape(sub.ProviderSubscriptionID))
	return p.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// subscriptionProductID recovers the Play product id for a stored purchase
// token by asking the API which subscription the token belongs to.
func (p *GoogleProvider) subscriptionProductID(sub *models.Subscription) (string, error) {
	// purchases.subscriptionsv2 resolves a token without the product id.
	var resp struct {
		LineItems []struct {
			ProductID string `json:"productId"`
		} `json:"lineItems"`
	}
	path := fmt.Sprintf("/applications/%s/purchases/subscriptionsv2/tokens/%s",
		url.PathEscape(p.PackageName), url.PathEscape(sub.ProviderSubscriptionID))
	if err := p.doJSON(context.Background(), http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.LineItems) == 0 {
		return "", fmt.Errorf("%w: no line items for token", ErrProviderVerificationFailed)
	}
	return resp.LineItems[0].ProductID, nil
}

func (p *GoogleProvider) doJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, p.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
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
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	return nil
}

// token returns a cached service-account access token, minting a fresh one
// through the two-legged OAuth JWT grant when the cache is stale.
func (p *GoogleProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-time.Minute)) {
		return p.accessToken, nil
	}
	if p.privateKey == nil || p.clientEmail == "" {
		return "", fmt.Errorf("google service account is not configured")
	}

	now := time.Now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   p.clientEmail,
		"scope": googlePublisherScope,
		"aud":   p.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	signed, err := assertion.SignedString(p.privateKey)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", signed)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrProviderVerificationFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: token exchange status=%d body=%s",
			ErrProviderVerificationFailed, resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange returned no access token", ErrProviderVerificationFailed)
	}
	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return p.accessToken, nil
}
