package billing

import "errors"

// Error taxonomy for webhook ingestion and reconciliation. Handlers map
// these onto HTTP statuses; the ingestion gate uses IsRetryable to decide
// whether the provider should redeliver.
var (
	// ErrMalformedPayload marks input that can never be processed. Fatal,
	// recorded on the webhook event, never retried.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnauthorized marks a missing or invalid webhook signature. The
	// event is rejected before anything is persisted.
	ErrUnauthorized = errors.New("invalid webhook signature")

	// ErrProviderVerificationFailed marks a failed verification round-trip
	// to the provider. Retryable via provider redelivery.
	ErrProviderVerificationFailed = errors.New("provider verification failed")

	// ErrPlanNotConfigured marks a creation event whose product id has no
	// plan mapping. Fatal per event; surfaced to operators.
	ErrPlanNotConfigured = errors.New("plan not configured for provider product")

	// ErrSubscriptionNotFound marks a non-creation event for an unknown
	// provider_subscription_id. Fatal per event.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrRefundExceedsPayment marks a refund larger than the remaining
	// refundable amount. Rejected, never clamped.
	ErrRefundExceedsPayment = errors.New("refund exceeds payment amount")

	// ErrUnauthenticated marks bearer-token failures on client-initiated
	// verification endpoints.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// IsRetryable reports whether the provider should redeliver the event.
// Everything else is absorbed and left on the webhook row for operators.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderVerificationFailed)
}
