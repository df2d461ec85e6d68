package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/reelworks/reelpay/app/models"
)

// Provider abstracts one external payment system. The ingestion gate and
// reconciliation engine depend only on this interface; adding a provider
// means implementing it and registering the instance.
type Provider interface {
	// Name returns the canonical provider key (models.ProviderWeb etc.).
	Name() string

	// VerifySignature checks the inbound webhook's authenticity against the
	// raw body. Providers that sign deliveries fail closed: a missing or
	// wrong signature returns ErrUnauthorized and the event is never
	// persisted. Providers without a payload signature return (false, nil)
	// and the event is recorded with signature_valid=false for audit.
	VerifySignature(body []byte, headers map[string]string) (bool, error)

	// ParseEvent translates a provider payload into a normalized event.
	// Unknown event types yield Kind=KindUnknown, not an error, so the raw
	// payload is still durably logged for operators.
	ParseEvent(body []byte, headers map[string]string) (*ProviderEvent, error)

	// Acknowledge performs the provider's post-processing round-trip for
	// purchase-class events. Providers without that contract return nil.
	Acknowledge(ctx context.Context, ev *ProviderEvent) error

	// Refund asks the provider to move money back.
	Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) error

	// Cancel stops renewal of the given subscription at the provider.
	Cancel(ctx context.Context, sub *models.Subscription, atPeriodEnd bool) error
}

// Registry resolves URL path segments and stored provider keys to
// implementations.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider for name, or an error wrapping
// ErrMalformedPayload so unknown webhook paths are rejected as bad input.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrMalformedPayload, name)
	}
	return p, nil
}
