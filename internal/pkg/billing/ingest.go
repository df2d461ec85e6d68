package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/reelworks/reelpay/app/models"
)

// Ingestor is the durability gate in front of the reconciliation engine.
// Every webhook is persisted before any business logic runs, so a crash
// mid-processing loses nothing and a replayed delivery is absorbed by the
// (provider, provider_event_id) key.
type Ingestor struct {
	repo     Repository
	registry *Registry
	engine   *Engine
}

func NewIngestor(repo Repository, registry *Registry, engine *Engine) *Ingestor {
	return &Ingestor{repo: repo, registry: registry, engine: engine}
}

// EventEnricher is implemented by providers whose push notifications carry
// only an identity, not the facts; the gate calls it after parsing to fetch
// period bounds and amounts from the provider's API before reconciling.
type EventEnricher interface {
	Enrich(ctx context.Context, ev *ProviderEvent) error
}

// IngestResult reports what the gate did with one delivery.
type IngestResult struct {
	WebhookEvent *models.WebhookEvent
	Outcome      *Outcome
	// Duplicate means the event id was already persisted and nothing ran.
	Duplicate bool
}

// Ingest runs the full gate for one pushed webhook delivery:
// verify signature, parse, persist, reconcile, mark processed.
func (in *Ingestor) Ingest(ctx context.Context, providerName string, body []byte, headers map[string]string) (*IngestResult, error) {
	provider, err := in.registry.Get(providerName)
	if err != nil {
		return nil, err
	}

	sigValid, err := provider.VerifySignature(body, headers)
	if err != nil {
		return nil, err
	}

	ev, err := provider.ParseEvent(body, headers)
	if err != nil {
		return nil, err
	}
	ev.Provider = provider.Name()
	if ev.ProviderEventID == "" {
		// Some providers send no event id; a payload digest still dedupes
		// byte-identical redeliveries.
		ev.ProviderEventID = PayloadDigest(body)
	}

	record := &models.WebhookEvent{
		Provider:        provider.Name(),
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
		Payload:         string(body),
		Signature:       headers["X-Signature"],
		SignatureValid:  sigValid,
	}
	created, stored, err := in.repo.CreateWebhookEventIfNotExists(record)
	if err != nil {
		return nil, err
	}
	if !created {
		if stored.Processed {
			log.Debugf("[billing] duplicate webhook %s/%s ignored", provider.Name(), ev.ProviderEventID)
			return &IngestResult{WebhookEvent: stored, Duplicate: true}, nil
		}
		// A redelivery of a row that never finished processing gets
		// another attempt against the existing row.
		log.Infof("[billing] reprocessing webhook %s/%s after earlier failure", provider.Name(), ev.ProviderEventID)
	}

	// Enrichment happens after the durable write so a provider API outage
	// leaves an unprocessed row to retry, never a lost event.
	rerr := error(nil)
	if enricher, ok := provider.(EventEnricher); ok {
		rerr = enricher.Enrich(ctx, ev)
	}
	var outcome *Outcome
	if rerr == nil {
		outcome, rerr = in.engine.Reconcile(ctx, ev, stored.ID)
	}
	if merr := in.repo.MarkWebhookProcessed(stored.ID, rerr); merr != nil {
		log.Errorf("[billing] mark webhook %s processed: %v", stored.ID, merr)
	}
	if rerr != nil {
		return &IngestResult{WebhookEvent: stored}, rerr
	}
	return &IngestResult{WebhookEvent: stored, Outcome: outcome}, nil
}

// IngestClientEvent runs the gate for a client-initiated verification: the
// caller presents provider-issued proof (a receipt or payment id), the
// adapter verifies it against the provider's API, and the resulting events
// flow through the same persistence and reconciliation path as webhooks.
// userID comes from the caller's verified token, never the request body.
func (in *Ingestor) IngestClientEvent(ctx context.Context, ev *ProviderEvent, userID string) (*IngestResult, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedPayload)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user identity", ErrUnauthenticated)
	}
	ev.UserID = userID
	if ev.ProviderEventID == "" {
		ev.ProviderEventID = PayloadDigest(ev.RawPayload)
	}

	record := &models.WebhookEvent{
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
		Payload:         string(ev.RawPayload),
		SignatureValid:  true, // proven by the provider round-trip, not a header
	}
	created, stored, err := in.repo.CreateWebhookEventIfNotExists(record)
	if err != nil {
		return nil, err
	}
	if !created && stored.Processed {
		return &IngestResult{WebhookEvent: stored, Duplicate: true}, nil
	}

	outcome, rerr := in.engine.Reconcile(ctx, ev, stored.ID)
	if merr := in.repo.MarkWebhookProcessed(stored.ID, rerr); merr != nil {
		log.Errorf("[billing] mark webhook %s processed: %v", stored.ID, merr)
	}
	if rerr != nil {
		return &IngestResult{WebhookEvent: stored}, rerr
	}
	return &IngestResult{WebhookEvent: stored, Outcome: outcome}, nil
}

// PayloadDigest derives a stable pseudo event id from the raw payload.
func PayloadDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HTTPStatusFor maps the error taxonomy to webhook response codes. Provider
// verification failures are the only retryable class; everything else is
// acknowledged so the provider stops redelivering a delivery we can never
// process.
func HTTPStatusFor(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnauthenticated):
		return 401
	case errors.Is(err, ErrProviderVerificationFailed):
		return 500
	case errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrPlanNotConfigured),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrRefundExceedsPayment):
		return 400
	default:
		return 500
	}
}
