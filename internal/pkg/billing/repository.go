package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelworks/reelpay/app/models"
)

// Repository owns persistence for subscriptions, payments, webhook events
// and the append-only audit trail. Writes that span a subscription mutation
// and its event row run inside Transaction so either both persist or
// neither does.
type Repository interface {
	Transaction(fn func(tx Repository) error) error

	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	GetSubscriptionByID(id string) (*models.Subscription, error)
	ListSubscriptionsByUser(userID string, activeOnly bool) ([]models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	UpdateSubscription(sub *models.Subscription) error
	ListExpiredActiveSubscriptions(now time.Time) ([]models.Subscription, error)

	AppendEvent(subscriptionID, event string, occurredAt time.Time, meta EventMeta) error
	ListEvents(subscriptionID string) ([]models.SubscriptionEvent, error)

	GetPaymentByProviderID(provider, providerPaymentID string) (*models.Payment, error)
	GetPaymentByID(id string) (*models.Payment, error)
	ListPaymentsByUser(userID string) ([]models.Payment, error)
	CreatePayment(p *models.Payment) error
	UpdatePayment(p *models.Payment) error

	FindPlanByProviderProduct(provider, productID string) (*models.Plan, error)
	GetPlan(id string) (*models.Plan, error)
	ListActivePlans() ([]models.Plan, error)

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id string, processingErr error) error
}

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("not found")

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(fn func(tx Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByID(id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByUser(userID string, activeOnly bool) ([]models.Subscription, error) {
	q := r.db.Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusTrial})
	}
	var subs []models.Subscription
	err := q.Order("created_at DESC").Find(&subs).Error
	return subs, err
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	return r.db.Create(sub).Error
}

func (r *gormRepository) UpdateSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) ListExpiredActiveSubscriptions(now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("status IN ? AND current_period_end < ?",
		[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrial, models.SubscriptionStatusPastDue}, now).
		Find(&subs).Error
	return subs, err
}

// AppendEvent inserts the next audit row for a subscription. Existing rows
// are never updated or removed; seq comes from a max+1 read inside the
// caller's transaction, which the per-subscription serialization in the
// engine keeps race-free.
func (r *gormRepository) AppendEvent(subscriptionID, event string, occurredAt time.Time, meta EventMeta) error {
	var maxSeq int
	if err := r.db.Model(&models.SubscriptionEvent{}).
		Where("subscription_id = ?", subscriptionID).
		Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return err
	}

	row := &models.SubscriptionEvent{
		ID:             uuid.New().String(),
		SubscriptionID: subscriptionID,
		Seq:            maxSeq + 1,
		Event:          event,
		OccurredAt:     occurredAt,
		Metadata:       meta.Encode(),
	}
	return r.db.Create(row).Error
}

func (r *gormRepository) ListEvents(subscriptionID string) ([]models.SubscriptionEvent, error) {
	var rows []models.SubscriptionEvent
	err := r.db.Where("subscription_id = ?", subscriptionID).Order("seq ASC").Find(&rows).Error
	return rows, err
}

func (r *gormRepository) GetPaymentByProviderID(provider, providerPaymentID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&p).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (r *gormRepository) GetPaymentByID(id string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (r *gormRepository) ListPaymentsByUser(userID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&payments).Error
	return payments, err
}

func (r *gormRepository) CreatePayment(p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return r.db.Create(p).Error
}

func (r *gormRepository) UpdatePayment(p *models.Payment) error {
	return r.db.Save(p).Error
}

func (r *gormRepository) FindPlanByProviderProduct(provider, productID string) (*models.Plan, error) {
	// provider_ids is a JSON map keyed by provider name.
	var plan models.Plan
	err := r.db.Where("is_active = ? AND JSON_UNQUOTE(JSON_EXTRACT(provider_ids, ?)) = ?",
		true, "$."+provider, productID).
		First(&plan).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &plan, nil
}

func (r *gormRepository) GetPlan(id string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.Where("id = ?", id).First(&plan).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &plan, nil
}

func (r *gormRepository) ListActivePlans() ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.Where("is_active = ?", true).Order("name ASC").Find(&plans).Error
	return plans, err
}

// CreateWebhookEventIfNotExists persists the raw event keyed on
// (provider, provider_event_id), returning created=false for duplicates so
// the ingestion gate can short-circuit replays.
func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id string, processingErr error) error {
	if id == "" {
		return fmt.Errorf("webhook event id is required")
	}
	updates := map[string]interface{}{
		"processed": processingErr == nil,
	}
	if processingErr != nil {
		updates["error_message"] = processingErr.Error()
	} else {
		now := time.Now()
		updates["processed_at"] = &now
		updates["error_message"] = ""
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
