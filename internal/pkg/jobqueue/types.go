package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeProviderAck    JobType = "provider_ack"
	JobTypeProviderRefund JobType = "provider_refund"
	JobTypeProviderCancel JobType = "provider_cancel"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ProviderAckJobPayload carries everything an acknowledge round-trip needs.
// Google auto-refunds purchases that stay unacknowledged, so these jobs must
// survive process restarts.
type ProviderAckJobPayload struct {
	Provider               string `json:"provider"`
	ProductID              string `json:"product_id"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
	WebhookEventID         string `json:"webhook_event_id"`
}

// ToMap converts the payload to a map for storage
func (p ProviderAckJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"provider":                 p.Provider,
		"product_id":               p.ProductID,
		"provider_subscription_id": p.ProviderSubscriptionID,
		"webhook_event_id":         p.WebhookEventID,
	}
}

// ProviderAckJobPayloadFromMap creates a payload from a map
func ProviderAckJobPayloadFromMap(data map[string]interface{}) (*ProviderAckJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload ProviderAckJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// ProviderRefundJobPayload asks the payment's provider to move money back.
// The ledger row is only updated when the provider confirms, either through
// its webhook or through the processor marking the refund directly.
type ProviderRefundJobPayload struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
}

func (p ProviderRefundJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"payment_id": p.PaymentID,
		"amount":     p.Amount,
		"reason":     p.Reason,
	}
}

func ProviderRefundJobPayloadFromMap(data map[string]interface{}) (*ProviderRefundJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload ProviderRefundJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// ProviderCancelJobPayload stops renewal at the provider for a subscription
// the user canceled through our API.
type ProviderCancelJobPayload struct {
	SubscriptionID string `json:"subscription_id"`
	AtPeriodEnd    bool   `json:"at_period_end"`
}

func (p ProviderCancelJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"at_period_end":   p.AtPeriodEnd,
	}
}

func ProviderCancelJobPayloadFromMap(data map[string]interface{}) (*ProviderCancelJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload ProviderCancelJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
