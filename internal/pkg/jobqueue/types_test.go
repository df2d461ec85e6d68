package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestJobTypes tests the job type constants
func TestJobTypes(t *testing.T) {
	assert.Equal(t, "provider_ack", string(JobTypeProviderAck))
	assert.Equal(t, "provider_refund", string(JobTypeProviderRefund))
	assert.Equal(t, "provider_cancel", string(JobTypeProviderCancel))
}

// TestJobStatus tests the job status constants
func TestJobStatus(t *testing.T) {
	assert.Equal(t, "pending", string(JobStatusPending))
	assert.Equal(t, "processing", string(JobStatusProcessing))
	assert.Equal(t, "completed", string(JobStatusCompleted))
	assert.Equal(t, "failed", string(JobStatusFailed))
	assert.Equal(t, "retrying", string(JobStatusRetrying))
}

// TestJob_BasicMethods tests basic job methods
func TestJob_BasicMethods(t *testing.T) {
	job := &Job{
		Status:     JobStatusFailed,
		RetryCount: 1,
		MaxRetries: 3,
	}

	assert.True(t, job.IsRetryable())

	job.RetryCount = 3
	assert.False(t, job.IsRetryable())

	beforeTime := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.NotNil(t, job.ProcessedAt)
	assert.True(t, job.UpdatedAt.After(beforeTime) || job.UpdatedAt.Equal(beforeTime))

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)

	job.MarkAsFailed("test error")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "test error", job.ErrorMsg)
	assert.Equal(t, 4, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)
}

// TestProviderAckJobPayload tests the ack payload map round trip
func TestProviderAckJobPayload(t *testing.T) {
	payload := ProviderAckJobPayload{
		Provider:               "google",
		ProductID:              "play_pro_monthly",
		ProviderSubscriptionID: "token-1",
		WebhookEventID:         "wh-1",
	}

	m := payload.ToMap()
	assert.Equal(t, "google", m["provider"])
	assert.Equal(t, "wh-1", m["webhook_event_id"])

	restored, err := ProviderAckJobPayloadFromMap(m)
	require.NoError(t, err)
	assert.Equal(t, payload, *restored)
}

// TestProviderRefundJobPayload tests the refund payload map round trip
func TestProviderRefundJobPayload(t *testing.T) {
	payload := ProviderRefundJobPayload{
		PaymentID: "pay-1",
		Amount:    "9.99",
		Reason:    "requested_by_customer",
	}

	restored, err := ProviderRefundJobPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, payload, *restored)
}

// TestProviderCancelJobPayload tests the cancel payload map round trip
func TestProviderCancelJobPayload(t *testing.T) {
	payload := ProviderCancelJobPayload{
		SubscriptionID: "sub-1",
		AtPeriodEnd:    true,
	}

	restored, err := ProviderCancelJobPayloadFromMap(payload.ToMap())
	require.NoError(t, err)
	assert.Equal(t, payload, *restored)
}
