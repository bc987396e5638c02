package schema

import (
	"time"
)

// WebhookDelivery represents the webhook_deliveries table - one row per
// (tenant, provider, event, subscriber) delivery attempt record
type WebhookDelivery struct {
	// ID is an opaque unique identifier (UUID)
	ID string `gorm:"column:id;primaryKey;type:varchar(36)"`
	// TenantID identifies the owning tenant
	TenantID string `gorm:"column:tenant_id;not null;type:varchar(64);uniqueIndex:ux_deliveries_idempotency,priority:1"`
	// Provider is the upstream source the event came from
	Provider string `gorm:"column:provider;not null;type:varchar(64);uniqueIndex:ux_deliveries_idempotency,priority:2"`
	// EventType is the dot-segmented event name (e.g. "order.created")
	EventType string `gorm:"column:event_type;not null;type:text"`
	// Payload is the raw event body; opaque to the engine and signed as-is
	Payload string `gorm:"column:payload;not null;type:text"`
	// IdempotencyKey deduplicates logically identical submissions
	IdempotencyKey string `gorm:"column:idempotency_key;not null;type:varchar(128);uniqueIndex:ux_deliveries_idempotency,priority:3"`
	// TargetURL is the subscriber endpoint frozen at creation time
	TargetURL string `gorm:"column:target_url;not null;type:varchar(2048);uniqueIndex:ux_deliveries_idempotency,priority:4"`
	// Status drives claim eligibility; indexed with next_retry_at for the claim query
	Status string `gorm:"column:status;not null;type:varchar(16);index:idx_deliveries_status_retry,priority:1"`
	// RetryCount is the number of recorded failures
	RetryCount int `gorm:"column:retry_count;not null;default:0"`
	// AttemptCount is the number of started dispatch attempts
	AttemptCount int `gorm:"column:attempt_count;not null;default:0"`
	// LastAttemptAt is when the most recent attempt started
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at"`
	// NextRetryAt is when a failed delivery becomes eligible again; null otherwise
	NextRetryAt *time.Time `gorm:"column:next_retry_at;index:idx_deliveries_status_retry,priority:2"`
	// LastError holds the most recent dispatch error message
	LastError *string `gorm:"column:last_error;type:text"`
	// LastStatusCode is the most recent HTTP status from the receiver
	LastStatusCode *int `gorm:"column:last_status_code"`
	// LastResponseSnippet is a bounded excerpt of the receiver's response body
	LastResponseSnippet *string `gorm:"column:last_response_snippet;type:text"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for the WebhookDelivery model
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
