package schema

import (
	"time"
)

// WebhookSubscription represents the webhook_subscriptions table
type WebhookSubscription struct {
	// ID is an opaque unique identifier (UUID)
	ID string `gorm:"column:id;primaryKey;type:varchar(36)"`
	// TenantID identifies the owning tenant
	TenantID string `gorm:"column:tenant_id;not null;type:varchar(64);index:idx_subscriptions_tenant_provider,priority:1"`
	// Provider scopes the subscription to one upstream source
	Provider string `gorm:"column:provider;not null;type:varchar(64);index:idx_subscriptions_tenant_provider,priority:2"`
	// EventPrefix is "*", a namespace prefix ending in ".", or an exact event type
	EventPrefix string `gorm:"column:event_prefix;not null;type:text"`
	// TargetURL is the subscriber endpoint
	TargetURL string `gorm:"column:target_url;not null;type:varchar(2048)"`
	// Secret is the per-subscription HMAC signing key
	Secret string `gorm:"column:secret;not null;type:text"`
	// Active gates matching; disabled subscriptions are kept but never matched
	Active bool `gorm:"column:active;not null;default:true"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for the WebhookSubscription model
func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}
