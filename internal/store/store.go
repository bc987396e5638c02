package store

import (
	"context"
	"time"

	"github.com/relaypoint/webhook-relay/internal/domain"
)

// DeliveryFilter narrows ListDeliveries results. Zero values mean "no filter".
type DeliveryFilter struct {
	TenantID  string
	Provider  string
	EventType string
	Status    domain.DeliveryStatus
	// Take is clamped to [1, 200]; zero means the default page size
	Take int
}

// SubscriptionFilter narrows ListSubscriptions results
type SubscriptionFilter struct {
	TenantID string
	Provider string
}

// CreateDeliveriesResult reports the outcome of an idempotent batch insert
type CreateDeliveriesResult struct {
	// DeliveryIDs contains one ID per input delivery, in input order.
	// Duplicates resolve to the previously stored row's ID.
	DeliveryIDs []string
	// Created is the number of rows actually inserted
	Created int
}

// Store defines the interface for database operations
type Store interface {
	// CreateDeliveries inserts a batch of deliveries idempotently. Rows that
	// collide on (tenant_id, provider, idempotency_key, target_url) are
	// skipped and resolved to the existing row's ID.
	CreateDeliveries(ctx context.Context, deliveries []*domain.Delivery) (*CreateDeliveriesResult, error)
	// GetDelivery retrieves a delivery by ID, or nil when not found
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	// ListDeliveries retrieves deliveries matching the filter, newest first
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*domain.Delivery, error)
	// ClaimDue atomically claims up to batch eligible deliveries (published,
	// or failed with next_retry_at <= now), oldest first, marking them
	// processing. Concurrent callers never receive the same row.
	ClaimDue(ctx context.Context, now time.Time, batch int) ([]*domain.Delivery, error)
	// RecordOutcome persists the delivery's post-dispatch state
	RecordOutcome(ctx context.Context, delivery *domain.Delivery) error
	// ReclaimStale moves processing rows whose attempt started before the
	// cutoff back to failed with an immediate next_retry_at. Returns the
	// number of rows reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Time, now time.Time) (int64, error)
	// RequeueDelivery puts a failed or dead delivery back to published.
	// Returns domain validation errors for succeeded deliveries.
	RequeueDelivery(ctx context.Context, id string) (*domain.Delivery, error)

	// CreateSubscription stores a new subscription
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	// GetSubscription retrieves a subscription by ID, or nil when not found
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	// ListSubscriptions retrieves subscriptions matching the filter
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*domain.Subscription, error)
	// SetSubscriptionActive toggles a subscription's active flag
	SetSubscriptionActive(ctx context.Context, id string, active bool) (*domain.Subscription, error)
	// ActiveSubscriptions retrieves the active subscriptions for a
	// tenant+provider pair, the input to event matching
	ActiveSubscriptions(ctx context.Context, tenantID, provider string) ([]*domain.Subscription, error)
}
