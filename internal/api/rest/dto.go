package rest

import (
	"encoding/json"
	"time"

	"github.com/relaypoint/webhook-relay/internal/domain"
)

// PublishEventRequest is the body of POST /api/v1/events
type PublishEventRequest struct {
	TenantID       string          `json:"tenant_id"`
	Provider       string          `json:"provider"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ReceiveEventRequest is the body of POST /api/v1/webhooks/:provider.
// The provider comes from the path; an Idempotency-Key header takes
// precedence over the body key.
type ReceiveEventRequest struct {
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// CreateDeliveryRequest is the body of POST /api/v1/deliveries, a direct
// delivery to an explicit target URL bypassing subscription matching
type CreateDeliveryRequest struct {
	TenantID       string          `json:"tenant_id"`
	Provider       string          `json:"provider"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	TargetURL      string          `json:"target_url"`
}

// PublishEventResponse reports the fan-out outcome. Created counts only
// newly inserted rows; DeliveryIDs includes IDs of pre-existing duplicates.
type PublishEventResponse struct {
	DeliveryIDs []string `json:"delivery_ids"`
	Created     int      `json:"created"`
	Matched     int      `json:"matched"`
}

// CreateSubscriptionRequest is the body of POST /api/v1/subscriptions
type CreateSubscriptionRequest struct {
	TenantID    string `json:"tenant_id"`
	Provider    string `json:"provider"`
	EventPrefix string `json:"event_prefix"`
	TargetURL   string `json:"target_url"`
	Secret      string `json:"secret"`
}

// DeliveryDTO is the API representation of a delivery
type DeliveryDTO struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Provider            string     `json:"provider"`
	EventType           string     `json:"event_type"`
	Payload             string     `json:"payload"`
	IdempotencyKey      string     `json:"idempotency_key"`
	TargetURL           string     `json:"target_url"`
	Status              string     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	AttemptCount        int        `json:"attempt_count"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	LastStatusCode      *int       `json:"last_status_code,omitempty"`
	LastResponseSnippet *string    `json:"last_response_snippet,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SubscriptionDTO is the API representation of a subscription.
// The signing secret is never returned.
type SubscriptionDTO struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Provider    string    `json:"provider"`
	EventPrefix string    `json:"event_prefix"`
	TargetURL   string    `json:"target_url"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toDeliveryDTO(d *domain.Delivery) *DeliveryDTO {
	return &DeliveryDTO{
		ID:                  d.ID,
		TenantID:            d.TenantID,
		Provider:            d.Provider,
		EventType:           d.EventType,
		Payload:             d.Payload,
		IdempotencyKey:      d.IdempotencyKey,
		TargetURL:           d.TargetURL,
		Status:              string(d.Status),
		RetryCount:          d.RetryCount,
		AttemptCount:        d.AttemptCount,
		LastAttemptAt:       d.LastAttemptAt,
		NextRetryAt:         d.NextRetryAt,
		LastError:           d.LastError,
		LastStatusCode:      d.LastStatusCode,
		LastResponseSnippet: d.LastResponseSnippet,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func toSubscriptionDTO(s *domain.Subscription) *SubscriptionDTO {
	return &SubscriptionDTO{
		ID:          s.ID,
		TenantID:    s.TenantID,
		Provider:    s.Provider,
		EventPrefix: s.EventPrefix,
		TargetURL:   s.TargetURL,
		Active:      s.Active,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
