package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// responseSnippetMaxLen bounds the stored response body excerpt
const responseSnippetMaxLen = 1024

// Delivery is one tracked attempt to send a specific event to a specific
// subscriber endpoint. Fields are mutated only through the Mark* transition
// methods so the state machine invariants hold everywhere the record travels.
type Delivery struct {
	ID             string
	TenantID       string
	Provider       string
	EventType      string
	Payload        string
	IdempotencyKey string
	// TargetURL is resolved at creation time and never re-resolved on retry
	TargetURL string

	Status DeliveryStatus

	RetryCount    int
	AttemptCount  int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time

	LastError           *string
	LastStatusCode      *int
	LastResponseSnippet *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDelivery constructs a delivery in the Received state.
// All identifying fields are required; payload may be empty.
func NewDelivery(tenantID, provider, eventType, payload, idempotencyKey, targetURL string) (*Delivery, error) {
	tenantID = strings.TrimSpace(tenantID)
	provider = strings.TrimSpace(provider)
	eventType = strings.TrimSpace(eventType)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	targetURL = strings.TrimSpace(targetURL)

	switch {
	case tenantID == "":
		return nil, errors.New("tenantId is required")
	case provider == "":
		return nil, errors.New("provider is required")
	case eventType == "":
		return nil, errors.New("eventType is required")
	case idempotencyKey == "":
		return nil, errors.New("idempotencyKey is required")
	case targetURL == "":
		return nil, errors.New("targetUrl is required")
	}

	now := time.Now().UTC()
	return &Delivery{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Provider:       provider,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		TargetURL:      targetURL,
		Status:         DeliveryStatusReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkPublished makes the delivery eligible for claim
func (d *Delivery) MarkPublished() {
	d.Status = DeliveryStatusPublished
	d.UpdatedAt = time.Now().UTC()
}

// MarkProcessing records the start of a dispatch attempt
func (d *Delivery) MarkProcessing(now time.Time) {
	d.Status = DeliveryStatusProcessing
	d.AttemptCount++
	t := now.UTC()
	d.LastAttemptAt = &t
	d.UpdatedAt = t
}

// MarkSucceeded finalizes the delivery; clears error and retry scheduling
func (d *Delivery) MarkSucceeded(statusCode *int, responseSnippet *string) {
	d.Status = DeliveryStatusSucceeded
	d.LastError = nil
	d.NextRetryAt = nil
	d.LastStatusCode = statusCode
	d.LastResponseSnippet = truncateSnippet(responseSnippet)
	d.UpdatedAt = time.Now().UTC()
}

// MarkFailed schedules the next retry after the given delay
func (d *Delivery) MarkFailed(errMsg string, retryDelay time.Duration, statusCode *int, responseSnippet *string) {
	d.RetryCount++
	d.Status = DeliveryStatusFailed
	d.LastError = &errMsg
	next := time.Now().UTC().Add(retryDelay)
	d.NextRetryAt = &next
	d.LastStatusCode = statusCode
	d.LastResponseSnippet = truncateSnippet(responseSnippet)
	d.UpdatedAt = time.Now().UTC()
}

// MarkDead moves the delivery to its terminal failure state
func (d *Delivery) MarkDead(errMsg string, statusCode *int, responseSnippet *string) {
	d.Status = DeliveryStatusDead
	d.LastError = &errMsg
	d.NextRetryAt = nil
	d.LastStatusCode = statusCode
	d.LastResponseSnippet = truncateSnippet(responseSnippet)
	d.UpdatedAt = time.Now().UTC()
}

// MarkQueuedForManualRetry requeues a failed or dead delivery (operator action)
func (d *Delivery) MarkQueuedForManualRetry() error {
	if d.Status == DeliveryStatusSucceeded {
		return ErrDeliveryAlreadySucceeded
	}
	d.Status = DeliveryStatusPublished
	d.NextRetryAt = nil
	d.LastError = nil
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func truncateSnippet(s *string) *string {
	if s == nil || len(*s) <= responseSnippetMaxLen {
		return s
	}
	truncated := (*s)[:responseSnippetMaxLen]
	return &truncated
}
