package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscription is a standing registration of a target URL interested in
// events matching a prefix, scoped to tenant+provider.
type Subscription struct {
	ID       string
	TenantID string
	Provider string
	// EventPrefix is "*" (match all), a namespace prefix ending in "."
	// (e.g. "order."), or an exact event type
	EventPrefix string
	TargetURL   string
	Secret      string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewSubscription constructs an active subscription, normalizing the prefix
func NewSubscription(tenantID, provider, eventPrefix, targetURL, secret string) (*Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	provider = strings.TrimSpace(provider)
	eventPrefix = NormalizeEventPrefix(eventPrefix)
	targetURL = strings.TrimSpace(targetURL)

	switch {
	case tenantID == "":
		return nil, errors.New("tenantId is required")
	case provider == "":
		return nil, errors.New("provider is required")
	case eventPrefix == "":
		return nil, errors.New("eventPrefix is required")
	case targetURL == "":
		return nil, errors.New("targetUrl is required")
	case secret == "":
		return nil, errors.New("secret is required")
	}

	now := time.Now().UTC()
	return &Subscription{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Provider:    provider,
		EventPrefix: eventPrefix,
		TargetURL:   targetURL,
		Secret:      secret,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Disable soft-deletes the subscription; re-enable is permitted
func (s *Subscription) Disable() {
	s.Active = false
	s.UpdatedAt = time.Now().UTC()
}

// Enable reactivates a disabled subscription
func (s *Subscription) Enable() {
	s.Active = true
	s.UpdatedAt = time.Now().UTC()
}

// NormalizeEventPrefix trims the prefix and rewrites the "x.*" convention
// to the canonical trailing-dot form, so "order.*" and "order." are stored
// identically.
func NormalizeEventPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "*" {
		return "*"
	}
	if strings.HasSuffix(prefix, ".*") {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix
}
