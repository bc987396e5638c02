package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/relaypoint/webhook-relay/internal/adapter"
	"github.com/relaypoint/webhook-relay/internal/domain"
	"github.com/relaypoint/webhook-relay/internal/store"
	"github.com/relaypoint/webhook-relay/internal/webhook"
)

// Handler defines the interface for REST API handlers
type Handler interface {
	// PublishEvent accepts an event and fans it out to matching subscriptions
	// POST /api/v1/events
	PublishEvent(c *gin.Context)

	// ReceiveProviderEvent accepts an event posted by an upstream provider.
	// The Idempotency-Key header takes precedence over the body key.
	// POST /api/v1/webhooks/:provider
	ReceiveProviderEvent(c *gin.Context)

	// CreateDelivery creates a delivery to an explicit target URL
	// POST /api/v1/deliveries
	CreateDelivery(c *gin.Context)

	// GetDelivery retrieves a single delivery by ID
	// GET /api/v1/deliveries/:id
	GetDelivery(c *gin.Context)

	// CreateSubscription registers a new subscription
	// POST /api/v1/subscriptions
	CreateSubscription(c *gin.Context)

	// ListSubscriptions retrieves subscriptions with optional tenant/provider filters
	// GET /api/v1/subscriptions?tenant_id=<id>&provider=<name>
	ListSubscriptions(c *gin.Context)

	// DisableSubscription soft-deletes a subscription
	// POST /api/v1/subscriptions/:id/disable
	DisableSubscription(c *gin.Context)

	// EnableSubscription reactivates a disabled subscription
	// POST /api/v1/subscriptions/:id/enable
	EnableSubscription(c *gin.Context)

	// ListDeliveries retrieves deliveries with filters (admin)
	// GET /admin/deliveries?tenant_id=<id>&provider=<name>&event_type=<type>&status=<status>&take=<n>
	ListDeliveries(c *gin.Context)

	// RetryDelivery manually requeues a failed or dead delivery (admin)
	// POST /admin/deliveries/:id/retry
	RetryDelivery(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	store store.Store
	clock adapter.Clock
}

// NewHandler creates a new REST API handler
func NewHandler(st store.Store, clock adapter.Clock) Handler {
	return &handler{
		store: st,
		clock: clock,
	}
}

// HealthCheck returns the health status of the API
func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PublishEvent accepts an event and fans it out to matching subscriptions
func (h *handler) PublishEvent(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	h.fanOut(c, req.TenantID, req.Provider, req.EventType, string(req.Payload), req.IdempotencyKey)
}

// ReceiveProviderEvent accepts an event posted by an upstream provider
func (h *handler) ReceiveProviderEvent(c *gin.Context) {
	provider := c.Param("provider")

	var req ReceiveEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	// The header wins over the body so providers that only speak headers
	// still deduplicate correctly
	idempotencyKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if idempotencyKey == "" {
		idempotencyKey = req.IdempotencyKey
	}

	h.fanOut(c, req.TenantID, provider, req.EventType, string(req.Payload), idempotencyKey)
}

// fanOut resolves matching subscriptions and creates one published delivery
// per match, idempotently
func (h *handler) fanOut(c *gin.Context, tenantID, provider, eventType, payload, idempotencyKey string) {
	ctx := c.Request.Context()

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		// Time-sortable generated key; duplicates are then only caught for
		// submissions that carry an explicit key
		idempotencyKey = ulid.MustNewDefault(h.clock.Now()).String()
	}

	subs, err := h.store.ActiveSubscriptions(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(provider))
	if err != nil {
		respondInternalError(c, err, "Failed to load subscriptions")
		return
	}

	matched := webhook.ResolveAll(subs, eventType)
	if len(matched) == 0 {
		c.JSON(http.StatusOK, PublishEventResponse{DeliveryIDs: []string{}, Created: 0, Matched: 0})
		return
	}

	deliveries := make([]*domain.Delivery, 0, len(matched))
	for _, sub := range matched {
		// Target URL is frozen here; later subscription edits never move an
		// already-created delivery
		d, err := domain.NewDelivery(tenantID, provider, eventType, payload, idempotencyKey, sub.TargetURL)
		if err != nil {
			respondValidationError(c, err.Error())
			return
		}
		d.MarkPublished()
		deliveries = append(deliveries, d)
	}

	result, err := h.store.CreateDeliveries(ctx, deliveries)
	if err != nil {
		respondInternalError(c, err, "Failed to create deliveries")
		return
	}

	status := http.StatusOK
	if result.Created > 0 {
		status = http.StatusCreated
	}
	c.JSON(status, PublishEventResponse{
		DeliveryIDs: result.DeliveryIDs,
		Created:     result.Created,
		Matched:     len(matched),
	})
}

// CreateDelivery creates a delivery to an explicit target URL
func (h *handler) CreateDelivery(c *gin.Context) {
	var req CreateDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = ulid.MustNewDefault(h.clock.Now()).String()
	}

	d, err := domain.NewDelivery(req.TenantID, req.Provider, req.EventType, string(req.Payload), idempotencyKey, req.TargetURL)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}
	d.MarkPublished()

	result, err := h.store.CreateDeliveries(c.Request.Context(), []*domain.Delivery{d})
	if err != nil {
		respondInternalError(c, err, "Failed to create delivery")
		return
	}

	status := http.StatusOK
	if result.Created > 0 {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"delivery_id": result.DeliveryIDs[0], "created": result.Created > 0})
}

// GetDelivery retrieves a single delivery by ID
func (h *handler) GetDelivery(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondBadRequest(c, "Delivery ID is required")
		return
	}

	delivery, err := h.store.GetDelivery(c.Request.Context(), id)
	if err != nil {
		respondInternalError(c, err, "Failed to get delivery")
		return
	}
	if delivery == nil {
		respondNotFound(c, "Delivery not found")
		return
	}

	c.JSON(http.StatusOK, toDeliveryDTO(delivery))
}

// CreateSubscription registers a new subscription
func (h *handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	sub, err := domain.NewSubscription(req.TenantID, req.Provider, req.EventPrefix, req.TargetURL, req.Secret)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	if err := h.store.CreateSubscription(c.Request.Context(), sub); err != nil {
		respondInternalError(c, err, "Failed to create subscription")
		return
	}

	c.JSON(http.StatusCreated, toSubscriptionDTO(sub))
}

// ListSubscriptions retrieves subscriptions with optional filters
func (h *handler) ListSubscriptions(c *gin.Context) {
	filter := store.SubscriptionFilter{
		TenantID: c.Query("tenant_id"),
		Provider: c.Query("provider"),
	}

	subs, err := h.store.ListSubscriptions(c.Request.Context(), filter)
	if err != nil {
		respondInternalError(c, err, "Failed to list subscriptions")
		return
	}

	dtos := make([]*SubscriptionDTO, len(subs))
	for i, sub := range subs {
		dtos[i] = toSubscriptionDTO(sub)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": dtos})
}

// DisableSubscription soft-deletes a subscription
func (h *handler) DisableSubscription(c *gin.Context) {
	h.setSubscriptionActive(c, false)
}

// EnableSubscription reactivates a disabled subscription
func (h *handler) EnableSubscription(c *gin.Context) {
	h.setSubscriptionActive(c, true)
}

func (h *handler) setSubscriptionActive(c *gin.Context, active bool) {
	id := c.Param("id")
	if id == "" {
		respondBadRequest(c, "Subscription ID is required")
		return
	}

	sub, err := h.store.SetSubscriptionActive(c.Request.Context(), id, active)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			respondNotFound(c, "Subscription not found")
			return
		}
		respondInternalError(c, err, "Failed to update subscription")
		return
	}

	c.JSON(http.StatusOK, toSubscriptionDTO(sub))
}

// ListDeliveries retrieves deliveries with filters (admin)
func (h *handler) ListDeliveries(c *gin.Context) {
	filter := store.DeliveryFilter{
		TenantID:  c.Query("tenant_id"),
		Provider:  c.Query("provider"),
		EventType: c.Query("event_type"),
	}

	if status := c.Query("status"); status != "" {
		s := domain.DeliveryStatus(status)
		if !s.Valid() {
			respondValidationError(c, "unknown status: "+status)
			return
		}
		filter.Status = s
	}

	if take := c.Query("take"); take != "" {
		n, err := strconv.Atoi(take)
		if err != nil || n <= 0 {
			respondValidationError(c, "take must be a positive integer")
			return
		}
		filter.Take = n
	}

	deliveries, err := h.store.ListDeliveries(c.Request.Context(), filter)
	if err != nil {
		respondInternalError(c, err, "Failed to list deliveries")
		return
	}

	dtos := make([]*DeliveryDTO, len(deliveries))
	for i, d := range deliveries {
		dtos[i] = toDeliveryDTO(d)
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": dtos})
}

// RetryDelivery manually requeues a failed or dead delivery (admin)
func (h *handler) RetryDelivery(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respondBadRequest(c, "Delivery ID is required")
		return
	}

	delivery, err := h.store.RequeueDelivery(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDeliveryNotFound):
			respondNotFound(c, "Delivery not found")
		case errors.Is(err, domain.ErrDeliveryAlreadySucceeded):
			respondBadRequest(c, "Delivery already succeeded")
		default:
			respondInternalError(c, err, "Failed to requeue delivery")
		}
		return
	}

	c.JSON(http.StatusOK, toDeliveryDTO(delivery))
}
