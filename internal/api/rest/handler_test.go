package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relaypoint/webhook-relay/internal/adapter"
	"github.com/relaypoint/webhook-relay/internal/api/middleware"
	"github.com/relaypoint/webhook-relay/internal/domain"
	"github.com/relaypoint/webhook-relay/internal/logger"
	"github.com/relaypoint/webhook-relay/internal/store"
)

const testAPIKey = "test-api-key"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, store.AutoMigrate(db))
	st := store.NewDBStore(db)

	router := gin.New()
	SetupRoutes(router, NewHandler(st, adapter.NewClock()), middleware.AuthConfig{
		APIKeys: []string{testAPIKey},
	})
	return router, st
}

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSubscription(t *testing.T, st store.Store, prefix, targetURL string) *domain.Subscription {
	t.Helper()
	sub, err := domain.NewSubscription("tenant-1", "stripe", prefix, targetURL, "secret")
	require.NoError(t, err)
	require.NoError(t, st.CreateSubscription(context.Background(), sub))
	return sub
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestPublishEvent(t *testing.T) {
	router, st := newTestRouter(t)

	orderSub := createSubscription(t, st, "order.", "https://a.example.com/hook")
	wildcardSub := createSubscription(t, st, "*", "https://b.example.com/hook")
	createSubscription(t, st, "shipment.", "https://c.example.com/hook")

	body := map[string]any{
		"tenant_id":       "tenant-1",
		"provider":        "stripe",
		"event_type":      "order.created",
		"payload":         map[string]any{"order": 42},
		"idempotency_key": "pub-1",
	}

	t.Run("fans out to every matching subscription", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/events", body, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp PublishEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Matched)
		assert.Equal(t, 2, resp.Created)
		assert.Len(t, resp.DeliveryIDs, 2)

		// One published delivery per matching target, frozen at fan-out time
		targets := map[string]bool{}
		for _, id := range resp.DeliveryIDs {
			d, err := st.GetDelivery(context.Background(), id)
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.Equal(t, domain.DeliveryStatusPublished, d.Status)
			targets[d.TargetURL] = true
		}
		assert.True(t, targets[orderSub.TargetURL])
		assert.True(t, targets[wildcardSub.TargetURL])
	})

	t.Run("duplicate publish resolves to existing deliveries", func(t *testing.T) {
		first := doJSON(router, http.MethodPost, "/api/v1/events", body, nil)
		var firstResp PublishEventResponse
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

		second := doJSON(router, http.MethodPost, "/api/v1/events", body, nil)
		require.Equal(t, http.StatusOK, second.Code)

		var resp PublishEventResponse
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Created)
		assert.ElementsMatch(t, firstResp.DeliveryIDs, resp.DeliveryIDs)
	})

	t.Run("no matching subscription", func(t *testing.T) {
		noMatch := map[string]any{
			"tenant_id":       "tenant-unknown",
			"provider":        "stripe",
			"event_type":      "invoice.paid",
			"payload":         map[string]any{},
			"idempotency_key": "pub-2",
		}

		w := doJSON(router, http.MethodPost, "/api/v1/events", noMatch, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp PublishEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Zero(t, resp.Matched)
		assert.Zero(t, resp.Created)
		assert.Empty(t, resp.DeliveryIDs)
	})

	t.Run("missing provider matches nothing", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/events", map[string]any{
			"tenant_id":  "tenant-1",
			"event_type": "order.created",
		}, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestReceiveProviderEvent(t *testing.T) {
	router, st := newTestRouter(t)
	createSubscription(t, st, "order.", "https://a.example.com/hook")

	body := map[string]any{
		"tenant_id":       "tenant-1",
		"event_type":      "order.created",
		"payload":         map[string]any{"n": 1},
		"idempotency_key": "body-key",
	}

	t.Run("provider taken from path", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/webhooks/stripe", body, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp PublishEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.DeliveryIDs, 1)

		d, err := st.GetDelivery(context.Background(), resp.DeliveryIDs[0])
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "stripe", d.Provider)
		assert.Equal(t, "body-key", d.IdempotencyKey)
	})

	t.Run("header key takes precedence over body key", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/webhooks/stripe", body,
			map[string]string{"Idempotency-Key": "header-key"})
		require.Equal(t, http.StatusCreated, w.Code)

		var resp PublishEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.DeliveryIDs, 1)

		d, err := st.GetDelivery(context.Background(), resp.DeliveryIDs[0])
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "header-key", d.IdempotencyKey)
	})

	t.Run("missing key gets a generated one", func(t *testing.T) {
		keyless := map[string]any{
			"tenant_id":  "tenant-1",
			"event_type": "order.updated",
			"payload":    map[string]any{},
		}
		w := doJSON(router, http.MethodPost, "/api/v1/webhooks/stripe", keyless, nil)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp PublishEventResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.DeliveryIDs, 1)

		d, err := st.GetDelivery(context.Background(), resp.DeliveryIDs[0])
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.NotEmpty(t, d.IdempotencyKey)
	})
}

func TestCreateAndGetDelivery(t *testing.T) {
	router, _ := newTestRouter(t)

	body := map[string]any{
		"tenant_id":       "tenant-1",
		"provider":        "stripe",
		"event_type":      "order.created",
		"payload":         map[string]any{"n": 1},
		"idempotency_key": "direct-1",
		"target_url":      "https://a.example.com/hook",
	}

	w := doJSON(router, http.MethodPost, "/api/v1/deliveries", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		DeliveryID string `json:"delivery_id"`
		Created    bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.Created)
	require.NotEmpty(t, created.DeliveryID)

	t.Run("duplicate returns the existing delivery", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/deliveries", body, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var dup struct {
			DeliveryID string `json:"delivery_id"`
			Created    bool   `json:"created"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dup))
		assert.False(t, dup.Created)
		assert.Equal(t, created.DeliveryID, dup.DeliveryID)
	})

	t.Run("get returns the delivery", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/v1/deliveries/"+created.DeliveryID, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var dto DeliveryDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
		assert.Equal(t, created.DeliveryID, dto.ID)
		assert.Equal(t, "published", dto.Status)
		assert.JSONEq(t, `{"n":1}`, dto.Payload)
	})

	t.Run("get unknown delivery", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/v1/deliveries/00000000-0000-0000-0000-000000000000", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing target URL rejected", func(t *testing.T) {
		bad := map[string]any{
			"tenant_id":  "tenant-1",
			"provider":   "stripe",
			"event_type": "order.created",
		}
		w := doJSON(router, http.MethodPost, "/api/v1/deliveries", bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSubscriptionEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/subscriptions", map[string]any{
		"tenant_id":    "tenant-1",
		"provider":     "stripe",
		"event_prefix": "order.*",
		"target_url":   "https://a.example.com/hook",
		"secret":       "super-secret",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var sub SubscriptionDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, "order.", sub.EventPrefix)
	assert.True(t, sub.Active)

	t.Run("secret never leaves the API", func(t *testing.T) {
		assert.NotContains(t, w.Body.String(), "super-secret")
	})

	t.Run("list filters by provider", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/v1/subscriptions?provider=stripe", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Subscriptions []*SubscriptionDTO `json:"subscriptions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Subscriptions, 1)
	})

	t.Run("disable and enable round-trip", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/subscriptions/"+sub.ID+"/disable", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var disabled SubscriptionDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &disabled))
		assert.False(t, disabled.Active)

		w = doJSON(router, http.MethodPost, "/api/v1/subscriptions/"+sub.ID+"/enable", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var enabled SubscriptionDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enabled))
		assert.True(t, enabled.Active)
	})

	t.Run("toggle unknown subscription", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/subscriptions/00000000-0000-0000-0000-000000000000/disable", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid subscription rejected", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/v1/subscriptions", map[string]any{
			"tenant_id": "tenant-1",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAdminEndpoints(t *testing.T) {
	router, st := newTestRouter(t)
	authHeader := map[string]string{"Authorization": "APIKey " + testAPIKey}

	seed := func(t *testing.T, key string) *domain.Delivery {
		t.Helper()
		d, err := domain.NewDelivery("tenant-1", "stripe", "order.created", "{}", key, "https://a.example.com/hook")
		require.NoError(t, err)
		d.MarkPublished()
		_, err = st.CreateDeliveries(context.Background(), []*domain.Delivery{d})
		require.NoError(t, err)
		return d
	}

	t.Run("rejects missing credentials", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/admin/deliveries", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects wrong API key", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/admin/deliveries", nil,
			map[string]string{"Authorization": "APIKey wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("lists deliveries with filters", func(t *testing.T) {
		seed(t, "admin-list-1")
		seed(t, "admin-list-2")

		w := doJSON(router, http.MethodGet, "/admin/deliveries?status=published", nil, authHeader)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Deliveries []*DeliveryDTO `json:"deliveries"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, len(resp.Deliveries), 2)
	})

	t.Run("rejects unknown status filter", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/admin/deliveries?status=bogus", nil, authHeader)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("retry requeues a dead delivery", func(t *testing.T) {
		d := seed(t, "admin-retry-1")

		claimed, err := st.ClaimDue(context.Background(), time.Now().UTC(), 100)
		require.NoError(t, err)
		var target *domain.Delivery
		for _, c := range claimed {
			if c.ID == d.ID {
				target = c
			}
		}
		require.NotNil(t, target)
		target.MarkDead("HTTP 500", nil, nil)
		require.NoError(t, st.RecordOutcome(context.Background(), target))

		w := doJSON(router, http.MethodPost, "/admin/deliveries/"+d.ID+"/retry", nil, authHeader)
		require.Equal(t, http.StatusOK, w.Code)

		var dto DeliveryDTO
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dto))
		assert.Equal(t, "published", dto.Status)
	})

	t.Run("retry rejected for succeeded delivery", func(t *testing.T) {
		d := seed(t, "admin-retry-2")

		claimed, err := st.ClaimDue(context.Background(), time.Now().UTC(), 100)
		require.NoError(t, err)
		var target *domain.Delivery
		for _, c := range claimed {
			if c.ID == d.ID {
				target = c
			}
		}
		require.NotNil(t, target)
		code := 200
		target.MarkSucceeded(&code, nil)
		require.NoError(t, st.RecordOutcome(context.Background(), target))

		w := doJSON(router, http.MethodPost, "/admin/deliveries/"+d.ID+"/retry", nil, authHeader)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("retry unknown delivery", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/admin/deliveries/00000000-0000-0000-0000-000000000000/retry", nil, authHeader)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
