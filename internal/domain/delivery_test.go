package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDelivery(t *testing.T) *Delivery {
	t.Helper()
	d, err := NewDelivery("tenant-1", "stripe", "order.created", `{"a":1}`, "idem-1", "https://example.com/hook")
	require.NoError(t, err)
	return d
}

func TestNewDelivery(t *testing.T) {
	t.Run("starts in received state", func(t *testing.T) {
		d := newTestDelivery(t)
		assert.Equal(t, DeliveryStatusReceived, d.Status)
		assert.NotEmpty(t, d.ID)
		assert.Zero(t, d.RetryCount)
		assert.Zero(t, d.AttemptCount)
		assert.Nil(t, d.NextRetryAt)
	})

	t.Run("trims identifying fields", func(t *testing.T) {
		d, err := NewDelivery("  tenant-1 ", " stripe ", " order.created ", "{}", " k ", " https://example.com ")
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", d.TenantID)
		assert.Equal(t, "order.created", d.EventType)
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		_, err := NewDelivery("", "stripe", "order.created", "{}", "k", "https://example.com")
		assert.Error(t, err)
		_, err = NewDelivery("tenant", "", "order.created", "{}", "k", "https://example.com")
		assert.Error(t, err)
		_, err = NewDelivery("tenant", "stripe", "", "{}", "k", "https://example.com")
		assert.Error(t, err)
		_, err = NewDelivery("tenant", "stripe", "order.created", "{}", "", "https://example.com")
		assert.Error(t, err)
		_, err = NewDelivery("tenant", "stripe", "order.created", "{}", "k", "")
		assert.Error(t, err)
	})

	t.Run("empty payload is allowed", func(t *testing.T) {
		_, err := NewDelivery("tenant", "stripe", "order.created", "", "k", "https://example.com")
		assert.NoError(t, err)
	})
}

func TestDeliveryTransitions(t *testing.T) {
	t.Run("processing increments attempt count and stamps attempt time", func(t *testing.T) {
		d := newTestDelivery(t)
		d.MarkPublished()
		now := time.Now().UTC()
		d.MarkProcessing(now)

		assert.Equal(t, DeliveryStatusProcessing, d.Status)
		assert.Equal(t, 1, d.AttemptCount)
		require.NotNil(t, d.LastAttemptAt)
		assert.Equal(t, now, *d.LastAttemptAt)
	})

	t.Run("succeeded clears error and retry scheduling", func(t *testing.T) {
		d := newTestDelivery(t)
		d.MarkPublished()
		d.MarkProcessing(time.Now())
		d.MarkFailed("HTTP 500", 5*time.Second, nil, nil)
		d.MarkProcessing(time.Now())

		code := 200
		body := "ok"
		d.MarkSucceeded(&code, &body)

		assert.Equal(t, DeliveryStatusSucceeded, d.Status)
		assert.Nil(t, d.LastError)
		assert.Nil(t, d.NextRetryAt)
		assert.Equal(t, 200, *d.LastStatusCode)
	})

	t.Run("failed schedules next retry after last attempt", func(t *testing.T) {
		d := newTestDelivery(t)
		d.MarkPublished()
		d.MarkProcessing(time.Now())
		d.MarkFailed("connection refused", 30*time.Second, nil, nil)

		assert.Equal(t, DeliveryStatusFailed, d.Status)
		assert.Equal(t, 1, d.RetryCount)
		require.NotNil(t, d.NextRetryAt)
		require.NotNil(t, d.LastAttemptAt)
		assert.True(t, d.NextRetryAt.After(*d.LastAttemptAt))
		require.NotNil(t, d.LastError)
		assert.Equal(t, "connection refused", *d.LastError)
	})

	t.Run("dead is terminal and clears next retry", func(t *testing.T) {
		d := newTestDelivery(t)
		d.MarkPublished()
		d.MarkProcessing(time.Now())
		d.MarkFailed("HTTP 500", 5*time.Second, nil, nil)
		d.MarkDead("HTTP 500", nil, nil)

		assert.Equal(t, DeliveryStatusDead, d.Status)
		assert.True(t, d.Status.Terminal())
		assert.Nil(t, d.NextRetryAt)
	})

	t.Run("manual requeue resets to published", func(t *testing.T) {
		d := newTestDelivery(t)
		d.MarkPublished()
		d.MarkProcessing(time.Now())
		d.MarkDead("HTTP 500", nil, nil)

		require.NoError(t, d.MarkQueuedForManualRetry())
		assert.Equal(t, DeliveryStatusPublished, d.Status)
		assert.Nil(t, d.NextRetryAt)
		assert.Nil(t, d.LastError)
	})

	t.Run("manual requeue rejected for succeeded", func(t *testing.T) {
		d := newTestDelivery(t)
		d.MarkPublished()
		d.MarkProcessing(time.Now())
		code := 200
		d.MarkSucceeded(&code, nil)

		err := d.MarkQueuedForManualRetry()
		assert.ErrorIs(t, err, ErrDeliveryAlreadySucceeded)
		assert.Equal(t, DeliveryStatusSucceeded, d.Status)
	})
}

func TestResponseSnippetTruncation(t *testing.T) {
	d := newTestDelivery(t)
	d.MarkProcessing(time.Now())

	long := strings.Repeat("x", 5000)
	code := 502
	d.MarkFailed("HTTP 502", time.Second, &code, &long)

	require.NotNil(t, d.LastResponseSnippet)
	assert.Len(t, *d.LastResponseSnippet, 1024)
}

func TestNormalizeEventPrefix(t *testing.T) {
	assert.Equal(t, "*", NormalizeEventPrefix("*"))
	assert.Equal(t, "order.", NormalizeEventPrefix("order.*"))
	assert.Equal(t, "order.", NormalizeEventPrefix("order."))
	assert.Equal(t, "order.created", NormalizeEventPrefix(" order.created "))
}
