package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/relaypoint/webhook-relay/internal/adapter"
	"github.com/relaypoint/webhook-relay/internal/domain"
	"github.com/relaypoint/webhook-relay/internal/logger"
	"github.com/relaypoint/webhook-relay/internal/retry"
	"github.com/relaypoint/webhook-relay/internal/store"
	"github.com/relaypoint/webhook-relay/internal/webhook"
)

// maxResponseSnippet limits how much of a receiver's response body is read
// and persisted per attempt
const maxResponseSnippet = 4 * 1024

const userAgent = "Webhook-Relay/1.0"

// Config holds dispatch loop configuration
type Config struct {
	// BatchSize is the maximum number of deliveries claimed per cycle
	BatchSize int
	// IdleInterval is the sleep between cycles when nothing was claimed
	IdleInterval time.Duration
	// ProcessingTimeout is how long a processing claim may stand before it
	// is considered orphaned by a crashed dispatcher
	ProcessingTimeout time.Duration
	// PoolSize bounds concurrent in-flight deliveries
	PoolSize int
}

// Dispatcher drains the delivery queue: claim a batch, send each delivery
// over HTTP with an HMAC signature, and record the outcome through the retry
// policy. Multiple instances may run against the same database; claim
// exclusivity is enforced by the store.
type Dispatcher struct {
	config     *Config
	store      store.Store
	httpClient adapter.HTTPClient
	clock      adapter.Clock
	policy     *retry.Policy
	pool       pond.Pool
	running    atomic.Bool
	stopChan   chan struct{}
	stoppedCh  chan struct{}
}

// NewDispatcher creates a new dispatcher from injected dependencies
func NewDispatcher(
	config *Config,
	st store.Store,
	httpClient adapter.HTTPClient,
	clock adapter.Clock,
	policy *retry.Policy,
) *Dispatcher {
	return &Dispatcher{
		config:     config,
		store:      st,
		httpClient: httpClient,
		clock:      clock,
		policy:     policy,
		stopChan:   make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Start begins the dispatch loop. It blocks until the context is canceled
// or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer func() {
		d.running.Store(false)
		close(d.stoppedCh) // Signal that we've stopped
	}()

	logger.InfoCtx(ctx, "Starting delivery dispatcher",
		zap.Int("batch_size", d.config.BatchSize),
		zap.Int("pool_size", d.config.PoolSize),
		zap.Duration("idle_interval", d.config.IdleInterval),
		zap.Duration("processing_timeout", d.config.ProcessingTimeout),
	)

	d.pool = pond.NewPool(
		d.config.PoolSize,
		pond.WithQueueSize(d.config.BatchSize),
		pond.WithContext(ctx),
	)

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Dispatcher stopping due to context cancellation", zap.Error(ctx.Err()))
			d.cleanup()
			return nil
		case <-d.stopChan:
			logger.InfoCtx(ctx, "Dispatcher stop requested")
			d.cleanup()
			return nil
		default:
			if err := d.runDispatchCycle(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.ErrorCtx(ctx, err)
				}
			}
		}
	}
}

// cleanup stops the worker pool and waits for in-flight deliveries
func (d *Dispatcher) cleanup() {
	if d.pool != nil {
		d.pool.StopAndWait()
	}
}

// Stop gracefully stops the dispatcher with timeout support
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	logger.InfoCtx(ctx, "Stopping dispatcher")

	close(d.stopChan)

	select {
	case <-d.stoppedCh:
		logger.InfoCtx(ctx, "Dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Dispatcher stop interrupted by context timeout")
		return ctx.Err()
	}
}

// runDispatchCycle runs a single claim-and-dispatch cycle
func (d *Dispatcher) runDispatchCycle(ctx context.Context) error {
	startTime := d.clock.Now()

	// Return claims orphaned by crashed dispatchers to the retry pool
	// before claiming new work
	reclaimed, err := d.store.ReclaimStale(ctx, startTime.Add(-d.config.ProcessingTimeout), startTime)
	if err != nil {
		logger.WarnCtx(ctx, "Failed to reclaim stale deliveries", zap.Error(err))
	} else if reclaimed > 0 {
		logger.InfoCtx(ctx, "Reclaimed stale deliveries", zap.Int64("count", reclaimed))
	}

	deliveries, err := d.claimWithRetry(ctx, startTime)
	if err != nil {
		// Claim kept failing; idle so the next cycle starts fresh instead
		// of hammering a struggling database
		if !d.sleep(ctx, d.config.IdleInterval) {
			return ctx.Err()
		}
		return fmt.Errorf("failed to claim deliveries: %w", err)
	}

	if len(deliveries) == 0 {
		if !d.sleep(ctx, d.config.IdleInterval) {
			return ctx.Err()
		}
		return nil
	}

	logger.InfoCtx(ctx, "Claimed deliveries", zap.Int("count", len(deliveries)))

	var succeeded, failed, dead atomic.Int32

	for _, delivery := range deliveries {
		d.pool.Submit(func() {
			d.dispatchOne(ctx, delivery, &succeeded, &failed, &dead)
		})
	}

	// Wait for the whole batch before the next claim
	d.pool.StopAndWait()

	// Recreate pool for next cycle
	d.pool = pond.NewPool(
		d.config.PoolSize,
		pond.WithQueueSize(d.config.BatchSize),
		pond.WithContext(ctx),
	)

	logger.InfoCtx(ctx, "Dispatch cycle completed",
		zap.Duration("duration", d.clock.Since(startTime)),
		zap.Int("claimed", len(deliveries)),
		zap.Int32("succeeded", succeeded.Load()),
		zap.Int32("failed", failed.Load()),
		zap.Int32("dead", dead.Load()),
	)

	return nil
}

// claimWithRetry claims a batch, retrying transient store errors with
// exponential backoff so a database hiccup does not kill the cycle
func (d *Dispatcher) claimWithRetry(ctx context.Context, now time.Time) ([]*domain.Delivery, error) {
	var claimed []*domain.Delivery

	operation := func() error {
		var err error
		claimed, err = d.store.ClaimDue(ctx, now, d.config.BatchSize)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.RandomizationFactor = 0.5

	notify := func(err error, duration time.Duration) {
		logger.WarnCtx(ctx, "Claim failed, retrying",
			zap.Error(err),
			zap.Duration("next_retry_in", duration),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	return claimed, nil
}

// dispatchOne performs a single delivery attempt and records the outcome.
// Failures here never propagate: each delivery's fate is isolated from the
// rest of the batch.
func (d *Dispatcher) dispatchOne(ctx context.Context, delivery *domain.Delivery, succeeded, failed, dead *atomic.Int32) {
	subs, err := d.store.ActiveSubscriptions(ctx, delivery.TenantID, delivery.Provider)
	if err != nil {
		logger.ErrorCtx(ctx, err, zap.String("delivery_id", delivery.ID))
		d.recordFailure(ctx, delivery, fmt.Sprintf("failed to load subscriptions: %v", err), nil, nil, failed, dead)
		return
	}

	sub := webhook.ResolveBest(subs, delivery.EventType, delivery.TargetURL)
	if sub == nil {
		// No signing secret available; retrying cannot help
		delivery.MarkDead("no active subscription", nil, nil)
		dead.Add(1)
		d.recordOutcomeWithRetry(ctx, delivery)
		logger.WarnCtx(ctx, "Delivery dead: no active subscription",
			zap.String("delivery_id", delivery.ID),
			zap.String("event_type", delivery.EventType),
		)
		return
	}

	// Each attempt gets a fresh timestamp and signature so receivers can
	// enforce a replay window
	timestamp := fmt.Sprintf("%d", d.clock.Now().Unix())
	headers := map[string]string{
		"Content-Type":        "application/json",
		"User-Agent":          userAgent,
		"X-Webhook-Id":        delivery.ID,
		"X-Webhook-Timestamp": timestamp,
		"X-Webhook-Signature": webhook.SignatureHeader(sub.Secret, timestamp, delivery.Payload),
		"X-Webhook-Event":     delivery.EventType,
		"X-Webhook-Provider":  delivery.Provider,
	}

	resp, err := d.httpClient.Do(ctx, delivery.TargetURL, headers, strings.NewReader(delivery.Payload))
	if err != nil {
		d.recordFailure(ctx, delivery, err.Error(), nil, nil, failed, dead)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.WarnCtx(ctx, "failed to close response body", zap.Error(err), zap.String("url", delivery.TargetURL))
		}
	}()

	// Read the response body with a size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSnippet))
	if err != nil {
		// Continue with empty body - the status code decides the outcome
		respBody = []byte{}
	}
	snippet := string(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.MarkSucceeded(&resp.StatusCode, &snippet)
		succeeded.Add(1)
		d.recordOutcomeWithRetry(ctx, delivery)
		logger.InfoCtx(ctx, "Delivery succeeded",
			zap.String("delivery_id", delivery.ID),
			zap.Int("status_code", resp.StatusCode),
			zap.Int("attempt", delivery.AttemptCount),
		)
		return
	}

	d.recordFailure(ctx, delivery, fmt.Sprintf("HTTP %d", resp.StatusCode), &resp.StatusCode, &snippet, failed, dead)
}

// recordFailure applies the retry policy to a failed attempt: schedule the
// next retry, or move the delivery to the dead letter state when the failure
// budget is spent
func (d *Dispatcher) recordFailure(ctx context.Context, delivery *domain.Delivery, errMsg string, statusCode *int, snippet *string, failed, dead *atomic.Int32) {
	// The about-to-be-recorded failure number
	attemptIndex := delivery.RetryCount + 1

	if d.policy.Exhausted(attemptIndex) {
		delivery.MarkDead(errMsg, statusCode, snippet)
		dead.Add(1)
		logger.WarnCtx(ctx, "Delivery dead: retries exhausted",
			zap.String("delivery_id", delivery.ID),
			zap.Int("retry_count", delivery.RetryCount),
			zap.String("error", errMsg),
		)
	} else {
		delay := d.policy.Delay(attemptIndex)
		delivery.MarkFailed(errMsg, delay, statusCode, snippet)
		failed.Add(1)
		logger.InfoCtx(ctx, "Delivery failed, scheduled for retry",
			zap.String("delivery_id", delivery.ID),
			zap.Int("retry_count", delivery.RetryCount),
			zap.Duration("retry_in", delay),
			zap.String("error", errMsg),
		)
	}

	d.recordOutcomeWithRetry(ctx, delivery)
}

// recordOutcomeWithRetry persists the outcome with exponential backoff. If
// the store stays down past the budget the row is left in processing and the
// stale reclaim will return it to the queue.
func (d *Dispatcher) recordOutcomeWithRetry(ctx context.Context, delivery *domain.Delivery) {
	operation := func() error {
		return d.store.RecordOutcome(ctx, delivery)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.RandomizationFactor = 0.5

	notify := func(err error, duration time.Duration) {
		logger.WarnCtx(ctx, "Failed to record delivery outcome, retrying",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID),
			zap.Duration("next_retry_in", duration),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to record delivery outcome after retries: %w", err),
			zap.String("delivery_id", delivery.ID),
			zap.String("status", string(delivery.Status)),
		)
	}
}

// sleep sleeps for the given duration but can be interrupted by context
// cancellation or a stop request. Returns false when interrupted.
func (d *Dispatcher) sleep(ctx context.Context, duration time.Duration) bool {
	select {
	case <-d.clock.After(duration):
		return true
	case <-ctx.Done():
		return false
	case <-d.stopChan:
		return false
	}
}
