package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaypoint/webhook-relay/internal/domain"
	"github.com/relaypoint/webhook-relay/internal/store/schema"
)

const (
	defaultListTake = 50
	maxListTake     = 200

	staleReclaimError = "processing timed out; reclaimed for retry"
)

type dbStore struct {
	db *gorm.DB
}

// NewDBStore creates a new GORM-backed store instance
func NewDBStore(db *gorm.DB) Store {
	return &dbStore{db: db}
}

// AutoMigrate creates or updates the delivery and subscription tables
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&schema.WebhookDelivery{}, &schema.WebhookSubscription{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ConfigureConnectionPool configures the connection pool settings for a GORM
// database connection. Zero values fall back to defaults:
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if maxOpenConns == 0 {
		maxOpenConns = 20
	}
	if maxIdleConns == 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime == 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 10 * time.Minute
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// supportsSkipLocked reports whether the dialect understands
// SELECT ... FOR UPDATE SKIP LOCKED. SQLite serializes writers, so claim
// exclusivity holds there without row locks.
func (s *dbStore) supportsSkipLocked() bool {
	return s.db.Dialector.Name() == "postgres"
}

// CreateDeliveries inserts a batch of deliveries idempotently. Duplicates on
// (tenant_id, provider, idempotency_key, target_url) are skipped via
// ON CONFLICT DO NOTHING and resolved to the existing row's ID by re-read.
func (s *dbStore) CreateDeliveries(ctx context.Context, deliveries []*domain.Delivery) (*CreateDeliveriesResult, error) {
	if len(deliveries) == 0 {
		return &CreateDeliveriesResult{DeliveryIDs: []string{}}, nil
	}

	rows := make([]schema.WebhookDelivery, len(deliveries))
	for i, d := range deliveries {
		rows[i] = toSchemaDelivery(d)
	}

	result := &CreateDeliveriesResult{DeliveryIDs: make([]string, len(deliveries))}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "provider"},
				{Name: "idempotency_key"}, {Name: "target_url"},
			},
			DoNothing: true,
		}).Create(&rows)
		if res.Error != nil {
			return fmt.Errorf("failed to create deliveries: %w", res.Error)
		}
		result.Created = int(res.RowsAffected)

		// Resolve every input row to its stored ID, including rows that
		// collided with a pre-existing delivery.
		for i, d := range deliveries {
			var stored schema.WebhookDelivery
			err := tx.Select("id").
				Where("tenant_id = ? AND provider = ? AND idempotency_key = ? AND target_url = ?",
					d.TenantID, d.Provider, d.IdempotencyKey, d.TargetURL).
				First(&stored).Error
			if err != nil {
				return fmt.Errorf("failed to resolve delivery ID: %w", err)
			}
			result.DeliveryIDs[i] = stored.ID
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetDelivery retrieves a delivery by ID
func (s *dbStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	var row schema.WebhookDelivery
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return toDomainDelivery(&row), nil
}

// ListDeliveries retrieves deliveries matching the filter, newest first
func (s *dbStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*domain.Delivery, error) {
	query := s.db.WithContext(ctx).Model(&schema.WebhookDelivery{})

	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}

	take := filter.Take
	if take <= 0 {
		take = defaultListTake
	}
	if take > maxListTake {
		take = maxListTake
	}

	var rows []schema.WebhookDelivery
	err := query.Order("created_at DESC").Limit(take).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	deliveries := make([]*domain.Delivery, len(rows))
	for i := range rows {
		deliveries[i] = toDomainDelivery(&rows[i])
	}
	return deliveries, nil
}

// ClaimDue claims up to batch eligible deliveries in a single transaction.
// On postgres the candidate rows are locked with FOR UPDATE SKIP LOCKED so
// concurrent dispatchers skip each other's claims instead of blocking.
func (s *dbStore) ClaimDue(ctx context.Context, now time.Time, batch int) ([]*domain.Delivery, error) {
	if batch <= 0 {
		return []*domain.Delivery{}, nil
	}

	var claimed []*domain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("status = ? OR (status = ? AND next_retry_at <= ?)",
				string(domain.DeliveryStatusPublished), string(domain.DeliveryStatusFailed), now.UTC()).
			Order("created_at ASC").
			Limit(batch)
		if s.supportsSkipLocked() {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []schema.WebhookDelivery
		if err := query.Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to select due deliveries: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}

		attemptAt := now.UTC()
		err := tx.Model(&schema.WebhookDelivery{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":          string(domain.DeliveryStatusProcessing),
				"attempt_count":   gorm.Expr("attempt_count + 1"),
				"last_attempt_at": attemptAt,
				"updated_at":      attemptAt,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to mark deliveries processing: %w", err)
		}

		claimed = make([]*domain.Delivery, len(rows))
		for i := range rows {
			d := toDomainDelivery(&rows[i])
			d.MarkProcessing(attemptAt)
			claimed[i] = d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = []*domain.Delivery{}
	}

	return claimed, nil
}

// RecordOutcome persists the delivery's post-dispatch state
func (s *dbStore) RecordOutcome(ctx context.Context, delivery *domain.Delivery) error {
	row := toSchemaDelivery(delivery)
	err := s.db.WithContext(ctx).Model(&schema.WebhookDelivery{}).
		Where("id = ?", delivery.ID).
		Updates(map[string]interface{}{
			"status":                row.Status,
			"retry_count":           row.RetryCount,
			"attempt_count":         row.AttemptCount,
			"last_attempt_at":       row.LastAttemptAt,
			"next_retry_at":         row.NextRetryAt,
			"last_error":            row.LastError,
			"last_status_code":      row.LastStatusCode,
			"last_response_snippet": row.LastResponseSnippet,
			"updated_at":            row.UpdatedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}
	return nil
}

// ReclaimStale returns crashed-dispatcher claims to the retry pool.
// A processing row whose attempt started before the cutoff is assumed
// orphaned and moved back to failed, eligible immediately.
func (s *dbStore) ReclaimStale(ctx context.Context, olderThan time.Time, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&schema.WebhookDelivery{}).
		Where("status = ? AND last_attempt_at < ?", string(domain.DeliveryStatusProcessing), olderThan.UTC()).
		Updates(map[string]interface{}{
			"status":        string(domain.DeliveryStatusFailed),
			"next_retry_at": now.UTC(),
			"last_error":    staleReclaimError,
			"updated_at":    now.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reclaim stale deliveries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RequeueDelivery puts a failed or dead delivery back on the queue
func (s *dbStore) RequeueDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	var requeued *domain.Delivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("id = ?", id)
		if s.supportsSkipLocked() {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var row schema.WebhookDelivery
		if err := query.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrDeliveryNotFound
			}
			return fmt.Errorf("failed to get delivery: %w", err)
		}

		d := toDomainDelivery(&row)
		if err := d.MarkQueuedForManualRetry(); err != nil {
			return err
		}

		updated := toSchemaDelivery(d)
		err := tx.Model(&schema.WebhookDelivery{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":        updated.Status,
				"next_retry_at": updated.NextRetryAt,
				"last_error":    updated.LastError,
				"updated_at":    updated.UpdatedAt,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to requeue delivery: %w", err)
		}

		requeued = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// CreateSubscription stores a new subscription
func (s *dbStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	row := toSchemaSubscription(sub)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID
func (s *dbStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var row schema.WebhookSubscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return toDomainSubscription(&row), nil
}

// ListSubscriptions retrieves subscriptions matching the filter
func (s *dbStore) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*domain.Subscription, error) {
	query := s.db.WithContext(ctx).Model(&schema.WebhookSubscription{})

	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Provider != "" {
		query = query.Where("provider = ?", filter.Provider)
	}

	var rows []schema.WebhookSubscription
	err := query.Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]*domain.Subscription, len(rows))
	for i := range rows {
		subs[i] = toDomainSubscription(&rows[i])
	}
	return subs, nil
}

// SetSubscriptionActive toggles a subscription's active flag
func (s *dbStore) SetSubscriptionActive(ctx context.Context, id string, active bool) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row schema.WebhookSubscription
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		sub := toDomainSubscription(&row)
		if active {
			sub.Enable()
		} else {
			sub.Disable()
		}

		err := tx.Model(&schema.WebhookSubscription{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"active":     sub.Active,
				"updated_at": sub.UpdatedAt,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}

		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ActiveSubscriptions retrieves the active subscriptions for a tenant+provider
func (s *dbStore) ActiveSubscriptions(ctx context.Context, tenantID, provider string) ([]*domain.Subscription, error) {
	var rows []schema.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ? AND active = ?", tenantID, provider, true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscriptions: %w", err)
	}

	subs := make([]*domain.Subscription, len(rows))
	for i := range rows {
		subs[i] = toDomainSubscription(&rows[i])
	}
	return subs, nil
}

func toSchemaDelivery(d *domain.Delivery) schema.WebhookDelivery {
	return schema.WebhookDelivery{
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

func toDomainDelivery(row *schema.WebhookDelivery) *domain.Delivery {
	return &domain.Delivery{
		ID:                  row.ID,
		TenantID:            row.TenantID,
		Provider:            row.Provider,
		EventType:           row.EventType,
		Payload:             row.Payload,
		IdempotencyKey:      row.IdempotencyKey,
		TargetURL:           row.TargetURL,
		Status:              domain.DeliveryStatus(row.Status),
		RetryCount:          row.RetryCount,
		AttemptCount:        row.AttemptCount,
		LastAttemptAt:       row.LastAttemptAt,
		NextRetryAt:         row.NextRetryAt,
		LastError:           row.LastError,
		LastStatusCode:      row.LastStatusCode,
		LastResponseSnippet: row.LastResponseSnippet,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
}

func toSchemaSubscription(s *domain.Subscription) schema.WebhookSubscription {
	return schema.WebhookSubscription{
		ID:          s.ID,
		TenantID:    s.TenantID,
		Provider:    s.Provider,
		EventPrefix: s.EventPrefix,
		TargetURL:   s.TargetURL,
		Secret:      s.Secret,
		Active:      s.Active,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toDomainSubscription(row *schema.WebhookSubscription) *domain.Subscription {
	return &domain.Subscription{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Provider:    row.Provider,
		EventPrefix: row.EventPrefix,
		TargetURL:   row.TargetURL,
		Secret:      row.Secret,
		Active:      row.Active,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}
