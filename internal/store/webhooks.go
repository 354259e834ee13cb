package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/webhook"
	"github.com/waveflow-go/pkg/database"
)

type WebhookStore struct {
	db *database.DB
}

func NewWebhookStore(db *database.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

func (s *WebhookStore) Create(ctx context.Context, sub *webhook.Subscription) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *WebhookStore) Update(ctx context.Context, sub *webhook.Subscription) error {
	sub.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Save(sub).Error
}

func (s *WebhookStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&webhook.Subscription{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return webhook.ErrSubscriptionNotFound
	}
	return nil
}

func (s *WebhookStore) GetByID(ctx context.Context, id string) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, webhook.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *WebhookStore) ListActive(ctx context.Context) ([]*webhook.Subscription, error) {
	var subs []*webhook.Subscription
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&subs).Error
	return subs, err
}

func (s *WebhookStore) List(ctx context.Context, userID string, pagination *database.Pagination) ([]*webhook.Subscription, error) {
	query := s.db.WithContext(ctx).Model(&webhook.Subscription{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var subs []*webhook.Subscription
	err := s.db.Paginate(ctx, &subs, pagination, query)
	return subs, err
}

// RecordDelivery logs one delivery outcome and rolls the subscription's
// failure counter: reset on success, incremented on failure.
func (s *WebhookStore) RecordDelivery(ctx context.Context, delivery *webhook.Delivery, succeeded bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(delivery).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"last_sent_at": time.Now(),
			"updated_at":   time.Now(),
		}
		if succeeded {
			updates["failure_count"] = 0
		} else {
			updates["failure_count"] = gorm.Expr("failure_count + 1")
		}
		return tx.Model(&webhook.Subscription{}).
			Where("id = ?", delivery.SubscriptionID).
			Updates(updates).Error
	})
}

func (s *WebhookStore) Deliveries(ctx context.Context, subscriptionID string, limit int) ([]*webhook.Delivery, error) {
	var deliveries []*webhook.Delivery
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}
