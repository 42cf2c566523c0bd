package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crestron-shades-backend/internal/model"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("store: subscription not found")

// Store defines the interface for all database operations.
type Store interface {
	// UpsertSubscription creates or replaces a subscription and the hubs it
	// follows. An empty hub list follows every hub.
	UpsertSubscription(ctx context.Context, sub model.PushSubscription, hubs []string) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	FindSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	// ListSubscriptionsForHub returns subscriptions following hub, including
	// those that follow every hub.
	ListSubscriptionsForHub(ctx context.Context, hub string) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, now: time.Now}
}

func (s *gormStore) UpsertSubscription(ctx context.Context, sub model.PushSubscription, hubs []string) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	sub.Hubs = nil

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&sub).Error; err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}

		if err := tx.Where("endpoint = ?", sub.Endpoint).Delete(&model.SubscriptionHub{}).Error; err != nil {
			return fmt.Errorf("failed to clear subscription hubs: %w", err)
		}

		rows := uniqueHubs(sub.Endpoint, hubs)
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to save subscription hubs: %w", err)
		}
		return nil
	})
}

func uniqueHubs(endpoint string, hubs []string) []model.SubscriptionHub {
	seen := make(map[string]bool, len(hubs))
	rows := make([]model.SubscriptionHub, 0, len(hubs))
	for _, h := range hubs {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		rows = append(rows, model.SubscriptionHub{Endpoint: endpoint, Hub: h})
	}
	return rows
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).Delete(&model.SubscriptionHub{}).Error; err != nil {
			return fmt.Errorf("failed to delete subscription hubs: %w", err)
		}
		res := tx.Where("endpoint = ?", endpoint).Delete(&model.PushSubscription{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *gormStore) FindSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Preload("Hubs").First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.PushSubscription{}, ErrNotFound
	}
	if err != nil {
		return model.PushSubscription{}, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

func (s *gormStore) ListSubscriptionsForHub(ctx context.Context, hub string) ([]model.PushSubscription, error) {
	db := s.db.WithContext(ctx)
	following := db.Model(&model.SubscriptionHub{}).Select("endpoint").Where("hub = ?", hub)
	anyHub := db.Model(&model.SubscriptionHub{}).Select("endpoint")

	var subs []model.PushSubscription
	err := db.
		Where("endpoint IN (?) OR endpoint NOT IN (?)", following, anyHub).
		Order("created_at").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for hub %s: %w", hub, err)
	}
	return subs, nil
}
