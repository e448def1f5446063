package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to usage counters
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for usage counters
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Counter{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize usage.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Get returns the counter row for a subscription. Both return values are nil
// when the subscription has no recorded usage yet.
func (m *Manager) Get(ctx context.Context, subscriptionID string) (*Counter, error) {
	var counter Counter
	result := m.db.WithContext(ctx).First(&counter, "subscription_id = ?", subscriptionID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get usage counter")
	}
	return &counter, nil
}

// IncrementOption specifies which subscription's counters to increment and by how much
type IncrementOption struct {
	SubscriptionID  string
	VideoMinutes    int64
	MessagesSent    int64
	DocumentsStored int64
}

// Increment adds to the per-cycle counters of a subscription, creating the
// counter row on first use
func (m *Manager) Increment(ctx context.Context, opt IncrementOption) error {
	if len(opt.SubscriptionID) == 0 {
		return fmt.Errorf("IncrementOption.SubscriptionID is required")
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Counter{}).
			Where("subscription_id = ?", opt.SubscriptionID).
			UpdateColumns(map[string]interface{}{
				"video_minutes":    gorm.Expr("video_minutes + ?", opt.VideoMinutes),
				"messages_sent":    gorm.Expr("messages_sent + ?", opt.MessagesSent),
				"documents_stored": gorm.Expr("documents_stored + ?", opt.DocumentsStored),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&Counter{
			SubscriptionID:  opt.SubscriptionID,
			VideoMinutes:    opt.VideoMinutes,
			MessagesSent:    opt.MessagesSent,
			DocumentsStored: opt.DocumentsStored,
			PeriodStart:     time.Now(),
		}).Error
	})
}

// ResetForSubscription zeroes the counters of a single subscription and marks
// the start of the new cycle. The reset is scoped to one subscription, never
// process-wide.
func (m *Manager) ResetForSubscription(ctx context.Context, subscriptionID string, periodStart time.Time) error {
	if len(subscriptionID) == 0 {
		return fmt.Errorf("empty subscriptionID is invalid")
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Counter{}).
			Where("subscription_id = ?", subscriptionID).
			UpdateColumns(map[string]interface{}{
				"video_minutes":    0,
				"messages_sent":    0,
				"documents_stored": 0,
				"period_start":     periodStart,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&Counter{
			SubscriptionID: subscriptionID,
			PeriodStart:    periodStart,
		}).Error
	})
}
