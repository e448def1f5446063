package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Subscriptions
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for subscriptions
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *Manager) Create(ctx context.Context, sub *Subscription) error {
	result := m.db.WithContext(ctx).Create(sub)
	if result.Error != nil {
		m.logger.Error("Unable to create new subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create subscription")
	}
	return nil
}

// GetByID will try to return the subscription in the database by id.
// Both return values are nil when no such subscription exists.
func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription

	result := m.db.WithContext(ctx).First(&sub, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// ListOption specifies the filters when listing subscriptions
type ListOption struct {
	UserID string
	Before time.Time
	Limit  int
}

func (m *Manager) List(ctx context.Context, opt ListOption) ([]Subscription, error) {
	if len(opt.UserID) == 0 {
		return nil, fmt.Errorf("ListOption.UserID is required")
	}
	baseQuery := m.db.WithContext(ctx).Order("created_at desc").Where("user_id = ?", opt.UserID)
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}

	results := make([]Subscription, 0, 1)
	result := baseQuery.Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// GetDueForBilling returns the Active subscriptions whose NextBillingDate has
// passed as of the reference time
func (m *Manager) GetDueForBilling(ctx context.Context, asOf time.Time) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Where("next_billing_date <= ?", asOf).
		Order("next_billing_date asc").
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscriptions due for billing")
	}
	return results, nil
}

// GetSuspended returns all subscriptions currently in the Suspended state
func (m *Manager) GetSuspended(ctx context.Context) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Where("status = ?", StatusSuspended).
		Order("suspended_date asc").
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get suspended subscriptions")
	}
	return results, nil
}

// GetDueForUsageReset returns the Active subscriptions that have been billed
// for a new cycle but whose usage counters still belong to the previous one
func (m *Manager) GetDueForUsageReset(ctx context.Context) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Where("last_billing_date IS NOT NULL").
		Where("last_usage_reset_date IS NULL OR last_usage_reset_date < last_billing_date").
		Find(&results)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscriptions due for usage reset")
	}
	return results, nil
}

func (m *Manager) Update(ctx context.Context, sub *Subscription) error {
	result := m.db.WithContext(ctx).Save(sub)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update subscription")
	}
	return nil
}

// LambdaUpdateFunc is used when transaction is required for update. Return value determines if the Manager should commit the changes.
// Note that current and desired may be nil if no Subscription with given id was found, and must return false if that is the case
type LambdaUpdateFunc func(current *Subscription, desired *Subscription) (shouldSave bool)

// LambdaUpdate will perform a transactional update based on the lambda function. If the lambda signals shouldSave AND update was successful, it will return the new state.
// The selected Subscription will be locked with FOR UPDATE
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) (*Subscription, error) {
	var desired Subscription
	var shouldReturn bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired = current
			if lambda(&current, &desired) {
				if saveRes := tx.Save(&desired); saveRes.Error != nil {
					return saveRes.Error
				}
				shouldReturn = true
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			lambda(nil, nil)
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		// transaction failed, return nil new state
		return nil, err
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeed and shouldSave == true, return new state
	return &desired, nil
}

// CountSuspended returns the number of subscriptions currently suspended
func (m *Manager) CountSuspended(ctx context.Context) (int64, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("status = ?", StatusSuspended).
		Count(&count)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count suspended subscriptions")
	}
	return count, nil
}

// CountWithFailedAttempts returns the number of subscriptions that have at
// least one recorded failed payment attempt
func (m *Manager) CountWithFailedAttempts(ctx context.Context) (int64, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("failed_payment_attempts > 0").
		Count(&count)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count subscriptions with failed payments")
	}
	return count, nil
}
