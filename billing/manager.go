package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to billing records
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for billing records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Record{}, &Adjustment{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize billing.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// CreateRecordOption specifies the fields of a new Pending billing record
type CreateRecordOption struct {
	UserID         string
	SubscriptionID *string
	AmountCents    int64
	Description    string
	DueDate        time.Time
}

// CreateRecord inserts a new Pending billing record for one payment attempt
func (m *Manager) CreateRecord(ctx context.Context, opt CreateRecordOption) (*Record, error) {
	if len(opt.UserID) == 0 {
		return nil, fmt.Errorf("CreateRecordOption.UserID is required")
	}
	if opt.AmountCents < 0 {
		return nil, fmt.Errorf("negative CreateRecordOption.AmountCents is invalid")
	}
	record := &Record{
		ID:             shortuuid.New(),
		UserID:         opt.UserID,
		SubscriptionID: opt.SubscriptionID,
		AmountCents:    opt.AmountCents,
		Description:    opt.Description,
		DueDate:        opt.DueDate,
		Status:         RecordPending,
	}
	result := m.db.WithContext(ctx).Create(record)
	if result.Error != nil {
		m.logger.Error("Unable to create new billing record in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create billing record")
	}
	return record, nil
}

func (m *Manager) UpdateRecord(ctx context.Context, record *Record) error {
	result := m.db.WithContext(ctx).Save(record)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot update billing record")
	}
	return nil
}

// GetRecordByID will try to return the billing record in the database by id.
// Both return values are nil when no such record exists.
func (m *Manager) GetRecordByID(ctx context.Context, id string) (*Record, error) {
	var record Record
	result := m.db.WithContext(ctx).Preload("Adjustments").First(&record, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get billing record by id")
	}
	return &record, nil
}

// ListRecordsOption specifies the filters when listing billing records
type ListRecordsOption struct {
	UserID         string
	SubscriptionID string
	Status         RecordStatus
	From           time.Time
	To             time.Time
	Limit          int
}

func (m *Manager) ListRecords(ctx context.Context, opt ListRecordsOption) ([]Record, error) {
	baseQuery := m.db.WithContext(ctx).Order("created_at desc")
	if len(opt.UserID) > 0 {
		baseQuery = baseQuery.Where("user_id = ?", opt.UserID)
	}
	if len(opt.SubscriptionID) > 0 {
		baseQuery = baseQuery.Where("subscription_id = ?", opt.SubscriptionID)
	}
	if len(opt.Status) > 0 {
		baseQuery = baseQuery.Where("status = ?", opt.Status)
	}
	if !opt.From.IsZero() {
		baseQuery = baseQuery.Where("created_at >= ?", opt.From)
	}
	if !opt.To.IsZero() {
		baseQuery = baseQuery.Where("created_at <= ?", opt.To)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}

	results := make([]Record, 0, 1)
	result := baseQuery.Preload("Adjustments").Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list billing records")
	}
	return results, nil
}

// AddAdjustment attaches an additive amount to an existing record
func (m *Manager) AddAdjustment(ctx context.Context, recordID string, amountCents int64, reason string) (*Adjustment, error) {
	if len(recordID) == 0 {
		return nil, fmt.Errorf("empty recordID is invalid")
	}
	adj := &Adjustment{
		ID:          shortuuid.New(),
		RecordID:    recordID,
		AmountCents: amountCents,
		Reason:      reason,
	}
	result := m.db.WithContext(ctx).Create(adj)
	if result.Error != nil {
		m.logger.Error("Unable to create billing adjustment in database",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create billing adjustment")
	}
	return adj, nil
}

// CountSubscriptionRecordsByStatus returns the number of subscription-bound
// records with the given status created within [from, to]. One-off charges
// carry no subscription and are not counted.
func (m *Manager) CountSubscriptionRecordsByStatus(ctx context.Context, status RecordStatus, from, to time.Time) (int64, error) {
	var count int64
	result := m.db.WithContext(ctx).Model(&Record{}).
		Where("subscription_id IS NOT NULL").
		Where("status = ?", status).
		Where("created_at >= ? AND created_at <= ?", from, to).
		Count(&count)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot count billing records")
	}
	return count, nil
}

// RevenueCents returns the adjusted revenue of Paid records created within
// [from, to]
func (m *Manager) RevenueCents(ctx context.Context, from, to time.Time) (int64, error) {
	paid, err := m.ListRecords(ctx, ListRecordsOption{
		Status: RecordPaid,
		From:   from,
		To:     to,
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for k := range paid {
		total += paid[k].TotalCents()
	}
	return total, nil
}
