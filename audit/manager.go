package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to audit events
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for audit events
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize audit.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// LogPaymentEvent records an immutable payment event
func (m *Manager) LogPaymentEvent(ctx context.Context, userID, eventType, entityID, outcome, detail string) error {
	if len(eventType) == 0 {
		return fmt.Errorf("empty eventType is invalid")
	}
	event := &Event{
		ID:        uuid.New().String(),
		UserID:    userID,
		EventType: eventType,
		EntityID:  entityID,
		Outcome:   outcome,
		Detail:    detail,
	}
	result := m.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		m.logger.Error("Unable to create audit event in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create audit event")
	}
	return nil
}

// ListOption specifies the filters when listing audit events
type ListOption struct {
	UserID    string
	EventType string
	EntityID  string
	Limit     int
}

func (m *Manager) List(ctx context.Context, opt ListOption) ([]Event, error) {
	baseQuery := m.db.WithContext(ctx).Order("created_at desc")
	if len(opt.UserID) > 0 {
		baseQuery = baseQuery.Where("user_id = ?", opt.UserID)
	}
	if len(opt.EventType) > 0 {
		baseQuery = baseQuery.Where("event_type = ?", opt.EventType)
	}
	if len(opt.EntityID) > 0 {
		baseQuery = baseQuery.Where("entity_id = ?", opt.EntityID)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}

	results := make([]Event, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list audit events")
	}
	return results, nil
}
