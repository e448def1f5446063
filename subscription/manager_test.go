package subscription

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	manager, err := NewManager(zap.NewNop(), dbConn)
	require.NoError(t, err)
	return manager
}

func seed(t *testing.T, m *Manager, sub *Subscription) *Subscription {
	t.Helper()
	require.NoError(t, m.Create(context.Background(), sub))
	return sub
}

func TestGetDueForBilling(t *testing.T) {
	manager := newTestManager(t)
	now := time.Now().UTC()

	seed(t, manager, &Subscription{ID: "due", UserID: "u1", Status: StatusActive, NextBillingDate: now.Add(-time.Hour)})
	seed(t, manager, &Subscription{ID: "due-exact", UserID: "u2", Status: StatusActive, NextBillingDate: now})
	seed(t, manager, &Subscription{ID: "future", UserID: "u3", Status: StatusActive, NextBillingDate: now.Add(time.Hour)})
	seed(t, manager, &Subscription{ID: "cancelled", UserID: "u4", Status: StatusCancelled, NextBillingDate: now.Add(-time.Hour)})
	suspendedAt := now.Add(-time.Hour)
	seed(t, manager, &Subscription{ID: "suspended", UserID: "u5", Status: StatusSuspended, NextBillingDate: now.Add(-time.Hour), SuspendedDate: &suspendedAt})

	due, err := manager.GetDueForBilling(context.Background(), now)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, sub := range due {
		ids = append(ids, sub.ID)
	}
	assert.ElementsMatch(t, []string{"due", "due-exact"}, ids)
}

func TestGetSuspended(t *testing.T) {
	manager := newTestManager(t)
	now := time.Now().UTC()
	suspendedAt := now.Add(-time.Hour)

	seed(t, manager, &Subscription{ID: "active", UserID: "u1", Status: StatusActive, NextBillingDate: now})
	seed(t, manager, &Subscription{ID: "suspended", UserID: "u2", Status: StatusSuspended, NextBillingDate: now, SuspendedDate: &suspendedAt})

	suspended, err := manager.GetSuspended(context.Background())
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, "suspended", suspended[0].ID)
}

func TestGetDueForUsageReset(t *testing.T) {
	manager := newTestManager(t)
	now := time.Now().UTC()
	billedAt := now.Add(-time.Hour)
	resetBefore := now.Add(-2 * time.Hour)
	resetAfter := now.Add(-30 * time.Minute)

	// billed but never reset
	seed(t, manager, &Subscription{ID: "never-reset", UserID: "u1", Status: StatusActive, NextBillingDate: now, LastBillingDate: &billedAt})
	// billed after the last reset
	seed(t, manager, &Subscription{ID: "stale-reset", UserID: "u2", Status: StatusActive, NextBillingDate: now, LastBillingDate: &billedAt, LastUsageResetDate: &resetBefore})
	// already reset this cycle
	seed(t, manager, &Subscription{ID: "fresh-reset", UserID: "u3", Status: StatusActive, NextBillingDate: now, LastBillingDate: &billedAt, LastUsageResetDate: &resetAfter})
	// never billed
	seed(t, manager, &Subscription{ID: "unbilled", UserID: "u4", Status: StatusActive, NextBillingDate: now})

	due, err := manager.GetDueForUsageReset(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, sub := range due {
		ids = append(ids, sub.ID)
	}
	assert.ElementsMatch(t, []string{"never-reset", "stale-reset"}, ids)
}

func TestListRequiresUserID(t *testing.T) {
	manager := newTestManager(t)

	_, err := manager.List(context.Background(), ListOption{})
	assert.Error(t, err)
}

func TestGetByIDMissingReturnsNil(t *testing.T) {
	manager := newTestManager(t)

	sub, err := manager.GetByID(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestCounts(t *testing.T) {
	manager := newTestManager(t)
	now := time.Now().UTC()
	suspendedAt := now.Add(-time.Hour)

	seed(t, manager, &Subscription{ID: "s1", UserID: "u1", Status: StatusSuspended, NextBillingDate: now, SuspendedDate: &suspendedAt, FailedPaymentAttempts: 2})
	seed(t, manager, &Subscription{ID: "s2", UserID: "u2", Status: StatusActive, NextBillingDate: now, FailedPaymentAttempts: 1})
	seed(t, manager, &Subscription{ID: "s3", UserID: "u3", Status: StatusActive, NextBillingDate: now})

	suspended, err := manager.CountSuspended(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), suspended)

	withFailures, err := manager.CountWithFailedAttempts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), withFailures)
}
