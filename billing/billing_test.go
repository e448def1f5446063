package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caretide/caretide/audit"
	"github.com/caretide/caretide/lock"
	"github.com/caretide/caretide/subscription"
	"github.com/caretide/caretide/usage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)
	return dbConn
}

// fakeGateway replays a scripted sequence of charge outcomes, repeating the
// last entry once the script is exhausted
type fakeGateway struct {
	mu     sync.Mutex
	script []ChargeResult
	err    error
	calls  int
}

func (g *fakeGateway) Charge(ctx context.Context, record *Record) (*ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if len(g.script) == 0 {
		return &ChargeResult{Success: true, PaymentReference: "pay_test"}, nil
	}
	result := g.script[0]
	if len(g.script) > 1 {
		g.script = g.script[1:]
	}
	return &result, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func alwaysDeclines(reason string) *fakeGateway {
	return &fakeGateway{
		script: []ChargeResult{{Success: false, ErrorMessage: reason}},
	}
}

type fakeNotifier struct {
	mu        sync.Mutex
	err       error
	successes []string
	failures  []string
}

func (n *fakeNotifier) NotifyPaymentSuccess(ctx context.Context, userID string, record *Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, record.ID)
	return n.err
}

func (n *fakeNotifier) NotifyPaymentFailure(ctx context.Context, userID string, record *Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, record.ID)
	return n.err
}

type testEngine struct {
	db            *gorm.DB
	subscriptions *subscription.Manager
	billing       *Manager
	usage         *usage.Manager
	audits        *audit.Manager
	gateway       *fakeGateway
	notifier      *fakeNotifier
	locker        *lock.Memory
	processor     *Processor
}

func newTestEngine(t *testing.T, gateway *fakeGateway) *testEngine {
	t.Helper()

	logger := zap.NewNop()
	dbConn := newTestDB(t)

	subscriptionManager, err := subscription.NewManager(logger, dbConn)
	require.NoError(t, err)
	billingManager, err := NewManager(logger, dbConn)
	require.NoError(t, err)
	usageManager, err := usage.NewManager(logger, dbConn)
	require.NoError(t, err)
	auditManager, err := audit.NewManager(logger, dbConn)
	require.NoError(t, err)

	retry, err := NewRetryCoordinator(RetryCoordinatorOptions{
		Gateway:     gateway,
		Logger:      logger,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	locker := lock.NewMemory()

	processor, err := NewProcessor(ProcessorOptions{
		SubscriptionManager: subscriptionManager,
		BillingManager:      billingManager,
		UsageManager:        usageManager,
		Retry:               retry,
		Locker:              locker,
		Audit:               auditManager,
		Notifier:            notifier,
		Logger:              logger,
		RetryCooldown:       6 * time.Hour,
		Concurrency:         2,
	})
	require.NoError(t, err)

	return &testEngine{
		db:            dbConn,
		subscriptions: subscriptionManager,
		billing:       billingManager,
		usage:         usageManager,
		audits:        auditManager,
		gateway:       gateway,
		notifier:      notifier,
		locker:        locker,
		processor:     processor,
	}
}

func (e *testEngine) freezeNow(now time.Time) {
	e.processor.nowFunc = func() time.Time { return now }
}

func (e *testEngine) mustGetSubscription(t *testing.T, id string) *subscription.Subscription {
	t.Helper()
	sub, err := e.subscriptions.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func (e *testEngine) recordsFor(t *testing.T, subscriptionID string) []Record {
	t.Helper()
	records, err := e.billing.ListRecords(context.Background(), ListRecordsOption{
		SubscriptionID: subscriptionID,
	})
	require.NoError(t, err)
	return records
}

func (e *testEngine) auditEvents(t *testing.T, eventType string) []audit.Event {
	t.Helper()
	events, err := e.audits.List(context.Background(), audit.ListOption{
		EventType: eventType,
	})
	require.NoError(t, err)
	return events
}

func activeSubscription(t *testing.T, e *testEngine, id string, nextBilling time.Time, priceCents int64) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		ID:                id,
		UserID:            "user-" + id,
		PlanName:          "Virtual Care Plus",
		CurrentPriceCents: priceCents,
		Status:            subscription.StatusActive,
		NextBillingDate:   nextBilling,
	}
	require.NoError(t, e.subscriptions.Create(context.Background(), sub))
	return sub
}

func usageIncrement(subscriptionID string) usage.IncrementOption {
	return usage.IncrementOption{
		SubscriptionID:  subscriptionID,
		VideoMinutes:    42,
		MessagesSent:    7,
		DocumentsStored: 3,
	}
}

func suspendedSubscription(t *testing.T, e *testEngine, id string, suspendedAt, nextBilling time.Time, attempts int) *subscription.Subscription {
	t.Helper()
	reason := "card declined"
	sub := &subscription.Subscription{
		ID:                    id,
		UserID:                "user-" + id,
		PlanName:              "Virtual Care Plus",
		CurrentPriceCents:     5000,
		Status:                subscription.StatusSuspended,
		NextBillingDate:       nextBilling,
		SuspendedDate:         &suspendedAt,
		FailedPaymentAttempts: attempts,
		LastPaymentError:      &reason,
		LastPaymentFailedDate: &suspendedAt,
	}
	require.NoError(t, e.subscriptions.Create(context.Background(), sub))
	return sub
}
