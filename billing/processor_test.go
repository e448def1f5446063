package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caretide/caretide/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessDueSubscriptionsChargesAndAdvances(t *testing.T) {
	engine := newTestEngine(t, &fakeGateway{})
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	due := now.Add(-24 * time.Hour)
	sub := activeSubscription(t, engine, "sub-a", due, 5000)

	result, err := engine.processor.ProcessDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Billed)
	assert.Empty(t, result.Errors)

	fresh := engine.mustGetSubscription(t, sub.ID)
	assert.Equal(t, subscription.StatusActive, fresh.Status)
	assert.WithinDuration(t, due.AddDate(0, 1, 0), fresh.NextBillingDate, time.Second)
	require.NotNil(t, fresh.LastBillingDate)
	assert.WithinDuration(t, now, *fresh.LastBillingDate, time.Second)
	assert.Equal(t, 0, fresh.FailedPaymentAttempts)
	assert.Nil(t, fresh.LastPaymentError)
	assert.Nil(t, fresh.SuspendedDate)

	records := engine.recordsFor(t, sub.ID)
	require.Len(t, records, 1)
	assert.Equal(t, RecordPaid, records[0].Status)
	assert.Equal(t, int64(5000), records[0].AmountCents)
	require.NotNil(t, records[0].PaymentReference)
	assert.Equal(t, "pay_test", *records[0].PaymentReference)
	require.NotNil(t, records[0].PaidAt)

	assert.Len(t, engine.auditEvents(t, EventPaymentSuccess), 1)
	assert.Len(t, engine.notifier.successes, 1)
}

func TestProcessDueSubscriptionsSuspendsOnExhaustedRetries(t *testing.T) {
	engine := newTestEngine(t, alwaysDeclines("card declined"))
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	sub := activeSubscription(t, engine, "sub-b", now.Add(-time.Hour), 5000)

	result, err := engine.processor.ProcessDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Suspended)
	assert.Equal(t, 0, result.Billed)

	// all in-cycle attempts were used before suspending
	assert.Equal(t, 3, engine.gateway.callCount())

	fresh := engine.mustGetSubscription(t, sub.ID)
	assert.Equal(t, subscription.StatusSuspended, fresh.Status)
	require.NotNil(t, fresh.SuspendedDate)
	assert.WithinDuration(t, now, *fresh.SuspendedDate, time.Second)
	assert.Equal(t, 1, fresh.FailedPaymentAttempts)
	require.NotNil(t, fresh.LastPaymentError)
	assert.Equal(t, "card declined", *fresh.LastPaymentError)
	require.NotNil(t, fresh.LastPaymentFailedDate)

	records := engine.recordsFor(t, sub.ID)
	require.Len(t, records, 1)
	assert.Equal(t, RecordFailed, records[0].Status)
	require.NotNil(t, records[0].FailureReason)
	assert.Equal(t, "card declined", *records[0].FailureReason)
	assert.Nil(t, records[0].PaidAt)

	assert.Len(t, engine.auditEvents(t, EventPaymentFailed), 1)
	assert.Len(t, engine.notifier.failures, 1)
}

func TestProcessDueSubscriptionsIgnoresNotDueOrInactive(t *testing.T) {
	engine := newTestEngine(t, &fakeGateway{})
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	notDue := activeSubscription(t, engine, "sub-future", now.Add(24*time.Hour), 5000)
	cancelled := &subscription.Subscription{
		ID:                "sub-cancelled",
		UserID:            "user-sub-cancelled",
		PlanName:          "Virtual Care Plus",
		CurrentPriceCents: 5000,
		Status:            subscription.StatusCancelled,
		NextBillingDate:   now.Add(-24 * time.Hour),
	}
	require.NoError(t, engine.subscriptions.Create(context.Background(), cancelled))

	result, err := engine.processor.ProcessDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, engine.gateway.callCount())

	// no billing side effects at all
	assert.Empty(t, engine.recordsFor(t, notDue.ID))
	assert.Empty(t, engine.recordsFor(t, cancelled.ID))
	fresh := engine.mustGetSubscription(t, notDue.ID)
	assert.Equal(t, 0, fresh.FailedPaymentAttempts)
	assert.WithinDuration(t, notDue.NextBillingDate, fresh.NextBillingDate, time.Second)
}

func TestProcessDueSubscriptionsNotifierFailureDoesNotAbort(t *testing.T) {
	engine := newTestEngine(t, &fakeGateway{})
	engine.notifier.err = errors.New("smtp relay down")
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	sub := activeSubscription(t, engine, "sub-c", now.Add(-time.Hour), 2500)

	result, err := engine.processor.ProcessDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Billed)
	assert.Empty(t, result.Errors)

	records := engine.recordsFor(t, sub.ID)
	require.Len(t, records, 1)
	assert.Equal(t, RecordPaid, records[0].Status)
}

func TestProcessDueSubscriptionsSkipsLockedSubscription(t *testing.T) {
	engine := newTestEngine(t, &fakeGateway{})
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	sub := activeSubscription(t, engine, "sub-d", now.Add(-time.Hour), 5000)

	// simulate a concurrent cycle holding this subscription's lease
	release, acquired, err := engine.locker.AcquireBillingLock(context.Background(), sub.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	defer release()

	result, err := engine.processor.ProcessDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Processed)
	assert.Empty(t, engine.recordsFor(t, sub.ID))
	assert.Equal(t, 0, engine.gateway.callCount())
}

func TestProcessDueSubscriptionsContainsPerSubscriptionFailures(t *testing.T) {
	sentinel := errors.New("gateway unreachable")
	engine := newTestEngine(t, &fakeGateway{err: sentinel})
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	sub := activeSubscription(t, engine, "sub-e", now.Add(-time.Hour), 5000)

	result, err := engine.processor.ProcessDueSubscriptions(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)

	// the subscription is untouched so the next cycle can retry cleanly
	fresh := engine.mustGetSubscription(t, sub.ID)
	assert.Equal(t, subscription.StatusActive, fresh.Status)
	assert.Equal(t, 0, fresh.FailedPaymentAttempts)

	records := engine.recordsFor(t, sub.ID)
	require.Len(t, records, 1)
	assert.Equal(t, RecordCancelled, records[0].Status)

	assert.NotEmpty(t, engine.auditEvents(t, EventBillingError))
}

func TestResetUsageCounters(t *testing.T) {
	engine := newTestEngine(t, &fakeGateway{})
	now := time.Now().UTC().Truncate(time.Second)
	engine.freezeNow(now)

	billedAt := now.Add(-time.Hour)
	sub := activeSubscription(t, engine, "sub-f", now.Add(720*time.Hour), 5000)
	fresh := engine.mustGetSubscription(t, sub.ID)
	fresh.LastBillingDate = &billedAt
	require.NoError(t, engine.subscriptions.Update(context.Background(), fresh))

	require.NoError(t, engine.usage.Increment(context.Background(), usageIncrement(sub.ID)))

	result, err := engine.processor.ResetUsageCounters(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Resets)

	counter, err := engine.usage.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, counter)
	assert.Zero(t, counter.VideoMinutes)
	assert.Zero(t, counter.MessagesSent)
	assert.Zero(t, counter.DocumentsStored)
	assert.WithinDuration(t, billedAt, counter.PeriodStart, time.Second)

	stamped := engine.mustGetSubscription(t, sub.ID)
	require.NotNil(t, stamped.LastUsageResetDate)

	assert.Len(t, engine.auditEvents(t, EventUsageReset), 1)

	// a second pass finds nothing to reset
	again, err := engine.processor.ResetUsageCounters(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Resets)
}
