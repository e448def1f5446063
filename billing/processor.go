package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caretide/caretide/subscription"
	"github.com/caretide/caretide/usage"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchResult aggregates the outcome of one batch (due, suspended retry or
// usage reset) over all subscriptions it touched
type BatchResult struct {
	mu sync.Mutex

	Processed   int      `json:"processed"`
	Billed      int      `json:"billed"`
	Suspended   int      `json:"suspended"`
	Reactivated int      `json:"reactivated"`
	Skipped     int      `json:"skipped"`
	Resets      int      `json:"resets"`
	Errors      []string `json:"errors"`
}

func (b *BatchResult) addError(subscriptionID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Errors = append(b.Errors, fmt.Sprintf("%s: %v", subscriptionID, err))
}

func (b *BatchResult) add(delta func(*BatchResult)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delta(b)
}

// ProcessorOptions contains the configuration and collaborators for a Processor
type ProcessorOptions struct {
	SubscriptionManager *subscription.Manager
	BillingManager      *Manager
	UsageManager        *usage.Manager
	Retry               *RetryCoordinator
	Locker              Locker
	Audit               AuditSink
	Notifier            Notifier
	Logger              *zap.Logger

	// RetryCooldown is the minimum wait after suspension before a payment
	// is re-attempted, defaults to 6 hours
	RetryCooldown time.Duration
	// Concurrency bounds the worker pool for a batch, defaults to 4.
	// Subscriptions are still serialized per-ID by the Locker.
	Concurrency int
}

// Processor drives the billing state machine for all subscriptions in one
// cycle: due billing, suspended cooldown retries and usage counter resets
type Processor struct {
	ProcessorOptions
	nowFunc func() time.Time
}

// NewProcessor validates the options and returns a Processor
func NewProcessor(option ProcessorOptions) (*Processor, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.BillingManager == nil {
		return nil, fmt.Errorf("nil BillingManager is invalid")
	}
	if option.UsageManager == nil {
		return nil, fmt.Errorf("nil UsageManager is invalid")
	}
	if option.Retry == nil {
		return nil, fmt.Errorf("nil Retry is invalid")
	}
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Audit == nil {
		return nil, fmt.Errorf("nil Audit is invalid")
	}
	if option.Notifier == nil {
		return nil, fmt.Errorf("nil Notifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.RetryCooldown == 0 {
		option.RetryCooldown = 6 * time.Hour
	}
	if option.Concurrency <= 0 {
		option.Concurrency = 4
	}
	return &Processor{
		ProcessorOptions: option,
		nowFunc:          time.Now,
	}, nil
}

// lockTTL bounds how long a crashed worker can leave a subscription locked
func (p *Processor) lockTTL() time.Duration {
	return time.Duration(p.Retry.MaxAttempts)*p.Retry.RetryDelay + time.Minute
}

func (p *Processor) audit(ctx context.Context, userID, eventType, entityID, outcome, detail string) {
	if err := p.Audit.LogPaymentEvent(ctx, userID, eventType, entityID, outcome, detail); err != nil {
		p.Logger.Error("Cannot write audit event",
			zap.String("EventType", eventType),
			zap.String("EntityID", entityID),
			zap.Error(err),
		)
	}
}

// ProcessDueSubscriptions bills every Active subscription whose
// NextBillingDate has passed. Per-subscription failures are contained; only a
// failure to query the due set is returned.
func (p *Processor) ProcessDueSubscriptions(ctx context.Context, asOf time.Time) (*BatchResult, error) {
	subs, err := p.SubscriptionManager.GetDueForBilling(ctx, asOf)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot query subscriptions due for billing")
	}

	result := &BatchResult{Errors: make([]string, 0)}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.Concurrency)
	for k := range subs {
		sub := subs[k]
		group.Go(func() error {
			p.billDueSubscription(groupCtx, &sub, asOf, result)
			return nil
		})
	}
	group.Wait()
	return result, nil
}

func (p *Processor) billDueSubscription(ctx context.Context, sub *subscription.Subscription, asOf time.Time, result *BatchResult) {
	logger := p.Logger.With(
		zap.String("SubscriptionID", sub.ID),
		zap.String("UserID", sub.UserID),
	)

	release, acquired, err := p.Locker.AcquireBillingLock(ctx, sub.ID, p.lockTTL())
	if err != nil {
		logger.Error("Cannot acquire billing lock",
			zap.Error(err),
		)
		result.addError(sub.ID, err)
		return
	}
	if !acquired {
		// another billing attempt for this subscription is in flight
		result.add(func(b *BatchResult) { b.Skipped++ })
		return
	}
	defer release()

	// re-read under the lock: a concurrent cycle may have settled this one
	fresh, err := p.SubscriptionManager.GetByID(ctx, sub.ID)
	if err != nil {
		result.addError(sub.ID, err)
		return
	}
	if fresh == nil || fresh.Status != subscription.StatusActive || fresh.NextBillingDate.After(asOf) {
		result.add(func(b *BatchResult) { b.Skipped++ })
		return
	}

	result.add(func(b *BatchResult) { b.Processed++ })

	record, err := p.BillingManager.CreateRecord(ctx, CreateRecordOption{
		UserID:         fresh.UserID,
		SubscriptionID: &fresh.ID,
		AmountCents:    fresh.CurrentPriceCents,
		Description:    fmt.Sprintf("Subscription renewal: %s", fresh.PlanName),
		DueDate:        fresh.NextBillingDate,
	})
	if err != nil {
		logger.Error("Cannot create billing record",
			zap.Error(err),
		)
		p.audit(ctx, fresh.UserID, EventBillingError, fresh.ID, "error", err.Error())
		result.addError(sub.ID, err)
		return
	}

	chargeResult, err := p.Retry.Charge(ctx, record)
	if err != nil {
		p.settleAborted(ctx, logger, fresh, record, err, result)
		return
	}

	if chargeResult.Success {
		now := p.nowFunc()
		if err := p.settlePaid(ctx, record, chargeResult, now); err != nil {
			logger.Error("Cannot mark billing record as paid",
				zap.Error(err),
			)
			p.audit(ctx, fresh.UserID, EventBillingError, record.ID, "error", err.Error())
			result.addError(sub.ID, err)
			return
		}
		fresh.NextBillingDate = fresh.NextBillingDate.AddDate(0, 1, 0)
		fresh.LastBillingDate = &now
		fresh.FailedPaymentAttempts = 0
		fresh.LastPaymentError = nil
		fresh.LastPaymentFailedDate = nil
		if err := p.SubscriptionManager.Update(ctx, fresh); err != nil {
			logger.Error("Cannot advance subscription billing dates",
				zap.Error(err),
			)
			p.audit(ctx, fresh.UserID, EventBillingError, fresh.ID, "error", err.Error())
			result.addError(sub.ID, err)
			return
		}
		result.add(func(b *BatchResult) { b.Billed++ })
		p.audit(ctx, fresh.UserID, EventPaymentSuccess, record.ID, "success", "")
		p.notifySuccess(ctx, logger, fresh.UserID, record)
		return
	}

	// retries exhausted: suspend immediately. Grace happens on the
	// suspended cooldown path, not here.
	now := p.nowFunc()
	if err := p.settleFailed(ctx, record, chargeResult.ErrorMessage); err != nil {
		logger.Error("Cannot mark billing record as failed",
			zap.Error(err),
		)
		p.audit(ctx, fresh.UserID, EventBillingError, record.ID, "error", err.Error())
		result.addError(sub.ID, err)
		return
	}
	reason := chargeResult.ErrorMessage
	fresh.Status = subscription.StatusSuspended
	fresh.SuspendedDate = &now
	fresh.FailedPaymentAttempts++
	fresh.LastPaymentError = &reason
	fresh.LastPaymentFailedDate = &now
	if err := p.SubscriptionManager.Update(ctx, fresh); err != nil {
		logger.Error("Cannot suspend subscription",
			zap.Error(err),
		)
		p.audit(ctx, fresh.UserID, EventBillingError, fresh.ID, "error", err.Error())
		result.addError(sub.ID, err)
		return
	}
	result.add(func(b *BatchResult) { b.Suspended++ })
	p.audit(ctx, fresh.UserID, EventPaymentFailed, record.ID, "failure", reason)
	p.notifyFailure(ctx, logger, fresh.UserID, record)
}

// ProcessSuspendedRetries re-attempts payment for Suspended subscriptions
// whose cooldown has elapsed. There is no upper bound on how many cooldown
// cycles a subscription may stay suspended.
func (p *Processor) ProcessSuspendedRetries(ctx context.Context, asOf time.Time) (*BatchResult, error) {
	subs, err := p.SubscriptionManager.GetSuspended(ctx)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot query suspended subscriptions")
	}

	result := &BatchResult{Errors: make([]string, 0)}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.Concurrency)
	for k := range subs {
		sub := subs[k]
		group.Go(func() error {
			p.retrySuspendedSubscription(groupCtx, &sub, asOf, result)
			return nil
		})
	}
	group.Wait()
	return result, nil
}

func (p *Processor) retrySuspendedSubscription(ctx context.Context, sub *subscription.Subscription, asOf time.Time, result *BatchResult) {
	logger := p.Logger.With(
		zap.String("SubscriptionID", sub.ID),
		zap.String("UserID", sub.UserID),
	)

	if sub.SuspendedDate == nil {
		// data inconsistency: Suspended status requires a SuspendedDate
		logger.Error("Suspended subscription is missing SuspendedDate")
		p.audit(ctx, sub.UserID, EventBillingError, sub.ID, "error", "suspended subscription has no SuspendedDate")
		result.addError(sub.ID, fmt.Errorf("suspended subscription %s has no SuspendedDate", sub.ID))
		return
	}
	if asOf.Sub(*sub.SuspendedDate) < p.RetryCooldown {
		// cooldown not elapsed, no attempt and no audit noise
		return
	}

	release, acquired, err := p.Locker.AcquireBillingLock(ctx, sub.ID, p.lockTTL())
	if err != nil {
		logger.Error("Cannot acquire billing lock",
			zap.Error(err),
		)
		result.addError(sub.ID, err)
		return
	}
	if !acquired {
		result.add(func(b *BatchResult) { b.Skipped++ })
		return
	}
	defer release()

	// re-read under the lock and recheck the full predicate: the snapshot
	// may predate a re-suspension, which restarts the cooldown
	fresh, err := p.SubscriptionManager.GetByID(ctx, sub.ID)
	if err != nil {
		result.addError(sub.ID, err)
		return
	}
	if fresh == nil || fresh.Status != subscription.StatusSuspended || fresh.SuspendedDate == nil ||
		asOf.Sub(*fresh.SuspendedDate) < p.RetryCooldown {
		result.add(func(b *BatchResult) { b.Skipped++ })
		return
	}

	result.add(func(b *BatchResult) { b.Processed++ })

	// every cooldown retry gets its own record
	record, err := p.BillingManager.CreateRecord(ctx, CreateRecordOption{
		UserID:         fresh.UserID,
		SubscriptionID: &fresh.ID,
		AmountCents:    fresh.CurrentPriceCents,
		Description:    fmt.Sprintf("Subscription reactivation: %s", fresh.PlanName),
		DueDate:        asOf,
	})
	if err != nil {
		logger.Error("Cannot create billing record",
			zap.Error(err),
		)
		p.audit(ctx, fresh.UserID, EventBillingError, fresh.ID, "error", err.Error())
		result.addError(sub.ID, err)
		return
	}

	chargeResult, err := p.Retry.Charge(ctx, record)
	if err != nil {
		p.settleAborted(ctx, logger, fresh, record, err, result)
		return
	}

	now := p.nowFunc()
	if chargeResult.Success {
		if err := p.settlePaid(ctx, record, chargeResult, now); err != nil {
			logger.Error("Cannot mark billing record as paid",
				zap.Error(err),
			)
			p.audit(ctx, fresh.UserID, EventBillingError, record.ID, "error", err.Error())
			result.addError(sub.ID, err)
			return
		}
		// NextBillingDate advances from the value held before suspension
		fresh.Status = subscription.StatusActive
		fresh.SuspendedDate = nil
		fresh.NextBillingDate = fresh.NextBillingDate.AddDate(0, 1, 0)
		fresh.LastBillingDate = &now
		fresh.FailedPaymentAttempts = 0
		fresh.LastPaymentError = nil
		fresh.LastPaymentFailedDate = nil
		if err := p.SubscriptionManager.Update(ctx, fresh); err != nil {
			logger.Error("Cannot reactivate subscription",
				zap.Error(err),
			)
			p.audit(ctx, fresh.UserID, EventBillingError, fresh.ID, "error", err.Error())
			result.addError(sub.ID, err)
			return
		}
		result.add(func(b *BatchResult) { b.Reactivated++ })
		p.audit(ctx, fresh.UserID, EventPaymentRetryOK, record.ID, "success", "")
		p.notifySuccess(ctx, logger, fresh.UserID, record)
		return
	}

	if err := p.settleFailed(ctx, record, chargeResult.ErrorMessage); err != nil {
		logger.Error("Cannot mark billing record as failed",
			zap.Error(err),
		)
		p.audit(ctx, fresh.UserID, EventBillingError, record.ID, "error", err.Error())
		result.addError(sub.ID, err)
		return
	}
	reason := chargeResult.ErrorMessage
	fresh.FailedPaymentAttempts++
	fresh.LastPaymentError = &reason
	fresh.LastPaymentFailedDate = &now
	if err := p.SubscriptionManager.Update(ctx, fresh); err != nil {
		logger.Error("Cannot update suspended subscription after failed retry",
			zap.Error(err),
		)
		p.audit(ctx, fresh.UserID, EventBillingError, fresh.ID, "error", err.Error())
		result.addError(sub.ID, err)
		return
	}
	p.audit(ctx, fresh.UserID, EventPaymentRetryFail, record.ID, "failure", reason)
}

// ResetUsageCounters zeroes the per-cycle counters of every subscription
// whose billing cycle rolled over since the last reset
func (p *Processor) ResetUsageCounters(ctx context.Context, asOf time.Time) (*BatchResult, error) {
	subs, err := p.SubscriptionManager.GetDueForUsageReset(ctx)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot query subscriptions due for usage reset")
	}

	result := &BatchResult{Errors: make([]string, 0)}
	for k := range subs {
		sub := subs[k]
		logger := p.Logger.With(
			zap.String("SubscriptionID", sub.ID),
		)
		periodStart := asOf
		if sub.LastBillingDate != nil {
			periodStart = *sub.LastBillingDate
		}
		if err := p.UsageManager.ResetForSubscription(ctx, sub.ID, periodStart); err != nil {
			logger.Error("Cannot reset usage counters",
				zap.Error(err),
			)
			p.audit(ctx, sub.UserID, EventBillingError, sub.ID, "error", err.Error())
			result.addError(sub.ID, err)
			continue
		}
		now := p.nowFunc()
		sub.LastUsageResetDate = &now
		if err := p.SubscriptionManager.Update(ctx, &sub); err != nil {
			logger.Error("Cannot stamp usage reset date",
				zap.Error(err),
			)
			result.addError(sub.ID, err)
			continue
		}
		result.add(func(b *BatchResult) { b.Resets++; b.Processed++ })
		p.audit(ctx, sub.UserID, EventUsageReset, sub.ID, "success", "")
	}
	return result, nil
}

func (p *Processor) settlePaid(ctx context.Context, record *Record, chargeResult *ChargeResult, now time.Time) error {
	reference := chargeResult.PaymentReference
	record.Status = RecordPaid
	record.PaidAt = &now
	record.PaymentReference = &reference
	return p.BillingManager.UpdateRecord(ctx, record)
}

func (p *Processor) settleFailed(ctx context.Context, record *Record, reason string) error {
	record.Status = RecordFailed
	record.FailureReason = &reason
	return p.BillingManager.UpdateRecord(ctx, record)
}

// settleAborted handles a charge that ended with a systemic error or a
// cancelled context: the record is closed out without touching the
// subscription state, so the next cycle can retry cleanly
func (p *Processor) settleAborted(ctx context.Context, logger *zap.Logger, sub *subscription.Subscription, record *Record, cause error, result *BatchResult) {
	logger.Error("Payment attempt aborted",
		zap.String("BillingRecordID", record.ID),
		zap.Error(cause),
	)
	record.Status = RecordCancelled
	reason := cause.Error()
	record.FailureReason = &reason
	if err := p.BillingManager.UpdateRecord(context.Background(), record); err != nil {
		logger.Error("Cannot cancel billing record",
			zap.Error(err),
		)
	}
	p.audit(context.Background(), sub.UserID, EventBillingError, record.ID, "error", reason)
	result.addError(sub.ID, cause)
}

func (p *Processor) notifySuccess(ctx context.Context, logger *zap.Logger, userID string, record *Record) {
	if err := p.Notifier.NotifyPaymentSuccess(ctx, userID, record); err != nil {
		// best effort only
		logger.Error("Cannot notify user of successful payment",
			zap.Error(err),
		)
	}
}

func (p *Processor) notifyFailure(ctx context.Context, logger *zap.Logger, userID string, record *Record) {
	if err := p.Notifier.NotifyPaymentFailure(ctx, userID, record); err != nil {
		logger.Error("Cannot notify user of failed payment",
			zap.Error(err),
		)
	}
}
