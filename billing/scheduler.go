package billing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SchedulerOptions contains the configuration for the cycle Scheduler
type SchedulerOptions struct {
	Processor *Processor
	Logger    *zap.Logger

	// Interval between cycle runs, defaults to 1 hour
	Interval time.Duration
	// FailureCooldown is the shortened wait after a cycle-level failure,
	// defaults to 5 minutes
	FailureCooldown time.Duration
}

// Scheduler runs the full billing cycle on a fixed interval until its context
// is cancelled, and exposes an out-of-band manual trigger. Cycles never
// overlap: an in-process gate rejects a trigger while a cycle is running.
type Scheduler struct {
	SchedulerOptions
	inCycle int32
	nowFunc func() time.Time
}

// CycleResult is the outcome of one full pass over due, suspended and
// reset-eligible subscriptions
type CycleResult struct {
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Due        *BatchResult `json:"due"`
	Retries    *BatchResult `json:"retries"`
	UsageReset *BatchResult `json:"usageReset"`
}

// TriggerResult is the envelope returned by the manual trigger. It never
// carries a Go error across the API boundary.
type TriggerResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Result  *CycleResult `json:"result,omitempty"`
}

// NewScheduler validates the options and returns a Scheduler
func NewScheduler(option SchedulerOptions) (*Scheduler, error) {
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval == 0 {
		option.Interval = time.Hour
	}
	if option.FailureCooldown == 0 {
		option.FailureCooldown = 5 * time.Minute
	}
	return &Scheduler{
		SchedulerOptions: option,
		nowFunc:          time.Now,
	}, nil
}

// runCycle executes one full cycle. Per-subscription failures are contained
// inside the batches; only batch-level failures surface here.
func (s *Scheduler) runCycle(ctx context.Context) (*CycleResult, error) {
	if !atomic.CompareAndSwapInt32(&s.inCycle, 0, 1) {
		return nil, fmt.Errorf("billing cycle already in progress")
	}
	defer atomic.StoreInt32(&s.inCycle, 0)

	result := &CycleResult{
		StartedAt: s.nowFunc(),
	}
	asOf := result.StartedAt

	due, err := s.Processor.ProcessDueSubscriptions(ctx, asOf)
	if err != nil {
		return nil, err
	}
	result.Due = due

	retries, err := s.Processor.ProcessSuspendedRetries(ctx, asOf)
	if err != nil {
		return nil, err
	}
	result.Retries = retries

	resets, err := s.Processor.ResetUsageCounters(ctx, asOf)
	if err != nil {
		return nil, err
	}
	result.UsageReset = resets

	result.FinishedAt = s.nowFunc()
	return result, nil
}

// Run blocks, executing cycles on the configured interval until ctx is
// cancelled. A failed cycle shortens the wait to FailureCooldown instead of
// crashing the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.Logger.Info("Billing cycle scheduler started",
		zap.Duration("Interval", s.Interval),
	)
	for {
		wait := s.Interval
		result, err := s.runCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger.Error("Billing cycle failed",
				zap.Error(err),
			)
			wait = s.FailureCooldown
		} else {
			s.Logger.Info("Billing cycle finished",
				zap.Int("Billed", result.Due.Billed),
				zap.Int("Suspended", result.Due.Suspended),
				zap.Int("Reactivated", result.Retries.Reactivated),
				zap.Int("UsageResets", result.UsageReset.Resets),
				zap.Int("Errors", len(result.Due.Errors)+len(result.Retries.Errors)+len(result.UsageReset.Errors)),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Logger.Info("Billing cycle scheduler stopped")
			return
		case <-timer.C:
		}
	}
}

// TriggerManual runs one full cycle synchronously without touching the
// timer. It reports the outcome in an envelope and never panics or errors
// out to its caller.
func (s *Scheduler) TriggerManual(ctx context.Context) *TriggerResult {
	result, err := s.runCycle(ctx)
	if err != nil {
		s.Logger.Error("Manual billing cycle failed",
			zap.Error(err),
		)
		return &TriggerResult{
			Success: false,
			Message: err.Error(),
		}
	}
	return &TriggerResult{
		Success: true,
		Message: "billing cycle completed",
		Result:  result,
	}
}
