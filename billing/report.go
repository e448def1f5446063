package billing

import (
	"context"
	"fmt"
	"time"
)

// Report summarizes billing cycle outcomes over a time window
type Report struct {
	PeriodStart       time.Time `json:"periodStart"`
	PeriodEnd         time.Time `json:"periodEnd"`
	TotalProcessed    int64     `json:"totalProcessed"`    // subscription renewals only, one-off charges excluded
	SuccessCount      int64     `json:"successCount"`
	FailureCount      int64     `json:"failureCount"`
	TotalRevenueCents int64     `json:"totalRevenueCents"` // adjusted revenue over all Paid records, one-off charges included
	SuspendedCount    int64     `json:"suspendedCount"`    // currently suspended, not bound to the window
	RetryCount        int64     `json:"retryCount"`        // subscriptions with at least one failed attempt
}

// CycleReport aggregates payment outcomes within [start, end] plus the
// current suspension and failed-attempt counts. Pure read, no state mutation.
// A zero end defaults the window to the trailing 30 days.
func (p *Processor) CycleReport(ctx context.Context, start, end time.Time) (*Report, error) {
	if end.IsZero() {
		end = p.nowFunc()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("report end precedes start")
	}

	success, err := p.BillingManager.CountSubscriptionRecordsByStatus(ctx, RecordPaid, start, end)
	if err != nil {
		return nil, err
	}
	failure, err := p.BillingManager.CountSubscriptionRecordsByStatus(ctx, RecordFailed, start, end)
	if err != nil {
		return nil, err
	}
	revenue, err := p.BillingManager.RevenueCents(ctx, start, end)
	if err != nil {
		return nil, err
	}
	suspended, err := p.SubscriptionManager.CountSuspended(ctx)
	if err != nil {
		return nil, err
	}
	retries, err := p.SubscriptionManager.CountWithFailedAttempts(ctx)
	if err != nil {
		return nil, err
	}

	return &Report{
		PeriodStart:       start,
		PeriodEnd:         end,
		TotalProcessed:    success + failure,
		SuccessCount:      success,
		FailureCount:      failure,
		TotalRevenueCents: revenue,
		SuspendedCount:    suspended,
		RetryCount:        retries,
	}, nil
}
