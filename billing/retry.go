package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryCoordinatorOptions contains the configuration for a RetryCoordinator
type RetryCoordinatorOptions struct {
	Gateway     PaymentGateway
	Logger      *zap.Logger
	MaxAttempts int           // defaults to 3
	RetryDelay  time.Duration // wait between attempts, defaults to 6 hours
}

// RetryCoordinator drives a bounded number of payment attempts for a single
// billing record, waiting RetryDelay between attempts (not after the last).
// The wait is cancellable: callers running a batch should invoke Charge from
// their own worker so one record's backoff cannot stall the others.
type RetryCoordinator struct {
	RetryCoordinatorOptions
}

// NewRetryCoordinator validates the options and returns a RetryCoordinator
func NewRetryCoordinator(option RetryCoordinatorOptions) (*RetryCoordinator, error) {
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxAttempts < 0 {
		return nil, fmt.Errorf("negative MaxAttempts is invalid")
	}
	if option.MaxAttempts == 0 {
		option.MaxAttempts = 3
	}
	if option.RetryDelay == 0 {
		option.RetryDelay = 6 * time.Hour
	}
	return &RetryCoordinator{
		RetryCoordinatorOptions: option,
	}, nil
}

// Charge attempts payment of the record up to MaxAttempts times. It returns
// the first successful result, or the last failed result once attempts are
// exhausted. Only a cancelled context or a systemic gateway error on the
// final attempt surfaces as an error.
func (r *RetryCoordinator) Charge(ctx context.Context, record *Record) (*ChargeResult, error) {
	logger := r.Logger.With(
		zap.String("BillingRecordID", record.ID),
		zap.String("UserID", record.UserID),
	)

	var last *ChargeResult
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		result, err := r.Gateway.Charge(ctx, record)
		if err != nil {
			logger.Error("Payment gateway returned error",
				zap.Int("Attempt", attempt),
				zap.Error(err),
			)
			last = nil
			lastErr = err
		} else if result.Success {
			return result, nil
		} else {
			logger.Info("Payment attempt declined",
				zap.Int("Attempt", attempt),
				zap.String("Reason", result.ErrorMessage),
			)
			last = result
			lastErr = nil
		}

		if attempt == r.MaxAttempts {
			break
		}

		timer := time.NewTimer(r.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return last, nil
}
