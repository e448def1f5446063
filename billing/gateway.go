package billing

import (
	"context"
	"time"
)

// ChargeResult is the typed outcome of a single payment attempt.
// A gateway decline is not an error: the gateway returns Success == false
// with ErrorMessage set, and reserves the error return for transport or
// configuration problems.
type ChargeResult struct {
	Success          bool
	PaymentReference string
	ErrorMessage     string
}

// PaymentGateway charges a billing record against the user's stored payment
// method. Implemented by external.StripeGateway in production.
type PaymentGateway interface {
	Charge(ctx context.Context, record *Record) (*ChargeResult, error)
}

// AuditSink records immutable billing/security events
type AuditSink interface {
	LogPaymentEvent(ctx context.Context, userID, eventType, entityID, outcome, detail string) error
}

// Notifier delivers best-effort user notifications. Failures are logged and
// swallowed by the caller, they never abort a billing state transition.
type Notifier interface {
	NotifyPaymentSuccess(ctx context.Context, userID string, record *Record) error
	NotifyPaymentFailure(ctx context.Context, userID string, record *Record) error
}

// Locker provides per-subscription mutual exclusion so that a manual trigger
// and a scheduled tick can never bill the same subscription concurrently.
// The release function must be called once the billing attempt settled.
type Locker interface {
	AcquireBillingLock(ctx context.Context, subscriptionID string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Audit event types emitted by the billing cycle engine
const (
	EventPaymentSuccess    = "PaymentSuccess"
	EventPaymentFailed     = "PaymentFailed"
	EventPaymentRetryOK    = "PaymentRetrySuccess"
	EventPaymentRetryFail  = "PaymentRetryFailed"
	EventBillingError      = "BillingError"
	EventUsageReset        = "UsageReset"
)
