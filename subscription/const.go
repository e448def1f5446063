package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining the valid statuses for a Subscription.
// Only Active and Suspended participate in the billing cycle:
// Active -> Suspended (in-cycle payment retries exhausted)
// Suspended -> Active (cooldown retry charged successfully)
// The remaining statuses are terminal or handled by the purchase flow.
const (
	StatusPending       Status = "Pending"
	StatusActive        Status = "Active"
	StatusSuspended     Status = "Suspended"
	StatusCancelled     Status = "Cancelled"
	StatusPaymentFailed Status = "PaymentFailed"
	StatusTrialActive   Status = "TrialActive"
	StatusExpired       Status = "Expired"
)
