package subscription

import "time"

// Subscription describes a recurring telehealth plan purchased by a user.
// Billing fields are mutated exclusively by the billing cycle engine once
// the subscription becomes Active.
type Subscription struct {
	ID                    string     `json:"id" gorm:"primaryKey"`
	UserID                string     `json:"userId" gorm:"index"` // Platform user. Also corresponds to Stripe's Customer ID
	PlanName              string     `json:"planName"`
	CurrentPriceCents     int64      `json:"currentPriceCents"` // Amount charged on each renewal
	Status                Status     `json:"status" gorm:"index"`
	NextBillingDate       time.Time  `json:"nextBillingDate" gorm:"index"` // Due for billing when <= now while Active
	LastBillingDate       *time.Time `json:"lastBillingDate"`              // Stamped on every successful charge
	FailedPaymentAttempts int        `json:"failedPaymentAttempts"`        // Reset to 0 on a successful charge
	LastPaymentError      *string    `json:"lastPaymentError"`
	LastPaymentFailedDate *time.Time `json:"lastPaymentFailedDate"`
	SuspendedDate         *time.Time `json:"suspendedDate"`      // Non-nil iff Status == StatusSuspended
	LastUsageResetDate    *time.Time `json:"lastUsageResetDate"` // Counters are due for reset when this lags LastBillingDate
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}
