package billing

import "time"

// RecordStatus is the custom type to define the current state of a billing record
type RecordStatus string

// A Record makes exactly one terminal transition:
// Pending -> Paid / Failed / Cancelled.
// Refunds create an adjustment record, they never rewrite history.
const (
	RecordPending   RecordStatus = "Pending"
	RecordPaid      RecordStatus = "Paid"
	RecordFailed    RecordStatus = "Failed"
	RecordRefunded  RecordStatus = "Refunded"
	RecordCancelled RecordStatus = "Cancelled"
)

// Record is the durable trace of a single payment attempt. Every billing or
// cooldown retry attempt creates a new Record, none are reused.
type Record struct {
	ID               string       `json:"id" gorm:"primaryKey"`
	UserID           string       `json:"userId" gorm:"index"`
	SubscriptionID   *string      `json:"subscriptionId" gorm:"index"` // nil for one-off charges outside the cycle
	AmountCents      int64        `json:"amountCents"`
	Description      string       `json:"description"`
	DueDate          time.Time    `json:"dueDate"`
	Status           RecordStatus `json:"status" gorm:"index"`
	PaidAt           *time.Time   `json:"paidAt"`                      // Non-nil iff Status == RecordPaid
	PaymentReference *string      `json:"paymentReference"`            // Gateway reference, set on success
	FailureReason    *string      `json:"failureReason"`               // Non-nil iff Status == RecordFailed
	Adjustments      []Adjustment `json:"adjustments" gorm:"foreignKey:RecordID"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Adjustment is an additive amount attached to a Record (credits, refunds)
type Adjustment struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	RecordID    string    `json:"recordId" gorm:"index"`
	AmountCents int64     `json:"amountCents"` // negative for credits/refunds
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TotalCents returns the record amount with all adjustments applied
func (r *Record) TotalCents() int64 {
	total := r.AmountCents
	for _, adj := range r.Adjustments {
		total += adj.AmountCents
	}
	return total
}
