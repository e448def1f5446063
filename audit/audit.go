package audit

import "time"

// Event is an immutable billing/security event. Events are only ever
// inserted, never updated or deleted.
type Event struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"userId" gorm:"index"`
	EventType string    `json:"eventType" gorm:"index"` // e.g. PaymentSuccess, PaymentRetryFailed
	EntityID  string    `json:"entityId" gorm:"index"`  // billing record or subscription the event refers to
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}
