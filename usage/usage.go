package usage

import "time"

// Counter tracks a subscription's consumption within the current billing
// cycle. One row per subscription, zeroed when the cycle rolls over.
type Counter struct {
	SubscriptionID  string    `json:"subscriptionId" gorm:"primaryKey"`
	VideoMinutes    int64     `json:"videoMinutes"`
	MessagesSent    int64     `json:"messagesSent"`
	DocumentsStored int64     `json:"documentsStored"`
	PeriodStart     time.Time `json:"periodStart"` // start of the cycle the counters belong to
	UpdatedAt       time.Time `json:"updatedAt"`
}
