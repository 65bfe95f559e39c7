package payment

import (
	"time"

	"github.com/zllovesuki/tally/spec"
)

// Status is the custom type to define the current status of a payment intent
type Status string

// Defining the possible payment statuses. Pending is the only non-terminal
// status; once a payment leaves it the row is immutable.
const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusRefunded  Status = "refunded"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Payment is one row per payment-intent attempt, keyed by the processor's
// payment intent id
type Payment struct {
	ExternalPaymentIntentID string          `json:"externalPaymentIntentId" gorm:"primaryKey"` // Corresponds to Stripe's PaymentIntent ID
	WorkspaceID             string          `json:"workspaceId" gorm:"index"`
	Amount                  float64         `json:"amount"` // major units
	Currency                string          `json:"currency"`
	Status                  Status          `json:"status"`
	Description             string          `json:"description"`
	Metadata                spec.Parameters `json:"metadata"`
	CreatedAt               time.Time       `json:"createdAt" gorm:"index"`
}
