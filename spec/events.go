package spec

import "time"

// EventKind identifies what changed in the billing projection
type EventKind string

// Defining the kinds of billing events published on the bus
const (
	EventSubscriptionChanged EventKind = "subscription.changed"
	EventSubscriptionDeleted EventKind = "subscription.deleted"
	EventPaymentSettled      EventKind = "payment.settled"
)

// BillingEvent is the fan-out record published after a billing mutation so
// that live-update consumers (chat, notifications) can react. The payload is
// a flat snapshot, not a delta, so consumers never depend on delivery order.
type BillingEvent struct {
	Kind        EventKind `json:"kind"`
	WorkspaceID string    `json:"workspaceId"`
	ExternalID  string    `json:"externalId"` // subscription or payment intent id on the processor
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurredAt"`
}
