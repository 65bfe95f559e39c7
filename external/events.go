package external

// Event is a verified, parsed webhook notification from the payment
// processor. The set of variants is closed so that dispatch is an exhaustive
// type switch instead of stringly-typed branching.
type Event interface {
	event()
}

// PaymentIntentSucceededEvent reports a payment intent settling successfully
type PaymentIntentSucceededEvent struct {
	PaymentIntentID string
}

// PaymentIntentFailedEvent reports a payment intent failing to settle
type PaymentIntentFailedEvent struct {
	PaymentIntentID string
}

// SubscriptionChangedEvent carries the processor's full snapshot after a
// subscription was created or updated
type SubscriptionChangedEvent struct {
	Snapshot SubscriptionSnapshot
}

// SubscriptionDeletedEvent reports a subscription being deleted on the
// processor side
type SubscriptionDeletedEvent struct {
	SubscriptionID string
}

// InvoicePaymentSucceededEvent is informational; no local state depends on it
type InvoicePaymentSucceededEvent struct {
	InvoiceID string
}

// InvoicePaymentFailedEvent reports a failed invoice charge, optionally tied
// to a subscription
type InvoicePaymentFailedEvent struct {
	InvoiceID      string
	SubscriptionID string
}

// UnknownEvent is any verified event kind this subsystem does not handle.
// It must be acknowledged, never errored, to avoid retry storms.
type UnknownEvent struct {
	Type string
}

func (PaymentIntentSucceededEvent) event()  {}
func (PaymentIntentFailedEvent) event()     {}
func (SubscriptionChangedEvent) event()     {}
func (SubscriptionDeletedEvent) event()     {}
func (InvoicePaymentSucceededEvent) event() {}
func (InvoicePaymentFailedEvent) event()    {}
func (UnknownEvent) event()                 {}
