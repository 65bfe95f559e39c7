package external

import (
	"context"
	"time"
)

// Customer is the processor-side customer record
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// PaymentIntent is the processor-side payment intent. Amount is in the
// currency's minor units; the conversion from major units happens only at
// this boundary.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// SubscriptionSnapshot is the processor's complete current view of a
// subscription. Webhook payloads and synchronous responses both reduce to
// this, which is what makes reconciliation order-insensitive.
type SubscriptionSnapshot struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customerId"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	UnitAmount         float64   `json:"unitAmount"` // major units
	ClientSecret       string    `json:"clientSecret,omitempty"`
}

// PaymentIntentOptions are the inputs for creating a payment intent.
// Amount is in major units.
type PaymentIntentOptions struct {
	Amount      float64
	Currency    string
	CustomerID  string
	Description string
}

// SubscriptionOptions are the inputs for creating a subscription
type SubscriptionOptions struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	IdempotencyKey  string
}

// Gateway is the boundary with the external payment processor. It owns no
// local state.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name string) (*Customer, error)
	CreatePaymentIntent(ctx context.Context, opt PaymentIntentOptions) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	CreateSubscription(ctx context.Context, opt SubscriptionOptions) (*SubscriptionSnapshot, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)
	VerifyWebhook(payload []byte, signature string) (Event, error)
}
