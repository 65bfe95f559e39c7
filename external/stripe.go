package external

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
)

var _ Gateway = &StripeGateway{}

const defaultCallTimeout = time.Second * 10

// NewStripeClient returns an API client scoped to the given secret key
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

// StripeOptions contains the configuration for StripeGateway
type StripeOptions struct {
	Client        *client.API
	WebhookSecret string
	CallTimeout   time.Duration
}

// StripeGateway implements Gateway on top of Stripe
type StripeGateway struct {
	StripeOptions
}

// NewStripeGateway validates the options and returns a Gateway backed by Stripe
func NewStripeGateway(option StripeOptions) (*StripeGateway, error) {
	if option.Client == nil {
		return nil, fmt.Errorf("nil Client is invalid")
	}
	if option.CallTimeout == 0 {
		option.CallTimeout = defaultCallTimeout
	}
	return &StripeGateway{
		StripeOptions: option,
	}, nil
}

func (g *StripeGateway) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.CallTimeout)
}

// CreateCustomer provisions a customer on Stripe
func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	c, err := g.Client.Customers.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "CreateCustomer", Err: err}
	}
	return &Customer{
		ID:    c.ID,
		Email: email,
		Name:  name,
	}, nil
}

// CreatePaymentIntent creates a payment intent on Stripe. The major-unit
// amount is converted to minor units here and nowhere else.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, opt PaymentIntentOptions) (*PaymentIntent, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:   stripe.Int64(int64(math.Round(opt.Amount * 100))),
		Currency: stripe.String(opt.Currency),
	}
	if len(opt.CustomerID) > 0 {
		params.Customer = stripe.String(opt.CustomerID)
	}
	if len(opt.Description) > 0 {
		params.Description = stripe.String(opt.Description)
	}
	pi, err := g.Client.PaymentIntents.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "CreatePaymentIntent", Err: err}
	}
	return paymentIntentFromStripe(pi), nil
}

// GetPaymentIntent fetches the processor's current view of a payment intent
func (g *StripeGateway) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	pi, err := g.Client.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, &GatewayError{Op: "GetPaymentIntent", Err: err}
	}
	return paymentIntentFromStripe(pi), nil
}

// CreateSubscription creates a subscription on Stripe and returns its
// complete snapshot, including the confirmation client secret if the first
// invoice still needs payment
func (g *StripeGateway) CreateSubscription(ctx context.Context, opt SubscriptionOptions) (*SubscriptionSnapshot, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Customer: stripe.String(opt.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price: stripe.String(opt.PriceID),
			},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if len(opt.PaymentMethodID) > 0 {
		params.DefaultPaymentMethod = stripe.String(opt.PaymentMethodID)
	}
	if len(opt.IdempotencyKey) > 0 {
		params.IdempotencyKey = stripe.String(opt.IdempotencyKey)
	}
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := g.Client.Subscriptions.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "CreateSubscription", Err: err}
	}
	return snapshotFromStripe(sub), nil
}

// CancelSubscription cancels a subscription on Stripe immediately
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	ctx, cancel := g.withDeadline(ctx)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	sub, err := g.Client.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, &GatewayError{Op: "CancelSubscription", Err: err}
	}
	return snapshotFromStripe(sub), nil
}

// VerifyWebhook checks the delivery signature and parses the payload into a
// typed Event. Nothing may be persisted before this returns successfully.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.WebhookSecret)
	if err != nil {
		return nil, &SignatureError{Err: err}
	}
	return parseEvent(event)
}

func paymentIntentFromStripe(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
	}
}

func snapshotFromStripe(sub *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		snap.UnitAmount = float64(sub.Items.Data[0].Price.UnitAmount) / 100
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		snap.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return snap
}

// subscriptionPayload is the subset of Stripe's subscription object consumed
// from webhook deliveries. Customer is an id string, not an expanded object.
type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				UnitAmount int64 `json:"unit_amount"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func parseEvent(event stripe.Event) (Event, error) {
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode payment intent payload")
		}
		if event.Type == "payment_intent.succeeded" {
			return PaymentIntentSucceededEvent{PaymentIntentID: pi.ID}, nil
		}
		return PaymentIntentFailedEvent{PaymentIntentID: pi.ID}, nil
	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode subscription payload")
		}
		snap := SubscriptionSnapshot{
			ID:                 sub.ID,
			CustomerID:         sub.Customer,
			Status:             sub.Status,
			CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
			CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		}
		if len(sub.Items.Data) > 0 {
			snap.UnitAmount = float64(sub.Items.Data[0].Price.UnitAmount) / 100
		}
		return SubscriptionChangedEvent{Snapshot: snap}, nil
	case "customer.subscription.deleted":
		var sub struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode subscription payload")
		}
		return SubscriptionDeletedEvent{SubscriptionID: sub.ID}, nil
	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv struct {
			ID           string `json:"id"`
			Subscription string `json:"subscription"`
		}
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, extErrors.Wrap(err, "Cannot decode invoice payload")
		}
		if event.Type == "invoice.payment_succeeded" {
			return InvoicePaymentSucceededEvent{InvoiceID: inv.ID}, nil
		}
		return InvoicePaymentFailedEvent{InvoiceID: inv.ID, SubscriptionID: inv.Subscription}, nil
	default:
		return UnknownEvent{Type: event.Type}, nil
	}
}
