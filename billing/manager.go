package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"
	"github.com/zllovesuki/tally/spec"
	"github.com/zllovesuki/tally/spec/broker"
	"github.com/zllovesuki/tally/subscription"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// minimum charge accepted by the processor, in major units
	minimumPaymentAmount float64 = 0.5

	// how long a subscription creation attempt reserves the workspace
	creationMarkerTTL = time.Second * 30

	creationMarkerPrefix = "billing:subscription:create:"
)

// ManagerOptions contains the configuration for the billing Manager
type ManagerOptions struct {
	SubscriptionManager *subscription.Manager
	PaymentManager      *payment.Manager
	Gateway             external.Gateway
	Prices              external.PriceTable
	Redis               redis.UniversalClient // optional: creation-in-flight markers
	Producer            broker.Producer       // optional: billing event fan-out
	Logger              *zap.Logger
}

// Manager orchestrates customer, payment intent, and subscription creation
// against the payment gateway. Local rows are written only after the gateway
// call succeeds; the only divergence window left is "gateway succeeded, local
// write failed", which the repair Task closes by re-polling the gateway.
type Manager struct {
	ManagerOptions
}

// NewManager validates the options and returns a billing Manager
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Prices == nil {
		return nil, fmt.Errorf("nil Prices is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GetOrCreateSubscription returns the workspace's subscription, lazily
// inserting the free trialing default on first access
func (m *Manager) GetOrCreateSubscription(ctx context.Context, workspaceID string) (*subscription.Subscription, error) {
	return m.SubscriptionManager.GetOrCreate(ctx, workspaceID)
}

// ensureCustomer lazily provisions a processor customer for the workspace,
// keyed by a deterministic synthetic email derived from the workspace id
func (m *Manager) ensureCustomer(ctx context.Context, sub *subscription.Subscription) (string, error) {
	if len(sub.ExternalCustomerID) > 0 {
		return sub.ExternalCustomerID, nil
	}
	cust, err := m.Gateway.CreateCustomer(ctx,
		fmt.Sprintf("workspace-%s@workspaces.tally.app", sub.WorkspaceID),
		fmt.Sprintf("Workspace %s", sub.WorkspaceID),
	)
	if err != nil {
		return "", err
	}
	if err := m.SubscriptionManager.SetCustomerID(ctx, sub.WorkspaceID, cust.ID); err != nil {
		return "", err
	}
	sub.ExternalCustomerID = cust.ID
	return cust.ID, nil
}

// PaymentIntentResult is returned to the caller so the frontend can confirm
// the payment with the processor
type PaymentIntentResult struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// CreatePaymentIntent creates a payment intent on the gateway and records it
// locally as pending. Settlement arrives later via the webhook reconciler.
func (m *Manager) CreatePaymentIntent(ctx context.Context, workspaceID string, amount float64, description string) (*PaymentIntentResult, error) {
	if amount < minimumPaymentAmount {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("amount must be at least %.2f", minimumPaymentAmount),
		}
	}

	sub, err := m.SubscriptionManager.GetOrCreate(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	customerID, err := m.ensureCustomer(ctx, sub)
	if err != nil {
		return nil, err
	}

	pi, err := m.Gateway.CreatePaymentIntent(ctx, external.PaymentIntentOptions{
		Amount:      amount,
		Currency:    sub.Currency,
		CustomerID:  customerID,
		Description: description,
	})
	if err != nil {
		return nil, err
	}

	if err := m.PaymentManager.Create(ctx, &payment.Payment{
		ExternalPaymentIntentID: pi.ID,
		WorkspaceID:             workspaceID,
		Amount:                  amount,
		Currency:                pi.Currency,
		Status:                  payment.StatusPending,
		Description:             description,
	}); err != nil {
		// intent exists on the gateway without a local row; the repair
		// sweep will pick it up once the webhook settles it
		m.Logger.Error("Payment intent created on gateway but local write failed",
			zap.String("WorkspaceID", workspaceID),
			zap.String("PaymentIntentID", pi.ID),
			zap.Error(err),
		)
		return nil, err
	}

	return &PaymentIntentResult{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
	}, nil
}

// SubscriptionResult is returned after a subscription creation. ClientSecret
// is set when the first invoice still requires payment confirmation.
type SubscriptionResult struct {
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
	ClientSecret   string `json:"clientSecret,omitempty"`
}

// CreateSubscription provisions a paid subscription on the gateway and
// overwrites the workspace's row from the response. Free plans and already
// active workspaces are rejected. Retries after a timeout reuse the same
// idempotency key via the redis creation marker, so the gateway deduplicates
// the create instead of double-charging.
func (m *Manager) CreateSubscription(ctx context.Context, workspaceID string, planType subscription.PlanType, paymentMethodID string) (*SubscriptionResult, error) {
	if planType == subscription.PlanFree {
		return nil, &ConflictError{Reason: "cannot create a subscription for the free plan"}
	}

	sub, err := m.SubscriptionManager.GetOrCreate(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscription.StatusActive {
		return nil, &ConflictError{Reason: "workspace already has an active subscription"}
	}

	customerID, err := m.ensureCustomer(ctx, sub)
	if err != nil {
		return nil, err
	}

	priceID, err := m.Prices.For(string(planType))
	if err != nil {
		return nil, err
	}

	idemKey, release, err := m.creationMarker(workspaceID)
	if err != nil {
		return nil, err
	}

	snap, err := m.Gateway.CreateSubscription(ctx, external.SubscriptionOptions{
		CustomerID:      customerID,
		PriceID:         priceID,
		PaymentMethodID: paymentMethodID,
		IdempotencyKey:  idemKey,
	})
	if err != nil {
		// the gateway may have accepted the create before a timeout
		// surfaced, so the marker survives timeouts and the retry replays
		// the same key. Only a definite refusal frees the workspace for a
		// fresh idempotent create.
		if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			release()
		}
		return nil, err
	}
	release()

	updated, err := m.SubscriptionManager.OverwriteFromGateway(ctx, workspaceID, planType, snap)
	if err != nil {
		return nil, err
	}

	m.publish(&spec.BillingEvent{
		Kind:        spec.EventSubscriptionChanged,
		WorkspaceID: workspaceID,
		ExternalID:  snap.ID,
		Status:      string(updated.Status),
		OccurredAt:  time.Now().UTC(),
	})

	result := &SubscriptionResult{
		SubscriptionID: snap.ID,
		Status:         snap.Status,
	}
	if len(snap.ClientSecret) > 0 {
		result.ClientSecret = snap.ClientSecret
	}
	return result, nil
}

// CancelResult acknowledges a cancellation
type CancelResult struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// CancelSubscription cancels the workspace's active subscription on the
// gateway, then marks it canceled locally
func (m *Manager) CancelSubscription(ctx context.Context, workspaceID string) (*CancelResult, error) {
	sub, err := m.SubscriptionManager.GetActive(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if sub == nil || len(sub.ExternalSubscriptionID) == 0 {
		return nil, &NotFoundError{Reason: "no active subscription found"}
	}

	if _, err := m.Gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID); err != nil {
		return nil, err
	}

	if err := m.SubscriptionManager.SetStatus(ctx, workspaceID, subscription.StatusCanceled); err != nil {
		return nil, err
	}

	m.publish(&spec.BillingEvent{
		Kind:        spec.EventSubscriptionDeleted,
		WorkspaceID: workspaceID,
		ExternalID:  sub.ExternalSubscriptionID,
		Status:      string(subscription.StatusCanceled),
		OccurredAt:  time.Now().UTC(),
	})

	return &CancelResult{
		Message: "Subscription canceled successfully",
		Success: true,
	}, nil
}

// ListPayments returns the workspace's payment ledger, newest first
func (m *Manager) ListPayments(ctx context.Context, workspaceID string) ([]payment.Payment, error) {
	return m.PaymentManager.List(ctx, workspaceID)
}

// creationMarker reserves the workspace for one in-flight subscription
// creation and yields the gateway idempotency key. A concurrent or retried
// attempt inside the TTL gets the reserved key back instead of minting a new
// one. Without redis this degrades to a fresh key per attempt.
func (m *Manager) creationMarker(workspaceID string) (string, func(), error) {
	key := uuid.New().String()
	if m.Redis == nil {
		return key, func() {}, nil
	}
	markerKey := creationMarkerPrefix + workspaceID
	set, err := m.Redis.SetNX(markerKey, key, creationMarkerTTL).Result()
	if err != nil {
		return "", nil, extErrors.Wrap(err, "Cannot reserve subscription creation marker")
	}
	if !set {
		existing, err := m.Redis.Get(markerKey).Result()
		if err != nil {
			return "", nil, extErrors.Wrap(err, "Cannot read subscription creation marker")
		}
		key = existing
	}
	return key, func() {
		m.Redis.Del(markerKey)
	}, nil
}

func (m *Manager) publish(e *spec.BillingEvent) {
	if m.Producer == nil {
		return
	}
	// fan-out is best effort, the mutation is already durable
	if err := m.Producer.PublishBillingEvent(e); err != nil {
		m.Logger.Error("Unable to publish billing event",
			zap.String("Kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}
