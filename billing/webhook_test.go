package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"
	"github.com/zllovesuki/tally/spec"
	"github.com/zllovesuki/tally/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testReconciler(t *testing.T, h *harness) *Reconciler {
	r, err := NewReconciler(ReconcilerOptions{
		Gateway:             h.gateway,
		SubscriptionManager: h.subscriptions,
		PaymentManager:      h.payments,
		Producer:            h.producer,
		Logger:              zap.NewNop(),
	})
	require.NoError(t, err)
	return r
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	require.NoError(t, h.payments.Create(ctx, &payment.Payment{
		ExternalPaymentIntentID: "pi_1",
		WorkspaceID:             "ws1",
		Amount:                  10,
		Currency:                "usd",
		Status:                  payment.StatusPending,
	}))

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return nil, &external.SignatureError{Err: errors.New("signature mismatch")}
	}

	err := r.HandleEvent(ctx, []byte(`{"type":"payment_intent.succeeded"}`), "bad-sig")
	var sigErr *external.SignatureError
	require.True(t, errors.As(err, &sigErr))

	// nothing was mutated before verification
	p, err := h.payments.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Empty(t, h.producer.events)
}

func TestHandleEventSettlesPayment(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	require.NoError(t, h.payments.Create(ctx, &payment.Payment{
		ExternalPaymentIntentID: "pi_1",
		WorkspaceID:             "ws1",
		Amount:                  10,
		Currency:                "usd",
		Status:                  payment.StatusPending,
	}))

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.PaymentIntentSucceededEvent{PaymentIntentID: "pi_1"}, nil
	}
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))

	p, err := h.payments.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, p.Status)

	require.NotEmpty(t, h.producer.events)
	assert.Equal(t, spec.EventPaymentSettled, h.producer.events[0].Kind)
	assert.Equal(t, "ws1", h.producer.events[0].WorkspaceID)

	// an out-of-order contradictory delivery cannot move the terminal row
	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.PaymentIntentFailedEvent{PaymentIntentID: "pi_1"}, nil
	}
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))

	p, err = h.payments.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, p.Status)
}

func TestHandleEventPaymentMiss(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.PaymentIntentSucceededEvent{PaymentIntentID: "pi_untracked"}, nil
	}

	// the intent predates tracking; the delivery is acknowledged anyway
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))
	assert.Empty(t, h.producer.events)
}

func TestHandleEventSubscriptionChanged(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	_, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	_, err = h.subscriptions.OverwriteFromGateway(ctx, "ws1", subscription.PlanPro, &external.SubscriptionSnapshot{
		ID:     "sub_1",
		Status: "active",
	})
	require.NoError(t, err)

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.SubscriptionChangedEvent{
			Snapshot: external.SubscriptionSnapshot{
				ID:         "sub_1",
				Status:     "past_due",
				UnitAmount: 29.99,
			},
		}, nil
	}
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))

	sub, err := h.subscriptions.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)

	require.NotEmpty(t, h.producer.events)
	assert.Equal(t, spec.EventSubscriptionChanged, h.producer.events[0].Kind)
	assert.Equal(t, "ws1", h.producer.events[0].WorkspaceID)
}

func TestHandleEventSubscriptionDeleted(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	_, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	_, err = h.subscriptions.OverwriteFromGateway(ctx, "ws1", subscription.PlanPro, &external.SubscriptionSnapshot{
		ID:     "sub_1",
		Status: "active",
	})
	require.NoError(t, err)

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.SubscriptionDeletedEvent{SubscriptionID: "sub_1"}, nil
	}
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))

	sub, err := h.subscriptions.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
}

func TestHandleEventInvoicePaymentFailed(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	_, err := h.subscriptions.GetOrCreate(ctx, "ws1")
	require.NoError(t, err)
	_, err = h.subscriptions.OverwriteFromGateway(ctx, "ws1", subscription.PlanPro, &external.SubscriptionSnapshot{
		ID:     "sub_1",
		Status: "active",
	})
	require.NoError(t, err)

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.InvoicePaymentFailedEvent{
			InvoiceID:      "in_1",
			SubscriptionID: "sub_1",
		}, nil
	}
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))

	sub, err := h.subscriptions.GetByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)

	// a one-off invoice without a subscription reference is informational
	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.InvoicePaymentFailedEvent{InvoiceID: "in_2"}, nil
	}
	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))
}

func TestHandleEventUnknownAcknowledged(t *testing.T) {
	h := testHarness(t, nil)
	r := testReconciler(t, h)
	ctx := context.Background()

	h.gateway.verifyWebhookFn = func(payload []byte, signature string) (external.Event, error) {
		return external.UnknownEvent{Type: "customer.updated"}, nil
	}

	require.NoError(t, r.HandleEvent(ctx, nil, "sig"))
	assert.Empty(t, h.producer.events)
}
