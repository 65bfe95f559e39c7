package billing

import (
	"context"
	"testing"
	"time"

	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepPendingPayments(t *testing.T) {
	h := testHarness(t, nil)
	ctx := context.Background()

	task, err := NewTask(TaskOptions{
		PaymentManager: h.payments,
		Gateway:        h.gateway,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, h.payments.Create(ctx, &payment.Payment{
		ExternalPaymentIntentID: "pi_lost_webhook",
		WorkspaceID:             "ws1",
		Amount:                  10,
		Currency:                "usd",
		Status:                  payment.StatusPending,
		CreatedAt:               now.Add(-2 * time.Hour),
	}))
	require.NoError(t, h.payments.Create(ctx, &payment.Payment{
		ExternalPaymentIntentID: "pi_still_collecting",
		WorkspaceID:             "ws1",
		Amount:                  20,
		Currency:                "usd",
		Status:                  payment.StatusPending,
		CreatedAt:               now.Add(-2 * time.Hour),
	}))
	require.NoError(t, h.payments.Create(ctx, &payment.Payment{
		ExternalPaymentIntentID: "pi_fresh",
		WorkspaceID:             "ws1",
		Amount:                  30,
		Currency:                "usd",
		Status:                  payment.StatusPending,
		CreatedAt:               now,
	}))

	polled := make(map[string]bool)
	h.gateway.getPaymentIntentFn = func(ctx context.Context, paymentIntentID string) (*external.PaymentIntent, error) {
		polled[paymentIntentID] = true
		switch paymentIntentID {
		case "pi_lost_webhook":
			return &external.PaymentIntent{ID: paymentIntentID, Status: "succeeded"}, nil
		default:
			return &external.PaymentIntent{ID: paymentIntentID, Status: "requires_payment_method"}, nil
		}
	}

	require.NoError(t, task.SweepPendingPayments(ctx))

	assert.True(t, polled["pi_lost_webhook"])
	assert.True(t, polled["pi_still_collecting"])
	assert.False(t, polled["pi_fresh"], "payments inside the stale threshold are left alone")

	p, err := h.payments.Get(ctx, "pi_lost_webhook")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, p.Status)

	p, err = h.payments.Get(ctx, "pi_still_collecting")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status, "non-terminal gateway status stays pending for the next sweep")
}

func TestSettlementStatus(t *testing.T) {
	status, terminal := settlementStatus("succeeded")
	assert.True(t, terminal)
	assert.Equal(t, payment.StatusSucceeded, status)

	status, terminal = settlementStatus("canceled")
	assert.True(t, terminal)
	assert.Equal(t, payment.StatusCanceled, status)

	_, terminal = settlementStatus("requires_payment_method")
	assert.False(t, terminal)

	_, terminal = settlementStatus("processing")
	assert.False(t, terminal)
}
