package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval  = time.Minute * 5
	defaultStaleThreshold = time.Hour
)

// TaskOptions contains the configuration for the payment repair Task
type TaskOptions struct {
	PaymentManager *payment.Manager
	Gateway        external.Gateway
	Logger         *zap.Logger
	Interval       time.Duration
	StaleThreshold time.Duration
}

// Task closes the "gateway succeeded, local write or webhook lost" window:
// payments stuck pending beyond the threshold are re-polled against the
// gateway and settled with the same guarded transition the webhook path uses.
type Task struct {
	TaskOptions
}

// NewTask validates the options and returns a payment repair Task
func NewTask(option TaskOptions) (*Task, error) {
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval == 0 {
		option.Interval = defaultSweepInterval
	}
	if option.StaleThreshold == 0 {
		option.StaleThreshold = defaultStaleThreshold
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// SweepPendingPayments performs one pass over stale pending payments
func (t *Task) SweepPendingPayments(ctx context.Context) error {
	stale, err := t.PaymentManager.ListStalePending(ctx, time.Now().Add(-t.StaleThreshold))
	if err != nil {
		return err
	}
	for _, p := range stale {
		pi, err := t.Gateway.GetPaymentIntent(ctx, p.ExternalPaymentIntentID)
		if err != nil {
			t.Logger.Error("Unable to re-poll payment intent",
				zap.String("PaymentIntentID", p.ExternalPaymentIntentID),
				zap.Error(err),
			)
			continue
		}
		status, terminal := settlementStatus(pi.Status)
		if !terminal {
			continue
		}
		if err := t.PaymentManager.Settle(ctx, p.ExternalPaymentIntentID, status); err != nil {
			t.Logger.Error("Unable to settle stale payment",
				zap.String("PaymentIntentID", p.ExternalPaymentIntentID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run sweeps on the configured interval until ctx is cancelled
func (t *Task) Run(ctx context.Context) {
	tick := time.NewTicker(t.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := t.SweepPendingPayments(ctx); err != nil {
				t.Logger.Error("Pending payment sweep failed",
					zap.Error(err),
				)
			}
		}
	}
}

// settlementStatus maps the gateway's intent status onto a terminal local
// status. Intents still collecting a payment method stay pending.
func settlementStatus(gatewayStatus string) (payment.Status, bool) {
	switch gatewayStatus {
	case "succeeded":
		return payment.StatusSucceeded, true
	case "canceled":
		return payment.StatusCanceled, true
	default:
		return "", false
	}
}
