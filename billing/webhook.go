package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/tally/external"
	"github.com/zllovesuki/tally/payment"
	"github.com/zllovesuki/tally/spec"
	"github.com/zllovesuki/tally/spec/broker"
	"github.com/zllovesuki/tally/subscription"

	"go.uber.org/zap"
)

// ReconcilerOptions contains the configuration for the webhook Reconciler
type ReconcilerOptions struct {
	Gateway             external.Gateway
	SubscriptionManager *subscription.Manager
	PaymentManager      *payment.Manager
	Producer            broker.Producer // optional: billing event fan-out
	Logger              *zap.Logger
}

// Reconciler applies the payment processor's asynchronous notifications to
// the local projection. Every transition is idempotent and tolerant of
// out-of-order, at-least-once delivery: payloads carry full snapshots, misses
// are silent, and terminal payment states never move.
type Reconciler struct {
	ReconcilerOptions
}

// NewReconciler validates the options and returns a webhook Reconciler
func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.PaymentManager == nil {
		return nil, fmt.Errorf("nil PaymentManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// HandleEvent verifies the delivery signature, then dispatches the typed
// event. No store is touched before verification succeeds. Unknown event
// kinds are acknowledged without mutation so the processor does not retry
// them forever.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	event, err := r.Gateway.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}

	switch ev := event.(type) {
	case external.PaymentIntentSucceededEvent:
		return r.settlePayment(ctx, ev.PaymentIntentID, payment.StatusSucceeded)
	case external.PaymentIntentFailedEvent:
		return r.settlePayment(ctx, ev.PaymentIntentID, payment.StatusFailed)
	case external.SubscriptionChangedEvent:
		if err := r.SubscriptionManager.ApplySnapshot(ctx, &ev.Snapshot); err != nil {
			return err
		}
		r.publishForExternalID(ctx, spec.EventSubscriptionChanged, ev.Snapshot.ID,
			string(subscription.StatusFromGateway(ev.Snapshot.Status)))
		return nil
	case external.SubscriptionDeletedEvent:
		if err := r.SubscriptionManager.MarkStatusByExternalID(ctx, ev.SubscriptionID, subscription.StatusCanceled); err != nil {
			return err
		}
		r.publishForExternalID(ctx, spec.EventSubscriptionDeleted, ev.SubscriptionID,
			string(subscription.StatusCanceled))
		return nil
	case external.InvoicePaymentFailedEvent:
		if len(ev.SubscriptionID) == 0 {
			r.Logger.Warn("Invoice payment failed without a subscription reference",
				zap.String("InvoiceID", ev.InvoiceID),
			)
			return nil
		}
		return r.SubscriptionManager.MarkStatusByExternalID(ctx, ev.SubscriptionID, subscription.StatusPastDue)
	case external.InvoicePaymentSucceededEvent:
		// informational only; audit trail belongs to an external consumer
		r.Logger.Info("Invoice payment succeeded",
			zap.String("InvoiceID", ev.InvoiceID),
		)
		return nil
	case external.UnknownEvent:
		r.Logger.Warn("Unhandled event type",
			zap.String("Type", ev.Type),
		)
		return nil
	default:
		r.Logger.Warn("Event variant without a handler")
		return nil
	}
}

// settlePayment moves a tracked pending payment into a terminal status. The
// intent may predate tracking or belong to another consumer, so a miss is a
// no-op rather than an error.
func (r *Reconciler) settlePayment(ctx context.Context, paymentIntentID string, status payment.Status) error {
	if err := r.PaymentManager.Settle(ctx, paymentIntentID, status); err != nil {
		return err
	}
	p, err := r.PaymentManager.Get(ctx, paymentIntentID)
	if err != nil || p == nil {
		return err
	}
	r.publish(&spec.BillingEvent{
		Kind:        spec.EventPaymentSettled,
		WorkspaceID: p.WorkspaceID,
		ExternalID:  paymentIntentID,
		Status:      string(p.Status),
		OccurredAt:  time.Now().UTC(),
	})
	return nil
}

func (r *Reconciler) publishForExternalID(ctx context.Context, kind spec.EventKind, externalSubscriptionID, status string) {
	sub, err := r.SubscriptionManager.GetByExternalID(ctx, externalSubscriptionID)
	if err != nil || sub == nil {
		return
	}
	r.publish(&spec.BillingEvent{
		Kind:        kind,
		WorkspaceID: sub.WorkspaceID,
		ExternalID:  externalSubscriptionID,
		Status:      status,
		OccurredAt:  time.Now().UTC(),
	})
}

func (r *Reconciler) publish(e *spec.BillingEvent) {
	if r.Producer == nil {
		return
	}
	if err := r.Producer.PublishBillingEvent(e); err != nil {
		r.Logger.Error("Unable to publish billing event",
			zap.String("Kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}
