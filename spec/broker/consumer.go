package broker

import (
	"context"

	"github.com/zllovesuki/tally/spec"
)

// Consumer defines a consumer receiving billing events via message broker
type Consumer interface {
	Close()
	ReceiveBillingEvents(ctx context.Context, consumerName string) (<-chan *spec.BillingEvent, error)
}
