package broker

import (
	"github.com/zllovesuki/tally/spec"
)

// Producer defines a producer publishing billing events via message broker
type Producer interface {
	Close()
	PublishBillingEvent(e *spec.BillingEvent) error
}
