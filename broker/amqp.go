package broker

import (
	"context"
	"encoding/json"

	"github.com/zllovesuki/tally/spec"
	"github.com/zllovesuki/tally/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ broker.Producer = &AMQPBroker{}
var _ broker.Consumer = &AMQPBroker{}

const (
	billingEventsExchange string = "billing_events"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	b := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := b.setupBillingExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for billing events")
	}

	return b, nil
}

func (a *AMQPBroker) setupBillingExchange() error {
	return a.channel.ExchangeDeclare(
		billingEventsExchange, // name
		"topic",               // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// PublishBillingEvent will fan out a billing event to all bound consumers.
// The routing key is the event kind so consumers can bind a subset.
func (a *AMQPBroker) PublishBillingEvent(e *spec.BillingEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode billing event into bytes")
	}
	if err := a.channel.Publish(
		billingEventsExchange,
		string(e.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish billing event")
	}
	return nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

func (a *AMQPBroker) bindAndGetMsgChan(qName string) (<-chan amqp.Delivery, error) {
	if err := a.channel.QueueBind(
		qName,
		"#", // all billing events
		billingEventsExchange,
		false,
		nil,
	); err != nil {
		return nil, err
	}
	msgChan, err := a.channel.Consume(
		qName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	return msgChan, err
}

// ReceiveBillingEvents will deliver decoded billing events to the returned
// channel until ctx is cancelled. Each consumerName gets its own durable queue.
func (a *AMQPBroker) ReceiveBillingEvents(ctx context.Context, consumerName string) (<-chan *spec.BillingEvent, error) {
	name := "billing_" + consumerName
	if err := a.setupQueue(name); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	msgChan, err := a.bindAndGetMsgChan(name)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan *spec.BillingEvent)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var e spec.BillingEvent
				if err := json.Unmarshal(d.Body, &e); err != nil {
					d.Nack(false, false)
					continue
				}
				rChan <- &e
				d.Ack(false)
			}
		}
	}()
	return rChan, nil
}
