/*
Package relay bridges the in-process event bus to RabbitMQ.

PURPOSE:
  Optional integration: other club services (display boards, accounting
  exports) consume transaction events without speaking SSE. The relay
  subscribes to the bus like any other listener and republishes each
  event to a fanout exchange.

DELIVERY:
  Best effort, same as the bus. The relay's queue drops on overflow and
  publish failures are logged, not retried; consumers needing a complete
  record read the store, not the exchange.
*/
package relay

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/clubtab/ledger-engine/eventstream"
)

const reconnectDelay = 5 * time.Second

// Relay republishes bus events to a RabbitMQ fanout exchange.
type Relay struct {
	URL      string
	Exchange string
	Channel  string
	Events   *eventstream.Registry
	Log      *logrus.Logger
}

// New creates a relay for the given bus channel.
func New(url, exchange, channel string, events *eventstream.Registry, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{URL: url, Exchange: exchange, Channel: channel, Events: events, Log: log}
}

// Run pumps events until ctx is done, reconnecting on broker failures.
func (r *Relay) Run(ctx context.Context) {
	listener := r.Events.Subscribe(r.Channel)
	defer listener.Close()

	for {
		if err := r.pump(ctx, listener); err != nil {
			r.Log.WithError(err).Warn("relay connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (r *Relay) pump(ctx context.Context, listener *eventstream.Listener) error {
	conn, err := amqp.Dial(r.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(r.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	r.Log.WithField("exchange", r.Exchange).Info("relay connected")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			return err
		case ev := <-listener.C():
			if err := r.publish(ctx, ch, ev); err != nil {
				r.Log.WithError(err).WithField("event", ev.Name).Warn("relay publish failed")
				return err
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, ch *amqp.Channel, ev eventstream.Event) error {
	return ch.PublishWithContext(ctx, r.Exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        ev.Name,
		MessageId:   ev.ID,
		Timestamp:   time.Now().UTC(),
		Body:        ev.Data,
	})
}
