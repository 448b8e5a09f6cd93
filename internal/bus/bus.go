package bus

import (
	"context"

	"faregate/internal/event"
)

// Handler processes one delivered event. Returning an error signals the bus
// that the delivery failed; the bus retries it and dead-letters it only once
// the retries run out. Handlers must be safe to call again with the same
// event (at-least-once delivery is the only guarantee).
type Handler func(ctx context.Context, env event.Envelope) error

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Subscriber binds a durable queue to a set of event kinds.
type Subscriber interface {
	// Subscribe declares the queue, binds it to every kind's routing key and
	// runs the handler for each delivery until ctx is done.
	Subscribe(ctx context.Context, queue string, kinds []event.Kind, h Handler) error
}

// Bus is the full publish/subscribe surface the saga is built on.
type Bus interface {
	Publisher
	Subscriber
}
