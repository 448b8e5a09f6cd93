package bus

import (
	"context"
	"sync"

	"faregate/internal/event"
)

// LocalBus is an in-process Bus for tests and single-binary setups. Publish
// dispatches synchronously to every matching subscription and records the
// envelope for inspection. Handler errors are collected per envelope but do
// not stop the other subscribers, mirroring independent queues on the broker.
type LocalBus struct {
	mu            sync.Mutex
	subscriptions map[event.Kind][]Handler
	published     []event.Envelope
	handlerErrs   []error
}

// NewLocalBus constructs an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscriptions: make(map[event.Kind][]Handler),
	}
}

// Publish records the envelope and invokes the matching handlers in
// subscription order.
func (b *LocalBus) Publish(ctx context.Context, env event.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	// Round-trip through the codec so tests exercise the wire shape.
	env, err = event.Decode(body)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, env)
	handlers := append([]Handler(nil), b.subscriptions[env.Kind]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if herr := h(ctx, env); herr != nil {
			b.mu.Lock()
			b.handlerErrs = append(b.handlerErrs, herr)
			b.mu.Unlock()
		}
	}
	return nil
}

// Subscribe registers the handler for each kind. The queue name is accepted
// for interface parity and ignored; ctx is not held since dispatch happens
// inside Publish.
func (b *LocalBus) Subscribe(_ context.Context, _ string, kinds []event.Kind, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		b.subscriptions[kind] = append(b.subscriptions[kind], h)
	}
	return nil
}

// Published returns a copy of every envelope published so far.
func (b *LocalBus) Published() []event.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Envelope(nil), b.published...)
}

// PublishedOf returns the envelopes of one kind, in publish order.
func (b *LocalBus) PublishedOf(kind event.Kind) []event.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event.Envelope
	for _, env := range b.published {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// HandlerErrors returns errors returned by handlers during dispatch.
func (b *LocalBus) HandlerErrors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.handlerErrs...)
}
