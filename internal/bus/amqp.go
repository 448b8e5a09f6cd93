package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"faregate/internal/event"
)

const (
	headerEventType     = "event-type"
	headerCorrelationID = "correlation-id"
)

// Handler errors are retried in place with backoff before a delivery is given
// up on. The DLQ is reserved for malformed bodies and poison deliveries that
// keep failing; transient store errors must resolve through redelivery.
const (
	defaultHandlerAttempts = 5
	defaultRetryBaseDelay  = 250 * time.Millisecond
	defaultRetryMaxDelay   = 4 * time.Second
)

// AMQPBus is an at-least-once event bus on top of RabbitMQ. Every queue it
// declares is durable and dead-letters rejected messages to <queue>.dlq on the
// <exchange>.dlx exchange.
type AMQPBus struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	url       string
	exchange  string
	prefetch  int
	attempts  int
	retryBase time.Duration
	retryMax  time.Duration
	logf      func(format string, args ...any)
}

// AMQPConfig configures the bus connection.
type AMQPConfig struct {
	URL      string
	Exchange string
	Prefetch int
	Logf     func(format string, args ...any)
}

// DialAMQP connects to RabbitMQ and declares the event exchange and its
// dead-letter companion.
func DialAMQP(cfg AMQPConfig) (*AMQPBus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 32
	}

	b := &AMQPBus{
		url:       cfg.URL,
		exchange:  cfg.Exchange,
		prefetch:  prefetch,
		attempts:  defaultHandlerAttempts,
		retryBase: defaultRetryBaseDelay,
		retryMax:  defaultRetryMaxDelay,
		logf:      logf,
	}
	if err := b.ensureConnection(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) ensureConnection() error {
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	if err := ch.ExchangeDeclare(b.dlx(), "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.dlx(), err)
	}

	b.conn = conn
	b.channel = ch
	return nil
}

func (b *AMQPBus) dlx() string { return b.exchange + ".dlx" }

// Publish sends the envelope to the event exchange with the kind's routing
// key. The event type and correlation id travel as headers so consumers can
// dispatch without parsing the body.
func (b *AMQPBus) Publish(ctx context.Context, env event.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnection(); err != nil {
		return err
	}

	err = b.channel.PublishWithContext(ctx,
		b.exchange,
		env.Kind.RoutingKey(),
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: env.CorrelationID,
			Headers: amqp.Table{
				headerEventType:     string(env.Kind),
				headerCorrelationID: env.CorrelationID,
			},
			Body: body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Kind, err)
	}
	return nil
}

// Subscribe declares the durable queue with its dead-letter queue, binds it to
// each kind's routing key and consumes deliveries until ctx is done. A failing
// handler is retried in place with backoff; only after the attempts run out is
// the delivery rejected without requeue, which routes it to the DLQ.
func (b *AMQPBus) Subscribe(ctx context.Context, queue string, kinds []event.Kind, h Handler) error {
	deliveries, err := b.startConsume(queue, kinds)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", queue)
			}
			b.dispatch(ctx, queue, d, h)
		}
	}
}

func (b *AMQPBus) startConsume(queue string, kinds []event.Kind) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnection(); err != nil {
		return nil, err
	}

	dlq := queue + ".dlq"
	if _, err := b.channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := b.channel.QueueBind(dlq, queue, b.dlx(), false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    b.dlx(),
		"x-dead-letter-routing-key": queue,
	}
	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	for _, kind := range kinds {
		if err := b.channel.QueueBind(queue, kind.RoutingKey(), b.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue %s to %s: %w", queue, kind.RoutingKey(), err)
		}
	}

	if err := b.channel.Qos(b.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := b.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (b *AMQPBus) dispatch(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	env, err := event.Decode(d.Body)
	if err != nil {
		// Malformed payloads can never succeed on redelivery.
		b.logf("bus: dropping malformed delivery on %s: %v", queue, err)
		_ = d.Nack(false, false)
		return
	}
	if env.CorrelationID == "" {
		env.CorrelationID = d.CorrelationId
	}

	for attempt := 1; ; attempt++ {
		err := h(ctx, env)
		if err == nil {
			_ = d.Ack(false)
			return
		}
		if attempt >= b.attempts {
			b.logf("bus: handler failed %d times on %s kind=%s payment_id=%s, dead-lettering: %v",
				attempt, queue, env.Kind, env.Payload.PaymentID, err)
			_ = d.Nack(false, false)
			return
		}
		b.logf("bus: handler attempt %d on %s kind=%s payment_id=%s: %v",
			attempt, queue, env.Kind, env.Payload.PaymentID, err)

		delay := b.retryBase << (attempt - 1)
		if b.retryMax > 0 && delay > b.retryMax {
			delay = b.retryMax
		}
		select {
		case <-ctx.Done():
			// Shutting down mid-retry; requeue so another consumer picks the
			// delivery up.
			_ = d.Nack(false, true)
			return
		case <-time.After(delay):
		}
	}
}

// Close releases the channel and connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			return err
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
