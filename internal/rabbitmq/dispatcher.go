package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is the decoded inbound message handed to handlers: raw bytes plus
// the addressing fields needed to route a reply. Handlers decode the body
// once through their own contract types; the dispatcher never re-inspects it.
type Delivery struct {
	Queue         string
	Body          []byte
	ReplyTo       string
	CorrelationID string
	Redelivered   bool
}

// HandlerFunc processes one delivery and returns a reply payload. A string or
// []byte result is sent raw; any other value is JSON-encoded. Returning an
// error produces an {"error": ...} reply instead.
type HandlerFunc func(ctx context.Context, d *Delivery) (any, error)

// replyPublisher is the slice of Publisher the dispatcher needs to answer
// reply-to addresses.
type replyPublisher interface {
	Publish(ctx context.Context, route string, payload any, options ...PublishOption) error
}

// Dispatcher binds queues to handler functions. For every delivered message
// it runs the handler, publishes the result (or an error payload) to the
// message's reply-to address when present, and acknowledges the message after
// the handler completes. One message's failure never terminates the loop.
type Dispatcher struct {
	pool      *ChannelPool
	publisher replyPublisher
	logger    *slog.Logger
	prefetch  int

	mu       sync.Mutex
	closed   bool
	bindings map[string]*binding
	wg       sync.WaitGroup
}

type binding struct {
	queue   string
	channel *PooledChannel
	cancel  context.CancelFunc
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPrefetch sets the per-binding prefetch count
func WithPrefetch(count int) DispatcherOption {
	return func(d *Dispatcher) {
		d.prefetch = count
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(pool *ChannelPool, publisher *Publisher, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:      pool,
		publisher: publisher,
		logger:    slog.Default(),
		prefetch:  1,
		bindings:  make(map[string]*binding),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Bind subscribes handler to the named queue and starts the consumer loop.
// The channel is dedicated to the subscription for its lifetime.
func (d *Dispatcher) Bind(ctx context.Context, queue string, handler HandlerFunc) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if _, exists := d.bindings[queue]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyBound, queue)
	}
	d.mu.Unlock()

	ch, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.Qos(d.prefetch, 0, false); err != nil {
		d.pool.Put(ch)
		return fmt.Errorf("set qos for %q: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // broker-assigned consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		d.pool.Put(ch)
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.bindings[queue] = &binding{queue: queue, channel: ch, cancel: cancel}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.consumeLoop(loopCtx, queue, deliveries, handler)

	d.logger.Info("bound handler to queue", "queue", queue, "prefetch", d.prefetch)

	return nil
}

// consumeLoop drains deliveries until the subscription is cancelled or the
// channel closes underneath it.
func (d *Dispatcher) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler HandlerFunc) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.releaseBinding(queue)
			return
		case delivery, ok := <-deliveries:
			if !ok {
				d.logger.Warn("delivery stream closed", "queue", queue)
				d.releaseBinding(queue)
				return
			}
			d.process(ctx, queue, delivery, handler)
		}
	}
}

// process runs one delivery through the handler and acknowledges it. The
// message is acked on success and on converted failures alike; malformed
// bodies must not loop back as poison messages.
func (d *Dispatcher) process(ctx context.Context, queue string, delivery amqp.Delivery, handler HandlerFunc) {
	msg := &Delivery{
		Queue:         queue,
		Body:          delivery.Body,
		ReplyTo:       delivery.ReplyTo,
		CorrelationID: delivery.CorrelationId,
		Redelivered:   delivery.Redelivered,
	}

	result, err := d.invoke(ctx, msg, handler)

	var reply any
	if err != nil {
		d.logger.Error("handler failed",
			"queue", queue,
			"error", err,
			"redelivered", delivery.Redelivered)
		reply = map[string]string{"error": err.Error()}
	} else {
		reply = result
	}

	if msg.ReplyTo != "" {
		if reply == nil {
			reply = json.RawMessage(`{}`)
		}
		if pubErr := d.publisher.Publish(ctx, msg.ReplyTo, reply,
			WithCorrelationID(msg.CorrelationID),
		); pubErr != nil {
			d.logger.Error("failed to publish reply",
				"queue", queue,
				"replyTo", msg.ReplyTo,
				"error", pubErr)
		} else {
			d.logger.Debug("reply sent", "queue", queue, "replyTo", msg.ReplyTo)
		}
	} else if reply != nil && err == nil {
		// Fire-and-forget message; the result is discarded.
		d.logger.Debug("no reply-to on message, dropping result", "queue", queue)
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		d.logger.Error("failed to ack delivery", "queue", queue, "error", ackErr)
	}
}

// invoke shields the loop from handler panics.
func (d *Dispatcher) invoke(ctx context.Context, msg *Delivery, handler HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// releaseBinding closes the consumer channel instead of pooling it. The
// channel still has a live consumer and per-binding Qos; a publisher that
// later borrowed it would inherit deliveries nobody reads, leaving them
// unacked.
func (d *Dispatcher) releaseBinding(queue string) {
	d.mu.Lock()
	b, ok := d.bindings[queue]
	if ok {
		delete(d.bindings, queue)
	}
	d.mu.Unlock()

	if ok {
		if err := b.channel.Channel.Close(); err != nil {
			d.logger.Warn("error closing consumer channel", "queue", queue, "error", err)
		}
		d.pool.discard(b.channel)
	}
}

// Unbind stops consuming from the named queue
func (d *Dispatcher) Unbind(queue string) {
	d.mu.Lock()
	b, ok := d.bindings[queue]
	d.mu.Unlock()

	if ok {
		b.cancel()
	}
}

// Close stops all consumer loops and waits for in-flight handlers. Handlers
// already started run to completion; no cancellation propagates into them.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancels := make([]context.CancelFunc, 0, len(d.bindings))
	for _, b := range d.bindings {
		cancels = append(cancels, b.cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	d.wg.Wait()

	return nil
}
