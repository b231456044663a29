package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends messages to named routes on the default exchange. Structured
// payloads are serialized to JSON once at this boundary; strings and raw bytes
// pass through unencoded.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a mandatory publish waits for broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures a single publish
type PublishOptions struct {
	Persistent    bool   // delivery survives a broker restart
	Mandatory     bool   // fail if no queue is bound to the route
	ReplyTo       string // queue the consumer should answer on
	CorrelationID string // token matching the reply to this request
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithPersistent marks the message persistent
func WithPersistent() PublishOption {
	return func(opts *PublishOptions) {
		opts.Persistent = true
	}
}

// WithMandatory requires at least one bound queue; unroutable messages are
// returned by the broker and surfaced as ErrPublishReturned.
func WithMandatory() PublishOption {
	return func(opts *PublishOptions) {
		opts.Mandatory = true
	}
}

// WithReplyTo sets the reply-to queue name
func WithReplyTo(queue string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ReplyTo = queue
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = id
	}
}

// EncodeBody converts a payload to wire bytes. Strings and byte slices pass
// through raw; anything else is marshalled to JSON.
func EncodeBody(payload any) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, "", fmt.Errorf("payload cannot be nil")
	case []byte:
		return v, "text/plain", nil
	case string:
		return []byte(v), "text/plain", nil
	case json.RawMessage:
		return v, "application/json", nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("marshal payload: %w", err)
		}
		return body, "application/json", nil
	}
}

// Publish sends payload to the named route. Mandatory publishes run in
// confirm mode and report broker rejection; plain publishes are
// fire-and-forget at the AMQP level.
func (p *Publisher) Publish(ctx context.Context, route string, payload any, options ...PublishOption) error {
	opts := PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	body, contentType, err := EncodeBody(payload)
	if err != nil {
		return &PublishError{Route: route, Mandatory: opts.Mandatory, Err: err, Timestamp: time.Now()}
	}

	deliveryMode := amqp.Transient
	if opts.Persistent {
		deliveryMode = amqp.Persistent
	}

	msg := amqp.Publishing{
		ContentType:   contentType,
		Body:          body,
		DeliveryMode:  deliveryMode,
		ReplyTo:       opts.ReplyTo,
		CorrelationId: opts.CorrelationID,
		Timestamp:     time.Now(),
	}

	if opts.Mandatory {
		err = p.publishWithConfirm(ctx, route, msg)
	} else {
		err = p.pool.Execute(ctx, func(ch *amqp.Channel) error {
			return ch.PublishWithContext(ctx, "", route, false, false, msg)
		})
	}
	if err != nil {
		return &PublishError{Route: route, Mandatory: opts.Mandatory, Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("message published",
		"route", route,
		"bytes", len(body),
		"persistent", opts.Persistent,
		"replyTo", opts.ReplyTo)

	return nil
}

// publishWithConfirm publishes in confirm mode with the mandatory flag and
// waits for the broker's verdict. It runs on a dedicated channel that is
// closed afterwards: NotifyReturn listeners cannot be detached, and an
// abandoned listener on a reused channel blocks the connection reader once
// its buffer fills.
func (p *Publisher) publishWithConfirm(ctx context.Context, route string, msg amqp.Publishing) error {
	ch, err := p.pool.Dedicated()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", route, true, false, msg)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("confirm: %w", ErrConnectionTimeout)
	}
	if !acked {
		return ErrPublishNotConfirmed
	}

	// A returned message is still confirmed; give the return a moment to
	// arrive before trusting the ack.
	select {
	case ret := <-returns:
		return fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}
