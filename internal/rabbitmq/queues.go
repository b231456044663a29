package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueOptions holds the three orthogonal queue flags plus broker arguments.
type QueueOptions struct {
	Durable    bool // survives broker restart
	Exclusive  bool // bound to this connection, removed on disconnect
	AutoDelete bool // removed when the last consumer disconnects
	Args       amqp.Table
}

// Provisioner declares named queues idempotently. Declaring a queue that
// already exists with conflicting flags signals a resource-locked condition;
// the provisioner treats that as "fetch the existing queue", never as an
// error for the caller.
type Provisioner struct {
	pool   *ChannelPool
	logger *slog.Logger
}

// ProvisionerOption configures the Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionerLogger sets the logger
func WithProvisionerLogger(logger *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// NewProvisioner creates a new queue provisioner
func NewProvisioner(pool *ChannelPool, options ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		pool:   pool,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Provision declares the named queue and returns its handle. An empty name
// asks the broker for a fresh anonymous queue; callers that need a reply
// address must provision before publishing so the generated name is known.
func (p *Provisioner) Provision(ctx context.Context, name string, opts QueueOptions) (amqp.Queue, error) {
	var queue amqp.Queue
	err := p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var declareErr error
		queue, declareErr = ch.QueueDeclare(
			name,
			opts.Durable,
			opts.AutoDelete,
			opts.Exclusive,
			false, // no-wait
			opts.Args,
		)
		return declareErr
	})
	if err == nil {
		return queue, nil
	}

	if !IsProvisionRace(err) {
		return amqp.Queue{}, &ProvisionError{
			Queue:     name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	// The declaring channel died with the RESOURCE_LOCKED error, so the
	// passive re-fetch runs on a fresh one from the pool.
	p.logger.Debug("queue exists with conflicting flags, fetching existing",
		"queue", name)

	err = p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var passiveErr error
		queue, passiveErr = ch.QueueDeclarePassive(
			name,
			opts.Durable,
			opts.AutoDelete,
			opts.Exclusive,
			false,
			opts.Args,
		)
		return passiveErr
	})
	if err != nil {
		return amqp.Queue{}, &ProvisionError{
			Queue:     name,
			Op:        "fetch existing",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return queue, nil
}

// ProvisionDurable declares a plain durable named queue, the shape every push
// propagation route uses.
func (p *Provisioner) ProvisionDurable(ctx context.Context, name string) (amqp.Queue, error) {
	return p.Provision(ctx, name, QueueOptions{Durable: true})
}

// ProvisionReplyQueue obtains a broker-named exclusive queue for receiving
// replies to a single request.
func (p *Provisioner) ProvisionReplyQueue(ctx context.Context) (amqp.Queue, error) {
	return p.Provision(ctx, "", QueueOptions{Exclusive: true, AutoDelete: true})
}

// Delete removes a queue. Used for tearing down reply queues whose consumer
// never attached.
func (p *Provisioner) Delete(ctx context.Context, name string) error {
	return p.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}
