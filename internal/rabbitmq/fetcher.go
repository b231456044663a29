package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResponseFetcher blocks on a reply queue until a correlated response
// arrives. Request/reply over a broker has no timeout primitive, so the
// fetcher substitutes bounded polling: up to maxRetries attempts of
// retryDelay each, then ErrReplyTimeout. The retries also absorb the race
// where the answering side hasn't started consuming yet.
type ResponseFetcher struct {
	pool       *ChannelPool
	maxRetries int
	retryDelay time.Duration
	cleanup    queueDeleter
	logger     *slog.Logger
}

// queueDeleter removes a queue by name; satisfied by Provisioner.
type queueDeleter interface {
	Delete(ctx context.Context, name string) error
}

// FetcherOption configures the ResponseFetcher
type FetcherOption func(*ResponseFetcher)

// WithFetchRetries sets the number of polling attempts
func WithFetchRetries(retries int) FetcherOption {
	return func(f *ResponseFetcher) {
		f.maxRetries = retries
	}
}

// WithFetchDelay sets the duration of each polling attempt
func WithFetchDelay(delay time.Duration) FetcherOption {
	return func(f *ResponseFetcher) {
		f.retryDelay = delay
	}
}

// WithReplyCleanup tears the reply queue down after a timed-out fetch. The
// reply never arrived, so nothing will consume the queue again; deleting it
// keeps a late reply from lingering on the broker.
func WithReplyCleanup(deleter queueDeleter) FetcherOption {
	return func(f *ResponseFetcher) {
		f.cleanup = deleter
	}
}

// WithFetcherLogger sets the logger
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *ResponseFetcher) {
		f.logger = logger
	}
}

// NewResponseFetcher creates a new response fetcher
func NewResponseFetcher(pool *ChannelPool, options ...FetcherOption) *ResponseFetcher {
	f := &ResponseFetcher{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 2 * time.Second,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Fetch consumes the next correlated message from queue and returns its JSON
// body. Replies carrying a different correlation id are acknowledged and
// skipped. A body that is not valid JSON fails fast with ErrMalformedReply;
// exhausting the retry budget fails with ErrReplyTimeout.
func (f *ResponseFetcher) Fetch(ctx context.Context, queue, correlationID string) ([]byte, error) {
	ch, err := f.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Put(ch)

	consumerTag := "fetch-" + uuid.New().String()[:8]
	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume reply queue %q: %w", queue, err)
	}
	defer func() {
		if cancelErr := ch.Cancel(consumerTag, false); cancelErr != nil {
			f.logger.Debug("cancel reply consumer", "queue", queue, "error", cancelErr)
		}
	}()

	body, err := f.await(ctx, queue, correlationID, deliveries)
	if errors.Is(err, ErrReplyTimeout) {
		f.dropAbandonedQueue(queue)
	}
	return body, err
}

// dropAbandonedQueue deletes a reply queue whose response never arrived. It
// runs on its own deadline because the caller's context is typically already
// done by the time a fetch times out.
func (f *ResponseFetcher) dropAbandonedQueue(queue string) {
	if f.cleanup == nil {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.cleanup.Delete(cleanupCtx, queue); err != nil {
		f.logger.Warn("delete abandoned reply queue", "queue", queue, "error", err)
		return
	}
	f.logger.Debug("deleted abandoned reply queue", "queue", queue)
}

// await runs the bounded polling loop over an open delivery stream.
func (f *ResponseFetcher) await(ctx context.Context, queue, correlationID string, deliveries <-chan amqp.Delivery) ([]byte, error) {
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		timer := time.NewTimer(f.retryDelay)

	drain:
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					timer.Stop()
					return nil, ErrConnectionClosed
				}

				if err := d.Ack(false); err != nil {
					f.logger.Warn("ack reply", "queue", queue, "error", err)
				}

				if correlationID != "" && d.CorrelationId != "" && d.CorrelationId != correlationID {
					// Stale reply from an earlier request on this queue.
					f.logger.Warn("discarding reply with mismatched correlation id",
						"queue", queue,
						"want", correlationID,
						"got", d.CorrelationId)
					continue
				}

				if len(d.Body) == 0 {
					continue
				}

				if !json.Valid(d.Body) {
					timer.Stop()
					return nil, fmt.Errorf("%w: queue %q", ErrMalformedReply, queue)
				}

				timer.Stop()
				return d.Body, nil

			case <-timer.C:
				break drain

			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		f.logger.Debug("no reply yet, retrying",
			"queue", queue,
			"attempt", attempt+1,
			"maxRetries", f.maxRetries)
	}

	return nil, fmt.Errorf("%w: queue %q after %d attempts", ErrReplyTimeout, queue, f.maxRetries)
}
