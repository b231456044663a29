package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records acks without a broker
type fakeAcknowledger struct {
	mu    sync.Mutex
	acked int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

func testFetcher(retries int, delay time.Duration) *ResponseFetcher {
	return NewResponseFetcher(nil,
		WithFetchRetries(retries),
		WithFetchDelay(delay),
	)
}

// recordingDeleter captures queue deletions without a broker
type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (r *recordingDeleter) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, name)
	return r.err
}

func TestNewResponseFetcher(t *testing.T) {
	t.Run("creates fetcher with defaults", func(t *testing.T) {
		f := NewResponseFetcher(nil)

		assert.Equal(t, 3, f.maxRetries)
		assert.Equal(t, 2*time.Second, f.retryDelay)
		assert.NotNil(t, f.logger)
	})

	t.Run("applies options", func(t *testing.T) {
		f := NewResponseFetcher(nil,
			WithFetchRetries(5),
			WithFetchDelay(time.Second),
		)

		assert.Equal(t, 5, f.maxRetries)
		assert.Equal(t, time.Second, f.retryDelay)
	})
}

func TestFetcherAwait(t *testing.T) {
	ack := &fakeAcknowledger{}

	t.Run("returns first valid JSON body", func(t *testing.T) {
		f := testFetcher(3, 50*time.Millisecond)
		deliveries := make(chan amqp.Delivery, 1)
		deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"status":"success"}`), CorrelationId: "cid-1"}

		body, err := f.await(context.Background(), "replies", "cid-1", deliveries)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"success"}`, string(body))
	})

	t.Run("skips replies with mismatched correlation id", func(t *testing.T) {
		f := testFetcher(3, 50*time.Millisecond)
		deliveries := make(chan amqp.Delivery, 2)
		deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"stale":true}`), CorrelationId: "cid-old"}
		deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"fresh":true}`), CorrelationId: "cid-new"}

		body, err := f.await(context.Background(), "replies", "cid-new", deliveries)
		require.NoError(t, err)
		assert.JSONEq(t, `{"fresh":true}`, string(body))
	})

	t.Run("accepts replies without a correlation id", func(t *testing.T) {
		// Correlation by exclusive queue name is authoritative; an absent
		// id on the reply is tolerated.
		f := testFetcher(3, 50*time.Millisecond)
		deliveries := make(chan amqp.Delivery, 1)
		deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`[]`)}

		body, err := f.await(context.Background(), "replies", "cid-x", deliveries)
		require.NoError(t, err)
		assert.Equal(t, `[]`, string(body))
	})

	t.Run("skips empty bodies", func(t *testing.T) {
		f := testFetcher(3, 50*time.Millisecond)
		deliveries := make(chan amqp.Delivery, 2)
		deliveries <- amqp.Delivery{Acknowledger: ack}
		deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"ok":true}`)}

		body, err := f.await(context.Background(), "replies", "", deliveries)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(body))
	})

	t.Run("fails fast on malformed JSON without retrying", func(t *testing.T) {
		f := testFetcher(3, time.Minute)
		deliveries := make(chan amqp.Delivery, 1)
		deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`not json at all`)}

		start := time.Now()
		_, err := f.await(context.Background(), "replies", "", deliveries)
		assert.ErrorIs(t, err, ErrMalformedReply)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("times out after maxRetries attempts of retryDelay each", func(t *testing.T) {
		f := testFetcher(3, 30*time.Millisecond)
		deliveries := make(chan amqp.Delivery)

		start := time.Now()
		_, err := f.await(context.Background(), "replies", "cid", deliveries)
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, ErrReplyTimeout)
		assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		f := testFetcher(3, time.Minute)
		deliveries := make(chan amqp.Delivery)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := f.await(ctx, "replies", "cid", deliveries)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("reports closed delivery stream", func(t *testing.T) {
		f := testFetcher(3, time.Minute)
		deliveries := make(chan amqp.Delivery)
		close(deliveries)

		_, err := f.await(context.Background(), "replies", "cid", deliveries)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestFetcherReplyCleanup(t *testing.T) {
	t.Run("deletes the abandoned reply queue", func(t *testing.T) {
		deleter := &recordingDeleter{}
		f := testFetcher(1, 10*time.Millisecond)
		WithReplyCleanup(deleter)(f)

		f.dropAbandonedQueue("amq.gen-abc123")

		assert.Equal(t, []string{"amq.gen-abc123"}, deleter.deleted)
	})

	t.Run("no-op without a configured deleter", func(t *testing.T) {
		f := testFetcher(1, 10*time.Millisecond)
		f.dropAbandonedQueue("amq.gen-abc123")
	})

	t.Run("delete failure does not propagate", func(t *testing.T) {
		deleter := &recordingDeleter{err: errors.New("channel gone")}
		f := testFetcher(1, 10*time.Millisecond)
		WithReplyCleanup(deleter)(f)

		f.dropAbandonedQueue("amq.gen-abc123")

		assert.Len(t, deleter.deleted, 1)
	})
}
