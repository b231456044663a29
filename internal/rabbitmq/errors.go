package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	// Channel errors
	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	// Publisher errors
	ErrPublishReturned     = errors.New("rabbitmq: mandatory publish returned, no queue bound to route")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed by broker")

	// Reply fetcher errors
	ErrReplyTimeout   = errors.New("rabbitmq: timed out waiting for reply")
	ErrMalformedReply = errors.New("rabbitmq: reply body is not valid JSON")

	// Dispatcher errors
	ErrAlreadyBound     = errors.New("rabbitmq: queue already bound to a handler")
	ErrDispatcherClosed = errors.New("rabbitmq: dispatcher is closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related failure.
type ConnectionError struct {
	Op        string // Operation that failed
	URL       string // Connection URL (sanitized)
	Err       error  // Underlying error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed publish operation.
type PublishError struct {
	Route     string // Routing key used
	Mandatory bool   // Whether the mandatory flag was set
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: route %q (mandatory=%v): %v", e.Route, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ProvisionError represents a queue provisioning failure.
type ProvisionError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("rabbitmq provision error: %s queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsProvisionRace reports whether err signals the declare-vs-existing-queue
// race: the broker rejects a declaration that conflicts with a live queue
// with RESOURCE_LOCKED or PRECONDITION_FAILED. Callers recover by fetching
// the existing queue instead of failing.
func IsProvisionRace(err error) bool {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return false
	}
	return amqpErr.Code == amqp.ResourceLocked || amqpErr.Code == amqp.PreconditionFailed
}

// SanitizeURL removes credentials from connection URLs before logging.
func SanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}
