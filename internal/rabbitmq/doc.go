// Package rabbitmq implements the broker-facing messaging core shared by the
// catalog and mirror services: connection management with automatic
// reconnection, idempotent queue provisioning, publishing with optional
// persistence and mandatory routing, a bounded-poll reply fetcher, and a
// dispatcher that binds queues to handlers and routes results back to the
// reply-to address of the originating message.
package rabbitmq
