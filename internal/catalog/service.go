package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arkwrite/shelfmq/internal/rabbitmq"
	"github.com/arkwrite/shelfmq/internal/wire"
)

// SyncPublisher publishes propagation and query messages toward the mirror.
type SyncPublisher interface {
	Publish(ctx context.Context, route string, payload any, options ...rabbitmq.PublishOption) error
}

// ReplyFetcher polls a reply queue for a correlated response.
type ReplyFetcher interface {
	Fetch(ctx context.Context, queue, correlationID string) ([]byte, error)
}

// QueueProvisioner creates the per-request reply queues used by forwarded
// queries.
type QueueProvisioner interface {
	ProvisionReplyQueue(ctx context.Context) (amqp.Queue, error)
}

// RemoteError is a failure reported by the mirror in an error reply payload.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mirror error: %s", e.Message)
}

// Service coordinates the authoritative store with the broker: it pushes book
// creations and deletions to the mirror and forwards user/book queries,
// waiting on a dedicated reply queue for each.
type Service struct {
	store       *Store
	publisher   SyncPublisher
	provisioner QueueProvisioner
	fetcher     ReplyFetcher
	logger      *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger used by the service.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a catalog service on top of the given store and
// messaging components.
func NewService(store *Store, publisher SyncPublisher, provisioner QueueProvisioner, fetcher ReplyFetcher, options ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		publisher:   publisher,
		provisioner: provisioner,
		fetcher:     fetcher,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// CreateBook stores a new book and pushes it to the mirror. The push uses a
// persistent, mandatory, confirmed publish; if it fails the local record is
// rolled back so the two stores cannot drift on creation.
func (s *Service) CreateBook(ctx context.Context, book *Book) error {
	if err := s.store.CreateBook(book); err != nil {
		return err
	}

	sync := wire.BookSync{
		Title:       book.Title,
		Publisher:   book.Publisher,
		Category:    book.Category,
		Description: book.Description,
		ISBN:        book.ISBN,
	}
	payload, err := json.Marshal(sync)
	if err != nil {
		return fmt.Errorf("marshal book sync: %w", err)
	}

	// The marker outlives a crash between the local commit and the publish;
	// the reconciler replays it. A confirmed publish clears it immediately.
	marker, err := s.store.MarkPendingSync(wire.RouteNewBooks, payload)
	if err != nil {
		return fmt.Errorf("mark pending sync: %w", err)
	}

	err = s.publisher.Publish(ctx, wire.RouteNewBooks, json.RawMessage(payload),
		rabbitmq.WithPersistent(),
		rabbitmq.WithMandatory(),
	)
	if err != nil {
		s.logger.Error("book push failed, rolling back",
			"book_id", book.ID,
			"isbn", book.ISBN,
			"error", err)
		if _, delErr := s.store.DeleteBook(book.ID); delErr != nil {
			s.logger.Error("rollback failed", "book_id", book.ID, "error", delErr)
		}
		if clearErr := s.store.ClearPendingSync(marker.ID); clearErr != nil {
			s.logger.Error("clear pending sync failed", "sync_id", marker.ID, "error", clearErr)
		}
		return fmt.Errorf("push book to mirror: %w", err)
	}

	if err := s.store.ClearPendingSync(marker.ID); err != nil {
		s.logger.Error("clear pending sync failed", "sync_id", marker.ID, "error", err)
	}
	s.logger.Info("book created", "book_id", book.ID, "isbn", book.ISBN)
	return nil
}

// GetBook returns the book with the given id.
func (s *Service) GetBook(ctx context.Context, id string) (*Book, error) {
	return s.store.GetBook(id)
}

// ListBooks returns a page of books.
func (s *Service) ListBooks(ctx context.Context, skip, limit int) ([]*Book, error) {
	return s.store.ListBooks(skip, limit)
}

// UpdateBook applies a partial update to a book. Updates stay local: the
// mirror keys its copy by ISBN and title only at creation time, and ISBN is
// immutable here.
func (s *Service) UpdateBook(ctx context.Context, id string, upd *BookUpdate) (*Book, error) {
	return s.store.UpdateBook(id, upd)
}

// DeleteBook removes the book locally first, then tells the mirror to drop
// its copy. Propagation is best effort: a failed publish leaves a pending
// marker for the reconciler instead of resurrecting the book.
func (s *Service) DeleteBook(ctx context.Context, id string) error {
	book, err := s.store.DeleteBook(id)
	if err != nil {
		return err
	}

	err = s.publisher.Publish(ctx, wire.RouteDeleteBooks, book.ISBN,
		rabbitmq.WithPersistent(),
		rabbitmq.WithMandatory(),
	)
	if err != nil {
		s.logger.Warn("delete propagation failed, marking pending",
			"book_id", id,
			"isbn", book.ISBN,
			"error", err)
		payload, _ := json.Marshal(book.ISBN)
		if _, markErr := s.store.MarkPendingSync(wire.RouteDeleteBooks, payload); markErr != nil {
			s.logger.Error("mark pending sync failed", "isbn", book.ISBN, "error", markErr)
		}
		return nil
	}

	s.logger.Info("book deleted", "book_id", id, "isbn", book.ISBN)
	return nil
}

// CreateUser stores a new catalog-side user.
func (s *Service) CreateUser(ctx context.Context, user *User) error {
	return s.store.CreateUser(user)
}

// ListUsers returns a page of catalog-side users.
func (s *Service) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	return s.store.ListUsers(skip, limit)
}

// QueryUsers forwards a user query to the mirror and returns the raw reply.
func (s *Service) QueryUsers(ctx context.Context, action wire.Action, skip, limit int) (json.RawMessage, error) {
	return s.forward(ctx, wire.RouteUserData, action, skip, limit)
}

// QueryBooks forwards a book query to the mirror and returns the raw reply.
func (s *Service) QueryBooks(ctx context.Context, action wire.Action, skip, limit int) (json.RawMessage, error) {
	return s.forward(ctx, wire.RouteBookData, action, skip, limit)
}

// forward publishes a query with a fresh reply queue and correlation id and
// waits for the correlated response. Error payloads from the mirror surface
// as RemoteError.
func (s *Service) forward(ctx context.Context, route string, action wire.Action, skip, limit int) (json.RawMessage, error) {
	if !action.Valid() {
		return nil, &wire.UnknownActionError{Action: action}
	}

	query := wire.Query{Action: action, Skip: skip, Limit: limit}
	query.Normalize()

	replyQueue, err := s.provisioner.ProvisionReplyQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision reply queue: %w", err)
	}

	correlationID := uuid.New().String()
	err = s.publisher.Publish(ctx, route, query,
		rabbitmq.WithMandatory(),
		rabbitmq.WithReplyTo(replyQueue.Name),
		rabbitmq.WithCorrelationID(correlationID),
	)
	if err != nil {
		return nil, fmt.Errorf("publish query: %w", err)
	}

	body, err := s.fetcher.Fetch(ctx, replyQueue.Name, correlationID)
	if err != nil {
		return nil, err
	}
	if msg, ok := wire.ReplyError(body); ok {
		return nil, &RemoteError{Message: msg}
	}
	return json.RawMessage(body), nil
}

// StartReconciler retries pending propagations until the context is
// cancelled. Markers are cleared only after a confirmed publish.
func (s *Service) StartReconciler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
	}()
}

func (s *Service) reconcile(ctx context.Context) {
	pending, err := s.store.ListPendingSync()
	if err != nil {
		s.logger.Error("list pending sync failed", "error", err)
		return
	}
	for _, p := range pending {
		err := s.publisher.Publish(ctx, p.Route, p.Payload,
			rabbitmq.WithPersistent(),
			rabbitmq.WithMandatory(),
		)
		if err != nil {
			s.logger.Warn("pending sync retry failed",
				"sync_id", p.ID,
				"route", p.Route,
				"error", err)
			continue
		}
		if err := s.store.ClearPendingSync(p.ID); err != nil {
			s.logger.Error("clear pending sync failed", "sync_id", p.ID, "error", err)
			continue
		}
		s.logger.Info("pending sync replayed", "sync_id", p.ID, "route", p.Route)
	}
}
