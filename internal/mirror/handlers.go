package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/arkwrite/shelfmq/internal/rabbitmq"
	"github.com/arkwrite/shelfmq/internal/wire"
)

// Handlers serves the broker-facing side of the mirror: the two propagation
// routes pushed by the catalog and the two query routes it forwards user
// requests on.
type Handlers struct {
	store    *Store
	validate *validator.Validate
	logger   *slog.Logger
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithHandlersLogger sets the logger used by the handlers.
func WithHandlersLogger(logger *slog.Logger) HandlersOption {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// NewHandlers creates the mirror's message handlers on top of the store.
func NewHandlers(store *Store, options ...HandlersOption) *Handlers {
	h := &Handlers{
		store:    store,
		validate: validator.New(),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Register provisions the durable request queues and binds each handler to
// its route.
func (h *Handlers) Register(ctx context.Context, provisioner *rabbitmq.Provisioner, dispatcher *rabbitmq.Dispatcher) error {
	bindings := map[string]rabbitmq.HandlerFunc{
		wire.RouteNewBooks:    h.HandleNewBook,
		wire.RouteDeleteBooks: h.HandleDeleteBook,
		wire.RouteUserData:    h.HandleUserData,
		wire.RouteBookData:    h.HandleBookData,
	}
	for route, handler := range bindings {
		if _, err := provisioner.ProvisionDurable(ctx, route); err != nil {
			return fmt.Errorf("provision %s: %w", route, err)
		}
		if err := dispatcher.Bind(ctx, route, handler); err != nil {
			return fmt.Errorf("bind %s: %w", route, err)
		}
	}
	return nil
}

// HandleNewBook inserts a book pushed from the catalog. The payload is
// validated against the mirror's creation schema before the insert.
func (h *Handlers) HandleNewBook(ctx context.Context, d *rabbitmq.Delivery) (any, error) {
	var sync wire.BookSync
	if err := json.Unmarshal(d.Body, &sync); err != nil {
		return nil, &wire.DecodeError{Err: err}
	}
	if err := h.validate.Struct(&sync); err != nil {
		return nil, fmt.Errorf("invalid book payload: %w", err)
	}

	book := &Book{
		Title:       sync.Title,
		Publisher:   sync.Publisher,
		Category:    sync.Category,
		Description: sync.Description,
		ISBN:        sync.ISBN,
	}
	if err := h.store.CreateBook(ctx, book); err != nil {
		return nil, err
	}
	h.logger.Info("book synced", "book_id", book.ID, "isbn", book.ISBN)
	return wire.Status{Status: wire.StatusSuccess, Message: "book created"}, nil
}

// HandleDeleteBook removes a book by ISBN. A missing row is a status
// outcome, not an error: the book may never have synced, or a duplicate
// delivery may already have removed it.
func (h *Handlers) HandleDeleteBook(ctx context.Context, d *rabbitmq.Delivery) (any, error) {
	isbn := decodeISBN(d.Body)
	if isbn == "" {
		return nil, &wire.DecodeError{Err: fmt.Errorf("empty isbn")}
	}

	deleted, err := h.store.DeleteBookByISBN(ctx, isbn)
	if err != nil {
		return nil, err
	}
	if !deleted {
		h.logger.Info("delete skipped, isbn not mirrored", "isbn", isbn)
		return wire.Status{Status: wire.StatusNotFound, Message: "no book with isbn " + isbn}, nil
	}
	h.logger.Info("book removed", "isbn", isbn)
	return wire.Status{Status: wire.StatusSuccess, Message: "book deleted"}, nil
}

// HandleUserData answers the user query route.
func (h *Handlers) HandleUserData(ctx context.Context, d *rabbitmq.Delivery) (any, error) {
	query, err := wire.DecodeQuery(d.Body)
	if err != nil {
		return nil, err
	}
	switch query.Action {
	case wire.ActionGetUsers:
		return h.store.ListUsers(ctx, query.Skip, query.Limit)
	case wire.ActionGetUsersWithBorrowedBooks:
		return h.store.ListUsersWithBorrows(ctx, query.Skip, query.Limit)
	default:
		return nil, &wire.UnknownActionError{Action: query.Action}
	}
}

// HandleBookData answers the book query route.
func (h *Handlers) HandleBookData(ctx context.Context, d *rabbitmq.Delivery) (any, error) {
	query, err := wire.DecodeQuery(d.Body)
	if err != nil {
		return nil, err
	}
	switch query.Action {
	case wire.ActionGetUnavailableBooks:
		return h.store.ListUnavailableBooks(ctx, query.Skip, query.Limit)
	default:
		return nil, &wire.UnknownActionError{Action: query.Action}
	}
}

// decodeISBN accepts both the plain-text ISBN published on delete and the
// JSON-quoted form the reconciler replays.
func decodeISBN(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, `"`) {
		var isbn string
		if err := json.Unmarshal([]byte(trimmed), &isbn); err == nil {
			return strings.TrimSpace(isbn)
		}
	}
	return trimmed
}
