package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arkwrite/shelfmq/internal/rabbitmq"
	"github.com/arkwrite/shelfmq/internal/wire"
)

type mockPublisher struct {
	mock.Mock
	lastOpts rabbitmq.PublishOptions
}

func (m *mockPublisher) Publish(ctx context.Context, route string, payload any, options ...rabbitmq.PublishOption) error {
	m.lastOpts = rabbitmq.PublishOptions{}
	for _, opt := range options {
		opt(&m.lastOpts)
	}
	args := m.Called(ctx, route, payload)
	return args.Error(0)
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) ProvisionReplyQueue(ctx context.Context) (amqp.Queue, error) {
	args := m.Called(ctx)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, queue, correlationID string) ([]byte, error) {
	args := m.Called(ctx, queue, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func newTestService(t *testing.T) (*Service, *Store, *mockPublisher, *mockProvisioner, *mockFetcher) {
	t.Helper()
	store := newTestStore(t)
	publisher := &mockPublisher{}
	provisioner := &mockProvisioner{}
	fetcher := &mockFetcher{}
	return NewService(store, publisher, provisioner, fetcher), store, publisher, provisioner, fetcher
}

func TestServiceCreateBook(t *testing.T) {
	t.Run("pushes book to mirror", func(t *testing.T) {
		svc, store, publisher, _, _ := newTestService(t)

		publisher.On("Publish", mock.Anything, wire.RouteNewBooks, mock.Anything).Return(nil)

		book := &Book{Title: "The Mythical Man-Month", Publisher: "Addison-Wesley", ISBN: "978-0201835953", Category: "software", TotalCopies: 2}
		require.NoError(t, svc.CreateBook(context.Background(), book))

		publisher.AssertExpectations(t)
		assert.True(t, publisher.lastOpts.Persistent)
		assert.True(t, publisher.lastOpts.Mandatory)

		raw := publisher.Calls[0].Arguments.Get(2).(json.RawMessage)
		var sync wire.BookSync
		require.NoError(t, json.Unmarshal(raw, &sync))
		assert.Equal(t, "The Mythical Man-Month", sync.Title)
		assert.Equal(t, "978-0201835953", sync.ISBN)

		stored, err := store.GetBookByISBN("978-0201835953")
		require.NoError(t, err)
		assert.Equal(t, book.ID, stored.ID)

		// The confirmed publish clears the saga marker.
		pending, err := store.ListPendingSync()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("rolls back when push fails", func(t *testing.T) {
		svc, store, publisher, _, _ := newTestService(t)

		publisher.On("Publish", mock.Anything, wire.RouteNewBooks, mock.Anything).
			Return(rabbitmq.ErrPublishReturned)

		book := &Book{Title: "Unroutable", ISBN: "978-0596009250"}
		err := svc.CreateBook(context.Background(), book)
		require.Error(t, err)
		assert.ErrorIs(t, err, rabbitmq.ErrPublishReturned)

		_, err = store.GetBookByISBN("978-0596009250")
		assert.ErrorIs(t, err, ErrNotFound)

		pending, err := store.ListPendingSync()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("duplicate isbn does not publish", func(t *testing.T) {
		svc, _, publisher, _, _ := newTestService(t)

		publisher.On("Publish", mock.Anything, wire.RouteNewBooks, mock.Anything).Return(nil).Once()
		require.NoError(t, svc.CreateBook(context.Background(), &Book{Title: "One", ISBN: "978-6666666666"}))

		err := svc.CreateBook(context.Background(), &Book{Title: "Two", ISBN: "978-6666666666"})
		assert.ErrorIs(t, err, ErrDuplicateISBN)
		publisher.AssertNumberOfCalls(t, "Publish", 1)
	})
}

func TestServiceDeleteBook(t *testing.T) {
	t.Run("propagates isbn to mirror", func(t *testing.T) {
		svc, store, publisher, _, _ := newTestService(t)

		publisher.On("Publish", mock.Anything, wire.RouteNewBooks, mock.Anything).Return(nil)
		publisher.On("Publish", mock.Anything, wire.RouteDeleteBooks, "978-7777777777").Return(nil)

		book := &Book{Title: "Short Lived", ISBN: "978-7777777777"}
		require.NoError(t, svc.CreateBook(context.Background(), book))
		require.NoError(t, svc.DeleteBook(context.Background(), book.ID))

		publisher.AssertExpectations(t)
		_, err := store.GetBook(book.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed propagation leaves pending marker", func(t *testing.T) {
		svc, store, publisher, _, _ := newTestService(t)

		publisher.On("Publish", mock.Anything, wire.RouteNewBooks, mock.Anything).Return(nil)
		publisher.On("Publish", mock.Anything, wire.RouteDeleteBooks, mock.Anything).
			Return(rabbitmq.ErrPublishNotConfirmed)

		book := &Book{Title: "Stuck", ISBN: "978-8888888888"}
		require.NoError(t, svc.CreateBook(context.Background(), book))

		// Local delete wins even when the broker is unreachable.
		require.NoError(t, svc.DeleteBook(context.Background(), book.ID))

		_, err := store.GetBook(book.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		pending, err := store.ListPendingSync()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, wire.RouteDeleteBooks, pending[0].Route)
	})

	t.Run("missing book is not found", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)
		err := svc.DeleteBook(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestServiceQueryUsers(t *testing.T) {
	t.Run("round trips through reply queue", func(t *testing.T) {
		svc, _, publisher, provisioner, fetcher := newTestService(t)

		provisioner.On("ProvisionReplyQueue", mock.Anything).
			Return(amqp.Queue{Name: "amq.gen-abc123"}, nil)
		publisher.On("Publish", mock.Anything, wire.RouteUserData, mock.Anything).Return(nil)
		fetcher.On("Fetch", mock.Anything, "amq.gen-abc123", mock.Anything).
			Return([]byte(`[{"name":"Ada"}]`), nil)

		body, err := svc.QueryUsers(context.Background(), wire.ActionGetUsers, 0, 0)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"name":"Ada"}]`, string(body))

		query := publisher.Calls[0].Arguments.Get(2).(wire.Query)
		assert.Equal(t, wire.ActionGetUsers, query.Action)
		assert.Equal(t, wire.DefaultLimit, query.Limit)

		assert.Equal(t, "amq.gen-abc123", publisher.lastOpts.ReplyTo)
		assert.NotEmpty(t, publisher.lastOpts.CorrelationID)

		correlationID := fetcher.Calls[0].Arguments.Get(2).(string)
		assert.Equal(t, publisher.lastOpts.CorrelationID, correlationID)
	})

	t.Run("error reply surfaces as remote error", func(t *testing.T) {
		svc, _, publisher, provisioner, fetcher := newTestService(t)

		provisioner.On("ProvisionReplyQueue", mock.Anything).
			Return(amqp.Queue{Name: "amq.gen-err"}, nil)
		publisher.On("Publish", mock.Anything, wire.RouteUserData, mock.Anything).Return(nil)
		fetcher.On("Fetch", mock.Anything, "amq.gen-err", mock.Anything).
			Return([]byte(`{"error":"database unavailable"}`), nil)

		_, err := svc.QueryUsers(context.Background(), wire.ActionGetUsersWithBorrowedBooks, 0, 0)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "database unavailable", remote.Message)
	})

	t.Run("timeout propagates", func(t *testing.T) {
		svc, _, publisher, provisioner, fetcher := newTestService(t)

		provisioner.On("ProvisionReplyQueue", mock.Anything).
			Return(amqp.Queue{Name: "amq.gen-slow"}, nil)
		publisher.On("Publish", mock.Anything, wire.RouteUserData, mock.Anything).Return(nil)
		fetcher.On("Fetch", mock.Anything, "amq.gen-slow", mock.Anything).
			Return(nil, rabbitmq.ErrReplyTimeout)

		_, err := svc.QueryUsers(context.Background(), wire.ActionGetUsers, 0, 0)
		assert.ErrorIs(t, err, rabbitmq.ErrReplyTimeout)
	})

	t.Run("unknown action never reaches the broker", func(t *testing.T) {
		svc, _, publisher, provisioner, _ := newTestService(t)

		_, err := svc.QueryUsers(context.Background(), wire.Action("drop_tables"), 0, 0)
		var unknown *wire.UnknownActionError
		assert.ErrorAs(t, err, &unknown)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		provisioner.AssertNotCalled(t, "ProvisionReplyQueue", mock.Anything)
	})
}

func TestServiceQueryBooks(t *testing.T) {
	svc, _, publisher, provisioner, fetcher := newTestService(t)

	provisioner.On("ProvisionReplyQueue", mock.Anything).
		Return(amqp.Queue{Name: "amq.gen-books"}, nil)
	publisher.On("Publish", mock.Anything, wire.RouteBookData, mock.Anything).Return(nil)
	fetcher.On("Fetch", mock.Anything, "amq.gen-books", mock.Anything).
		Return([]byte(`[{"title":"Taken","expected_return_date":"2026-09-14"}]`), nil)

	body, err := svc.QueryBooks(context.Background(), wire.ActionGetUnavailableBooks, 0, 10)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Taken", rows[0]["title"])
}

func TestServiceReconcile(t *testing.T) {
	t.Run("replays and clears pending markers", func(t *testing.T) {
		svc, store, publisher, _, _ := newTestService(t)

		_, err := store.MarkPendingSync(wire.RouteDeleteBooks, []byte(`"978-9999999999"`))
		require.NoError(t, err)

		publisher.On("Publish", mock.Anything, wire.RouteDeleteBooks, mock.Anything).Return(nil)

		svc.reconcile(context.Background())

		pending, err := store.ListPendingSync()
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("keeps markers when the retry fails", func(t *testing.T) {
		svc, store, publisher, _, _ := newTestService(t)

		_, err := store.MarkPendingSync(wire.RouteDeleteBooks, []byte(`"978-9999999998"`))
		require.NoError(t, err)

		publisher.On("Publish", mock.Anything, wire.RouteDeleteBooks, mock.Anything).
			Return(errors.New("broker down"))

		svc.reconcile(context.Background())

		pending, err := store.ListPendingSync()
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}
