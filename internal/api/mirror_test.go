package api

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkwrite/shelfmq/internal/mirror"
)

func newMirrorServer(t *testing.T) (*MirrorServer, *mirror.Store) {
	t.Helper()
	store, err := mirror.OpenStore(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewMirrorServer(store, testLogger()), store
}

func seedMirror(t *testing.T, store *mirror.Store) (*mirror.Book, *mirror.User) {
	t.Helper()
	book := &mirror.Book{Title: "Hyperion", ISBN: "978-0553283686"}
	require.NoError(t, store.CreateBook(context.Background(), book))
	user := &mirror.User{Name: "Sol", Email: "sol@example.com"}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return book, user
}

func TestMirrorCreateUser(t *testing.T) {
	server, _ := newMirrorServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/users",
		`{"name":"Ada","email":"ada@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Data.(map[string]any)["id"])

	// Duplicate email is a business-rule rejection.
	rec = doRequest(t, server, http.MethodPost, "/api/v1/users",
		`{"name":"Other Ada","email":"ada@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMirrorBorrow(t *testing.T) {
	t.Run("borrows an available book", func(t *testing.T) {
		server, store := newMirrorServer(t)
		book, user := seedMirror(t, store)

		rec := doRequest(t, server, http.MethodPost, "/api/v1/borrows",
			`{"book_id":"`+book.ID+`","user_id":"`+user.ID+`","days":14}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		got, err := store.GetBook(context.Background(), book.ID)
		require.NoError(t, err)
		assert.False(t, got.IsAvailable)
	})

	t.Run("unavailable book is forbidden", func(t *testing.T) {
		server, store := newMirrorServer(t)
		book, user := seedMirror(t, store)

		other := &mirror.User{Name: "Brawne", Email: "brawne@example.com"}
		require.NoError(t, store.CreateUser(context.Background(), other))

		_, err := store.BorrowBook(context.Background(), book.ID, user.ID, 7)
		require.NoError(t, err)

		rec := doRequest(t, server, http.MethodPost, "/api/v1/borrows",
			`{"book_id":"`+book.ID+`","user_id":"`+other.ID+`","days":7}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing book is not found", func(t *testing.T) {
		server, store := newMirrorServer(t)
		_, user := seedMirror(t, store)

		rec := doRequest(t, server, http.MethodPost, "/api/v1/borrows",
			`{"book_id":"missing","user_id":"`+user.ID+`","days":7}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("zero days is rejected", func(t *testing.T) {
		server, store := newMirrorServer(t)
		book, user := seedMirror(t, store)

		rec := doRequest(t, server, http.MethodPost, "/api/v1/borrows",
			`{"book_id":"`+book.ID+`","user_id":"`+user.ID+`","days":0}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMirrorReturn(t *testing.T) {
	server, store := newMirrorServer(t)
	book, user := seedMirror(t, store)

	_, err := store.BorrowBook(context.Background(), book.ID, user.ID, 7)
	require.NoError(t, err)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/books/"+book.ID+"/return", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := store.GetBook(context.Background(), book.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAvailable)

	// Returning a book without an active borrow is not found.
	rec = doRequest(t, server, http.MethodPost, "/api/v1/books/"+book.ID+"/return", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMirrorListBooks(t *testing.T) {
	server, store := newMirrorServer(t)
	book, user := seedMirror(t, store)

	available := &mirror.Book{Title: "Endymion", ISBN: "978-0553572940"}
	require.NoError(t, store.CreateBook(context.Background(), available))

	_, err := store.BorrowBook(context.Background(), book.ID, user.ID, 7)
	require.NoError(t, err)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/books?available=false", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	books := env.Data.([]any)
	require.Len(t, books, 1)
	assert.Equal(t, "Hyperion", books[0].(map[string]any)["title"])

	rec = doRequest(t, server, http.MethodGet, "/api/v1/books?available=true", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	books = env.Data.([]any)
	require.Len(t, books, 1)
	assert.Equal(t, "Endymion", books[0].(map[string]any)["title"])
}

func TestMirrorHealth(t *testing.T) {
	server, _ := newMirrorServer(t)
	rec := doRequest(t, server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
