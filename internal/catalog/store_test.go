package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func TestStoreCreateBook(t *testing.T) {
	t.Run("assigns id and timestamps", func(t *testing.T) {
		store := newTestStore(t)

		book := &Book{Title: "The Go Programming Language", Publisher: "Addison-Wesley", ISBN: "978-0134190440", Category: "programming", TotalCopies: 3}
		require.NoError(t, store.CreateBook(book))

		assert.NotEmpty(t, book.ID)
		assert.False(t, book.CreatedAt.IsZero())

		got, err := store.GetBook(book.ID)
		require.NoError(t, err)
		assert.Equal(t, book.Title, got.Title)
		assert.Equal(t, book.ISBN, got.ISBN)
	})

	t.Run("rejects duplicate isbn", func(t *testing.T) {
		store := newTestStore(t)

		first := &Book{Title: "First", ISBN: "978-1111111111"}
		require.NoError(t, store.CreateBook(first))

		second := &Book{Title: "Second", ISBN: "978-1111111111"}
		err := store.CreateBook(second)
		assert.ErrorIs(t, err, ErrDuplicateISBN)
	})
}

func TestStoreGetBookByISBN(t *testing.T) {
	store := newTestStore(t)

	book := &Book{Title: "Designing Data-Intensive Applications", ISBN: "978-1449373320"}
	require.NoError(t, store.CreateBook(book))

	got, err := store.GetBookByISBN("978-1449373320")
	require.NoError(t, err)
	assert.Equal(t, book.ID, got.ID)

	_, err = store.GetBookByISBN("978-0000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUpdateBook(t *testing.T) {
	store := newTestStore(t)

	book := &Book{Title: "Old Title", Publisher: "Old House", ISBN: "978-2222222222", TotalCopies: 1}
	require.NoError(t, store.CreateBook(book))

	newTitle := "New Title"
	newCopies := 5
	updated, err := store.UpdateBook(book.ID, &BookUpdate{Title: &newTitle, TotalCopies: &newCopies})
	require.NoError(t, err)

	assert.Equal(t, "New Title", updated.Title)
	assert.Equal(t, 5, updated.TotalCopies)
	assert.Equal(t, "Old House", updated.Publisher)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	_, err = store.UpdateBook("missing", &BookUpdate{Title: &newTitle})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDeleteBook(t *testing.T) {
	store := newTestStore(t)

	book := &Book{Title: "Ephemeral", ISBN: "978-3333333333"}
	require.NoError(t, store.CreateBook(book))

	deleted, err := store.DeleteBook(book.ID)
	require.NoError(t, err)
	assert.Equal(t, "978-3333333333", deleted.ISBN)

	_, err = store.GetBook(book.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The ISBN becomes reusable once its index entry is gone.
	again := &Book{Title: "Ephemeral Again", ISBN: "978-3333333333"}
	assert.NoError(t, store.CreateBook(again))

	_, err = store.DeleteBook("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListBooks(t *testing.T) {
	store := newTestStore(t)

	isbns := []string{"978-4000000001", "978-4000000002", "978-4000000003", "978-4000000004"}
	for i, isbn := range isbns {
		require.NoError(t, store.CreateBook(&Book{Title: "Book", ISBN: isbn, TotalCopies: i + 1}))
	}

	all, err := store.ListBooks(0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := store.ListBooks(2, 100)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	capped, err := store.ListBooks(0, 3)
	require.NoError(t, err)
	assert.Len(t, capped, 3)
}

func TestStoreUsers(t *testing.T) {
	store := newTestStore(t)

	user := &User{Name: "Ada Lovelace", Email: "ada@example.com"}
	require.NoError(t, store.CreateUser(user))
	assert.NotEmpty(t, user.ID)

	require.NoError(t, store.CreateUser(&User{Name: "Grace Hopper", Email: "grace@example.com"}))

	users, err := store.ListUsers(0, 100)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	page, err := store.ListUsers(1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestStorePendingSync(t *testing.T) {
	store := newTestStore(t)

	p, err := store.MarkPendingSync("delete_books_frontend", []byte(`"978-5555555555"`))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	pending, err := store.ListPendingSync()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "delete_books_frontend", pending[0].Route)
	assert.JSONEq(t, `"978-5555555555"`, string(pending[0].Payload))

	require.NoError(t, store.ClearPendingSync(p.ID))

	pending, err = store.ListPendingSync()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
