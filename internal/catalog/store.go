package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	bookPrefix    = "book:"
	isbnIdxPrefix = "bidx:isbn:"
	userPrefix    = "user:"
	pendingPrefix = "pending:"
)

// Store persists catalog records in a Badger key/value database. Books carry
// a unique ISBN index maintained in the same transaction as the record.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used by the store.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// OpenStore opens (or creates) the catalog database at path.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	options := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	s.db = db
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bookKey(id string) []byte    { return []byte(bookPrefix + id) }
func isbnKey(isbn string) []byte  { return []byte(isbnIdxPrefix + isbn) }
func userKey(id string) []byte    { return []byte(userPrefix + id) }
func pendingKey(id string) []byte { return []byte(pendingPrefix + id) }

// CreateBook inserts a new book, generating its id. The ISBN must be unused.
func (s *Store) CreateBook(book *Book) error {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate book id: %w", err)
	}

	now := time.Now().UTC()
	book.ID = id
	book.CreatedAt = now
	book.UpdatedAt = now

	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(isbnKey(book.ISBN)); err == nil {
			return ErrDuplicateISBN
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(bookKey(book.ID), data); err != nil {
			return err
		}
		return txn.Set(isbnKey(book.ISBN), []byte(book.ID))
	})
}

// GetBook returns the book with the given id.
func (s *Store) GetBook(id string) (*Book, error) {
	var book Book
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bookKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &book)
		})
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// GetBookByISBN resolves a book through the ISBN index.
func (s *Store) GetBookByISBN(isbn string) (*Book, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(isbnKey(isbn))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.GetBook(id)
}

// UpdateBook applies the non-nil fields of upd to the book with the given id
// and returns the updated record.
func (s *Store) UpdateBook(id string, upd *BookUpdate) (*Book, error) {
	var book Book
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(bookKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &book)
		}); err != nil {
			return err
		}

		if upd.Title != nil {
			book.Title = *upd.Title
		}
		if upd.Publisher != nil {
			book.Publisher = *upd.Publisher
		}
		if upd.Category != nil {
			book.Category = *upd.Category
		}
		if upd.TotalCopies != nil {
			book.TotalCopies = *upd.TotalCopies
		}
		if upd.Description != nil {
			book.Description = *upd.Description
		}
		book.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&book)
		if err != nil {
			return err
		}
		return txn.Set(bookKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// DeleteBook removes the book and its ISBN index entry, returning the deleted
// record so callers can propagate the removal.
func (s *Store) DeleteBook(id string) (*Book, error) {
	var book Book
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(bookKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &book)
		}); err != nil {
			return err
		}
		if err := txn.Delete(bookKey(id)); err != nil {
			return err
		}
		return txn.Delete(isbnKey(book.ISBN))
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// ListBooks returns up to limit books, skipping the first skip records in key
// order.
func (s *Store) ListBooks(skip, limit int) ([]*Book, error) {
	books := make([]*Book, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(bookPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < skip {
				skipped++
				continue
			}
			if len(books) >= limit {
				break
			}
			var book Book
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &book)
			}); err != nil {
				return err
			}
			books = append(books, &book)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return books, nil
}

// CreateUser inserts a new user, generating its id.
func (s *Store) CreateUser(user *User) error {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}
	user.ID = id
	user.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(user.ID), data)
	})
}

// ListUsers returns up to limit users, skipping the first skip records.
func (s *Store) ListUsers(skip, limit int) ([]*User, error) {
	users := make([]*User, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < skip {
				skipped++
				continue
			}
			if len(users) >= limit {
				break
			}
			var user User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return err
			}
			users = append(users, &user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// PendingSync records a propagation that did not reach the mirror yet.
// The reconciler retries these in the background until the publish succeeds.
type PendingSync struct {
	ID        string          `json:"id"`
	Route     string          `json:"route"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// MarkPendingSync persists a pending propagation marker.
func (s *Store) MarkPendingSync(route string, payload json.RawMessage) (*PendingSync, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate sync id: %w", err)
	}
	p := &PendingSync{
		ID:        id,
		Route:     route,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(p.ID), data)
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPendingSync returns all outstanding propagation markers.
func (s *Store) ListPendingSync() ([]*PendingSync, error) {
	var pending []*PendingSync
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var p PendingSync
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return err
			}
			pending = append(pending, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// ClearPendingSync removes a propagation marker after a successful retry.
func (s *Store) ClearPendingSync(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(id))
	})
}
