// Package catalog implements the authoritative book/user store of the
// backend service and the catalog side of the cross-store workflows: pushing
// new books and deletions to the relational mirror and forwarding user/book
// queries over the broker.
package catalog

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a book or user does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrDuplicateISBN is returned when a book with the same ISBN already exists.
	ErrDuplicateISBN = errors.New("catalog: duplicate isbn")
)

// Book is the authoritative catalog record. The relational mirror holds a
// projection of it connected only by ISBN and title, never by id; identifiers
// are generated independently on each side.
type Book struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Publisher   string    `json:"publisher"`
	ISBN        string    `json:"isbn"`
	Category    string    `json:"category"`
	TotalCopies int       `json:"total_copies"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BookUpdate carries the mutable book fields; nil means leave unchanged.
type BookUpdate struct {
	Title       *string `json:"title,omitempty"`
	Publisher   *string `json:"publisher,omitempty"`
	Category    *string `json:"category,omitempty"`
	TotalCopies *int    `json:"total_copies,omitempty"`
	Description *string `json:"description,omitempty"`
}

// User is a catalog-side user record.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
