// Package mirror implements the frontend's relational projection of the
// catalog: books keyed by ISBN with availability and borrower linkage, users,
// and the borrow workflow. It also serves the broker-side query and
// propagation handlers the catalog service talks to.
package mirror

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a book, user, or borrow does not exist.
	ErrNotFound = errors.New("mirror: not found")
	// ErrBookUnavailable is returned when a borrow is attempted on a book
	// that already has an active borrow.
	ErrBookUnavailable = errors.New("mirror: book unavailable")
	// ErrDuplicateISBN is returned when a synced book's ISBN already exists.
	ErrDuplicateISBN = errors.New("mirror: duplicate isbn")
	// ErrDuplicateEmail is returned when a user's email already exists.
	ErrDuplicateEmail = errors.New("mirror: duplicate email")
)

// Book is the mirror's projection of a catalog book. It carries no copy
// count; availability and borrower linkage live only here.
type Book struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Publisher   string    `json:"publisher,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	ISBN        string    `json:"isbn"`
	IsAvailable bool      `json:"is_available"`
	BorrowerID  *string   `json:"borrower_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a frontend-side user record. PasswordHash is stored as provided;
// hashing happens upstream of this service.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Borrow links a user to a book for a bounded period. ReturnedAt is nil while
// the borrow is active; a book has at most one active borrow.
type Borrow struct {
	ID         string     `json:"id"`
	BookID     string     `json:"book_id"`
	UserID     string     `json:"user_id"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	ReturnDate time.Time  `json:"return_date"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
}

// BorrowedBook is the nested book record inside a user projection.
type BorrowedBook struct {
	Title              string `json:"title"`
	ISBN               string `json:"isbn"`
	BorrowedAt         string `json:"borrowed_at"`
	ExpectedReturnDate string `json:"expected_return_date"`
}

// UserWithBorrows is the projection answering get_users_with_borrowed_books.
type UserWithBorrows struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	BorrowedBooks []BorrowedBook `json:"borrowed_books"`
}

// UnavailableBook is the projection answering get_unavailable_books.
type UnavailableBook struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	ISBN               string `json:"isbn"`
	BorrowerID         string `json:"borrower_id"`
	ExpectedReturnDate string `json:"expected_return_date"`
}
