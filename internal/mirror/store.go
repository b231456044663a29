package mirror

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store provides SQLite-backed persistence for the relational mirror.
type Store struct {
	db     *sql.DB
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

// OpenStore opens the mirror database at path, configures pragmas, and runs
// the schema migration.
func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	// Immediate transactions take the write lock up front, so concurrent
	// borrow attempts queue on busy_timeout instead of failing with a
	// non-retryable snapshot conflict.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	s.db = db
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateBook inserts a synced book projection. New books arrive available and
// unborrowed.
func (s *Store) CreateBook(ctx context.Context, book *Book) error {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate book id: %w", err)
	}
	book.ID = id
	book.IsAvailable = true
	book.BorrowerID = nil
	book.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, publisher, category, description, isbn, is_available, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		book.ID, book.Title, book.Publisher, book.Category, book.Description,
		book.ISBN, book.CreatedAt.Format(time.RFC3339))
	if isUniqueViolation(err) {
		return ErrDuplicateISBN
	}
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func scanBook(row interface{ Scan(...any) error }) (*Book, error) {
	var (
		book      Book
		created   string
		available int
		borrower  sql.NullString
	)
	err := row.Scan(&book.ID, &book.Title, &book.Publisher, &book.Category,
		&book.Description, &book.ISBN, &available, &borrower, &created)
	if err != nil {
		return nil, err
	}
	book.IsAvailable = available == 1
	if borrower.Valid {
		book.BorrowerID = &borrower.String
	}
	if book.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &book, nil
}

const bookColumns = "id, title, publisher, category, description, isbn, is_available, borrower_id, created_at"

// GetBook returns the book with the given id.
func (s *Store) GetBook(ctx context.Context, id string) (*Book, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bookColumns+" FROM books WHERE id = ?", id)
	book, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// GetBookByISBN returns the book with the given ISBN.
func (s *Store) GetBookByISBN(ctx context.Context, isbn string) (*Book, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bookColumns+" FROM books WHERE isbn = ?", isbn)
	book, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book by isbn: %w", err)
	}
	return book, nil
}

// DeleteBookByISBN removes the book with the given ISBN. It is idempotent:
// a missing row reports deleted=false without an error, since the mirror may
// never have synced the book or may have already processed a duplicate
// delivery.
func (s *Store) DeleteBookByISBN(ctx context.Context, isbn string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM books WHERE isbn = ?", isbn)
	if err != nil {
		return false, fmt.Errorf("delete book by isbn: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// BookFilter narrows ListBooks results.
type BookFilter struct {
	Available *bool
	Category  string
	Publisher string
}

// ListBooks returns a page of books matching the filter.
func (s *Store) ListBooks(ctx context.Context, filter BookFilter, skip, limit int) ([]*Book, error) {
	query := "SELECT " + bookColumns + " FROM books"
	var (
		clauses []string
		args    []any
	)
	if filter.Available != nil {
		clauses = append(clauses, "is_available = ?")
		if *filter.Available {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if filter.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Publisher != "" {
		clauses = append(clauses, "publisher = ?")
		args = append(args, filter.Publisher)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	books := make([]*Book, 0, limit)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

// CreateUser inserts a frontend-side user.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}
	user.ID = id
	user.CreatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Name, user.Email, user.PasswordHash, user.CreatedAt.Format(time.RFC3339))
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		user    User
		created string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &user, nil
}

// ListUsers returns a page of users.
func (s *Store) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, email, created_at FROM users ORDER BY created_at, id LIMIT ? OFFSET ?",
		limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0, limit)
	for rows.Next() {
		var (
			user    User
			created string
		)
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &created); err != nil {
			return nil, err
		}
		if user.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// ListUsersWithBorrows returns user projections with their active borrows and
// the borrowed books nested inside.
func (s *Store) ListUsersWithBorrows(ctx context.Context, skip, limit int) ([]*UserWithBorrows, error) {
	users, err := s.ListUsers(ctx, skip, limit)
	if err != nil {
		return nil, err
	}

	projections := make([]*UserWithBorrows, 0, len(users))
	for _, user := range users {
		p := &UserWithBorrows{
			ID:            user.ID,
			Name:          user.Name,
			Email:         user.Email,
			BorrowedBooks: []BorrowedBook{},
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT b.title, b.isbn, br.borrowed_at, br.return_date
			FROM borrows br
			JOIN books b ON b.id = br.book_id
			WHERE br.user_id = ? AND br.returned_at IS NULL
			ORDER BY br.borrowed_at`, user.ID)
		if err != nil {
			return nil, fmt.Errorf("list user borrows: %w", err)
		}
		for rows.Next() {
			var (
				bb         BorrowedBook
				borrowedAt string
				returnDate string
			)
			if err := rows.Scan(&bb.Title, &bb.ISBN, &borrowedAt, &returnDate); err != nil {
				rows.Close()
				return nil, err
			}
			bb.BorrowedAt = borrowedAt
			bb.ExpectedReturnDate = dateOnly(returnDate)
			p.BorrowedBooks = append(p.BorrowedBooks, bb)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		projections = append(projections, p)
	}
	return projections, nil
}

// ListUnavailableBooks returns a page of books with an active borrow, each
// carrying the borrow's expected return date.
func (s *Store) ListUnavailableBooks(ctx context.Context, skip, limit int) ([]*UnavailableBook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.title, b.isbn, br.user_id, br.return_date
		FROM books b
		JOIN borrows br ON br.book_id = b.id AND br.returned_at IS NULL
		WHERE b.is_available = 0
		ORDER BY b.created_at, b.id
		LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list unavailable books: %w", err)
	}
	defer rows.Close()

	books := make([]*UnavailableBook, 0, limit)
	for rows.Next() {
		var (
			ub         UnavailableBook
			returnDate string
		)
		if err := rows.Scan(&ub.ID, &ub.Title, &ub.ISBN, &ub.BorrowerID, &returnDate); err != nil {
			return nil, err
		}
		ub.ExpectedReturnDate = dateOnly(returnDate)
		books = append(books, &ub)
	}
	return books, rows.Err()
}

// BorrowBook borrows a book for a user for the requested number of days. The
// availability check, the borrow insert, and the availability flip run in one
// transaction, and the partial unique index on active borrows rejects a
// concurrent winner's duplicate.
func (s *Store) BorrowBook(ctx context.Context, bookID, userID string, days int) (*Borrow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin borrow: %w", err)
	}
	defer tx.Rollback()

	var available int
	err = tx.QueryRowContext(ctx,
		"SELECT is_available FROM books WHERE id = ?", bookID).Scan(&available)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("book %s: %w", bookID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if available == 0 {
		return nil, ErrBookUnavailable
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM users WHERE id = ?", userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate borrow id: %w", err)
	}
	now := time.Now().UTC()
	borrow := &Borrow{
		ID:         id,
		BookID:     bookID,
		UserID:     userID,
		BorrowedAt: now,
		ReturnDate: now.AddDate(0, 0, days),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO borrows (id, book_id, user_id, borrowed_at, return_date)
		VALUES (?, ?, ?, ?, ?)`,
		borrow.ID, borrow.BookID, borrow.UserID,
		borrow.BorrowedAt.Format(time.RFC3339),
		borrow.ReturnDate.Format(time.RFC3339))
	if isUniqueViolation(err) {
		return nil, ErrBookUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("insert borrow: %w", err)
	}

	// Re-check: flip only if still available, so a racing borrow that
	// committed between our read and here loses.
	res, err := tx.ExecContext(ctx,
		"UPDATE books SET is_available = 0, borrower_id = ? WHERE id = ? AND is_available = 1",
		userID, bookID)
	if err != nil {
		return nil, fmt.Errorf("flip availability: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected != 1 {
		return nil, ErrBookUnavailable
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit borrow: %w", err)
	}
	return borrow, nil
}

// ReturnBook closes the book's active borrow and restores availability.
func (s *Store) ReturnBook(ctx context.Context, bookID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin return: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		"UPDATE borrows SET returned_at = ? WHERE book_id = ? AND returned_at IS NULL",
		now, bookID)
	if err != nil {
		return fmt.Errorf("close borrow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE books SET is_available = 1, borrower_id = NULL WHERE id = ?", bookID)
	if err != nil {
		return fmt.Errorf("restore availability: %w", err)
	}
	return tx.Commit()
}

// dateOnly trims an RFC3339 timestamp down to its date part for the
// expected_return_date projections.
func dateOnly(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Format(time.DateOnly)
}
