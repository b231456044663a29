package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/arkwrite/shelfmq/internal/mirror"
)

// MirrorServer exposes the frontend's HTTP API on top of the relational
// mirror store.
type MirrorServer struct {
	store    *mirror.Store
	router   *chi.Mux
	validate *validator.Validate
	logger   *slog.Logger
}

// NewMirrorServer creates the mirror HTTP server with all routes configured.
func NewMirrorServer(store *mirror.Store, logger *slog.Logger) *MirrorServer {
	s := &MirrorServer{
		store:    store,
		router:   chi.NewRouter(),
		validate: validator.New(),
		logger:   logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Get("/users", s.handleListUsers)
		r.Route("/books", func(r chi.Router) {
			r.Get("/", s.handleListBooks)
			r.Get("/{id}", s.handleGetBook)
			r.Post("/{id}/return", s.handleReturnBook)
		})
		r.Post("/borrows", s.handleBorrowBook)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *MirrorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *MirrorServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

type mirrorUserRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password"`
}

func (s *MirrorServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req mirrorUserRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		Error(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	user := &mirror.User{Name: req.Name, Email: req.Email, PasswordHash: req.Password}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, user, s.logger)
}

func (s *MirrorServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)
	users, err := s.store.ListUsers(r.Context(), skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, users, s.logger)
}

func (s *MirrorServer) handleListBooks(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)

	var filter mirror.BookFilter
	switch r.URL.Query().Get("available") {
	case "true":
		available := true
		filter.Available = &available
	case "false":
		available := false
		filter.Available = &available
	}
	filter.Category = r.URL.Query().Get("category")
	filter.Publisher = r.URL.Query().Get("publisher")

	books, err := s.store.ListBooks(r.Context(), filter, skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, books, s.logger)
}

func (s *MirrorServer) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.store.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, book, s.logger)
}

type borrowRequest struct {
	BookID string `json:"book_id" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
	Days   int    `json:"days" validate:"min=1,max=90"`
}

func (s *MirrorServer) handleBorrowBook(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		Error(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	borrow, err := s.store.BorrowBook(r.Context(), req.BookID, req.UserID, req.Days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, borrow, s.logger)
}

func (s *MirrorServer) handleReturnBook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ReturnBook(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MirrorServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		Error(w, http.StatusNotFound, "not found", s.logger)
	case errors.Is(err, mirror.ErrBookUnavailable):
		Error(w, http.StatusForbidden, "book is not available", s.logger)
	case errors.Is(err, mirror.ErrDuplicateEmail):
		Error(w, http.StatusBadRequest, "a user with this email already exists", s.logger)
	default:
		s.logger.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error", s.logger)
	}
}
