package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/arkwrite/shelfmq/internal/catalog"
	"github.com/arkwrite/shelfmq/internal/rabbitmq"
	"github.com/arkwrite/shelfmq/internal/wire"
)

// CatalogServer exposes the backend's HTTP API on top of the catalog service.
type CatalogServer struct {
	service  *catalog.Service
	router   *chi.Mux
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCatalogServer creates the catalog HTTP server with all routes configured.
func NewCatalogServer(service *catalog.Service, logger *slog.Logger) *CatalogServer {
	s := &CatalogServer{
		service:  service,
		router:   chi.NewRouter(),
		validate: validator.New(),
		logger:   logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/books", func(r chi.Router) {
			r.Post("/", s.handleCreateBook)
			r.Get("/", s.handleListBooks)
			r.Get("/{id}", s.handleGetBook)
			r.Put("/{id}", s.handleUpdateBook)
			r.Delete("/{id}", s.handleDeleteBook)
		})
		r.Post("/users", s.handleCreateUser)
		r.Get("/users", s.handleQueryUsers)
		r.Get("/users/borrowed-books", s.handleQueryBorrowedBooks)
		r.Get("/unavailable-books", s.handleQueryUnavailableBooks)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *CatalogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *CatalogServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

type createBookRequest struct {
	Title       string `json:"title" validate:"required"`
	Publisher   string `json:"publisher" validate:"required"`
	ISBN        string `json:"isbn" validate:"required"`
	Category    string `json:"category" validate:"required"`
	TotalCopies int    `json:"total_copies" validate:"min=1"`
	Description string `json:"description"`
}

func (s *CatalogServer) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		Error(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	book := &catalog.Book{
		Title:       req.Title,
		Publisher:   req.Publisher,
		ISBN:        req.ISBN,
		Category:    req.Category,
		TotalCopies: req.TotalCopies,
		Description: req.Description,
	}
	if err := s.service.CreateBook(r.Context(), book); err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, book, s.logger)
}

func (s *CatalogServer) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.service.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, book, s.logger)
}

func (s *CatalogServer) handleListBooks(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)
	books, err := s.service.ListBooks(r.Context(), skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, books, s.logger)
}

func (s *CatalogServer) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	var upd catalog.BookUpdate
	if err := decodeBody(r, &upd); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	book, err := s.service.UpdateBook(r.Context(), chi.URLParam(r, "id"), &upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, book, s.logger)
}

func (s *CatalogServer) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBook(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createUserRequest struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

func (s *CatalogServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		Error(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	user := &catalog.User{Name: req.Name, Email: req.Email}
	if err := s.service.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, user, s.logger)
}

func (s *CatalogServer) handleQueryUsers(w http.ResponseWriter, r *http.Request) {
	s.forwardQuery(w, r, wire.ActionGetUsers, s.service.QueryUsers)
}

func (s *CatalogServer) handleQueryBorrowedBooks(w http.ResponseWriter, r *http.Request) {
	s.forwardQuery(w, r, wire.ActionGetUsersWithBorrowedBooks, s.service.QueryUsers)
}

func (s *CatalogServer) handleQueryUnavailableBooks(w http.ResponseWriter, r *http.Request) {
	s.forwardQuery(w, r, wire.ActionGetUnavailableBooks, s.service.QueryBooks)
}

type queryFunc func(ctx context.Context, action wire.Action, skip, limit int) (json.RawMessage, error)

func (s *CatalogServer) forwardQuery(w http.ResponseWriter, r *http.Request, action wire.Action, query queryFunc) {
	skip, limit := pagination(r)
	body, err := query(r.Context(), action, skip, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeError maps service failures onto the HTTP error taxonomy: missing
// entities are 404, business-rule violations 400, messaging timeouts 504,
// everything else a generic 500.
func (s *CatalogServer) writeError(w http.ResponseWriter, err error) {
	var remote *catalog.RemoteError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		Error(w, http.StatusNotFound, "not found", s.logger)
	case errors.Is(err, catalog.ErrDuplicateISBN):
		Error(w, http.StatusBadRequest, "a book with this isbn already exists", s.logger)
	case errors.Is(err, rabbitmq.ErrReplyTimeout):
		Error(w, http.StatusGatewayTimeout, "mirror did not answer in time", s.logger)
	case errors.As(err, &remote):
		s.logger.Error("mirror reported failure", "error", err)
		Error(w, http.StatusInternalServerError, "internal error", s.logger)
	default:
		s.logger.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error", s.logger)
	}
}

func pagination(r *http.Request) (skip, limit int) {
	skip = wire.DefaultSkip
	limit = wire.DefaultLimit
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			skip = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return skip, limit
}
