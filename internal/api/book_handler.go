package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/phrazzld/bookshelf-api/internal/api/shared"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/images"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/phrazzld/bookshelf-api/internal/service"
	"github.com/phrazzld/bookshelf-api/internal/service/auth"
)

// TopRatedLimit is the number of books returned by the best-rating endpoint.
const TopRatedLimit = 3

// Multipart form field names.
const (
	bookFieldName  = "book"
	imageFieldName = "image"
)

// maxBookFieldBytes bounds the JSON document carried in the book field.
const maxBookFieldBytes = 1 << 16

// UploadStager moves an uploaded image to temporary storage for the book
// service to ingest, and removes it again when the request fails first.
type UploadStager interface {
	Stage(r io.Reader, originalName string) (*images.Upload, error)
	Release(ctx context.Context, upload *images.Upload)
}

var _ UploadStager = (*images.Pipeline)(nil)

// BookHandlerConfig holds the request-level settings of the book endpoints.
type BookHandlerConfig struct {
	// PublicBaseURL prefixes image URLs. When empty the request's own
	// scheme and host are used.
	PublicBaseURL string

	// MaxUploadBytes caps the size of create and update request bodies.
	MaxUploadBytes int64
}

// BookHandler handles book-related HTTP requests.
type BookHandler struct {
	books  service.BookService
	stager UploadStager
	cfg    BookHandlerConfig
	logger *slog.Logger
}

// NewBookHandler creates a new BookHandler.
func NewBookHandler(
	books service.BookService,
	stager UploadStager,
	cfg BookHandlerConfig,
	logger *slog.Logger,
) *BookHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for BookHandler")
	}

	return &BookHandler{
		books:  books,
		stager: stager,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "book_handler")),
	}
}

// List handles GET /api/books.
func (h *BookHandler) List(w http.ResponseWriter, r *http.Request) {
	books, err := h.books.ListAll(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list books")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newBookListResponse(books, h.baseURL(r)))
}

// TopRated handles GET /api/books/bestrating.
func (h *BookHandler) TopRated(w http.ResponseWriter, r *http.Request) {
	books, err := h.books.ListTopRated(r.Context(), TopRatedLimit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list top rated books")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newBookListResponse(books, h.baseURL(r)))
}

// Get handles GET /api/books/{id}.
func (h *BookHandler) Get(w http.ResponseWriter, r *http.Request) {
	bookID, err := getBookID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	book, err := h.books.GetOne(r.Context(), bookID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get book")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newBookResponse(book, h.baseURL(r)))
}

// Create handles POST /api/books. The body is a multipart form with the
// book's fields as a JSON string in "book" and the cover in "image".
func (h *BookHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, auth.ErrMissingToken, "")
		return
	}

	payload, upload, err := h.readBookRequest(w, r)
	if err != nil {
		h.stager.Release(r.Context(), upload)
		HandleAPIError(w, r, err, "")
		return
	}

	book, err := h.books.Create(r.Context(), userID, payload.Details(), upload)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create book")
		return
	}

	log.Info("book created",
		slog.String("book_id", book.ID.String()),
		slog.String("user_id", userID.String()))
	shared.RespondWithJSON(w, r, http.StatusCreated, BookMutationResponse{
		Message: "Book created",
		Book:    newBookResponse(book, h.baseURL(r)),
	})
}

// Update handles PUT /api/books/{id}. It accepts the same multipart form as
// Create with an optional image, or a plain JSON body with the fields.
func (h *BookHandler) Update(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, bookID, ok := handleUserIDAndBookID(w, r, "id", log)
	if !ok {
		return
	}

	payload, upload, err := h.readBookRequest(w, r)
	if err != nil {
		h.stager.Release(r.Context(), upload)
		HandleAPIError(w, r, err, "")
		return
	}

	book, err := h.books.Update(r.Context(), bookID, userID, payload.Details(), upload)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to update book")
		return
	}

	log.Info("book updated",
		slog.String("book_id", book.ID.String()),
		slog.Bool("image_replaced", upload != nil))
	shared.RespondWithJSON(w, r, http.StatusOK, BookMutationResponse{
		Message: "Book updated",
		Book:    newBookResponse(book, h.baseURL(r)),
	})
}

// Delete handles DELETE /api/books/{id}.
func (h *BookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, bookID, ok := handleUserIDAndBookID(w, r, "id", log)
	if !ok {
		return
	}

	if err := h.books.Delete(r.Context(), bookID, userID); err != nil {
		HandleAPIError(w, r, err, "Failed to delete book")
		return
	}

	log.Info("book deleted", slog.String("book_id", bookID.String()))
	shared.RespondWithMessage(w, r, http.StatusOK, "Book deleted")
}

// Rate handles POST /api/books/{id}/rating.
func (h *BookHandler) Rate(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, bookID, ok := handleUserIDAndBookID(w, r, "id", log)
	if !ok {
		return
	}

	var req RatingRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBookFieldBytes)
	if err := decodeRequest(r.Body, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	grade, err := req.Grade()
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	book, err := h.books.Rate(r.Context(), bookID, userID, grade)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to rate book")
		return
	}

	log.Debug("book rated",
		slog.String("book_id", bookID.String()),
		slog.String("user_id", userID.String()))
	shared.RespondWithJSON(w, r, http.StatusOK, newBookResponse(book, h.baseURL(r)))
}

// readBookRequest parses a create or update body. The returned upload may be
// non-nil even when err is not, so callers release it on failure.
func (h *BookHandler) readBookRequest(w http.ResponseWriter, r *http.Request) (BookPayload, *images.Upload, error) {
	var payload BookPayload

	if h.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		if err := decodeRequest(r.Body, &payload); err != nil {
			return payload, nil, err
		}
		return payload, nil, validatePayload(&payload)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return payload, nil, fmt.Errorf("%w: %w", errMalformedRequest, err)
	}

	var upload *images.Upload
	seenBook := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return payload, upload, wrapPartError(err)
		}

		switch part.FormName() {
		case bookFieldName:
			if err := decodeRequest(io.LimitReader(part, maxBookFieldBytes), &payload); err != nil {
				_ = part.Close()
				return payload, upload, err
			}
			seenBook = true
		case imageFieldName:
			if upload != nil {
				_ = part.Close()
				return payload, upload, fmt.Errorf("%w: more than one image", errMalformedRequest)
			}
			upload, err = h.stager.Stage(part, part.FileName())
			if err != nil {
				_ = part.Close()
				return payload, nil, err
			}
		}
		_ = part.Close()
	}

	if !seenBook {
		return payload, upload, domain.NewValidationError(bookFieldName, "is required", nil)
	}
	return payload, upload, validatePayload(&payload)
}

func (h *BookHandler) baseURL(r *http.Request) string {
	if h.cfg.PublicBaseURL != "" {
		return h.cfg.PublicBaseURL
	}
	return requestBaseURL(r)
}

func validatePayload(payload *BookPayload) error {
	if err := shared.ValidateRequest(payload); err != nil {
		return fmt.Errorf("%w: %w", service.ErrInvalidInput, err)
	}
	return nil
}

// decodeRequest decodes a JSON document, tagging syntax errors as malformed
// requests while keeping size and field errors recognisable.
func decodeRequest(rd io.Reader, v interface{}) error {
	err := shared.DecodeJSONFrom(rd, v)
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	if errors.Is(err, shared.ErrEmptyBody) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.As(err, &maxBytesErr) {
		return err
	}
	return fmt.Errorf("%w: %w", errMalformedRequest, err)
}

func wrapPartError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return err
	}
	return fmt.Errorf("%w: %w", errMalformedRequest, err)
}
