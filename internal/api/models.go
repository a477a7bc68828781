package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
)

// CredentialsRequest is the payload of the signup and login endpoints.
type CredentialsRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,max=72"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	UserID uuid.UUID `json:"userId"`
	Token  string    `json:"token"`
}

// BookPayload carries the descriptive fields of a book on create and update.
// Clients may also send userId, imageUrl and ratings; they are ignored.
type BookPayload struct {
	Title  string  `json:"title"  validate:"required"`
	Author string  `json:"author" validate:"required"`
	Year   flexInt `json:"year"   validate:"required"`
	Genre  string  `json:"genre"  validate:"required"`
}

// Details converts the payload to domain fields.
func (p BookPayload) Details() domain.BookDetails {
	return domain.BookDetails{
		Title:  strings.TrimSpace(p.Title),
		Author: strings.TrimSpace(p.Author),
		Year:   int(p.Year),
		Genre:  strings.TrimSpace(p.Genre),
	}
}

// flexInt accepts both 1999 and "1999"; form-based clients send numbers as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return domain.NewValidationError("year", "must be an integer", nil)
	}
	*f = flexInt(n)
	return nil
}

// RatingRequest is the payload of the rating endpoint. Rating may be a JSON
// number or a numeric string. Any userId sent by the client is ignored; the
// rater is always the authenticated user.
type RatingRequest struct {
	Rating json.RawMessage `json:"rating"`
}

// Grade returns the raw grade text for parsing by the service.
func (req RatingRequest) Grade() (string, error) {
	raw := bytes.TrimSpace(req.Rating)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", domain.NewValidationError("rating", "is required", domain.ErrInvalidGrade)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", domain.NewValidationError("rating", "must be an integer", domain.ErrInvalidGrade)
		}
		return s, nil
	}
	return string(raw), nil
}

// RatingResponse is one entry of a book's ratings.
type RatingResponse struct {
	UserID uuid.UUID `json:"userId"`
	Grade  int       `json:"grade"`
}

// BookResponse is the wire representation of a book.
type BookResponse struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"userId"`
	Title         string           `json:"title"`
	Author        string           `json:"author"`
	Year          int              `json:"year"`
	Genre         string           `json:"genre"`
	ImageURL      string           `json:"imageUrl"`
	Ratings       []RatingResponse `json:"ratings"`
	AverageRating float64          `json:"averageRating"`
}

// BookMutationResponse is returned by create and update.
type BookMutationResponse struct {
	Message string       `json:"message"`
	Book    BookResponse `json:"book"`
}

// newBookResponse renders book with its image URL made absolute against baseURL.
func newBookResponse(book *domain.Book, baseURL string) BookResponse {
	ratings := make([]RatingResponse, 0, len(book.Ratings))
	for _, r := range book.Ratings {
		ratings = append(ratings, RatingResponse{UserID: r.UserID, Grade: r.Grade})
	}

	return BookResponse{
		ID:            book.ID,
		UserID:        book.OwnerID,
		Title:         book.Title,
		Author:        book.Author,
		Year:          book.Year,
		Genre:         book.Genre,
		ImageURL:      absoluteImageURL(baseURL, book.ImageURL),
		Ratings:       ratings,
		AverageRating: book.AverageRating,
	}
}

func newBookListResponse(books []*domain.Book, baseURL string) []BookResponse {
	out := make([]BookResponse, 0, len(books))
	for _, b := range books {
		out = append(out, newBookResponse(b, baseURL))
	}
	return out
}

func absoluteImageURL(baseURL, path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
