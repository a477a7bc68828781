package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Grade bounds, inclusive.
const (
	MinGrade = 0
	MaxGrade = 5
)

// Publication year bounds.
const (
	MinYear = -9999
	MaxYear = 9999
)

// ErrDuplicateRating is returned by AddRating when the user already rated the book.
var ErrDuplicateRating = errors.New("user has already rated this book")

// BookDetails holds the user-editable descriptive fields of a book.
type BookDetails struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   int    `json:"year"`
	Genre  string `json:"genre"`
}

// Validate checks that every field is present.
func (d BookDetails) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return NewValidationError("title", "is required", nil)
	}
	if strings.TrimSpace(d.Author) == "" {
		return NewValidationError("author", "is required", nil)
	}
	if d.Year == 0 {
		return NewValidationError("year", "is required", nil)
	}
	if d.Year < MinYear || d.Year > MaxYear {
		return NewValidationError("year", "is out of range", nil)
	}
	if strings.TrimSpace(d.Genre) == "" {
		return NewValidationError("genre", "is required", nil)
	}
	return nil
}

// Rating is a single user's grade for a book. Ratings are never changed once recorded.
type Rating struct {
	UserID  uuid.UUID `json:"user_id"`
	Grade   int       `json:"grade"`
	RatedAt time.Time `json:"rated_at"`
}

// NewRating creates a Rating after checking the grade bounds.
func NewRating(userID uuid.UUID, grade int) (Rating, error) {
	if userID == uuid.Nil {
		return Rating{}, NewValidationError("userId", "is required", ErrEmptyUserID)
	}
	if grade < MinGrade || grade > MaxGrade {
		return Rating{}, NewValidationError("rating", "must be between 0 and 5", ErrInvalidGrade)
	}
	return Rating{UserID: userID, Grade: grade, RatedAt: time.Now().UTC()}, nil
}

// ParseGrade converts a raw grade as received from a client into an integer
// in [MinGrade, MaxGrade]. Non-numeric, fractional and out-of-range values are rejected.
func ParseGrade(raw string) (int, error) {
	grade, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, NewValidationError("rating", "must be an integer", ErrInvalidGrade)
	}
	if grade < MinGrade || grade > MaxGrade {
		return 0, NewValidationError("rating", "must be between 0 and 5", ErrInvalidGrade)
	}
	return grade, nil
}

// Book is a catalog entry owned by the user who created it.
//
// Ratings holds at most one entry per user and AverageRating is always the
// mean of their grades, or 0 when there are none. Both are maintained by
// AddRating; nothing else should modify them.
type Book struct {
	ID            uuid.UUID `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	BookDetails             // title, author, year, genre
	ImageURL      string    `json:"image_url"`
	Ratings       []Rating  `json:"ratings"`
	AverageRating float64   `json:"average_rating"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewBook creates a Book with no ratings.
func NewBook(ownerID uuid.UUID, details BookDetails, imageURL string) (*Book, error) {
	now := time.Now().UTC()
	book := &Book{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		BookDetails: details,
		ImageURL:    imageURL,
		Ratings:     []Rating{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := book.Validate(); err != nil {
		return nil, err
	}

	return book, nil
}

// Validate checks the book's fields and rating invariants.
func (b *Book) Validate() error {
	if b.ID == uuid.Nil {
		return NewValidationError("id", "is required", ErrInvalidID)
	}
	if b.OwnerID == uuid.Nil {
		return NewValidationError("userId", "is required", ErrEmptyUserID)
	}
	if err := b.BookDetails.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(b.ImageURL) == "" {
		return NewValidationError("imageUrl", "is required", nil)
	}

	seen := make(map[uuid.UUID]struct{}, len(b.Ratings))
	for _, r := range b.Ratings {
		if r.Grade < MinGrade || r.Grade > MaxGrade {
			return NewValidationError("ratings", "contain an out-of-range grade", ErrInvalidGrade)
		}
		if _, dup := seen[r.UserID]; dup {
			return NewValidationError("ratings", "contain more than one entry for a user", ErrDuplicateRating)
		}
		seen[r.UserID] = struct{}{}
	}

	return nil
}

// IsOwnedBy reports whether userID created the book.
func (b *Book) IsOwnedBy(userID uuid.UUID) bool {
	return b.OwnerID == userID
}

// HasRated reports whether userID already has a rating on the book.
func (b *Book) HasRated(userID uuid.UUID) bool {
	for _, r := range b.Ratings {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddRating appends r and recomputes the average.
// Returns ErrDuplicateRating if r.UserID already rated the book.
func (b *Book) AddRating(r Rating) error {
	if b.HasRated(r.UserID) {
		return ErrDuplicateRating
	}
	if r.Grade < MinGrade || r.Grade > MaxGrade {
		return NewValidationError("rating", "must be between 0 and 5", ErrInvalidGrade)
	}

	b.Ratings = append(b.Ratings, r)
	b.AverageRating = AverageGrade(b.Ratings)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyDetails replaces the descriptive fields. Ownership, image and ratings are untouched.
func (b *Book) ApplyDetails(details BookDetails) {
	b.BookDetails = details
	b.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy of the book.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	c := *b
	c.Ratings = make([]Rating, len(b.Ratings))
	copy(c.Ratings, b.Ratings)
	return &c
}

// AverageGrade returns the arithmetic mean of the grades, or 0 for none.
func AverageGrade(ratings []Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Grade
	}
	return float64(sum) / float64(len(ratings))
}
