package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
)

// BookMutation modifies a locked copy of a book inside BookStore.Update.
// Returning an error aborts the update and leaves the stored book unchanged.
type BookMutation func(book *domain.Book) error

// BookStore persists books together with their ratings.
//
// Update, AddRating and Delete are atomic with respect to each other for the
// same book: implementations serialize them per book ID, so a read-check-write
// sequence cannot interleave with another one.
type BookStore interface {
	// Create saves a new book.
	Create(ctx context.Context, book *domain.Book) error

	// GetByID returns the book with its ratings.
	// Returns ErrBookNotFound if the book does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Book, error)

	// List returns every book, oldest first.
	List(ctx context.Context) ([]*domain.Book, error)

	// ListTopRated returns at most limit books ordered by average rating,
	// highest first. Ties are broken by creation time, then ID.
	ListTopRated(ctx context.Context, limit int) ([]*domain.Book, error)

	// Update applies fn to the current state of the book owned by ownerID and
	// persists the result. Only descriptive fields and ImageURL are written.
	// Returns ErrBookNotFound or ErrNotOwner without calling fn.
	Update(ctx context.Context, id, ownerID uuid.UUID, fn BookMutation) (*domain.Book, error)

	// AddRating appends rating if its user has not rated the book yet and
	// recomputes the average, as one atomic step.
	// Returns ErrBookNotFound or ErrAlreadyRated.
	AddRating(ctx context.Context, id uuid.UUID, rating domain.Rating) (*domain.Book, error)

	// Delete removes the book owned by ownerID and its ratings.
	// Returns ErrBookNotFound or ErrNotOwner.
	Delete(ctx context.Context, id, ownerID uuid.UUID) error
}
