package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
)

// UserStore persists registered users. Users are never updated or deleted.
type UserStore interface {
	// Create saves a new user whose HashedPassword is already set.
	// Emails are compared case-insensitively.
	// Returns ErrEmailExists if the email is already taken.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by their unique ID.
	// Returns ErrUserNotFound if the user does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// GetByEmail retrieves a user by their email address.
	// Returns ErrUserNotFound if the user does not exist.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}
