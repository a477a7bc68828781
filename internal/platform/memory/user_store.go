package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/store"
)

// UserStore keeps users in memory, indexed by ID and normalized email.
type UserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]domain.User
	email map[string]uuid.UUID // normalized email -> user ID
}

// NewUserStore initializes an empty in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{
		users: make(map[uuid.UUID]domain.User),
		email: make(map[string]uuid.UUID),
	}
}

var _ store.UserStore = (*UserStore)(nil)

// Create stores the user unless the email is taken.
func (s *UserStore) Create(_ context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	if err := user.Validate(); err != nil {
		return err
	}
	if user.HashedPassword == "" {
		return domain.NewValidationError("password", "must be hashed before storage", domain.ErrEmptyPassword)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.email[user.Email]; taken {
		return store.ErrEmailExists
	}

	stored := *user
	stored.Password = ""
	s.users[user.ID] = stored
	s.email[user.Email] = user.ID

	user.Password = ""
	return nil
}

// GetByID returns a copy of the user.
func (s *UserStore) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return &u, nil
}

// GetByEmail returns a copy of the user with the given email, ignoring case.
func (s *UserStore) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.email[domain.NormalizeEmail(email)]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	u := s.users[id]
	return &u, nil
}
