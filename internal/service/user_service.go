package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/phrazzld/bookshelf-api/internal/service/auth"
	"github.com/phrazzld/bookshelf-api/internal/store"
)

// UserService registers users and checks their credentials.
type UserService interface {
	// Register creates a user with the given email and password and returns its ID.
	// Returns ErrDuplicateEmail if the email is taken and ErrInvalidInput for
	// malformed emails or passwords.
	Register(ctx context.Context, email, password string) (uuid.UUID, error)

	// Authenticate returns the ID of the user matching the credentials, or
	// ErrInvalidCredentials.
	Authenticate(ctx context.Context, email, password string) (uuid.UUID, error)
}

// userServiceImpl implements the UserService interface
type userServiceImpl struct {
	users  store.UserStore
	hasher auth.PasswordHasher
	logger *slog.Logger
}

// NewUserService creates a new UserService.
// It returns an error if any of the required dependencies are nil.
func NewUserService(users store.UserStore, hasher auth.PasswordHasher, logger *slog.Logger) (UserService, error) {
	if users == nil {
		return nil, domain.NewValidationError("users", "cannot be nil", domain.ErrValidation)
	}
	if hasher == nil {
		return nil, domain.NewValidationError("hasher", "cannot be nil", domain.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &userServiceImpl{
		users:  users,
		hasher: hasher,
		logger: logger.With(slog.String("component", "user_service")),
	}, nil
}

// Register implements UserService.Register.
func (s *userServiceImpl) Register(ctx context.Context, email, password string) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	user, err := domain.NewUser(email, password)
	if err != nil {
		log.Debug("rejected signup", slog.String("error", err.Error()))
		return uuid.Nil, invalidInput(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		log.Error("failed to hash password", slog.String("error", err.Error()))
		return uuid.Nil, NewServiceError("user", "register", "failed to hash password", err)
	}
	user.HashedPassword = hash
	user.Password = ""

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			log.Debug("attempted to create user with existing email")
			return uuid.Nil, ErrDuplicateEmail
		}
		log.Error("failed to save user", slog.String("error", err.Error()))
		return uuid.Nil, NewServiceError("user", "register", "failed to save user", err)
	}

	log.Info("user registered", slog.String("user_id", user.ID.String()))
	return user.ID, nil
}

// Authenticate implements UserService.Authenticate.
func (s *userServiceImpl) Authenticate(ctx context.Context, email, password string) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	user, err := s.users.GetByEmail(ctx, domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			log.Debug("login for unknown email")
			return uuid.Nil, ErrInvalidCredentials
		}
		log.Error("failed to look up user", slog.String("error", err.Error()))
		return uuid.Nil, NewServiceError("user", "authenticate", "failed to look up user", err)
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			log.Warn("password comparison failed",
				slog.String("user_id", user.ID.String()),
				slog.String("error", err.Error()))
		}
		return uuid.Nil, ErrInvalidCredentials
	}

	log.Debug("user authenticated", slog.String("user_id", user.ID.String()))
	return user.ID, nil
}
