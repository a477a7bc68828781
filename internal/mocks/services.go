package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/images"
	"github.com/phrazzld/bookshelf-api/internal/service"
	"github.com/stretchr/testify/mock"
)

// MockBookService is a testify mock of service.BookService
type MockBookService struct {
	mock.Mock
}

var _ service.BookService = (*MockBookService)(nil)

func bookResult(args mock.Arguments) (*domain.Book, error) {
	if book, ok := args.Get(0).(*domain.Book); ok {
		return book, args.Error(1)
	}
	return nil, args.Error(1)
}

func booksResult(args mock.Arguments) ([]*domain.Book, error) {
	if books, ok := args.Get(0).([]*domain.Book); ok {
		return books, args.Error(1)
	}
	return nil, args.Error(1)
}

// Create mocks service.BookService.Create
func (m *MockBookService) Create(
	ctx context.Context,
	ownerID uuid.UUID,
	details domain.BookDetails,
	upload *images.Upload,
) (*domain.Book, error) {
	return bookResult(m.Called(ctx, ownerID, details, upload))
}

// Update mocks service.BookService.Update
func (m *MockBookService) Update(
	ctx context.Context,
	bookID, callerID uuid.UUID,
	details domain.BookDetails,
	upload *images.Upload,
) (*domain.Book, error) {
	return bookResult(m.Called(ctx, bookID, callerID, details, upload))
}

// Delete mocks service.BookService.Delete
func (m *MockBookService) Delete(ctx context.Context, bookID, callerID uuid.UUID) error {
	return m.Called(ctx, bookID, callerID).Error(0)
}

// Rate mocks service.BookService.Rate
func (m *MockBookService) Rate(
	ctx context.Context,
	bookID, callerID uuid.UUID,
	rawGrade string,
) (*domain.Book, error) {
	return bookResult(m.Called(ctx, bookID, callerID, rawGrade))
}

// ListAll mocks service.BookService.ListAll
func (m *MockBookService) ListAll(ctx context.Context) ([]*domain.Book, error) {
	return booksResult(m.Called(ctx))
}

// ListTopRated mocks service.BookService.ListTopRated
func (m *MockBookService) ListTopRated(ctx context.Context, limit int) ([]*domain.Book, error) {
	return booksResult(m.Called(ctx, limit))
}

// GetOne mocks service.BookService.GetOne
func (m *MockBookService) GetOne(ctx context.Context, bookID uuid.UUID) (*domain.Book, error) {
	return bookResult(m.Called(ctx, bookID))
}

// MockUserService is a testify mock of service.UserService
type MockUserService struct {
	mock.Mock
}

var _ service.UserService = (*MockUserService)(nil)

// Register mocks service.UserService.Register
func (m *MockUserService) Register(ctx context.Context, email, password string) (uuid.UUID, error) {
	args := m.Called(ctx, email, password)
	id, _ := args.Get(0).(uuid.UUID)
	return id, args.Error(1)
}

// Authenticate mocks service.UserService.Authenticate
func (m *MockUserService) Authenticate(ctx context.Context, email, password string) (uuid.UUID, error) {
	args := m.Called(ctx, email, password)
	id, _ := args.Get(0).(uuid.UUID)
	return id, args.Error(1)
}
