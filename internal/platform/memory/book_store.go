package memory

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/store"
)

// BookStore keeps books in a map guarded by a single mutex, which also makes
// every read-check-write sequence atomic.
type BookStore struct {
	mu    sync.RWMutex
	books map[uuid.UUID]*domain.Book
	order []uuid.UUID // insertion order
}

// NewBookStore initializes an empty in-memory book store.
func NewBookStore() *BookStore {
	return &BookStore{books: make(map[uuid.UUID]*domain.Book)}
}

var _ store.BookStore = (*BookStore)(nil)

// Create stores a copy of book.
func (s *BookStore) Create(_ context.Context, book *domain.Book) error {
	if err := book.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.books[book.ID]; exists {
		return store.ErrDuplicate
	}
	s.books[book.ID] = book.Clone()
	s.order = append(s.order, book.ID)
	return nil
}

// GetByID returns a copy of the stored book.
func (s *BookStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return nil, store.ErrBookNotFound
	}
	return b.Clone(), nil
}

// List returns copies of all books in insertion order.
func (s *BookStore) List(_ context.Context) ([]*domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(), nil
}

// ListTopRated returns up to limit books by average rating, highest first.
func (s *BookStore) ListTopRated(_ context.Context, limit int) ([]*domain.Book, error) {
	if limit <= 0 {
		return []*domain.Book{}, nil
	}

	s.mu.RLock()
	books := s.snapshot()
	s.mu.RUnlock()

	slices.SortStableFunc(books, func(a, b *domain.Book) int {
		if c := cmp.Compare(b.AverageRating, a.AverageRating); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})

	if len(books) > limit {
		books = books[:limit]
	}
	return books, nil
}

// Update applies fn to a copy of the book and stores the result if fn succeeds.
func (s *BookStore) Update(
	_ context.Context,
	id, ownerID uuid.UUID,
	fn store.BookMutation,
) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.books[id]
	if !ok {
		return nil, store.ErrBookNotFound
	}
	if !current.IsOwnedBy(ownerID) {
		return nil, store.ErrNotOwner
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if err := working.Validate(); err != nil {
		return nil, err
	}

	// Only descriptive fields and the image are writable here.
	next := current.Clone()
	next.BookDetails = working.BookDetails
	next.ImageURL = working.ImageURL
	next.UpdatedAt = time.Now().UTC()
	s.books[id] = next

	return next.Clone(), nil
}

// AddRating appends rating under the store lock.
func (s *BookStore) AddRating(_ context.Context, id uuid.UUID, rating domain.Rating) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.books[id]
	if !ok {
		return nil, store.ErrBookNotFound
	}

	next := current.Clone()
	if err := next.AddRating(rating); err != nil {
		if errors.Is(err, domain.ErrDuplicateRating) {
			return nil, store.ErrAlreadyRated
		}
		return nil, err
	}
	s.books[id] = next

	return next.Clone(), nil
}

// Delete removes the book if ownerID owns it.
func (s *BookStore) Delete(_ context.Context, id, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.books[id]
	if !ok {
		return store.ErrBookNotFound
	}
	if !current.IsOwnedBy(ownerID) {
		return store.ErrNotOwner
	}

	delete(s.books, id)
	s.order = slices.DeleteFunc(s.order, func(v uuid.UUID) bool { return v == id })
	return nil
}

// snapshot copies the books in insertion order. Callers hold the lock.
func (s *BookStore) snapshot() []*domain.Book {
	res := make([]*domain.Book, 0, len(s.order))
	for _, id := range s.order {
		if b, ok := s.books[id]; ok {
			res = append(res, b.Clone())
		}
	}
	return res
}
