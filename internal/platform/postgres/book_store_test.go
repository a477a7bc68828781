package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bookColumns = []string{
	"id", "owner_id", "title", "author", "year", "genre", "image_url",
	"average_rating", "created_at", "updated_at",
	"user_id", "grade", "rated_at",
}

type bookFixture struct {
	id, owner uuid.UUID
	avg       float64
	created   time.Time
}

func newFixture() bookFixture {
	return bookFixture{
		id:      uuid.New(),
		owner:   uuid.New(),
		created: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// row returns one joined row; a nil rater produces the NULLs of an unrated book.
func (f bookFixture) row(rater *uuid.UUID, grade int) []driver.Value {
	values := []driver.Value{
		f.id.String(), f.owner.String(), "Dune", "Frank Herbert", int64(1965), "Science fiction",
		"images/dune_1.jpg", f.avg, f.created, f.created,
	}
	if rater == nil {
		return append(values, nil, nil, nil)
	}
	return append(values, rater.String(), int64(grade), f.created)
}

func newMockStore(t *testing.T) (*PostgresBookStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresBookStore(db, nil), mock
}

func TestNewPostgresBookStore(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewPostgresBookStore(nil, nil) })

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresBookStore(db, nil)
	assert.NotNil(t, s.logger)
	assert.Same(t, db, s.sqlDB, "pool should be kept for transactions")
}

func TestPostgresBookStore_Create(t *testing.T) {
	t.Parallel()

	t.Run("inserts the book in a transaction", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		book, err := domain.NewBook(uuid.New(), domain.BookDetails{
			Title: "Dune", Author: "Frank Herbert", Year: 1965, Genre: "Science fiction",
		}, "images/dune_1.jpg")
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO books").
			WithArgs(book.ID, book.OwnerID, "Dune", "Frank Herbert", 1965, "Science fiction",
				"images/dune_1.jpg", 0.0, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.Create(context.Background(), book))
	})

	t.Run("invalid book never reaches the database", func(t *testing.T) {
		t.Parallel()
		s, _ := newMockStore(t)
		err := s.Create(context.Background(), &domain.Book{ID: uuid.New()})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown owner maps to invalid entity", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		book, err := domain.NewBook(uuid.New(), domain.BookDetails{
			Title: "Dune", Author: "Frank Herbert", Year: 1965, Genre: "Science fiction",
		}, "images/dune_1.jpg")
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO books").
			WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "books_owner_id_fkey"})
		mock.ExpectRollback()

		assert.ErrorIs(t, s.Create(context.Background(), book), store.ErrInvalidEntity)
	})
}

func TestPostgresBookStore_GetByID(t *testing.T) {
	t.Parallel()

	t.Run("folds ratings into the book", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()
		f.avg = 4
		a, b := uuid.New(), uuid.New()

		mock.ExpectQuery("FROM books b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).
				AddRow(f.row(&a, 3)...).
				AddRow(f.row(&b, 5)...))

		book, err := s.GetByID(context.Background(), f.id)
		require.NoError(t, err)
		assert.Equal(t, f.id, book.ID)
		assert.Equal(t, f.owner, book.OwnerID)
		assert.Equal(t, 1965, book.Year)
		require.Len(t, book.Ratings, 2)
		assert.Equal(t, a, book.Ratings[0].UserID)
		assert.Equal(t, 5, book.Ratings[1].Grade)
		assert.Equal(t, 4.0, book.AverageRating)
	})

	t.Run("unrated book has an empty rating list", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()

		mock.ExpectQuery("FROM books b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(nil, 0)...))

		book, err := s.GetByID(context.Background(), f.id)
		require.NoError(t, err)
		assert.NotNil(t, book.Ratings)
		assert.Empty(t, book.Ratings)
	})

	t.Run("missing book", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id := uuid.New()

		mock.ExpectQuery("FROM books b").WithArgs(id).WillReturnRows(sqlmock.NewRows(bookColumns))

		_, err := s.GetByID(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrBookNotFound)
	})
}

func TestPostgresBookStore_List(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	first, second := newFixture(), newFixture()
	rater := uuid.New()

	mock.ExpectQuery("ORDER BY b.created_at").
		WillReturnRows(sqlmock.NewRows(bookColumns).
			AddRow(first.row(nil, 0)...).
			AddRow(second.row(&rater, 2)...))

	books, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, first.id, books[0].ID)
	assert.Empty(t, books[0].Ratings)
	assert.Len(t, books[1].Ratings, 1)
}

func TestPostgresBookStore_ListTopRated(t *testing.T) {
	t.Parallel()

	t.Run("passes the limit", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()
		mock.ExpectQuery("LIMIT \\$1").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(nil, 0)...))

		books, err := s.ListTopRated(context.Background(), 3)
		require.NoError(t, err)
		assert.Len(t, books, 1)
	})

	t.Run("non-positive limit skips the query", func(t *testing.T) {
		t.Parallel()
		s, _ := newMockStore(t)
		books, err := s.ListTopRated(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, books)
	})
}

func TestPostgresBookStore_AddRating(t *testing.T) {
	t.Parallel()

	t.Run("appends and stores the new average", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()
		f.avg = 3
		existing, caller := uuid.New(), uuid.New()
		rating, err := domain.NewRating(caller, 4)
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(&existing, 3)...))
		mock.ExpectExec("INSERT INTO book_ratings").
			WithArgs(f.id, caller, 4, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE books SET average_rating").
			WithArgs(3.5, sqlmock.AnyArg(), f.id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		book, err := s.AddRating(context.Background(), f.id, rating)
		require.NoError(t, err)
		assert.Len(t, book.Ratings, 2)
		assert.Equal(t, 3.5, book.AverageRating)
	})

	t.Run("second rating by the same user", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()
		caller := uuid.New()
		rating, _ := domain.NewRating(caller, 1)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(&caller, 5)...))
		mock.ExpectRollback()

		_, err := s.AddRating(context.Background(), f.id, rating)
		assert.ErrorIs(t, err, store.ErrAlreadyRated)
	})

	t.Run("primary key violation is reported as already rated", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()
		rating, _ := domain.NewRating(uuid.New(), 2)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(nil, 0)...))
		mock.ExpectExec("INSERT INTO book_ratings").
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "book_ratings_pkey"})
		mock.ExpectRollback()

		_, err := s.AddRating(context.Background(), f.id, rating)
		assert.ErrorIs(t, err, store.ErrAlreadyRated)
	})

	t.Run("missing book", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id := uuid.New()
		rating, _ := domain.NewRating(uuid.New(), 2)

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").WithArgs(id).WillReturnRows(sqlmock.NewRows(bookColumns))
		mock.ExpectRollback()

		_, err := s.AddRating(context.Background(), id, rating)
		assert.ErrorIs(t, err, store.ErrBookNotFound)
	})
}

func TestPostgresBookStore_Update(t *testing.T) {
	t.Parallel()

	t.Run("owner update writes descriptive fields and image", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(nil, 0)...))
		mock.ExpectExec("UPDATE books\\s+SET title").
			WithArgs("Dune Messiah", "Frank Herbert", 1969, "Science fiction", "images/messiah_2.jpg",
				sqlmock.AnyArg(), f.id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		book, err := s.Update(context.Background(), f.id, f.owner, func(b *domain.Book) error {
			b.Title = "Dune Messiah"
			b.Year = 1969
			b.ImageURL = "images/messiah_2.jpg"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "Dune Messiah", book.Title)
	})

	t.Run("non-owner is rejected before the mutation runs", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(nil, 0)...))
		mock.ExpectRollback()

		called := false
		_, err := s.Update(context.Background(), f.id, uuid.New(), func(*domain.Book) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, store.ErrNotOwner)
		assert.False(t, called)
	})

	t.Run("mutation error aborts", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		f := newFixture()
		abort := errors.New("image ingest failed")

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE OF b").
			WithArgs(f.id).
			WillReturnRows(sqlmock.NewRows(bookColumns).AddRow(f.row(nil, 0)...))
		mock.ExpectRollback()

		_, err := s.Update(context.Background(), f.id, f.owner, func(*domain.Book) error { return abort })
		assert.ErrorIs(t, err, abort)
	})
}

func TestPostgresBookStore_Delete(t *testing.T) {
	t.Parallel()

	t.Run("owner delete", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()

		mock.ExpectExec("DELETE FROM books").WithArgs(id, owner).WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, s.Delete(context.Background(), id, owner))
	})

	t.Run("someone else's book", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()

		mock.ExpectExec("DELETE FROM books").WithArgs(id, owner).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT owner_id FROM books").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow(uuid.New().String()))

		assert.ErrorIs(t, s.Delete(context.Background(), id, owner), store.ErrNotOwner)
	})

	t.Run("missing book", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		id, owner := uuid.New(), uuid.New()

		mock.ExpectExec("DELETE FROM books").WithArgs(id, owner).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT owner_id FROM books").
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

		assert.ErrorIs(t, s.Delete(context.Background(), id, owner), store.ErrBookNotFound)
	})
}
