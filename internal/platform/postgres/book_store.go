package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/phrazzld/bookshelf-api/internal/store"
)

// Books and their ratings are read with one LEFT JOIN; rows of the same book
// are adjacent because every query orders by book first.
const (
	bookSelect = `
		SELECT b.id, b.owner_id, b.title, b.author, b.year, b.genre, b.image_url,
		       b.average_rating, b.created_at, b.updated_at,
		       r.user_id, r.grade, r.rated_at
	`
	ratingOrder = `r.rated_at ASC, r.user_id ASC`

	getBookQuery = bookSelect + `
		FROM books b
		LEFT JOIN book_ratings r ON r.book_id = b.id
		WHERE b.id = $1
		ORDER BY ` + ratingOrder

	// Locks the book row for the rest of the transaction. Ratings are not
	// locked; the primary key on book_ratings covers inserts.
	lockBookQuery = getBookQuery + ` FOR UPDATE OF b`

	listBooksQuery = bookSelect + `
		FROM books b
		LEFT JOIN book_ratings r ON r.book_id = b.id
		ORDER BY b.created_at ASC, b.id ASC, ` + ratingOrder

	topRatedQuery = bookSelect + `
		FROM (
			SELECT * FROM books
			ORDER BY average_rating DESC, created_at ASC, id ASC
			LIMIT $1
		) b
		LEFT JOIN book_ratings r ON r.book_id = b.id
		ORDER BY b.average_rating DESC, b.created_at ASC, b.id ASC, ` + ratingOrder
)

// PostgresBookStore implements the store.BookStore interface
// using a PostgreSQL database as the storage backend.
type PostgresBookStore struct {
	db     store.DBTX
	sqlDB  *sql.DB // set when db is a pool, used to start transactions
	logger *slog.Logger
}

// NewPostgresBookStore creates a new PostgreSQL implementation of the BookStore interface.
// When db is a *sql.DB, mutations run in their own transactions; when it is
// already a transaction they join it.
func NewPostgresBookStore(db store.DBTX, logger *slog.Logger) *PostgresBookStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, _ := db.(*sql.DB)

	return &PostgresBookStore{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(slog.String("component", "book_store")),
	}
}

// Ensure PostgresBookStore implements store.BookStore interface
var _ store.BookStore = (*PostgresBookStore)(nil)

// inTx runs fn inside a transaction, or directly on s.db when the store was
// built around an existing transaction.
func (s *PostgresBookStore) inTx(ctx context.Context, fn func(q store.DBTX) error) error {
	if s.sqlDB == nil {
		return fn(s.db)
	}
	return store.RunInTransaction(ctx, s.sqlDB, func(ctx context.Context, tx *sql.Tx) error {
		return fn(tx)
	})
}

// Create implements store.BookStore.Create.
func (s *PostgresBookStore) Create(ctx context.Context, book *domain.Book) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := book.Validate(); err != nil {
		log.Warn("book validation failed during create",
			slog.String("error", err.Error()),
			slog.String("book_id", book.ID.String()))
		return err
	}

	err := s.inTx(ctx, func(q store.DBTX) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO books (id, owner_id, title, author, year, genre, image_url,
			                   average_rating, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			book.ID,
			book.OwnerID,
			book.Title,
			book.Author,
			book.Year,
			book.Genre,
			book.ImageURL,
			book.AverageRating,
			book.CreatedAt,
			book.UpdatedAt,
		)
		if err != nil {
			return MapError(err)
		}

		for _, r := range book.Ratings {
			if err := insertRating(ctx, q, book.ID, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("failed to create book",
			slog.String("error", err.Error()),
			slog.String("book_id", book.ID.String()),
			slog.String("owner_id", book.OwnerID.String()))
		return err
	}

	log.Info("book created successfully",
		slog.String("book_id", book.ID.String()),
		slog.String("owner_id", book.OwnerID.String()))
	return nil
}

// GetByID implements store.BookStore.GetByID.
func (s *PostgresBookStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	book, err := getBook(ctx, s.db, getBookQuery, id)
	if err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			log.Debug("book not found", slog.String("book_id", id.String()))
		} else {
			log.Error("failed to get book",
				slog.String("error", err.Error()),
				slog.String("book_id", id.String()))
		}
		return nil, err
	}
	return book, nil
}

// List implements store.BookStore.List.
func (s *PostgresBookStore) List(ctx context.Context) ([]*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	books, err := queryBooks(ctx, s.db, listBooksQuery)
	if err != nil {
		log.Error("failed to list books", slog.String("error", err.Error()))
		return nil, err
	}

	log.Debug("books listed", slog.Int("count", len(books)))
	return books, nil
}

// ListTopRated implements store.BookStore.ListTopRated.
func (s *PostgresBookStore) ListTopRated(ctx context.Context, limit int) ([]*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if limit <= 0 {
		return []*domain.Book{}, nil
	}

	books, err := queryBooks(ctx, s.db, topRatedQuery, limit)
	if err != nil {
		log.Error("failed to list top rated books",
			slog.String("error", err.Error()),
			slog.Int("limit", limit))
		return nil, err
	}
	return books, nil
}

// Update implements store.BookStore.Update.
func (s *PostgresBookStore) Update(
	ctx context.Context,
	id, ownerID uuid.UUID,
	fn store.BookMutation,
) (*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var updated *domain.Book
	err := s.inTx(ctx, func(q store.DBTX) error {
		book, err := getBook(ctx, q, lockBookQuery, id)
		if err != nil {
			return err
		}
		if !book.IsOwnedBy(ownerID) {
			return store.ErrNotOwner
		}

		if err := fn(book); err != nil {
			return err
		}
		if err := book.Validate(); err != nil {
			return err
		}
		book.UpdatedAt = time.Now().UTC()

		result, err := q.ExecContext(ctx, `
			UPDATE books
			SET title = $1, author = $2, year = $3, genre = $4, image_url = $5, updated_at = $6
			WHERE id = $7
		`,
			book.Title,
			book.Author,
			book.Year,
			book.Genre,
			book.ImageURL,
			book.UpdatedAt,
			book.ID,
		)
		if err != nil {
			return MapError(err)
		}
		if err := CheckRowsAffected(result, store.ErrBookNotFound); err != nil {
			return err
		}

		updated = book
		return nil
	})
	if err != nil {
		logStoreFailure(log, "update", id, err)
		return nil, err
	}

	log.Info("book updated successfully", slog.String("book_id", id.String()))
	return updated, nil
}

// AddRating implements store.BookStore.AddRating. The book row is locked
// before the duplicate check, so two ratings by the same user serialize and
// the second one sees the first.
func (s *PostgresBookStore) AddRating(
	ctx context.Context,
	id uuid.UUID,
	rating domain.Rating,
) (*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var rated *domain.Book
	err := s.inTx(ctx, func(q store.DBTX) error {
		book, err := getBook(ctx, q, lockBookQuery, id)
		if err != nil {
			return err
		}

		if err := book.AddRating(rating); err != nil {
			if errors.Is(err, domain.ErrDuplicateRating) {
				return store.ErrAlreadyRated
			}
			return err
		}

		if err := insertRating(ctx, q, id, rating); err != nil {
			return err
		}

		_, err = q.ExecContext(ctx, `
			UPDATE books SET average_rating = $1, updated_at = $2 WHERE id = $3
		`, book.AverageRating, book.UpdatedAt, id)
		if err != nil {
			return MapError(err)
		}

		rated = book
		return nil
	})
	if err != nil {
		logStoreFailure(log, "rate", id, err)
		return nil, err
	}

	log.Info("rating added",
		slog.String("book_id", id.String()),
		slog.String("user_id", rating.UserID.String()),
		slog.Int("grade", rating.Grade))
	return rated, nil
}

// Delete implements store.BookStore.Delete. Ratings go with the book through
// ON DELETE CASCADE.
func (s *PostgresBookStore) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM books WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		log.Error("failed to delete book",
			slog.String("error", err.Error()),
			slog.String("book_id", id.String()))
		return MapError(err)
	}

	if err := CheckRowsAffected(result, store.ErrBookNotFound); err != nil {
		if !errors.Is(err, store.ErrBookNotFound) {
			return err
		}
		// Nothing deleted: tell a missing book apart from someone else's.
		var owner uuid.UUID
		lookupErr := s.db.QueryRowContext(ctx, `SELECT owner_id FROM books WHERE id = $1`, id).Scan(&owner)
		switch {
		case errors.Is(lookupErr, sql.ErrNoRows):
			log.Debug("book not found for delete", slog.String("book_id", id.String()))
			return store.ErrBookNotFound
		case lookupErr != nil:
			return MapError(lookupErr)
		default:
			log.Debug("delete rejected, caller is not the owner", slog.String("book_id", id.String()))
			return store.ErrNotOwner
		}
	}

	log.Info("book deleted successfully", slog.String("book_id", id.String()))
	return nil
}

func insertRating(ctx context.Context, q store.DBTX, bookID uuid.UUID, r domain.Rating) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO book_ratings (book_id, user_id, grade, rated_at)
		VALUES ($1, $2, $3, $4)
	`, bookID, r.UserID, r.Grade, r.RatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return store.ErrAlreadyRated
		}
		return MapError(err)
	}
	return nil
}

func getBook(ctx context.Context, q store.DBTX, query string, id uuid.UUID) (*domain.Book, error) {
	books, err := queryBooks(ctx, q, query, id)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, store.ErrBookNotFound
	}
	return books[0], nil
}

// queryBooks folds joined book/rating rows into books, keeping row order.
func queryBooks(ctx context.Context, q store.DBTX, query string, args ...any) ([]*domain.Book, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	books := []*domain.Book{}
	var current *domain.Book
	for rows.Next() {
		var (
			b       domain.Book
			raterID uuid.NullUUID
			grade   sql.NullInt32
			ratedAt sql.NullTime
		)
		if err := rows.Scan(
			&b.ID,
			&b.OwnerID,
			&b.Title,
			&b.Author,
			&b.Year,
			&b.Genre,
			&b.ImageURL,
			&b.AverageRating,
			&b.CreatedAt,
			&b.UpdatedAt,
			&raterID,
			&grade,
			&ratedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan book row: %w", err)
		}

		if current == nil || current.ID != b.ID {
			b.Ratings = []domain.Rating{}
			current = &b
			books = append(books, current)
		}
		if raterID.Valid {
			current.Ratings = append(current.Ratings, domain.Rating{
				UserID:  raterID.UUID,
				Grade:   int(grade.Int32),
				RatedAt: ratedAt.Time,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return books, nil
}

func logStoreFailure(log *slog.Logger, op string, id uuid.UUID, err error) {
	attrs := []any{
		slog.String("operation", op),
		slog.String("book_id", id.String()),
		slog.String("error", err.Error()),
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrNotOwner),
		errors.Is(err, store.ErrAlreadyRated),
		errors.Is(err, domain.ErrValidation):
		log.Debug("book mutation rejected", attrs...)
	default:
		log.Error("book mutation failed", attrs...)
	}
}
