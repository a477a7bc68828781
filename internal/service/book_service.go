package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/images"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/phrazzld/bookshelf-api/internal/store"
	"golang.org/x/sync/singleflight"
)

// ImagePipeline is the part of images.Pipeline the book service needs.
type ImagePipeline interface {
	Ingest(ctx context.Context, upload *images.Upload, baseName string) (string, error)
	Discard(ctx context.Context, publicPath string) error
	Release(ctx context.Context, upload *images.Upload)
}

var _ ImagePipeline = (*images.Pipeline)(nil)

// TopRatedCache caches top-rated listings by limit.
type TopRatedCache interface {
	Get(ctx context.Context, limit int) ([]domain.Book, bool, error)
	// Generation changes on every Invalidate.
	Generation(ctx context.Context) (int64, error)
	// Set stores books for limit unless the cache was invalidated after
	// generation was read.
	Set(ctx context.Context, limit int, generation int64, books []domain.Book) error
	Invalidate(ctx context.Context) error
}

// BookMetrics receives domain events worth counting.
type BookMetrics interface {
	BookCreated()
	BookDeleted()
	RatingRecorded(outcome string)
	ImageCleanupFailed(kind string)
	TopRatedLookup(hit bool)
}

// BookService provides book-related operations. Every mutation is gated on
// ownership except Rate, which any authenticated user may call once per book.
type BookService interface {
	// Create ingests the staged cover image and stores a new book owned by ownerID.
	Create(ctx context.Context, ownerID uuid.UUID, details domain.BookDetails, upload *images.Upload) (*domain.Book, error)

	// Update replaces the descriptive fields of a book owned by callerID and,
	// when upload is not nil, swaps its cover image.
	Update(
		ctx context.Context,
		bookID, callerID uuid.UUID,
		details domain.BookDetails,
		upload *images.Upload,
	) (*domain.Book, error)

	// Delete removes a book owned by callerID together with its cover image.
	Delete(ctx context.Context, bookID, callerID uuid.UUID) error

	// Rate records callerID's grade for a book. rawGrade must be an integer in [0,5].
	Rate(ctx context.Context, bookID, callerID uuid.UUID, rawGrade string) (*domain.Book, error)

	// ListAll returns every book, oldest first.
	ListAll(ctx context.Context) ([]*domain.Book, error)

	// ListTopRated returns at most limit books, highest average rating first.
	ListTopRated(ctx context.Context, limit int) ([]*domain.Book, error)

	// GetOne returns a single book.
	GetOne(ctx context.Context, bookID uuid.UUID) (*domain.Book, error)
}

// BookServiceOption configures optional collaborators of the book service.
type BookServiceOption func(*bookServiceImpl)

// WithTopRatedCache serves ListTopRated through cache.
func WithTopRatedCache(cache TopRatedCache) BookServiceOption {
	return func(s *bookServiceImpl) { s.cache = cache }
}

// WithBookMetrics reports domain events to m.
func WithBookMetrics(m BookMetrics) BookServiceOption {
	return func(s *bookServiceImpl) { s.metrics = m }
}

type bookServiceImpl struct {
	books    store.BookStore
	pipeline ImagePipeline
	cache    TopRatedCache
	metrics  BookMetrics
	fills    singleflight.Group
	logger   *slog.Logger
}

// NewBookService creates a new BookService.
// It returns an error if any of the required dependencies are nil.
func NewBookService(
	books store.BookStore,
	pipeline ImagePipeline,
	logger *slog.Logger,
	opts ...BookServiceOption,
) (BookService, error) {
	if books == nil {
		return nil, domain.NewValidationError("books", "cannot be nil", domain.ErrValidation)
	}
	if pipeline == nil {
		return nil, domain.NewValidationError("pipeline", "cannot be nil", domain.ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &bookServiceImpl{
		books:    books,
		pipeline: pipeline,
		metrics:  noopMetrics{},
		logger:   logger.With(slog.String("component", "book_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create implements BookService.Create.
func (s *bookServiceImpl) Create(
	ctx context.Context,
	ownerID uuid.UUID,
	details domain.BookDetails,
	upload *images.Upload,
) (*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := details.Validate(); err != nil {
		s.pipeline.Release(ctx, upload)
		return nil, invalidInput(err)
	}
	if upload == nil {
		return nil, ErrImageRequired
	}

	imagePath, err := s.ingest(ctx, upload, "create")
	if err != nil {
		return nil, err
	}

	book, err := domain.NewBook(ownerID, details, imagePath)
	if err != nil {
		s.discard(ctx, imagePath, "create")
		return nil, invalidInput(err)
	}

	if err := s.books.Create(ctx, book); err != nil {
		log.Error("failed to save book",
			slog.String("error", err.Error()),
			slog.String("owner_id", ownerID.String()))
		s.discard(ctx, imagePath, "create")
		return nil, NewServiceError("book", "create", "failed to save book", err)
	}

	s.invalidate(ctx)
	s.metrics.BookCreated()

	log.Info("book created",
		slog.String("book_id", book.ID.String()),
		slog.String("owner_id", ownerID.String()))
	return book, nil
}

// Update implements BookService.Update.
//
// Image work happens in the order ingest new, persist, discard old, so a
// failure at any step leaves the book pointing at a file that exists.
func (s *bookServiceImpl) Update(
	ctx context.Context,
	bookID, callerID uuid.UUID,
	details domain.BookDetails,
	upload *images.Upload,
) (*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if _, err := s.ownedBook(ctx, bookID, callerID, "update"); err != nil {
		s.pipeline.Release(ctx, upload)
		return nil, err
	}
	if err := details.Validate(); err != nil {
		s.pipeline.Release(ctx, upload)
		return nil, invalidInput(err)
	}

	var newPath string
	if upload != nil {
		path, err := s.ingest(ctx, upload, "update")
		if err != nil {
			return nil, err
		}
		newPath = path
	}

	var oldPath string
	updated, err := s.books.Update(ctx, bookID, callerID, func(book *domain.Book) error {
		book.ApplyDetails(details)
		if newPath != "" {
			oldPath = book.ImageURL
			book.ImageURL = newPath
		}
		return nil
	})
	if err != nil {
		if newPath != "" {
			s.discard(ctx, newPath, "update")
		}
		return nil, s.mapStoreError(ctx, err, bookID, "update")
	}

	if oldPath != "" && oldPath != newPath {
		s.discard(ctx, oldPath, "update")
	}
	s.invalidate(ctx)

	log.Info("book updated",
		slog.String("book_id", bookID.String()),
		slog.Bool("image_replaced", newPath != ""))
	return updated, nil
}

// Delete implements BookService.Delete.
func (s *bookServiceImpl) Delete(ctx context.Context, bookID, callerID uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	book, err := s.ownedBook(ctx, bookID, callerID, "delete")
	if err != nil {
		return err
	}

	if err := s.books.Delete(ctx, bookID, callerID); err != nil {
		return s.mapStoreError(ctx, err, bookID, "delete")
	}

	s.discard(ctx, book.ImageURL, "delete")
	s.invalidate(ctx)
	s.metrics.BookDeleted()

	log.Info("book deleted", slog.String("book_id", bookID.String()))
	return nil
}

// Rate implements BookService.Rate.
func (s *bookServiceImpl) Rate(
	ctx context.Context,
	bookID, callerID uuid.UUID,
	rawGrade string,
) (*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	grade, err := domain.ParseGrade(rawGrade)
	if err != nil {
		s.metrics.RatingRecorded("rejected")
		return nil, invalidInput(err)
	}
	rating, err := domain.NewRating(callerID, grade)
	if err != nil {
		s.metrics.RatingRecorded("rejected")
		return nil, invalidInput(err)
	}

	book, err := s.books.AddRating(ctx, bookID, rating)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRated) {
			s.metrics.RatingRecorded("duplicate")
		}
		return nil, s.mapStoreError(ctx, err, bookID, "rate")
	}

	s.invalidate(ctx)
	s.metrics.RatingRecorded("accepted")

	log.Info("book rated",
		slog.String("book_id", bookID.String()),
		slog.String("user_id", callerID.String()),
		slog.Int("grade", grade),
		slog.Float64("average_rating", book.AverageRating))
	return book, nil
}

// ListAll implements BookService.ListAll.
func (s *bookServiceImpl) ListAll(ctx context.Context) ([]*domain.Book, error) {
	books, err := s.books.List(ctx)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list books",
			slog.String("error", err.Error()))
		return nil, NewServiceError("book", "list", "failed to list books", err)
	}
	return books, nil
}

// ListTopRated implements BookService.ListTopRated.
//
// With a cache configured, concurrent misses for the same limit and cache
// generation share one store query. Cache failures degrade to reading the
// store directly.
func (s *bookServiceImpl) ListTopRated(ctx context.Context, limit int) ([]*domain.Book, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if limit <= 0 {
		return nil, invalidInput(domain.NewValidationError("limit", "must be positive", nil))
	}

	if s.cache == nil {
		return s.queryTopRated(ctx, limit)
	}

	cached, hit, err := s.cache.Get(ctx, limit)
	if err != nil {
		log.Warn("top-rated cache read failed",
			slog.String("error", err.Error()))
	}
	s.metrics.TopRatedLookup(hit)
	if hit {
		return toPointers(cached), nil
	}

	// The generation is read before the store so that a write committed
	// during the query invalidates this fill too.
	generation, err := s.cache.Generation(ctx)
	if err != nil {
		log.Warn("top-rated cache generation read failed",
			slog.String("error", err.Error()))
		return s.queryTopRated(ctx, limit)
	}

	key := strconv.Itoa(limit) + ":" + strconv.FormatInt(generation, 10)
	v, err, _ := s.fills.Do(key, func() (interface{}, error) {
		books, err := s.queryTopRated(ctx, limit)
		if err != nil {
			return nil, err
		}
		values := toValues(books)
		if err := s.cache.Set(ctx, limit, generation, values); err != nil {
			log.Warn("top-rated cache write failed",
				slog.String("error", err.Error()))
		}
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return toPointers(v.([]domain.Book)), nil
}

func (s *bookServiceImpl) queryTopRated(ctx context.Context, limit int) ([]*domain.Book, error) {
	books, err := s.books.ListTopRated(ctx, limit)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list top-rated books",
			slog.String("error", err.Error()),
			slog.Int("limit", limit))
		return nil, NewServiceError("book", "list_top_rated", "failed to list top-rated books", err)
	}
	return books, nil
}

// GetOne implements BookService.GetOne.
func (s *bookServiceImpl) GetOne(ctx context.Context, bookID uuid.UUID) (*domain.Book, error) {
	book, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, s.mapStoreError(ctx, err, bookID, "get")
	}
	return book, nil
}

// ownedBook loads the book and checks that callerID owns it.
func (s *bookServiceImpl) ownedBook(
	ctx context.Context,
	bookID, callerID uuid.UUID,
	operation string,
) (*domain.Book, error) {
	book, err := s.books.GetByID(ctx, bookID)
	if err != nil {
		return nil, s.mapStoreError(ctx, err, bookID, operation)
	}
	if !book.IsOwnedBy(callerID) {
		logger.FromContextOrDefault(ctx, s.logger).Warn("caller does not own book",
			slog.String("operation", operation),
			slog.String("book_id", bookID.String()),
			slog.String("caller_id", callerID.String()))
		return nil, ErrForbidden
	}
	return book, nil
}

func (s *bookServiceImpl) ingest(ctx context.Context, upload *images.Upload, operation string) (string, error) {
	path, err := s.pipeline.Ingest(ctx, upload, upload.OriginalName)
	if err == nil {
		return path, nil
	}
	if errors.Is(err, images.ErrDecode) || errors.Is(err, images.ErrUnsupportedType) {
		return "", invalidInput(err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Error("failed to ingest image",
		slog.String("operation", operation),
		slog.String("error", err.Error()))
	return "", NewServiceError("book", operation, "failed to process image", err)
}

// discard removes an image file. Failures are logged and counted, never returned.
func (s *bookServiceImpl) discard(ctx context.Context, path, operation string) {
	if path == "" {
		return
	}
	if err := s.pipeline.Discard(ctx, path); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to remove image",
			slog.String("operation", operation),
			slog.String("image", path),
			slog.String("error", err.Error()))
		s.metrics.ImageCleanupFailed("stored")
	}
}

func (s *bookServiceImpl) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Warn("failed to invalidate top-rated cache",
			slog.String("error", err.Error()))
	}
}

func (s *bookServiceImpl) mapStoreError(ctx context.Context, err error, bookID uuid.UUID, operation string) error {
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		return ErrBookNotFound
	case errors.Is(err, store.ErrNotOwner):
		return ErrForbidden
	case errors.Is(err, store.ErrAlreadyRated):
		return ErrAlreadyRated
	case errors.Is(err, domain.ErrValidation):
		return invalidInput(err)
	}

	logger.FromContextOrDefault(ctx, s.logger).Error("book store operation failed",
		slog.String("operation", operation),
		slog.String("book_id", bookID.String()),
		slog.String("error", err.Error()))
	return NewServiceError("book", operation, "store operation failed", err)
}

func toValues(books []*domain.Book) []domain.Book {
	values := make([]domain.Book, len(books))
	for i, b := range books {
		values[i] = *b
	}
	return values
}

func toPointers(books []domain.Book) []*domain.Book {
	out := make([]*domain.Book, len(books))
	for i := range books {
		out[i] = books[i].Clone()
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) BookCreated()              {}
func (noopMetrics) BookDeleted()              {}
func (noopMetrics) RatingRecorded(string)     {}
func (noopMetrics) ImageCleanupFailed(string) {}
func (noopMetrics) TopRatedLookup(bool)       {}
