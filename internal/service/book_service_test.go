package service_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/config"
	"github.com/phrazzld/bookshelf-api/internal/domain"
	"github.com/phrazzld/bookshelf-api/internal/images"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/phrazzld/bookshelf-api/internal/platform/memory"
	"github.com/phrazzld/bookshelf-api/internal/platform/rediscache"
	"github.com/phrazzld/bookshelf-api/internal/service"
	"github.com/phrazzld/bookshelf-api/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// bookFixture wires a BookService to the in-memory store and a real image
// pipeline rooted in a temporary directory.
type bookFixture struct {
	svc      service.BookService
	books    store.BookStore
	pipeline *images.Pipeline
	imageDir string
	tempDir  string
	metrics  *recordingMetrics
}

func newBookFixture(t *testing.T, books store.BookStore, opts ...service.BookServiceOption) *bookFixture {
	t.Helper()
	if books == nil {
		books = memory.NewBookStore()
	}

	root := t.TempDir()
	f := &bookFixture{
		books:    books,
		imageDir: filepath.Join(root, "images"),
		tempDir:  filepath.Join(root, "tmp"),
		metrics:  &recordingMetrics{},
	}

	_, log := logger.NewTestLogger(t)
	p, err := images.NewPipeline(config.ImagesConfig{
		Dir:          f.imageDir,
		TempDir:      f.tempDir,
		MaxDimension: 800,
		Quality:      60,
	}, log)
	require.NoError(t, err)
	f.pipeline = p

	opts = append([]service.BookServiceOption{service.WithBookMetrics(f.metrics)}, opts...)
	svc, err := service.NewBookService(books, p, log, opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *bookFixture) stage(t *testing.T, name string) *images.Upload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	img.Set(3, 3, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	upload, err := f.pipeline.Stage(&buf, name)
	require.NoError(t, err)
	return upload
}

func (f *bookFixture) create(t *testing.T, owner uuid.UUID) *domain.Book {
	t.Helper()
	book, err := f.svc.Create(context.Background(), owner, details("Dune"), f.stage(t, "cover.png"))
	require.NoError(t, err)
	return book
}

func (f *bookFixture) imageExists(path string) bool {
	_, err := os.Stat(filepath.Join(f.imageDir, strings.TrimPrefix(path, images.PublicPrefix)))
	return err == nil
}

func (f *bookFixture) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	return len(entries)
}

func details(title string) domain.BookDetails {
	return domain.BookDetails{Title: title, Author: "Frank Herbert", Year: 1965, Genre: "Science Fiction"}
}

type recordingMetrics struct {
	mu       sync.Mutex
	created  int
	deleted  int
	ratings  map[string]int
	cleanups int
	hits     int
	misses   int
}

func (m *recordingMetrics) BookCreated() { m.mu.Lock(); m.created++; m.mu.Unlock() }
func (m *recordingMetrics) BookDeleted() { m.mu.Lock(); m.deleted++; m.mu.Unlock() }
func (m *recordingMetrics) RatingRecorded(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ratings == nil {
		m.ratings = map[string]int{}
	}
	m.ratings[outcome]++
}
func (m *recordingMetrics) ImageCleanupFailed(string) { m.mu.Lock(); m.cleanups++; m.mu.Unlock() }
func (m *recordingMetrics) TopRatedLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

// faultyBookStore fails selected operations and counts top-rated queries.
type faultyBookStore struct {
	store.BookStore
	createErr    error
	updateErr    error
	topRated     atomic.Int32
	topRatedGate chan struct{}

	// When topRatedHold is set, ListTopRated signals topRatedRead after
	// reading and returns only once topRatedHold is closed.
	topRatedRead chan struct{}
	topRatedHold chan struct{}
}

func (s *faultyBookStore) Create(ctx context.Context, book *domain.Book) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.BookStore.Create(ctx, book)
}

func (s *faultyBookStore) Update(
	ctx context.Context,
	id, ownerID uuid.UUID,
	fn store.BookMutation,
) (*domain.Book, error) {
	if s.updateErr != nil {
		// Run the mutation against a scratch copy so the service sees the
		// same callbacks it would in a real failed transaction.
		book, err := s.BookStore.GetByID(ctx, id)
		if err == nil {
			_ = fn(book)
		}
		return nil, s.updateErr
	}
	return s.BookStore.Update(ctx, id, ownerID, fn)
}

func (s *faultyBookStore) ListTopRated(ctx context.Context, limit int) ([]*domain.Book, error) {
	s.topRated.Add(1)
	if s.topRatedGate != nil {
		<-s.topRatedGate
	}
	books, err := s.BookStore.ListTopRated(ctx, limit)
	if s.topRatedHold != nil {
		select {
		case s.topRatedRead <- struct{}{}:
		default:
		}
		<-s.topRatedHold
	}
	return books, err
}

func TestNewBookService_NilDependencies(t *testing.T) {
	t.Parallel()

	_, err := service.NewBookService(nil, &images.Pipeline{}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = service.NewBookService(memory.NewBookStore(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBookService_Create(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	owner := uuid.New()

	t.Run("stores book with normalized image", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		book, err := f.svc.Create(ctx, owner, details("Dune"), f.stage(t, "My Cover.png"))
		require.NoError(t, err)

		assert.Equal(t, owner, book.OwnerID)
		assert.Equal(t, "Dune", book.Title)
		assert.Empty(t, book.Ratings)
		assert.Zero(t, book.AverageRating)
		assert.True(t, strings.HasPrefix(book.ImageURL, "images/My_Cover_"), book.ImageURL)
		assert.True(t, f.imageExists(book.ImageURL))
		assert.Zero(t, f.stagedFiles(t))

		stored, err := f.svc.GetOne(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, book.ImageURL, stored.ImageURL)
		assert.Equal(t, 1, f.metrics.created)
	})

	t.Run("missing field is invalid input and releases upload", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		for _, d := range []domain.BookDetails{
			{Author: "a", Year: 1, Genre: "g"},
			{Title: "t", Year: 1, Genre: "g"},
			{Title: "t", Author: "a", Genre: "g"},
			{Title: "t", Author: "a", Year: 1},
		} {
			_, err := f.svc.Create(ctx, owner, d, f.stage(t, "cover.png"))
			assert.ErrorIs(t, err, service.ErrInvalidInput)
		}
		assert.Zero(t, f.stagedFiles(t))

		all, err := f.svc.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("image is required", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		_, err := f.svc.Create(ctx, owner, details("Dune"), nil)
		assert.ErrorIs(t, err, service.ErrImageRequired)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
	})

	t.Run("undecodable image is invalid input", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		corrupt := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{1}, 64)...)
		upload, err := f.pipeline.Stage(bytes.NewReader(corrupt), "broken.png")
		require.NoError(t, err)

		_, err = f.svc.Create(ctx, owner, details("Dune"), upload)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
		assert.Zero(t, f.stagedFiles(t))
	})

	t.Run("persist failure discards ingested image", func(t *testing.T) {
		t.Parallel()
		faulty := &faultyBookStore{BookStore: memory.NewBookStore(), createErr: errors.New("disk full")}
		f := newBookFixture(t, faulty)

		_, err := f.svc.Create(ctx, owner, details("Dune"), f.stage(t, "cover.png"))
		require.Error(t, err)

		var svcErr *service.ServiceError
		assert.ErrorAs(t, err, &svcErr)

		entries, err := os.ReadDir(f.imageDir)
		require.NoError(t, err)
		assert.Empty(t, entries, "ingested image should be removed")
	})
}

func TestBookService_Rate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("single rating sets the average", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		for grade := 0; grade <= 5; grade++ {
			book := f.create(t, uuid.New())
			rater := uuid.New()

			rated, err := f.svc.Rate(ctx, book.ID, rater, strconv.Itoa(grade))
			require.NoError(t, err)
			require.Len(t, rated.Ratings, 1)
			assert.Equal(t, rater, rated.Ratings[0].UserID)
			assert.Equal(t, grade, rated.Ratings[0].Grade)
			assert.Equal(t, float64(grade), rated.AverageRating)
		}
	})

	t.Run("second rating by the same user is rejected", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, uuid.New())
		rater := uuid.New()

		_, err := f.svc.Rate(ctx, book.ID, rater, "4")
		require.NoError(t, err)

		_, err = f.svc.Rate(ctx, book.ID, rater, "1")
		assert.ErrorIs(t, err, service.ErrAlreadyRated)

		stored, err := f.svc.GetOne(ctx, book.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Ratings, 1)
		assert.Equal(t, 4.0, stored.AverageRating)
		assert.Equal(t, 1, f.metrics.ratings["duplicate"])
	})

	t.Run("average is the exact mean", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, uuid.New())

		var last *domain.Book
		for _, g := range []string{"3", "5", "4"} {
			var err error
			last, err = f.svc.Rate(ctx, book.ID, uuid.New(), g)
			require.NoError(t, err)
		}
		assert.Equal(t, 4.0, last.AverageRating)
		assert.Len(t, last.Ratings, 3)
	})

	t.Run("owner may rate their own book", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		owner := uuid.New()
		book := f.create(t, owner)

		rated, err := f.svc.Rate(ctx, book.ID, owner, "5")
		require.NoError(t, err)
		assert.Equal(t, 5.0, rated.AverageRating)
	})

	t.Run("invalid grades", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, uuid.New())

		for _, raw := range []string{"6", "-1", "3.5", "abc", "", "1e1"} {
			_, err := f.svc.Rate(ctx, book.ID, uuid.New(), raw)
			assert.ErrorIs(t, err, service.ErrInvalidInput, raw)
		}

		stored, err := f.svc.GetOne(ctx, book.ID)
		require.NoError(t, err)
		assert.Empty(t, stored.Ratings)
	})

	t.Run("whitespace around grade is accepted", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, uuid.New())

		rated, err := f.svc.Rate(ctx, book.ID, uuid.New(), " 2 ")
		require.NoError(t, err)
		assert.Equal(t, 2.0, rated.AverageRating)
	})

	t.Run("unknown book", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		_, err := f.svc.Rate(ctx, uuid.New(), uuid.New(), "3")
		assert.ErrorIs(t, err, service.ErrBookNotFound)
	})
}

func TestBookService_ConcurrentRatings(t *testing.T) {
	t.Parallel()
	f := newBookFixture(t, nil)
	book := f.create(t, uuid.New())

	const raters = 40
	var g errgroup.Group
	sum := 0
	for i := 0; i < raters; i++ {
		grade := i % 6
		sum += grade
		g.Go(func() error {
			_, err := f.svc.Rate(context.Background(), book.ID, uuid.New(), strconv.Itoa(grade))
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := f.svc.GetOne(context.Background(), book.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Ratings, raters)
	assert.InDelta(t, float64(sum)/raters, stored.AverageRating, 1e-9)
}

func TestBookService_Update(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	owner := uuid.New()

	t.Run("non-owner is forbidden and book is unchanged", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)

		_, err := f.svc.Update(ctx, book.ID, uuid.New(), details("Hijacked"), f.stage(t, "new.png"))
		assert.ErrorIs(t, err, service.ErrForbidden)
		assert.Zero(t, f.stagedFiles(t), "staged upload should be released")

		stored, err := f.svc.GetOne(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, book, stored)
		assert.True(t, f.imageExists(book.ImageURL))
	})

	t.Run("details only keeps the image", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)

		updated, err := f.svc.Update(ctx, book.ID, owner, details("Dune Messiah"), nil)
		require.NoError(t, err)
		assert.Equal(t, "Dune Messiah", updated.Title)
		assert.Equal(t, book.ImageURL, updated.ImageURL)
		assert.Equal(t, owner, updated.OwnerID)
		assert.True(t, f.imageExists(book.ImageURL))
	})

	t.Run("new image replaces the old file", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)

		updated, err := f.svc.Update(ctx, book.ID, owner, details("Dune"), f.stage(t, "second.png"))
		require.NoError(t, err)
		assert.NotEqual(t, book.ImageURL, updated.ImageURL)
		assert.True(t, strings.HasPrefix(updated.ImageURL, "images/second_"))
		assert.True(t, f.imageExists(updated.ImageURL))
		assert.False(t, f.imageExists(book.ImageURL), "old image should be discarded")
	})

	t.Run("ratings survive an update", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)
		_, err := f.svc.Rate(ctx, book.ID, uuid.New(), "5")
		require.NoError(t, err)

		updated, err := f.svc.Update(ctx, book.ID, owner, details("Renamed"), nil)
		require.NoError(t, err)
		assert.Len(t, updated.Ratings, 1)
		assert.Equal(t, 5.0, updated.AverageRating)
	})

	t.Run("unknown book", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)

		_, err := f.svc.Update(ctx, uuid.New(), owner, details("x"), f.stage(t, "x.png"))
		assert.ErrorIs(t, err, service.ErrBookNotFound)
		assert.Zero(t, f.stagedFiles(t))
	})

	t.Run("invalid details", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)

		_, err := f.svc.Update(ctx, book.ID, owner, domain.BookDetails{Title: "only a title"}, f.stage(t, "x.png"))
		assert.ErrorIs(t, err, service.ErrInvalidInput)
		assert.Zero(t, f.stagedFiles(t))

		stored, err := f.svc.GetOne(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, "Dune", stored.Title)
	})

	t.Run("persist failure keeps the old image", func(t *testing.T) {
		t.Parallel()
		faulty := &faultyBookStore{BookStore: memory.NewBookStore()}
		f := newBookFixture(t, faulty)
		book := f.create(t, owner)
		faulty.updateErr = errors.New("connection lost")

		_, err := f.svc.Update(ctx, book.ID, owner, details("Dune"), f.stage(t, "second.png"))
		require.Error(t, err)

		stored, err := f.svc.GetOne(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, book.ImageURL, stored.ImageURL)
		assert.True(t, f.imageExists(book.ImageURL))

		entries, err := os.ReadDir(f.imageDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "the new image should be discarded")
	})
}

func TestBookService_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	owner := uuid.New()

	t.Run("owner delete removes book and image", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)

		require.NoError(t, f.svc.Delete(ctx, book.ID, owner))

		_, err := f.svc.GetOne(ctx, book.ID)
		assert.ErrorIs(t, err, service.ErrBookNotFound)
		assert.False(t, f.imageExists(book.ImageURL))
		assert.Equal(t, 1, f.metrics.deleted)
	})

	t.Run("non-owner is forbidden", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)

		assert.ErrorIs(t, f.svc.Delete(ctx, book.ID, uuid.New()), service.ErrForbidden)

		_, err := f.svc.GetOne(ctx, book.ID)
		assert.NoError(t, err)
		assert.True(t, f.imageExists(book.ImageURL))
	})

	t.Run("unknown book", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		assert.ErrorIs(t, f.svc.Delete(ctx, uuid.New(), owner), service.ErrBookNotFound)
	})

	t.Run("missing image file does not fail the delete", func(t *testing.T) {
		t.Parallel()
		f := newBookFixture(t, nil)
		book := f.create(t, owner)
		require.NoError(t, f.pipeline.Discard(ctx, book.ImageURL))

		require.NoError(t, f.svc.Delete(ctx, book.ID, owner))
		assert.Zero(t, f.metrics.cleanups)
	})
}

func TestBookService_Lists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newBookFixture(t, nil)

	grades := []int{2, 5, 0, 4, 3}
	created := make([]*domain.Book, len(grades))
	for i, g := range grades {
		created[i] = f.create(t, uuid.New())
		_, err := f.svc.Rate(ctx, created[i].ID, uuid.New(), strconv.Itoa(g))
		require.NoError(t, err)
	}

	all, err := f.svc.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(grades))
	for i := range created {
		assert.Equal(t, created[i].ID, all[i].ID, "ListAll keeps creation order")
	}

	top, err := f.svc.ListTopRated(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, []float64{5, 4, 3}, []float64{top[0].AverageRating, top[1].AverageRating, top[2].AverageRating})
	assert.Equal(t, created[1].ID, top[0].ID)

	_, err = f.svc.ListTopRated(ctx, 0)
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestBookService_TopRatedCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := rediscache.New(client, time.Minute, nil)

	counting := &faultyBookStore{BookStore: memory.NewBookStore()}
	f := newBookFixture(t, counting, service.WithTopRatedCache(cache))

	book := f.create(t, uuid.New())
	_, err := f.svc.Rate(ctx, book.ID, uuid.New(), "4")
	require.NoError(t, err)

	first, err := f.svc.ListTopRated(ctx, 3)
	require.NoError(t, err)
	second, err := f.svc.ListTopRated(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, int32(1), counting.topRated.Load(), "second call should be served from cache")
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 4.0, second[0].AverageRating)

	// A new rating invalidates the cached listing.
	_, err = f.svc.Rate(ctx, book.ID, uuid.New(), "2")
	require.NoError(t, err)

	third, err := f.svc.ListTopRated(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), counting.topRated.Load())
	assert.Equal(t, 3.0, third[0].AverageRating)

	assert.Equal(t, 1, f.metrics.hits)
	assert.Equal(t, 2, f.metrics.misses)
}

func TestBookService_TopRatedCacheSkipsFillOlderThanRating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	counting := &faultyBookStore{BookStore: memory.NewBookStore()}
	f := newBookFixture(t, counting, service.WithTopRatedCache(rediscache.New(client, time.Minute, nil)))
	book := f.create(t, uuid.New())

	counting.topRatedRead = make(chan struct{}, 1)
	counting.topRatedHold = make(chan struct{})

	fill := make(chan []*domain.Book, 1)
	go func() {
		books, err := f.svc.ListTopRated(ctx, 3)
		assert.NoError(t, err)
		fill <- books
	}()

	// The fill has its snapshot in hand; a rating commits before it is cached.
	<-counting.topRatedRead
	rated, err := f.svc.Rate(ctx, book.ID, uuid.New(), "5")
	require.NoError(t, err)
	require.Equal(t, 5.0, rated.AverageRating)
	close(counting.topRatedHold)

	stale := <-fill
	require.Len(t, stale, 1)
	assert.Zero(t, stale[0].AverageRating, "the in-flight caller sees what it read")

	top, err := f.svc.ListTopRated(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 5.0, top[0].AverageRating, "listing must reflect the committed rating")
	assert.Len(t, top[0].Ratings, 1)
	assert.Equal(t, int32(2), counting.topRated.Load(), "the stale fill must not have been cached")
}

func TestBookService_TopRatedCacheUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	f := newBookFixture(t, nil, service.WithTopRatedCache(rediscache.New(client, time.Minute, nil)))

	book := f.create(t, uuid.New())
	mr.Close()

	top, err := f.svc.ListTopRated(ctx, 3)
	require.NoError(t, err, "cache outage should fall back to the store")
	require.Len(t, top, 1)
	assert.Equal(t, book.ID, top[0].ID)
}

func TestBookService_TopRatedFillIsShared(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gate := make(chan struct{})
	counting := &faultyBookStore{BookStore: memory.NewBookStore()}
	f := newBookFixture(t, counting, service.WithTopRatedCache(rediscache.New(client, time.Minute, nil)))
	f.create(t, uuid.New())
	counting.topRatedGate = gate

	const callers = 8
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			books, err := f.svc.ListTopRated(ctx, 3)
			if err == nil && len(books) != 1 {
				err = errors.New("unexpected listing size")
			}
			return err
		})
	}

	require.Eventually(t, func() bool { return counting.topRated.Load() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), counting.topRated.Load())
}
