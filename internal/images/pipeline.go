package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/phrazzld/bookshelf-api/internal/config"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"golang.org/x/image/webp"
)

// PublicPrefix starts every path returned by Ingest. The HTTP layer serves
// the image directory under /images/.
const PublicPrefix = "images/"

// sniffLen is how much of an upload is inspected to detect its type.
const sniffLen = 3072

const maxBaseNameLen = 64

// DefaultMaxPixels is the largest frame decoded when the configuration
// leaves the limit unset.
const DefaultMaxPixels = 16383 * 16383

// allowedTypes maps accepted MIME types to the extension used for staged files.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Upload is a staged, type-checked upload waiting to be ingested.
type Upload struct {
	Path         string
	OriginalName string
	MIMEType     string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCleanupHook registers fn to be called whenever a staged upload could
// not be removed.
func WithCleanupHook(fn func()) Option {
	return func(p *Pipeline) { p.onCleanupFailure = fn }
}

// WithClock overrides the time source used in generated file names.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline stages, normalizes and deletes cover images on local disk.
type Pipeline struct {
	dir              string
	tempDir          string
	maxDimension     int
	maxPixels        int64
	quality          int
	logger           *slog.Logger
	now              func() time.Time
	onCleanupFailure func()
}

// NewPipeline creates the image and temp directories if needed.
func NewPipeline(cfg config.ImagesConfig, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("image directory is required")
	}
	if cfg.MaxDimension <= 0 {
		return nil, fmt.Errorf("max dimension must be positive, got %d", cfg.MaxDimension)
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("quality must be in [1,100], got %d", cfg.Quality)
	}
	if cfg.MaxPixels < 0 {
		return nil, fmt.Errorf("max pixels must not be negative, got %d", cfg.MaxPixels)
	}
	maxPixels := int64(cfg.MaxPixels)
	if maxPixels == 0 {
		maxPixels = DefaultMaxPixels
	}
	if logger == nil {
		logger = slog.Default()
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	for _, dir := range []string{cfg.Dir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	p := &Pipeline{
		dir:          cfg.Dir,
		tempDir:      tempDir,
		maxDimension: cfg.MaxDimension,
		maxPixels:    maxPixels,
		quality:      cfg.Quality,
		logger:       logger.With(slog.String("component", "image_pipeline")),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Dir returns the directory holding ingested images.
func (p *Pipeline) Dir() string {
	return p.dir
}

// Stage copies r to a temporary file after checking its content type.
// Nothing is written for rejected uploads.
func (p *Pipeline) Stage(r io.Reader, originalName string) (*Upload, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]

	mt := mimetype.Detect(head)
	mimeType, ext, ok := allowed(mt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mt.String())
	}

	f, err := os.CreateTemp(p.tempDir, SanitizeBaseName(originalName)+"_*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	_, err = io.Copy(f, io.MultiReader(bytes.NewReader(head), r))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		p.remove(f.Name())
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}

	return &Upload{Path: f.Name(), OriginalName: originalName, MIMEType: mimeType}, nil
}

// allowed matches the detected type, or one of its parents, against the allow-list.
func allowed(mt *mimetype.MIME) (string, string, bool) {
	for m := mt; m != nil; m = m.Parent() {
		for mimeType, ext := range allowedTypes {
			if m.Is(mimeType) {
				return mimeType, ext, true
			}
		}
	}
	return "", "", false
}

// Ingest resizes the staged upload to fit within the configured bounding box
// without upscaling, re-encodes it as JPEG and stores it under a unique name
// derived from baseName. It returns the public path of the new image.
// The staged file is removed whether or not ingestion succeeds.
func (p *Pipeline) Ingest(ctx context.Context, upload *Upload, baseName string) (string, error) {
	log := logger.FromContextOrDefault(ctx, p.logger)
	if upload == nil {
		return "", fmt.Errorf("no upload to ingest")
	}
	defer p.Release(ctx, upload)

	img, err := p.decode(upload)
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	if bounds.Dx() > p.maxDimension || bounds.Dy() > p.maxDimension {
		img = imaging.Fit(img, p.maxDimension, p.maxDimension, imaging.Lanczos)
	}

	name := fmt.Sprintf("%s_%d_%s.jpg",
		SanitizeBaseName(baseName),
		p.now().UnixMilli(),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	if err := p.writeAtomic(name, img); err != nil {
		return "", err
	}

	log.Debug("image ingested",
		slog.String("image", name),
		slog.String("source_type", upload.MIMEType),
		slog.Int("source_width", bounds.Dx()),
		slog.Int("source_height", bounds.Dy()))
	return PublicPrefix + name, nil
}

func (p *Pipeline) decode(upload *Upload) (image.Image, error) {
	f, err := os.Open(upload.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Decoders allocate the whole frame from the header, so the size is
	// checked before anything else is read.
	var header image.Config
	if upload.MIMEType == "image/webp" {
		header, err = webp.DecodeConfig(f)
	} else {
		header, _, err = image.DecodeConfig(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pixels := int64(header.Width) * int64(header.Height); pixels > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit",
			ErrDecode, header.Width, header.Height, p.maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind staged upload: %w", err)
	}

	var img image.Image
	if upload.MIMEType == "image/webp" {
		img, err = webp.Decode(f)
	} else {
		img, err = imaging.Decode(f, imaging.AutoOrientation(true))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// writeAtomic encodes img next to its final location and renames it into
// place so readers never see a partial file.
func (p *Pipeline) writeAtomic(name string, img image.Image) error {
	tmp, err := os.CreateTemp(p.dir, ".ingest-*")
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}

	err = imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(p.quality))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(p.dir, name))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

// Release removes a staged upload. Failures are logged, never returned.
func (p *Pipeline) Release(ctx context.Context, upload *Upload) {
	if upload == nil {
		return
	}
	if err := os.Remove(upload.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.FromContextOrDefault(ctx, p.logger).Warn("failed to remove staged upload",
			slog.String("path", upload.Path),
			slog.String("error", err.Error()))
		if p.onCleanupFailure != nil {
			p.onCleanupFailure()
		}
	}
}

func (p *Pipeline) remove(path string) {
	p.Release(context.Background(), &Upload{Path: path})
}

// Discard deletes an ingested image. A missing file is not an error; other
// failures are returned so the caller can record them.
func (p *Pipeline) Discard(ctx context.Context, publicPath string) error {
	name, err := p.fileName(publicPath)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(p.dir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.FromContextOrDefault(ctx, p.logger).Debug("image already gone",
				slog.String("image", name))
			return nil
		}
		return fmt.Errorf("failed to delete image %s: %w", name, err)
	}
	return nil
}

// Exists reports whether an ingested image is present on disk.
func (p *Pipeline) Exists(publicPath string) bool {
	name, err := p.fileName(publicPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(p.dir, name))
	return err == nil
}

// fileName extracts the bare file name from a public path, rejecting
// anything that could resolve outside the image directory.
func (p *Pipeline) fileName(publicPath string) (string, error) {
	name, ok := strings.CutPrefix(publicPath, PublicPrefix)
	if !ok || name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, publicPath)
	}
	return name, nil
}

// SanitizeBaseName turns a client-supplied file name into a safe base for
// generated names: the extension is dropped, spaces become underscores and
// anything outside letters, digits, '-' and '_' is removed.
func SanitizeBaseName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSuffix(name, filepath.Ext(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		}
		if b.Len() >= maxBaseNameLen {
			break
		}
	}

	if b.Len() == 0 || name == "." || name == "/" {
		return "image"
	}
	return b.String()
}
