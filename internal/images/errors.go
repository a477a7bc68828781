package images

import "errors"

var (
	// ErrUnsupportedType is returned by Stage for content outside the allow-list.
	ErrUnsupportedType = errors.New("unsupported image type")

	// ErrDecode is returned by Ingest when the staged file cannot be decoded
	// even though its signature looked valid.
	ErrDecode = errors.New("image could not be decoded")

	// ErrInvalidPath is returned by Discard for paths outside the image directory.
	ErrInvalidPath = errors.New("invalid image path")
)
