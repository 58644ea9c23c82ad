package peimage

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNilArgument        = fmt.Errorf("%w: nil value", ErrInvalidArgument)
	ErrArgumentOutOfRange = fmt.Errorf("%w: value out of range", ErrInvalidArgument)
	ErrUnsupportedSource  = errors.New("unsupported image source")
	ErrMalformedImage     = errors.New("malformed PE image")
	ErrNoMetadata         = errors.New("image carries no CLI metadata")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrDisposed           = errors.New("image reader is closed")
	ErrOutOfBounds        = errors.New("byte range out of bounds")
)

// malformed wraps an error raised while decoding image content so callers
// can test it with errors.Is(err, ErrMalformedImage).
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedImage, fmt.Sprintf(format, args...))
}
