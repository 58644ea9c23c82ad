package peimage

import (
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// imageSource: the bytes an ImageReader reads from
// ---------------------------------------------------------------------------

// imageSource is the single read capability every parsing component depends
// on. It has two implementations: streamSource reads blocks on demand from a
// seekable stream, memorySource serves views of resident memory.
type imageSource interface {
	// Size returns the number of bytes addressable through ReadBlock.
	Size() int64

	// ReadBlock returns exactly length bytes starting at offset. It fails
	// with ErrOutOfBounds if the range does not fit in the source.
	ReadBlock(offset, length int64) ([]byte, error)
}

func checkRange(offset, length, size int64) error {
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return fmt.Errorf("%w: [%d, +%d) of %d bytes", ErrOutOfBounds, offset, length, size)
	}
	return nil
}

// ---------------------------------------------------------------------------
// streamSource
// ---------------------------------------------------------------------------

// streamSource reads from a seekable stream. Offsets are relative to the
// stream position observed at construction. Calls must be serialized by the
// owner; ImageReader does this with its mutex.
type streamSource struct {
	r        io.ReadSeeker
	start    int64
	size     int64
	owns     bool
	released bool
}

// newStreamSource validates r and measures it. A negative size means "from
// the current position to the end of the stream". Nothing is closed here,
// whatever the outcome: a caller whose stream fails validation still owns it.
func newStreamSource(r io.Reader, size int64, owns bool) (*streamSource, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: stream", ErrNilArgument)
	}
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return nil, fmt.Errorf("%w: stream does not support seeking", ErrUnsupportedSource)
	}

	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}

	available := end - start
	switch {
	case size < 0:
		size = available
	case size == 0 || size > available:
		return nil, fmt.Errorf("%w: size %d with %d bytes available", ErrArgumentOutOfRange, size, available)
	}

	return &streamSource{r: rs, start: start, size: size, owns: owns}, nil
}

func (s *streamSource) Size() int64 {
	return s.size
}

func (s *streamSource) ReadBlock(offset, length int64) ([]byte, error) {
	if s.released {
		return nil, ErrDisposed
	}
	if err := checkRange(offset, length, s.size); err != nil {
		return nil, err
	}
	if _, err := s.r.Seek(s.start+offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to offset %d: %w", offset, err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", length, offset, err)
	}
	return buf, nil
}

// release closes the stream when the source owns it, or unconditionally when
// force is set. It runs at most once.
func (s *streamSource) release(force bool) error {
	if s.released {
		return nil
	}
	s.released = true
	if !s.owns && !force {
		return nil
	}
	if c, ok := s.r.(io.Closer); ok {
		log.Debugf("closing image stream (forced=%t)", force)
		return c.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// memorySource
// ---------------------------------------------------------------------------

// memorySource serves views into resident memory: a caller's byte slice, an
// image already mapped by a loader, or a buffer the reader copied itself.
type memorySource struct {
	data []byte
}

func (s *memorySource) Size() int64 {
	return int64(len(s.data))
}

func (s *memorySource) ReadBlock(offset, length int64) ([]byte, error) {
	if err := checkRange(offset, length, int64(len(s.data))); err != nil {
		return nil, err
	}
	end := offset + length
	return s.data[offset:end:end], nil
}
