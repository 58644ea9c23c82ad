package peimage

import (
	"bytes"
	"os"
	"testing"

	"github.com/chazu/pereader/internal/pefixture"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

// testStream is a seekable, closable in-memory stream that records whether
// it has been closed. Reads after Close fail like a closed file.
type testStream struct {
	r      *bytes.Reader
	closed bool
	closes int
}

func newTestStream(data []byte) *testStream {
	return &testStream{r: bytes.NewReader(data)}
}

func (s *testStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.r.Read(p)
}

func (s *testStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.r.Seek(offset, whence)
}

func (s *testStream) Close() error {
	s.closed = true
	s.closes++
	return nil
}

// readOnlyStream supports Read but not Seek.
type readOnlyStream struct {
	data []byte
}

func (s *readOnlyStream) Read(p []byte) (int, error) {
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func referenceBytes() []byte {
	return pefixture.Reference().Bytes()
}

func openReference(t *testing.T, opts Options) (*ImageReader, *testStream) {
	t.Helper()
	stream := newTestStream(referenceBytes())
	r, err := NewImageReader(stream, opts)
	if err != nil {
		t.Fatalf("NewImageReader(%s) failed: %v", opts, err)
	}
	t.Cleanup(func() { r.Close() })
	return r, stream
}

// referenceSection returns the fixture's description of a section.
func referenceSection(t *testing.T, name string) pefixture.Section {
	t.Helper()
	for _, s := range pefixture.Reference().Sections {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("fixture has no section %q", name)
	return pefixture.Section{}
}
