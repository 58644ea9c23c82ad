// Package peimage reads Portable Executable images and the CLI metadata and
// method bodies they embed. An ImageReader serves headers, section data,
// the metadata blob and IL method bodies from either a seekable stream or an
// image already resident in memory.
package peimage

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/chazu/pereader/peimage/metadata"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("pereader.peimage")

// MetadataAccessor answers queries against a decoded metadata blob.
type MetadataAccessor interface {
	Version() string
	MethodDefinitionCount() int
	MethodDefinition(token uint32) (metadata.MethodDefinition, error)
}

// MetadataDecoder turns a metadata blob into a MetadataAccessor.
type MetadataDecoder func(block []byte) (MetadataAccessor, error)

func decodeMetadata(block []byte) (MetadataAccessor, error) {
	r, err := metadata.Decode(block)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ReaderOption configures an ImageReader at construction.
type ReaderOption func(*ImageReader)

// WithMetadataDecoder replaces the decoder used by MetadataReader.
func WithMetadataDecoder(d MetadataDecoder) ReaderOption {
	return func(ir *ImageReader) {
		if d != nil {
			ir.decoder = d
		}
	}
}

type readerState int

const (
	stateUninitialized readerState = iota
	stateHeadersParsed
	stateMetadataOnly
	stateFullImage
	stateDisposed
)

func (s readerState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateHeadersParsed:
		return "headers-parsed"
	case stateMetadataOnly:
		return "metadata-only"
	case stateFullImage:
		return "full-image"
	case stateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ---------------------------------------------------------------------------
// ImageReader
// ---------------------------------------------------------------------------

// ImageReader reads a PE image. All methods are safe for concurrent use; the
// reader serializes them internally.
//
// Byte slices returned by the reader are views into its image buffer (or the
// caller's memory for resident images). They must not be modified and stay
// valid after Close only for resident images the caller still holds.
type ImageReader struct {
	mu    sync.Mutex
	state readerState
	opts  Options

	stream *streamSource // nil for resident images
	data   imageSource
	image  []byte // set once the whole image is retained

	headers       *Headers
	blocks        map[int][]byte // section data read from the stream, by table position
	metadataBlock []byte
	accessor      MetadataAccessor
	decoder       MetadataDecoder
}

// NewImageReader reads an image from r, starting at its current position
// and extending to the end of the stream. r must implement io.ReadSeeker.
// Unless opts has LeaveOpen, the reader takes ownership of r and closes it
// (when it implements io.Closer) on Close.
func NewImageReader(r io.Reader, opts Options, ropts ...ReaderOption) (*ImageReader, error) {
	return newStreamReader(r, opts, -1, ropts)
}

// NewImageReaderWithSize is like NewImageReader but reads exactly size bytes
// from the current position.
func NewImageReaderWithSize(r io.Reader, opts Options, size int64, ropts ...ReaderOption) (*ImageReader, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: stream", ErrNilArgument)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: image size %d", ErrArgumentOutOfRange, size)
	}
	return newStreamReader(r, opts, size, ropts)
}

func newStreamReader(r io.Reader, opts Options, size int64, ropts []ReaderOption) (*ImageReader, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: stream", ErrNilArgument)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	src, err := newStreamSource(r, size, !opts.Has(LeaveOpen))
	if err != nil {
		return nil, err
	}

	ir := &ImageReader{
		opts:    opts,
		stream:  src,
		data:    src,
		decoder: decodeMetadata,
	}
	for _, o := range ropts {
		o(ir)
	}
	if err := ir.prefetch(); err != nil {
		return nil, err
	}
	log.Debugf("opened %d byte image stream (%s), state %s", src.Size(), opts, ir.state)
	return ir, nil
}

// NewImageReaderFromBytes reads a flat (file layout) image held in data.
// The reader keeps views into data; nothing is copied.
func NewImageReaderFromBytes(data []byte, ropts ...ReaderOption) (*ImageReader, error) {
	return NewImageReaderFromMemory(data, false, ropts...)
}

// NewImageReaderFromMemory reads an image resident in mem. When
// isLoadedImage is set, mem is an image mapped by a loader and section data
// is found at each section's virtual address.
func NewImageReaderFromMemory(mem []byte, isLoadedImage bool, ropts ...ReaderOption) (*ImageReader, error) {
	if mem == nil {
		return nil, fmt.Errorf("%w: image memory", ErrNilArgument)
	}
	if len(mem) == 0 {
		return nil, fmt.Errorf("%w: empty image memory", ErrArgumentOutOfRange)
	}

	ir := &ImageReader{
		state:   stateFullImage,
		decoder: decodeMetadata,
	}
	if isLoadedImage {
		ir.opts |= IsLoadedImage
	}
	ir.retainImage(mem)
	for _, o := range ropts {
		o(ir)
	}
	return ir, nil
}

// prefetch applies the construction-time loading policy. On failure the
// stream has already been released as that failure requires.
func (ir *ImageReader) prefetch() error {
	switch {
	case ir.opts.Has(PrefetchEntireImage):
		image, err := ir.stream.ReadBlock(0, ir.stream.Size())
		if err != nil {
			ir.releaseStream(false)
			return fmt.Errorf("prefetch image: %w", err)
		}
		ir.retainImage(image)
		if ir.opts.Has(PrefetchMetadata) {
			if err := ir.loadMetadata(); err != nil {
				ir.releaseAfterFailure(err)
				return err
			}
		}
		ir.releaseStream(false)
		return nil

	case ir.opts.Has(PrefetchMetadata):
		if err := ir.loadMetadata(); err != nil {
			ir.releaseAfterFailure(err)
			return err
		}
		ir.state = stateMetadataOnly
		ir.releaseStream(false)
		return nil
	}
	return nil
}

// loadMetadata parses the headers, copies the metadata blob and decodes it.
// An image without metadata loads successfully.
func (ir *ImageReader) loadMetadata() error {
	h, err := ir.headersLocked()
	if err != nil {
		return err
	}
	if !h.HasMetadata() {
		return nil
	}
	if _, err := ir.metadataBlockLocked(); err != nil {
		return err
	}
	_, err = ir.metadataReaderLocked()
	return err
}

// releaseAfterFailure releases the stream after a construction-time failure.
// Unusable content is never handed back to the caller: a malformed image
// closes the stream even under LeaveOpen.
func (ir *ImageReader) releaseAfterFailure(err error) {
	ir.releaseStream(errors.Is(err, ErrMalformedImage))
}

func (ir *ImageReader) releaseStream(force bool) error {
	if ir.stream == nil {
		return nil
	}
	if err := ir.stream.release(force); err != nil {
		log.Warningf("closing image stream: %s", err)
		return fmt.Errorf("close image stream: %w", err)
	}
	return nil
}

// retainImage switches every read to image.
func (ir *ImageReader) retainImage(image []byte) {
	ir.image = image
	ir.data = &memorySource{data: image}
	ir.blocks = nil
	ir.state = stateFullImage
}

func (ir *ImageReader) checkOpen() error {
	if ir.state == stateDisposed {
		return ErrDisposed
	}
	return nil
}

// read returns image bytes, mapping a range outside the source to a
// malformed image.
func (ir *ImageReader) read(offset, length int64, what string) ([]byte, error) {
	data, err := ir.data.ReadBlock(offset, length)
	if errors.Is(err, ErrOutOfBounds) {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedImage, what, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// State queries
// ---------------------------------------------------------------------------

// IsLoadedImage reports whether the image is laid out as mapped by a loader.
// It reflects the construction options and still answers after Close.
func (ir *ImageReader) IsLoadedImage() bool {
	return ir.opts.Has(IsLoadedImage)
}

// IsEntireImageAvailable reports whether the whole image is resident, either
// because it was prefetched or because EntireImage has been called. After
// Close it reports false.
func (ir *ImageReader) IsEntireImageAvailable() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.image != nil
}

// ---------------------------------------------------------------------------
// Headers
// ---------------------------------------------------------------------------

// Headers returns the parsed PE headers, parsing them on first use.
func (ir *ImageReader) Headers() (*Headers, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	return ir.headersLocked()
}

// headersLocked parses and memoizes the headers. A failed parse is not
// memoized.
func (ir *ImageReader) headersLocked() (*Headers, error) {
	if ir.headers != nil {
		return ir.headers, nil
	}
	h, err := parseHeaders(ir.data, ir.IsLoadedImage())
	if err != nil {
		return nil, err
	}
	ir.headers = h
	if ir.state == stateUninitialized {
		ir.state = stateHeadersParsed
	}
	log.Debugf("parsed headers: machine 0x%04x, %d sections, metadata %t",
		h.Coff.Machine, h.sections.Len(), h.HasMetadata())
	return h, nil
}

// Sections returns the section directory.
func (ir *ImageReader) Sections() (*SectionDirectory, error) {
	h, err := ir.Headers()
	if err != nil {
		return nil, err
	}
	return h.sections, nil
}

// HasMetadata reports whether the image embeds CLI metadata.
func (ir *ImageReader) HasMetadata() (bool, error) {
	h, err := ir.Headers()
	if err != nil {
		return false, err
	}
	return h.HasMetadata(), nil
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// MetadataBlock returns the metadata blob, or ErrNoMetadata.
func (ir *ImageReader) MetadataBlock() ([]byte, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	return ir.metadataBlockLocked()
}

func (ir *ImageReader) metadataBlockLocked() ([]byte, error) {
	if ir.metadataBlock != nil {
		return ir.metadataBlock, nil
	}
	h, err := ir.headersLocked()
	if err != nil {
		return nil, err
	}
	if !h.HasMetadata() {
		return nil, ErrNoMetadata
	}
	block, err := ir.read(h.MetadataOffset, h.MetadataSize, "metadata")
	if err != nil {
		return nil, err
	}
	ir.metadataBlock = block
	return block, nil
}

// MetadataReader decodes the metadata blob on first use and returns the
// memoized accessor.
func (ir *ImageReader) MetadataReader() (MetadataAccessor, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	return ir.metadataReaderLocked()
}

func (ir *ImageReader) metadataReaderLocked() (MetadataAccessor, error) {
	if ir.accessor != nil {
		return ir.accessor, nil
	}
	block, err := ir.metadataBlockLocked()
	if err != nil {
		return nil, err
	}
	acc, err := ir.decoder(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedImage, err)
	}
	ir.accessor = acc
	return acc, nil
}

// ---------------------------------------------------------------------------
// Image and section data
// ---------------------------------------------------------------------------

// EntireImage returns the whole image, reading and retaining it on first
// use. It fails with ErrInvalidOperation once a metadata-only prefetch has
// released the source.
func (ir *ImageReader) EntireImage() ([]byte, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	if ir.state == stateMetadataOnly {
		return nil, fmt.Errorf("%w: image was not retained after metadata prefetch", ErrInvalidOperation)
	}
	if ir.image == nil {
		image, err := ir.data.ReadBlock(0, ir.data.Size())
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		ir.retainImage(image)
		log.Debugf("retained entire image (%d bytes)", len(image))
	}
	return ir.image, nil
}

// SectionDataByIndex returns the data of the section at the 1-based table
// position index, or nil when there is no such section.
func (ir *ImageReader) SectionDataByIndex(index int) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: section index %d", ErrArgumentOutOfRange, index)
	}
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	h, err := ir.headersLocked()
	if err != nil {
		return nil, err
	}
	if index == 0 || index > h.sections.Len() {
		return nil, nil
	}
	return ir.sectionBlockLocked(index - 1)
}

// SectionDataAt returns the section data from rva to the end of the
// containing section's materialized bytes. It returns nil when rva is
// outside every section or falls in a section's zero-fill tail.
func (ir *ImageReader) SectionDataAt(rva int) ([]byte, error) {
	if rva < 0 {
		return nil, fmt.Errorf("%w: RVA %d", ErrArgumentOutOfRange, rva)
	}
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	return ir.sectionDataAtLocked(int64(rva))
}

func (ir *ImageReader) sectionDataAtLocked(rva int64) ([]byte, error) {
	h, err := ir.headersLocked()
	if err != nil {
		return nil, err
	}
	i := h.sections.ContainingSectionIndex(rva)
	if i < 0 {
		return nil, nil
	}
	block, err := ir.sectionBlockLocked(i)
	if err != nil {
		return nil, err
	}
	rel := rva - int64(h.sections.Section(i).VirtualAddress)
	if rel >= int64(len(block)) {
		return nil, nil
	}
	return block[rel:], nil
}

// SectionDataByName returns the data of the first section named name, or
// nil when no section matches.
func (ir *ImageReader) SectionDataByName(name string) ([]byte, error) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	h, err := ir.headersLocked()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	i := h.sections.IndexOfName(name)
	if i < 0 {
		return nil, nil
	}
	return ir.sectionBlockLocked(i)
}

// SectionDataByNameBytes is SectionDataByName for a raw name. A nil name
// fails with ErrNilArgument.
func (ir *ImageReader) SectionDataByNameBytes(name []byte) ([]byte, error) {
	if name == nil {
		return nil, fmt.Errorf("%w: section name", ErrNilArgument)
	}
	return ir.SectionDataByName(string(name))
}

// sectionBlockLocked returns the materialized bytes of section i.
func (ir *ImageReader) sectionBlockLocked(i int) ([]byte, error) {
	if ir.state == stateMetadataOnly {
		return nil, fmt.Errorf("%w: section data is unavailable after metadata prefetch", ErrInvalidOperation)
	}
	if block, ok := ir.blocks[i]; ok {
		return block, nil
	}
	offset, size := ir.headers.sections.extent(i)
	if size == 0 {
		return nil, nil
	}
	block, err := ir.read(offset, size, fmt.Sprintf("section %d data", i+1))
	if err != nil {
		return nil, err
	}
	if ir.image == nil {
		if ir.blocks == nil {
			ir.blocks = make(map[int][]byte)
		}
		ir.blocks[i] = block
	}
	return block, nil
}

// ---------------------------------------------------------------------------
// Method bodies
// ---------------------------------------------------------------------------

// MethodBody decodes the IL method body that starts at rva.
func (ir *ImageReader) MethodBody(rva int) (*MethodBody, error) {
	if rva < 0 {
		return nil, fmt.Errorf("%w: RVA %d", ErrArgumentOutOfRange, rva)
	}
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if err := ir.checkOpen(); err != nil {
		return nil, err
	}
	if ir.state == stateMetadataOnly {
		return nil, fmt.Errorf("%w: method bodies are unavailable after metadata prefetch", ErrInvalidOperation)
	}
	data, err := ir.sectionDataAtLocked(int64(rva))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, malformed("no method body at RVA 0x%x", rva)
	}
	body, err := parseMethodBody(data)
	if err != nil {
		return nil, fmt.Errorf("method body at RVA 0x%x: %w", rva, err)
	}
	return body, nil
}

// MethodBodyByToken resolves a MethodDef token through the metadata and
// decodes its body. Methods without a body (RVA 0) fail with
// ErrInvalidOperation.
func (ir *ImageReader) MethodBodyByToken(token uint32) (*MethodBody, error) {
	acc, err := ir.MetadataReader()
	if err != nil {
		return nil, err
	}
	def, err := acc.MethodDefinition(token)
	if err != nil {
		return nil, err
	}
	if def.RVA == 0 {
		return nil, fmt.Errorf("%w: method %s (0x%08x) has no body", ErrInvalidOperation, def.Name, token)
	}
	return ir.MethodBody(int(def.RVA))
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close releases the reader. The stream is closed unless the reader was
// created with LeaveOpen. Close is idempotent; every other method fails
// with ErrDisposed afterwards, except the IsLoadedImage and
// IsEntireImageAvailable state queries.
func (ir *ImageReader) Close() error {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if ir.state == stateDisposed {
		return nil
	}
	log.Debugf("closing image reader in state %s", ir.state)
	ir.state = stateDisposed
	ir.image = nil
	ir.blocks = nil
	ir.metadataBlock = nil
	ir.accessor = nil
	return ir.releaseStream(false)
}
