package peimage

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/chazu/pereader/internal/pefixture"
	"github.com/chazu/pereader/peimage/metadata"
)

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewImageReaderArgumentValidation(t *testing.T) {
	stream := newTestStream(referenceBytes())

	if _, err := NewImageReader(nil, 0); !errors.Is(err, ErrNilArgument) {
		t.Errorf("nil stream: expected ErrNilArgument, got %v", err)
	}
	if _, err := NewImageReader(stream, Options(0x10)); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("unknown option: expected ErrArgumentOutOfRange, got %v", err)
	}
	if _, err := NewImageReaderWithSize(stream, 0, 0); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("zero size: expected ErrArgumentOutOfRange, got %v", err)
	}
	if _, err := NewImageReaderWithSize(stream, 0, -5); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("negative size: expected ErrArgumentOutOfRange, got %v", err)
	}
	if _, err := NewImageReaderWithSize(stream, 0, pefixture.ReferenceSize+1); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("oversized: expected ErrArgumentOutOfRange, got %v", err)
	}
	if _, err := NewImageReader(&readOnlyStream{data: referenceBytes()}, 0); !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("unseekable stream: expected ErrUnsupportedSource, got %v", err)
	}

	for _, err := range []error{ErrNilArgument, ErrArgumentOutOfRange} {
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%v does not wrap ErrInvalidArgument", err)
		}
	}

	if stream.closed {
		t.Error("argument validation closed the caller's stream")
	}
}

func TestNewImageReaderFromMemoryValidation(t *testing.T) {
	if _, err := NewImageReaderFromMemory(nil, true); !errors.Is(err, ErrNilArgument) {
		t.Errorf("nil memory: expected ErrNilArgument, got %v", err)
	}
	if _, err := NewImageReaderFromBytes([]byte{}); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("empty memory: expected ErrArgumentOutOfRange, got %v", err)
	}

	// Resident images skip the header size check at construction.
	r, err := NewImageReaderFromMemory([]byte("MZ\x00\x00"), true)
	if err != nil {
		t.Fatalf("NewImageReaderFromMemory failed: %v", err)
	}
	defer r.Close()
	if _, err := r.Headers(); !errors.Is(err, ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage from Headers, got %v", err)
	}
}

func TestNewImageReaderWithSize(t *testing.T) {
	data := append(referenceBytes(), make([]byte, 512)...)
	stream := newTestStream(data)
	r, err := NewImageReaderWithSize(stream, 0, pefixture.ReferenceSize)
	if err != nil {
		t.Fatalf("NewImageReaderWithSize failed: %v", err)
	}
	defer r.Close()

	image, err := r.EntireImage()
	if err != nil {
		t.Fatalf("EntireImage failed: %v", err)
	}
	if len(image) != pefixture.ReferenceSize {
		t.Errorf("len(EntireImage) = %d, want %d", len(image), pefixture.ReferenceSize)
	}
}

func TestNewImageReaderStartsAtStreamPosition(t *testing.T) {
	prefix := bytes.Repeat([]byte{0xee}, 16)
	stream := newTestStream(append(prefix, referenceBytes()...))
	if _, err := stream.Seek(int64(len(prefix)), io.SeekStart); err != nil {
		t.Fatal(err)
	}

	r, err := NewImageReader(stream, 0)
	if err != nil {
		t.Fatalf("NewImageReader failed: %v", err)
	}
	defer r.Close()

	h, err := r.Headers()
	if err != nil {
		t.Fatalf("Headers failed: %v", err)
	}
	if h.Coff.NumberOfSections != 3 {
		t.Errorf("NumberOfSections = %d, want 3", h.Coff.NumberOfSections)
	}
	image, _ := r.EntireImage()
	if len(image) != pefixture.ReferenceSize || image[0] != 'M' {
		t.Errorf("EntireImage = %d bytes starting 0x%02x", len(image), image[0])
	}
}

// ---------------------------------------------------------------------------
// Loading policy
// ---------------------------------------------------------------------------

func TestTruncatedImageWithEntireImagePrefetch(t *testing.T) {
	stream := newTestStream([]byte("MZ\x00\x00"))
	r, err := NewImageReader(stream, PrefetchEntireImage|LeaveOpen)
	if err != nil {
		t.Fatalf("construction must not parse headers: %v", err)
	}
	if stream.closed {
		t.Error("stream closed despite LeaveOpen")
	}

	if _, err := r.Headers(); !errors.Is(err, ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage, got %v", err)
	}
	if stream.closed {
		t.Error("stream closed by a failed header parse")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stream.closed {
		t.Error("stream closed by Close despite LeaveOpen")
	}
}

func TestTruncatedImageWithMetadataPrefetch(t *testing.T) {
	for _, opts := range []Options{PrefetchMetadata, PrefetchMetadata | LeaveOpen} {
		t.Run(opts.String(), func(t *testing.T) {
			stream := newTestStream([]byte("MZ\x00\x00"))
			_, err := NewImageReader(stream, opts)
			if !errors.Is(err, ErrMalformedImage) {
				t.Errorf("expected ErrMalformedImage, got %v", err)
			}
			if !stream.closed {
				t.Error("stream left open after malformed metadata prefetch")
			}
		})
	}
}

func TestCorruptMetadataWithMetadataPrefetch(t *testing.T) {
	data := referenceBytes()
	data[0x300] = 'X' // metadata root signature

	for _, opts := range []Options{
		PrefetchMetadata | LeaveOpen,
		PrefetchMetadata | PrefetchEntireImage | LeaveOpen,
	} {
		t.Run(opts.String(), func(t *testing.T) {
			stream := newTestStream(data)
			_, err := NewImageReader(stream, opts)
			if !errors.Is(err, ErrMalformedImage) {
				t.Errorf("expected ErrMalformedImage, got %v", err)
			}
			if !errors.Is(err, metadata.ErrMalformedMetadata) {
				t.Errorf("expected ErrMalformedMetadata in chain, got %v", err)
			}
			if !stream.closed {
				t.Error("stream left open after malformed metadata prefetch")
			}
		})
	}
}

func TestCorruptMetadataIsLazyWithEntireImagePrefetch(t *testing.T) {
	data := referenceBytes()
	data[0x300] = 'X'
	stream := newTestStream(data)

	r, err := NewImageReader(stream, PrefetchEntireImage)
	if err != nil {
		t.Fatalf("NewImageReader failed: %v", err)
	}
	defer r.Close()

	if !stream.closed {
		t.Error("owned stream not released after entire image prefetch")
	}
	if _, err := r.MetadataReader(); !errors.Is(err, ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage, got %v", err)
	}
	// The image itself is still usable.
	if _, err := r.MethodBody(pefixture.TinyMethodRVA); err != nil {
		t.Errorf("MethodBody failed: %v", err)
	}
}

func TestLazyReaderKeepsStreamUntilClose(t *testing.T) {
	r, stream := openReference(t, 0)
	if r.IsEntireImageAvailable() {
		t.Error("IsEntireImageAvailable() = true before any read")
	}
	if _, err := r.SectionDataByName(".text"); err != nil {
		t.Fatalf("SectionDataByName failed: %v", err)
	}
	if r.IsEntireImageAvailable() {
		t.Error("section read retained the entire image")
	}
	if stream.closed {
		t.Error("stream closed before Close")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !stream.closed || stream.closes != 1 {
		t.Errorf("stream closed=%t closes=%d, want closed exactly once", stream.closed, stream.closes)
	}
}

func TestLeaveOpenSurvivesClose(t *testing.T) {
	for _, opts := range []Options{
		LeaveOpen,
		LeaveOpen | PrefetchMetadata,
		LeaveOpen | PrefetchEntireImage,
	} {
		t.Run(opts.String(), func(t *testing.T) {
			r, stream := openReference(t, opts)
			if stream.closed {
				t.Error("stream closed at construction")
			}
			r.Close()
			if stream.closed {
				t.Error("stream closed by Close")
			}
		})
	}
}

func TestMetadataPrefetchReleasesStream(t *testing.T) {
	r, stream := openReference(t, PrefetchMetadata)
	if !stream.closed {
		t.Error("owned stream not released after metadata prefetch")
	}

	md, err := r.MetadataReader()
	if err != nil {
		t.Fatalf("MetadataReader failed: %v", err)
	}
	if md.Version() != pefixture.MetadataVersion {
		t.Errorf("Version() = %q, want %q", md.Version(), pefixture.MetadataVersion)
	}
	if _, err := r.Headers(); err != nil {
		t.Errorf("Headers failed: %v", err)
	}
	if has, err := r.HasMetadata(); err != nil || !has {
		t.Errorf("HasMetadata() = %t, %v", has, err)
	}
	if _, err := r.MetadataBlock(); err != nil {
		t.Errorf("MetadataBlock failed: %v", err)
	}

	if _, err := r.EntireImage(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("EntireImage: expected ErrInvalidOperation, got %v", err)
	}
	if _, err := r.MethodBody(pefixture.TinyMethodRVA); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("MethodBody: expected ErrInvalidOperation, got %v", err)
	}
	if _, err := r.MethodBodyByToken(pefixture.MainToken); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("MethodBodyByToken: expected ErrInvalidOperation, got %v", err)
	}
	if _, err := r.SectionDataByName(".text"); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("SectionDataByName: expected ErrInvalidOperation, got %v", err)
	}
}

func TestEntireImagePrefetchReleasesStream(t *testing.T) {
	r, stream := openReference(t, PrefetchEntireImage)
	if !stream.closed {
		t.Error("owned stream not released after entire image prefetch")
	}
	if !r.IsEntireImageAvailable() {
		t.Error("IsEntireImageAvailable() = false")
	}
	if _, err := r.MetadataReader(); err != nil {
		t.Errorf("MetadataReader failed: %v", err)
	}
	if _, err := r.SectionDataByName(".rsrc"); err != nil {
		t.Errorf("SectionDataByName failed: %v", err)
	}
}

func TestEntireImageLength(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) *ImageReader
	}{
		{"lazy", func(t *testing.T) *ImageReader { r, _ := openReference(t, 0); return r }},
		{"prefetch image", func(t *testing.T) *ImageReader { r, _ := openReference(t, PrefetchEntireImage); return r }},
		{"prefetch both", func(t *testing.T) *ImageReader {
			r, _ := openReference(t, PrefetchEntireImage|PrefetchMetadata)
			return r
		}},
		{"bytes", func(t *testing.T) *ImageReader {
			r, err := NewImageReaderFromBytes(referenceBytes())
			if err != nil {
				t.Fatal(err)
			}
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.open(t)
			image, err := r.EntireImage()
			if err != nil {
				t.Fatalf("EntireImage failed: %v", err)
			}
			if len(image) != pefixture.ReferenceSize {
				t.Errorf("len(EntireImage) = %d, want %d", len(image), pefixture.ReferenceSize)
			}
			if !bytes.Equal(image, referenceBytes()) {
				t.Error("EntireImage differs from the source bytes")
			}
			again, _ := r.EntireImage()
			if &again[0] != &image[0] {
				t.Error("EntireImage was not memoized")
			}
			if !r.IsEntireImageAvailable() {
				t.Error("IsEntireImageAvailable() = false after EntireImage")
			}
		})
	}
}

func TestNoMetadata(t *testing.T) {
	img := pefixture.Reference()
	delete(img.Directories, DirectoryCLIHeader)
	stream := newTestStream(img.Bytes())

	r, err := NewImageReader(stream, PrefetchMetadata)
	if err != nil {
		t.Fatalf("NewImageReader failed: %v", err)
	}
	defer r.Close()

	has, err := r.HasMetadata()
	if err != nil || has {
		t.Errorf("HasMetadata() = %t, %v; want false", has, err)
	}
	if _, err := r.MetadataBlock(); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("MetadataBlock: expected ErrNoMetadata, got %v", err)
	}
	if _, err := r.MetadataReader(); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("MetadataReader: expected ErrNoMetadata, got %v", err)
	}
	if errors.Is(ErrNoMetadata, ErrMalformedImage) {
		t.Error("ErrNoMetadata must not be a malformed image error")
	}
}

// ---------------------------------------------------------------------------
// Section data
// ---------------------------------------------------------------------------

func TestSectionDataLookupsAgree(t *testing.T) {
	for _, opts := range []Options{0, PrefetchEntireImage} {
		t.Run(opts.String(), func(t *testing.T) {
			r, _ := openReference(t, opts)
			for i, name := range []string{".text", ".rsrc", ".reloc"} {
				byName, err := r.SectionDataByName(name)
				if err != nil {
					t.Fatalf("SectionDataByName(%q) failed: %v", name, err)
				}
				byIndex, err := r.SectionDataByIndex(i + 1)
				if err != nil {
					t.Fatalf("SectionDataByIndex(%d) failed: %v", i+1, err)
				}
				section := referenceSection(t, name)
				byRVA, err := r.SectionDataAt(int(section.VirtualAddress))
				if err != nil {
					t.Fatalf("SectionDataAt(0x%x) failed: %v", section.VirtualAddress, err)
				}
				if len(byName) == 0 {
					t.Fatalf("section %s is empty", name)
				}
				if !bytes.Equal(byName, byIndex) || !bytes.Equal(byName, byRVA) {
					t.Errorf("section %s: lookups by name, index and RVA disagree", name)
				}

				mid := int(section.VirtualAddress) + len(byName)/2
				tail, err := r.SectionDataAt(mid)
				if err != nil {
					t.Fatalf("SectionDataAt(0x%x) failed: %v", mid, err)
				}
				if !bytes.Equal(tail, byName[len(byName)/2:]) {
					t.Errorf("section %s: SectionDataAt(0x%x) is not the section suffix", name, mid)
				}
			}
		})
	}
}

func TestSectionDataContents(t *testing.T) {
	r, _ := openReference(t, 0)

	text, _ := r.SectionDataByName(".text")
	if len(text) != pefixture.TextSize {
		t.Errorf("len(.text) = 0x%x, want 0x%x (trimmed to virtual size)", len(text), pefixture.TextSize)
	}
	rsrc, _ := r.SectionDataByName(".rsrc")
	if !bytes.Equal(rsrc, referenceSection(t, ".rsrc").Data) {
		t.Error(".rsrc data differs from the fixture")
	}
	reloc, _ := r.SectionDataByName(".reloc")
	if len(reloc) != pefixture.RelocSize {
		t.Errorf("len(.reloc) = %d, want %d", len(reloc), pefixture.RelocSize)
	}
	body, _ := r.SectionDataAt(pefixture.TinyMethodRVA)
	if !bytes.HasPrefix(body, []byte{0x0a, 0x00, 0x2a}) {
		t.Errorf("data at tiny method = % x", body[:3])
	}
}

func TestSectionDataEmptyResults(t *testing.T) {
	r, _ := openReference(t, 0)

	tests := []struct {
		name string
		get  func() ([]byte, error)
	}{
		{"zero-fill tail start", func() ([]byte, error) { return r.SectionDataAt(pefixture.RsrcRVA + pefixture.RsrcRawSize) }},
		{"zero-fill tail end", func() ([]byte, error) { return r.SectionDataAt(pefixture.RsrcRVA + pefixture.RsrcVirtSize - 1) }},
		{"text padding", func() ([]byte, error) { return r.SectionDataAt(pefixture.TextRVA + pefixture.TextSize) }},
		{"between sections", func() ([]byte, error) { return r.SectionDataAt(0x5000) }},
		{"headers", func() ([]byte, error) { return r.SectionDataAt(0x10) }},
		{"past last section", func() ([]byte, error) { return r.SectionDataAt(0x7000) }},
		{"far past last section", func() ([]byte, error) { return r.SectionDataAt(math.MaxInt32) }},
		{"index zero", func() ([]byte, error) { return r.SectionDataByIndex(0) }},
		{"index past end", func() ([]byte, error) { return r.SectionDataByIndex(4) }},
		{"unknown name", func() ([]byte, error) { return r.SectionDataByName(".data") }},
		{"empty name", func() ([]byte, error) { return r.SectionDataByName("") }},
		{"long name", func() ([]byte, error) { return r.SectionDataByName(".text\x00\x00\x00x") }},
		{"empty name bytes", func() ([]byte, error) { return r.SectionDataByNameBytes([]byte{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.get()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if data != nil {
				t.Errorf("got %d bytes, want the empty range", len(data))
			}
		})
	}

	last, err := r.SectionDataAt(pefixture.RsrcRVA + pefixture.RsrcRawSize - 1)
	if err != nil || len(last) != 1 {
		t.Errorf("last raw byte of .rsrc: %d bytes, %v", len(last), err)
	}
}

func TestSectionDataArgumentErrors(t *testing.T) {
	r, _ := openReference(t, 0)

	if _, err := r.SectionDataByNameBytes(nil); !errors.Is(err, ErrNilArgument) {
		t.Errorf("nil name: expected ErrNilArgument, got %v", err)
	}
	for _, rva := range []int{-1, math.MinInt} {
		if _, err := r.SectionDataAt(rva); !errors.Is(err, ErrArgumentOutOfRange) {
			t.Errorf("SectionDataAt(%d): expected ErrArgumentOutOfRange, got %v", rva, err)
		}
	}
	for _, index := range []int{-1, math.MinInt} {
		if _, err := r.SectionDataByIndex(index); !errors.Is(err, ErrArgumentOutOfRange) {
			t.Errorf("SectionDataByIndex(%d): expected ErrArgumentOutOfRange, got %v", index, err)
		}
	}
	if _, err := r.MethodBody(-1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("MethodBody(-1): expected ErrInvalidArgument, got %v", err)
	}
}

func TestSectionDataTruncatedRawData(t *testing.T) {
	data := referenceBytes()[:0x1000] // drop the .reloc raw data
	r, err := NewImageReaderFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.SectionDataByName(".reloc"); !errors.Is(err, ErrMalformedImage) {
		t.Errorf("expected ErrMalformedImage, got %v", err)
	}
	if _, err := r.SectionDataByName(".rsrc"); err != nil {
		t.Errorf("intact section failed: %v", err)
	}
}

func TestLoadedImageSectionData(t *testing.T) {
	loaded := pefixture.Reference().LoadedBytes()
	r, err := NewImageReaderFromMemory(loaded, true)
	if err != nil {
		t.Fatalf("NewImageReaderFromMemory failed: %v", err)
	}
	defer r.Close()

	if !r.IsLoadedImage() {
		t.Error("IsLoadedImage() = false")
	}
	flat, _ := openReference(t, 0)

	for _, name := range []string{".text", ".reloc"} {
		want, _ := flat.SectionDataByName(name)
		got, err := r.SectionDataByName(name)
		if err != nil {
			t.Fatalf("SectionDataByName(%q) failed: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("section %s differs between loaded and flat layouts", name)
		}
	}

	// A loader materializes the zero-fill tail.
	rsrc, _ := r.SectionDataByName(".rsrc")
	if len(rsrc) != pefixture.RsrcVirtSize {
		t.Errorf("len(.rsrc) = 0x%x, want 0x%x", len(rsrc), pefixture.RsrcVirtSize)
	}
	tail, _ := r.SectionDataAt(pefixture.RsrcRVA + pefixture.RsrcRawSize)
	if len(tail) != pefixture.RsrcVirtSize-pefixture.RsrcRawSize || bytes.Count(tail, []byte{0}) != len(tail) {
		t.Errorf("loaded zero-fill tail = %d bytes", len(tail))
	}

	text, _ := r.SectionDataAt(pefixture.TextRVA)
	if &text[0] != &loaded[pefixture.TextRVA] {
		t.Error("loaded section data is a copy, want a view")
	}
}

// ---------------------------------------------------------------------------
// Method bodies
// ---------------------------------------------------------------------------

func TestMethodBodyAcrossPolicies(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T) *ImageReader
	}{
		{"lazy", func(t *testing.T) *ImageReader { r, _ := openReference(t, 0); return r }},
		{"prefetch image", func(t *testing.T) *ImageReader { r, _ := openReference(t, PrefetchEntireImage); return r }},
		{"prefetch both", func(t *testing.T) *ImageReader {
			r, _ := openReference(t, PrefetchEntireImage|PrefetchMetadata)
			return r
		}},
		{"bytes", func(t *testing.T) *ImageReader {
			r, _ := NewImageReaderFromBytes(referenceBytes())
			return r
		}},
		{"loaded", func(t *testing.T) *ImageReader {
			r, _ := NewImageReaderFromMemory(pefixture.Reference().LoadedBytes(), true)
			return r
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.open(t)
			body, err := r.MethodBody(pefixture.TinyMethodRVA)
			if err != nil {
				t.Fatalf("MethodBody failed: %v", err)
			}
			if !bytes.Equal(body.IL, pefixture.TinyMethodIL) {
				t.Errorf("IL = % x, want % x", body.IL, pefixture.TinyMethodIL)
			}
			if body.MaxStack != 8 {
				t.Errorf("MaxStack = %d, want 8", body.MaxStack)
			}

			fat, err := r.MethodBody(pefixture.FatMethodRVA)
			if err != nil {
				t.Fatalf("MethodBody(fat) failed: %v", err)
			}
			if !bytes.Equal(fat.IL, pefixture.FatMethodIL) || fat.MaxStack != 2 {
				t.Errorf("fat body = % x, max stack %d", fat.IL, fat.MaxStack)
			}
			if len(fat.ExceptionRegions) != 1 || fat.ExceptionRegions[0].Kind != RegionFinally {
				t.Errorf("fat body regions = %+v", fat.ExceptionRegions)
			}
		})
	}
}

func TestMethodBodyOutsideSections(t *testing.T) {
	r, _ := openReference(t, 0)
	for _, rva := range []int{0x7000, pefixture.RsrcRVA + pefixture.RsrcRawSize} {
		if _, err := r.MethodBody(rva); !errors.Is(err, ErrMalformedImage) {
			t.Errorf("MethodBody(0x%x): expected ErrMalformedImage, got %v", rva, err)
		}
	}
}

func TestMethodBodyByToken(t *testing.T) {
	r, _ := openReference(t, PrefetchEntireImage|PrefetchMetadata)

	body, err := r.MethodBodyByToken(pefixture.MainToken)
	if err != nil {
		t.Fatalf("MethodBodyByToken failed: %v", err)
	}
	if !bytes.Equal(body.IL, pefixture.TinyMethodIL) {
		t.Errorf("IL = % x", body.IL)
	}

	if _, err := r.MethodBodyByToken(pefixture.ExternToken); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("extern method: expected ErrInvalidOperation, got %v", err)
	}
	for _, token := range []uint32{0x06000009, 0x06000000, 0x02000001} {
		if _, err := r.MethodBodyByToken(token); !errors.Is(err, metadata.ErrInvalidToken) {
			t.Errorf("token 0x%08x: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Metadata decoder hand-off
// ---------------------------------------------------------------------------

type stubAccessor struct{}

func (stubAccessor) Version() string            { return "stub" }
func (stubAccessor) MethodDefinitionCount() int { return 1 }
func (stubAccessor) MethodDefinition(token uint32) (metadata.MethodDefinition, error) {
	return metadata.MethodDefinition{Token: token, Name: "Stub", RVA: pefixture.TinyMethodRVA}, nil
}

func TestWithMetadataDecoder(t *testing.T) {
	calls := 0
	var seen []byte
	decoder := func(block []byte) (MetadataAccessor, error) {
		calls++
		seen = block
		return stubAccessor{}, nil
	}

	r, err := NewImageReaderFromBytes(referenceBytes(), WithMetadataDecoder(decoder))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		md, err := r.MetadataReader()
		if err != nil {
			t.Fatalf("MetadataReader failed: %v", err)
		}
		if md.Version() != "stub" {
			t.Errorf("Version() = %q", md.Version())
		}
	}
	if calls != 1 {
		t.Errorf("decoder called %d times, want 1", calls)
	}
	if !bytes.HasPrefix(seen, []byte("BSJB")) {
		t.Errorf("decoder received % x, want the metadata root", seen[:4])
	}

	body, err := r.MethodBodyByToken(0x06000042)
	if err != nil || !bytes.Equal(body.IL, pefixture.TinyMethodIL) {
		t.Errorf("MethodBodyByToken through stub = %v, %v", body, err)
	}
}

func TestMetadataDecoderFailure(t *testing.T) {
	failure := errors.New("decoder exploded")
	r, err := NewImageReaderFromBytes(referenceBytes(), WithMetadataDecoder(func([]byte) (MetadataAccessor, error) {
		return nil, failure
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.MetadataReader()
	if !errors.Is(err, ErrMalformedImage) || !errors.Is(err, failure) {
		t.Errorf("expected ErrMalformedImage wrapping the decoder error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Disposal
// ---------------------------------------------------------------------------

func TestAccessAfterClose(t *testing.T) {
	for _, opts := range []Options{0, PrefetchMetadata, PrefetchEntireImage, LeaveOpen} {
		t.Run(opts.String(), func(t *testing.T) {
			r, stream := openReference(t, opts)
			if err := r.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			calls := map[string]func() error{
				"Headers":                func() error { _, err := r.Headers(); return err },
				"Sections":               func() error { _, err := r.Sections(); return err },
				"HasMetadata":            func() error { _, err := r.HasMetadata(); return err },
				"MetadataBlock":          func() error { _, err := r.MetadataBlock(); return err },
				"MetadataReader":         func() error { _, err := r.MetadataReader(); return err },
				"EntireImage":            func() error { _, err := r.EntireImage(); return err },
				"SectionDataByIndex":     func() error { _, err := r.SectionDataByIndex(1); return err },
				"SectionDataAt":          func() error { _, err := r.SectionDataAt(pefixture.TextRVA); return err },
				"SectionDataByName":      func() error { _, err := r.SectionDataByName(".text"); return err },
				"SectionDataByNameBytes": func() error { _, err := r.SectionDataByNameBytes([]byte(".text")); return err },
				"MethodBody":             func() error { _, err := r.MethodBody(pefixture.TinyMethodRVA); return err },
				"MethodBodyByToken":      func() error { _, err := r.MethodBodyByToken(pefixture.MainToken); return err },
			}
			for name, call := range calls {
				if err := call(); !errors.Is(err, ErrDisposed) {
					t.Errorf("%s after Close: expected ErrDisposed, got %v", name, err)
				}
			}
			if r.IsEntireImageAvailable() {
				t.Error("IsEntireImageAvailable() = true after Close")
			}
			if r.IsLoadedImage() {
				t.Error("IsLoadedImage() = true for a stream reader")
			}

			if want := !opts.Has(LeaveOpen); stream.closed != want {
				t.Errorf("stream closed = %t, want %t", stream.closed, want)
			}
		})
	}
}

func TestStateQueriesAfterClose(t *testing.T) {
	r, err := NewImageReaderFromMemory(pefixture.Reference().LoadedBytes(), true)
	if err != nil {
		t.Fatalf("NewImageReaderFromMemory failed: %v", err)
	}
	if !r.IsEntireImageAvailable() {
		t.Error("IsEntireImageAvailable() = false for a resident image")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !r.IsLoadedImage() {
		t.Error("IsLoadedImage() = false after Close")
	}
	if r.IsEntireImageAvailable() {
		t.Error("IsEntireImageAvailable() = true after Close")
	}
}

func TestStreamSourceReadAfterRelease(t *testing.T) {
	src, err := newStreamSource(newTestStream(referenceBytes()), -1, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.ReadBlock(0, 2); err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if _, err := src.ReadBlock(pefixture.ReferenceSize-1, 2); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	if _, err := src.ReadBlock(-1, 2); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	src.release(false)
	if _, err := src.ReadBlock(0, 2); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

func TestOptionsString(t *testing.T) {
	tests := []struct {
		opts Options
		want string
	}{
		{0, "none"},
		{LeaveOpen, "leave-open"},
		{PrefetchMetadata | IsLoadedImage, "prefetch-metadata|loaded-image"},
		{PrefetchEntireImage | 0x40, "prefetch-entire-image|0x40"},
	}
	for _, tt := range tests {
		if got := tt.opts.String(); got != tt.want {
			t.Errorf("Options(0x%x).String() = %q, want %q", uint32(tt.opts), got, tt.want)
		}
	}
}
