package peimage

import (
	"bytes"
	"errors"
	"fmt"
)

// Header layout constants
const (
	dosHeaderSize        = 64
	dosLfanewOffset      = 0x3c
	peSignatureSize      = 4
	coffHeaderSize       = 20
	sectionHeaderSize    = 40
	sectionNameSize      = 8
	corHeaderSize        = 72
	maxDataDirectories   = 16
	dataDirectorySize    = 8
	optionalHeader32Size = 96  // fixed part, before the data directories
	optionalHeader64Size = 112 // fixed part, before the data directories
)

// Optional header magic numbers
const (
	MagicPE32     uint16 = 0x10b
	MagicPE32Plus uint16 = 0x20b
)

// Data directory indices
const (
	DirectoryExport = iota
	DirectoryImport
	DirectoryResource
	DirectoryException
	DirectoryCertificate
	DirectoryBaseRelocation
	DirectoryDebug
	DirectoryArchitecture
	DirectoryGlobalPointer
	DirectoryTLS
	DirectoryLoadConfig
	DirectoryBoundImport
	DirectoryIAT
	DirectoryDelayImport
	DirectoryCLIHeader
	DirectoryReserved
)

var peSignature = []byte{'P', 'E', 0, 0}

// ---------------------------------------------------------------------------
// Parsed header types
// ---------------------------------------------------------------------------

// CoffHeader is the COFF file header that follows the PE signature.
type CoffHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// DataDirectory locates a table by RVA and size.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// IsZero reports whether the directory is absent.
func (d DataDirectory) IsZero() bool {
	return d.VirtualAddress == 0 || d.Size == 0
}

// OptionalHeader holds the PE32 or PE32+ optional header. Fields that are 32
// bits wide in PE32 are widened to 64 bits; BaseOfData is zero for PE32+.
type OptionalHeader struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectories             [maxDataDirectories]DataDirectory
}

// Is64 reports whether this is a PE32+ header.
func (oh *OptionalHeader) Is64() bool {
	return oh.Magic == MagicPE32Plus
}

// CorHeader is the CLI header referenced by the CLI data directory.
type CorHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	Metadata                DataDirectory
	Flags                   uint32
	EntryPointTokenOrRVA    uint32
	Resources               DataDirectory
	StrongNameSignature     DataDirectory
	CodeManagerTable        DataDirectory
	VTableFixups            DataDirectory
	ExportAddressTableJumps DataDirectory
	ManagedNativeHeader     DataDirectory
}

// SectionHeader is one entry of the section table.
type SectionHeader struct {
	RawName              [sectionNameSize]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// Name returns the section name up to the first NUL byte.
func (s *SectionHeader) Name() string {
	if i := bytes.IndexByte(s.RawName[:], 0); i >= 0 {
		return string(s.RawName[:i])
	}
	return string(s.RawName[:])
}

// Headers is the immutable result of parsing an image's headers.
type Headers struct {
	PEHeaderOffset int64
	Coff           CoffHeader
	Optional       OptionalHeader

	// Cor is nil when the image has no CLI header.
	Cor             *CorHeader
	CorHeaderOffset int64

	// MetadataOffset is the offset of the metadata root within the image,
	// or -1 when the image carries no metadata.
	MetadataOffset int64
	MetadataSize   int64

	sections *SectionDirectory
}

// Sections returns the section directory derived from the section table.
func (h *Headers) Sections() *SectionDirectory {
	return h.sections
}

// HasMetadata reports whether the image embeds a metadata blob.
func (h *Headers) HasMetadata() bool {
	return h.MetadataOffset >= 0
}

// ---------------------------------------------------------------------------
// Header parsing
// ---------------------------------------------------------------------------

// headerParser reads header structures from an imageSource, turning
// truncation into ErrMalformedImage.
type headerParser struct {
	src imageSource
}

func (p *headerParser) read(offset, length int64, what string) ([]byte, error) {
	data, err := p.src.ReadBlock(offset, length)
	if errors.Is(err, ErrOutOfBounds) {
		return nil, malformed("%s truncated at offset %d", what, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return data, nil
}

// parseHeaders reads the DOS stub, PE signature, COFF header, optional
// header, section table and, when present, the CLI header.
func parseHeaders(src imageSource, isLoadedImage bool) (*Headers, error) {
	p := &headerParser{src: src}

	if src.Size() < dosHeaderSize {
		return nil, malformed("image of %d bytes is smaller than a DOS header", src.Size())
	}
	dos, err := p.read(0, dosHeaderSize, "DOS header")
	if err != nil {
		return nil, err
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return nil, malformed("missing MZ signature")
	}
	dr := &byteReader{data: dos, offset: dosLfanewOffset}
	lfanew, _ := dr.readUint32()

	h := &Headers{
		PEHeaderOffset:  int64(lfanew),
		CorHeaderOffset: -1,
		MetadataOffset:  -1,
	}

	coffBytes, err := p.read(h.PEHeaderOffset, peSignatureSize+coffHeaderSize, "COFF header")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(coffBytes[:peSignatureSize], peSignature) {
		return nil, malformed("missing PE signature at offset %d", h.PEHeaderOffset)
	}
	if err := parseCoffHeader(coffBytes[peSignatureSize:], &h.Coff); err != nil {
		return nil, err
	}

	optStart := h.PEHeaderOffset + peSignatureSize + coffHeaderSize
	optBytes, err := p.read(optStart, int64(h.Coff.SizeOfOptionalHeader), "optional header")
	if err != nil {
		return nil, err
	}
	if err := parseOptionalHeader(optBytes, &h.Optional); err != nil {
		return nil, err
	}

	tableStart := optStart + int64(h.Coff.SizeOfOptionalHeader)
	tableSize := int64(h.Coff.NumberOfSections) * sectionHeaderSize
	if tableSize > src.Size()-tableStart {
		return nil, malformed("section table of %d entries overruns the image", h.Coff.NumberOfSections)
	}
	tableBytes, err := p.read(tableStart, tableSize, "section table")
	if err != nil {
		return nil, err
	}
	sections, err := parseSectionTable(tableBytes, int(h.Coff.NumberOfSections))
	if err != nil {
		return nil, err
	}
	h.sections = newSectionDirectory(sections, isLoadedImage)

	if err := p.parseCLIHeader(h); err != nil {
		return nil, err
	}
	return h, nil
}

func parseCoffHeader(data []byte, ch *CoffHeader) error {
	br := &byteReader{data: data}
	ch.Machine, _ = br.readUint16()
	ch.NumberOfSections, _ = br.readUint16()
	ch.TimeDateStamp, _ = br.readUint32()
	ch.PointerToSymbolTable, _ = br.readUint32()
	ch.NumberOfSymbols, _ = br.readUint32()
	ch.SizeOfOptionalHeader, _ = br.readUint16()
	var err error
	ch.Characteristics, err = br.readUint16()
	if err != nil {
		return malformed("COFF header truncated")
	}
	return nil
}

func parseOptionalHeader(data []byte, oh *OptionalHeader) error {
	br := &byteReader{data: data}
	magic, err := br.readUint16()
	if err != nil {
		return malformed("optional header missing")
	}
	oh.Magic = magic

	fixed := optionalHeader32Size
	switch magic {
	case MagicPE32:
	case MagicPE32Plus:
		fixed = optionalHeader64Size
	default:
		return malformed("unknown optional header magic 0x%x", magic)
	}
	if len(data) < fixed {
		return malformed("optional header of %d bytes is smaller than %d", len(data), fixed)
	}

	// Reads below cannot fail: the fixed part was length-checked above.
	is64 := magic == MagicPE32Plus
	word := func() uint64 {
		if is64 {
			v, _ := br.readUint64()
			return v
		}
		v, _ := br.readUint32()
		return uint64(v)
	}

	oh.MajorLinkerVersion, _ = br.readUint8()
	oh.MinorLinkerVersion, _ = br.readUint8()
	oh.SizeOfCode, _ = br.readUint32()
	oh.SizeOfInitializedData, _ = br.readUint32()
	oh.SizeOfUninitializedData, _ = br.readUint32()
	oh.AddressOfEntryPoint, _ = br.readUint32()
	oh.BaseOfCode, _ = br.readUint32()
	if !is64 {
		oh.BaseOfData, _ = br.readUint32()
	}
	oh.ImageBase = word()
	oh.SectionAlignment, _ = br.readUint32()
	oh.FileAlignment, _ = br.readUint32()
	oh.MajorOperatingSystemVersion, _ = br.readUint16()
	oh.MinorOperatingSystemVersion, _ = br.readUint16()
	oh.MajorImageVersion, _ = br.readUint16()
	oh.MinorImageVersion, _ = br.readUint16()
	oh.MajorSubsystemVersion, _ = br.readUint16()
	oh.MinorSubsystemVersion, _ = br.readUint16()
	oh.Win32VersionValue, _ = br.readUint32()
	oh.SizeOfImage, _ = br.readUint32()
	oh.SizeOfHeaders, _ = br.readUint32()
	oh.CheckSum, _ = br.readUint32()
	oh.Subsystem, _ = br.readUint16()
	oh.DllCharacteristics, _ = br.readUint16()
	oh.SizeOfStackReserve = word()
	oh.SizeOfStackCommit = word()
	oh.SizeOfHeapReserve = word()
	oh.SizeOfHeapCommit = word()
	oh.LoaderFlags, _ = br.readUint32()
	oh.NumberOfRvaAndSizes, _ = br.readUint32()

	count := int(min(oh.NumberOfRvaAndSizes, maxDataDirectories))
	if br.remaining() < count*dataDirectorySize {
		return malformed("optional header too small for %d data directories", count)
	}
	for i := 0; i < count; i++ {
		oh.DataDirectories[i].VirtualAddress, _ = br.readUint32()
		oh.DataDirectories[i].Size, _ = br.readUint32()
	}
	return nil
}

func parseSectionTable(data []byte, count int) ([]SectionHeader, error) {
	br := &byteReader{data: data}
	sections := make([]SectionHeader, count)
	for i := range sections {
		s := &sections[i]
		name, err := br.readBytes(sectionNameSize)
		if err != nil {
			return nil, malformed("section header %d truncated", i)
		}
		copy(s.RawName[:], name)
		s.VirtualSize, _ = br.readUint32()
		s.VirtualAddress, _ = br.readUint32()
		s.SizeOfRawData, _ = br.readUint32()
		s.PointerToRawData, _ = br.readUint32()
		s.PointerToRelocations, _ = br.readUint32()
		s.PointerToLinenumbers, _ = br.readUint32()
		s.NumberOfRelocations, _ = br.readUint16()
		s.NumberOfLinenumbers, _ = br.readUint16()
		if s.Characteristics, err = br.readUint32(); err != nil {
			return nil, malformed("section header %d truncated", i)
		}
	}
	return sections, nil
}

// parseCLIHeader locates the CLI header through the section directory and
// resolves its metadata directory to an offset in the image.
func (p *headerParser) parseCLIHeader(h *Headers) error {
	dir := h.Optional.DataDirectories[DirectoryCLIHeader]
	if dir.IsZero() {
		return nil
	}

	offset, err := h.sections.directoryOffset(dir)
	if err != nil {
		return fmt.Errorf("CLI header: %w", err)
	}
	data, err := p.read(offset, corHeaderSize, "CLI header")
	if err != nil {
		return err
	}

	cor := &CorHeader{}
	br := &byteReader{data: data}
	cor.Cb, _ = br.readUint32()
	cor.MajorRuntimeVersion, _ = br.readUint16()
	cor.MinorRuntimeVersion, _ = br.readUint16()
	cor.Metadata = readDirectory(br)
	cor.Flags, _ = br.readUint32()
	cor.EntryPointTokenOrRVA, _ = br.readUint32()
	cor.Resources = readDirectory(br)
	cor.StrongNameSignature = readDirectory(br)
	cor.CodeManagerTable = readDirectory(br)
	cor.VTableFixups = readDirectory(br)
	cor.ExportAddressTableJumps = readDirectory(br)
	cor.ManagedNativeHeader = readDirectory(br)

	h.Cor = cor
	h.CorHeaderOffset = offset

	if cor.Metadata.IsZero() {
		return nil
	}
	mdOffset, err := h.sections.directoryOffset(cor.Metadata)
	if err != nil {
		return fmt.Errorf("metadata directory: %w", err)
	}
	if mdOffset+int64(cor.Metadata.Size) > p.src.Size() {
		return malformed("metadata blob [%d, +%d) extends past the end of the image", mdOffset, cor.Metadata.Size)
	}
	h.MetadataOffset = mdOffset
	h.MetadataSize = int64(cor.Metadata.Size)
	return nil
}

func readDirectory(br *byteReader) DataDirectory {
	var d DataDirectory
	d.VirtualAddress, _ = br.readUint32()
	d.Size, _ = br.readUint32()
	return d
}
