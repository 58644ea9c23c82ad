// Package pefixture assembles small PE images in memory for tests and
// examples. Images are laid out exactly as described; nothing is validated,
// so malformed images are as easy to build as well-formed ones.
package pefixture

import (
	"encoding/binary"
	"fmt"
)

const (
	dosLfanew        = 0x80
	coffHeaderSize   = 20
	sectionEntrySize = 40
	directoryCount   = 16
	optional32Size   = 96 + directoryCount*8
	optional64Size   = 112 + directoryCount*8
)

// Directory is a data directory entry.
type Directory struct {
	VirtualAddress uint32
	Size           uint32
}

// Section describes one section. Data is written at PointerToRawData in the
// file layout and at VirtualAddress in the loaded layout.
type Section struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	PointerToRawData uint32
	SizeOfRawData    uint32
	Characteristics  uint32
	Data             []byte
}

// Image describes a PE image to assemble.
type Image struct {
	Machine          uint16
	Characteristics  uint16
	PE32Plus         bool
	ImageBase        uint64
	EntryPoint       uint32
	SectionAlignment uint32
	FileAlignment    uint32
	SizeOfHeaders    uint32
	Directories      map[int]Directory
	Sections         []Section

	// FileSize pads the file layout to at least this many bytes.
	FileSize int
}

// OptionalHeaderSize returns the SizeOfOptionalHeader the image declares.
func (img *Image) OptionalHeaderSize() int {
	if img.PE32Plus {
		return optional64Size
	}
	return optional32Size
}

// SectionTableOffset returns the file offset of the first section header.
func (img *Image) SectionTableOffset() int {
	return dosLfanew + 4 + coffHeaderSize + img.OptionalHeaderSize()
}

// SizeOfImage returns the section-aligned extent of the loaded image.
func (img *Image) SizeOfImage() uint32 {
	end := img.SizeOfHeaders
	for _, s := range img.Sections {
		end = max(end, s.VirtualAddress+max(s.VirtualSize, s.SizeOfRawData))
	}
	return alignUp(end, max(img.SectionAlignment, 1))
}

// Bytes returns the image in file layout.
func (img *Image) Bytes() []byte {
	size := max(img.FileSize, int(img.SizeOfHeaders), img.SectionTableOffset()+len(img.Sections)*sectionEntrySize)
	for _, s := range img.Sections {
		size = max(size, int(s.PointerToRawData)+int(s.SizeOfRawData), int(s.PointerToRawData)+len(s.Data))
	}
	buf := make([]byte, size)
	img.writeHeaders(buf)
	for _, s := range img.Sections {
		copy(buf[s.PointerToRawData:], s.Data)
	}
	return buf
}

// LoadedBytes returns the image as a loader would map it: headers at the
// start and each section's data at its virtual address.
func (img *Image) LoadedBytes() []byte {
	buf := make([]byte, img.SizeOfImage())
	img.writeHeaders(buf)
	for _, s := range img.Sections {
		data := s.Data
		if s.VirtualSize != 0 && int(s.VirtualSize) < len(data) {
			data = data[:s.VirtualSize]
		}
		copy(buf[s.VirtualAddress:], data)
	}
	return buf
}

func (img *Image) writeHeaders(buf []byte) {
	le := binary.LittleEndian

	buf[0], buf[1] = 'M', 'Z'
	le.PutUint32(buf[0x3c:], dosLfanew)
	copy(buf[dosLfanew:], "PE\x00\x00")

	// COFF header
	coff := buf[dosLfanew+4:]
	le.PutUint16(coff[0:], img.Machine)
	le.PutUint16(coff[2:], uint16(len(img.Sections)))
	le.PutUint16(coff[16:], uint16(img.OptionalHeaderSize()))
	le.PutUint16(coff[18:], img.Characteristics)

	// Optional header
	opt := buf[dosLfanew+4+coffHeaderSize:]
	w := &fieldWriter{buf: opt}
	if img.PE32Plus {
		w.u16(0x20b)
	} else {
		w.u16(0x10b)
	}
	w.u8(14) // linker version
	w.u8(0)
	w.u32(img.sizeOfCode())
	w.u32(0) // initialized data
	w.u32(0) // uninitialized data
	w.u32(img.EntryPoint)
	w.u32(img.baseOfCode())
	if !img.PE32Plus {
		w.u32(0) // base of data
	}
	w.word(img.PE32Plus, img.ImageBase)
	w.u32(img.SectionAlignment)
	w.u32(img.FileAlignment)
	w.u16(4) // OS version
	w.u16(0)
	w.u16(0) // image version
	w.u16(0)
	w.u16(4) // subsystem version
	w.u16(0)
	w.u32(0) // win32 version
	w.u32(img.SizeOfImage())
	w.u32(img.SizeOfHeaders)
	w.u32(0) // checksum
	w.u16(3) // console subsystem
	w.u16(0x8540)
	w.word(img.PE32Plus, 0x100000)
	w.word(img.PE32Plus, 0x1000)
	w.word(img.PE32Plus, 0x100000)
	w.word(img.PE32Plus, 0x1000)
	w.u32(0) // loader flags
	w.u32(directoryCount)
	for i := 0; i < directoryCount; i++ {
		d := img.Directories[i]
		w.u32(d.VirtualAddress)
		w.u32(d.Size)
	}

	// Section table
	table := buf[img.SectionTableOffset():]
	for i, s := range img.Sections {
		e := table[i*sectionEntrySize:]
		copy(e[:8], s.Name)
		le.PutUint32(e[8:], s.VirtualSize)
		le.PutUint32(e[12:], s.VirtualAddress)
		le.PutUint32(e[16:], s.SizeOfRawData)
		le.PutUint32(e[20:], s.PointerToRawData)
		le.PutUint32(e[36:], s.Characteristics)
	}
}

func (img *Image) sizeOfCode() uint32 {
	var n uint32
	for _, s := range img.Sections {
		if s.Characteristics&SectionCode != 0 {
			n += s.SizeOfRawData
		}
	}
	return n
}

func (img *Image) baseOfCode() uint32 {
	for _, s := range img.Sections {
		if s.Characteristics&SectionCode != 0 {
			return s.VirtualAddress
		}
	}
	return 0
}

// Section characteristics used by the fixtures.
const (
	SectionCode        uint32 = 0x00000020
	SectionInitialized uint32 = 0x00000040
	SectionDiscardable uint32 = 0x02000000
	SectionExecute     uint32 = 0x20000000
	SectionRead        uint32 = 0x40000000
)

// ---------------------------------------------------------------------------
// fieldWriter
// ---------------------------------------------------------------------------

type fieldWriter struct {
	buf    []byte
	offset int
}

func (w *fieldWriter) u8(v uint8) {
	w.buf[w.offset] = v
	w.offset++
}

func (w *fieldWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.offset:], v)
	w.offset += 2
}

func (w *fieldWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.offset:], v)
	w.offset += 4
}

func (w *fieldWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.offset:], v)
	w.offset += 8
}

// word writes a pointer-sized field.
func (w *fieldWriter) word(wide bool, v uint64) {
	if wide {
		w.u64(v)
		return
	}
	w.u32(uint32(v))
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// ---------------------------------------------------------------------------
// CLI structures
// ---------------------------------------------------------------------------

// CorHeader encodes a 72-byte CLI header pointing at metadata.
func CorHeader(metadata Directory, entryPointToken uint32) []byte {
	buf := make([]byte, 72)
	w := &fieldWriter{buf: buf}
	w.u32(72)
	w.u16(2) // runtime version
	w.u16(5)
	w.u32(metadata.VirtualAddress)
	w.u32(metadata.Size)
	w.u32(1) // IL only
	w.u32(entryPointToken)
	return buf
}

// Method is one MethodDef row.
type Method struct {
	Name      string
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
}

// Metadata encodes a metadata blob with a Module row and one MethodDef row
// per method, all using small heap and table indexes.
func Metadata(version string, methods []Method) []byte {
	le := binary.LittleEndian

	// #Strings
	strings := []byte{0}
	intern := func(s string) uint16 {
		idx := uint16(len(strings))
		strings = append(strings, s...)
		strings = append(strings, 0)
		return idx
	}
	moduleName := intern("Reference.dll")
	names := make([]uint16, len(methods))
	for i, m := range methods {
		names[i] = intern(m.Name)
	}
	strings = pad4(strings)

	userStrings := pad4([]byte{0})
	guids := []byte{
		0x6f, 0x2a, 0x13, 0x9c, 0x3d, 0x41, 0x4b, 0x52,
		0x9e, 0x0c, 0x7a, 0x58, 0x21, 0xd4, 0x90, 0x3f,
	}
	// An empty blob followed by a default calling convention, zero
	// parameter, void signature.
	blobs := pad4([]byte{0, 3, 0x00, 0x00, 0x01})
	const signature = 1

	// #~
	tables := make([]byte, 24, 128)
	tables[4] = 2 // major version
	tables[7] = 1 // reserved
	le.PutUint64(tables[8:], 1<<0|1<<6)
	tables = le.AppendUint32(tables, 1)
	tables = le.AppendUint32(tables, uint32(len(methods)))
	tables = le.AppendUint16(tables, 0) // generation
	tables = le.AppendUint16(tables, moduleName)
	tables = le.AppendUint16(tables, 1) // mvid
	tables = le.AppendUint16(tables, 0)
	tables = le.AppendUint16(tables, 0)
	for i, m := range methods {
		tables = le.AppendUint32(tables, m.RVA)
		tables = le.AppendUint16(tables, m.ImplFlags)
		tables = le.AppendUint16(tables, m.Flags)
		tables = le.AppendUint16(tables, names[i])
		tables = le.AppendUint16(tables, signature)
		tables = le.AppendUint16(tables, 1) // param list
	}
	tables = pad4(tables)

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", tables},
		{"#Strings", strings},
		{"#US", userStrings},
		{"#GUID", guids},
		{"#Blob", blobs},
	}

	versionField := pad4(append([]byte(version), 0))
	headerSize := 16 + 4 + len(versionField)
	for _, s := range streams {
		headerSize += 8 + len(pad4(append([]byte(s.name), 0)))
	}

	md := make([]byte, 0, headerSize+256)
	md = le.AppendUint32(md, 0x424a5342)
	md = le.AppendUint16(md, 1)
	md = le.AppendUint16(md, 1)
	md = le.AppendUint32(md, 0)
	md = le.AppendUint32(md, uint32(len(versionField)))
	md = append(md, versionField...)
	md = le.AppendUint16(md, 0)
	md = le.AppendUint16(md, uint16(len(streams)))
	offset := headerSize
	for _, s := range streams {
		md = le.AppendUint32(md, uint32(offset))
		md = le.AppendUint32(md, uint32(len(s.data)))
		md = append(md, pad4(append([]byte(s.name), 0))...)
		offset += len(s.data)
	}
	for _, s := range streams {
		md = append(md, s.data...)
	}
	return md
}

// ---------------------------------------------------------------------------
// Method bodies
// ---------------------------------------------------------------------------

// TinyMethod encodes il with a tiny method header.
func TinyMethod(il []byte) []byte {
	if len(il) >= 64 {
		panic(fmt.Sprintf("pefixture: %d bytes of IL do not fit a tiny header", len(il)))
	}
	return append([]byte{byte(len(il)<<2 | 0x2)}, il...)
}

// Clause is a small-format exception handling clause.
type Clause struct {
	Kind          uint16
	TryOffset     uint16
	TryLength     uint8
	HandlerOffset uint16
	HandlerLength uint8
	Extra         uint32 // class token or filter offset
}

// FatBody describes a fat method body.
type FatBody struct {
	MaxStack       uint16
	IL             []byte
	LocalSignature uint32
	InitLocals     bool
	Clauses        []Clause
}

// FatMethod encodes a fat method header, its IL and, when there are
// clauses, one small EH section.
func FatMethod(b FatBody) []byte {
	le := binary.LittleEndian
	flags := byte(0x3)
	if b.InitLocals {
		flags |= 0x10
	}
	if len(b.Clauses) > 0 {
		flags |= 0x08
	}

	out := []byte{flags, 0x30}
	out = le.AppendUint16(out, b.MaxStack)
	out = le.AppendUint32(out, uint32(len(b.IL)))
	out = le.AppendUint32(out, b.LocalSignature)
	out = append(out, b.IL...)
	if len(b.Clauses) == 0 {
		return out
	}

	out = pad4(out)
	out = append(out, 0x01, byte(4+12*len(b.Clauses)), 0, 0)
	for _, c := range b.Clauses {
		out = le.AppendUint16(out, c.Kind)
		out = le.AppendUint16(out, c.TryOffset)
		out = append(out, c.TryLength)
		out = le.AppendUint16(out, c.HandlerOffset)
		out = append(out, c.HandlerLength)
		out = le.AppendUint32(out, c.Extra)
	}
	return out
}
