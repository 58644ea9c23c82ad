// Package metadata decodes the CLI metadata blob embedded in a PE image far
// enough to answer method definition queries: the metadata root, its stream
// headers, the table stream header, and rows of the MethodDef table.
package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Signature is the magic number at the start of a metadata root ("BSJB").
const Signature uint32 = 0x424a5342

const (
	maxStreamNameSize = 32
	tableCount        = 64
	heapLargeStrings  = 0x01
	heapLargeGUID     = 0x02
	heapLargeBlob     = 0x04
	heapExtraData     = 0x20
)

var (
	ErrMalformedMetadata = errors.New("malformed metadata")
	ErrInvalidToken      = errors.New("invalid metadata token")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMetadata, fmt.Sprintf(format, args...))
}

// TableID identifies a metadata table. It is the high byte of a token.
type TableID uint8

const (
	TableModule        TableID = 0x00
	TableTypeRef       TableID = 0x01
	TableTypeDef       TableID = 0x02
	TableFieldPtr      TableID = 0x03
	TableField         TableID = 0x04
	TableMethodPtr     TableID = 0x05
	TableMethodDef     TableID = 0x06
	TableParam         TableID = 0x08
	TableStandAloneSig TableID = 0x11
	TableModuleRef     TableID = 0x1a
	TableTypeSpec      TableID = 0x1b
	TableAssemblyRef   TableID = 0x23
)

// Token builds a metadata token from a table and a 1-based row number.
func Token(table TableID, row int) uint32 {
	return uint32(table)<<24 | uint32(row)&0xffffff
}

// StreamHeader names one stream of the metadata root.
type StreamHeader struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Root is the decoded metadata root header.
type Root struct {
	MajorVersion uint16
	MinorVersion uint16
	Version      string
	Flags        uint16
	Streams      []StreamHeader
}

// MethodDefinition is one row of the MethodDef table.
type MethodDefinition struct {
	Token     uint32
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
	Name      string
	Signature uint32 // #Blob heap index
}

// Reader serves queries against a decoded metadata blob. It keeps views
// into the blob it was decoded from.
type Reader struct {
	root Root

	strings     []byte
	userStrings []byte
	guids       []byte
	blobs       []byte
	tables      []byte

	heapSizes byte
	rowCounts [tableCount]uint32

	methodDefOffset  int
	methodDefRowSize int
}

// Decode validates the metadata root in data and prepares a Reader.
func Decode(data []byte) (*Reader, error) {
	r := &Reader{}
	if err := r.readRoot(data); err != nil {
		return nil, err
	}
	if r.tables != nil {
		if err := r.readTableHeader(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Reader) readRoot(data []byte) error {
	br := &byteReader{data: data}
	sig, err := br.readUint32()
	if err != nil {
		return malformed("metadata root truncated")
	}
	if sig != Signature {
		return malformed("bad metadata signature 0x%08x", sig)
	}

	r.root.MajorVersion, _ = br.readUint16()
	r.root.MinorVersion, _ = br.readUint16()
	_ = br.skip(4) // reserved
	length, err := br.readUint32()
	if err != nil {
		return malformed("metadata root truncated")
	}
	version, err := br.readBytes(int(length))
	if err != nil || length > 255 {
		return malformed("version string of %d bytes overruns the root", length)
	}
	if i := bytes.IndexByte(version, 0); i >= 0 {
		version = version[:i]
	}
	r.root.Version = string(version)

	r.root.Flags, _ = br.readUint16()
	count, err := br.readUint16()
	if err != nil {
		return malformed("metadata root truncated")
	}

	r.root.Streams = make([]StreamHeader, 0, count)
	for i := 0; i < int(count); i++ {
		offset, _ := br.readUint32()
		size, err := br.readUint32()
		if err != nil {
			return malformed("stream header %d truncated", i)
		}
		name, err := br.readStreamName()
		if err != nil {
			return malformed("stream header %d: %v", i, err)
		}
		if uint64(offset)+uint64(size) > uint64(len(data)) {
			return malformed("stream %q [%d, +%d) overruns the metadata blob", name, offset, size)
		}
		r.root.Streams = append(r.root.Streams, StreamHeader{Name: name, Offset: offset, Size: size})
		r.assignStream(name, data[offset:offset+size])
	}
	return nil
}

// assignStream records the first stream of each known name.
func (r *Reader) assignStream(name string, data []byte) {
	slot := map[string]*[]byte{
		"#~":       &r.tables,
		"#-":       &r.tables,
		"#Strings": &r.strings,
		"#US":      &r.userStrings,
		"#GUID":    &r.guids,
		"#Blob":    &r.blobs,
	}[name]
	if slot != nil && *slot == nil {
		*slot = data
	}
}

func (r *Reader) readTableHeader() error {
	br := &byteReader{data: r.tables}
	if err := br.skip(6); err != nil { // reserved, major, minor
		return malformed("table stream header truncated")
	}
	r.heapSizes, _ = br.readUint8()
	_ = br.skip(1)
	valid, _ := br.readUint64()
	if _, err := br.readUint64(); err != nil { // sorted
		return malformed("table stream header truncated")
	}

	for t := 0; t < tableCount; t++ {
		if valid&(1<<t) == 0 {
			continue
		}
		rows, err := br.readUint32()
		if err != nil {
			return malformed("row count of table 0x%02x truncated", t)
		}
		r.rowCounts[t] = rows
	}
	if r.heapSizes&heapExtraData != 0 {
		if err := br.skip(4); err != nil {
			return malformed("table stream header truncated")
		}
	}

	offset := br.offset
	for t := TableModule; t < TableMethodDef; t++ {
		offset += int(r.rowCounts[t]) * r.rowSize(t)
	}
	r.methodDefOffset = offset
	r.methodDefRowSize = r.rowSize(TableMethodDef)

	end := int64(offset) + int64(r.rowCounts[TableMethodDef])*int64(r.methodDefRowSize)
	if end > int64(len(r.tables)) {
		return malformed("MethodDef table overruns the table stream")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row layout
// ---------------------------------------------------------------------------

func (r *Reader) heapIndexSize(flag byte) int {
	if r.heapSizes&flag != 0 {
		return 4
	}
	return 2
}

func (r *Reader) tableIndexSize(t TableID) int {
	if r.rowCounts[t] < 1<<16 {
		return 2
	}
	return 4
}

func (r *Reader) codedIndexSize(tagBits uint, tables ...TableID) int {
	var largest uint32
	for _, t := range tables {
		largest = max(largest, r.rowCounts[t])
	}
	if largest < 1<<(16-tagBits) {
		return 2
	}
	return 4
}

// rowSize returns the encoded size of a row for tables up to MethodDef,
// the only ones that precede it in the table stream and so affect where it
// starts.
func (r *Reader) rowSize(t TableID) int {
	str := r.heapIndexSize(heapLargeStrings)
	guid := r.heapIndexSize(heapLargeGUID)
	blob := r.heapIndexSize(heapLargeBlob)

	switch t {
	case TableModule:
		return 2 + str + 3*guid
	case TableTypeRef:
		return r.codedIndexSize(2, TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef) + 2*str
	case TableTypeDef:
		return 4 + 2*str +
			r.codedIndexSize(2, TableTypeDef, TableTypeRef, TableTypeSpec) +
			r.tableIndexSize(TableField) + r.tableIndexSize(TableMethodDef)
	case TableFieldPtr:
		return r.tableIndexSize(TableField)
	case TableField:
		return 2 + str + blob
	case TableMethodPtr:
		return r.tableIndexSize(TableMethodDef)
	case TableMethodDef:
		return 4 + 2 + 2 + str + blob + r.tableIndexSize(TableParam)
	}
	panic(fmt.Sprintf("metadata: no row layout for table 0x%02x", uint8(t)))
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Root returns the decoded metadata root.
func (r *Reader) Root() Root {
	return r.root
}

// Version returns the runtime version string from the metadata root.
func (r *Reader) Version() string {
	return r.root.Version
}

// RowCount returns the number of rows in table t.
func (r *Reader) RowCount(t TableID) int {
	return int(r.rowCounts[t])
}

// MethodDefinitionCount returns the number of MethodDef rows.
func (r *Reader) MethodDefinitionCount() int {
	return r.RowCount(TableMethodDef)
}

// MethodDefinition returns the MethodDef row named by token.
func (r *Reader) MethodDefinition(token uint32) (MethodDefinition, error) {
	if TableID(token>>24) != TableMethodDef {
		return MethodDefinition{}, fmt.Errorf("%w: 0x%08x is not a MethodDef token", ErrInvalidToken, token)
	}
	row := int(token & 0xffffff)
	if row == 0 || row > r.MethodDefinitionCount() {
		return MethodDefinition{}, fmt.Errorf("%w: MethodDef row %d of %d", ErrInvalidToken, row, r.MethodDefinitionCount())
	}

	br := &byteReader{data: r.tables, offset: r.methodDefOffset + (row-1)*r.methodDefRowSize}
	def := MethodDefinition{Token: token}
	def.RVA, _ = br.readUint32()
	def.ImplFlags, _ = br.readUint16()
	def.Flags, _ = br.readUint16()
	nameIdx := br.readIndex(r.heapIndexSize(heapLargeStrings))
	def.Signature = br.readIndex(r.heapIndexSize(heapLargeBlob))

	name, err := r.String(nameIdx)
	if err != nil {
		return MethodDefinition{}, err
	}
	def.Name = name
	return def, nil
}

// MethodDefinitions returns every MethodDef row in table order.
func (r *Reader) MethodDefinitions() ([]MethodDefinition, error) {
	defs := make([]MethodDefinition, 0, r.MethodDefinitionCount())
	for row := 1; row <= r.MethodDefinitionCount(); row++ {
		def, err := r.MethodDefinition(Token(TableMethodDef, row))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// String returns the NUL-terminated string at index in the #Strings heap.
func (r *Reader) String(index uint32) (string, error) {
	if int64(index) >= int64(len(r.strings)) {
		if index == 0 {
			return "", nil
		}
		return "", malformed("string index %d outside #Strings heap of %d bytes", index, len(r.strings))
	}
	s := r.strings[index:]
	end := bytes.IndexByte(s, 0)
	if end < 0 {
		return "", malformed("unterminated string at index %d", index)
	}
	return string(s[:end]), nil
}

// ---------------------------------------------------------------------------
// byteReader
// ---------------------------------------------------------------------------

type byteReader struct {
	data   []byte
	offset int
}

var errShortRead = malformed("unexpected end of data")

func (br *byteReader) remaining() int {
	return len(br.data) - br.offset
}

func (br *byteReader) readUint8() (uint8, error) {
	if br.remaining() < 1 {
		return 0, errShortRead
	}
	v := br.data[br.offset]
	br.offset++
	return v, nil
}

func (br *byteReader) readUint16() (uint16, error) {
	if br.remaining() < 2 {
		return 0, errShortRead
	}
	v := binary.LittleEndian.Uint16(br.data[br.offset:])
	br.offset += 2
	return v, nil
}

func (br *byteReader) readUint32() (uint32, error) {
	if br.remaining() < 4 {
		return 0, errShortRead
	}
	v := binary.LittleEndian.Uint32(br.data[br.offset:])
	br.offset += 4
	return v, nil
}

func (br *byteReader) readUint64() (uint64, error) {
	if br.remaining() < 8 {
		return 0, errShortRead
	}
	v := binary.LittleEndian.Uint64(br.data[br.offset:])
	br.offset += 8
	return v, nil
}

func (br *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || br.remaining() < n {
		return nil, errShortRead
	}
	v := br.data[br.offset : br.offset+n]
	br.offset += n
	return v, nil
}

func (br *byteReader) skip(n int) error {
	_, err := br.readBytes(n)
	return err
}

// readIndex reads a 2- or 4-byte heap or table index. Row bounds were
// validated when the table header was read.
func (br *byteReader) readIndex(size int) uint32 {
	if size == 4 {
		v, _ := br.readUint32()
		return v
	}
	v, _ := br.readUint16()
	return uint32(v)
}

// readStreamName reads a NUL-terminated stream name padded to four bytes.
func (br *byteReader) readStreamName() (string, error) {
	window := br.data[br.offset:]
	if len(window) > maxStreamNameSize {
		window = window[:maxStreamNameSize]
	}
	n := bytes.IndexByte(window, 0)
	if n < 0 {
		return "", fmt.Errorf("stream name is not terminated within %d bytes", maxStreamNameSize)
	}
	name := string(window[:n])
	padded := (n + 1 + 3) &^ 3
	if err := br.skip(padded); err != nil {
		return "", fmt.Errorf("stream name padding truncated")
	}
	return name, nil
}
