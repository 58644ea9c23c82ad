package peimage

import "encoding/binary"

// byteReader walks a little-endian byte slice. It never reads past the end
// of data; every short read reports errShortRead.
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

// readBytes returns a view of the next n bytes, not a copy.
func (br *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || br.remaining() < n {
		return nil, errShortRead
	}
	v := br.data[br.offset : br.offset+n : br.offset+n]
	br.offset += n
	return v, nil
}

func (br *byteReader) skip(n int) error {
	if n < 0 || br.remaining() < n {
		return errShortRead
	}
	br.offset += n
	return nil
}

// align advances to the next multiple of n relative to the start of data.
func (br *byteReader) align(n int) error {
	pad := (n - br.offset%n) % n
	return br.skip(pad)
}
