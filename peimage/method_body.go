package peimage

// ---------------------------------------------------------------------------
// Method body decoding
// ---------------------------------------------------------------------------

// IL method header encodings
const (
	ilFormatMask       = 0x03
	ilTinyFormat       = 0x02
	ilFatFormat        = 0x03
	ilTinySizeShift    = 2
	ilMoreSects        = 0x08
	ilInitLocals       = 0x10
	ilFatHeaderDwords  = 3
	ilTinyMaxStack     = 8
	sectEHTable        = 0x01
	sectFatFormat      = 0x40
	smallClauseSize    = 12
	fatClauseSize      = 24
	standAloneSigTable = 0x11
)

// ExceptionRegionKind identifies an exception handling clause type.
type ExceptionRegionKind uint16

const (
	RegionCatch   ExceptionRegionKind = 0
	RegionFilter  ExceptionRegionKind = 1
	RegionFinally ExceptionRegionKind = 2
	RegionFault   ExceptionRegionKind = 4
)

func (k ExceptionRegionKind) String() string {
	switch k {
	case RegionCatch:
		return "catch"
	case RegionFilter:
		return "filter"
	case RegionFinally:
		return "finally"
	case RegionFault:
		return "fault"
	default:
		return "unknown"
	}
}

// ExceptionRegion is one exception handling clause of a method body.
type ExceptionRegion struct {
	Kind          ExceptionRegionKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32

	// CatchType is the class token of a catch clause; FilterOffset is the
	// IL offset of a filter clause's filter block. They share storage in
	// the encoded clause, so at most one is meaningful.
	CatchType    uint32
	FilterOffset uint32
}

// MethodBody is a decoded IL method body. IL is a view into the reader's
// image bytes and stays valid for as long as those bytes do.
type MethodBody struct {
	IL                        []byte
	MaxStack                  int
	LocalSignature            uint32 // StandAloneSig token, 0 when the method has no locals
	LocalVariablesInitialized bool
	ExceptionRegions          []ExceptionRegion

	// Size is the encoded length of the body: header, IL and EH sections.
	Size int
}

// parseMethodBody decodes the method body that starts at data[0].
func parseMethodBody(data []byte) (*MethodBody, error) {
	br := &byteReader{data: data}
	head, err := br.readUint8()
	if err != nil {
		return nil, malformed("empty method body")
	}

	switch head & ilFormatMask {
	case ilTinyFormat:
		size := int(head >> ilTinySizeShift)
		il, err := br.readBytes(size)
		if err != nil {
			return nil, malformed("tiny method body of %d bytes truncated", size)
		}
		return &MethodBody{
			IL:       il,
			MaxStack: ilTinyMaxStack,
			Size:     br.offset,
		}, nil
	case ilFatFormat:
		return parseFatMethodBody(br, head)
	default:
		return nil, malformed("invalid method header byte 0x%02x", head)
	}
}

func parseFatMethodBody(br *byteReader, head byte) (*MethodBody, error) {
	head2, err := br.readUint8()
	if err != nil {
		return nil, malformed("fat method header truncated")
	}
	if head2>>4 != ilFatHeaderDwords {
		return nil, malformed("fat method header size %d, want %d", head2>>4, ilFatHeaderDwords)
	}

	maxStack, _ := br.readUint16()
	codeSize, _ := br.readUint32()
	localSig, err := br.readUint32()
	if err != nil {
		return nil, malformed("fat method header truncated")
	}
	if localSig != 0 && localSig>>24 != standAloneSigTable {
		return nil, malformed("invalid local signature token 0x%08x", localSig)
	}
	if int64(codeSize) > int64(br.remaining()) {
		return nil, malformed("method IL of %d bytes overruns the section", codeSize)
	}
	il, _ := br.readBytes(int(codeSize))

	body := &MethodBody{
		IL:                        il,
		MaxStack:                  int(maxStack),
		LocalSignature:            localSig,
		LocalVariablesInitialized: head&ilInitLocals != 0,
	}

	if head&ilMoreSects != 0 {
		regions, err := parseExceptionSection(br)
		if err != nil {
			return nil, err
		}
		body.ExceptionRegions = regions
	}
	body.Size = br.offset
	return body, nil
}

// parseExceptionSection reads the single EH data section that follows the
// IL, aligned to four bytes.
func parseExceptionSection(br *byteReader) ([]ExceptionRegion, error) {
	if err := br.align(4); err != nil {
		return nil, malformed("exception section truncated")
	}
	kind, err := br.readUint8()
	if err != nil {
		return nil, malformed("exception section truncated")
	}
	if kind&sectEHTable == 0 {
		return nil, malformed("method data section kind 0x%02x is not an EH table", kind)
	}

	sizeLow, err := br.readUint8()
	if err != nil {
		return nil, malformed("exception section truncated")
	}
	dataSize := int(sizeLow)

	if kind&sectFatFormat != 0 {
		sizeHigh, err := br.readUint16()
		if err != nil {
			return nil, malformed("exception section truncated")
		}
		dataSize += int(sizeHigh) << 8
		return readClauses(br, dataSize/fatClauseSize, true)
	}

	if err := br.skip(2); err != nil {
		return nil, malformed("exception section truncated")
	}
	return readClauses(br, dataSize/smallClauseSize, false)
}

func readClauses(br *byteReader, count int, fat bool) ([]ExceptionRegion, error) {
	clauseSize := smallClauseSize
	if fat {
		clauseSize = fatClauseSize
	}
	if count*clauseSize > br.remaining() {
		return nil, malformed("%d exception clauses overrun the section", count)
	}

	regions := make([]ExceptionRegion, count)
	for i := range regions {
		r := &regions[i]
		var kind uint32
		if fat {
			kind, _ = br.readUint32()
			r.TryOffset, _ = br.readUint32()
			r.TryLength, _ = br.readUint32()
			r.HandlerOffset, _ = br.readUint32()
			r.HandlerLength, _ = br.readUint32()
		} else {
			k, _ := br.readUint16()
			kind = uint32(k)
			tryOffset, _ := br.readUint16()
			tryLength, _ := br.readUint8()
			handlerOffset, _ := br.readUint16()
			handlerLength, _ := br.readUint8()
			r.TryOffset = uint32(tryOffset)
			r.TryLength = uint32(tryLength)
			r.HandlerOffset = uint32(handlerOffset)
			r.HandlerLength = uint32(handlerLength)
		}
		if kind > uint32(RegionFault) {
			return nil, malformed("unknown exception clause kind %d", kind)
		}
		r.Kind = ExceptionRegionKind(kind)

		extra, _ := br.readUint32()
		switch r.Kind {
		case RegionCatch:
			r.CatchType = extra
		case RegionFilter:
			r.FilterOffset = extra
		case RegionFinally, RegionFault:
		default:
			return nil, malformed("unknown exception clause kind %d", kind)
		}
	}
	return regions, nil
}
