package pefixture

import "encoding/binary"

// Layout of the reference image.
const (
	ReferenceSize = 4608

	CLIHeaderRVA  = 0x2008
	TinyMethodRVA = 0x2050
	FatMethodRVA  = 0x2060
	MetadataRVA   = 0x2100

	TextRVA        = 0x2000
	TextFileOffset = 0x200
	TextSize       = 0x9f8 // virtual size; the raw data is 0xa00 bytes
	RsrcRVA        = 0x4000
	RsrcRawSize    = 0x400
	RsrcVirtSize   = 0x600
	RelocRVA       = 0x6000
	RelocSize      = 0xc

	MetadataVersion = "v4.0.30319"

	MainToken    uint32 = 0x06000001
	GuardedToken uint32 = 0x06000002
	ExternToken  uint32 = 0x06000003
)

// TinyMethodIL is the body of Main: nop, ret.
var TinyMethodIL = []byte{0x00, 0x2a}

// FatMethodIL is the body of Guarded: a try block of two nops and a
// finally handler, then ret.
var FatMethodIL = []byte{0x00, 0x00, 0x17, 0x26, 0xdc, 0x2a}

// ReferenceMethods are the MethodDef rows of the reference image.
var ReferenceMethods = []Method{
	{Name: "Main", RVA: TinyMethodRVA, Flags: 0x0096},
	{Name: "Guarded", RVA: FatMethodRVA, Flags: 0x0086},
	{Name: "Extern", RVA: 0, ImplFlags: 0x0080, Flags: 0x2096},
}

// Reference describes a 4608-byte PE32 library with three sections and CLI
// metadata: .text holds the import address table, CLI header, two method
// bodies and the metadata; .rsrc has a 0x200 byte zero-fill tail past its
// raw data; .reloc holds one base relocation block.
func Reference() *Image {
	md := Metadata(MetadataVersion, ReferenceMethods)

	text := make([]byte, 0xa00)
	binary.LittleEndian.PutUint32(text[0:], 0x2200) // IAT entry
	copy(text[CLIHeaderRVA-TextRVA:], CorHeader(Directory{MetadataRVA, uint32(len(md))}, MainToken))
	copy(text[TinyMethodRVA-TextRVA:], TinyMethod(TinyMethodIL))
	copy(text[FatMethodRVA-TextRVA:], FatMethod(FatBody{
		MaxStack:       2,
		IL:             FatMethodIL,
		LocalSignature: 0x11000001,
		InitLocals:     true,
		Clauses: []Clause{
			{Kind: 2, TryOffset: 0, TryLength: 2, HandlerOffset: 2, HandlerLength: 3},
		},
	}))
	copy(text[MetadataRVA-TextRVA:], md)
	// Bytes past the virtual size are file alignment padding.
	for i := TextSize; i < len(text); i++ {
		text[i] = 0xcc
	}

	rsrc := make([]byte, RsrcRawSize)
	for i := range rsrc {
		rsrc[i] = byte(i%251) + 1
	}

	reloc := make([]byte, RelocSize)
	binary.LittleEndian.PutUint32(reloc[0:], TextRVA)
	binary.LittleEndian.PutUint32(reloc[4:], RelocSize)
	binary.LittleEndian.PutUint16(reloc[8:], 3<<12)

	return &Image{
		Machine:          0x14c,
		Characteristics:  0x2102,
		ImageBase:        0x10000000,
		SectionAlignment: 0x2000,
		FileAlignment:    0x200,
		SizeOfHeaders:    0x200,
		Directories: map[int]Directory{
			5:  {RelocRVA, RelocSize},
			12: {TextRVA, 8},
			14: {CLIHeaderRVA, 72},
		},
		Sections: []Section{
			{
				Name:             ".text",
				VirtualAddress:   TextRVA,
				VirtualSize:      TextSize,
				PointerToRawData: TextFileOffset,
				SizeOfRawData:    0xa00,
				Characteristics:  SectionCode | SectionExecute | SectionRead,
				Data:             text,
			},
			{
				Name:             ".rsrc",
				VirtualAddress:   RsrcRVA,
				VirtualSize:      RsrcVirtSize,
				PointerToRawData: 0xc00,
				SizeOfRawData:    RsrcRawSize,
				Characteristics:  SectionInitialized | SectionRead,
				Data:             rsrc,
			},
			{
				Name:             ".reloc",
				VirtualAddress:   RelocRVA,
				VirtualSize:      RelocSize,
				PointerToRawData: 0x1000,
				SizeOfRawData:    0x200,
				Characteristics:  SectionInitialized | SectionDiscardable | SectionRead,
				Data:             reloc,
			},
		},
		FileSize: ReferenceSize,
	}
}
