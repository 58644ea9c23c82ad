// Package report summarizes an image read through peimage: its headers,
// sections, metadata and method bodies, with content digests that make
// reports from different builds comparable.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/pereader/peimage"
	"github.com/chazu/pereader/peimage/metadata"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("pereader.report")

// Report describes one image.
type Report struct {
	ID        string    `cbor:"1,keyasint" json:"id"`
	Source    string    `cbor:"2,keyasint" json:"source"`
	CreatedAt time.Time `cbor:"3,keyasint" json:"created-at"`

	Machine         uint16 `cbor:"4,keyasint" json:"machine"`
	Characteristics uint16 `cbor:"5,keyasint" json:"characteristics"`
	PE32Plus        bool   `cbor:"6,keyasint" json:"pe32-plus"`
	LoadedImage     bool   `cbor:"7,keyasint" json:"loaded-image"`
	ImageBase       uint64 `cbor:"8,keyasint" json:"image-base"`
	EntryPoint      uint32 `cbor:"9,keyasint" json:"entry-point"`
	SizeOfImage     uint32 `cbor:"10,keyasint" json:"size-of-image"`

	Sections []Section `cbor:"11,keyasint" json:"sections"`
	Metadata *Metadata `cbor:"12,keyasint,omitempty" json:"metadata,omitempty"`
	Methods  []Method  `cbor:"13,keyasint,omitempty" json:"methods,omitempty"`

	// Partial is set when section data and method bodies were unavailable,
	// as with a reader that prefetched only metadata.
	Partial bool `cbor:"14,keyasint,omitempty" json:"partial,omitempty"`
}

// Section describes one section table entry.
type Section struct {
	Index           int    `cbor:"1,keyasint" json:"index"`
	Name            string `cbor:"2,keyasint" json:"name"`
	VirtualAddress  uint32 `cbor:"3,keyasint" json:"virtual-address"`
	VirtualSize     uint32 `cbor:"4,keyasint" json:"virtual-size"`
	RawPointer      uint32 `cbor:"5,keyasint" json:"raw-pointer"`
	RawSize         uint32 `cbor:"6,keyasint" json:"raw-size"`
	Characteristics uint32 `cbor:"7,keyasint" json:"characteristics"`
	DataSize        int    `cbor:"8,keyasint" json:"data-size"`
	Digest          string `cbor:"9,keyasint,omitempty" json:"digest,omitempty"`
}

// Metadata summarizes the CLI header and metadata root.
type Metadata struct {
	RuntimeVersion  string `cbor:"1,keyasint" json:"runtime-version"`
	Version         string `cbor:"2,keyasint" json:"version"`
	Size            int64  `cbor:"3,keyasint" json:"size"`
	Flags           uint32 `cbor:"4,keyasint" json:"flags"`
	EntryPointToken uint32 `cbor:"5,keyasint" json:"entry-point-token"`
	Methods         int    `cbor:"6,keyasint" json:"methods"`
	Digest          string `cbor:"7,keyasint,omitempty" json:"digest,omitempty"`
}

// Method describes one MethodDef row and, when it has one, its body.
type Method struct {
	Token     uint32 `cbor:"1,keyasint" json:"token"`
	Name      string `cbor:"2,keyasint" json:"name"`
	RVA       uint32 `cbor:"3,keyasint" json:"rva"`
	Flags     uint16 `cbor:"4,keyasint" json:"flags"`
	ImplFlags uint16 `cbor:"5,keyasint" json:"impl-flags"`

	HasBody          bool   `cbor:"6,keyasint" json:"has-body"`
	MaxStack         int    `cbor:"7,keyasint,omitempty" json:"max-stack,omitempty"`
	CodeSize         int    `cbor:"8,keyasint,omitempty" json:"code-size,omitempty"`
	BodySize         int    `cbor:"9,keyasint,omitempty" json:"body-size,omitempty"`
	LocalSignature   uint32 `cbor:"10,keyasint,omitempty" json:"local-signature,omitempty"`
	InitLocals       bool   `cbor:"11,keyasint,omitempty" json:"init-locals,omitempty"`
	ExceptionRegions int    `cbor:"12,keyasint,omitempty" json:"exception-regions,omitempty"`
	Digest           string `cbor:"13,keyasint,omitempty" json:"digest,omitempty"`

	// Error records why a body that should exist could not be decoded.
	Error string `cbor:"14,keyasint,omitempty" json:"error,omitempty"`
}

// BuildOptions controls what Build collects.
type BuildOptions struct {
	// Source names the image, usually its path.
	Source string
	// Digests enables SHA-256 digests of sections, metadata and IL.
	Digests bool
	// Now overrides the creation time; zero means time.Now.
	Now time.Time
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Build reads everything the reader can serve into a Report. A reader that
// prefetched only metadata yields a partial report without section digests
// or method bodies.
func Build(r *peimage.ImageReader, opts BuildOptions) (*Report, error) {
	if r == nil {
		return nil, fmt.Errorf("report: %w", peimage.ErrNilArgument)
	}
	h, err := r.Headers()
	if err != nil {
		return nil, fmt.Errorf("report: headers: %w", err)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	rep := &Report{
		ID:              uuid.New().String(),
		Source:          opts.Source,
		CreatedAt:       now.UTC().Truncate(time.Second),
		Machine:         h.Coff.Machine,
		Characteristics: h.Coff.Characteristics,
		PE32Plus:        h.Optional.Is64(),
		LoadedImage:     r.IsLoadedImage(),
		ImageBase:       h.Optional.ImageBase,
		EntryPoint:      h.Optional.AddressOfEntryPoint,
		SizeOfImage:     h.Optional.SizeOfImage,
	}

	if err := rep.collectSections(r, h, opts.Digests); err != nil {
		return nil, err
	}
	if h.HasMetadata() {
		if err := rep.collectMetadata(r, h, opts.Digests); err != nil {
			return nil, err
		}
	}
	log.Debugf("built report %s: %d sections, %d methods, partial %t",
		rep.ID, len(rep.Sections), len(rep.Methods), rep.Partial)
	return rep, nil
}

func (rep *Report) collectSections(r *peimage.ImageReader, h *peimage.Headers, digests bool) error {
	dir := h.Sections()
	for i, sh := range dir.All() {
		s := Section{
			Index:           i + 1,
			Name:            sh.Name(),
			VirtualAddress:  sh.VirtualAddress,
			VirtualSize:     sh.VirtualSize,
			RawPointer:      sh.PointerToRawData,
			RawSize:         sh.SizeOfRawData,
			Characteristics: sh.Characteristics,
		}
		if !rep.Partial {
			data, err := r.SectionDataByIndex(i + 1)
			switch {
			case errors.Is(err, peimage.ErrInvalidOperation):
				rep.Partial = true
			case err != nil:
				return fmt.Errorf("report: section %d: %w", i+1, err)
			default:
				s.DataSize = len(data)
				if digests && data != nil {
					s.Digest = Digest(data)
				}
			}
		}
		rep.Sections = append(rep.Sections, s)
	}
	return nil
}

func (rep *Report) collectMetadata(r *peimage.ImageReader, h *peimage.Headers, digests bool) error {
	block, err := r.MetadataBlock()
	if err != nil {
		return fmt.Errorf("report: metadata: %w", err)
	}
	acc, err := r.MetadataReader()
	if err != nil {
		return fmt.Errorf("report: metadata: %w", err)
	}
	md := &Metadata{
		RuntimeVersion:  fmt.Sprintf("%d.%d", h.Cor.MajorRuntimeVersion, h.Cor.MinorRuntimeVersion),
		Version:         acc.Version(),
		Size:            int64(len(block)),
		Flags:           h.Cor.Flags,
		EntryPointToken: h.Cor.EntryPointTokenOrRVA,
		Methods:         acc.MethodDefinitionCount(),
	}
	if digests {
		md.Digest = Digest(block)
	}
	rep.Metadata = md

	for row := 1; row <= md.Methods; row++ {
		def, err := acc.MethodDefinition(metadata.Token(metadata.TableMethodDef, row))
		if err != nil {
			return fmt.Errorf("report: method row %d: %w", row, err)
		}
		rep.Methods = append(rep.Methods, rep.describeMethod(r, def, digests))
	}
	return nil
}

func (rep *Report) describeMethod(r *peimage.ImageReader, def metadata.MethodDefinition, digests bool) Method {
	m := Method{
		Token:     def.Token,
		Name:      def.Name,
		RVA:       def.RVA,
		Flags:     def.Flags,
		ImplFlags: def.ImplFlags,
		HasBody:   def.RVA != 0,
	}
	if !m.HasBody || rep.Partial {
		return m
	}
	body, err := r.MethodBody(int(def.RVA))
	if err != nil {
		if errors.Is(err, peimage.ErrInvalidOperation) {
			rep.Partial = true
			return m
		}
		log.Warningf("method %s (0x%08x): %s", def.Name, def.Token, err)
		m.Error = err.Error()
		return m
	}
	m.MaxStack = body.MaxStack
	m.CodeSize = len(body.IL)
	m.BodySize = body.Size
	m.LocalSignature = body.LocalSignature
	m.InitLocals = body.LocalVariablesInitialized
	m.ExceptionRegions = len(body.ExceptionRegions)
	if digests {
		m.Digest = Digest(body.IL)
	}
	return m
}

// Method returns the method with the given token, or nil.
func (rep *Report) Method(token uint32) *Method {
	for i := range rep.Methods {
		if rep.Methods[i].Token == token {
			return &rep.Methods[i]
		}
	}
	return nil
}
