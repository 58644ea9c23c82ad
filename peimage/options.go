package peimage

import (
	"fmt"
	"strings"
)

// Options controls how an ImageReader loads its source. The zero value
// parses headers lazily and reads section data on demand.
type Options uint32

const (
	// LeaveOpen keeps the caller's stream open when the reader is closed.
	LeaveOpen Options = 1 << iota
	// PrefetchMetadata parses headers and copies the metadata blob at
	// construction, then releases the stream.
	PrefetchMetadata
	// PrefetchEntireImage copies the whole image at construction, then
	// releases the stream.
	PrefetchEntireImage
	// IsLoadedImage marks the source as an image already mapped by a loader:
	// section data lives at its virtual address rather than its file offset.
	IsLoadedImage
)

const allOptions = LeaveOpen | PrefetchMetadata | PrefetchEntireImage | IsLoadedImage

// Has reports whether every bit of flag is set.
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

func (o Options) validate() error {
	if o&^allOptions != 0 {
		return fmt.Errorf("%w: options 0x%x", ErrArgumentOutOfRange, uint32(o))
	}
	return nil
}

func (o Options) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	names := []struct {
		flag Options
		name string
	}{
		{LeaveOpen, "leave-open"},
		{PrefetchMetadata, "prefetch-metadata"},
		{PrefetchEntireImage, "prefetch-entire-image"},
		{IsLoadedImage, "loaded-image"},
	}
	for _, n := range names {
		if o.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	if rest := o &^ allOptions; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
