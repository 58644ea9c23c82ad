package peimage

// ---------------------------------------------------------------------------
// SectionDirectory: RVA lookups over the section table
// ---------------------------------------------------------------------------

// SectionDirectory answers address queries against a section table. It is
// built once from the parsed headers and never changes afterwards, so it is
// safe for concurrent use.
//
// Sections keep their table order. Overlapping sections resolve to the first
// match in that order.
type SectionDirectory struct {
	sections      []SectionHeader
	isLoadedImage bool
}

func newSectionDirectory(sections []SectionHeader, isLoadedImage bool) *SectionDirectory {
	return &SectionDirectory{sections: sections, isLoadedImage: isLoadedImage}
}

// Len returns the number of sections.
func (d *SectionDirectory) Len() int {
	return len(d.sections)
}

// Section returns the header at the zero-based table position i.
func (d *SectionDirectory) Section(i int) SectionHeader {
	return d.sections[i]
}

// All returns a copy of the section table.
func (d *SectionDirectory) All() []SectionHeader {
	out := make([]SectionHeader, len(d.sections))
	copy(out, d.sections)
	return out
}

// ContainingSectionIndex returns the table position of the first section
// whose [VirtualAddress, VirtualAddress+max(VirtualSize, SizeOfRawData))
// interval contains rva, or -1.
func (d *SectionDirectory) ContainingSectionIndex(rva int64) int {
	for i := range d.sections {
		s := &d.sections[i]
		start := int64(s.VirtualAddress)
		end := start + int64(max(s.VirtualSize, s.SizeOfRawData))
		if start <= rva && rva < end {
			return i
		}
	}
	return -1
}

// ContainingSection returns the first section containing rva.
func (d *SectionDirectory) ContainingSection(rva int64) (SectionHeader, bool) {
	i := d.ContainingSectionIndex(rva)
	if i < 0 {
		return SectionHeader{}, false
	}
	return d.sections[i], true
}

// IndexOfName returns the table position of the first section whose stored
// name equals name, or -1. Names longer than eight bytes never match.
func (d *SectionDirectory) IndexOfName(name string) int {
	if len(name) > sectionNameSize {
		return -1
	}
	for i := range d.sections {
		if d.sections[i].Name() == name {
			return i
		}
	}
	return -1
}

// RVAToOffset maps rva to an offset in the image. For a flat (file layout)
// image this is PointerToRawData plus the distance into the section, and it
// fails for an RVA in the zero-fill tail past the section's raw data. For a
// loaded image the RVA is already the offset.
func (d *SectionDirectory) RVAToOffset(rva int64) (int64, bool) {
	i := d.ContainingSectionIndex(rva)
	if i < 0 {
		return 0, false
	}
	if d.isLoadedImage {
		return rva, true
	}
	offset, size := d.extent(i)
	rel := rva - int64(d.sections[i].VirtualAddress)
	if rel >= size {
		return 0, false
	}
	return offset + rel, true
}

// extent returns where section i's bytes live in the image and how many of
// them are materialized. In a flat image that is the raw data trimmed to the
// virtual size (the remainder is file alignment padding); in a loaded image
// it is the whole virtual extent.
func (d *SectionDirectory) extent(i int) (offset, size int64) {
	s := &d.sections[i]
	if d.isLoadedImage {
		size = int64(s.VirtualSize)
		if size == 0 {
			size = int64(s.SizeOfRawData)
		}
		return int64(s.VirtualAddress), size
	}
	size = int64(s.SizeOfRawData)
	if s.VirtualSize != 0 && int64(s.VirtualSize) < size {
		size = int64(s.VirtualSize)
	}
	return int64(s.PointerToRawData), size
}

// directoryOffset resolves a data directory to an image offset. The whole
// directory must fit within its section: the virtual extent of a loaded
// image, or the materialized raw data of a flat one.
func (d *SectionDirectory) directoryOffset(dir DataDirectory) (int64, error) {
	rva := int64(dir.VirtualAddress)
	i := d.ContainingSectionIndex(rva)
	if i < 0 {
		return 0, malformed("directory at RVA 0x%x is outside every section", dir.VirtualAddress)
	}
	s := &d.sections[i]
	rel := rva - int64(s.VirtualAddress)
	offset, limit := int64(s.VirtualAddress), int64(max(s.VirtualSize, s.SizeOfRawData))
	if !d.isLoadedImage {
		offset, limit = d.extent(i)
	}
	if rel >= limit || int64(dir.Size) > limit-rel {
		return 0, malformed("directory at RVA 0x%x (%d bytes) overruns section %q", dir.VirtualAddress, dir.Size, s.Name())
	}
	return offset + rel, nil
}
