package report

import (
	"sort"
	"sync"
)

// MethodRef locates a method body within an indexed report.
type MethodRef struct {
	ReportID string
	Source   string
	Token    uint32
	Name     string
}

// Index maps IL digests to the methods whose bodies hash to them, so
// identical bodies can be found across images.
type Index struct {
	mu      sync.RWMutex
	methods map[string][]MethodRef
	reports map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		methods: make(map[string][]MethodRef),
		reports: make(map[string]struct{}),
	}
}

// Add indexes every method of r that carries a digest. Adding the same
// report twice is a no-op.
func (ix *Index) Add(r *Report) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.reports[r.ID]; ok {
		return
	}
	ix.reports[r.ID] = struct{}{}
	for _, m := range r.Methods {
		if m.Digest == "" {
			continue
		}
		ix.methods[m.Digest] = append(ix.methods[m.Digest], MethodRef{
			ReportID: r.ID,
			Source:   r.Source,
			Token:    m.Token,
			Name:     m.Name,
		})
	}
}

// Lookup returns the methods whose IL has the given digest.
func (ix *Index) Lookup(digest string) []MethodRef {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	refs := ix.methods[digest]
	out := make([]MethodRef, len(refs))
	copy(out, refs)
	return out
}

// Duplicates returns the digests shared by more than one method, sorted.
func (ix *Index) Duplicates() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []string
	for d, refs := range ix.methods {
		if len(refs) > 1 {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of distinct digests.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.methods)
}
