// Package alloc builds the allocation bitset that marks which fixed-size
// regions of a backing file are physically allocated on disk. spec.md §1
// calls out disk-level FIEMAP extraction as out of scope beyond this
// abstract interface; this package specifies and fills the bitset, but
// leaves "where extents actually come from" to an Extentor.
package alloc

import (
	"context"

	"github.com/flexnbd/flexnbd/pkg/bitset"
)

// Extent is one physically-allocated byte range of a file.
type Extent struct {
	From, Len uint64
}

// Extentor produces the allocation map for an open file at the given
// resolution. A real implementation walks FIEMAP; this package only
// specifies the interface (spec.md §1).
type Extentor interface {
	Extents(ctx context.Context, size, resolution uint64) ([]Extent, error)
}

// WholeFileExtentor is the portable fallback used when no real extent
// source is wired: it reports the entire file as one allocated extent,
// which is always correct (conservatively) but forfeits sparseness
// detection on a freshly-created sparse file until writes start marking
// blocks themselves via the client handler's write path.
type WholeFileExtentor struct{}

func (WholeFileExtentor) Extents(_ context.Context, size, _ uint64) ([]Extent, error) {
	if size == 0 {
		return nil, nil
	}
	return []Extent{{From: 0, Len: size}}, nil
}

// Build walks the extents reported by x and fills a fresh allocation
// bitset at the given resolution, per spec.md §4.4 step 3. It returns the
// bitset on success; the caller sets whatever "allocation_map_built" flag
// it tracks.
func Build(ctx context.Context, x Extentor, size, resolution uint64) (*bitset.Bitset, error) {
	b := bitset.Alloc(size, resolution)
	extents, err := x.Extents(ctx, size, resolution)
	if err != nil {
		return nil, err
	}
	for _, e := range extents {
		if e.Len == 0 {
			continue
		}
		b.SetRange(e.From, e.Len)
	}
	return b, nil
}
