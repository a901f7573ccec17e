package bufferpool

import (
	"minidb/page"
	"minidb/types"
)

// PageGuard is the scoped handle to a pinned frame. Its Release path
// is the only way the pin acquired by Fetch/NewPage is dropped, so
// releasing a guard exactly once is the caller's pin-accounting
// obligation. Guards must not be copied; pass the pointer.
type PageGuard struct {
	bp       *BufferPool
	pid      types.PageId
	page     *page.Page
	dirty    bool
	released bool
}

// Page returns the pinned page. The bytes stay valid until Release.
func (g *PageGuard) Page() *page.Page { return g.page }

// PageID returns the guarded page's id.
func (g *PageGuard) PageID() types.PageId { return g.pid }

// MarkDirty records that the caller mutated the page; the dirty bit is
// handed to the frame when the guard is released.
func (g *PageGuard) MarkDirty() { g.dirty = true }

// Release unpins the frame, carrying the accumulated dirty flag.
// Safe to call more than once; only the first call unpins.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.bp.Unpin(g.pid, g.dirty)
}
