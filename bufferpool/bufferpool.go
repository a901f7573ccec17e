// Package bufferpool caches pages in a fixed array of frames with LRU
// eviction. A page brought into a frame is pinned until every guard on
// it is released; pinned frames are never evicted. Dirty frames are
// written through to the file manager before their frame is reused.
package bufferpool

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"minidb/filemanager"
	"minidb/page"
	"minidb/types"
)

// DefaultCapacity is the frame count used when the caller passes 0.
const DefaultCapacity = 64

// frame owns one cached page plus its pin count and dirty bit.
type frame struct {
	page     *page.Page
	pid      types.PageId
	pinCount int
	dirty    bool
}

// BufferPool is a fixed-capacity page cache over a FileManager.
type BufferPool struct {
	mu         sync.Mutex
	fm         *filemanager.FileManager
	frames     []frame
	pageTable  map[types.PageId]int // pid -> frame index
	lru        *list.List           // frame indexes, front = least recent
	lruNodes   map[int]*list.Element
	freeFrames []int // never-used or released frame indexes
	logger     *zap.Logger
}

// New returns a pool with capacity frames backed by fm.
func New(capacity int, fm *filemanager.FileManager, logger *zap.Logger) *BufferPool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bp := &BufferPool{
		fm:         fm,
		frames:     make([]frame, capacity),
		pageTable:  make(map[types.PageId]int, capacity),
		lru:        list.New(),
		lruNodes:   make(map[int]*list.Element, capacity),
		freeFrames: make([]int, 0, capacity),
		logger:     logger,
	}
	for i := capacity - 1; i >= 0; i-- {
		bp.frames[i].pid = types.InvalidPageId
		bp.freeFrames = append(bp.freeFrames, i)
	}

	logger.Info("bufferpool: created",
		zap.Int("frames", capacity),
		zap.String("memory", humanize.Bytes(uint64(capacity)*page.Size)))
	return bp
}

// Fetch pins page pid in a frame, loading it from disk on a miss, and
// returns a guard that must be released exactly once. Returns
// types.ErrCapacityExhausted when every frame is pinned.
func (bp *BufferPool) Fetch(pid types.PageId) (*PageGuard, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if idx, ok := bp.pageTable[pid]; ok {
		bp.frames[idx].pinCount++
		bp.touchLocked(idx)
		bp.logger.Debug("bufferpool: hit",
			zap.Uint32("page_id", uint32(pid)), zap.Int("pin_count", bp.frames[idx].pinCount))
		return &PageGuard{bp: bp, pid: pid, page: bp.frames[idx].page}, nil
	}

	bp.logger.Debug("bufferpool: miss", zap.Uint32("page_id", uint32(pid)))
	idx, err := bp.victimLocked()
	if err != nil {
		return nil, err
	}

	p, err := bp.fm.Read(pid)
	if err != nil {
		// The victim frame was already emptied; hand it back.
		bp.freeFrames = append(bp.freeFrames, idx)
		return nil, err
	}

	bp.installLocked(idx, pid, p)
	return &PageGuard{bp: bp, pid: pid, page: p}, nil
}

// NewPage allocates a page through the file manager, pins a freshly
// initialized image for it, and returns its id and guard. The frame
// starts dirty.
func (bp *BufferPool) NewPage() (types.PageId, *PageGuard, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, err := bp.victimLocked()
	if err != nil {
		return 0, nil, err
	}

	pid, err := bp.fm.Allocate()
	if err != nil {
		bp.freeFrames = append(bp.freeFrames, idx)
		return 0, nil, err
	}

	p := page.New(pid)
	bp.installLocked(idx, pid, p)
	bp.frames[idx].dirty = true
	return pid, &PageGuard{bp: bp, pid: pid, page: p}, nil
}

// Unpin decrements pid's pin count (saturating at zero) and ORs dirty
// into the frame's dirty bit. Prefer releasing the guard instead of
// calling this directly.
func (bp *BufferPool) Unpin(pid types.PageId, dirty bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.unpinLocked(pid, dirty)
}

func (bp *BufferPool) unpinLocked(pid types.PageId, dirty bool) {
	idx, ok := bp.pageTable[pid]
	if !ok {
		return
	}
	f := &bp.frames[idx]
	if f.pinCount > 0 {
		f.pinCount--
	}
	if dirty {
		f.dirty = true
	}
}

// Flush writes pid's frame through to disk if it is dirty.
func (bp *BufferPool) Flush(pid types.PageId) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, ok := bp.pageTable[pid]
	if !ok {
		return fmt.Errorf("bufferpool: flush page %d: %w", pid, types.ErrNotFound)
	}
	return bp.flushFrameLocked(idx)
}

// FlushAll writes every dirty frame through to disk.
func (bp *BufferPool) FlushAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for idx := range bp.frames {
		if bp.frames[idx].pid == types.InvalidPageId {
			continue
		}
		if err := bp.flushFrameLocked(idx); err != nil {
			return err
		}
	}
	return nil
}

func (bp *BufferPool) flushFrameLocked(idx int) error {
	f := &bp.frames[idx]
	if !f.dirty {
		return nil
	}
	if err := bp.fm.Write(f.pid, f.page); err != nil {
		return err
	}
	f.dirty = false
	f.page.ClearDirty()
	bp.logger.Debug("bufferpool: flushed", zap.Uint32("page_id", uint32(f.pid)))
	return nil
}

// DeletePage drops pid from the pool and deallocates it in the file
// manager. Fails if the frame is pinned.
func (bp *BufferPool) DeletePage(pid types.PageId) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if idx, ok := bp.pageTable[pid]; ok {
		if bp.frames[idx].pinCount > 0 {
			return fmt.Errorf("bufferpool: delete pinned page %d (pins=%d): %w",
				pid, bp.frames[idx].pinCount, types.ErrCapacityExhausted)
		}
		bp.removeFrameLocked(idx)
	}
	return bp.fm.Deallocate(pid)
}

// Discard drops pid's frame without writing it back, losing any dirty
// bytes. Used by transaction abort to throw away uncommitted
// mutations. Fails if the frame is pinned; a non-resident pid is a
// no-op.
func (bp *BufferPool) Discard(pid types.PageId) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	idx, ok := bp.pageTable[pid]
	if !ok {
		return nil
	}
	if bp.frames[idx].pinCount > 0 {
		return fmt.Errorf("bufferpool: discard pinned page %d: %w", pid, types.ErrCapacityExhausted)
	}
	bp.removeFrameLocked(idx)
	return nil
}

// PinCount reports pid's current pin count, or 0 if not resident.
func (bp *BufferPool) PinCount(pid types.PageId) int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if idx, ok := bp.pageTable[pid]; ok {
		return bp.frames[idx].pinCount
	}
	return 0
}

// victimLocked returns an empty frame index ready to receive a page:
// a free frame if one exists, else the least-recently-used unpinned
// frame, written through first if dirty.
func (bp *BufferPool) victimLocked() (int, error) {
	if n := len(bp.freeFrames); n > 0 {
		idx := bp.freeFrames[n-1]
		bp.freeFrames = bp.freeFrames[:n-1]
		return idx, nil
	}

	for e := bp.lru.Front(); e != nil; e = e.Next() {
		idx := e.Value.(int)
		if bp.frames[idx].pinCount > 0 {
			continue
		}
		bp.logger.Debug("bufferpool: evict",
			zap.Uint32("page_id", uint32(bp.frames[idx].pid)),
			zap.Bool("dirty", bp.frames[idx].dirty))
		if err := bp.flushFrameLocked(idx); err != nil {
			return 0, err
		}
		bp.removeFrameLocked(idx)
		// removeFrameLocked pushed idx onto freeFrames; claim it.
		bp.freeFrames = bp.freeFrames[:len(bp.freeFrames)-1]
		return idx, nil
	}

	return 0, fmt.Errorf("bufferpool: all %d frames pinned: %w", len(bp.frames), types.ErrCapacityExhausted)
}

// installLocked places p in frame idx with pin count 1 and registers
// it in the page table and at the MRU end of the LRU list.
func (bp *BufferPool) installLocked(idx int, pid types.PageId, p *page.Page) {
	bp.frames[idx] = frame{page: p, pid: pid, pinCount: 1, dirty: false}
	bp.pageTable[pid] = idx
	bp.lruNodes[idx] = bp.lru.PushBack(idx)
}

// removeFrameLocked unregisters frame idx from the page table and LRU
// list and returns it to the free stack.
func (bp *BufferPool) removeFrameLocked(idx int) {
	delete(bp.pageTable, bp.frames[idx].pid)
	if e, ok := bp.lruNodes[idx]; ok {
		bp.lru.Remove(e)
		delete(bp.lruNodes, idx)
	}
	bp.frames[idx] = frame{pid: types.InvalidPageId}
	bp.freeFrames = append(bp.freeFrames, idx)
}

func (bp *BufferPool) touchLocked(idx int) {
	if e, ok := bp.lruNodes[idx]; ok {
		bp.lru.MoveToBack(e)
	}
}
