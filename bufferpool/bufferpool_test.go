package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"minidb/filemanager"
	"minidb/types"
)

// newPoolWithPages returns a pool of the given capacity over a fresh
// file pre-seeded with n allocated pages.
func newPoolWithPages(t *testing.T, capacity, n int) (*BufferPool, *filemanager.FileManager) {
	t.Helper()
	fm, err := filemanager.Open(filepath.Join(t.TempDir(), "pool.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { fm.Close() })

	for i := 0; i < n; i++ {
		_, err := fm.Allocate()
		require.NoError(t, err)
	}
	return New(capacity, fm, nil), fm
}

func TestFetchHitAndMiss(t *testing.T) {
	bp, _ := newPoolWithPages(t, 4, 2)

	g, err := bp.Fetch(0)
	require.NoError(t, err)
	require.Equal(t, types.PageId(0), g.Page().ID())
	require.Equal(t, 1, bp.PinCount(0))

	g2, err := bp.Fetch(0)
	require.NoError(t, err)
	require.Equal(t, 2, bp.PinCount(0))

	g.Release()
	g2.Release()
	require.Equal(t, 0, bp.PinCount(0))
}

func TestFetchMissingPageFails(t *testing.T) {
	bp, _ := newPoolWithPages(t, 4, 1)
	_, err := bp.Fetch(42)
	require.ErrorIs(t, err, types.ErrNotFound)
}

// Eviction: pool of 2, page 0 dirtied and unpinned, page 1
// fetched clean, page 2 forces eviction of the LRU (page 0), which is
// written through before its frame is reused.
func TestEvictionWritesThroughDirtyVictim(t *testing.T) {
	bp, fm := newPoolWithPages(t, 2, 3)

	g0, err := bp.Fetch(0)
	require.NoError(t, err)
	_, err = g0.Page().Insert([]byte("dirty-page-0"))
	require.NoError(t, err)
	g0.MarkDirty()
	g0.Release()

	g1, err := bp.Fetch(1)
	require.NoError(t, err)
	g1.Release()

	g2, err := bp.Fetch(2)
	require.NoError(t, err)
	g2.Release()

	// Page 0 was the LRU victim; its write-through must be on disk.
	p0, err := fm.Read(0)
	require.NoError(t, err)
	data, err := p0.Read(0)
	require.NoError(t, err)
	require.Equal(t, "dirty-page-0", string(data))

	// Page 0 is no longer resident; pages 1 and 2 are.
	require.Equal(t, 0, bp.PinCount(1))
	_, resident1 := bp.pageTable[1]
	_, resident2 := bp.pageTable[2]
	_, resident0 := bp.pageTable[0]
	require.True(t, resident1)
	require.True(t, resident2)
	require.False(t, resident0)
}

func TestAllFramesPinnedFails(t *testing.T) {
	bp, _ := newPoolWithPages(t, 2, 3)

	g0, err := bp.Fetch(0)
	require.NoError(t, err)
	g1, err := bp.Fetch(1)
	require.NoError(t, err)

	_, err = bp.Fetch(2)
	require.ErrorIs(t, err, types.ErrCapacityExhausted)

	// Releasing one pin unblocks the fetch.
	g0.Release()
	g2, err := bp.Fetch(2)
	require.NoError(t, err)
	g2.Release()
	g1.Release()
}

func TestNewPage(t *testing.T) {
	bp, fm := newPoolWithPages(t, 4, 0)

	pid, g, err := bp.NewPage()
	require.NoError(t, err)
	require.Equal(t, types.PageId(0), pid)
	require.Equal(t, 1, bp.PinCount(pid))

	_, err = g.Page().Insert([]byte("first"))
	require.NoError(t, err)
	g.MarkDirty()
	g.Release()

	require.NoError(t, bp.FlushAll())
	require.Equal(t, uint32(1), fm.NumPages())

	p, err := fm.Read(pid)
	require.NoError(t, err)
	data, err := p.Read(0)
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
}

// After FlushAll, the disk image matches what was written
// through any frame.
func TestFlushAllCoherence(t *testing.T) {
	bp, fm := newPoolWithPages(t, 4, 3)

	for pid := types.PageId(0); pid < 3; pid++ {
		g, err := bp.Fetch(pid)
		require.NoError(t, err)
		_, err = g.Page().Insert([]byte{byte('a' + pid)})
		require.NoError(t, err)
		g.MarkDirty()
		g.Release()
	}
	require.NoError(t, bp.FlushAll())

	for pid := types.PageId(0); pid < 3; pid++ {
		p, err := fm.Read(pid)
		require.NoError(t, err)
		data, err := p.Read(0)
		require.NoError(t, err)
		require.Equal(t, []byte{byte('a' + pid)}, data)
	}
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	bp, _ := newPoolWithPages(t, 4, 1)

	g, err := bp.Fetch(0)
	require.NoError(t, err)
	g.Release()
	g.Release()
	require.Equal(t, 0, bp.PinCount(0))
}

func TestDeletePage(t *testing.T) {
	bp, fm := newPoolWithPages(t, 4, 2)

	g, err := bp.Fetch(1)
	require.NoError(t, err)
	require.ErrorIs(t, bp.DeletePage(1), types.ErrCapacityExhausted)
	g.Release()

	require.NoError(t, bp.DeletePage(1))
	require.Equal(t, 1, fm.FreeListLen())

	// The freed id comes back from the next allocation.
	pid, err := fm.Allocate()
	require.NoError(t, err)
	require.Equal(t, types.PageId(1), pid)
}

func TestDiscardDropsDirtyBytes(t *testing.T) {
	bp, fm := newPoolWithPages(t, 4, 1)

	g, err := bp.Fetch(0)
	require.NoError(t, err)
	_, err = g.Page().Insert([]byte("uncommitted"))
	require.NoError(t, err)
	g.MarkDirty()
	g.Release()

	require.NoError(t, bp.Discard(0))

	// A re-fetch reads the on-disk image, which never saw the insert.
	g2, err := bp.Fetch(0)
	require.NoError(t, err)
	require.Equal(t, 0, g2.Page().NumSlots())
	g2.Release()

	p, err := fm.Read(0)
	require.NoError(t, err)
	require.Equal(t, 0, p.NumSlots())
}

// Concurrent fetch/release churn leaves every pin count
// at zero.
func TestConcurrentPinAccounting(t *testing.T) {
	bp, _ := newPoolWithPages(t, 8, 4)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				pid := types.PageId((w + i) % 4)
				guard, err := bp.Fetch(pid)
				if err != nil {
					return err
				}
				guard.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for pid := types.PageId(0); pid < 4; pid++ {
		require.Equal(t, 0, bp.PinCount(pid), "page %d pin count after churn", pid)
	}
}
