package filemanager

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"minidb/types"
)

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "t.db")
}

func TestCreateAndReopen(t *testing.T) {
	path := tempDB(t)

	fm, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), fm.NumPages())
	require.NoError(t, fm.Close())

	fm2, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), fm2.NumPages())
	require.NoError(t, fm2.Close())
}

func TestBadMagicIsFatal(t *testing.T) {
	path := tempDB(t)

	fm, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, fm.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[offMagic:], 0xDEADBEEF)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(path, nil)
	require.ErrorIs(t, err, types.ErrCorruptFile)
}

func TestBadVersionIsFatal(t *testing.T) {
	path := tempDB(t)

	fm, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, fm.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[offVersion:], 99)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(path, nil)
	require.ErrorIs(t, err, types.ErrCorruptFile)
}

// Persistence across reopen: records survive, a deallocated page
// comes back first from the free list (LIFO).
func TestPersistenceAcrossReopen(t *testing.T) {
	path := tempDB(t)

	fm, err := Open(path, nil)
	require.NoError(t, err)

	for want := uint32(0); want < 3; want++ {
		pid, err := fm.Allocate()
		require.NoError(t, err)
		require.Equal(t, types.PageId(want), pid)
	}

	p0, err := fm.Read(0)
	require.NoError(t, err)
	_, err = p0.Insert([]byte("P0"))
	require.NoError(t, err)
	require.NoError(t, fm.Write(0, p0))

	p2, err := fm.Read(2)
	require.NoError(t, err)
	_, err = p2.Insert([]byte("P2"))
	require.NoError(t, err)
	require.NoError(t, fm.Write(2, p2))

	require.NoError(t, fm.Deallocate(1))
	require.NoError(t, fm.Close())

	fm2, err := Open(path, nil)
	require.NoError(t, err)
	defer fm2.Close()

	got0, err := fm2.Read(0)
	require.NoError(t, err)
	data, err := got0.Read(0)
	require.NoError(t, err)
	require.Equal(t, "P0", string(data))

	got2, err := fm2.Read(2)
	require.NoError(t, err)
	data, err = got2.Read(0)
	require.NoError(t, err)
	require.Equal(t, "P2", string(data))

	pid, err := fm2.Allocate()
	require.NoError(t, err)
	require.Equal(t, types.PageId(1), pid, "free-list pop must be LIFO")
	require.Equal(t, uint32(3), fm2.NumPages())
}

func TestReadOutOfRangeFails(t *testing.T) {
	fm, err := Open(tempDB(t), nil)
	require.NoError(t, err)
	defer fm.Close()

	_, err = fm.Read(0)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestReadDetectsCorruptPage(t *testing.T) {
	path := tempDB(t)

	fm, err := Open(path, nil)
	require.NoError(t, err)
	pid, err := fm.Allocate()
	require.NoError(t, err)

	p, err := fm.Read(pid)
	require.NoError(t, err)
	_, err = p.Insert([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, fm.Write(pid, p))
	require.NoError(t, fm.Close())

	// Flip a byte in the page's free gap; the checksum covers it.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(HeaderEnd)+4000)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fm2, err := Open(path, nil)
	require.NoError(t, err)
	defer fm2.Close()

	_, err = fm2.Read(pid)
	require.ErrorIs(t, err, types.ErrCorruptFile)
}

func TestFreeListCapacity(t *testing.T) {
	fm, err := Open(tempDB(t), nil)
	require.NoError(t, err)
	defer fm.Close()

	// Fill the free list to its hard cap with distinct page ids.
	for i := 0; i < FreeListCapacity+1; i++ {
		_, err := fm.Allocate()
		require.NoError(t, err)
	}
	for i := 0; i < FreeListCapacity; i++ {
		require.NoError(t, fm.Deallocate(types.PageId(i)))
	}
	require.Equal(t, FreeListCapacity, fm.FreeListLen())

	// Overflow is surfaced, not silently dropped.
	err = fm.Deallocate(types.PageId(FreeListCapacity))
	require.ErrorIs(t, err, types.ErrCapacityExhausted)
	require.Equal(t, FreeListCapacity, fm.FreeListLen())
}
