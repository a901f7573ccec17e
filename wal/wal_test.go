package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"minidb/types"
)

func walPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.wal")
}

func TestBeginAssignsMonotonicTxnIds(t *testing.T) {
	m, err := Open(walPath(t), nil)
	require.NoError(t, err)
	defer m.Close()

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)
	require.Equal(t, types.TxnId(1), t1)
	require.Equal(t, types.TxnId(2), t2)
	require.Equal(t, 2, m.ActiveTxnCount())
}

func TestCommitRemovesActiveTxn(t *testing.T) {
	m, err := Open(walPath(t), nil)
	require.NoError(t, err)
	defer m.Close()

	txn, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))
	require.Equal(t, 0, m.ActiveTxnCount())

	// A second commit of the same txn is an error.
	require.ErrorIs(t, m.Commit(txn), types.ErrNotFound)
}

func TestLogDataForUnknownTxnFails(t *testing.T) {
	m, err := Open(walPath(t), nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.LogInsert(99, 0, 0, []byte("x"))
	require.ErrorIs(t, err, types.ErrNotFound)
}

// WAL recovery: t1 stays in flight, t2 commits, crash, analysis
// pass classifies both and advances current_lsn past the last record.
func TestRecoveryScenario(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)

	t1, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogInsert(t1, 3, 0, []byte("row-a"))
	require.NoError(t, err)

	t2, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogUpdate(t2, 3, 1, []byte("old"), []byte("new"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(t2))

	// Crash: drop the manager without closing cleanly. The commit
	// force already put everything through LSN 5 on disk.
	require.NoError(t, m.file.Close())

	m2, err := Open(path, nil)
	require.NoError(t, err)
	defer m2.Close()

	info, err := m2.Recover()
	require.NoError(t, err)

	require.Equal(t, TxnInFlight, info.Outcomes[t1])
	require.Equal(t, TxnCommitted, info.Outcomes[t2])
	require.True(t, info.Committed(t2))
	require.False(t, info.Committed(t1))

	require.Equal(t, 5, info.RecordCount) // BEGIN, INSERT, BEGIN, UPDATE, COMMIT
	require.Equal(t, types.LSN(5), info.LastLSN)
	require.Equal(t, types.LSN(6), m2.CurrentLSN())
	require.Equal(t, 0, m2.ActiveTxnCount())

	// New transactions get ids past everything in the log.
	t3, err := m2.Begin()
	require.NoError(t, err)
	require.Greater(t, t3, t2)
}

// The COMMIT record is durable once Commit returns, even
// though nothing after it was flushed.
func TestCommitDurability(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)

	txn, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogInsert(txn, 0, 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))

	// An aborted txn after the commit stays buffered; crash loses it.
	t2, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Abort(t2))
	require.NoError(t, m.file.Close())

	m2, err := Open(path, nil)
	require.NoError(t, err)
	defer m2.Close()

	info, err := m2.Recover()
	require.NoError(t, err)
	require.True(t, info.Committed(txn))
}

func TestPrevLsnChainsEveryRecord(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)

	txn, err := m.Begin()
	require.NoError(t, err)
	l1, err := m.LogInsert(txn, 1, 0, []byte("a"))
	require.NoError(t, err)
	l2, err := m.LogUpdate(txn, 1, 0, []byte("a"), []byte("b"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))

	// Walk the file and confirm the backward chain: BEGIN has the
	// invalid prev, every later record points at its predecessor.
	var prevs []types.LSN
	var off int64
	for {
		hdr := make([]byte, HeaderSize)
		n, _ := m.file.ReadAt(hdr, off)
		if n < HeaderSize {
			break
		}
		h := decodeHeader(hdr)
		prevs = append(prevs, h.prevLSN)
		off += int64(HeaderSize) + int64(h.dataLength)
	}
	require.NoError(t, m.Close())

	require.Equal(t, []types.LSN{types.InvalidLSN, 1, l1, l2}, prevs)
}

func TestRecoveryStopsAtTornTail(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)

	txn, err := m.Begin()
	require.NoError(t, err)
	_, err = m.LogInsert(txn, 0, 0, []byte("intact"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))
	require.NoError(t, m.Close())

	// Tear the tail: append half a record header.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, HeaderSize/2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2, err := Open(path, nil)
	require.NoError(t, err)
	defer m2.Close()

	info, err := m2.Recover()
	require.NoError(t, err)
	require.Equal(t, 3, info.RecordCount)
	require.True(t, info.Committed(txn))
}

func TestRecoveryStopsAtCorruptPayload(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)

	t1, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(t1))

	t2, err := m.Begin()
	require.NoError(t, err)
	lastLSN, err := m.LogInsert(t2, 0, 0, []byte("will be torn"))
	require.NoError(t, err)
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	// Flip a payload byte of the last record.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	m2, err := Open(path, nil)
	require.NoError(t, err)
	defer m2.Close()

	info, err := m2.Recover()
	require.NoError(t, err)
	// The scan covers everything before the torn record.
	require.Equal(t, 3, info.RecordCount)
	require.Equal(t, lastLSN-1, info.LastLSN)
	require.True(t, info.Committed(t1))
}

func TestCheckpoint(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)

	txn, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, m.Commit(txn))
	require.NoError(t, m.Checkpoint())
	require.NoError(t, m.Close())

	m2, err := Open(path, nil)
	require.NoError(t, err)
	defer m2.Close()

	info, err := m2.Recover()
	require.NoError(t, err)
	require.Equal(t, 3, info.RecordCount) // BEGIN, COMMIT, CHECKPOINT
	require.Equal(t, types.LSN(3), info.LastLSN)
}

func TestBufferFullBoundaryFlush(t *testing.T) {
	path := walPath(t)

	m, err := Open(path, nil)
	require.NoError(t, err)
	defer m.Close()

	txn, err := m.Begin()
	require.NoError(t, err)

	// Append more payload than the buffer holds; records must reach
	// the file at buffer-full boundaries without an explicit flush.
	big := make([]byte, 8000)
	for i := 0; i < 24; i++ {
		_, err := m.LogInsert(txn, 0, 0, big)
		require.NoError(t, err)
	}

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, stat.Size(), int64(BufferSize))
}

func TestDataRecordRoundTrip(t *testing.T) {
	payload := encodeDataPayload(7, 3, []byte("before"), []byte("after"))
	rec, err := decodeDataPayload(payload)
	require.NoError(t, err)
	require.Equal(t, types.PageId(7), rec.PageId)
	require.Equal(t, types.SlotId(3), rec.SlotId)
	require.Equal(t, "before", string(rec.OldBytes))
	require.Equal(t, "after", string(rec.NewBytes))

	_, err = decodeDataPayload(payload[:4])
	require.ErrorIs(t, err, types.ErrCorruptFile)
}
