// Package wal implements the write-ahead log: an append-only file of
// fixed-header records, buffered in memory and forced to disk on
// commit. Recovery is an analysis pass that classifies transactions as
// committed, aborted, or in flight; it does not redo or undo user
// data.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"minidb/types"
)

// BufferSize is the in-memory append buffer. Records accumulate here
// and reach the OS on commit, checkpoint, or buffer-full.
const BufferSize = 64 * 1024

// Manager is the write-ahead log manager.
type Manager struct {
	mu   sync.Mutex
	path string
	file *os.File

	buf []byte // pending records not yet written to the file

	currentLSN types.LSN
	nextTxnID  types.TxnId

	// activeTxns maps each open transaction to its most recent LSN,
	// threading prev_lsn through every record of the transaction.
	activeTxns map[types.TxnId]types.LSN

	logger *zap.Logger
}

// Open opens or creates the log file at path in append mode.
func Open(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// O_APPEND makes appends atomic at the OS level.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	m := &Manager{
		path:       path,
		file:       f,
		buf:        make([]byte, 0, BufferSize),
		currentLSN: 1,
		nextTxnID:  1,
		activeTxns: make(map[types.TxnId]types.LSN),
		logger:     logger,
	}
	logger.Info("wal: opened", zap.String("path", path))
	return m, nil
}

// Begin assigns a fresh transaction id and appends its BEGIN record.
func (m *Manager) Begin() (types.TxnId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := m.nextTxnID
	m.nextTxnID++

	lsn, err := m.appendLocked(RecordBegin, txn, types.InvalidLSN, nil)
	if err != nil {
		return types.InvalidTxnId, err
	}
	m.activeTxns[txn] = lsn
	m.logger.Debug("wal: begin", zap.Uint64("txn_id", uint64(txn)), zap.Uint64("lsn", uint64(lsn)))
	return txn, nil
}

// LogInsert appends an INSERT record (no old bytes) for txn.
func (m *Manager) LogInsert(txn types.TxnId, pid types.PageId, slot types.SlotId, data []byte) (types.LSN, error) {
	return m.logData(RecordInsert, txn, pid, slot, nil, data)
}

// LogUpdate appends an UPDATE record carrying the old and new bytes.
func (m *Manager) LogUpdate(txn types.TxnId, pid types.PageId, slot types.SlotId, oldData, newData []byte) (types.LSN, error) {
	return m.logData(RecordUpdate, txn, pid, slot, oldData, newData)
}

// LogDelete appends a DELETE record (no new bytes) for txn.
func (m *Manager) LogDelete(txn types.TxnId, pid types.PageId, slot types.SlotId, oldData []byte) (types.LSN, error) {
	return m.logData(RecordDelete, txn, pid, slot, oldData, nil)
}

func (m *Manager) logData(rt RecordType, txn types.TxnId, pid types.PageId, slot types.SlotId, oldData, newData []byte) (types.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.activeTxns[txn]
	if !ok {
		return types.InvalidLSN, fmt.Errorf("wal: %s for unknown txn %d: %w", rt, txn, types.ErrNotFound)
	}

	payload := encodeDataPayload(pid, slot, oldData, newData)
	lsn, err := m.appendLocked(rt, txn, prev, payload)
	if err != nil {
		return types.InvalidLSN, err
	}
	m.activeTxns[txn] = lsn
	return lsn, nil
}

// Commit appends txn's COMMIT record and forces the log to stable
// storage. When Commit returns nil the COMMIT record is durable.
func (m *Manager) Commit(txn types.TxnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.activeTxns[txn]
	if !ok {
		return fmt.Errorf("wal: commit unknown txn %d: %w", txn, types.ErrNotFound)
	}

	lsn, err := m.appendLocked(RecordCommit, txn, prev, nil)
	if err != nil {
		return err
	}
	delete(m.activeTxns, txn)

	if err := m.forceLocked(); err != nil {
		return err
	}
	m.logger.Debug("wal: commit", zap.Uint64("txn_id", uint64(txn)), zap.Uint64("lsn", uint64(lsn)))
	return nil
}

// Abort appends txn's ABORT record. Not forced; an abort that never
// reaches disk is indistinguishable from a crash, and recovery reports
// such a transaction as in flight (never as committed).
func (m *Manager) Abort(txn types.TxnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.activeTxns[txn]
	if !ok {
		return fmt.Errorf("wal: abort unknown txn %d: %w", txn, types.ErrNotFound)
	}

	if _, err := m.appendLocked(RecordAbort, txn, prev, nil); err != nil {
		return err
	}
	delete(m.activeTxns, txn)
	return nil
}

// Checkpoint appends a CHECKPOINT record carrying the current LSN and
// forces the log, so an operator can see how far the log reaches
// without scanning it.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(m.currentLSN))
	if _, err := m.appendLocked(RecordCheckpoint, types.InvalidTxnId, types.InvalidLSN, payload); err != nil {
		return err
	}
	return m.forceLocked()
}

// Flush writes the buffer through and syncs the file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forceLocked()
}

// CurrentLSN returns the LSN the next record will be assigned.
func (m *Manager) CurrentLSN() types.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLSN
}

// ActiveTxnCount returns the number of open transactions.
func (m *Manager) ActiveTxnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeTxns)
}

// Close forces pending records and closes the file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.forceLocked(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}

// appendLocked assigns the next LSN, builds the record, and places it
// in the buffer, draining the buffer to the file first when the record
// would not fit.
func (m *Manager) appendLocked(rt RecordType, txn types.TxnId, prev types.LSN, payload []byte) (types.LSN, error) {
	lsn := m.currentLSN
	m.currentLSN++

	h := header{
		lsn:        lsn,
		prevLSN:    prev,
		txnID:      txn,
		recType:    rt,
		dataLength: uint32(len(payload)),
		checksum:   payloadChecksum(payload),
	}

	total := HeaderSize + len(payload)
	if len(m.buf)+total > BufferSize {
		if err := m.writeBufferLocked(); err != nil {
			return types.InvalidLSN, err
		}
	}

	var hdr [HeaderSize]byte
	h.encode(hdr[:])
	m.buf = append(m.buf, hdr[:]...)
	m.buf = append(m.buf, payload...)

	// A record larger than the whole buffer goes straight through.
	if len(m.buf) > BufferSize {
		if err := m.writeBufferLocked(); err != nil {
			return types.InvalidLSN, err
		}
	}
	return lsn, nil
}

// writeBufferLocked drains the buffer to the file without syncing.
func (m *Manager) writeBufferLocked() error {
	if len(m.buf) == 0 {
		return nil
	}
	n, err := m.file.Write(m.buf)
	if err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	if n != len(m.buf) {
		return fmt.Errorf("wal: append wrote %d of %d bytes: %w", n, len(m.buf), types.ErrShortIo)
	}
	m.buf = m.buf[:0]
	return nil
}

// forceLocked drains the buffer and fsyncs.
func (m *Manager) forceLocked() error {
	if err := m.writeBufferLocked(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}
