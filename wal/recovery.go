package wal

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"minidb/types"
)

// TxnOutcome classifies a transaction seen during the recovery scan.
type TxnOutcome int

const (
	// TxnInFlight means the log has a BEGIN with no matching COMMIT
	// or ABORT; the transaction was cut off by the crash.
	TxnInFlight TxnOutcome = iota
	TxnCommitted
	TxnAborted
)

// RecoveryInfo is the result of the analysis pass.
type RecoveryInfo struct {
	// Outcomes holds the final state of every transaction whose BEGIN
	// appears in the log.
	Outcomes map[types.TxnId]TxnOutcome
	// RecordCount is the number of well-formed records scanned.
	RecordCount int
	// LastLSN is the highest LSN seen.
	LastLSN types.LSN
}

// Committed reports whether txn reached COMMIT.
func (ri *RecoveryInfo) Committed(txn types.TxnId) bool {
	return ri.Outcomes[txn] == TxnCommitted
}

// Recover scans the log from the beginning, tracking per-transaction
// state: BEGIN opens, COMMIT or ABORT closes. It advances currentLSN
// and nextTxnID past everything seen, clears activeTxns, and stops
// quietly at a malformed or truncated trailing record (a torn tail is
// an expected crash artifact, not corruption of the scanned prefix).
// No redo or undo of user data is performed.
func (m *Manager) Recover() (*RecoveryInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeBufferLocked(); err != nil {
		return nil, err
	}

	info := &RecoveryInfo{Outcomes: make(map[types.TxnId]TxnOutcome)}

	var off int64
	hdr := make([]byte, HeaderSize)
	for {
		n, err := m.file.ReadAt(hdr, off)
		if err == io.EOF && n == 0 {
			break
		}
		if n < HeaderSize {
			m.logger.Warn("wal: truncated record header at tail", zap.Int64("offset", off))
			break
		}

		h := decodeHeader(hdr)
		if h.lsn == types.InvalidLSN || h.recType > RecordCheckpoint {
			m.logger.Warn("wal: malformed record at tail",
				zap.Int64("offset", off), zap.Uint64("lsn", uint64(h.lsn)))
			break
		}

		payload := make([]byte, h.dataLength)
		if h.dataLength > 0 {
			if pn, _ := m.file.ReadAt(payload, off+HeaderSize); pn < int(h.dataLength) {
				m.logger.Warn("wal: truncated record payload at tail",
					zap.Int64("offset", off), zap.Uint64("lsn", uint64(h.lsn)))
				break
			}
		}
		if payloadChecksum(payload) != h.checksum {
			m.logger.Warn("wal: payload checksum mismatch at tail",
				zap.Int64("offset", off), zap.Uint64("lsn", uint64(h.lsn)))
			break
		}

		switch h.recType {
		case RecordBegin:
			info.Outcomes[h.txnID] = TxnInFlight
		case RecordCommit:
			info.Outcomes[h.txnID] = TxnCommitted
		case RecordAbort:
			info.Outcomes[h.txnID] = TxnAborted
		}

		if h.lsn >= info.LastLSN {
			info.LastLSN = h.lsn
		}
		if h.lsn >= m.currentLSN {
			m.currentLSN = h.lsn + 1
		}
		if h.txnID >= m.nextTxnID {
			m.nextTxnID = h.txnID + 1
		}

		info.RecordCount++
		off += int64(HeaderSize) + int64(h.dataLength)
	}

	m.activeTxns = make(map[types.TxnId]types.LSN)

	m.logger.Info("wal: recovery analysis complete",
		zap.Int("records", info.RecordCount),
		zap.Uint64("current_lsn", uint64(m.currentLSN)),
		zap.Int("transactions", len(info.Outcomes)))
	return info, nil
}

// ReadRecord reads the record at byte offset off, returning the
// decoded header fields plus the payload and the offset of the next
// record. Used by operator tooling to walk the log.
func (m *Manager) ReadRecord(off int64) (types.LSN, types.TxnId, RecordType, []byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hdr := make([]byte, HeaderSize)
	if n, err := m.file.ReadAt(hdr, off); n < HeaderSize {
		if err == io.EOF {
			return 0, 0, 0, nil, 0, io.EOF
		}
		return 0, 0, 0, nil, 0, fmt.Errorf("wal: read record header at %d: %w", off, types.ErrShortIo)
	}
	h := decodeHeader(hdr)

	payload := make([]byte, h.dataLength)
	if h.dataLength > 0 {
		if n, _ := m.file.ReadAt(payload, off+HeaderSize); n < int(h.dataLength) {
			return 0, 0, 0, nil, 0, fmt.Errorf("wal: read record payload at %d: %w", off, types.ErrShortIo)
		}
	}
	return h.lsn, h.txnID, h.recType, payload, off + int64(HeaderSize) + int64(h.dataLength), nil
}

// DecodeData decodes a data payload returned by ReadRecord.
func DecodeData(payload []byte) (DataRecord, error) {
	return decodeDataPayload(payload)
}
