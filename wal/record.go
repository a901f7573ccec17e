package wal

import (
	"encoding/binary"
	"fmt"

	"minidb/types"
)

// RecordType tags a log record.
type RecordType uint8

const (
	RecordBegin RecordType = iota
	RecordCommit
	RecordAbort
	RecordInsert
	RecordUpdate
	RecordDelete
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordInsert:
		return "INSERT"
	case RecordUpdate:
		return "UPDATE"
	case RecordDelete:
		return "DELETE"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsData reports whether t is a data-mutation record carrying a
// payload of old/new record bytes.
func (t RecordType) IsData() bool {
	return t == RecordInsert || t == RecordUpdate || t == RecordDelete
}

// HeaderSize is the fixed record header length in bytes. The header
// fields (three u64s, a type byte padded to 4, a u32 length, and a u32
// checksum) need 36 bytes; the layout is fixed here, little-endian:
//
//	lsn:u64  prev_lsn:u64  txn_id:u64  type:u8+pad(3)  data_length:u32  checksum:u32
const HeaderSize = 36

// DataHeaderSize is the fixed prefix of a data payload:
// page_id:u32, slot_id:u16, old_length:u16, new_length:u16, pad:u16.
const DataHeaderSize = 12

// header is one record's fixed header.
type header struct {
	lsn        types.LSN
	prevLSN    types.LSN
	txnID      types.TxnId
	recType    RecordType
	dataLength uint32
	checksum   uint32
}

func (h *header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.lsn))
	binary.LittleEndian.PutUint64(buf[8:], uint64(h.prevLSN))
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.txnID))
	buf[24] = uint8(h.recType)
	buf[25], buf[26], buf[27] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[28:], h.dataLength)
	binary.LittleEndian.PutUint32(buf[32:], h.checksum)
}

func decodeHeader(buf []byte) header {
	return header{
		lsn:        types.LSN(binary.LittleEndian.Uint64(buf[0:])),
		prevLSN:    types.LSN(binary.LittleEndian.Uint64(buf[8:])),
		txnID:      types.TxnId(binary.LittleEndian.Uint64(buf[16:])),
		recType:    RecordType(buf[24]),
		dataLength: binary.LittleEndian.Uint32(buf[28:]),
		checksum:   binary.LittleEndian.Uint32(buf[32:]),
	}
}

// encodeDataPayload packs a data record: fixed prefix, then the old
// bytes, then the new bytes. INSERT has no old bytes; DELETE has no
// new bytes.
func encodeDataPayload(pid types.PageId, slot types.SlotId, oldData, newData []byte) []byte {
	buf := make([]byte, DataHeaderSize+len(oldData)+len(newData))
	binary.LittleEndian.PutUint32(buf[0:], uint32(pid))
	binary.LittleEndian.PutUint16(buf[4:], uint16(slot))
	binary.LittleEndian.PutUint16(buf[6:], uint16(len(oldData)))
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(newData)))
	// buf[10:12] is padding, left zero.
	copy(buf[DataHeaderSize:], oldData)
	copy(buf[DataHeaderSize+len(oldData):], newData)
	return buf
}

// DataRecord is a decoded data payload.
type DataRecord struct {
	PageId   types.PageId
	SlotId   types.SlotId
	OldBytes []byte
	NewBytes []byte
}

// decodeDataPayload unpacks a data record payload.
func decodeDataPayload(buf []byte) (DataRecord, error) {
	if len(buf) < DataHeaderSize {
		return DataRecord{}, fmt.Errorf("wal: data payload %d bytes, want at least %d: %w",
			len(buf), DataHeaderSize, types.ErrCorruptFile)
	}
	oldLen := int(binary.LittleEndian.Uint16(buf[6:]))
	newLen := int(binary.LittleEndian.Uint16(buf[8:]))
	if DataHeaderSize+oldLen+newLen > len(buf) {
		return DataRecord{}, fmt.Errorf("wal: data payload lengths %d+%d exceed %d bytes: %w",
			oldLen, newLen, len(buf), types.ErrCorruptFile)
	}
	return DataRecord{
		PageId:   types.PageId(binary.LittleEndian.Uint32(buf[0:])),
		SlotId:   types.SlotId(binary.LittleEndian.Uint16(buf[4:])),
		OldBytes: buf[DataHeaderSize : DataHeaderSize+oldLen],
		NewBytes: buf[DataHeaderSize+oldLen : DataHeaderSize+oldLen+newLen],
	}, nil
}

// payloadChecksum is the shift-XOR payload checksum. Non-cryptographic;
// it exists to catch torn writes at the log tail.
func payloadChecksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum = (sum << 1) ^ uint32(b)
	}
	return sum
}
