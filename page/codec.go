package page

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"minidb/types"
)

// Serialize writes the page's on-disk image into buf, which must be
// exactly Size bytes. Layout: fixed header, then NumSlots slot entries
// starting at HeaderSize, then the record heap region verbatim. The
// checksum is computed last, over buf[4:] (everything but the page_id
// field at the front), and stamped into the header.
func (p *Page) Serialize(buf []byte) error {
	if len(buf) != Size {
		return fmt.Errorf("page %d: serialize buffer is %d bytes, want %d", p.pageID(), len(buf), Size)
	}

	copy(buf, p.data[:])
	binary.LittleEndian.PutUint16(buf[offNumSlots:], uint16(len(p.slots)))

	off := HeaderSize
	for _, s := range p.slots {
		binary.LittleEndian.PutUint16(buf[off:], s.Offset)
		binary.LittleEndian.PutUint16(buf[off+2:], s.Length)
		if s.Deleted {
			buf[off+4] = 1
		} else {
			buf[off+4] = 0
		}
		off += SlotEntrySize
	}

	binary.LittleEndian.PutUint32(buf[offChecksum:], 0)
	sum := checksum(buf)
	binary.LittleEndian.PutUint32(buf[offChecksum:], sum)
	return nil
}

// Deserialize reconstructs a page from its on-disk image, verifying the
// checksum first. buf must be exactly Size bytes.
func Deserialize(buf []byte) (*Page, error) {
	if len(buf) != Size {
		return nil, fmt.Errorf("page: deserialize buffer is %d bytes, want %d", len(buf), Size)
	}

	stored := binary.LittleEndian.Uint32(buf[offChecksum:])
	check := make([]byte, Size)
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[offChecksum:], 0)
	if got := checksum(check); got != stored {
		return nil, fmt.Errorf("page %d: %w (stored=%08x computed=%08x)",
			binary.LittleEndian.Uint32(buf[offPageID:]), types.ErrCorruptFile, stored, got)
	}

	p := &Page{}
	copy(p.data[:], buf)

	n := p.numSlotsFromBuf(buf)
	p.slots = make([]Slot, n)
	off := HeaderSize
	for i := 0; i < n; i++ {
		p.slots[i] = Slot{
			Offset:  binary.LittleEndian.Uint16(buf[off:]),
			Length:  binary.LittleEndian.Uint16(buf[off+2:]),
			Deleted: buf[off+4] != 0,
		}
		off += SlotEntrySize
	}
	return p, nil
}

func (p *Page) numSlotsFromBuf(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[offNumSlots:]))
}

// checksum hashes every byte of buf except the first 4 (the page_id
// field). The checksum field itself is included, treated as zero by
// the caller when verifying.
func checksum(buf []byte) uint32 {
	return uint32(xxhash.Sum64(buf[4:]))
}
