// Package page implements the slotted page format used by every page in
// the database file: a fixed header, a slot directory that grows upward
// from the header, and a record heap that grows downward from the end of
// the page. Record bytes are opaque to this package.
package page

import (
	"encoding/binary"
	"fmt"

	"minidb/types"
)

// Size is the fixed page size in bytes.
const Size = types.PageSize

const (
	offPageID          = 0  // uint32
	offNumSlots        = 4  // uint16
	offFreeSpaceOffset = 6  // uint16 — end of slot directory
	offFreeSpaceEnd    = 8  // uint16 — start of record heap
	offNextPage        = 10 // uint32
	offChecksum        = 14 // uint32

	// HeaderSize is the number of fixed header bytes. The slot
	// directory begins immediately after it.
	HeaderSize = 18

	// SlotEntrySize is the serialized size of one slot directory entry:
	// offset(2) + length(2) + deleted(1).
	SlotEntrySize = 5
)

// Slot is a directory entry: the byte offset and length of a record in
// the heap, plus a tombstone flag. A deleted slot keeps its index so
// other outstanding references are not silently reassigned.
type Slot struct {
	Offset  uint16
	Length  uint16
	Deleted bool
}

// Page is one 4096-byte slotted page. The header lives directly in the
// byte buffer through binary.LittleEndian accessors, so every mutation
// is immediately reflected in the bytes that serialize/deserialize
// operate on.
type Page struct {
	data  [Size]byte
	slots []Slot
	dirty bool
}

// New returns a freshly initialized page with the given id.
func New(id types.PageId) *Page {
	p := &Page{}
	p.setPageID(id)
	p.setNumSlots(0)
	p.setFreeSpaceOffset(HeaderSize)
	p.setFreeSpaceEnd(Size)
	p.setNextPage(types.InvalidPageId)
	p.dirty = true
	return p
}

// ID returns the page's own identifier, stamped in its header.
func (p *Page) ID() types.PageId { return p.pageID() }

// NextPage returns the intra-table singly-linked-list pointer.
func (p *Page) NextPage() types.PageId { return p.nextPage() }

// SetNextPage sets the intra-table singly-linked-list pointer.
func (p *Page) SetNextPage(id types.PageId) {
	p.setNextPage(id)
	p.dirty = true
}

// NumSlots returns the number of slot directory entries (live + tombstoned).
func (p *Page) NumSlots() int { return len(p.slots) }

// IsDirty reports whether the page has been mutated since it was last
// serialized to disk.
func (p *Page) IsDirty() bool { return p.dirty }

// ClearDirty resets the dirty flag, typically after a successful flush.
func (p *Page) ClearDirty() { p.dirty = false }

// FreeSpace returns the number of bytes available for a new record,
// including the slot entry it would consume.
func (p *Page) FreeSpace() int {
	avail := int(p.freeSpaceEnd()) - int(p.freeSpaceOffset()) - SlotEntrySize
	if avail < 0 {
		return 0
	}
	return avail
}

// Insert copies bytes into the page's record heap and returns the slot
// id assigned to it, reusing a tombstoned slot if one is free. Returns
// types.ErrCapacityExhausted if there is not enough room.
func (p *Page) Insert(record []byte) (types.SlotId, error) {
	reuse := -1
	for i, s := range p.slots {
		if s.Deleted {
			reuse = i
			break
		}
	}

	// A fresh slot needs SlotEntrySize bytes of directory growth on top
	// of the record; a reused tombstone only needs the record itself.
	if reuse == -1 {
		if len(record) > p.FreeSpace() {
			return 0, fmt.Errorf("page %d: insert %d bytes: %w", p.pageID(), len(record), types.ErrCapacityExhausted)
		}
	} else if len(record) > p.rawFreeSpace() {
		return 0, fmt.Errorf("page %d: insert %d bytes: %w", p.pageID(), len(record), types.ErrCapacityExhausted)
	}

	newEnd := p.freeSpaceEnd() - uint16(len(record))
	copy(p.data[newEnd:p.freeSpaceEnd()], record)
	p.setFreeSpaceEnd(newEnd)

	slot := Slot{Offset: newEnd, Length: uint16(len(record)), Deleted: false}

	var id types.SlotId
	if reuse >= 0 {
		p.slots[reuse] = slot
		id = types.SlotId(reuse)
	} else {
		p.slots = append(p.slots, slot)
		id = types.SlotId(len(p.slots) - 1)
		p.setFreeSpaceOffset(p.freeSpaceOffset() + SlotEntrySize)
	}
	p.setNumSlots(uint16(len(p.slots)))
	p.dirty = true
	return id, nil
}

// rawFreeSpace is the space between the slot directory and the heap,
// ignoring whether a fresh slot entry is needed (used to decide whether
// a tombstone-reuse insert can fit without growing the directory).
func (p *Page) rawFreeSpace() int {
	avail := int(p.freeSpaceEnd()) - int(p.freeSpaceOffset())
	if avail < 0 {
		return 0
	}
	return avail
}

// Read returns a copy of the bytes stored at slot, or
// types.ErrNotFound if the slot is out of range or tombstoned.
func (p *Page) Read(slot types.SlotId) ([]byte, error) {
	s, err := p.liveSlot(slot)
	if err != nil {
		return nil, err
	}
	out := make([]byte, s.Length)
	copy(out, p.data[s.Offset:s.Offset+s.Length])
	return out, nil
}

// Update replaces the bytes at slot. If record fits within the slot's
// current allocation, it is rewritten in place. Otherwise the old slot
// is tombstoned, a new copy is inserted, and the two slot entries are
// swapped so slot remains the caller-visible id. Fails (leaving the old
// slot live) if there is no room for the larger copy.
func (p *Page) Update(slot types.SlotId, record []byte) error {
	s, err := p.liveSlot(slot)
	if err != nil {
		return err
	}

	if len(record) <= int(s.Length) {
		copy(p.data[s.Offset:s.Offset+uint16(len(record))], record)
		p.slots[slot] = Slot{Offset: s.Offset, Length: uint16(len(record)), Deleted: false}
		p.dirty = true
		return nil
	}

	// Doesn't fit in place: tombstone the old slot, insert a fresh copy,
	// then swap the two slot entries so slot stays the caller-visible
	// id. If the insert fails, restore the old slot so it remains live.
	p.slots[slot] = Slot{Offset: s.Offset, Length: s.Length, Deleted: true}
	newID, err := p.Insert(record)
	if err != nil {
		p.slots[slot] = s
		return fmt.Errorf("page %d: update slot %d to %d bytes: %w", p.pageID(), slot, len(record), err)
	}
	p.slots[slot], p.slots[newID] = p.slots[newID], p.slots[slot]
	p.dirty = true
	return nil
}

// Delete tombstones slot. The record's bytes stay in the heap: inserts
// only write below free_space_end and the page is never compacted, so
// the space is not reclaimed.
func (p *Page) Delete(slot types.SlotId) error {
	s, err := p.liveSlot(slot)
	if err != nil {
		return err
	}
	p.slots[slot] = Slot{Offset: s.Offset, Length: s.Length, Deleted: true}
	p.dirty = true
	return nil
}

// IsSlotLive reports whether slot addresses a non-tombstoned record.
func (p *Page) IsSlotLive(slot types.SlotId) bool {
	if int(slot) >= len(p.slots) {
		return false
	}
	return !p.slots[slot].Deleted
}

func (p *Page) liveSlot(slot types.SlotId) (Slot, error) {
	if int(slot) >= len(p.slots) {
		return Slot{}, fmt.Errorf("page %d: slot %d out of range (count=%d): %w", p.pageID(), slot, len(p.slots), types.ErrNotFound)
	}
	s := p.slots[slot]
	if s.Deleted {
		return Slot{}, fmt.Errorf("page %d: slot %d is a tombstone: %w", p.pageID(), slot, types.ErrNotFound)
	}
	return s, nil
}

// ─── raw header accessors ──────────────────────────────────────────────

func (p *Page) pageID() types.PageId        { return types.PageId(binary.LittleEndian.Uint32(p.data[offPageID:])) }
func (p *Page) setPageID(id types.PageId)   { binary.LittleEndian.PutUint32(p.data[offPageID:], uint32(id)) }
func (p *Page) setNumSlots(n uint16)        { binary.LittleEndian.PutUint16(p.data[offNumSlots:], n) }
func (p *Page) freeSpaceOffset() uint16     { return binary.LittleEndian.Uint16(p.data[offFreeSpaceOffset:]) }
func (p *Page) setFreeSpaceOffset(v uint16) { binary.LittleEndian.PutUint16(p.data[offFreeSpaceOffset:], v) }
func (p *Page) freeSpaceEnd() uint16        { return binary.LittleEndian.Uint16(p.data[offFreeSpaceEnd:]) }
func (p *Page) setFreeSpaceEnd(v uint16)    { binary.LittleEndian.PutUint16(p.data[offFreeSpaceEnd:], v) }
func (p *Page) nextPage() types.PageId {
	return types.PageId(binary.LittleEndian.Uint32(p.data[offNextPage:]))
}
func (p *Page) setNextPage(id types.PageId) {
	binary.LittleEndian.PutUint32(p.data[offNextPage:], uint32(id))
}
