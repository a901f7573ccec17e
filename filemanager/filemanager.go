// Package filemanager implements the durable, single-file paged store:
// a 64-byte fixed header, a fixed-capacity free-page-id list, and a
// flat array of 4096-byte pages.
package filemanager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"minidb/page"
	"minidb/types"
)

const (
	// Magic identifies a minidb page file.
	Magic = 0x4D494E49
	// Version is the only wire format version this package writes or
	// accepts.
	Version = 1

	// HeaderSize is the fixed-size file header in bytes.
	HeaderSize = 64

	// FreeListCapacity is the hard cap on free-page-id entries that fit
	// in the fixed region following the header.
	FreeListCapacity = 1024

	freeListBytes = FreeListCapacity * 4 // one uint32 per PageId

	// HeaderEnd is the byte offset where page 0 begins.
	HeaderEnd = HeaderSize + freeListBytes

	offMagic       = 0
	offVersion     = 4
	offNumPages    = 8
	offFreeListLen = 12
)

// FileManager is a durable paged store over one on-disk file.
type FileManager struct {
	mu        sync.Mutex
	file      *os.File
	numPages  uint32
	freeList  []types.PageId
	logger    *zap.Logger
}

// Open opens path if it exists, creating it otherwise, and validates
// the header. A bad magic or version is fatal; nothing is readable
// from a file whose layout cannot be trusted.
func Open(path string, logger *zap.Logger) (*FileManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("filemanager: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filemanager: stat %s: %w", path, err)
	}

	fm := &FileManager{file: f, logger: logger}

	if stat.Size() == 0 {
		fm.numPages = 0
		fm.freeList = nil
		if err := fm.writeHeaderLocked(); err != nil {
			f.Close()
			return nil, err
		}
		logger.Info("filemanager: created new page file", zap.String("path", path))
		return fm, nil
	}

	if err := fm.readHeaderLocked(); err != nil {
		f.Close()
		return nil, err
	}
	logger.Info("filemanager: opened existing page file",
		zap.String("path", path), zap.Uint32("num_pages", fm.numPages), zap.Int("free_list_len", len(fm.freeList)))
	return fm, nil
}

func (fm *FileManager) readHeaderLocked() error {
	buf := make([]byte, HeaderEnd)
	n, err := fm.file.ReadAt(buf, 0)
	if err != nil && n < HeaderSize {
		return fmt.Errorf("filemanager: read header: %w", types.ErrShortIo)
	}

	magic := binary.LittleEndian.Uint32(buf[offMagic:])
	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if magic != Magic {
		return fmt.Errorf("filemanager: bad magic %#x: %w", magic, types.ErrCorruptFile)
	}
	if version != Version {
		return fmt.Errorf("filemanager: unsupported version %d: %w", version, types.ErrCorruptFile)
	}

	fm.numPages = binary.LittleEndian.Uint32(buf[offNumPages:])
	freeLen := binary.LittleEndian.Uint32(buf[offFreeListLen:])
	if freeLen > FreeListCapacity {
		return fmt.Errorf("filemanager: free-list length %d exceeds capacity: %w", freeLen, types.ErrCorruptFile)
	}

	fm.freeList = make([]types.PageId, freeLen)
	off := HeaderSize
	for i := uint32(0); i < freeLen; i++ {
		fm.freeList[i] = types.PageId(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return nil
}

func (fm *FileManager) writeHeaderLocked() error {
	buf := make([]byte, HeaderEnd)
	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], Version)
	binary.LittleEndian.PutUint32(buf[offNumPages:], fm.numPages)
	binary.LittleEndian.PutUint32(buf[offFreeListLen:], uint32(len(fm.freeList)))

	off := HeaderSize
	for _, pid := range fm.freeList {
		binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
		off += 4
	}

	if _, err := fm.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("filemanager: write header: %w", err)
	}
	return nil
}

// Allocate returns a fresh page id, popping the free list (LIFO) if it
// is non-empty, otherwise extending the file by one page. The new page
// is initialized on disk before Allocate returns.
func (fm *FileManager) Allocate() (types.PageId, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var id types.PageId
	if n := len(fm.freeList); n > 0 {
		id = fm.freeList[n-1]
		fm.freeList = fm.freeList[:n-1]
	} else {
		id = types.PageId(fm.numPages)
		fm.numPages++
	}

	fresh := page.New(id)
	var buf [page.Size]byte
	if err := fresh.Serialize(buf[:]); err != nil {
		return 0, err
	}
	if _, err := fm.file.WriteAt(buf[:], fm.pageOffset(id)); err != nil {
		return 0, fmt.Errorf("filemanager: initialize page %d: %w", id, err)
	}

	if err := fm.writeHeaderLocked(); err != nil {
		return 0, err
	}
	fm.logger.Debug("filemanager: allocate", zap.Uint32("page_id", uint32(id)))
	return id, nil
}

// Deallocate returns pid to the free list. If the free list is already
// at capacity, it returns types.ErrCapacityExhausted rather than
// silently dropping the entry; the caller may ignore the error to
// accept the space leak.
func (fm *FileManager) Deallocate(pid types.PageId) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if len(fm.freeList) >= FreeListCapacity {
		return fmt.Errorf("filemanager: free list full, cannot deallocate page %d: %w", pid, types.ErrCapacityExhausted)
	}
	fm.freeList = append(fm.freeList, pid)
	return fm.writeHeaderLocked()
}

// Read loads page pid from disk.
func (fm *FileManager) Read(pid types.PageId) (*page.Page, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if uint32(pid) >= fm.numPages {
		return nil, fmt.Errorf("filemanager: page %d >= num_pages %d: %w", pid, fm.numPages, types.ErrNotFound)
	}

	buf := make([]byte, page.Size)
	n, err := fm.file.ReadAt(buf, fm.pageOffset(pid))
	if err != nil || n != page.Size {
		return nil, fmt.Errorf("filemanager: read page %d: %w", pid, types.ErrShortIo)
	}

	p, err := page.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("filemanager: deserialize page %d: %w", pid, err)
	}
	return p, nil
}

// Write serializes p and writes it at its computed offset, then
// flushes the file.
func (fm *FileManager) Write(pid types.PageId, p *page.Page) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	buf := make([]byte, page.Size)
	if err := p.Serialize(buf); err != nil {
		return err
	}
	if _, err := fm.file.WriteAt(buf, fm.pageOffset(pid)); err != nil {
		return fmt.Errorf("filemanager: write page %d: %w", pid, err)
	}
	if err := fm.file.Sync(); err != nil {
		return fmt.Errorf("filemanager: sync after write page %d: %w", pid, err)
	}
	return nil
}

// Flush rewrites the header and syncs the file.
func (fm *FileManager) Flush() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if err := fm.writeHeaderLocked(); err != nil {
		return err
	}
	return fm.file.Sync()
}

// NumPages returns the number of pages the file currently spans,
// including ones on the free list.
func (fm *FileManager) NumPages() uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.numPages
}

// FreeListLen returns the current number of entries on the free list.
func (fm *FileManager) FreeListLen() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.freeList)
}

// Close flushes and closes the underlying file.
func (fm *FileManager) Close() error {
	if err := fm.Flush(); err != nil {
		return err
	}
	return fm.file.Close()
}

func (fm *FileManager) pageOffset(pid types.PageId) int64 {
	return int64(HeaderEnd) + int64(pid)*int64(page.Size)
}
