// Package engine wires the storage kernel together — file manager,
// buffer pool, write-ahead log, lock manager, and the in-memory index
// — in that startup order, and exposes the narrow surface the SQL
// collaborators consume. There are no process-wide singletons; every
// Engine owns its own files and state.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"minidb/btree"
	"minidb/bufferpool"
	"minidb/config"
	"minidb/filemanager"
	"minidb/lockmanager"
	"minidb/types"
	"minidb/wal"
)

// Engine is one database instance.
type Engine struct {
	// InstanceID distinguishes engines when several run in one
	// process (tests, embedded use); it is stamped into every log
	// line.
	InstanceID uuid.UUID

	cfg    config.Config
	logger *zap.Logger

	files  *filemanager.FileManager
	buffer *bufferpool.BufferPool
	wal    *wal.Manager
	locks  *lockmanager.Manager
	index  *btree.Tree

	// Recovery is the analysis result from the WAL scan done at open.
	Recovery *wal.RecoveryInfo

	mu       sync.Mutex
	txnPages map[types.TxnId]map[types.PageId]struct{}
}

// Open builds an engine over cfg's files, runs WAL recovery analysis,
// and leaves the index empty for the caller to rebuild.
func Open(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New()
	logger = logger.With(zap.String("instance", id.String()))

	fm, err := filemanager.Open(cfg.DataFile, logger)
	if err != nil {
		return nil, err
	}

	bp := bufferpool.New(cfg.BufferPoolSize, fm, logger)

	wm, err := wal.Open(cfg.WalFile, logger)
	if err != nil {
		fm.Close()
		return nil, err
	}

	info, err := wm.Recover()
	if err != nil {
		wm.Close()
		fm.Close()
		return nil, err
	}

	lm := lockmanager.New(logger)

	order := cfg.BTreeOrder
	if order < btree.MinOrder {
		order = btree.DefaultOrder
	}
	idx, err := btree.New(order)
	if err != nil {
		wm.Close()
		fm.Close()
		return nil, err
	}

	e := &Engine{
		InstanceID: id,
		cfg:        cfg,
		logger:     logger,
		files:      fm,
		buffer:     bp,
		wal:        wm,
		locks:      lm,
		index:      idx,
		Recovery:   info,
		txnPages:   make(map[types.TxnId]map[types.PageId]struct{}),
	}
	logger.Info("engine: open",
		zap.String("data_file", cfg.DataFile),
		zap.String("wal_file", cfg.WalFile),
		zap.Uint32("num_pages", fm.NumPages()))
	return e, nil
}

// Buffer exposes the buffer pool.
func (e *Engine) Buffer() *bufferpool.BufferPool { return e.buffer }

// Files exposes the file manager.
func (e *Engine) Files() *filemanager.FileManager { return e.files }

// Wal exposes the write-ahead log.
func (e *Engine) Wal() *wal.Manager { return e.wal }

// Locks exposes the lock manager.
func (e *Engine) Locks() *lockmanager.Manager { return e.locks }

// Index exposes the in-memory key index.
func (e *Engine) Index() *btree.Tree { return e.index }

// Begin opens a transaction.
func (e *Engine) Begin() (types.TxnId, error) {
	return e.wal.Begin()
}

// Commit forces txn's COMMIT record to stable storage, then releases
// its locks. On return the transaction is durable; dirty data pages
// may still be written lazily.
func (e *Engine) Commit(txn types.TxnId) error {
	if err := e.wal.Commit(txn); err != nil {
		return err
	}
	e.locks.ReleaseAll(txn)
	e.forgetTxn(txn)
	return nil
}

// Abort writes txn's ABORT record, releases its locks, and discards
// the resident frames it touched, dropping their unflushed bytes. A
// frame already written back by eviction or a flush is not undone.
func (e *Engine) Abort(txn types.TxnId) error {
	if err := e.wal.Abort(txn); err != nil {
		return err
	}
	e.locks.ReleaseAll(txn)

	e.mu.Lock()
	touched := e.txnPages[txn]
	delete(e.txnPages, txn)
	e.mu.Unlock()

	for pid := range touched {
		if err := e.buffer.Discard(pid); err != nil {
			return fmt.Errorf("engine: abort txn %d: %w", txn, err)
		}
	}
	return nil
}

// NewPage allocates a page and returns its pinned guard.
func (e *Engine) NewPage() (types.PageId, *bufferpool.PageGuard, error) {
	return e.buffer.NewPage()
}

// InsertRecord appends data to page pid under txn, logging the
// mutation, and returns the record's id.
func (e *Engine) InsertRecord(txn types.TxnId, pid types.PageId, data []byte) (types.RecordId, error) {
	g, err := e.buffer.Fetch(pid)
	if err != nil {
		return types.RecordId{}, err
	}
	defer g.Release()

	slot, err := g.Page().Insert(data)
	if err != nil {
		return types.RecordId{}, err
	}
	g.MarkDirty()

	if _, err := e.wal.LogInsert(txn, pid, slot, data); err != nil {
		return types.RecordId{}, err
	}
	e.rememberPage(txn, pid)
	return types.RecordId{PageId: pid, SlotId: slot}, nil
}

// ReadRecord returns the bytes stored at rid.
func (e *Engine) ReadRecord(rid types.RecordId) ([]byte, error) {
	g, err := e.buffer.Fetch(rid.PageId)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	return g.Page().Read(rid.SlotId)
}

// UpdateRecord replaces the bytes at rid under txn, logging old and
// new images.
func (e *Engine) UpdateRecord(txn types.TxnId, rid types.RecordId, data []byte) error {
	g, err := e.buffer.Fetch(rid.PageId)
	if err != nil {
		return err
	}
	defer g.Release()

	old, err := g.Page().Read(rid.SlotId)
	if err != nil {
		return err
	}
	if err := g.Page().Update(rid.SlotId, data); err != nil {
		return err
	}
	g.MarkDirty()

	if _, err := e.wal.LogUpdate(txn, rid.PageId, rid.SlotId, old, data); err != nil {
		return err
	}
	e.rememberPage(txn, rid.PageId)
	return nil
}

// DeleteRecord tombstones the slot at rid under txn, logging the old
// image.
func (e *Engine) DeleteRecord(txn types.TxnId, rid types.RecordId) error {
	g, err := e.buffer.Fetch(rid.PageId)
	if err != nil {
		return err
	}
	defer g.Release()

	old, err := g.Page().Read(rid.SlotId)
	if err != nil {
		return err
	}
	if err := g.Page().Delete(rid.SlotId); err != nil {
		return err
	}
	g.MarkDirty()

	if _, err := e.wal.LogDelete(txn, rid.PageId, rid.SlotId, old); err != nil {
		return err
	}
	e.rememberPage(txn, rid.PageId)
	return nil
}

// RebuildIndex clears the index and repopulates it by scanning every
// live slot of every base page, deriving each record's key with
// extract. Records for which extract returns false are skipped — the
// core does not know the row format; the executor does.
func (e *Engine) RebuildIndex(extract func(record []byte) (int64, bool)) error {
	e.index.Clear()

	numPages := e.files.NumPages()
	for pid := types.PageId(0); uint32(pid) < numPages; pid++ {
		g, err := e.buffer.Fetch(pid)
		if err != nil {
			return fmt.Errorf("engine: rebuild index: %w", err)
		}
		p := g.Page()
		for i := 0; i < p.NumSlots(); i++ {
			slot := types.SlotId(i)
			if !p.IsSlotLive(slot) {
				continue
			}
			record, err := p.Read(slot)
			if err != nil {
				g.Release()
				return fmt.Errorf("engine: rebuild index: %w", err)
			}
			if key, ok := extract(record); ok {
				e.index.Insert(key, types.RecordId{PageId: pid, SlotId: slot})
			}
		}
		g.Release()
	}

	e.logger.Info("engine: index rebuilt", zap.Int("keys", e.index.Len()))
	return nil
}

// Close flushes all dirty frames and closes the log and page file.
func (e *Engine) Close() error {
	if err := e.buffer.FlushAll(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		e.files.Close()
		return err
	}
	return e.files.Close()
}

func (e *Engine) rememberPage(txn types.TxnId, pid types.PageId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pages, ok := e.txnPages[txn]
	if !ok {
		pages = make(map[types.PageId]struct{})
		e.txnPages[txn] = pages
	}
	pages[pid] = struct{}{}
}

func (e *Engine) forgetTxn(txn types.TxnId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.txnPages, txn)
}
