// Package lockmanager implements shared/exclusive locking over typed
// resources (table, page, row) with per-resource request queues,
// blocking acquire with timeout, lock upgrade, and wait-for-graph
// deadlock detection. Two-phase locking is the callers' discipline;
// this package only tracks grants.
package lockmanager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"minidb/types"
)

// Mode is the lock strength.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// ResourceKind is the granularity a lock names.
type ResourceKind uint8

const (
	KindTable ResourceKind = iota
	KindPage
	KindRow
)

// Resource identifies what is being locked. Equality is structural;
// unused sub-fields stay zero, and kind is part of identity, so a
// TABLE lock and a PAGE lock over the same table are independent
// resources.
type Resource struct {
	Kind    ResourceKind
	TableId types.TableId
	PageId  types.PageId
	SlotId  types.SlotId
}

func (r Resource) String() string {
	switch r.Kind {
	case KindTable:
		return fmt.Sprintf("table(%d)", r.TableId)
	case KindPage:
		return fmt.Sprintf("page(%d/%d)", r.TableId, r.PageId)
	default:
		return fmt.Sprintf("row(%d/%d/%d)", r.TableId, r.PageId, r.SlotId)
	}
}

// TableResource names a whole table.
func TableResource(table types.TableId) Resource {
	return Resource{Kind: KindTable, TableId: table}
}

// PageResource names one page of a table.
func PageResource(table types.TableId, pid types.PageId) Resource {
	return Resource{Kind: KindPage, TableId: table, PageId: pid}
}

// RowResource names one row of a table.
func RowResource(table types.TableId, pid types.PageId, slot types.SlotId) Resource {
	return Resource{Kind: KindRow, TableId: table, PageId: pid, SlotId: slot}
}

type status int

const (
	statusWaiting status = iota
	statusGranted
	statusAborted
)

// request is one transaction's claim on a resource. grantCh is closed
// when the request transitions to GRANTED, waking the blocked
// acquirer.
type request struct {
	txn     types.TxnId
	mode    Mode
	status  status
	grantCh chan struct{}
}

// queue is the per-resource lock state.
type queue struct {
	requests     []*request
	sharedCount  int
	hasExclusive bool
}

// compatible reports whether mode can be granted given the queue's
// current grants: SHARED needs no exclusive holder; EXCLUSIVE needs
// no holder at all.
func (q *queue) compatible(mode Mode) bool {
	if mode == Shared {
		return !q.hasExclusive
	}
	return q.sharedCount == 0 && !q.hasExclusive
}

// Manager is the lock manager.
type Manager struct {
	mu        sync.Mutex
	lockTable map[Resource]*queue
	txnLocks  map[types.TxnId][]Resource // granted resources per txn
	logger    *zap.Logger
}

// New returns an empty lock manager.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		lockTable: make(map[Resource]*queue),
		txnLocks:  make(map[types.TxnId][]Resource),
		logger:    logger,
	}
}

// Acquire blocks until txn holds res in mode or timeout expires. A
// lock already held in a dominating mode succeeds immediately; holding
// SHARED while requesting EXCLUSIVE attempts an upgrade. Timeout and
// upgrade conflicts return types.ErrConcurrencyFailure; a timed-out
// request is removed with no effect on other waiters.
func (m *Manager) Acquire(txn types.TxnId, res Resource, mode Mode, timeout time.Duration) error {
	m.mu.Lock()

	q := m.queueLocked(res)

	if held := m.heldRequestLocked(q, txn); held != nil {
		if held.mode == Exclusive || mode == Shared {
			m.mu.Unlock()
			return nil
		}
		err := m.upgradeLocked(q, res, held)
		m.mu.Unlock()
		return err
	}

	req := &request{txn: txn, mode: mode, grantCh: make(chan struct{})}

	if q.compatible(mode) {
		m.grantLocked(q, req, res)
		m.mu.Unlock()
		return nil
	}

	req.status = statusWaiting
	q.requests = append(q.requests, req)
	m.logger.Debug("lock: waiting",
		zap.Uint64("txn_id", uint64(txn)), zap.Stringer("resource", res), zap.Stringer("mode", mode))
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-req.grantCh:
		return nil
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The grant may have raced the timer; take it if so.
	if req.status == statusGranted {
		return nil
	}

	req.status = statusAborted
	m.removeRequestLocked(q, res, req)
	m.dropQueueIfEmptyLocked(res, q)
	m.logger.Debug("lock: timeout",
		zap.Uint64("txn_id", uint64(txn)), zap.Stringer("resource", res))
	return fmt.Errorf("lock: acquire %s %s for txn %d timed out after %s: %w",
		mode, res, txn, timeout, types.ErrConcurrencyFailure)
}

// Release drops txn's granted lock on res and wakes eligible waiters.
func (m *Manager) Release(txn types.TxnId, res Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.lockTable[res]
	if !ok {
		return fmt.Errorf("lock: release %s for txn %d: %w", res, txn, types.ErrNotFound)
	}
	req := m.heldRequestLocked(q, txn)
	if req == nil {
		return fmt.Errorf("lock: release %s for txn %d: %w", res, txn, types.ErrNotFound)
	}

	m.removeRequestLocked(q, res, req)
	m.removeTxnLockLocked(txn, res)
	m.wakeWaitersLocked(q, res)
	m.dropQueueIfEmptyLocked(res, q)
	return nil
}

// ReleaseAll removes every request txn has anywhere, granted or
// waiting, and wakes affected queues. Called at transaction end.
func (m *Manager) ReleaseAll(txn types.TxnId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for res, q := range m.lockTable {
		changed := false
		for i := 0; i < len(q.requests); {
			req := q.requests[i]
			if req.txn != txn {
				i++
				continue
			}
			m.removeRequestLocked(q, res, req)
			changed = true
		}
		if changed {
			m.wakeWaitersLocked(q, res)
			m.dropQueueIfEmptyLocked(res, q)
		}
	}
	delete(m.txnLocks, txn)
}

// Upgrade converts txn's SHARED lock on res to EXCLUSIVE. Valid only
// when txn is the sole reader; otherwise fails and the caller must
// retry or abort (two simultaneous upgraders would deadlock).
func (m *Manager) Upgrade(txn types.TxnId, res Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.lockTable[res]
	if !ok {
		return fmt.Errorf("lock: upgrade %s for txn %d: no lock held: %w", res, txn, types.ErrConcurrencyFailure)
	}
	held := m.heldRequestLocked(q, txn)
	if held == nil || held.mode != Shared {
		return fmt.Errorf("lock: upgrade %s for txn %d: no shared lock held: %w", res, txn, types.ErrConcurrencyFailure)
	}
	return m.upgradeLocked(q, res, held)
}

func (m *Manager) upgradeLocked(q *queue, res Resource, held *request) error {
	if q.sharedCount != 1 || q.hasExclusive {
		return fmt.Errorf("lock: upgrade %s for txn %d: %d other readers: %w",
			res, held.txn, q.sharedCount-1, types.ErrConcurrencyFailure)
	}
	held.mode = Exclusive
	q.sharedCount = 0
	q.hasExclusive = true
	m.logger.Debug("lock: upgraded",
		zap.Uint64("txn_id", uint64(held.txn)), zap.Stringer("resource", res))
	return nil
}

// Holds reports whether txn has a granted lock on res at least as
// strong as mode.
func (m *Manager) Holds(txn types.TxnId, res Resource, mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.lockTable[res]
	if !ok {
		return false
	}
	req := m.heldRequestLocked(q, txn)
	if req == nil {
		return false
	}
	return req.mode == Exclusive || mode == Shared
}

// LockTable acquires a table-granularity lock.
func (m *Manager) LockTable(txn types.TxnId, table types.TableId, mode Mode, timeout time.Duration) error {
	return m.Acquire(txn, TableResource(table), mode, timeout)
}

// LockPage acquires a page-granularity lock.
func (m *Manager) LockPage(txn types.TxnId, table types.TableId, pid types.PageId, mode Mode, timeout time.Duration) error {
	return m.Acquire(txn, PageResource(table, pid), mode, timeout)
}

// LockRow acquires a row-granularity lock.
func (m *Manager) LockRow(txn types.TxnId, table types.TableId, pid types.PageId, slot types.SlotId, mode Mode, timeout time.Duration) error {
	return m.Acquire(txn, RowResource(table, pid, slot), mode, timeout)
}

// ─── internal, all under mu ────────────────────────────────────────────

func (m *Manager) queueLocked(res Resource) *queue {
	q, ok := m.lockTable[res]
	if !ok {
		q = &queue{}
		m.lockTable[res] = q
	}
	return q
}

// heldRequestLocked returns txn's granted request in q, if any.
func (m *Manager) heldRequestLocked(q *queue, txn types.TxnId) *request {
	for _, req := range q.requests {
		if req.txn == txn && req.status == statusGranted {
			return req
		}
	}
	return nil
}

func (m *Manager) grantLocked(q *queue, req *request, res Resource) {
	req.status = statusGranted
	q.requests = append(q.requests, req)
	if req.mode == Shared {
		q.sharedCount++
	} else {
		q.hasExclusive = true
	}
	m.txnLocks[req.txn] = append(m.txnLocks[req.txn], res)
	m.logger.Debug("lock: granted",
		zap.Uint64("txn_id", uint64(req.txn)), zap.Stringer("resource", res), zap.Stringer("mode", req.mode))
}

// removeRequestLocked takes req out of q and, if it was granted,
// rolls back the counters and the txnLocks entry.
func (m *Manager) removeRequestLocked(q *queue, res Resource, req *request) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	if req.status == statusGranted {
		if req.mode == Shared {
			q.sharedCount--
		} else {
			q.hasExclusive = false
		}
		m.removeTxnLockLocked(req.txn, res)
	}
}

func (m *Manager) removeTxnLockLocked(txn types.TxnId, res Resource) {
	held := m.txnLocks[txn]
	for i, r := range held {
		if r == res {
			m.txnLocks[txn] = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(m.txnLocks[txn]) == 0 {
		delete(m.txnLocks, txn)
	}
}

// wakeWaitersLocked grants waiters now compatible with the queue
// state, front to back. Multiple SHARED waiters can be granted in one
// wake; after granting an EXCLUSIVE, the sweep stops. Fairness is not
// strict — continuous SHARED traffic can starve an EXCLUSIVE waiter.
func (m *Manager) wakeWaitersLocked(q *queue, res Resource) {
	for _, req := range q.requests {
		if req.status != statusWaiting {
			continue
		}
		if !q.compatible(req.mode) {
			continue
		}
		req.status = statusGranted
		if req.mode == Shared {
			q.sharedCount++
		} else {
			q.hasExclusive = true
		}
		m.txnLocks[req.txn] = append(m.txnLocks[req.txn], res)
		close(req.grantCh)
		m.logger.Debug("lock: woke waiter",
			zap.Uint64("txn_id", uint64(req.txn)), zap.Stringer("resource", res), zap.Stringer("mode", req.mode))
		if req.mode == Exclusive {
			return
		}
	}
}

// dropQueueIfEmptyLocked retires a drained queue. The identity check
// guards against deleting a successor queue created for res after q
// was already dropped (possible when a timed-out waiter races a
// ReleaseAll that emptied q first).
func (m *Manager) dropQueueIfEmptyLocked(res Resource, q *queue) {
	if m.lockTable[res] == q && len(q.requests) == 0 {
		delete(m.lockTable, res)
	}
}
