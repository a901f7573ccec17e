package lockmanager

import "minidb/types"

// DetectDeadlock builds the wait-for graph — in every queue, each
// WAITING request waits on each currently GRANTED request — and
// reports whether it contains a cycle. It does not pick a victim;
// callers resolve deadlocks by aborting one of the parties (timeout
// already bounds every wait).
func (m *Manager) DetectDeadlock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	waitsFor := make(map[types.TxnId][]types.TxnId)
	for _, q := range m.lockTable {
		for _, waiter := range q.requests {
			if waiter.status != statusWaiting {
				continue
			}
			for _, holder := range q.requests {
				if holder.status == statusGranted && holder.txn != waiter.txn {
					waitsFor[waiter.txn] = append(waitsFor[waiter.txn], holder.txn)
				}
			}
		}
	}

	visited := make(map[types.TxnId]bool)
	onStack := make(map[types.TxnId]bool)

	var dfs func(txn types.TxnId) bool
	dfs = func(txn types.TxnId) bool {
		visited[txn] = true
		onStack[txn] = true
		for _, next := range waitsFor[txn] {
			if onStack[next] {
				return true
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}
		onStack[txn] = false
		return false
	}

	for txn := range waitsFor {
		if !visited[txn] && dfs(txn) {
			return true
		}
	}
	return false
}
