package lockmgr

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// runCycleDetection periodically rebuilds the wait-for graph from the
// current queues and aborts the newest transaction in any cycle it finds.
func (lm *LockManager) runCycleDetection() {
	ticker := time.NewTicker(lm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopCh:
			return
		case <-ticker.C:
			lm.detectAndBreakOneCycle()
		}
	}
}

func (lm *LockManager) detectAndBreakOneCycle() {
	lm.mu.Lock()
	lm.waitsFor = lm.buildWaitsForGraphLocked()
	newest, found := hasCycle(lm.waitsFor)
	aborter := lm.aborter
	lm.mu.Unlock()

	if !found || aborter == nil {
		return
	}
	_ = aborter.AbortByID(newest)
	lm.deleteNode(newest)
}

// buildWaitsForGraphLocked walks every row's queue: every not-yet-granted
// request waits for every earlier (granted or not) request on that row.
// Caller must hold lm.mu.
func (lm *LockManager) buildWaitsForGraphLocked() map[uint64]mapset.Set[uint64] {
	graph := make(map[uint64]mapset.Set[uint64])
	addEdge := func(from, to uint64) {
		if from == to {
			return
		}
		s, ok := graph[from]
		if !ok {
			s = mapset.NewSet[uint64]()
			graph[from] = s
		}
		s.Add(to)
	}

	for _, q := range lm.table {
		q.mu.Lock()
		for i, waiter := range q.requests {
			if waiter.granted != modeNone {
				continue
			}
			for j := 0; j < i; j++ {
				addEdge(waiter.txnID, q.requests[j].txnID)
			}
		}
		q.mu.Unlock()
	}
	return graph
}

// hasCycle runs iterative DFS over graph, always exploring the lowest-id
// neighbor first, and reports the transaction whose edge closed the cycle.
func hasCycle(graph map[uint64]mapset.Set[uint64]) (newest uint64, found bool) {
	explored := make(map[uint64]bool)

	roots := make([]uint64, 0, len(graph))
	for t := range graph {
		roots = append(roots, t)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	for _, root := range roots {
		if explored[root] {
			continue
		}
		if cycleFrom(graph, root, explored, map[uint64]bool{}, &newest) {
			return newest, true
		}
	}
	return 0, false
}

// cycleFrom explores depth-first from node, marking nodes fully explored as
// it backtracks out of them. onPath tracks the current DFS stack.
func cycleFrom(graph map[uint64]mapset.Set[uint64], node uint64, explored, onPath map[uint64]bool, newest *uint64) bool {
	onPath[node] = true

	neighbors := sortedNeighbors(graph[node])
	for _, next := range neighbors {
		if onPath[next] {
			*newest = node
			return true
		}
		if explored[next] {
			continue
		}
		if cycleFrom(graph, next, explored, onPath, newest) {
			return true
		}
	}

	delete(onPath, node)
	explored[node] = true
	return false
}

func sortedNeighbors(s mapset.Set[uint64]) []uint64 {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// deleteNode removes txnID's node from the wait-for graph and wakes every
// queue so the aborted goroutine, still parked in cond.Wait inside
// LockShared/LockExclusive/LockUpgrade, re-checks its own state and unwinds
// instead of waiting forever: LockShared and LockExclusive return a Deadlock
// TxnAbortError, LockUpgrade returns false with a nil error.
func (lm *LockManager) deleteNode(txnID uint64) {
	lm.mu.Lock()
	delete(lm.waitsFor, txnID)
	for _, neighbors := range lm.waitsFor {
		neighbors.Remove(txnID)
	}
	queues := make([]*requestQueue, 0, len(lm.table))
	for _, q := range lm.table {
		queues = append(queues, q)
	}
	lm.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
