// Package lock implements the two-phase, record-level lock manager with
// wait-for-graph deadlock detection, grounded on
// original_source/project6/include/lock.h and src/lock.cpp. The acquire/
// release precedence rules below are a direct translation of that file's
// acquire() and release() bodies; see DESIGN.md for the line-by-line
// mapping. Go has no condition variable bound to an arbitrary recursive
// mutex the way the C++ version ties std::condition_variable to the
// manager's own lock, so each Entry gets a sync.Cond bound to the shared
// Manager mutex instead: a waiter's contract on wake is to re-check its own
// Request.granted/aborted fields, never to assume the wake itself means
// success (spec.md §9's wake-then-recheck redesign note).
package lock

import (
	"log/slog"
	"sync"
)

// Request is a single transaction's ask for a lock on one HierarchyID. It is
// returned by Acquire and passed back to Wait and Release.
type Request struct {
	xid     uint64
	typ     LockType
	entry   *entry
	granted bool
	aborted bool
}

func (r *Request) XID() uint64    { return r.xid }
func (r *Request) Type() LockType { return r.typ }

type entry struct {
	hid     HierarchyID
	status  LockType
	running []*Request
	waiting []*Request
	cond    *sync.Cond
}

type Manager struct {
	mu      sync.Mutex
	entries map[HierarchyID]*entry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[HierarchyID]*entry)}
}

// Acquire attempts to grant (hid, xid, typ) immediately. On NeedsWait the
// caller must call Wait(req) to block until the request is granted or is
// released while still waiting; Acquire itself never blocks. On Deadlock
// only this new request is dropped; requests already waiting are untouched.
func (m *Manager) Acquire(hid HierarchyID, xid uint64, typ LockType) (AcquireResult, *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[hid]
	if !ok {
		e = &entry{hid: hid}
		e.cond = sync.NewCond(&m.mu)
		m.entries[hid] = e
	}

	req := &Request{xid: xid, typ: typ, entry: e}

	lastRunnerIsSelf := len(e.running) > 0 && e.running[len(e.running)-1].xid == xid

	grant := e.status == 0 || len(e.running) == 0 ||
		(len(e.waiting) == 0 && ((e.status == Shared && typ == Shared) || lastRunnerIsSelf))

	if !grant && typ == Shared {
		allWaitersShared := true
		for _, w := range e.waiting {
			if w.typ == Exclusive {
				allWaitersShared = false
				break
			}
		}
		grant = allWaitersShared && lastRunnerIsSelf
	}

	if grant {
		if e.status != Exclusive {
			e.status = typ
		}
		e.running = append(e.running, req)
		req.granted = true
		slog.Debug("lock: acquired", "table", hid.Table, "page", hid.Page, "offset", hid.Offset, "xid", xid, "type", typ)
		return Acquired, req
	}

	e.waiting = append(e.waiting, req)

	if m.hasCycleFrom(xid) {
		removeRequest(&e.waiting, req)
		if len(e.running) == 0 && len(e.waiting) == 0 {
			delete(m.entries, hid)
		}
		slog.Debug("lock: deadlock", "table", hid.Table, "page", hid.Page, "offset", hid.Offset, "xid", xid)
		return Deadlock, nil
	}

	slog.Debug("lock: needs wait", "table", hid.Table, "page", hid.Page, "offset", hid.Offset, "xid", xid, "type", typ)
	return NeedsWait, req
}

// Wait blocks until req is granted or aborted (Release called on req while
// it is still in the waiting queue). Returns Acquired or Deadlock.
func (m *Manager) Wait(req *Request) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !req.granted && !req.aborted {
		req.entry.cond.Wait()
	}
	if req.aborted {
		return Deadlock
	}
	return Acquired
}

// Release gives up req's lock (held or still waiting) and wakes the next
// eligible waiter(s), following the exact precedence of
// project6/src/lock.cpp's release(): an EXCLUSIVE waiter at the head of the
// queue is granted alone; otherwise every leading run of SHARED waiters is
// granted together.
func (m *Manager) Release(req *Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := req.entry

	if removeRequest(&e.running, req) {
		// fall through to wake logic below
	} else if removeRequest(&e.waiting, req) {
		req.aborted = true
		e.cond.Broadcast()
	}

	if len(e.running) > 0 {
		return
	}
	if len(e.waiting) == 0 {
		delete(m.entries, e.hid)
		return
	}

	if e.waiting[0].typ == Exclusive {
		w := e.waiting[0]
		e.waiting = e.waiting[1:]
		e.status = Exclusive
		w.granted = true
		e.running = append(e.running, w)
		e.cond.Broadcast()
		return
	}

	e.status = Shared
	i := 0
	for i < len(e.waiting) && e.waiting[i].typ == Shared {
		w := e.waiting[i]
		w.granted = true
		e.running = append(e.running, w)
		i++
	}
	e.waiting = e.waiting[i:]
	e.cond.Broadcast()
}

func removeRequest(list *[]*Request, req *Request) bool {
	for i, r := range *list {
		if r == req {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// hasCycleFrom reports whether the wait-for graph, built from the current
// entry table, has a cycle reachable from xid. Called with m.mu held.
func (m *Manager) hasCycleFrom(xid uint64) bool {
	graph := make(map[uint64][]uint64)
	for _, e := range m.entries {
		for _, after := range e.waiting {
			for _, before := range e.running {
				graph[before.xid] = append(graph[before.xid], after.xid)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int)
	var dfs func(uint64) bool
	dfs = func(n uint64) bool {
		switch color[n] {
		case gray:
			return true
		case black:
			return false
		}
		color[n] = gray
		for _, next := range graph[n] {
			if dfs(next) {
				return true
			}
		}
		color[n] = black
		return false
	}
	return dfs(xid)
}

// ReleaseAll releases every request in reqs, used by the transaction
// manager on commit/abort to drop every lock a transaction holds.
func (m *Manager) ReleaseAll(reqs []*Request) {
	for _, r := range reqs {
		m.Release(r)
	}
}
