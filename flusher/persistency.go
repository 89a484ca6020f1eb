package flusher

import (
	"sync"

	"github.com/joomcode/qclient/resp"
)

// Persistency is the durable-journal contract a Flusher drives, per
// spec.md §4.10: append/pop_front plus ordered iteration from
// startingIndex. Grounded on original_source/include/qclient/
// BackpressuredQueue.hh's PersistencyLayer template — the C++ version is a
// virtual base with default no-op bodies; here it's a plain interface, and
// MemoryPersistency is the "default in-memory implementation" spec.md
// calls acceptable.
type Persistency interface {
	// Append records cmd as the next entry and returns its index.
	Append(cmd resp.Request) uint64
	// PopFront discards the oldest entry, advancing StartingIndex by one.
	PopFront()
	// StartingIndex is the lowest index not yet acknowledged.
	StartingIndex() uint64
	// EndingIndex is one past the highest assigned index.
	EndingIndex() uint64
	// At retrieves the entry at index, if it is still present.
	At(index uint64) (resp.Request, bool)
}

// MemoryPersistency is a non-durable Persistency backed by a slice; state
// is lost across restarts, which is fine for tests and for callers who
// don't need crash recovery.
type MemoryPersistency struct {
	mu    sync.Mutex
	items []resp.Request
	start uint64
}

// NewMemoryPersistency returns an empty in-memory journal.
func NewMemoryPersistency() *MemoryPersistency {
	return &MemoryPersistency{}
}

func (p *MemoryPersistency) Append(cmd resp.Request) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.start + uint64(len(p.items))
	p.items = append(p.items, cmd)
	return idx
}

func (p *MemoryPersistency) PopFront() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return
	}
	p.items = p.items[1:]
	p.start++
}

func (p *MemoryPersistency) StartingIndex() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start
}

func (p *MemoryPersistency) EndingIndex() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start + uint64(len(p.items))
}

func (p *MemoryPersistency) At(index uint64) (resp.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < p.start || index >= p.start+uint64(len(p.items)) {
		return resp.Request{}, false
	}
	return p.items[index-p.start], true
}
