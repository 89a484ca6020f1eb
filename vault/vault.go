// Package vault implements the pending-request vault described in
// spec.md §4.11 (C11): the data structure the communicator (C12) uses to
// correlate outgoing pub/sub requests with their eventual replies, and to
// drive its retry schedule. Grounded on
// original_source/include/qclient/shared/PendingRequestVault.hh
// (RequestID/CommunicatorReply/insert/satisfy shape), reworked from a
// std::map+std::list pair into a Go map+container/list deque.
package vault

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status values for a CommunicatorReply that the vault itself produces,
// as opposed to ones relayed from a satisfy() call.
const (
	StatusOK               = 0
	StatusDeadlineExceeded = 1
)

// CommunicatorReply is the payload a Future eventually resolves to.
type CommunicatorReply struct {
	Status   int
	Contents string
}

// PendingRequest describes one entry the vault is tracking.
type PendingRequest struct {
	ID          string
	Channel     string
	Contents    string
	FirstIssued time.Time
	LastRetry   time.Time
}

// Future resolves to a CommunicatorReply once Satisfy or Expire has run
// against its request's id.
type Future struct {
	ch chan CommunicatorReply
}

// Wait blocks until the reply is available.
func (f Future) Wait() CommunicatorReply { return <-f.ch }

// Chan exposes the underlying channel for select statements.
func (f Future) Chan() <-chan CommunicatorReply { return f.ch }

type node struct {
	req     PendingRequest
	promise chan CommunicatorReply
}

// Vault is an insertion-ordered deque of pending requests plus an
// id-indexed map, per spec.md §4.11.
type Vault struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    map[string]*list.Element
	order    *list.List
	blocking bool
}

// New returns an empty Vault, ready to insert into.
func New() *Vault {
	v := &Vault{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		blocking: true,
	}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// Insert generates a random v4 UUID, pushes a new entry to the back of
// the deque with firstIssued = lastRetry = now, and returns its id and
// Future.
func (v *Vault) Insert(channel, contents string, now time.Time) (string, Future) {
	id := uuid.NewString()
	n := &node{
		req: PendingRequest{
			ID:          id,
			Channel:     channel,
			Contents:    contents,
			FirstIssued: now,
			LastRetry:   now,
		},
		promise: make(chan CommunicatorReply, 1),
	}

	v.mu.Lock()
	elem := v.order.PushBack(n)
	v.items[id] = elem
	v.cond.Broadcast()
	v.mu.Unlock()

	return id, Future{ch: n.promise}
}

// Satisfy fulfils id's future with reply and removes it from the vault.
// Returns false if id is not (or no longer) present.
func (v *Vault) Satisfy(id string, reply CommunicatorReply) bool {
	v.mu.Lock()
	elem, ok := v.items[id]
	if !ok {
		v.mu.Unlock()
		return false
	}
	delete(v.items, id)
	v.order.Remove(elem)
	v.mu.Unlock()

	n := elem.Value.(*node)
	n.promise <- reply
	close(n.promise)
	return true
}

// RetryFrontItem moves the front entry to the back with lastRetry = now
// and returns its channel/contents/id — the retry scheduler's unit of
// work. ok is false if the vault is empty.
func (v *Vault) RetryFrontItem(now time.Time) (channel, contents, id string, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	front := v.order.Front()
	if front == nil {
		return "", "", "", false
	}
	n := front.Value.(*node)
	n.req.LastRetry = now
	v.order.MoveToBack(front)
	return n.req.Channel, n.req.Contents, n.req.ID, true
}

// Expire drops every entry with firstIssued <= cutoff, fulfilling their
// futures with a deadline-exceeded reply, and returns the count dropped.
func (v *Vault) Expire(cutoff time.Time) int {
	v.mu.Lock()
	var expired []*node
	for e := v.order.Front(); e != nil; {
		next := e.Next()
		n := e.Value.(*node)
		if !n.req.FirstIssued.After(cutoff) {
			v.order.Remove(e)
			delete(v.items, n.req.ID)
			expired = append(expired, n)
		}
		e = next
	}
	v.mu.Unlock()

	for _, n := range expired {
		n.promise <- CommunicatorReply{Status: StatusDeadlineExceeded, Contents: "deadline exceeded"}
		close(n.promise)
	}
	return len(expired)
}

// GetEarliestRetry blocks until the vault is non-empty (or
// SetBlockingMode(false) is called) and returns the front entry's
// lastRetry — the earliest point eligible for the next retry pass. ok is
// false only when unblocked with an empty vault, at shutdown.
func (v *Vault) GetEarliestRetry() (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for v.order.Len() == 0 && v.blocking {
		v.cond.Wait()
	}
	if v.order.Len() == 0 {
		return time.Time{}, false
	}
	n := v.order.Front().Value.(*node)
	return n.req.LastRetry, true
}

// SetBlockingMode(false) unblocks any waiter in GetEarliestRetry, used at
// shutdown; SetBlockingMode(true) restores the default blocking wait.
func (v *Vault) SetBlockingMode(blocking bool) {
	v.mu.Lock()
	v.blocking = blocking
	v.cond.Broadcast()
	v.mu.Unlock()
}

// Size returns the number of entries currently tracked.
func (v *Vault) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.order.Len()
}
