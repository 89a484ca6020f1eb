// Package flusher implements the durable write-behind queue described in
// spec.md §4.10 (C10): pushRequest returns immediately, a single worker
// submits the oldest unacknowledged journal entry through a Client, and
// the journal's startingIndex only advances on positive acknowledgement.
// Grounded on original_source/include/qclient/BackgroundFlusher.hh
// (pushRequest/waitForIndex/getEnqueuedAndClear/getAcknowledgedAndClear
// shape) and BackpressuredQueue.hh (persistency-layer contract, journal
// backpressure).
package flusher

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/qclient/client"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

var errConnectionLost = errors.New("flusher: connection lost, entry will be retried")

// Submitter is the "inner client" a Flusher drives requests through
// (spec.md §4.1: "the background flusher owns ... its own inner client").
// *client.Client satisfies this directly.
type Submitter interface {
	Send(req resp.Request, cb client.Callback)
}

// Notifier receives events a Flusher can't otherwise surface to a
// caller, since pushRequest already returned. Grounded on
// BackgroundFlusher.hh's Notifier interface.
type Notifier interface {
	NetworkIssue(err error)
	UnexpectedResponse(err error)
	Shutdown()
}

// NopNotifier discards every event; the default when Options.Notifier is
// nil.
type NopNotifier struct{}

func (NopNotifier) NetworkIssue(error)       {}
func (NopNotifier) UnexpectedResponse(error) {}
func (NopNotifier) Shutdown()                {}

// Options configures a Flusher.
type Options struct {
	// Persistency defaults to NewMemoryPersistency() when nil.
	Persistency Persistency
	// Notifier defaults to NopNotifier{} when nil.
	Notifier Notifier
	// QueueLimit bounds journal length; PushRequest blocks once
	// EndingIndex-StartingIndex reaches it. Zero means unbounded.
	QueueLimit int
	// RetryOnServerError changes how a server error reply is handled:
	// by default (false) the entry is acknowledged and Notifier is told
	// about the "unexpected" response, per spec.md §9's chosen
	// resolution ("acknowledge and notify" to avoid livelock on a
	// permanent error). Setting it true retries the entry forever
	// instead, treating server errors the same as a lost connection.
	RetryOnServerError bool
}

// Flusher is a durable, at-least-once write-behind queue.
type Flusher struct {
	submitter          Submitter
	persistency        Persistency
	notifier           Notifier
	queueLimit         int
	retryOnServerError bool

	mu   sync.Mutex
	cond *sync.Cond

	closeOnce sync.Once
	closeCh   chan struct{}

	enqueued     int64
	acknowledged int64
}

// New starts a Flusher submitting through submitter.
func New(submitter Submitter, opts Options) *Flusher {
	if opts.Persistency == nil {
		opts.Persistency = NewMemoryPersistency()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	f := &Flusher{
		submitter:          submitter,
		persistency:        opts.Persistency,
		notifier:           opts.Notifier,
		queueLimit:         opts.QueueLimit,
		retryOnServerError: opts.RetryOnServerError,
		closeCh:            make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.worker()
	return f
}

// Close stops the worker; entries not yet acknowledged stay in the
// journal, as if the process had crashed.
func (f *Flusher) Close() {
	f.closeOnce.Do(func() {
		close(f.closeCh)
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
}

// PushRequest appends cmd to the journal and returns its assigned index
// immediately; delivery happens asynchronously. Blocks while the journal
// is at QueueLimit.
func (f *Flusher) PushRequest(cmd resp.Request) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.queueLimit > 0 && f.persistency.EndingIndex()-f.persistency.StartingIndex() >= uint64(f.queueLimit) {
		select {
		case <-f.closeCh:
			return 0, re.ErrShuttingDown.New("flusher: shutting down")
		default:
		}
		f.cond.Wait()
	}
	idx := f.persistency.Append(cmd)
	atomic.AddInt64(&f.enqueued, 1)
	f.cond.Broadcast()
	return idx, nil
}

// Size returns the number of entries currently in the journal, i.e. pushed
// but not yet acknowledged (acknowledged entries are popped).
func (f *Flusher) Size() uint64 {
	return f.persistency.EndingIndex() - f.persistency.StartingIndex()
}

// HasItemBeenAcked reports whether index has been dropped from the
// journal head, i.e. is strictly below StartingIndex.
func (f *Flusher) HasItemBeenAcked(index uint64) bool {
	return index < f.persistency.StartingIndex()
}

// WaitForIndex blocks until index has been acknowledged or timeout
// elapses, returning the final HasItemBeenAcked(index).
func (f *Flusher) WaitForIndex(index uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer timer.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.persistency.StartingIndex() <= index {
		if !time.Now().Before(deadline) {
			return f.persistency.StartingIndex() > index
		}
		f.cond.Wait()
	}
	return true
}

// EnqueuedAndClear returns the number of entries pushed since the last
// call, resetting the counter.
func (f *Flusher) EnqueuedAndClear() int64 { return atomic.SwapInt64(&f.enqueued, 0) }

// AcknowledgedAndClear returns the number of entries acknowledged since
// the last call, resetting the counter.
func (f *Flusher) AcknowledgedAndClear() int64 { return atomic.SwapInt64(&f.acknowledged, 0) }

func (f *Flusher) worker() {
	for {
		f.mu.Lock()
		for f.persistency.StartingIndex() >= f.persistency.EndingIndex() {
			select {
			case <-f.closeCh:
				f.mu.Unlock()
				f.notifier.Shutdown()
				return
			default:
			}
			f.cond.Wait()
		}
		idx := f.persistency.StartingIndex()
		cmd, ok := f.persistency.At(idx)
		f.mu.Unlock()
		if !ok {
			continue
		}

		replyCh := make(chan interface{}, 1)
		f.submitter.Send(cmd, func(reply interface{}) { replyCh <- reply })
		select {
		case reply := <-replyCh:
			f.handleReply(idx, reply)
		case <-f.closeCh:
			f.notifier.Shutdown()
			return
		}
	}
}

func (f *Flusher) handleReply(idx uint64, reply interface{}) {
	if reply == nil {
		f.notifier.NetworkIssue(errConnectionLost)
		return
	}
	if err, ok := reply.(error); ok {
		if f.retryOnServerError {
			f.notifier.NetworkIssue(err)
			return
		}
		f.notifier.UnexpectedResponse(err)
	}

	f.mu.Lock()
	f.persistency.PopFront()
	f.cond.Broadcast()
	f.mu.Unlock()
	atomic.AddInt64(&f.acknowledged, 1)
}
