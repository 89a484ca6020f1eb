// Package client implements the reconnecting, pipelined, full-duplex
// connection core described in spec.md §4.1 (C5 writer loop, C6 reader
// loop, C7 request staging queue, C8 backpressure gate). It is the
// single-connection analogue of redisconn.Connection: this module is
// explicitly "one logical connection per Client instance", never a pool
// or a cluster-aware multiplexer (spec.md §1 Non-goals).
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"

	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/handshake"
	"github.com/joomcode/qclient/logger"
	"github.com/joomcode/qclient/netstream"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

const (
	stateDisconnected uint32 = iota
	stateConnecting
	stateConnected
	stateClosed
)

const (
	minBackoff = time.Millisecond
	maxBackoff = 2 * time.Second

	// DefaultPendingLimit is the backpressure ceiling applied when no Gate
	// is configured, per spec.md §4.1 (C8).
	DefaultPendingLimit = 262144
)

// RetryPolicy decides whether a request that failed because its connection
// died should be resubmitted on reconnect, per spec.md §4.1. The zero value
// is NoRetries.
type RetryPolicy struct {
	infinite bool
	deadline time.Duration
}

// NoRetries never resubmits a failed request; its callback receives nil as
// soon as the connection carrying it is lost.
func NoRetries() RetryPolicy { return RetryPolicy{} }

// WithTimeout resubmits a failed request until d has elapsed since it was
// first submitted.
func WithTimeout(d time.Duration) RetryPolicy { return RetryPolicy{deadline: d} }

// InfiniteRetries resubmits a failed request until it succeeds or the
// Client is closed.
func InfiniteRetries() RetryPolicy { return RetryPolicy{infinite: true} }

func (p RetryPolicy) allows(elapsed time.Duration) bool {
	if p.infinite {
		return true
	}
	return p.deadline > 0 && elapsed < p.deadline
}

// Gate bounds how many requests may be sent-but-unacknowledged at once,
// per spec.md §4.1 (C8) and the blocking backpressure scenario in §8 item
// 3 ("the 3rd execute() ... MUST block; after one reply arrives it MUST
// unblock"). A Gate returned by Infinite never blocks Send; a nil
// Options.Gate is replaced by RateLimitPendingRequests(DefaultPendingLimit).
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int64
	count  int64
	closed bool
}

// Infinite returns a Gate that never applies backpressure.
func Infinite() *Gate { return newGate(0) }

// RateLimitPendingRequests returns a Gate that blocks new requests once n
// are pending acknowledgement, until one is acknowledged or the owning
// Client shuts down.
func RateLimitPendingRequests(n int) *Gate { return newGate(int64(n)) }

func newGate(limit int64) *Gate {
	g := &Gate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire blocks cooperatively until capacity is available, returning
// false only if the gate has been closed (the Client is shutting down)
// before capacity freed up.
func (g *Gate) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.limit <= 0 || g.count < g.limit {
			if g.closed {
				return false
			}
			g.count++
			return true
		}
		if g.closed {
			return false
		}
		g.cond.Wait()
	}
}

func (g *Gate) release() {
	g.mu.Lock()
	g.count--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// close unblocks every waiter permanently; used by Client shutdown.
func (g *Gate) close() {
	g.mu.Lock()
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Callback receives the reply (or *errorx.Error) for exactly one request.
type Callback func(reply interface{})

// Options configures a Client, generalizing redisconn.Opts (spec.md §4.1,
// §5 "connection options").
type Options struct {
	// Targets is the ordered list of candidate endpoints; the first one
	// that resolves and accepts a connection wins, per spec.md §4.2.
	Targets []endpoint.Endpoint
	// Resolver resolves Targets to dialable addresses. Defaults to
	// endpoint.NewResolver() (real DNS, consulting the process-wide
	// intercept table).
	Resolver *endpoint.Resolver
	// NewHandshake returns a fresh Handshake to run on every new
	// connection. May be nil to skip the handshake entirely.
	NewHandshake func() handshake.Handshake
	// TLSDialer optionally wraps the raw TCP connection in TLS.
	TLSDialer netstream.TLSDialer
	// DialTimeout bounds a single connection attempt. Defaults to 2s.
	DialTimeout time.Duration
	// IOTimeout bounds individual reads/writes on an established
	// connection. 0 disables the timeout.
	IOTimeout time.Duration
	// Gate applies backpressure; defaults to
	// RateLimitPendingRequests(DefaultPendingLimit).
	Gate *Gate
	// Retry is the default retry policy applied to Send when the caller
	// does not specify one via SendWithRetry.
	Retry RetryPolicy
	Logger logger.Logger
	// Async, if true, returns from Connect before the first connection
	// attempt completes; Send enqueues requests that flush once connected.
	Async bool
	// TransparentRedirects, per spec.md §6/§4.6 item 2, makes the Client
	// follow a single-hop MOVED redirect by reconnecting to the address it
	// names instead of delivering the redirect to the caller. Off by
	// default. ASK is never followed regardless of this setting (spec.md
	// §1 Non-goals: "only single-hop MOVED redirection is followed").
	TransparentRedirects bool
}

type pendingItem struct {
	req        resp.Request
	cb         Callback
	retry      RetryPolicy
	submitted  time.Time
	redirected bool
}

func (it *pendingItem) fail(reply interface{}) {
	if it.cb != nil {
		it.cb(reply)
	}
}

// Client is a single logical, reconnecting, pipelined connection.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	opts Options
	gate *Gate

	state uint32

	mu     sync.Mutex
	stream *netstream.Stream
	epoch  *connEpoch

	queueMu sync.Mutex
	queue   []*pendingItem
	dirty   chan struct{}

	backoff time.Duration

	// redirectTarget, when non-nil, is the address connectOnce must dial
	// on its next attempt instead of iterating opts.Targets, per spec.md
	// §4.6 item 2's single-hop MOVED redirect. It is cleared the moment
	// connectOnce consumes it, so a second redirect starts fresh from
	// opts.Targets on the following reconnect.
	redirectTarget *endpoint.Endpoint
}

// connEpoch is the state shared between one connection attempt's writer
// and reader goroutines, matching oneconn in redisconn/conn.go.
type connEpoch struct {
	stream  *netstream.Stream
	batches chan []*pendingItem
	done    chan struct{}
	errOnce sync.Once
	err     error
}

func (e *connEpoch) fail(err error) {
	e.errOnce.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Connect establishes (or schedules, if Async) a connection and starts the
// background reconnect supervisor.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if ctx == nil {
		return nil, re.ErrContextNil.New("client: nil context")
	}
	if len(opts.Targets) == 0 {
		return nil, re.ErrNoAddress.New("client: no targets configured")
	}
	if opts.Resolver == nil {
		opts.Resolver = endpoint.NewResolver()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.Gate == nil {
		opts.Gate = RateLimitPendingRequests(DefaultPendingLimit)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop{}
	}

	c := &Client{
		opts:    opts,
		gate:    opts.Gate,
		dirty:   make(chan struct{}, 1),
		backoff: minBackoff,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if opts.Async {
		go c.connectLoop()
		return c, nil
	}

	if err := c.connectOnce(); err != nil {
		if errorx.IsOfType(err, re.ErrHandshakeInvalid) {
			return nil, err
		}
		go c.connectLoop()
		return c, nil
	}
	go c.connectLoop()
	return c, nil
}

// State reporting, mirroring Connection.ConnectedNow/MayBeConnected.
func (c *Client) ConnectedNow() bool {
	return atomic.LoadUint32(&c.state) == stateConnected
}

func (c *Client) MayBeConnected() bool {
	s := atomic.LoadUint32(&c.state)
	return s == stateConnected || s == stateConnecting
}

// Close shuts the Client down for good; in-flight and queued requests are
// completed with the Nil sentinel, per spec.md §5's shutdown-drain
// contract.
func (c *Client) Close() {
	c.cancel()
}

// Send submits req using the Client's default retry policy.
func (c *Client) Send(req resp.Request, cb Callback) {
	c.SendWithRetry(req, c.opts.Retry, cb)
}

// SendWithRetry submits req with an explicit retry policy, per spec.md
// §4.1's staging queue (C7): if the Client is connected the request is
// eligible for the very next flush; otherwise it waits in the queue until
// a connection is established or it is dropped by reconnect's retry
// accounting.
func (c *Client) SendWithRetry(req resp.Request, retry RetryPolicy, cb Callback) {
	if atomic.LoadUint32(&c.state) == stateClosed {
		if cb != nil {
			cb(nil)
		}
		return
	}
	// Blocks cooperatively until capacity frees up or the Client closes
	// (spec.md §4.8/§8 scenario 3: "MUST block; after one reply arrives it
	// MUST unblock").
	if !c.gate.acquire() {
		if cb != nil {
			cb(nil)
		}
		return
	}
	it := &pendingItem{req: req, cb: cb, retry: retry, submitted: time.Now()}
	c.enqueue(it)
}

func (c *Client) enqueue(it *pendingItem) {
	c.queueMu.Lock()
	c.queue = append(c.queue, it)
	c.queueMu.Unlock()
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// Ping issues a PING and blocks for the reply, matching
// Connection.Ping()'s role as the control loop's liveness probe.
func (c *Client) Ping() error {
	done := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "PING"}, func(reply interface{}) { done <- reply })
	reply := <-done
	if err := resp.AsError(reply); err != nil {
		return err
	}
	if e, ok := reply.(error); ok {
		return e
	}
	if s, ok := reply.(string); !ok || s != "PONG" {
		return re.ErrResponseUnexpected.New("client: unexpected PING reply %v", reply)
	}
	return nil
}
