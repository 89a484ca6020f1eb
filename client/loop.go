package client

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"

	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/handshake"
	"github.com/joomcode/qclient/netstream"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

func (c *Client) connectOnce() error {
	atomic.StoreUint32(&c.state, stateConnecting)

	// A pending redirect target (set by beginRedirect) is consumed here,
	// single-hop only: whether this dial succeeds or fails, the next
	// reconnect after it falls back to opts.Targets, per spec.md §4.6
	// item 2 and §1's "only single-hop MOVED redirection is followed".
	c.mu.Lock()
	redirect := c.redirectTarget
	c.redirectTarget = nil
	c.mu.Unlock()

	var ses []endpoint.ServiceEndpoint
	var lastResolveErr error
	if redirect != nil {
		resolved, err := c.opts.Resolver.Resolve(*redirect)
		if err != nil {
			lastResolveErr = err
		} else {
			ses = append(ses, resolved...)
		}
	} else {
		for _, target := range c.opts.Targets {
			resolved, err := c.opts.Resolver.Resolve(target)
			if err != nil {
				lastResolveErr = err
				continue
			}
			ses = append(ses, resolved...)
		}
	}
	if len(ses) == 0 {
		atomic.StoreUint32(&c.state, stateDisconnected)
		return re.ErrNoAddress.Wrap(lastResolveErr, "client: no targets resolved")
	}

	stream, err := netstream.Dial(c.ctx, ses, c.opts.DialTimeout, c.opts.IOTimeout, c.opts.TLSDialer)
	if err != nil {
		atomic.StoreUint32(&c.state, stateDisconnected)
		return re.ErrDial.Wrap(err, "client: dial failed")
	}

	if c.opts.NewHandshake != nil {
		hs := c.opts.NewHandshake()
		if err := handshake.Run(stream, hs); err != nil {
			stream.Shutdown()
			atomic.StoreUint32(&c.state, stateDisconnected)
			return err
		}
	}

	epoch := &connEpoch{stream: stream, batches: make(chan []*pendingItem, 64), done: make(chan struct{})}
	c.mu.Lock()
	c.stream = stream
	c.epoch = epoch
	c.mu.Unlock()

	atomic.StoreUint32(&c.state, stateConnected)
	c.backoff = minBackoff
	c.opts.Logger.Infof("client: connected to %s", stream.RemoteAddr())

	go c.writer(epoch)
	go c.reader(epoch)
	return nil
}

// connectLoop is the supervisor goroutine: it owns reconnection with
// exponential backoff (reset to minBackoff on every successful handshake),
// matching redisconn.Connection.control/createConnection. A redirect
// (redirectTarget set, epoch torn down) reconnects through this same loop,
// so it naturally incurs no backoff as long as the dial to the redirect
// target succeeds.
func (c *Client) connectLoop() {
	for {
		c.mu.Lock()
		epoch := c.epoch
		c.mu.Unlock()

		if epoch == nil {
			if err := c.connectOnce(); err != nil {
				c.opts.Logger.Warnf("client: connect failed: %s", err)
				if !c.sleepBackoff() {
					c.shutdown()
					return
				}
				continue
			}
			c.mu.Lock()
			epoch = c.epoch
			c.mu.Unlock()
		}

		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case <-epoch.done:
			c.handleDisconnect(epoch)
		}
	}
}

func (c *Client) sleepBackoff() bool {
	d := c.backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) handleDisconnect(e *connEpoch) {
	c.mu.Lock()
	if c.epoch == e {
		c.stream = nil
		c.epoch = nil
	}
	c.mu.Unlock()
	atomic.StoreUint32(&c.state, stateDisconnected)
	e.stream.Shutdown()
	c.opts.Logger.Warnf("client: disconnected: %s", e.err)

	for {
		select {
		case batch := <-e.batches:
			c.requeueOrFail(batch)
		default:
			return
		}
	}
}

// requeueOrFail gives every item in batch a chance to be resubmitted under
// its own retry policy, per spec.md §4.1's staging queue; items that don't
// qualify are completed with the Nil sentinel (spec.md §4.7/§5: transport
// failure delivers Nil, never a wrapped error), matching flusher's
// handleReply contract.
func (c *Client) requeueOrFail(batch []*pendingItem) {
	for _, it := range batch {
		c.finishOrRetry(it)
	}
}

func (c *Client) finishOrRetry(it *pendingItem) {
	if it.redirected || it.retry.allows(time.Since(it.submitted)) {
		c.enqueue(it)
		return
	}
	it.fail(nil)
	c.gate.release()
}

func (c *Client) writer(e *connEpoch) {
	var buf []byte
	for {
		select {
		case <-c.dirty:
		case <-c.ctx.Done():
			e.fail(re.ErrShuttingDown.New("client: shutting down"))
			return
		case <-e.done:
			return
		}

		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()
		if len(batch) == 0 {
			continue
		}

		buf = buf[:0]
		items := make([]*pendingItem, 0, len(batch))
		for _, it := range batch {
			var err error
			buf, err = resp.AppendRequest(buf, it.req)
			if err != nil {
				it.fail(re.ErrMalformedRequest.Wrap(err, "client: bad request"))
				c.gate.release()
				continue
			}
			items = append(items, it)
		}
		if len(items) == 0 {
			continue
		}

		select {
		case e.batches <- items:
		case <-e.done:
			c.requeueOrFail(items)
			return
		}

		if _, err := e.stream.Write(buf); err != nil {
			e.fail(re.ErrIO.Wrap(err, "client: write failed"))
			return
		}
	}
}

func (c *Client) reader(e *connEpoch) {
	parser := resp.NewParser()
	buf := make([]byte, 64*1024)
	var current []*pendingItem

	for {
		if len(current) == 0 {
			select {
			case current = <-e.batches:
			case <-e.done:
				return
			}
		}
		for len(current) > 0 {
			val, err := parser.Pull()
			if err == resp.ErrIncomplete {
				n, rerr := e.stream.Read(buf)
				if rerr != nil {
					e.fail(re.ErrIO.Wrap(rerr, "client: read failed"))
					c.requeueOrFail(current)
					return
				}
				parser.Feed(buf[:n])
				continue
			}
			if err != nil {
				e.fail(re.ErrProtocol.Wrap(err, "client: protocol error"))
				c.requeueOrFail(current)
				return
			}
			it := current[0]
			current = current[1:]

			if c.opts.TransparentRedirects && !it.redirected {
				if cerr, ok := val.(*errorx.Error); ok && errorx.IsOfType(cerr, re.ErrMoved) {
					if addrVal, ok := cerr.Property(re.PropAddr); ok {
						if addr, ok := addrVal.(string); ok && addr != "" {
							c.beginRedirect(e, it, addr, current)
							return
						}
					}
				}
			}
			c.complete(it, val)
		}
	}
}

// complete delivers one matched reply to its request's callback. Redirect
// handling happens earlier in reader, before complete is reached, so this
// is a plain handoff.
func (c *Client) complete(it *pendingItem, val interface{}) {
	it.fail(val)
	c.gate.release()
}

// beginRedirect implements spec.md §4.6 item 2 literally: record the
// redirect target and tear down the current connection epoch, forcing
// reconnection to that target on the next connectOnce (see connectOnce's
// redirectTarget handling). The redirected request re-enters the ordinary
// staging queue unconditionally and stays exempt from its own retry policy
// from then on (finishOrRetry requeues any redirected item), since the old
// epoch's teardown may sweep it up again before it reaches the target,
// while the rest of the in-flight batch is requeued or failed under normal
// retry accounting.
// ASK is deliberately not handled here: spec.md's Non-goals restrict
// following to single-hop MOVED only, so an ASK reply falls through to
// complete like any other reply.
func (c *Client) beginRedirect(e *connEpoch, it *pendingItem, addr string, rest []*pendingItem) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		it.fail(nil)
		c.gate.release()
		c.requeueOrFail(rest)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		it.fail(nil)
		c.gate.release()
		c.requeueOrFail(rest)
		return
	}

	it.redirected = true
	c.enqueue(it)
	c.requeueOrFail(rest)

	target := endpoint.Endpoint{Host: host, Port: uint16(port)}
	c.mu.Lock()
	c.redirectTarget = &target
	c.mu.Unlock()

	e.fail(re.ErrMoved.New("client: redirected to %s", addr))
}

func (c *Client) shutdown() {
	atomic.StoreUint32(&c.state, stateClosed)
	c.gate.close()
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.epoch = nil
	c.mu.Unlock()
	if stream != nil {
		stream.Shutdown()
	}

	c.queueMu.Lock()
	leftover := c.queue
	c.queue = nil
	c.queueMu.Unlock()
	for _, it := range leftover {
		it.fail(nil)
		c.gate.release()
	}
}
