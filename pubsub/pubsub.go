// Package pubsub implements the dedicated-connection channel/pattern
// subscriber described in spec.md §4.1 (C9). Unlike client.Client, a
// Subscriber never pipelines request/reply pairs: once subscribed, most
// traffic arrives unsolicited, so it keeps its own small connect/reconnect
// loop directly over netstream.Stream instead of client.Client's FIFO
// staging queue. Grounded on original_source/include/qclient/pubsub/
// Subscriber.hh and BaseSubscriber.hh (subscribe/psubscribe/unsubscribe/
// punsubscribe surface, feedFakeMessage simulated mode) — those C++ files
// only ship stubs in the retrieved pack, so the reconnect/dispatch bodies
// here are original, built to the same shape.
package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/handshake"
	"github.com/joomcode/qclient/logger"
	"github.com/joomcode/qclient/netstream"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

const (
	minBackoff = time.Millisecond
	maxBackoff = 2 * time.Second
)

// Kind classifies a delivered Message.
type Kind int

const (
	KindMessage Kind = iota
	KindPatternMessage
	KindSubscribeConfirm
	KindUnsubscribeConfirm
)

// Message is one piece of pub/sub traffic delivered to Options.OnMessage,
// generalizing qclient::Message.
type Message struct {
	Kind    Kind
	Channel string
	Pattern string
	Payload []byte
}

// Listener receives every Message a Subscriber decodes, in arrival order.
type Listener func(Message)

// Options configures a Subscriber.
type Options struct {
	Targets      []endpoint.Endpoint
	Resolver     *endpoint.Resolver
	NewHandshake func() handshake.Handshake
	TLSDialer    netstream.TLSDialer
	DialTimeout  time.Duration
	IOTimeout    time.Duration
	Logger       logger.Logger
	OnMessage    Listener
	// Simulated puts the Subscriber in test mode (spec.md §4.1's
	// "simulated mode"): no networking is performed, and only
	// FeedFakeMessage delivers traffic.
	Simulated bool
}

type subEpoch struct {
	stream   *netstream.Stream
	pushMode bool

	errOnce sync.Once
	done    chan struct{}
	err     error
}

func (e *subEpoch) fail(err error) {
	e.errOnce.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Subscriber is a reconnecting channel/pattern subscription multiplexer.
type Subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	mu       sync.Mutex
	channels map[string]struct{}
	patterns map[string]struct{}

	connMu   sync.Mutex
	stream   *netstream.Stream
	pushMode bool

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New starts a Subscriber. In simulated mode it performs no networking at
// all; FeedFakeMessage is the only way to deliver traffic.
func New(ctx context.Context, opts Options) (*Subscriber, error) {
	if ctx == nil {
		return nil, re.ErrContextNil.New("pubsub: nil context")
	}
	s := &Subscriber{
		opts:      opts,
		channels:  make(map[string]struct{}),
		patterns:  make(map[string]struct{}),
		listeners: make(map[int]Listener),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if opts.Simulated {
		return s, nil
	}
	if len(opts.Targets) == 0 {
		return nil, re.ErrNoAddress.New("pubsub: no targets configured")
	}
	if s.opts.Resolver == nil {
		s.opts.Resolver = endpoint.NewResolver()
	}
	if s.opts.DialTimeout == 0 {
		s.opts.DialTimeout = 2 * time.Second
	}
	if s.opts.Logger == nil {
		s.opts.Logger = logger.Nop{}
	}

	go s.connectLoop()
	return s, nil
}

// Close tears the Subscriber down for good.
func (s *Subscriber) Close() {
	s.cancel()
	s.connMu.Lock()
	stream := s.stream
	s.connMu.Unlock()
	if stream != nil {
		stream.Shutdown()
	}
}

// PushModeActive reports whether the current connection negotiated RESP3
// push frames, or fell back to plain RESP2 subscribe replies.
func (s *Subscriber) PushModeActive() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.pushMode
}

// Subscribe adds channel to the subscription set, sending SUBSCRIBE
// immediately if connected; it is replayed on every future reconnect
// regardless.
func (s *Subscriber) Subscribe(channel string) error {
	s.mu.Lock()
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
	return s.send(resp.Request{Cmd: "SUBSCRIBE", Args: []interface{}{channel}})
}

// PSubscribe adds pattern to the subscription set.
func (s *Subscriber) PSubscribe(pattern string) error {
	s.mu.Lock()
	s.patterns[pattern] = struct{}{}
	s.mu.Unlock()
	return s.send(resp.Request{Cmd: "PSUBSCRIBE", Args: []interface{}{pattern}})
}

// Unsubscribe removes channel from the subscription set.
func (s *Subscriber) Unsubscribe(channel string) error {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
	return s.send(resp.Request{Cmd: "UNSUBSCRIBE", Args: []interface{}{channel}})
}

// PUnsubscribe removes pattern from the subscription set.
func (s *Subscriber) PUnsubscribe(pattern string) error {
	s.mu.Lock()
	delete(s.patterns, pattern)
	s.mu.Unlock()
	return s.send(resp.Request{Cmd: "PUNSUBSCRIBE", Args: []interface{}{pattern}})
}

// FeedFakeMessage injects msg as if it had arrived over the wire. Only has
// an effect in simulated mode, matching Subscriber::feedFakeMessage.
func (s *Subscriber) FeedFakeMessage(msg Message) {
	if !s.opts.Simulated {
		return
	}
	s.dispatch(msg)
}

// AddListener registers an additional Listener alongside Options.OnMessage
// — every Subscription in the original C++ design can have its own
// consumer without the Subscriber knowing about it in advance, e.g. the
// communicator (C12) attaching itself to a Subscriber it doesn't own.
// The returned func removes the listener.
func (s *Subscriber) AddListener(l Listener) (remove func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Subscriber) dispatch(msg Message) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(msg)
	}
	s.listenersMu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenersMu.Unlock()
	for _, l := range ls {
		l(msg)
	}
}

func (s *Subscriber) send(req resp.Request) error {
	if s.opts.Simulated {
		return nil
	}
	s.connMu.Lock()
	stream := s.stream
	s.connMu.Unlock()
	if stream == nil {
		return nil
	}
	wire, err := resp.AppendRequest(nil, req)
	if err != nil {
		return re.ErrMalformedRequest.Wrap(err, "pubsub: bad request")
	}
	_, err = stream.Write(wire)
	return err
}
