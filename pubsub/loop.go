package pubsub

import (
	"time"

	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/handshake"
	"github.com/joomcode/qclient/netstream"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

func (s *Subscriber) connectOnce() (*subEpoch, error) {
	var ses []endpoint.ServiceEndpoint
	var lastResolveErr error
	for _, target := range s.opts.Targets {
		resolved, err := s.opts.Resolver.Resolve(target)
		if err != nil {
			lastResolveErr = err
			continue
		}
		ses = append(ses, resolved...)
	}
	if len(ses) == 0 {
		return nil, re.ErrNoAddress.Wrap(lastResolveErr, "pubsub: no targets resolved")
	}

	stream, err := netstream.Dial(s.ctx, ses, s.opts.DialTimeout, s.opts.IOTimeout, s.opts.TLSDialer)
	if err != nil {
		return nil, re.ErrDial.Wrap(err, "pubsub: dial failed")
	}

	if s.opts.NewHandshake != nil {
		hs := s.opts.NewHandshake()
		if err := handshake.Run(stream, hs); err != nil {
			stream.Shutdown()
			return nil, err
		}
	}

	// RESP3 push-type negotiation is best-effort: a real server that
	// rejects ACTIVATE-PUSH-TYPES just means the connection stays on
	// plain RESP2 subscribe/message replies, not a broken connection.
	pushMode := true
	if err := handshake.Run(stream, handshake.ActivatePushTypes{}); err != nil {
		pushMode = false
		s.opts.Logger.Infof("pubsub: push types unavailable, using RESP2 replies: %s", err)
	}

	return &subEpoch{stream: stream, pushMode: pushMode, done: make(chan struct{})}, nil
}

func (s *Subscriber) connectLoop() {
	backoff := minBackoff
	for {
		epoch, err := s.connectOnce()
		if err != nil {
			s.opts.Logger.Warnf("pubsub: connect failed: %s", err)
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		s.connMu.Lock()
		s.stream = epoch.stream
		s.pushMode = epoch.pushMode
		s.connMu.Unlock()
		s.opts.Logger.Infof("pubsub: connected to %s (push=%v)", epoch.stream.RemoteAddr(), epoch.pushMode)

		s.resubscribeAll(epoch)
		go s.readLoop(epoch)

		select {
		case <-s.ctx.Done():
			epoch.stream.Shutdown()
			return
		case <-epoch.done:
			s.connMu.Lock()
			s.stream = nil
			s.pushMode = false
			s.connMu.Unlock()
			epoch.stream.Shutdown()
			s.opts.Logger.Warnf("pubsub: disconnected: %s", epoch.err)
		}
	}
}

func (s *Subscriber) resubscribeAll(e *subEpoch) {
	s.mu.Lock()
	channels := make([]string, 0, len(s.channels))
	for c := range s.channels {
		channels = append(channels, c)
	}
	patterns := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		patterns = append(patterns, p)
	}
	s.mu.Unlock()

	for _, c := range channels {
		wire, err := resp.AppendRequest(nil, resp.Request{Cmd: "SUBSCRIBE", Args: []interface{}{c}})
		if err != nil {
			continue
		}
		e.stream.Write(wire)
	}
	for _, p := range patterns {
		wire, err := resp.AppendRequest(nil, resp.Request{Cmd: "PSUBSCRIBE", Args: []interface{}{p}})
		if err != nil {
			continue
		}
		e.stream.Write(wire)
	}
}

func (s *Subscriber) readLoop(e *subEpoch) {
	parser := resp.NewParser()
	buf := make([]byte, 16*1024)
	for {
		val, err := parser.Pull()
		if err == resp.ErrIncomplete {
			n, rerr := e.stream.Read(buf)
			if rerr != nil {
				e.fail(re.ErrIO.Wrap(rerr, "pubsub: read failed"))
				return
			}
			parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			e.fail(re.ErrProtocol.Wrap(err, "pubsub: protocol error"))
			return
		}
		if msg, ok := interpretFrame(val); ok {
			s.dispatch(msg)
		}
	}
}

func interpretFrame(val interface{}) (Message, bool) {
	var items []interface{}
	switch v := val.(type) {
	case resp.Push:
		items = []interface{}(v)
	case []interface{}:
		items = v
	default:
		return Message{}, false
	}
	if len(items) == 0 {
		return Message{}, false
	}
	kind, ok := items[0].([]byte)
	if !ok {
		return Message{}, false
	}
	switch string(kind) {
	case "subscribe":
		return Message{Kind: KindSubscribeConfirm, Channel: bulkString(items, 1)}, true
	case "unsubscribe":
		return Message{Kind: KindUnsubscribeConfirm, Channel: bulkString(items, 1)}, true
	case "psubscribe":
		return Message{Kind: KindSubscribeConfirm, Pattern: bulkString(items, 1)}, true
	case "punsubscribe":
		return Message{Kind: KindUnsubscribeConfirm, Pattern: bulkString(items, 1)}, true
	case "message":
		return Message{Kind: KindMessage, Channel: bulkString(items, 1), Payload: bulkBytes(items, 2)}, true
	case "pmessage":
		return Message{Kind: KindPatternMessage, Pattern: bulkString(items, 1), Channel: bulkString(items, 2), Payload: bulkBytes(items, 3)}, true
	default:
		return Message{}, false
	}
}

func bulkString(items []interface{}, i int) string {
	return string(bulkBytes(items, i))
}

func bulkBytes(items []interface{}, i int) []byte {
	if i < 0 || i >= len(items) {
		return nil
	}
	b, _ := items[i].([]byte)
	return b
}
