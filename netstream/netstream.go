// Package netstream implements the full-duplex network stream described in
// spec.md §4.3 (C3): connect-with-timeout over an ordered endpoint list,
// idempotent shutdown, and a shutdown signal that unblocks a stuck read
// without waiting on the remote. Grounded on redis_conn/deadline_io.go
// (per-call read/write deadlines) and redisconn/conn.go's dial() (try each
// endpoint in order, first to connect wins).
package netstream

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/joomcode/qclient/endpoint"
	re "github.com/joomcode/qclient/rediserror"
)

// TLSDialer is the pluggable TLS transport adapter seam named in spec.md
// §4.3 and explicitly out of scope for this module (spec.md §1: "TLS
// transport adapter" is an external collaborator). Stream only calls into
// it if one is configured; the only implementation here is the thin
// *tls.Config wrapper returned by NewTLSConfigDialer.
type TLSDialer interface {
	Wrap(conn net.Conn, serverName string) (net.Conn, error)
}

// tlsConfigDialer adapts a *tls.Config into a TLSDialer, so callers that
// do want in-process TLS (rather than an external adapter) have a trivial
// way to get it without this package growing certificate-handling logic.
type tlsConfigDialer struct{ cfg *tls.Config }

func (t tlsConfigDialer) Wrap(conn net.Conn, serverName string) (net.Conn, error) {
	cfg := t.cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tconn := tls.Client(conn, cfg)
	if err := tconn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tconn, nil
}

// NewTLSConfigDialer wraps a standard *tls.Config as a TLSDialer.
func NewTLSConfigDialer(cfg *tls.Config) TLSDialer {
	return tlsConfigDialer{cfg: cfg}
}

// Stream is a connected, full-duplex byte stream with an independent
// shutdown signal, matching spec.md §4.3's "wake-up file descriptor or
// equivalent cross-thread signal" requirement via a closed channel instead
// of a self-pipe (idiomatic in Go, and used the same way redisconn.control
// coordinates shutdown against blocking reads).
type Stream struct {
	conn      net.Conn
	ioTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial tries each ServiceEndpoint in order, succeeding with the first that
// completes within timeout, per spec.md §4.3. tlsDialer may be nil.
func Dial(ctx context.Context, endpoints []endpoint.ServiceEndpoint, timeout time.Duration, ioTimeout time.Duration, tlsDialer TLSDialer) (*Stream, error) {
	if len(endpoints) == 0 {
		return nil, re.ErrUnavailable.New("no endpoints to dial")
	}

	dialer := net.Dialer{Timeout: timeout}
	var lastErr error
	for _, se := range endpoints {
		conn, err := dialer.DialContext(ctx, "tcp", se.String())
		if err != nil {
			lastErr = err
			continue
		}
		if tlsDialer != nil {
			tconn, err := tlsDialer.Wrap(conn, se.OriginalHost)
			if err != nil {
				conn.Close()
				lastErr = err
				continue
			}
			conn = tconn
		}
		return &Stream{conn: conn, ioTimeout: ioTimeout, closed: make(chan struct{})}, nil
	}
	return nil, re.ErrUnavailable.Wrap(lastErr, "could not connect to any of %d endpoint(s)", len(endpoints))
}

// Read reads from the stream, honoring both the io-timeout and a concurrent
// Shutdown call: whichever happens first unblocks the read.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.ioTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	}
	select {
	case <-s.closed:
		return 0, s.shutdownErr()
	default:
	}
	n, err := s.conn.Read(buf)
	if err != nil {
		select {
		case <-s.closed:
			return n, s.shutdownErr()
		default:
		}
	}
	return n, err
}

// Write writes to the stream, honoring the io-timeout.
func (s *Stream) Write(buf []byte) (int, error) {
	if s.ioTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	}
	select {
	case <-s.closed:
		return 0, s.shutdownErr()
	default:
	}
	return s.conn.Write(buf)
}

func (s *Stream) shutdownErr() error {
	return re.ErrIO.New("stream shut down")
}

// ShutdownSignal returns a channel closed once Shutdown has been called, so
// a reader loop blocked in Read can select on it directly instead of
// relying on Read's own deadline to eventually notice, matching spec.md
// §4.3's "unblock any read that is waiting, without requiring the remote
// to send bytes".
func (s *Stream) ShutdownSignal() <-chan struct{} {
	return s.closed
}

// Shutdown is idempotent; after it returns, pending and future reads/writes
// return promptly with an error.
func (s *Stream) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// LocalAddr and RemoteAddr expose the underlying socket addresses, for
// logging, matching Connection.LocalAddr/RemoteAddr in redisconn/conn.go.
func (s *Stream) LocalAddr() string  { return s.conn.LocalAddr().String() }
func (s *Stream) RemoteAddr() string { return s.conn.RemoteAddr().String() }
