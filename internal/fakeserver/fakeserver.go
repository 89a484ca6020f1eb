// Package fakeserver is an in-process RESP responder used by this
// module's own tests, standing in for testbed.Server (which spawns a real
// redis-server subprocess — not viable here since several commands this
// module speaks, like HMAC-AUTH-GENERATE-CHALLENGE and
// ACTIVATE-PUSH-TYPES, have no real redis-server equivalent). Grounded on
// testbed/conn.go's request/response shape, reusing resp.Parser to decode
// commands; replies are encoded by encodeReply in encode.go.
package fakeserver

import (
	"net"
	"strconv"
	"sync"

	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/resp"
)

// Conn is the per-connection handle passed to a Handler. Handlers write
// replies (and, independently, push frames) through it; writes are
// serialized so a background goroutine can push a message concurrently
// with the serve loop replying to a request.
type Conn struct {
	net.Conn
	writeMu sync.Mutex
}

// WriteReply encodes and writes one reply value.
func (c *Conn) WriteReply(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return encodeReply(c.Conn, v)
}

// Push writes a RESP3 push frame containing items, for tests exercising
// the subscriber (C9).
func (c *Conn) Push(items ...interface{}) error {
	return c.WriteReply(resp.Push(items))
}

// Handler processes one decoded command. It is invoked from the
// connection's own serve goroutine, so handlers that block delay only
// that connection.
type Handler func(conn *Conn, cmd string, args []interface{})

// Server is a minimal single-process RESP-speaking listener.
type Server struct {
	ln      net.Listener
	handler Handler

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// New starts a Server on a loopback ephemeral port.
func New(handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, handler: handler, conns: make(map[*Conn]struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the endpoint clients should dial.
func (s *Server) Addr() endpoint.Endpoint {
	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return endpoint.Endpoint{Host: host, Port: uint16(port)}
}

// Close stops accepting new connections and closes every open one.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		conn := &Conn{Conn: nc}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn *Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	parser := resp.NewParser()
	buf := make([]byte, 16*1024)
	for {
		val, err := parser.Pull()
		if err == resp.ErrIncomplete {
			n, rerr := conn.Read(buf)
			if rerr != nil {
				return
			}
			parser.Feed(buf[:n])
			continue
		}
		if err != nil {
			return
		}
		cmd, args, ok := asCommand(val)
		if !ok {
			continue
		}
		s.handler(conn, cmd, args)
	}
}

// asCommand interprets a decoded RESP value as a command: an array whose
// first element is the command name.
func asCommand(val interface{}) (string, []interface{}, bool) {
	items, ok := val.([]interface{})
	if !ok || len(items) == 0 {
		return "", nil, false
	}
	name, ok := items[0].([]byte)
	if !ok {
		return "", nil, false
	}
	return upper(string(name)), items[1:], true
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
