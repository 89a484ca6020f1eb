package client_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/handshake"
	"github.com/joomcode/qclient/internal/fakeserver"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

func waitReply(t *testing.T, ch chan interface{}) interface{} {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func TestClient_SendPing(t *testing.T) {
	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd == "PING" {
			conn.WriteReply("PONG")
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "PING"}, func(reply interface{}) { ch <- reply })
	assert.Equal(t, "PONG", waitReply(t, ch))
}

func TestClient_HandshakeAuthGatesTraffic(t *testing.T) {
	var authed int32
	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		switch cmd {
		case "AUTH":
			if len(args) == 1 {
				if pw, ok := args[0].([]byte); ok && string(pw) == "secret" {
					atomic.StoreInt32(&authed, 1)
					conn.WriteReply("OK")
					return
				}
			}
			conn.WriteReply(re.ErrAuth.New("wrong password"))
		case "PING":
			if atomic.LoadInt32(&authed) == 0 {
				conn.WriteReply(re.ErrAuth.New("NOAUTH"))
				return
			}
			conn.WriteReply("PONG")
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets:      []endpoint.Endpoint{srv.Addr()},
		NewHandshake: func() handshake.Handshake { return &handshake.Auth{Password: "secret"} },
	})
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "PING"}, func(reply interface{}) { ch <- reply })
	assert.Equal(t, "PONG", waitReply(t, ch))
}

func TestClient_HandshakeFailureFailsConnectSynchronously(t *testing.T) {
	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd == "AUTH" {
			conn.WriteReply(re.ErrAuth.New("wrong password"))
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	_, err = client.Connect(context.Background(), client.Options{
		Targets:      []endpoint.Endpoint{srv.Addr()},
		NewHandshake: func() handshake.Handshake { return &handshake.Auth{Password: "wrong"} },
	})
	require.Error(t, err)
}

func TestClient_BackpressureBlocksThenUnblocks(t *testing.T) {
	block := make(chan struct{})
	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		<-block
		conn.WriteReply("PONG")
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
		Gate:    client.RateLimitPendingRequests(1),
	})
	require.NoError(t, err)
	defer c.Close()

	first := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "PING"}, func(reply interface{}) { first <- reply })

	// Give the first request a moment to occupy the single pending slot.
	time.Sleep(50 * time.Millisecond)

	second := make(chan interface{}, 1)
	sendReturned := make(chan struct{})
	go func() {
		c.Send(resp.Request{Cmd: "PING"}, func(reply interface{}) { second <- reply })
		close(sendReturned)
	}()

	select {
	case <-sendReturned:
		t.Fatal("second Send returned before the pending slot freed up")
	case <-time.After(100 * time.Millisecond):
	}

	close(block)
	assert.Equal(t, "PONG", waitReply(t, first))

	select {
	case <-sendReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("second Send did not unblock once the pending slot freed up")
	}
	assert.Equal(t, "PONG", waitReply(t, second))
}

func TestClient_ReconnectsAndRetriesOnDisconnect(t *testing.T) {
	var connCount int32
	var mu sync.Mutex
	var firstConn *fakeserver.Conn

	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		mu.Lock()
		if firstConn == nil {
			firstConn = conn
			atomic.AddInt32(&connCount, 1)
		}
		mu.Unlock()
		if cmd == "PING" {
			conn.WriteReply("PONG")
		}
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	warmup := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "PING"}, func(reply interface{}) { warmup <- reply })
	assert.Equal(t, "PONG", waitReply(t, warmup))

	mu.Lock()
	firstConn.Close()
	mu.Unlock()

	require.Eventually(t, func() bool {
		return !c.ConnectedNow()
	}, time.Second, time.Millisecond)

	ch := make(chan interface{}, 1)
	c.SendWithRetry(resp.Request{Cmd: "PING"}, client.InfiniteRetries(), func(reply interface{}) { ch <- reply })
	assert.Equal(t, "PONG", waitReply(t, ch))
}

// TestClient_PipelinedRepliesArriveInIssuanceOrder covers spec.md §8's
// first testable property ("for any sequence of N execute() calls
// completing successfully, replies are delivered in issuance order") and
// scenario 1 (pipelined PING in order).
func TestClient_PipelinedRepliesArriveInIssuanceOrder(t *testing.T) {
	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd == "PING" && len(args) == 1 {
			conn.WriteReply(args[0])
			return
		}
		conn.WriteReply("PONG")
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	const n = 500
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	remaining := int32(n)

	for i := 0; i < n; i++ {
		i := i
		c.Send(resp.Request{Cmd: "PING", Args: []interface{}{strconv.Itoa(i)}}, func(reply interface{}) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if atomic.AddInt32(&remaining, -1) == 0 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all pipelined replies")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, issued := range order {
		assert.Equal(t, i, issued, "reply %d arrived out of issuance order", i)
	}
}

// TestClient_NoRetriesNeverResendsOnDisconnect covers spec.md §8's
// "under kNoRetries, no command is ever issued twice on the wire".
func TestClient_NoRetriesNeverResendsOnDisconnect(t *testing.T) {
	var setCount int32
	block := make(chan struct{})
	var mu sync.Mutex
	var conns []*fakeserver.Conn

	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		if cmd == "SET" {
			atomic.AddInt32(&setCount, 1)
			<-block
		}
	})
	require.NoError(t, err)
	defer srv.Close()
	defer close(block)

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan interface{}, 1)
	c.SendWithRetry(resp.Request{Cmd: "SET", Args: []interface{}{"k", "v"}}, client.NoRetries(), func(reply interface{}) { ch <- reply })

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&setCount) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	reply := waitReply(t, ch)
	assert.Nil(t, reply)

	// Give an errant resend a chance to arrive before asserting it never
	// does: NoRetries must never reissue the command on reconnect.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&setCount))
}

// TestClient_WithTimeoutFailsStaleItemAtReconnect covers spec.md §8's
// "under kRetryWithTimeout(d), no command older than d at reconnect time
// is re-issued".
func TestClient_WithTimeoutFailsStaleItemAtReconnect(t *testing.T) {
	var setCount int32
	block := make(chan struct{})
	var mu sync.Mutex
	var conns []*fakeserver.Conn

	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		if cmd == "SET" {
			atomic.AddInt32(&setCount, 1)
			<-block
		}
	})
	require.NoError(t, err)
	defer srv.Close()
	defer close(block)

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	const d = 50 * time.Millisecond
	ch := make(chan interface{}, 1)
	c.SendWithRetry(resp.Request{Cmd: "SET", Args: []interface{}{"k", "v"}}, client.WithTimeout(d), func(reply interface{}) { ch <- reply })

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&setCount) == 1
	}, time.Second, time.Millisecond)

	// Let more than d elapse since submission before the disconnect, so
	// the retry policy no longer allows resubmission.
	time.Sleep(3 * d)

	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	reply := waitReply(t, ch)
	assert.Nil(t, reply)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&setCount))
}

func TestClient_TransparentRedirectFollowsSingleHopMoved(t *testing.T) {
	target, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd == "GET" {
			conn.WriteReply("moved-value")
		}
	})
	require.NoError(t, err)
	defer target.Close()

	targetAddr := target.Addr()
	moved := fmt.Errorf("MOVED 1234 %s:%d", targetAddr.Host, targetAddr.Port)

	origin, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd == "GET" {
			conn.WriteReply(moved)
		}
	})
	require.NoError(t, err)
	defer origin.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets:              []endpoint.Endpoint{origin.Addr()},
		TransparentRedirects: true,
	})
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "GET", Args: []interface{}{"k"}}, func(reply interface{}) { ch <- reply })
	assert.Equal(t, "moved-value", waitReply(t, ch))

	require.Eventually(t, func() bool {
		return c.ConnectedNow()
	}, time.Second, time.Millisecond)
}

func TestClient_MovedNotFollowedWithoutTransparentRedirects(t *testing.T) {
	moved := fmt.Errorf("MOVED 1234 127.0.0.1:1")

	origin, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd == "GET" {
			conn.WriteReply(moved)
		}
	})
	require.NoError(t, err)
	defer origin.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{origin.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	ch := make(chan interface{}, 1)
	c.Send(resp.Request{Cmd: "GET", Args: []interface{}{"k"}}, func(reply interface{}) { ch <- reply })
	reply := waitReply(t, ch)
	rerr, ok := reply.(error)
	require.True(t, ok, "expected the MOVED reply delivered verbatim as an error, got %T", reply)
	assert.Contains(t, rerr.Error(), "MOVED")
}
