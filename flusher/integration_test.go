package flusher_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/endpoint"
	"github.com/joomcode/qclient/flusher"
	"github.com/joomcode/qclient/internal/fakeserver"
	"github.com/joomcode/qclient/resp"
)

// TestFlusher_SurvivesDisconnectAgainstRealClient drives a Flusher over a
// real *client.Client and internal/fakeserver, forcing a connection drop
// mid-flight. It exists to catch the class of bug fakeSubmitter can't: a
// hand-rolled Submitter can return literal nil for "connection lost", but
// only a real client.Client proves the Nil sentinel actually reaches
// handleReply on a genuine disconnect (spec.md §4.7/§5's failure contract),
// and that no entry is popped from the journal before that.
func TestFlusher_SurvivesDisconnectAgainstRealClient(t *testing.T) {
	var attempts int32
	release := make(chan struct{})
	srv, err := fakeserver.New(func(conn *fakeserver.Conn, cmd string, args []interface{}) {
		if cmd != "SET" {
			return
		}
		if atomic.AddInt32(&attempts, 1) == 1 {
			// Drop the connection without replying, simulating the
			// network failure spec.md §4.7 requires deliver Nil.
			conn.Close()
			return
		}
		// Hold the retried attempt's reply until the journal has been
		// checked below, so that check cannot race the acknowledgement.
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		conn.WriteReply("OK")
	})
	require.NoError(t, err)
	defer srv.Close()

	c, err := client.Connect(context.Background(), client.Options{
		Targets: []endpoint.Endpoint{srv.Addr()},
	})
	require.NoError(t, err)
	defer c.Close()

	f := flusher.New(c, flusher.Options{})
	defer f.Close()

	idx, err := f.PushRequest(resp.Request{Cmd: "SET", Args: []interface{}{"k", "v"}})
	require.NoError(t, err)

	// Wait for the retried attempt to reach the server; its reply is held
	// until release is closed.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) >= 2
	}, time.Second, time.Millisecond)

	// The dropped first attempt must not have acknowledged the entry: it
	// stays in the journal to be retried against the reconnected client,
	// per C10's at-least-once invariant (spec.md §4.10).
	assert.False(t, f.HasItemBeenAcked(idx))
	close(release)

	assert.True(t, f.WaitForIndex(idx, 2*time.Second))
	assert.True(t, f.HasItemBeenAcked(idx))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
