package flusher_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/flusher"
	re "github.com/joomcode/qclient/rediserror"
	"github.com/joomcode/qclient/resp"
)

// fakeSubmitter lets tests script replies without a real client.Client.
type fakeSubmitter struct {
	mu      sync.Mutex
	sent    []resp.Request
	respond func(req resp.Request) interface{}
}

func (f *fakeSubmitter) Send(req resp.Request, cb client.Callback) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	reply := f.respond(req)
	f.mu.Unlock()
	go cb(reply)
}

func (f *fakeSubmitter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingNotifier struct {
	mu                  sync.Mutex
	networkIssues       int
	unexpectedResponses int
}

func (n *recordingNotifier) NetworkIssue(error) {
	n.mu.Lock()
	n.networkIssues++
	n.mu.Unlock()
}

func (n *recordingNotifier) UnexpectedResponse(error) {
	n.mu.Lock()
	n.unexpectedResponses++
	n.mu.Unlock()
}

func (n *recordingNotifier) Shutdown() {}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.networkIssues, n.unexpectedResponses
}

func TestFlusher_PushAndAcknowledge(t *testing.T) {
	sub := &fakeSubmitter{respond: func(resp.Request) interface{} { return int64(1) }}
	f := flusher.New(sub, flusher.Options{})
	defer f.Close()

	idx, err := f.PushRequest(resp.Request{Cmd: "SET", Args: []interface{}{"k", "v"}})
	require.NoError(t, err)
	assert.True(t, f.WaitForIndex(idx, time.Second))
	assert.True(t, f.HasItemBeenAcked(idx))
	assert.EqualValues(t, 1, f.EnqueuedAndClear())
	assert.EqualValues(t, 1, f.AcknowledgedAndClear())
}

func TestFlusher_RetriesOnConnectionLoss(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	sub := &fakeSubmitter{respond: func(resp.Request) interface{} {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil
		}
		return int64(1)
	}}
	f := flusher.New(sub, flusher.Options{})
	defer f.Close()

	idx, err := f.PushRequest(resp.Request{Cmd: "SET"})
	require.NoError(t, err)
	require.True(t, f.WaitForIndex(idx, 2*time.Second))
	mu.Lock()
	assert.GreaterOrEqual(t, attempts, int32(3))
	mu.Unlock()
}

func TestFlusher_ServerErrorAcknowledgesByDefault(t *testing.T) {
	notifier := &recordingNotifier{}
	sub := &fakeSubmitter{respond: func(resp.Request) interface{} {
		return re.ErrResponseFormat.New("WRONGTYPE")
	}}
	f := flusher.New(sub, flusher.Options{Notifier: notifier})
	defer f.Close()

	idx, err := f.PushRequest(resp.Request{Cmd: "INCR"})
	require.NoError(t, err)
	require.True(t, f.WaitForIndex(idx, time.Second))
	_, unexpected := notifier.counts()
	assert.Equal(t, 1, unexpected)
}

func TestFlusher_RetryOnServerErrorOptIn(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	sub := &fakeSubmitter{respond: func(resp.Request) interface{} {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return re.ErrResponseFormat.New("WRONGTYPE")
		}
		return int64(1)
	}}
	f := flusher.New(sub, flusher.Options{RetryOnServerError: true})
	defer f.Close()

	idx, err := f.PushRequest(resp.Request{Cmd: "INCR"})
	require.NoError(t, err)
	require.True(t, f.WaitForIndex(idx, 2*time.Second))
	mu.Lock()
	assert.GreaterOrEqual(t, attempts, int32(2))
	mu.Unlock()
}

func TestFlusher_QueueLimitBlocksPush(t *testing.T) {
	release := make(chan struct{})
	sub := &fakeSubmitter{respond: func(resp.Request) interface{} {
		<-release
		return int64(1)
	}}
	f := flusher.New(sub, flusher.Options{QueueLimit: 1})
	defer f.Close()

	_, err := f.PushRequest(resp.Request{Cmd: "SET"})
	require.NoError(t, err)

	pushed := make(chan struct{})
	go func() {
		f.PushRequest(resp.Request{Cmd: "SET"})
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("second push should have blocked at QueueLimit")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("second push never unblocked")
	}
}

func TestFlusher_CrashRecoveryReplaysFromPersistency(t *testing.T) {
	persistency := flusher.NewMemoryPersistency()
	for i := 0; i < 5; i++ {
		persistency.Append(resp.Request{Cmd: "SET", Args: []interface{}{i}})
	}
	persistency.PopFront()
	persistency.PopFront()

	sub := &fakeSubmitter{respond: func(resp.Request) interface{} { return int64(1) }}
	f := flusher.New(sub, flusher.Options{Persistency: persistency})
	defer f.Close()

	require.True(t, f.WaitForIndex(4, 2*time.Second))
	assert.EqualValues(t, 5, persistency.StartingIndex())
}
