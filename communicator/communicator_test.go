package communicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/pubsub"
	"github.com/joomcode/qclient/resp"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []resp.Request
}

func (p *fakePublisher) Send(req resp.Request, cb client.Callback) {
	p.mu.Lock()
	p.published = append(p.published, req)
	p.mu.Unlock()
	go cb(int64(1))
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) last() resp.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- deadline
	} else {
		c.waiters = append(c.waiters, fakeWaiter{deadline, ch})
	}
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var remaining []fakeWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- w.deadline
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}

func newSimulatedSubscriber(t *testing.T) *pubsub.Subscriber {
	t.Helper()
	sub, err := pubsub.New(context.Background(), pubsub.Options{Simulated: true})
	require.NoError(t, err)
	return sub
}

func TestCommunicator_IssuePublishesEncodedRequest(t *testing.T) {
	sub := newSimulatedSubscriber(t)
	pub := &fakePublisher{}
	c, err := New(sub, pub, "rpc-channel", Options{})
	require.NoError(t, err)
	defer c.Close()

	id, _ := c.Issue("do-something")
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	req := pub.last()
	assert.Equal(t, "PUBLISH", req.Cmd)
	assert.Equal(t, "rpc-channel", req.Args[0])
	gotID, gotContents, ok := decodeRequest(req.Args[1].([]byte))
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "do-something", gotContents)
}

func TestCommunicator_SatisfiesFutureOnReply(t *testing.T) {
	sub := newSimulatedSubscriber(t)
	pub := &fakePublisher{}
	c, err := New(sub, pub, "rpc-channel", Options{})
	require.NoError(t, err)
	defer c.Close()

	id, fut := c.Issue("ping")

	sub.FeedFakeMessage(pubsub.Message{
		Kind:    pubsub.KindMessage,
		Channel: "rpc-channel",
		Payload: encodeReply(id, 0, "pong"),
	})

	select {
	case reply := <-fut.Chan():
		assert.Equal(t, "pong", reply.Contents)
	case <-time.After(time.Second):
		t.Fatal("future was never satisfied")
	}
}

func TestCommunicator_IgnoresUnknownUUID(t *testing.T) {
	sub := newSimulatedSubscriber(t)
	pub := &fakePublisher{}
	c, err := New(sub, pub, "rpc-channel", Options{})
	require.NoError(t, err)
	defer c.Close()

	_, fut := c.Issue("ping")
	sub.FeedFakeMessage(pubsub.Message{
		Kind:    pubsub.KindMessage,
		Channel: "rpc-channel",
		Payload: encodeReply("some-other-id", 0, "pong"),
	})

	select {
	case <-fut.Chan():
		t.Fatal("future should not have been satisfied by an unrelated UUID")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommunicator_RetriesOnFakeClockSchedule(t *testing.T) {
	sub := newSimulatedSubscriber(t)
	pub := &fakePublisher{}
	clock := newFakeClock(time.Unix(0, 0))
	c, err := New(sub, pub, "rpc-channel", Options{
		Clock:         clock,
		RetryInterval: 10 * time.Second,
		HardDeadline:  30 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	c.Issue("987")
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	clock.Advance(9 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pub.count())

	clock.Advance(1 * time.Second)
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return pub.count() == 3 }, time.Second, time.Millisecond)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return c.vault.Size() == 0 }, time.Second, time.Millisecond)
}
