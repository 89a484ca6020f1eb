package communicator

import (
	"sync"
	"time"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/pubsub"
	"github.com/joomcode/qclient/resp"
	"github.com/joomcode/qclient/vault"
)

// Clock abstracts time for the retry loop, per spec.md §4.12: "a
// simulated steady clock must be supported for tests." No library in the
// retrieved pack provides a fake-clock seam, so this is hand-rolled, the
// way original_source's own std::chrono::steady_clock usage is direct
// rather than routed through a clock-injection library.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Publisher is the "publishing client" a Communicator borrows without
// owning (spec.md §4.1). *client.Client satisfies this directly.
type Publisher interface {
	Send(req resp.Request, cb client.Callback)
}

// Options configures a Communicator.
type Options struct {
	// RetryInterval defaults to 10s.
	RetryInterval time.Duration
	// HardDeadline defaults to 30s.
	HardDeadline time.Duration
	// Clock defaults to the real wall clock.
	Clock Clock
}

// Communicator issues request/response exchanges over pub/sub, retrying
// and expiring through a vault.Vault (C11), per spec.md §4.12.
type Communicator struct {
	channel   string
	publisher Publisher
	vault     *vault.Vault
	clock     Clock

	retryInterval time.Duration
	hardDeadline  time.Duration

	removeListener func()
	closeOnce      sync.Once
	closeCh        chan struct{}
}

// New attaches a Communicator to sub (which it does not own) on channel,
// publishing outgoing requests through publisher.
func New(sub *pubsub.Subscriber, publisher Publisher, channel string, opts Options) (*Communicator, error) {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 10 * time.Second
	}
	if opts.HardDeadline == 0 {
		opts.HardDeadline = 30 * time.Second
	}

	c := &Communicator{
		channel:       channel,
		publisher:     publisher,
		vault:         vault.New(),
		clock:         opts.Clock,
		retryInterval: opts.RetryInterval,
		hardDeadline:  opts.HardDeadline,
		closeCh:       make(chan struct{}),
	}
	c.removeListener = sub.AddListener(c.onMessage)
	if err := sub.Subscribe(channel); err != nil {
		c.removeListener()
		return nil, err
	}

	go c.retryLoop()
	return c, nil
}

// Close stops the retry loop and detaches from the subscriber. Requests
// still pending are never satisfied.
func (c *Communicator) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.vault.SetBlockingMode(false)
		c.removeListener()
	})
}

// Issue publishes contents on the communicator's channel and returns the
// UUID it was assigned along with a Future for the eventual reply.
func (c *Communicator) Issue(contents string) (string, vault.Future) {
	id, fut := c.vault.Insert(c.channel, contents, c.clock.Now())
	c.publish(c.channel, id, contents)
	return id, fut
}

func (c *Communicator) publish(channel, id, contents string) {
	payload := encodeRequest(id, contents)
	c.publisher.Send(resp.Request{Cmd: "PUBLISH", Args: []interface{}{channel, payload}}, func(interface{}) {})
}

func (c *Communicator) onMessage(msg pubsub.Message) {
	if msg.Kind != pubsub.KindMessage || msg.Channel != c.channel {
		return
	}
	id, status, contents, ok := decodeReply(msg.Payload)
	if !ok {
		return
	}
	c.vault.Satisfy(id, vault.CommunicatorReply{Status: int(status), Contents: contents})
}

// retryLoop sleeps until the earliest lastRetry+retryInterval, expires
// anything past hardDeadline, then republishes the new front entry —
// spec.md §4.12's retry loop, driven entirely off c.clock so tests can
// use a fake one.
func (c *Communicator) retryLoop() {
	for {
		lastRetry, ok := c.vault.GetEarliestRetry()
		if !ok {
			return
		}

		if wait := lastRetry.Add(c.retryInterval).Sub(c.clock.Now()); wait > 0 {
			select {
			case <-c.clock.After(wait):
			case <-c.closeCh:
				return
			}
		}

		select {
		case <-c.closeCh:
			return
		default:
		}

		now := c.clock.Now()
		c.vault.Expire(now.Add(-c.hardDeadline))
		channel, contents, id, ok := c.vault.RetryFrontItem(now)
		if !ok {
			continue
		}
		c.publish(channel, id, contents)
	}
}
