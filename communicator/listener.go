package communicator

import (
	"sync"

	"github.com/joomcode/qclient/pubsub"
	"github.com/joomcode/qclient/resp"
)

// dedupWindow bounds how many recent request UUIDs a Listener remembers,
// so a Communicator's retried publish doesn't queue the same request
// twice. Grounded on original_source's CommunicatorListener.hh, which
// keeps a LastNSet<std::string> for exactly this purpose.
const dedupWindow = 100

// CommunicatorRequest is one decoded request waiting in a Listener's
// FIFO, per spec.md §4.12's Companion.
type CommunicatorRequest struct {
	ID       string
	Contents string
}

// Listener is the server side of the Communicator exchange: it receives
// requests published on a channel and lets the caller reply by UUID.
type Listener struct {
	channel   string
	publisher Publisher
	dedup     *lastNSet

	removeListener func()

	mu    sync.Mutex
	queue []CommunicatorRequest
}

// NewListener attaches to sub (borrowed, not owned) on channel.
func NewListener(sub *pubsub.Subscriber, publisher Publisher, channel string) (*Listener, error) {
	l := &Listener{
		channel:   channel,
		publisher: publisher,
		dedup:     newLastNSet(dedupWindow),
	}
	l.removeListener = sub.AddListener(l.onMessage)
	if err := sub.Subscribe(channel); err != nil {
		l.removeListener()
		return nil, err
	}
	return l, nil
}

// Close detaches from the subscriber.
func (l *Listener) Close() {
	l.removeListener()
}

// Size returns the number of requests currently queued.
func (l *Listener) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Front returns the oldest queued request without removing it.
func (l *Listener) Front() (CommunicatorRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return CommunicatorRequest{}, false
	}
	return l.queue[0], true
}

// PopFront discards the oldest queued request, if any.
func (l *Listener) PopFront() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return
	}
	l.queue = l.queue[1:]
}

// SendReply re-publishes a reply carrying id, so the Communicator waiting
// on that UUID can satisfy its future.
func (l *Listener) SendReply(status int64, id, contents string) {
	payload := encodeReply(id, int32(status), contents)
	l.publisher.Send(resp.Request{Cmd: "PUBLISH", Args: []interface{}{l.channel, payload}}, func(interface{}) {})
}

func (l *Listener) onMessage(msg pubsub.Message) {
	if msg.Kind != pubsub.KindMessage || msg.Channel != l.channel {
		return
	}
	id, contents, ok := decodeRequest(msg.Payload)
	if !ok || l.dedup.query(id) {
		return
	}
	l.dedup.insert(id)

	l.mu.Lock()
	l.queue = append(l.queue, CommunicatorRequest{ID: id, Contents: contents})
	l.mu.Unlock()
}
