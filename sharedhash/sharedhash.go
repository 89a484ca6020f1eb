// Package sharedhash implements an eventually-consistent key/value map kept
// in sync across processes by broadcasting every mutation on a pub-sub
// channel, per the TransientSharedHash contract
// (original_source/include/qclient/shared/TransientSharedHash.hh, which is
// itself little more than a class declaration in the retrieved sources —
// the behavior here follows the spec's description of the type directly:
// last-writer-wins by arrival order, no persistence, no conflict
// resolution, tolerant of loss or reordering).
package sharedhash

import (
	"sync"

	"github.com/joomcode/qclient/client"
	"github.com/joomcode/qclient/pubsub"
	"github.com/joomcode/qclient/resp"
)

// Publisher is the minimal collaborator a Hash needs to broadcast a
// mutation. client.Client satisfies it directly.
type Publisher interface {
	Send(req resp.Request, cb client.Callback)
}

// Hash is a map[string]string mirrored across every process that shares the
// same channel. Writes are applied locally first, then broadcast; the same
// method that applies a remote broadcast applies a local write, so the two
// paths can never diverge in behavior.
type Hash struct {
	channel        string
	publisher      Publisher
	removeListener func()

	mu   sync.RWMutex
	data map[string]string
}

// New attaches to sub (borrowed, not owned) and subscribes it to channel.
// Mutations published by any writer using the same channel, including this
// one, are applied to the local map as they arrive.
func New(sub *pubsub.Subscriber, publisher Publisher, channel string) (*Hash, error) {
	h := &Hash{
		channel:   channel,
		publisher: publisher,
		data:      make(map[string]string),
	}
	h.removeListener = sub.AddListener(h.onMessage)
	if err := sub.Subscribe(channel); err != nil {
		h.removeListener()
		return nil, err
	}
	return h, nil
}

// Close detaches the Hash from its subscriber. The subscriber itself is
// left running, since the Hash never owned it.
func (h *Hash) Close() {
	h.removeListener()
}

// Set applies key=value locally and broadcasts it to other holders of the
// same channel.
func (h *Hash) Set(key, value string) {
	h.SetBatch(map[string]string{key: value})
}

// SetBatch applies every entry in batch locally, then broadcasts them as a
// single message.
func (h *Hash) SetBatch(batch map[string]string) {
	if len(batch) == 0 {
		return
	}
	h.apply(batch)
	h.publisher.Send(resp.Request{
		Cmd:  "PUBLISH",
		Args: []interface{}{h.channel, encodeBatch(batch)},
	}, func(interface{}) {})
}

// Get returns the value stored for key and whether it is present.
func (h *Hash) Get(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.data[key]
	return v, ok
}

// Len reports the number of keys currently held.
func (h *Hash) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.data)
}

func (h *Hash) apply(batch map[string]string) {
	h.mu.Lock()
	for k, v := range batch {
		h.data[k] = v
	}
	h.mu.Unlock()
}

func (h *Hash) onMessage(msg pubsub.Message) {
	if msg.Kind != pubsub.KindMessage || msg.Channel != h.channel {
		return
	}
	batch, ok := decodeBatch(msg.Payload)
	if !ok {
		return
	}
	h.apply(batch)
}
