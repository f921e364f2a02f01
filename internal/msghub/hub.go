// Package msghub implements the per-context Message Hub described in spec
// §4.2: a registry of client-addressable channels, each with a bounded
// delivery queue and at most one attached listener.
//
// The channel bookkeeping (keyed map guarded by a RWMutex, buffered Go
// channel as the delivery queue, best-effort non-blocking send) follows the
// same shape as the teacher's broadcastMessage/addClient/deleteClient
// trio, generalized from "broadcast to every client" to "deliver to the one
// listener a msgId names, and fail QueueFull instead of silently dropping".
package msghub

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

// QueueDepth is the bound on a channel's pending-message queue before
// msgSend fails with QueueFull (spec §4.2 "implementation-defined bound").
const QueueDepth = 64

type channel struct {
	queue    chan any
	listener bool
}

// Hub is one Message Hub instance, scoped to a single context by its owner
// (the Context Supervisor never shares a Hub across contexts).
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

func New() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

// MsgNew implements msgNew: creates a channel with no listener and a
// cryptographically random id unique within the hub.
func (h *Hub) MsgNew() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := ulid.MustNew(ulid.Now(), rand.Reader).String()
	h.channels[id] = &channel{queue: make(chan any, QueueDepth)}
	return id
}

// MsgList implements msgList: the ids of currently live channels.
func (h *Hub) MsgList() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	return ids
}

// MsgSend implements msgSend: enqueues msg on the named channel. Delivery
// order within a channel follows call order because the underlying queue
// is itself FIFO, whether or not a listener is currently attached.
func (h *Hub) MsgSend(msgID string, msg any) error {
	h.mu.RLock()
	ch, ok := h.channels[msgID]
	h.mu.RUnlock()
	if !ok {
		return capability.NewError(capability.KindNotFound, "channel %q not found", msgID)
	}

	select {
	case ch.queue <- msg:
		return nil
	default:
		return capability.NewError(capability.KindQueueFull, "channel %q queue is full", msgID)
	}
}

// Subscribe attaches the single allowed listener to msgID and returns the
// receive side of its queue plus a detach func the transport must call on
// disconnect, which destroys the channel (spec §4.2 channel lifecycle).
// A second subscribe attempt on the same msgId fails AlreadySubscribed.
func (h *Hub) Subscribe(msgID string) (<-chan any, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[msgID]
	if !ok {
		return nil, nil, capability.NewError(capability.KindNotFound, "channel %q not found", msgID)
	}
	if ch.listener {
		return nil, nil, capability.NewError(capability.KindAlreadySubscribed, "channel %q already has a listener", msgID)
	}
	ch.listener = true

	detach := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.channels, msgID)
	}

	return ch.queue, detach, nil
}

// Close tears down every live channel, used by the Supervisor on context
// shutdown so any attached listener unblocks instead of hanging forever.
// Closing ch.queue is what actually wakes a listener parked in a
// select{case msg, ok := <-queue:} — deleting the map entry alone leaves
// that goroutine blocked until something unrelated cancels its context.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.channels {
		close(ch.queue)
		delete(h.channels, id)
	}
}
