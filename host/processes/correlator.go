package processes

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/khayzz13/keystone/host/wire"
)

// Reply is the payload delivered to a request callback. A peer-reported
// error RESOLVES the callback with Err set; it is not a separate rejection
// path. The zero Reply is the sentinel delivered when the peer detaches
// before answering.
type Reply struct {
	Result json.RawMessage
	Err    string
}

// Correlator tracks outstanding requests for a single peer. Ids are assigned
// atomically and increase monotonically starting at 1; id 0 is reserved for
// fire-and-forget messages and never enters the pending table.
//
// While the peer is detached (not yet attached, or between crash and
// restart) outbound messages queue FIFO; Attach flushes the queue in
// original order before any newer send can interleave.
type Correlator struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	send    func(wire.Message) error // nil while detached
	pending map[uint64]func(Reply)
	queue   []wire.Message
}

func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[uint64]func(Reply)),
	}
}

// NextID returns the next request id. The first id issued is 1.
func (c *Correlator) NextID() uint64 {
	return c.nextID.Add(1)
}

// Request assigns the next id to msg, registers the one-shot callback, and
// sends (or queues) the message. The returned id identifies the request in
// logs; the callback is the only completion path.
func (c *Correlator) Request(msg wire.Message, cb func(Reply)) uint64 {
	id := c.NextID()
	msg.ID = id

	c.mu.Lock()
	c.pending[id] = cb
	c.sendLocked(msg)
	c.mu.Unlock()

	return id
}

// Send delivers a message without registering a callback. Messages built
// with id 0 stay fire-and-forget on the wire.
func (c *Correlator) Send(msg wire.Message) {
	c.mu.Lock()
	c.sendLocked(msg)
	c.mu.Unlock()
}

// sendLocked writes through the attached send function or queues. Send
// errors are ignored here: a failed write means the peer is dying, and exit
// detection resolves every pending callback shortly after.
func (c *Correlator) sendLocked(msg wire.Message) {
	if c.send == nil {
		c.queue = append(c.queue, msg)
		return
	}
	_ = c.send(msg)
}

// Attach connects the peer's send path and flushes queued messages in FIFO
// order. The lock is held across the flush so sends issued during the flush
// land strictly after it.
func (c *Correlator) Attach(send func(wire.Message) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.send = send
	for _, msg := range c.queue {
		_ = send(msg)
	}
	c.queue = nil
}

// Resolve completes the request with the given id. The callback is removed
// from the table before it runs, so a late duplicate reply (or a reply
// racing a detach) can never invoke it twice. Returns false when the id is
// unknown, including the reserved id 0.
func (c *Correlator) Resolve(id uint64, reply Reply) bool {
	c.mu.Lock()
	cb, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	cb(reply)
	return true
}

// Detach disconnects the send path, drops queued messages, and resolves
// every outstanding callback exactly once with the empty Reply sentinel.
// Callbacks run after the lock is released so they may safely issue new
// requests, which queue until the next Attach.
func (c *Correlator) Detach() {
	c.mu.Lock()
	c.send = nil
	c.queue = nil
	flushed := c.pending
	c.pending = make(map[uint64]func(Reply))
	c.mu.Unlock()

	for _, cb := range flushed {
		cb(Reply{})
	}
}

// Attached reports whether a send path is connected.
func (c *Correlator) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// PendingCount returns the number of unresolved requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// QueuedCount returns the number of messages waiting for the next Attach.
func (c *Correlator) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
