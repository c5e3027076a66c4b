// Package channel frames protocol messages over an abstract datagram
// transport and implements the three logical delivery classes the replication
// core relies on: reliable-ordered, reliable-unordered, and
// unreliable-with-content-id.
package channel

import (
	"errors"
	"sync"

	"emberfall/server/internal/proto"
)

// Class selects the delivery guarantees for a send.
type Class uint8

const (
	// ReliableOrdered preserves per-channel send order and guarantees
	// eventual delivery or session failure.
	ReliableOrdered Class = iota
	// ReliableUnordered guarantees delivery without ordering.
	ReliableUnordered
	// Unreliable delivers best-effort; an unsent older message with the same
	// (message id, content id) is superseded in place.
	Unreliable
)

// String names the class for logs.
func (c Class) String() string {
	switch c {
	case ReliableOrdered:
		return "reliable-ordered"
	case ReliableUnordered:
		return "reliable-unordered"
	case Unreliable:
		return "unreliable"
	default:
		return "invalid"
	}
}

// ErrClosed reports a send on a closed connection.
var ErrClosed = errors.New("channel: connection closed")

// ErrBadFrame reports an undecodable inbound datagram.
var ErrBadFrame = errors.New("channel: malformed frame")

// Transport is the unreliable/reliable datagram layer beneath the channel.
// Retransmission, ordering, and NAT traversal are its problem, not ours; the
// channel only frames messages onto it.
type Transport interface {
	// WriteDatagram sends one framed message.
	WriteDatagram(b []byte) error
	// Close tears down the underlying session.
	Close() error
}

type frame struct {
	class     Class
	id        proto.MessageID
	contentID uint32
	payload   []byte
}

type contentKey struct {
	id        proto.MessageID
	contentID uint32
}

// Conn queues framed messages for one peer and flushes them once per tick.
// Sends between flushes are where unreliable coalescing happens: the newest
// payload for a (message id, content id) pair replaces an unsent older one.
//
// Conn is driven from the single replication thread; only the transport
// boundary below it is concurrent.
type Conn struct {
	transport Transport
	queue     []frame
	pending   map[contentKey]int
	closed    bool
	sentMsgs  uint64
	sentBytes uint64
	coalesced uint64
}

// NewConn wraps a transport.
func NewConn(t Transport) *Conn {
	return &Conn{
		transport: t,
		pending:   make(map[contentKey]int),
	}
}

// Send enqueues a message for the next flush. The payload is retained until
// flushed, so callers must hand over an owned slice.
func (c *Conn) Send(class Class, id proto.MessageID, contentID uint32, payload []byte) error {
	if c.closed {
		return ErrClosed
	}
	if class == Unreliable {
		key := contentKey{id: id, contentID: contentID}
		if idx, ok := c.pending[key]; ok {
			c.queue[idx].payload = payload
			c.coalesced++
			return nil
		}
		c.pending[key] = len(c.queue)
		c.queue = append(c.queue, frame{class: class, id: id, contentID: contentID, payload: payload})
		return nil
	}
	c.queue = append(c.queue, frame{class: class, id: id, payload: payload})
	return nil
}

// QueueDepth returns the number of unflushed messages.
func (c *Conn) QueueDepth() int {
	return len(c.queue)
}

// Flush writes every queued frame to the transport in enqueue order and
// clears the queue. A write failure leaves the remaining frames queued and is
// returned to the caller.
func (c *Conn) Flush() error {
	if c.closed {
		return ErrClosed
	}
	for i, f := range c.queue {
		if err := c.transport.WriteDatagram(encodeFrame(f)); err != nil {
			c.queue = c.queue[i:]
			// Surviving frames shifted; reindex so coalescing stays correct.
			clear(c.pending)
			for j, rest := range c.queue {
				if rest.class == Unreliable {
					c.pending[contentKey{id: rest.id, contentID: rest.contentID}] = j
				}
			}
			return err
		}
		c.sentMsgs++
		c.sentBytes += uint64(len(f.payload))
	}
	c.queue = nil
	clear(c.pending)
	return nil
}

// Close discards queued frames and closes the transport.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	clear(c.pending)
	return c.transport.Close()
}

// Stats reports cumulative send counters.
func (c *Conn) Stats() (messages, bytes, coalesced uint64) {
	return c.sentMsgs, c.sentBytes, c.coalesced
}

func encodeFrame(f frame) []byte {
	w := proto.NewWriter()
	w.WriteU8(uint8(f.class))
	w.WriteU8(uint8(f.id))
	w.WriteRaw(f.payload)
	return w.Bytes()
}

// Frame is a decoded inbound datagram.
type Frame struct {
	Class   Class
	ID      proto.MessageID
	Payload []byte
}

// ParseFrame decodes one datagram into its class, message id, and payload.
func ParseFrame(datagram []byte) (Frame, error) {
	if len(datagram) < 2 {
		return Frame{}, ErrBadFrame
	}
	class := Class(datagram[0])
	if class > Unreliable {
		return Frame{}, ErrBadFrame
	}
	return Frame{
		Class:   class,
		ID:      proto.MessageID(datagram[1]),
		Payload: datagram[2:],
	}, nil
}

// Inbox buffers inbound datagrams from the transport's read goroutine until
// the replication thread drains them during Update. It is the only
// concurrency boundary in the subsystem.
type Inbox struct {
	mu    sync.Mutex
	queue [][]byte
}

// Push appends a datagram. Safe to call from the transport's goroutine.
func (in *Inbox) Push(datagram []byte) {
	in.mu.Lock()
	in.queue = append(in.queue, datagram)
	in.mu.Unlock()
}

// Drain removes and returns all buffered datagrams in arrival order.
func (in *Inbox) Drain() [][]byte {
	in.mu.Lock()
	out := in.queue
	in.queue = nil
	in.mu.Unlock()
	return out
}
