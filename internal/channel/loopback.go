package channel

import "sync"

// Loopback is an in-memory transport half used by tests and the local demo.
// Written datagrams accumulate until Deliver moves them into the peer's
// inbox, which mimics the transport rule that inbound data is only handed
// over during the Update call.
type Loopback struct {
	mu      sync.Mutex
	peer    *Inbox
	pending [][]byte
	dropped int
	closed  bool
}

// NewLoopbackPair returns two connected transport halves and the inboxes
// their deliveries land in.
func NewLoopbackPair() (a *Loopback, aInbox *Inbox, b *Loopback, bInbox *Inbox) {
	aInbox = &Inbox{}
	bInbox = &Inbox{}
	a = &Loopback{peer: bInbox}
	b = &Loopback{peer: aInbox}
	return a, aInbox, b, bInbox
}

// BindPeer redirects future deliveries into the given inbox. Used when the
// receiving side owns its inbox, as replicator connections do.
func (l *Loopback) BindPeer(in *Inbox) {
	l.mu.Lock()
	l.peer = in
	l.mu.Unlock()
}

// WriteDatagram buffers a datagram for the next Deliver.
func (l *Loopback) WriteDatagram(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.dropped > 0 {
		l.dropped--
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	l.pending = append(l.pending, copied)
	return nil
}

// Deliver moves all buffered datagrams into the peer's inbox and returns how
// many were moved.
func (l *Loopback) Deliver() int {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	peer := l.peer
	l.mu.Unlock()
	for _, d := range pending {
		peer.Push(d)
	}
	return len(pending)
}

// DropNext discards the next n written datagrams, simulating loss on the
// unreliable path.
func (l *Loopback) DropNext(n int) {
	l.mu.Lock()
	l.dropped += n
	l.mu.Unlock()
}

// Close marks the half closed; further writes fail.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
	return nil
}
