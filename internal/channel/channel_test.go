package channel

import (
	"testing"

	"emberfall/server/internal/proto"
)

func drainFrames(t *testing.T, inbox *Inbox) []Frame {
	t.Helper()
	var frames []Frame
	for _, d := range inbox.Drain() {
		f, err := ParseFrame(d)
		if err != nil {
			t.Fatalf("expected valid frame, got %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestReliableOrderedPreservesOrder(t *testing.T) {
	a, _, _, bInbox := NewLoopbackPair()
	conn := NewConn(a)

	for i := 0; i < 5; i++ {
		if err := conn.Send(ReliableOrdered, proto.MsgRemoteEvent, 0, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	a.Deliver()

	frames := drainFrames(t, bInbox)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Payload[0] != byte(i) {
			t.Fatalf("expected frame %d payload %d, got %d", i, i, f.Payload[0])
		}
		if f.Class != ReliableOrdered {
			t.Fatalf("expected reliable-ordered class, got %v", f.Class)
		}
	}
}

func TestUnreliableCoalescesByContentID(t *testing.T) {
	a, _, _, bInbox := NewLoopbackPair()
	conn := NewConn(a)

	// Three updates for entity 9, one for entity 10: only the newest value
	// per entity survives to the wire.
	conn.Send(Unreliable, proto.MsgNodeLatestData, 9, []byte{1})
	conn.Send(Unreliable, proto.MsgNodeLatestData, 9, []byte{2})
	conn.Send(Unreliable, proto.MsgNodeLatestData, 10, []byte{7})
	conn.Send(Unreliable, proto.MsgNodeLatestData, 9, []byte{3})

	if depth := conn.QueueDepth(); depth != 2 {
		t.Fatalf("expected queue depth 2 after coalescing, got %d", depth)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	a.Deliver()

	frames := drainFrames(t, bInbox)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Payload[0] != 3 {
		t.Fatalf("expected newest payload 3 for entity 9, got %d", frames[0].Payload[0])
	}
	if frames[1].Payload[0] != 7 {
		t.Fatalf("expected payload 7 for entity 10, got %d", frames[1].Payload[0])
	}
	_, _, coalesced := conn.Stats()
	if coalesced != 2 {
		t.Fatalf("expected 2 coalesced sends, got %d", coalesced)
	}
}

func TestCoalescingResetsAfterFlush(t *testing.T) {
	a, _, _, bInbox := NewLoopbackPair()
	conn := NewConn(a)

	conn.Send(Unreliable, proto.MsgNodeLatestData, 9, []byte{1})
	conn.Flush()
	conn.Send(Unreliable, proto.MsgNodeLatestData, 9, []byte{2})
	conn.Flush()
	a.Deliver()

	frames := drainFrames(t, bInbox)
	if len(frames) != 2 {
		t.Fatalf("expected both flushed updates delivered, got %d", len(frames))
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, _, _, _ := NewLoopbackPair()
	conn := NewConn(a)
	if err := conn.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := conn.Send(ReliableOrdered, proto.MsgRemoteEvent, 0, nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	if _, err := ParseFrame(nil); err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame for empty datagram, got %v", err)
	}
	if _, err := ParseFrame([]byte{9, 1, 2}); err != ErrBadFrame {
		t.Fatalf("expected ErrBadFrame for invalid class, got %v", err)
	}
}
