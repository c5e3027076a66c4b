package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebsocketTransport adapts a websocket connection to the Transport contract.
// The websocket gives reliable-ordered delivery for every class, which
// satisfies the channel guarantees as minimums; unreliable semantics still
// matter on the send side, where coalescing happens before the write.
type WebsocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketTransport wraps an established websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	return &WebsocketTransport{conn: conn}
}

// WriteDatagram sends one framed message as a binary websocket message.
func (t *WebsocketTransport) WriteDatagram(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Close closes the websocket connection.
func (t *WebsocketTransport) Close() error {
	return t.conn.Close()
}

// ReadLoop pumps inbound websocket messages into the inbox until the
// connection fails, then invokes done with the read error. It must run on its
// own goroutine; the replication thread drains the inbox during Update.
func (t *WebsocketTransport) ReadLoop(inbox *Inbox, done func(error)) {
	for {
		kind, payload, err := t.conn.ReadMessage()
		if err != nil {
			if done != nil {
				done(err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		inbox.Push(payload)
	}
}
