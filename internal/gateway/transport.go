package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socketTransport implements adapter.Transport over one gorilla/websocket
// connection. Writes are serialized through a single writer goroutine (a
// *websocket.Conn forbids concurrent writers); BufferedAmount reports the
// bytes currently queued on writeCh, mirroring a browser WebSocket's
// bufferedAmount so the adapter's backpressure policy has a real signal to
// act on.
type socketTransport struct {
	conn *websocket.Conn

	writeCh chan []byte

	mu       sync.Mutex
	buffered int

	closeOnce sync.Once
	closed    chan struct{}
}

type outboundEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func newSocketTransport(conn *websocket.Conn) *socketTransport {
	t := &socketTransport{
		conn:    conn,
		writeCh: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *socketTransport) writeLoop() {
	for data := range t.writeCh {
		_ = t.conn.WriteMessage(websocket.TextMessage, data)
		t.mu.Lock()
		t.buffered -= len(data)
		t.mu.Unlock()
	}
}

// Emit marshals event/payload as a JSON envelope and queues it for write.
func (t *socketTransport) Emit(event string, payload any) error {
	data, err := json.Marshal(outboundEnvelope{Event: event, Payload: payload})
	if err != nil {
		return err
	}

	select {
	case <-t.closed:
		return websocket.ErrCloseSent
	default:
	}

	t.mu.Lock()
	t.buffered += len(data)
	t.mu.Unlock()

	select {
	case t.writeCh <- data:
		return nil
	case <-t.closed:
		t.mu.Lock()
		t.buffered -= len(data)
		t.mu.Unlock()
		return websocket.ErrCloseSent
	}
}

func (t *socketTransport) BufferedAmount() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffered, true
}

// writeControl sends a control frame (ping/pong) directly, bypassing the
// queued writer since control frames are small and time-sensitive.
func (t *socketTransport) writeControl(messageType int) error {
	select {
	case <-t.closed:
		return websocket.ErrCloseSent
	default:
	}
	return t.conn.WriteControl(messageType, nil, time.Now().Add(5*time.Second))
}

func (t *socketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.writeCh)
		_ = t.conn.Close()
	})
	return nil
}
