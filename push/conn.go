package push

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"courier/crypto"
)

const writeTimeout = 10 * time.Second

// endpointConn wraps one shared websocket connection. Writes are
// serialized; the close is idempotent.
type endpointConn struct {
	endpoint   string
	ws         *websocket.Conn
	registered map[crypto.Identity]bool

	writeMu  sync.Mutex
	stop     chan struct{}
	closed   atomic.Bool
	lastPong atomic.Int64
}

func newEndpointConn(endpoint string, ws *websocket.Conn) *endpointConn {
	conn := &endpointConn{
		endpoint:   endpoint,
		ws:         ws,
		registered: make(map[crypto.Identity]bool),
		stop:       make(chan struct{}),
	}
	conn.lastPong.Store(time.Now().UnixNano())
	ws.SetPongHandler(func(string) error {
		conn.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return conn
}

func (c *endpointConn) writeText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *endpointConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *endpointConn) sincePong() time.Duration {
	return time.Since(time.Unix(0, c.lastPong.Load()))
}

// close returns true for the caller that actually closed the connection.
func (c *endpointConn) close() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	close(c.stop)
	_ = c.ws.Close()
	return true
}
