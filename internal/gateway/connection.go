package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// sendTimeout bounds a single websocket write.
const sendTimeout = 10 * time.Second

// connection is one client control socket. A user id may hold several
// connections at once; playerMap decides which one receives a room's
// events.
type connection struct {
	id     string
	userID string
	ws     *websocket.Conn

	// writeMu serializes websocket writes; the library allows only one
	// concurrent writer.
	writeMu sync.Mutex

	// mu guards the resume fields.
	mu            sync.Mutex
	resumeKey     string
	resumeTimeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(userID string, ws *websocket.Conn) *connection {
	return &connection{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		closed: make(chan struct{}),
	}
}

// send writes one already-marshalled frame, closing the connection on
// failure so the resume path takes over.
func (c *connection) send(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		c.close(websocket.StatusInternalError, "write failed")
		return err
	}
	return nil
}

// configureResuming binds a resume key and timeout to this connection.
func (c *connection) configureResuming(key string, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeKey = key
	c.resumeTimeout = timeout
}

// resuming returns the configured resume key and timeout.
func (c *connection) resuming() (string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeKey, c.resumeTimeout
}

// close terminates the socket once. The read loop observes the closure and
// runs the gateway's disconnect handling.
func (c *connection) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}

// isClosed reports whether close has run.
func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// keepalive pings the client on every interval and terminates it when a
// pong does not arrive in time.
func (c *connection) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.close(websocket.StatusPolicyViolation, "keepalive timeout")
				return
			}
		}
	}
}
