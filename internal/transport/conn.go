// Package transport carries protocol envelopes over a WebSocket
// connection shared by the agent and the server.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avaropoint/stark/internal/protocol"
)

const (
	// MaxMessageSize caps one inbound frame. File transfers are base64
	// encoded, so this leaves room for a 16 MiB file.
	MaxMessageSize = 24 << 20

	// writeWait bounds one frame write and one enqueue.
	writeWait = 10 * time.Second

	sendQueueSize = 64
)

// Path is the agent WebSocket endpoint.
const Path = "/ws/agent"

// Errors returned by Send.
var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("send queue full")
)

// Conn wraps a WebSocket with a single writer goroutine so Send can be
// called from any goroutine.
type Conn struct {
	ws        *websocket.Conn
	out       chan []byte
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// New takes ownership of ws and starts its writer.
func New(ws *websocket.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	ws.SetReadLimit(MaxMessageSize)
	c := &Conn{
		ws:      ws,
		out:     make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log,
	}
	go c.writeLoop()
	return c
}

// Send queues env for delivery. It fails when the connection is closed
// or the queue stays full for longer than the write timeout.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-t.C:
		return ErrQueueFull
	}
}

// Read waits up to timeout for the next envelope. Frames that are not
// valid envelopes return an error wrapping protocol.ErrMalformed; the
// connection stays usable.
func (c *Conn) Read(timeout time.Duration) (protocol.Envelope, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// Close flushes queued envelopes, sends a close frame and releases the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped
	return nil
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) writeLoop() {
	defer func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
		close(c.stopped)
	}()
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.log.Debug("Write failed, closing connection", zap.Error(err))
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		}
	}
}

// flush writes whatever is still queued once Close has been called.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.out:
			if c.write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// IsClosedError reports whether err is an ordinary end of connection
// rather than a fault worth logging.
func IsClosedError(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed)
}
