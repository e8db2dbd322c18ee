package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn carries messages between the orchestrator and one worker.
// Send and Recv may be called from different goroutines.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// pipeBuffer is the number of encoded messages buffered per direction.
const pipeBuffer = 64

type pipeConn struct {
	in         <-chan []byte
	out        chan<- []byte
	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

// Pipe returns two connected in-process ends. Messages are encoded on the way
// through, so both ends see exactly what a remote peer would.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeConn{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &pipeConn{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (p *pipeConn) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) (Message, error) {
	select {
	case data := <-p.in:
		return Decode(data)
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peerClosed:
		// Deliver what the peer sent before closing.
		select {
		case data := <-p.in:
			return Decode(data)
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 20
	recvBuffer     = 256
)

type frame struct {
	data []byte
	err  error
}

// WebSocketConn carries messages over a gorilla websocket connection.
type WebSocketConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	frames  chan frame
	done    chan struct{}
	once    sync.Once
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*WebSocketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketConn(conn, logger), nil
}

// NewWebSocketConn wraps an established websocket connection and starts its
// read and keepalive loops.
func NewWebSocketConn(conn *websocket.Conn, logger *slog.Logger) *WebSocketConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WebSocketConn{
		conn:   conn,
		logger: logger,
		frames: make(chan frame, recvBuffer),
		done:   make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *WebSocketConn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			select {
			case c.frames <- frame{err: err}:
			case <-c.done:
			}
			return
		}
		select {
		case c.frames <- frame{data: data}:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Send writes one message.
func (c *WebSocketConn) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", m.Type(), err)
	}
	return nil
}

// Recv returns the next message.
func (c *WebSocketConn) Recv(ctx context.Context) (Message, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, ErrClosed
		}
		if f.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, f.err)
		}
		return Decode(f.data)
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and releases the connection.
func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
