package server

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/canvashub/pkg/protocol"
)

// TransportHandler receives events from a transport. Calls are made from the
// transport's own goroutines.
type TransportHandler interface {
	MessageReceived(msg protocol.Message)
	SendQueueDrained()
	TransportClosed()
}

// Transport is the connection of one client
type Transport interface {
	Start(h TransportHandler)
	// Send enqueues messages without blocking
	Send(msgs ...protocol.Message)
	// IsUploading reports whether queued messages have not been written yet
	IsUploading() bool
	// Disconnect sends a Disconnect message after everything already
	// queued, then closes the connection
	Disconnect(reason protocol.DisconnectReason, message string)
	RemoteIP() string
	Close() error
}

// MessageQueue runs a client connection: a reader goroutine decodes frames
// and hands them to the handler, a writer goroutine drains the outbox.
// Only the writer goroutine writes to the connection so frames never
// interleave on the wire.
type MessageQueue struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *log.Logger

	handler TransportHandler

	mu      sync.Mutex
	outbox  []protocol.Message
	sending bool // writer holds a batch taken from the outbox
	closing bool // a Disconnect is queued; no more sends accepted

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMessageQueue wraps a connection. Nothing is read or written until Start.
func NewMessageQueue(conn net.Conn, logger *log.Logger) *MessageQueue {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &MessageQueue{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MessageQueue) Start(h TransportHandler) {
	q.handler = h
	go q.readLoop()
	go q.writeLoop()
}

func (q *MessageQueue) Send(msgs ...protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.outbox = append(q.outbox, msgs...)
	q.mu.Unlock()
	q.signal()
}

func (q *MessageQueue) IsUploading() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sending || len(q.outbox) > 0
}

func (q *MessageQueue) Disconnect(reason protocol.DisconnectReason, message string) {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return
	}
	q.outbox = append(q.outbox, protocol.NewDisconnect(0, reason, message))
	q.closing = true
	q.mu.Unlock()
	q.signal()
}

func (q *MessageQueue) RemoteIP() string {
	addr := q.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Close drops the connection immediately
func (q *MessageQueue) Close() error {
	q.shutdown()
	return nil
}

func (q *MessageQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MessageQueue) readLoop() {
	defer q.shutdown()

	for {
		// Block until the peer sends something
		if _, err := q.reader.Peek(1); err != nil {
			q.logReadError(err)
			return
		}
		msg, err := protocol.ReadMessage(q.reader)
		if err != nil {
			q.logReadError(err)
			return
		}
		q.handler.MessageReceived(msg)
	}
}

func (q *MessageQueue) logReadError(err error) {
	select {
	case <-q.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		q.logger.Printf("Connection %s: closed by peer", q.RemoteIP())
		return
	}
	q.logger.Printf("Connection %s: read error: %v", q.RemoteIP(), err)
}

func (q *MessageQueue) writeLoop() {
	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		}

		for {
			q.mu.Lock()
			batch := q.outbox
			q.outbox = nil
			closing := q.closing
			q.sending = len(batch) > 0
			q.mu.Unlock()

			if len(batch) == 0 {
				if closing {
					q.shutdown()
					return
				}
				break
			}

			if err := q.writeBatch(batch); err != nil {
				q.logger.Printf("Connection %s: write error: %v", q.RemoteIP(), err)
				q.shutdown()
				return
			}

			q.mu.Lock()
			q.sending = false
			drained := len(q.outbox) == 0 && !q.closing
			q.mu.Unlock()

			if drained {
				q.handler.SendQueueDrained()
			}
		}
	}
}

func (q *MessageQueue) writeBatch(batch []protocol.Message) error {
	q.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	for _, msg := range batch {
		data, err := protocol.Serialize(msg)
		if err != nil {
			return err
		}
		// Frames buffered here reach the connection on the final flush
		frame := &protocol.Frame{Version: protocol.ProtocolVersion, Payload: data}
		if err := protocol.EncodeFrame(noFlush{q.writer}, frame); err != nil {
			return err
		}
	}
	return q.writer.Flush()
}

// noFlush hides Flush so EncodeFrame leaves flushing to writeBatch
type noFlush struct{ w io.Writer }

func (n noFlush) Write(p []byte) (int, error) { return n.w.Write(p) }

func (q *MessageQueue) shutdown() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.conn.Close()
		if q.handler != nil {
			q.handler.TransportClosed()
		}
	})
}

// wsConn adapts a WebSocket connection to a byte stream. Each flush of the
// MessageQueue becomes one binary WebSocket message.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}
