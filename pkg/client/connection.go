package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aeolun/canvashub/pkg/protocol"
)

var ErrClosed = errors.New("connection closed")

// Options configure a Connection. Zero values get defaults.
type Options struct {
	Logger      *log.Logger
	DialTimeout time.Duration

	// ThrottleBytesPerSec limits both directions of the connection.
	// Useful for simulating clients on slow links. 0 = no throttle.
	ThrottleBytesPerSec int
}

// Connection is a client connection to a canvas server. Messages arrive
// on Incoming until the server goes away, at which point the channel is
// closed.
type Connection struct {
	addr string // Display address with scheme (e.g., "ws://server:27751")
	kind string // "tcp" or "websocket"
	conn net.Conn

	incoming chan protocol.Message
	outgoing chan protocol.Message
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	limiter *rate.Limiter // nil = no throttle
	logger  *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to addr, which is host[:port], tcp://host[:port] or
// ws[s]://host[:port]
func Dial(ctx context.Context, addr string, opts Options) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	conn, err := cfg.dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}

	c := &Connection{
		addr:     cfg.display,
		kind:     cfg.kind,
		conn:     conn,
		incoming: make(chan protocol.Message, 256),
		outgoing: make(chan protocol.Message, 256),
		errors:   make(chan error, 10),
		logger:   opts.Logger,
		shutdown: make(chan struct{}),
	}
	if opts.ThrottleBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.ThrottleBytesPerSec), opts.ThrottleBytesPerSec)
		c.logger.Printf("Bandwidth throttling enabled: %d bytes/sec (~%.1f kbps)", opts.ThrottleBytesPerSec, float64(opts.ThrottleBytesPerSec*8)/1000)
	}
	c.logger.Printf("Connected to %s via %s", c.addr, c.kind)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Send queues a message for the server
func (c *Connection) Send(msg protocol.Message) error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.shutdown:
		return ErrClosed
	}
}

// Command sends a login or session command
func (c *Connection) Command(cmd string, args []any, kwargs map[string]any) error {
	msg, err := protocol.NewCommand(protocol.ServerCommand{Cmd: cmd, Args: args, Kwargs: kwargs})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Connection) Incoming() <-chan protocol.Message { return c.incoming }
func (c *Connection) Errors() <-chan error { return c.errors }
func (c *Connection) Address() string { return c.addr }
func (c *Connection) Kind() string { return c.kind }
func (c *Connection) BytesSent() uint64 { return c.bytesSent.Load() }
func (c *Connection) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Close disconnects and waits for the read and write loops to exit
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop decodes messages until the connection ends, then closes
// the incoming channel
func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	// Build reader chain: conn -> throttle (optional) -> counter
	var reader io.Reader = c.conn
	if c.limiter != nil {
		reader = &throttledReader{r: reader, limiter: c.limiter, done: c.shutdown}
	}
	reader = &countingReader{r: reader, counter: &c.bytesReceived}

	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.logger.Printf("Connection closed by server")
				return
			}
			c.logger.Printf("Read error: %v", err)
			c.reportError(fmt.Errorf("read error: %w", err))
			c.conn.Close()
			return
		}

		c.logger.Printf("← RECV: %s", msg)

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	// Build writer chain: conn -> throttle (optional) -> counter
	var writer io.Writer = c.conn
	if c.limiter != nil {
		writer = &throttledWriter{w: writer, limiter: c.limiter, done: c.shutdown}
	}
	writer = &countingWriter{w: writer, counter: &c.bytesSent}

	for {
		select {
		case msg := <-c.outgoing:
			if err := protocol.WriteMessage(writer, msg); err != nil {
				c.logger.Printf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				c.conn.Close()
				return
			}
			c.logger.Printf("→ SEND: %s", msg)

		case <-c.shutdown:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// waitContext is cancelled when the connection shuts down
func waitContext(done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// throttledReader limits the read rate to the limiter's byte rate
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	done    <-chan struct{}
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if burst := tr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := tr.r.Read(p)
	if n > 0 {
		ctx, cancel := waitContext(tr.done)
		defer cancel()
		if werr := tr.limiter.WaitN(ctx, n); werr != nil && err == nil {
			err = ErrClosed
		}
	}
	return n, err
}

// throttledWriter writes in chunks of at most one burst, waiting for the
// limiter before each
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	done    <-chan struct{}
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	ctx, cancel := waitContext(tw.done)
	defer cancel()

	total := 0
	for total < len(p) {
		chunk := min(len(p)-total, tw.limiter.Burst())
		if err := tw.limiter.WaitN(ctx, chunk); err != nil {
			return total, ErrClosed
		}
		n, err := tw.w.Write(p[total : total+chunk])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dialConfig holds connection details derived from the server address
type dialConfig struct {
	display string
	kind    string
	dial    func(ctx context.Context) (net.Conn, error)
}

const (
	defaultTCPPort = "27750"
	defaultWSPort  = "27751"
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "canvas":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			kind:    "tcp",
			dial: func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				conn, err := d.DialContext(ctx, "tcp", address)
				if err != nil {
					return nil, err
				}
				// Disable Nagle's algorithm so strokes go out immediately
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					tcpConn.SetNoDelay(true)
				}
				return conn, nil
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWSPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}
		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		return &dialConfig{
			display: u.String(),
			kind:    "websocket",
			dial: func(ctx context.Context) (net.Conn, error) {
				return DialWebSocket(ctx, u.String())
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
