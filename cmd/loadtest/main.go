package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	mathrand "math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aeolun/canvashub/pkg/client"
	"github.com/aeolun/canvashub/pkg/protocol"
)

// strokeType is the canvas message type the bots draw with
const strokeType = protocol.TypeCanvasBase

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	strokesSent       atomic.Int64
	strokesEchoed     atomic.Int64
	strokesReceived   atomic.Int64
	totalEchoTime     atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
	disconnections    atomic.Int64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
}

func (s *Stats) recordEcho(latency time.Duration) {
	s.strokesEchoed.Add(1)
	s.totalEchoTime.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, echoed, received int64, avgEchoUs float64) {
	sent = s.strokesSent.Load()
	echoed = s.strokesEchoed.Load()
	received = s.strokesReceived.Load()
	if echoed > 0 {
		avgEchoUs = float64(s.totalEchoTime.Load()) / float64(echoed)
	}
	return
}

// BotClient is a fake drawing user
type BotClient struct {
	id    int
	user  uint8
	conn  *client.Connection
	stats *Stats
}

func NewBotClient(ctx context.Context, id int, serverAddr string, throttle int, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(ctx, serverAddr, client.Options{
		Logger:              debugLogger,
		ThrottleBytesPerSec: throttle,
	})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Hello(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &BotClient{id: id, conn: conn, stats: stats}, nil
}

// Host creates the session the other bots join
func (bc *BotClient) Host(ctx context.Context, alias string) error {
	joined, err := bc.conn.Host(ctx, client.Credentials{Username: fmt.Sprintf("host-%d", bc.id)}, client.HostOptions{
		Alias: alias,
		Title: "Load test",
	})
	if err != nil {
		return err
	}
	bc.user = joined.User
	return bc.conn.InitComplete()
}

func (bc *BotClient) Join(ctx context.Context, alias string) error {
	joined, err := bc.conn.Join(ctx, client.Credentials{Username: fmt.Sprintf("bot-%d", bc.id)}, alias, "")
	if err != nil {
		return err
	}
	bc.user = joined.User
	return nil
}

// Draw sends one stroke. The first eight bytes carry the send time so the
// echo can be timed.
func (bc *BotClient) Draw(size int) error {
	data := make([]byte, 8+size)
	binary.BigEndian.PutUint64(data, uint64(time.Now().UnixNano()))
	rand.Read(data[8:])
	if err := bc.conn.Send(protocol.NewCanvas(strokeType, bc.user, data)); err != nil {
		return err
	}
	bc.stats.strokesSent.Add(1)
	return nil
}

// receive drains the connection until it closes
func (bc *BotClient) receive() {
	for msg := range bc.conn.Incoming() {
		switch m := msg.(type) {
		case *protocol.Canvas:
			bc.stats.strokesReceived.Add(1)
			if m.ContextID() == bc.user && len(m.Data()) >= 8 {
				sent := time.Unix(0, int64(binary.BigEndian.Uint64(m.Data())))
				bc.stats.recordEcho(time.Since(sent))
			}
		case *protocol.Disconnect:
			bc.stats.disconnections.Add(1)
			debugLogger.Printf("[Bot %d] Disconnected: %s %s", bc.id, m.Reason(), m.Message())
		}
	}
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay time.Duration, strokeSize int) {
	defer func() {
		bc.stats.bytesSent.Add(bc.conn.BytesSent())
		bc.stats.bytesReceived.Add(bc.conn.BytesReceived())
		bc.conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		bc.receive()
	}()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	for {
		if err := bc.Draw(strokeSize); err != nil {
			if !errors.Is(err, client.ErrClosed) {
				log.Printf("[Bot %d] Draw failed: %v", bc.id, err)
			}
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(mathrand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-done:
			return
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Create loadtest_debug.log file for detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Configure standard log to write to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	// Configure debug logger to write only to debug file
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:27750", "Server address (host:port, tcp:// or ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent drawing clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 20*time.Millisecond, "Minimum delay between strokes")
	maxDelay := flag.Duration("max-delay", 200*time.Millisecond, "Maximum delay between strokes")
	strokeSize := flag.Int("stroke-size", 64, "Payload bytes per stroke")
	slowClients := flag.Int("slow-clients", 0, "Number of clients on a throttled link")
	throttle := flag.Int("throttle", 3600, "Bytes per second for slow clients")
	alias := flag.String("alias", "loadtest", "Alias of the session to create")
	flag.Parse()

	// Initialize logging to both stdout and file
	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := max(rampUpDuration/time.Duration(max(*numClients, 1)), time.Millisecond)

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (%d throttled to %d B/s)", *numClients, *slowClients, *throttle)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	host, err := NewBotClient(connectCtx, 0, *serverAddr, 0, stats)
	if err == nil {
		err = host.Host(connectCtx, *alias)
	}
	cancel()
	if err != nil {
		log.Fatalf("Failed to host session: %v", err)
	}
	go host.receive()
	defer host.conn.Close()

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, echoed, received, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d echoed, %d received, avg echo %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, echoed, received, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 1; i <= *numClients && ctx.Err() == nil; i++ {
		wg.Add(1)
		bps := 0
		if i <= *slowClients {
			bps = *throttle
		}

		go func(id, bps int) {
			defer wg.Done()

			connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			bot, err := NewBotClient(connectCtx, id, *serverAddr, bps, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Connect failed: %v", id, err)
				return
			}
			if err := bot.Join(connectCtx, *alias); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Join failed: %v", id, err)
				bot.conn.Close()
				return
			}
			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			bot.Run(ctx, *duration, *minDelay, *maxDelay, *strokeSize)
		}(i, bps)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	wg.Wait()
	close(stopStats)

	sent, echoed, received, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful", *numClients, successfulClients)
	log.Printf("Duration: %v", *duration)
	log.Printf("Strokes sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("Strokes echoed: %d", echoed)
	log.Printf("Strokes received: %d", received)
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Traffic: %s sent, %s received",
		humanize.IBytes(stats.bytesSent.Load()), humanize.IBytes(stats.bytesReceived.Load()))
	log.Printf("Average echo time: %.2fms", avgUs/1000.0)

	if sent > 0 {
		log.Printf("Echo rate: %.1f%%", float64(echoed)/float64(sent)*100)
	}
}
