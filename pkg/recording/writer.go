// Package recording writes session histories to disk for later playback.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/aeolun/canvashub/pkg/protocol"
)

const (
	// FormatVersion is written into every recording header
	FormatVersion = "canvashub.1"

	// Magic starts every binary recording
	Magic = "CVREC\x00"

	// DefaultAutoflush is the flush period used by SetAutoflush(0)
	DefaultAutoflush = 5 * time.Second

	// TextExtension marks recordings written in the text encoding
	TextExtension = ".cvtxt"
)

var (
	ErrNotOpen      = errors.New("recording is not open")
	ErrHeaderTooBig = errors.New("recording header exceeds 65535 bytes")
)

// Encoding selects how messages are written
type Encoding int

const (
	EncodingBinary Encoding = iota
	EncodingText
)

// Compression selects the stream compressor
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// compressor is the subset of lz4.Writer and zstd.Encoder we use
type compressor interface {
	io.Writer
	Flush() error
	Close() error
}

// FormatFor picks the encoding and compression from a file name:
// a .lz4 or .zst suffix selects compression, and the remaining
// extension .cvtxt selects the text encoding.
func FormatFor(path string) (Encoding, Compression) {
	name := strings.ToLower(filepath.Base(path))
	comp := CompressionNone
	switch {
	case strings.HasSuffix(name, ".lz4"):
		comp = CompressionLZ4
		name = strings.TrimSuffix(name, ".lz4")
	case strings.HasSuffix(name, ".zst"):
		comp = CompressionZstd
		name = strings.TrimSuffix(name, ".zst")
	}
	if strings.HasSuffix(name, TextExtension) {
		return EncodingText, comp
	}
	return EncodingBinary, comp
}

// Writer mirrors session messages into a recording. All methods are
// safe for concurrent use with the autoflush goroutine.
type Writer struct {
	mu sync.Mutex

	path        string
	dest        io.Writer
	file        io.Closer
	comp        compressor
	out         *bufio.Writer
	encoding    Encoding
	compression Compression

	minInterval       time.Duration
	timestampInterval time.Duration
	lastMessage       time.Time
	lastTimestamp     time.Time
	now               func() time.Time

	autoflush time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewWriter prepares a recording to the given file. Nothing is created
// until Open.
func NewWriter(path string) *Writer {
	enc, comp := FormatFor(path)
	return &Writer{path: path, encoding: enc, compression: comp, now: time.Now}
}

// NewStreamWriter records to an existing stream. w is not closed by Close.
func NewStreamWriter(w io.Writer, enc Encoding, comp Compression) *Writer {
	return &Writer{dest: w, encoding: enc, compression: comp, now: time.Now}
}

// Path returns the file being written, if any
func (w *Writer) Path() string { return w.path }

// Encoding returns the message encoding in use
func (w *Writer) Encoding() Encoding { return w.encoding }

// SetMinimumInterval makes the writer insert Interval messages when at
// least d passed between two recorded messages. 0 disables.
func (w *Writer) SetMinimumInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.minInterval = d
}

// SetTimestampInterval makes the writer insert a timestamp Marker at most
// once per d. 0 disables.
func (w *Writer) SetTimestampInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestampInterval = d
}

// SetClock replaces the time source
func (w *Writer) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// SetAutoflush flushes buffered output every d while the writer is open.
// d <= 0 uses DefaultAutoflush. Must be called before Open.
func (w *Writer) SetAutoflush(d time.Duration) {
	if d <= 0 {
		d = DefaultAutoflush
	}
	w.autoflush = d
}

// Open creates the output file and compressor
func (w *Writer) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.out != nil {
		return nil
	}

	dest := w.dest
	if dest == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			return fmt.Errorf("failed to create recording directory: %w", err)
		}
		f, err := os.Create(w.path)
		if err != nil {
			return fmt.Errorf("failed to create recording: %w", err)
		}
		w.file = f
		dest = f
	}

	switch w.compression {
	case CompressionLZ4:
		w.comp = lz4.NewWriter(dest)
		dest = w.comp
	case CompressionZstd:
		enc, err := zstd.NewWriter(dest, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			w.closeFile()
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w.comp = enc
		dest = enc
	}
	w.out = bufio.NewWriter(dest)

	if w.autoflush > 0 {
		w.stop = make(chan struct{})
		w.wg.Add(1)
		go w.autoflushLoop(w.autoflush, w.stop)
	}
	return nil
}

func (w *Writer) autoflushLoop(d time.Duration, stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-stop:
			return
		}
	}
}

// WriteHeader writes the recording header. metadata is merged over the
// version and writer fields.
func (w *Writer) WriteHeader(metadata map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.out == nil {
		return ErrNotOpen
	}

	header := map[string]any{
		"version": FormatVersion,
		"writer":  "canvashub",
	}
	for k, v := range metadata {
		header[k] = v
	}

	if w.encoding == EncodingText {
		keys := make([]string, 0, len(header))
		for k := range header {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w.out, "!%s=%v\n", k, header[k]); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if len(data) > 0xffff {
		return ErrHeaderTooBig
	}
	if _, err := w.out.WriteString(Magic); err != nil {
		return err
	}
	if err := protocol.WriteUint16(w.out, uint16(len(data))); err != nil {
		return err
	}
	_, err = w.out.Write(data)
	return err
}

// RecordMessage writes msg if it is recordable, preceded by interval and
// timestamp markers when those are enabled
func (w *Writer) RecordMessage(msg protocol.Message) error {
	if !msg.IsRecordable() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.out == nil {
		return ErrNotOpen
	}

	now := w.now()
	if w.minInterval > 0 {
		if !w.lastMessage.IsZero() {
			if gap := now.Sub(w.lastMessage); gap >= w.minInterval {
				ms := min(gap.Milliseconds(), 0xffff)
				if err := w.writeMessage(protocol.NewInterval(0, uint16(ms))); err != nil {
					return err
				}
			}
		}
		w.lastMessage = now
	}

	if w.timestampInterval > 0 && (w.lastTimestamp.IsZero() || now.Sub(w.lastTimestamp) >= w.timestampInterval) {
		if err := w.writeMessage(protocol.NewMarker(0, now.Format(time.RFC3339))); err != nil {
			return err
		}
		w.lastTimestamp = now
	}

	return w.writeMessage(msg)
}

// WriteComment adds a comment line. Binary recordings have no comments.
func (w *Writer) WriteComment(comment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.out == nil {
		return ErrNotOpen
	}
	if w.encoding != EncodingText {
		return nil
	}
	for _, line := range strings.Split(comment, "\n") {
		if _, err := fmt.Fprintf(w.out, "# %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeMessage(msg protocol.Message) error {
	if w.encoding == EncodingText {
		_, err := w.out.WriteString(msg.String() + "\n")
		return err
	}
	data, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	_, err = w.out.Write(data)
	return err
}

// Flush pushes buffered output through the compressor to the file
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.out == nil {
		return nil
	}
	if err := w.out.Flush(); err != nil {
		return err
	}
	if w.comp != nil {
		return w.comp.Flush()
	}
	return nil
}

// Close stops autoflush, flushes and closes the recording
func (w *Writer) Close() error {
	w.mu.Lock()
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		w.wg.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.out == nil {
		return nil
	}
	err := w.flushLocked()
	if w.comp != nil {
		if cerr := w.comp.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := w.closeFile(); err == nil {
		err = cerr
	}
	w.out = nil
	w.comp = nil
	return err
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// UniquePath returns path, or path with a numeric suffix before the
// extension if the file already exists
func UniquePath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	dir, name := filepath.Split(path)
	base, ext, _ := strings.Cut(name, ".")
	if ext != "" {
		ext = "." + ext
	}
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
