package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current wire protocol version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: compression
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion       = errors.New("invalid protocol version")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is the transport envelope around one serialized message.
// Format: [Length (4 bytes)][Version (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8  // Protocol version
	Flags   uint8  // Flags byte (compression)
	Payload []byte // Serialized message
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Incompressible
		return data, false
	}
	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload decompresses LZ4-compressed data.
// Expects format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return decompressed, nil
}

// EncodeFrame writes a frame to the writer, compressing payloads larger
// than CompressionThreshold when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	// Version (1) + Flags (1) + Payload (N)
	length := uint32(2 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 6, 6+len(payload))
	binary.BigEndian.PutUint32(header, length)
	header[4] = f.Version
	header[5] = flags
	if _, err := w.Write(append(header, payload...)); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g. *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads a frame from the reader
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	// Version + flags
	if length < 2 {
		return nil, ErrInvalidFrameLength
	}

	version, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	flags, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length-2)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	if flags&FlagCompressed != 0 && len(payload) > 0 {
		payload, err = DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		flags &^= FlagCompressed
	}

	return &Frame{Version: version, Flags: flags, Payload: payload}, nil
}

// WriteMessage frames and writes a single message
func WriteMessage(w io.Writer, msg Message) error {
	data, err := Serialize(msg)
	if err != nil {
		return err
	}
	return EncodeFrame(w, &Frame{Version: ProtocolVersion, Payload: data})
}

// ReadMessage reads one framed message
func ReadMessage(r io.Reader) (Message, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	msg, n, err := Deserialize(frame.Payload)
	if err != nil {
		return nil, err
	}
	if n != len(frame.Payload) {
		return nil, ErrInvalidFrameLength
	}
	return msg, nil
}

// EncodeMessage is a helper that frames a message into a byte slice
func EncodeMessage(msg Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteMessage(buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a framed message from a byte slice
func DecodeMessage(data []byte) (Message, error) {
	return ReadMessage(bytes.NewReader(data))
}
