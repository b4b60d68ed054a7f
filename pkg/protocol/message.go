package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the type tag of a message
type MessageType uint8

// Control messages (0-31) are never recorded
const (
	TypeControl    MessageType = 0x00
	TypeDisconnect MessageType = 0x01
	TypePing       MessageType = 0x02
)

// Meta messages (32-127) are recorded but do not alter the canvas
const (
	TypeUserJoin     MessageType = 0x20
	TypeUserLeave    MessageType = 0x21
	TypeSessionOwner MessageType = 0x22
	TypeChat         MessageType = 0x23
	TypeTrustedUsers MessageType = 0x24
	TypeSoftReset    MessageType = 0x25
	TypePrivateChat  MessageType = 0x26
	TypeInterval     MessageType = 0x40
	TypeMarker       MessageType = 0x41
)

// TypeCanvasBase is the first canvas command tag. Everything from here
// up to 0xff is an opaque drawing command.
const TypeCanvasBase MessageType = 0x80

const (
	// HeaderLength is the serialized message header size:
	// [payload length u16][type u8][context id u8]
	HeaderLength = 4

	// MaxPayloadLength is the largest payload a message can carry
	MaxPayloadLength = 0xffff
)

var (
	ErrPayloadTooLarge    = errors.New("message payload exceeds 65535 bytes")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrTruncatedMessage   = errors.New("truncated message")
)

// IsCommand reports whether t is a canvas command
func (t MessageType) IsCommand() bool {
	return t >= TypeCanvasBase
}

// IsRecordable reports whether messages of type t belong in recordings
func (t MessageType) IsRecordable() bool {
	return t >= TypeUserJoin
}

// Name returns the text-encoding name of the type
func (t MessageType) Name() string {
	switch t {
	case TypeControl:
		return "control"
	case TypeDisconnect:
		return "disconnect"
	case TypePing:
		return "ping"
	case TypeUserJoin:
		return "join"
	case TypeUserLeave:
		return "leave"
	case TypeSessionOwner:
		return "owner"
	case TypeChat:
		return "chat"
	case TypeTrustedUsers:
		return "trusted"
	case TypeSoftReset:
		return "softreset"
	case TypePrivateChat:
		return "pm"
	case TypeInterval:
		return "interval"
	case TypeMarker:
		return "marker"
	}
	if t.IsCommand() {
		return fmt.Sprintf("canvas#%d", uint8(t))
	}
	return fmt.Sprintf("unknown#%d", uint8(t))
}

// Message is one unit of a session's ordered history. The set of
// implementations is closed: every concrete type lives in this package.
//
// Messages are immutable once built except for the context id, which
// the session stamps with the true sender before committing.
type Message interface {
	Type() MessageType
	ContextID() uint8
	SetContextID(id uint8)
	// Length is the serialized size including the header
	Length() int
	IsCommand() bool
	IsRecordable() bool
	// String is the text encoding of the message
	String() string

	payload() []byte
}

// envelope carries the fields every message shares. The payload is
// encoded once when the message is built.
type envelope struct {
	typ  MessageType
	ctx  uint8
	body []byte
}

func (e *envelope) Type() MessageType { return e.typ }
func (e *envelope) ContextID() uint8 { return e.ctx }
func (e *envelope) SetContextID(id uint8) { e.ctx = id }
func (e *envelope) Length() int { return HeaderLength + len(e.body) }
func (e *envelope) IsCommand() bool { return e.typ.IsCommand() }
func (e *envelope) IsRecordable() bool { return e.typ.IsRecordable() }
func (e *envelope) payload() []byte { return e.body }
func (e *envelope) prefix() string { return fmt.Sprintf("%d %s", e.ctx, e.typ.Name()) }

// Serialize encodes msg in its binary form
func Serialize(msg Message) ([]byte, error) {
	body := msg.payload()
	if len(body) > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderLength, HeaderLength+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	buf[2] = uint8(msg.Type())
	buf[3] = msg.ContextID()
	return append(buf, body...), nil
}

// Deserialize decodes one message from the start of data and returns
// the number of bytes it consumed.
func Deserialize(data []byte) (Message, int, error) {
	if len(data) < HeaderLength {
		return nil, 0, ErrTruncatedMessage
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < HeaderLength+n {
		return nil, 0, ErrTruncatedMessage
	}
	msg, err := Decode(MessageType(data[2]), data[3], data[HeaderLength:HeaderLength+n])
	if err != nil {
		return nil, 0, err
	}
	return msg, HeaderLength + n, nil
}

// Decode builds a message from its type, context id and payload
func Decode(typ MessageType, ctx uint8, body []byte) (Message, error) {
	r := &payloadReader{buf: body}
	var msg Message

	switch {
	case typ == TypeControl:
		msg = &Control{envelope: envelope{typ: typ, body: r.rest()}}
	case typ == TypeDisconnect:
		reason := DisconnectReason(r.uint8())
		msg = NewDisconnect(ctx, reason, string(r.rest()))
	case typ == TypePing:
		msg = NewPing(ctx, r.uint8() != 0)
	case typ == TypeUserJoin:
		flags := r.uint8()
		name := r.string()
		msg = NewUserJoin(ctx, flags, name, r.rest())
	case typ == TypeUserLeave:
		msg = NewUserLeave(ctx)
	case typ == TypeSessionOwner:
		msg = NewSessionOwner(ctx, r.rest())
	case typ == TypeTrustedUsers:
		msg = NewTrustedUsers(ctx, r.rest())
	case typ == TypeChat:
		flags := r.uint8()
		msg = NewChat(ctx, flags, string(r.rest()))
	case typ == TypePrivateChat:
		target := r.uint8()
		msg = NewPrivateChat(ctx, target, string(r.rest()))
	case typ == TypeSoftReset:
		msg = NewSoftReset(ctx)
	case typ == TypeInterval:
		msg = NewInterval(ctx, r.uint16())
	case typ == TypeMarker:
		msg = NewMarker(ctx, string(r.rest()))
	case typ.IsCommand():
		msg = NewCanvas(typ, ctx, r.rest())
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(typ))
	}

	if r.err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", typ.Name(), r.err)
	}
	msg.SetContextID(ctx)
	return msg, nil
}
