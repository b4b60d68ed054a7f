package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// DisconnectReason tells the peer why it is being disconnected
type DisconnectReason uint8

const (
	DisconnectError    DisconnectReason = 0x00
	DisconnectKick     DisconnectReason = 0x01
	DisconnectShutdown DisconnectReason = 0x02
	DisconnectOther    DisconnectReason = 0x03
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectError:
		return "error"
	case DisconnectKick:
		return "kick"
	case DisconnectShutdown:
		return "shutdown"
	default:
		return "other"
	}
}

// UserJoin flags
const (
	JoinFlagAuth = 0x01 // Authenticated user
	JoinFlagMod  = 0x02 // Moderator
)

// Chat flags
const (
	ChatFlagBypass = 0x01 // Delivered directly, never stored in history
	ChatFlagShout  = 0x02
	ChatFlagAction = 0x04
	ChatFlagPin    = 0x08
)

// Control carries a CBOR encoded server command or server reply
type Control struct {
	envelope
}

// NewControl wraps an already encoded control body
func NewControl(body []byte) *Control {
	return &Control{envelope{typ: TypeControl, body: body}}
}

// Body returns the raw CBOR body
func (m *Control) Body() []byte { return m.body }

func (m *Control) String() string {
	return m.prefix() + " " + base64.StdEncoding.EncodeToString(m.body)
}

// Disconnect notifies the peer that the connection is about to close
type Disconnect struct {
	envelope
	reason  DisconnectReason
	message string
}

func NewDisconnect(ctx uint8, reason DisconnectReason, message string) *Disconnect {
	body := append([]byte{uint8(reason)}, message...)
	return &Disconnect{envelope: envelope{typ: TypeDisconnect, ctx: ctx, body: body}, reason: reason, message: message}
}

func (m *Disconnect) Reason() DisconnectReason { return m.reason }
func (m *Disconnect) Message() string { return m.message }

func (m *Disconnect) String() string {
	return fmt.Sprintf("%s reason=%s message=%s", m.prefix(), m.reason, strconv.Quote(m.message))
}

// Ping is a keepalive. The receiver answers a ping with a pong.
type Ping struct {
	envelope
	pong bool
}

func NewPing(ctx uint8, pong bool) *Ping {
	var b uint8
	if pong {
		b = 1
	}
	return &Ping{envelope: envelope{typ: TypePing, ctx: ctx, body: []byte{b}}, pong: pong}
}

func (m *Ping) IsPong() bool { return m.pong }

func (m *Ping) String() string {
	return fmt.Sprintf("%s pong=%t", m.prefix(), m.pong)
}

// UserJoin announces a user entering the session
type UserJoin struct {
	envelope
	flags  uint8
	name   string
	avatar []byte
}

func NewUserJoin(ctx uint8, flags uint8, name string, avatar []byte) *UserJoin {
	body := appendString([]byte{flags}, name)
	body = append(body, avatar...)
	return &UserJoin{envelope: envelope{typ: TypeUserJoin, ctx: ctx, body: body}, flags: flags, name: name, avatar: avatar}
}

func (m *UserJoin) Flags() uint8 { return m.flags }
func (m *UserJoin) Name() string { return m.name }
func (m *UserJoin) Avatar() []byte { return m.avatar }
func (m *UserJoin) IsAuthenticated() bool { return m.flags&JoinFlagAuth != 0 }
func (m *UserJoin) IsModerator() bool { return m.flags&JoinFlagMod != 0 }

func (m *UserJoin) String() string {
	var flags []string
	if m.IsAuthenticated() {
		flags = append(flags, "auth")
	}
	if m.IsModerator() {
		flags = append(flags, "mod")
	}
	s := fmt.Sprintf("%s name=%s flags=%s", m.prefix(), strconv.Quote(m.name), strings.Join(flags, ","))
	if len(m.avatar) > 0 {
		s += " avatar=" + base64.StdEncoding.EncodeToString(m.avatar)
	}
	return s
}

// UserLeave announces a user leaving the session
type UserLeave struct {
	envelope
}

func NewUserLeave(ctx uint8) *UserLeave {
	return &UserLeave{envelope{typ: TypeUserLeave, ctx: ctx}}
}

func (m *UserLeave) String() string { return m.prefix() }

// SessionOwner is the authoritative list of session operators
type SessionOwner struct {
	envelope
}

func NewSessionOwner(ctx uint8, ids []uint8) *SessionOwner {
	return &SessionOwner{envelope{typ: TypeSessionOwner, ctx: ctx, body: append([]byte(nil), ids...)}}
}

// IDs returns the operator ids
func (m *SessionOwner) IDs() []uint8 { return append([]uint8(nil), m.body...) }

func (m *SessionOwner) String() string { return m.prefix() + " users=" + formatIDs(m.body) }

// TrustedUsers is the authoritative list of trusted users
type TrustedUsers struct {
	envelope
}

func NewTrustedUsers(ctx uint8, ids []uint8) *TrustedUsers {
	return &TrustedUsers{envelope{typ: TypeTrustedUsers, ctx: ctx, body: append([]byte(nil), ids...)}}
}

// IDs returns the trusted user ids
func (m *TrustedUsers) IDs() []uint8 { return append([]uint8(nil), m.body...) }

func (m *TrustedUsers) String() string { return m.prefix() + " users=" + formatIDs(m.body) }

// Chat is a public chat message
type Chat struct {
	envelope
	flags uint8
	text  string
}

func NewChat(ctx uint8, flags uint8, text string) *Chat {
	body := append([]byte{flags}, text...)
	return &Chat{envelope: envelope{typ: TypeChat, ctx: ctx, body: body}, flags: flags, text: text}
}

func (m *Chat) Flags() uint8 { return m.flags }
func (m *Chat) Text() string { return m.text }
func (m *Chat) IsBypass() bool { return m.flags&ChatFlagBypass != 0 }
func (m *Chat) IsAction() bool { return m.flags&ChatFlagAction != 0 }
func (m *Chat) IsShout() bool { return m.flags&ChatFlagShout != 0 }
func (m *Chat) IsPin() bool { return m.flags&ChatFlagPin != 0 }

func (m *Chat) String() string {
	return fmt.Sprintf("%s flags=%d text=%s", m.prefix(), m.flags, strconv.Quote(m.text))
}

// PrivateChat is delivered to the sender and the target only
type PrivateChat struct {
	envelope
	target uint8
	text   string
}

func NewPrivateChat(ctx uint8, target uint8, text string) *PrivateChat {
	body := append([]byte{target}, text...)
	return &PrivateChat{envelope: envelope{typ: TypePrivateChat, ctx: ctx, body: body}, target: target, text: text}
}

func (m *PrivateChat) Target() uint8 { return m.target }
func (m *PrivateChat) Text() string { return m.text }

func (m *PrivateChat) String() string {
	return fmt.Sprintf("%s target=%d text=%s", m.prefix(), m.target, strconv.Quote(m.text))
}

// SoftReset marks a point where clients may discard local undo history
type SoftReset struct {
	envelope
}

func NewSoftReset(ctx uint8) *SoftReset {
	return &SoftReset{envelope{typ: TypeSoftReset, ctx: ctx}}
}

func (m *SoftReset) String() string { return m.prefix() }

// Interval is a playback pause inserted by recorders
type Interval struct {
	envelope
	msecs uint16
}

func NewInterval(ctx uint8, msecs uint16) *Interval {
	return &Interval{envelope: envelope{typ: TypeInterval, ctx: ctx, body: []byte{uint8(msecs >> 8), uint8(msecs)}}, msecs: msecs}
}

func (m *Interval) Milliseconds() uint16 { return m.msecs }

func (m *Interval) String() string { return fmt.Sprintf("%s msecs=%d", m.prefix(), m.msecs) }

// Marker is a free-form bookmark in a recording
type Marker struct {
	envelope
	text string
}

func NewMarker(ctx uint8, text string) *Marker {
	return &Marker{envelope: envelope{typ: TypeMarker, ctx: ctx, body: []byte(text)}, text: text}
}

func (m *Marker) Text() string { return m.text }

func (m *Marker) String() string { return m.prefix() + " text=" + strconv.Quote(m.text) }

// Canvas is an opaque drawing command. The broker never looks inside it.
type Canvas struct {
	envelope
}

// NewCanvas builds a drawing command. typ must be a canvas command tag.
func NewCanvas(typ MessageType, ctx uint8, data []byte) *Canvas {
	if !typ.IsCommand() {
		panic(fmt.Sprintf("protocol: %d is not a canvas command type", uint8(typ)))
	}
	return &Canvas{envelope{typ: typ, ctx: ctx, body: data}}
}

// Data returns the command payload
func (m *Canvas) Data() []byte { return m.body }

func (m *Canvas) String() string {
	return m.prefix() + " " + base64.StdEncoding.EncodeToString(m.body)
}

func formatIDs(ids []uint8) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
