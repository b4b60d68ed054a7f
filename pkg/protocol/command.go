package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same reply always
// produces identical bytes (and identical history sizes).
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// ReplyType identifies the kind of a server reply
type ReplyType string

const (
	ReplyLogin        ReplyType = "login"
	ReplyMessage      ReplyType = "msg"
	ReplyAlert        ReplyType = "alert"
	ReplyError        ReplyType = "error"
	ReplyResult       ReplyType = "result"
	ReplyLog          ReplyType = "log"
	ReplySessionConf  ReplyType = "sessionconf"
	ReplySizeLimit    ReplyType = "sizelimit"
	ReplyStatus       ReplyType = "status"
	ReplyReset        ReplyType = "reset"
	ReplyCatchup      ReplyType = "catchup"
	ReplyResetRequest ReplyType = "autoreset"
)

var ErrNotACommand = errors.New("control message does not carry a command")

// ServerCommand is a request from a client to the server
type ServerCommand struct {
	Cmd    string         `cbor:"cmd"`
	Args   []any          `cbor:"args,omitempty"`
	Kwargs map[string]any `cbor:"kwargs,omitempty"`
}

// ServerReply is a server-originated notification or answer
type ServerReply struct {
	Type    ReplyType      `cbor:"type"`
	Message string         `cbor:"message,omitempty"`
	Reply   map[string]any `cbor:"reply,omitempty"`
}

// NewCommand encodes a client command
func NewCommand(cmd ServerCommand) (*Control, error) {
	body, err := Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %q: %w", cmd.Cmd, err)
	}
	return NewControl(body), nil
}

// NewReply encodes a server reply. Replies are built from plain values
// by server code, so an encoding failure is a programming error.
func NewReply(reply ServerReply) *Control {
	body, err := Marshal(reply)
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to encode %s reply: %v", reply.Type, err))
	}
	return NewControl(body)
}

// Command decodes the body as a client command
func (m *Control) Command() (ServerCommand, error) {
	var cmd ServerCommand
	if err := Unmarshal(m.body, &cmd); err != nil {
		return cmd, fmt.Errorf("failed to decode command: %w", err)
	}
	if cmd.Cmd == "" {
		return cmd, ErrNotACommand
	}
	return cmd, nil
}

// Reply decodes the body as a server reply
func (m *Control) Reply() (ServerReply, error) {
	var reply ServerReply
	if err := Unmarshal(m.body, &reply); err != nil {
		return reply, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

// DecodeKwargs re-decodes a command's keyword arguments into a typed
// struct using its cbor (or json) field tags.
func (c ServerCommand) DecodeKwargs(v any) error {
	raw, err := Marshal(c.Kwargs)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}

// IntArg returns the i-th positional argument as an int
func (c ServerCommand) IntArg(i int) (int, bool) {
	if i >= len(c.Args) {
		return 0, false
	}
	return ToInt(c.Args[i])
}

// StringArg returns the i-th positional argument as a string
func (c ServerCommand) StringArg(i int) (string, bool) {
	if i >= len(c.Args) {
		return "", false
	}
	s, ok := c.Args[i].(string)
	return s, ok
}

// BoolArg returns the i-th positional argument as a bool
func (c ServerCommand) BoolArg(i int) (bool, bool) {
	if i >= len(c.Args) {
		return false, false
	}
	b, ok := c.Args[i].(bool)
	return b, ok
}

// ToInt converts a decoded CBOR (or JSON) number to int
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	}
	return 0, false
}
