package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// genMessage draws an arbitrary message of any variant
func genMessage(t *rapid.T) Message {
	ctx := rapid.Uint8().Draw(t, "ctx")
	text := rapid.StringN(0, 64, -1).Draw(t, "text")
	ids := rapid.SliceOfN(rapid.Uint8(), 0, 16).Draw(t, "ids")
	data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")

	switch rapid.IntRange(0, 12).Draw(t, "variant") {
	case 0:
		return NewDisconnect(ctx, DisconnectReason(rapid.IntRange(0, 3).Draw(t, "reason")), text)
	case 1:
		return NewPing(ctx, rapid.Bool().Draw(t, "pong"))
	case 2:
		return NewUserJoin(ctx, rapid.Uint8().Draw(t, "flags"), text, data)
	case 3:
		return NewUserLeave(ctx)
	case 4:
		return NewSessionOwner(ctx, ids)
	case 5:
		return NewTrustedUsers(ctx, ids)
	case 6:
		return NewChat(ctx, rapid.Uint8().Draw(t, "flags"), text)
	case 7:
		return NewPrivateChat(ctx, rapid.Uint8().Draw(t, "target"), text)
	case 8:
		return NewSoftReset(ctx)
	case 9:
		return NewInterval(ctx, rapid.Uint16().Draw(t, "msecs"))
	case 10:
		return NewMarker(ctx, text)
	case 11:
		return NewReply(ServerReply{Type: ReplyMessage, Message: text})
	default:
		typ := MessageType(rapid.IntRange(int(TypeCanvasBase), 0xff).Draw(t, "type"))
		return NewCanvas(typ, ctx, data)
	}
}

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payload := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "payload")

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, &Frame{Version: ProtocolVersion, Flags: flags, Payload: payload}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Flags != flags {
			t.Fatalf("flags mismatch: got %d, want %d", decoded.Flags, flags)
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestMessageSerializeRoundTrip checks that every variant survives the
// binary codec with its type, context id, length and text form intact
func TestMessageSerializeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := genMessage(t)

		data, err := Serialize(msg)
		if err != nil {
			t.Fatalf("serialize failed: %v", err)
		}
		if len(data) != msg.Length() {
			t.Fatalf("length mismatch: serialized %d, Length() %d", len(data), msg.Length())
		}

		decoded, n, err := Deserialize(data)
		if err != nil {
			t.Fatalf("deserialize failed: %v", err)
		}
		if n != len(data) {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if decoded.Type() != msg.Type() || decoded.ContextID() != msg.ContextID() {
			t.Fatalf("header mismatch: got %s, want %s", decoded, msg)
		}
		if decoded.String() != msg.String() {
			t.Fatalf("text mismatch: got %q, want %q", decoded.String(), msg.String())
		}
	})
}

// TestDeserializeNeverPanics feeds arbitrary bytes to the decoder
func TestDeserializeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "data")
		_, _, _ = Deserialize(data)
	})
}
