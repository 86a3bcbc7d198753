package websocket

import (
	"bytes"
	"testing"

	"github.com/trungleduc/jupyter-collaboration/rooms"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	for _, kind := range []rooms.MessageKind{rooms.MessageUpdate, rooms.MessageAwareness} {
		frame, err := encodeFrame(kind, payload)
		if err != nil {
			t.Fatal(err)
		}
		gotKind, gotPayload, err := decodeFrame(frame)
		if err != nil {
			t.Fatal(err)
		}
		if gotKind != kind {
			t.Fatalf("kind = %d, want %d", gotKind, kind)
		}
		if !bytes.Equal(gotPayload, payload) {
			t.Fatalf("payload = %x, want %x", gotPayload, payload)
		}
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	frame, err := encodeFrame(rooms.MessageUpdate, nil)
	if err != nil {
		t.Fatal(err)
	}
	kind, payload, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if kind != rooms.MessageUpdate || len(payload) != 0 {
		t.Fatalf("got kind %d payload %x", kind, payload)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, _, err := decodeFrame(nil); err == nil {
		t.Fatal("empty frame accepted")
	}
	if _, _, err := decodeFrame([]byte{0x7f, 0x01}); err == nil {
		t.Fatal("unknown frame kind accepted")
	}
}
