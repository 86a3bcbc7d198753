package websocket

import (
	"fmt"

	"github.com/trungleduc/jupyter-collaboration/rooms"
)

// Wire framing: one binary websocket message per frame, first byte is the
// frame kind, the rest is an opaque payload.
const (
	frameUpdate    byte = 0x00
	frameAwareness byte = 0x01
)

func encodeFrame(kind rooms.MessageKind, payload []byte) ([]byte, error) {
	var b byte
	switch kind {
	case rooms.MessageUpdate:
		b = frameUpdate
	case rooms.MessageAwareness:
		b = frameAwareness
	default:
		return nil, fmt.Errorf("unknown message kind %d", kind)
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = b
	copy(frame[1:], payload)
	return frame, nil
}

func decodeFrame(data []byte) (rooms.MessageKind, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case frameUpdate:
		return rooms.MessageUpdate, data[1:], nil
	case frameAwareness:
		return rooms.MessageAwareness, data[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown frame kind 0x%02x", data[0])
	}
}
