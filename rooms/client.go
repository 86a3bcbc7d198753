package rooms

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type MessageKind int

const (
	MessageUpdate MessageKind = iota
	MessageAwareness
)

// Message is one outbound item for a connected client. The transport layer
// owns the wire encoding.
type Message struct {
	Kind    MessageKind
	Payload []byte
}

// clientBuffer bounds the per-client outbox. A client that cannot drain it
// fast enough loses frames; updates it misses are recovered on reconnect
// from the full document state.
const clientBuffer = 256

// Client is one transport-level participant referenced by the room it
// joined. The transport layer owns the connection; the room only delivers.
type Client struct {
	id   string
	send chan Message
	once sync.Once
}

func newClient() *Client {
	return &Client{
		id:   uuid.NewString(),
		send: make(chan Message, clientBuffer),
	}
}

// ID returns the session identity of this connection.
func (c *Client) ID() string { return c.id }

// Outbox is the stream of messages to write to the connection. It is
// closed when the client leaves or the room closes.
func (c *Client) Outbox() <-chan Message { return c.send }

func (c *Client) deliver(m Message) {
	select {
	case c.send <- m:
	default:
		logrus.WithField("client_id", c.id).Warn("Client outbox full, dropping message")
	}
}

func (c *Client) closeOutbox() {
	c.once.Do(func() { close(c.send) })
}
