package protocol

import (
	"context"
)

// Envelope addresses a message. An empty To broadcasts to every connected
// client.
type Envelope struct {
	To  string
	Msg Message
}

func Broadcast(msg Message) Envelope {
	return Envelope{Msg: msg}
}

func To(name string, msg Message) Envelope {
	return Envelope{To: name, Msg: msg}
}

// Router delivers envelopes produced outside of a Handle call.
type Router interface {
	Route(ctx context.Context, envs ...Envelope)
}

// Handler consumes one message from a named client and returns what has to
// be delivered as a result, in delivery order. The server implements it.
type Handler interface {
	Handle(ctx context.Context, from string, msg Message) ([]Envelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from string, msg Message) ([]Envelope, error)

func (f HandlerFunc) Handle(ctx context.Context, from string, msg Message) ([]Envelope, error) {
	return f(ctx, from, msg)
}

// Conn is a client's end of the transport.
type Conn interface {
	// Send hands msg to the server. It fails at once when the
	// connection is down; nothing is sent in that case.
	Send(ctx context.Context, msg Message) error
	// Receive takes everything delivered so far, oldest first.
	Receive(ctx context.Context) ([]Message, error)
	// Epoch changes every time the connection is re-established.
	Epoch() uint64
}

// Exchange sends msg and collects whatever the send made deliverable.
func Exchange(ctx context.Context, conn Conn, msg Message) ([]Message, error) {
	if err := conn.Send(ctx, msg); err != nil {
		return nil, err
	}
	return conn.Receive(ctx)
}
