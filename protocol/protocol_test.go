package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/store"
	"github.com/stretchr/testify/assert"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "delta", (&Delta{}).Kind().String())
	assert.Equal(t, "submit", (&Submit{}).Kind().String())
	assert.Equal(t, "ack", (&Ack{}).Kind().String())
	assert.Equal(t, "hello", (&Hello{}).Kind().String())
	assert.Equal(t, "snapshot", (&Snapshot{}).Kind().String())
	assert.Equal(t, "kind(Z)", Kind('Z').String())
}

func TestClone_Deep(t *testing.T) {
	sub := &Submit{
		Op: Op{
			ID:       "op1",
			Client:   "c1",
			Seq:      1,
			Mutation: "put",
			Args:     mutation.Args{json.RawMessage(`"a"`), json.RawMessage(`1`)},
		},
		Touched: []string{"a"},
	}
	cp := Clone(sub).(*Submit)
	assert.Equal(t, sub, cp)
	cp.Op.Args[1][0] = '2'
	cp.Touched[0] = "b"
	assert.Equal(t, json.RawMessage(`1`), sub.Op.Args[1])
	assert.Equal(t, []string{"a"}, sub.Touched)

	delta := &Delta{Version: 3, OpID: "op1", Origin: "c1", Changes: []store.Change{{Key: "a", Value: json.RawMessage(`1`)}}}
	dcp := Clone(delta).(*Delta)
	assert.Equal(t, delta, dcp)
	dcp.Changes[0].Value[0] = '9'
	assert.Equal(t, json.RawMessage(`1`), delta.Changes[0].Value)

	ack := &Ack{OpID: "op1", Version: 3, Rejected: "nope", Changes: []store.Change{{Key: "a"}}}
	assert.Equal(t, ack, Clone(ack))
	assert.False(t, ack.Ok())

	hello := &Hello{Client: "c1", Version: 2}
	hcp := Clone(hello)
	assert.Equal(t, hello, hcp)
	assert.NotSame(t, hello, hcp)

	snap := &Snapshot{Version: 2, Entries: []store.Change{{Key: "a", Value: json.RawMessage(`1`)}}}
	assert.Equal(t, snap, Clone(snap))
}

func TestOp_String(t *testing.T) {
	op := Op{Client: "c1", Seq: 2, Mutation: "put", Args: mutation.Args{json.RawMessage(`"a"`), json.RawMessage(`1`)}}
	assert.Equal(t, `c1#2 put["a" 1]`, op.String())
}

type loopConn struct {
	h     Handler
	inbox []Message
	down  bool
}

var errDown = errors.New("down")

func (c *loopConn) Send(ctx context.Context, msg Message) error {
	if c.down {
		return errDown
	}
	envs, err := c.h.Handle(ctx, "me", msg)
	for _, env := range envs {
		c.inbox = append(c.inbox, env.Msg)
	}
	return err
}

func (c *loopConn) Receive(ctx context.Context) ([]Message, error) {
	msgs := c.inbox
	c.inbox = nil
	return msgs, nil
}

func (c *loopConn) Epoch() uint64 { return 0 }

func TestExchange(t *testing.T) {
	echo := HandlerFunc(func(ctx context.Context, from string, msg Message) ([]Envelope, error) {
		hello := msg.(*Hello)
		return []Envelope{
			Broadcast(&Delta{Version: hello.Version + 1}),
			To(from, &Ack{Version: hello.Version + 1}),
		}, nil
	})
	conn := &loopConn{h: echo}
	msgs, err := Exchange(context.Background(), conn, &Hello{Version: 4})
	assert.NoError(t, err)
	assert.Equal(t, []Message{&Delta{Version: 5}, &Ack{Version: 5}}, msgs)

	conn.down = true
	_, err = Exchange(context.Background(), conn, &Hello{})
	assert.ErrorIs(t, err, errDown)
}
