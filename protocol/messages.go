// Package protocol defines the messages clients and the server exchange and
// the two contracts the transport sits between: Handler (the server side)
// and Conn (the client side).
//
// A round goes like this. The client sends Hello after every reconnect so the
// server can replay what it missed, then one Submit per queued op. For each
// op the server broadcasts a Delta to everyone connected, the sender
// included, and sends an Ack to the sender alone. A rejected op gets an Ack
// carrying the reason and no Delta.
package protocol

import (
	"fmt"

	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/store"
)

type Kind byte

const (
	KindSubmit   Kind = 'O'
	KindDelta    Kind = 'D'
	KindAck      Kind = 'A'
	KindHello    Kind = 'H'
	KindSnapshot Kind = 'S'
)

func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	case KindDelta:
		return "delta"
	case KindAck:
		return "ack"
	case KindHello:
		return "hello"
	case KindSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("kind(%c)", byte(k))
	}
}

// Message is one of *Submit, *Delta, *Ack, *Hello, *Snapshot.
type Message interface {
	Kind() Kind
	isMessage()
}

// Op is a named mutation invocation queued by a client. ID is unique and
// never reused; Seq numbers a session's ops from 1 so the server can apply
// them in order and recognize resubmissions. Session is fresh for every
// client instance, so a client ID may be reused.
type Op struct {
	ID       string        `json:"id"`
	Client   string        `json:"client"`
	Session  string        `json:"session,omitempty"`
	Seq      uint64        `json:"seq"`
	Mutation string        `json:"mutation"`
	Args     mutation.Args `json:"args"`
}

func (op Op) String() string {
	return fmt.Sprintf("%s#%d %s%v", op.Client, op.Seq, op.Mutation, argStrings(op.Args))
}

func argStrings(args mutation.Args) []string {
	ret := make([]string, len(args))
	for i, a := range args {
		ret[i] = string(a)
	}
	return ret
}

func (op Op) Clone() Op {
	op.Args = op.Args.Clone()
	return op
}

// Submit carries an op to the server together with the keys the client's
// speculative run wrote, so the server can correct the ones its own run
// does not overwrite.
type Submit struct {
	Op      Op       `json:"op"`
	Touched []string `json:"touched,omitempty"`
}

// Delta is the authoritative net effect of one op. Version is the op's
// position in the server's total order, starting at 1 with no gaps.
type Delta struct {
	Version uint64         `json:"version"`
	OpID    string         `json:"op_id"`
	Origin  string         `json:"origin"`
	Changes []store.Change `json:"changes"`
}

// Ack retires an op at its sender. Changes hold the server's current values
// for touched keys the Delta did not cover (all of them when rejected).
type Ack struct {
	OpID     string         `json:"op_id"`
	Version  uint64         `json:"version"`
	Changes  []store.Change `json:"changes,omitempty"`
	Rejected string         `json:"rejected,omitempty"`
}

func (a *Ack) Ok() bool {
	return a.Rejected == ""
}

// Hello tells the server the last version a client has applied.
type Hello struct {
	Client  string `json:"client"`
	Version uint64 `json:"version"`
}

// Snapshot is the whole document at Version; sent when the server's delta
// log no longer reaches back to a client's version.
type Snapshot struct {
	Version uint64         `json:"version"`
	Entries []store.Change `json:"entries"`
}

func (*Submit) Kind() Kind   { return KindSubmit }
func (*Delta) Kind() Kind    { return KindDelta }
func (*Ack) Kind() Kind      { return KindAck }
func (*Hello) Kind() Kind    { return KindHello }
func (*Snapshot) Kind() Kind { return KindSnapshot }

func (*Submit) isMessage()   {}
func (*Delta) isMessage()    {}
func (*Ack) isMessage()      {}
func (*Hello) isMessage()    {}
func (*Snapshot) isMessage() {}

// Clone deep-copies msg so sender and receiver never share memory.
func Clone(msg Message) Message {
	switch m := msg.(type) {
	case *Submit:
		return &Submit{Op: m.Op.Clone(), Touched: append([]string(nil), m.Touched...)}
	case *Delta:
		return &Delta{Version: m.Version, OpID: m.OpID, Origin: m.Origin, Changes: store.CloneChanges(m.Changes)}
	case *Ack:
		return &Ack{OpID: m.OpID, Version: m.Version, Changes: store.CloneChanges(m.Changes), Rejected: m.Rejected}
	case *Hello:
		cp := *m
		return &cp
	case *Snapshot:
		return &Snapshot{Version: m.Version, Entries: store.CloneChanges(m.Entries)}
	default:
		return msg
	}
}
