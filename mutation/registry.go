// Package mutation holds the catalog of named mutations and the runner that
// executes them atomically against a store.
//
// The same Registry value is handed to the server and to every client, so a
// mutation re-executed by the server reproduces what the client did
// speculatively. Mutations that need randomness must take it from the Tx
// (Rand, NewID): each replica's runner owns its own stream, which makes the
// server's execution the authoritative one.
package mutation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liveblocks/liveblocks-sub020/utils"
)

var (
	ErrUnknownMutation = errors.New("mutation: unknown mutation")
	ErrBadArgs         = errors.New("mutation: bad arguments")
)

// Error is a failure raised by a mutation's own logic. The runner has
// already rolled the store back when it is returned.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mutation %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Func is a mutation body. It reads and writes through tx and fails by
// returning an error; its writes are then discarded.
type Func func(tx *Tx, args Args) error

// Registry maps mutation names to their bodies.
type Registry map[string]Func

func (r Registry) Lookup(name string) (Func, error) {
	fn, ok := r[name]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutation, name)
	}
	return fn, nil
}

func (r Registry) Names() []string {
	return utils.SortedKeys(r)
}

// Args are the JSON-encoded arguments of one invocation.
type Args []json.RawMessage

// NewArgs encodes vals one by one. json.RawMessage values pass through as is.
func NewArgs(vals ...any) (Args, error) {
	args := make(Args, 0, len(vals))
	for i, v := range vals {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrBadArgs, i, err)
		}
		args = append(args, raw)
	}
	return args, nil
}

func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: want argument %d, have %d", ErrBadArgs, i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrBadArgs, i, err)
	}
	return nil
}

func (a Args) String(i int) (s string, err error) {
	err = a.Decode(i, &s)
	return
}

func (a Args) Int(i int) (n int64, err error) {
	err = a.Decode(i, &n)
	return
}

// Raw returns argument i undecoded.
func (a Args) Raw(i int) (json.RawMessage, error) {
	if i < 0 || i >= len(a) {
		return nil, fmt.Errorf("%w: want argument %d, have %d", ErrBadArgs, i, len(a))
	}
	return a[i], nil
}

func (a Args) Clone() Args {
	if a == nil {
		return nil
	}
	ret := make(Args, len(a))
	for i, arg := range a {
		ret[i] = append(json.RawMessage(nil), arg...)
	}
	return ret
}
