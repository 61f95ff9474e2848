package mutation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/liveblocks/liveblocks-sub020/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTooLow = errors.New("too low")

var testRegistry = Registry{
	"put": func(tx *Tx, args Args) error {
		key, err := args.String(0)
		if err != nil {
			return err
		}
		val, err := args.Raw(1)
		if err != nil {
			return err
		}
		return tx.Set(key, val)
	},
	"dec": func(tx *Tx, args Args) error {
		key, err := args.String(0)
		if err != nil {
			return err
		}
		var n int64
		if _, err = tx.Read(key, &n); err != nil {
			return err
		}
		if n <= 0 {
			return errTooLow
		}
		return tx.Put(key, n-1)
	},
	"putThenFail": func(tx *Tx, args Args) error {
		if err := tx.Call("put", "a", 42); err != nil {
			return err
		}
		return errors.New("boom")
	},
	"swallow": func(tx *Tx, args Args) error {
		if err := tx.Put("before", true); err != nil {
			return err
		}
		// the failed nested call leaves nothing behind, the caller carries on
		_ = tx.Call("putThenFail")
		return tx.Put("after", true)
	},
	"deep": func(tx *Tx, args Args) error {
		if err := tx.Put("outer", 1); err != nil {
			return err
		}
		return tx.Call("putThenFail")
	},
	"panics": func(tx *Tx, args Args) error {
		_ = tx.Put("x", 1)
		var m map[string]int
		m["boom"]++
		return nil
	},
	"leak": func(tx *Tx, args Args) error {
		tx.Store().Snapshot()
		return tx.Put("leaked", 1)
	},
	"random": func(tx *Tx, args Args) error {
		if err := tx.Put("n", tx.Rand().IntN(1_000_000)); err != nil {
			return err
		}
		return tx.Put("id", tx.NewID())
	},
	"nil": nil,
}

func newStore(t *testing.T) *store.Store {
	s, err := store.Open(store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dump(t *testing.T, s *store.Store) []store.Change {
	d, err := s.Dump()
	require.NoError(t, err)
	return d
}

func mustArgs(t *testing.T, vals ...any) Args {
	args, err := NewArgs(vals...)
	require.NoError(t, err)
	return args
}

func TestRegistry_Lookup(t *testing.T) {
	_, err := testRegistry.Lookup("put")
	assert.NoError(t, err)
	_, err = testRegistry.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownMutation)
	_, err = testRegistry.Lookup("nil")
	assert.ErrorIs(t, err, ErrUnknownMutation)
	assert.Equal(t, []string{"dec", "deep"}, testRegistry.Names()[:2])
}

func TestArgs(t *testing.T) {
	args := mustArgs(t, "key", 7, json.RawMessage(`{"a":1}`))
	assert.Equal(t, 3, args.Len())

	s, err := args.String(0)
	assert.NoError(t, err)
	assert.Equal(t, "key", s)

	n, err := args.Int(1)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = args.Int(0)
	assert.ErrorIs(t, err, ErrBadArgs)
	_, err = args.String(5)
	assert.ErrorIs(t, err, ErrBadArgs)
	_, err = args.Raw(-1)
	assert.ErrorIs(t, err, ErrBadArgs)

	raw, err := args.Raw(2)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	cp := args.Clone()
	cp[0][1] = 'K'
	s, _ = args.String(0)
	assert.Equal(t, "key", s)

	_, err = NewArgs(func() {})
	assert.ErrorIs(t, err, ErrBadArgs)
}

func TestRunner_DiffIsTheEffect(t *testing.T) {
	s := newStore(t)
	r := NewRunner(testRegistry, [32]byte{}, nil)

	diff, err := r.Run(s, "put", mustArgs(t, "a", 1))
	assert.NoError(t, err)
	assert.Equal(t, []store.Change{{Key: "a", Value: json.RawMessage(`1`)}}, diff)
	assert.Equal(t, 0, s.Depth())
	assert.Equal(t, diff, dump(t, s))
}

func TestRunner_FailureRollsBack(t *testing.T) {
	s := newStore(t)
	r := NewRunner(testRegistry, [32]byte{}, nil)

	_, err := r.Run(s, "dec", mustArgs(t, "a"))
	assert.ErrorIs(t, err, errTooLow)
	var merr *Error
	assert.True(t, errors.As(err, &merr))
	assert.Equal(t, "dec", merr.Name)
	assert.Empty(t, dump(t, s))

	_, err = r.Run(s, "put", mustArgs(t, "a", 1))
	assert.NoError(t, err)
	before := dump(t, s)

	_, err = r.Run(s, "putThenFail", nil)
	assert.Error(t, err)
	assert.Equal(t, before, dump(t, s))
	assert.Equal(t, 0, s.Depth())
}

func TestRunner_NestedFailureUnwindsOnlyItsDepth(t *testing.T) {
	s := newStore(t)
	r := NewRunner(testRegistry, [32]byte{}, nil)

	diff, err := r.Run(s, "swallow", nil)
	assert.NoError(t, err)
	assert.Equal(t, []store.Change{
		{Key: "after", Value: json.RawMessage(`true`)},
		{Key: "before", Value: json.RawMessage(`true`)},
	}, diff)

	// a failing child takes the parent down with it when propagated
	_, err = r.Run(s, "deep", nil)
	var merr *Error
	assert.True(t, errors.As(err, &merr))
	assert.Equal(t, "deep", merr.Name)
	assert.Equal(t, diff, dump(t, s))
}

func TestRunner_PanicAndImbalance(t *testing.T) {
	s := newStore(t)
	r := NewRunner(testRegistry, [32]byte{}, nil)

	_, err := r.Run(s, "panics", nil)
	assert.ErrorContains(t, err, "panic")
	assert.Empty(t, dump(t, s))
	assert.Equal(t, 0, s.Depth())

	_, err = r.Run(s, "leak", nil)
	assert.ErrorIs(t, err, ErrUnbalanced)
	assert.Equal(t, 0, s.Depth())
	assert.Empty(t, dump(t, s))
}

func TestRunner_Unknown(t *testing.T) {
	s := newStore(t)
	r := NewRunner(testRegistry, [32]byte{}, nil)
	_, err := r.Run(s, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownMutation)
	assert.Equal(t, 0, s.Depth())
}

func TestRunner_Randomness(t *testing.T) {
	run := func(seed byte) []store.Change {
		s := newStore(t)
		r := NewRunner(testRegistry, [32]byte{seed}, nil)
		diff, err := r.Run(s, "random", nil)
		require.NoError(t, err)
		return diff
	}
	a, b, c := run(1), run(1), run(2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var id string
	assert.NoError(t, json.Unmarshal(a[0].Value, &id))
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}
