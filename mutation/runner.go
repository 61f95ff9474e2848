package mutation

import (
	"encoding/json"
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/liveblocks/liveblocks-sub020/store"
	"github.com/liveblocks/liveblocks-sub020/utils"
	"github.com/pkg/errors"
)

var ErrUnbalanced = errors.New("mutation: transaction layers left unbalanced")

// Runner executes mutations atomically. One runner serves one replica; it is
// not safe for concurrent use.
type Runner struct {
	reg  Registry
	src  *rand.ChaCha8
	rand *rand.Rand
	log  utils.Logger
}

// NewRunner seeds the runner's randomness with seed. Replicas get different
// seeds, so their speculative random values differ from the server's.
func NewRunner(reg Registry, seed [32]byte, log utils.Logger) *Runner {
	if log == nil {
		log = utils.Discard
	}
	src := rand.NewChaCha8(seed)
	return &Runner{
		reg:  reg,
		src:  src,
		rand: rand.New(src),
		log:  log,
	}
}

func (r *Runner) Registry() Registry {
	return r.reg
}

// Run executes mutation name against s inside its own layer. On success the
// layer is committed and its diff, the net effect, is returned. On failure
// the layer is rolled back and the error comes back as *Error.
func (r *Runner) Run(s *store.Store, name string, args Args) ([]store.Change, error) {
	diff, err := r.exec(s, name, args)
	if err != nil {
		r.log.Debug("mutation failed", "name", name, "err", err)
		return nil, err
	}
	r.log.Debug("mutation applied", "name", name, "changes", len(diff))
	return diff, nil
}

func (r *Runner) exec(s *store.Store, name string, args Args) ([]store.Change, error) {
	fn, err := r.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	s.Snapshot()
	depth := s.Depth()
	err = invoke(&Tx{store: s, runner: r, name: name}, fn, args)
	if err == nil && s.Depth() != depth {
		err = ErrUnbalanced
	}
	if err != nil {
		for s.Depth() >= depth {
			if rerr := s.Rollback(); rerr != nil {
				return nil, rerr
			}
		}
		return nil, &Error{Name: name, Err: err}
	}
	diff := s.Diff()
	if err = s.Commit(); err != nil {
		return nil, err
	}
	return diff, nil
}

func invoke(tx *Tx, fn Func, args Args) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	return fn(tx, args)
}

// Tx is a mutation's view of the store for the duration of one execution.
// Writes stay in the execution's own layer until it returns successfully.
type Tx struct {
	store  *store.Store
	runner *Runner
	name   string
}

// Name of the running mutation.
func (tx *Tx) Name() string {
	return tx.name
}

// Store exposes the underlying store. Bodies must leave its layer stack as
// they found it.
func (tx *Tx) Store() *store.Store {
	return tx.store
}

func (tx *Tx) Get(key string) (json.RawMessage, error) {
	return tx.store.Get(key)
}

func (tx *Tx) Has(key string) (bool, error) {
	return tx.store.Has(key)
}

func (tx *Tx) Set(key string, value json.RawMessage) error {
	return tx.store.Set(key, value)
}

func (tx *Tx) Delete(key string) error {
	return tx.store.Delete(key)
}

func (tx *Tx) Keys() iter.Seq[string] {
	return tx.store.Keys()
}

// Read decodes the value under key into v. A missing key is not an error:
// found is false and v is untouched.
func (tx *Tx) Read(key string, v any) (found bool, err error) {
	raw, err := tx.store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Put encodes v as JSON and stores it under key.
func (tx *Tx) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return tx.store.Set(key, raw)
}

// Call runs another registered mutation nested in this one. Its writes join
// this execution's layer on success and vanish on failure; either way the
// caller decides whether to propagate the error.
func (tx *Tx) Call(name string, vals ...any) error {
	args, err := NewArgs(vals...)
	if err != nil {
		return err
	}
	_, err = tx.runner.exec(tx.store, name, args)
	return err
}

// Rand is the runner's random source.
func (tx *Tx) Rand() *rand.Rand {
	return tx.runner.rand
}

// NewID draws a random UUID from the runner's random stream.
func (tx *Tx) NewID() string {
	id, err := uuid.NewRandomFromReader(tx.runner.src)
	if err != nil {
		// ChaCha8 reads never fail
		panic(err)
	}
	return id.String()
}
