// Package optimist replicates a key-value JSON document between one
// authoritative Server and any number of Clients.
//
// Clients run named mutations speculatively against their own copy and queue
// them in an outbox. Sync ships the outbox to the server in order; the server
// reruns every op, and the net effect it computes (a Delta) overwrites
// whatever each client guessed, key by key. Given enough syncs, every replica
// ends up equal to the server.
package optimist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/store"
	"github.com/liveblocks/liveblocks-sub020/utils"
)

// replica is the part clients and the server share: a store, a runner
// bound to the mutation registry, and change subscriptions.
type replica struct {
	name   string
	log    utils.Logger
	store  *store.Store
	runner *mutation.Runner

	// guards store, runner and everything the embedding type keeps
	lock   sync.Mutex
	closed bool

	subLock sync.Mutex
	subs    map[int]func(keys []string)
	nextSub int
}

func newReplica(reg mutation.Registry, opts Options) (*replica, error) {
	if reg == nil {
		return nil, errors.New("optimist: nil mutation registry")
	}
	s, err := store.Open(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log := opts.Logger.With("replica", opts.Name)
	return &replica{
		name:   opts.Name,
		log:    log,
		store:  s,
		runner: mutation.NewRunner(reg, opts.Seed, log),
		subs:   make(map[int]func([]string)),
	}, nil
}

func (r *replica) Name() string {
	return r.name
}

func (r *replica) Registry() mutation.Registry {
	return r.runner.Registry()
}

// Subscribe registers fn to be called once for every change to the visible
// document, with the keys that changed. Calls happen after the change is
// committed and outside the replica's locks, so fn may read the replica.
func (r *replica) Subscribe(fn func(keys []string)) (cancel func()) {
	r.subLock.Lock()
	defer r.subLock.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.subLock.Lock()
		defer r.subLock.Unlock()
		delete(r.subs, id)
	}
}

// notify fires subscriptions, one round per batch. Must not hold r.lock.
func (r *replica) notify(batches ...[]string) {
	r.subLock.Lock()
	subs := make([]func([]string), 0, len(r.subs))
	for _, id := range utils.SortedKeys(r.subs) {
		subs = append(subs, r.subs[id])
	}
	r.subLock.Unlock()
	for _, keys := range batches {
		if len(keys) == 0 {
			continue
		}
		for _, fn := range subs {
			fn(append([]string(nil), keys...))
		}
	}
}

// run executes a mutation in a layer of its own so that, besides the
// mutation's net effect, it can report the keys whose value really changed.
func (r *replica) run(name string, args mutation.Args) (changes []store.Change, changed []string, err error) {
	r.store.Snapshot()
	if changes, err = r.runner.Run(r.store, name, args); err == nil {
		changed, err = r.store.Changed()
	}
	if err != nil {
		if rerr := r.store.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, nil, err
	}
	if err = r.store.Commit(); err != nil {
		return nil, nil, err
	}
	return changes, changed, nil
}

// applyChanges overwrites or deletes each key unconditionally and returns
// the keys whose visible value actually changed.
func (r *replica) applyChanges(changes []store.Change) ([]string, error) {
	var changed []string
	for _, c := range changes {
		old, err := r.store.Get(c.Key)
		if errors.Is(err, store.ErrNotFound) {
			old = nil
		} else if err != nil {
			return changed, err
		}
		if err = r.store.Set(c.Key, c.Value); err != nil {
			return changed, err
		}
		if (old == nil) != (c.Value == nil) || !bytes.Equal(old, c.Value) {
			changed = append(changed, c.Key)
		}
	}
	return changed, nil
}

// current reads keys back as changes; absent keys come out as deletions.
func (r *replica) current(keys []string) ([]store.Change, error) {
	ret := make([]store.Change, 0, len(keys))
	for _, key := range keys {
		val, err := r.store.Get(key)
		if errors.Is(err, store.ErrNotFound) {
			val = nil
		} else if err != nil {
			return nil, err
		}
		ret = append(ret, store.Change{Key: key, Value: val})
	}
	return ret, nil
}

func changedKeys(changes []store.Change) []string {
	keys := make([]string, len(changes))
	for i, c := range changes {
		keys[i] = c.Key
	}
	return keys
}

func (r *replica) Get(key string) (json.RawMessage, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.store.Get(key)
}

// Dump lists the visible document sorted by key.
func (r *replica) Dump() ([]store.Change, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.store.Dump()
}

// Entries iterates over a point-in-time copy of the document in key order.
func (r *replica) Entries() iter.Seq2[string, json.RawMessage] {
	return func(yield func(string, json.RawMessage) bool) {
		doc, err := r.Dump()
		if err != nil {
			r.log.Warn("optimist: entries", "err", err)
			return
		}
		for _, e := range doc {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}

// Data is the document as raw JSON values.
func (r *replica) Data() map[string]json.RawMessage {
	ret := make(map[string]json.RawMessage)
	for key, val := range r.Entries() {
		ret[key] = val
	}
	return ret
}

// AsObject decodes the whole document into plain Go values.
func (r *replica) AsObject() (map[string]any, error) {
	doc, err := r.Dump()
	if err != nil {
		return nil, err
	}
	ret := make(map[string]any, len(doc))
	for _, e := range doc {
		var v any
		if err = json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", e.Key, err)
		}
		ret[e.Key] = v
	}
	return ret, nil
}

// Hash digests the visible document; equal documents hash equal.
func (r *replica) Hash() (uint64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	return r.store.Hash()
}

// Collector exposes the replica's storage internals to prometheus.
func (r *replica) Collector() *store.Collector {
	return store.NewCollector(r.store, r.name)
}

func (r *replica) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.store.Close()
}
