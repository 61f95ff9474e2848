// Package store implements the layered transactional key-value store every
// replica keeps its document in.
//
// A Store is a stack of copy-on-write layers over a root. Reads scan the
// layers most-recent first and fall through to the root; writes land in the
// top layer, or in the root when no layer is open. Snapshot opens a layer,
// Commit folds it into the layer below (or the root), Rollback drops it.
// Values are opaque JSON; the store never looks inside them.
//
// The root lives in a pebble DB opened on an in-memory filesystem by default.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/liveblocks/liveblocks-sub020/utils"
)

var (
	ErrNotFound     = errors.New("store: key not found")
	ErrNoLayer      = errors.New("store: no open layer")
	ErrInvalidValue = errors.New("store: value is not valid JSON")
	ErrLayersOpen   = errors.New("store: transaction layers are open")
	ErrClosed       = errors.New("store: closed")
)

// Change is one (key, value) pair of a diff or a delta. A nil Value means
// the key is deleted.
type Change struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (c Change) Deleted() bool {
	return c.Value == nil
}

func (c Change) String() string {
	if c.Deleted() {
		return c.Key + ":-"
	}
	return c.Key + ":" + string(c.Value)
}

// CloneChanges deep-copies a change set.
func CloneChanges(changes []Change) []Change {
	if changes == nil {
		return nil
	}
	ret := make([]Change, len(changes))
	for i, c := range changes {
		ret[i] = Change{Key: c.Key, Value: clone(c.Value)}
	}
	return ret
}

type entry struct {
	val  json.RawMessage
	tomb bool
}

type layer map[string]entry

type Options struct {
	// FS hosts the root pebble DB. Defaults to a fresh in-memory FS.
	FS  vfs.FS
	Dir string

	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.FS == nil {
		o.FS = vfs.NewMem()
	}
	if o.Dir == "" {
		o.Dir = "root"
	}
	if o.Logger == nil {
		o.Logger = utils.Discard
	}
}

type Store struct {
	db     *pebble.DB
	layers []layer // oldest first
	log    utils.Logger
	err    error
}

func Open(opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(opts.Dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, fmt.Errorf("store: open root: %w", err)
	}
	return &Store{db: db, log: opts.Logger}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	s.layers = nil
	return err
}

// Depth is the number of open layers.
func (s *Store) Depth() int {
	return len(s.layers)
}

// Err reports the last root iteration failure seen by Keys, Values or Entries.
func (s *Store) Err() error {
	return s.err
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return bytes.Clone(v)
}

func (s *Store) top() layer {
	if len(s.layers) == 0 {
		return nil
	}
	return s.layers[len(s.layers)-1]
}

func (s *Store) Get(key string) (json.RawMessage, error) {
	return s.getAt(key, len(s.layers))
}

// getAt reads key as seen by the bottom depth layers over the root.
func (s *Store) getAt(key string, depth int) (json.RawMessage, error) {
	for i := depth - 1; i >= 0; i-- {
		if e, ok := s.layers[i][key]; ok {
			if e.tomb {
				return nil, ErrNotFound
			}
			return clone(e.val), nil
		}
	}
	return s.rootGet(key)
}

func (s *Store) rootGet(key string) (json.RawMessage, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	ret := bytes.Clone(val)
	_ = closer.Close()
	return ret, nil
}

// Has tells a present key from an absent or tombstoned one.
func (s *Store) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Set writes into the top layer, or the root when no layer is open.
// A nil value deletes the key.
func (s *Store) Set(key string, value json.RawMessage) error {
	if value == nil {
		return s.Delete(key)
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: key %q", ErrInvalidValue, key)
	}
	if top := s.top(); top != nil {
		top[key] = entry{val: clone(value)}
		return nil
	}
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Set([]byte(key), value, pebble.NoSync)
}

// Delete puts a tombstone into the top layer, or removes the key from the
// root when no layer is open.
func (s *Store) Delete(key string) error {
	if top := s.top(); top != nil {
		top[key] = entry{tomb: true}
		return nil
	}
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Delete([]byte(key), pebble.NoSync)
}

// Snapshot opens a transaction layer. Layers nest.
func (s *Store) Snapshot() {
	s.layers = append(s.layers, make(layer))
}

// Diff lists the top layer's writes sorted by key; tombstones come out as
// deletions. Deeper layers and the root are not consulted.
func (s *Store) Diff() []Change {
	top := s.top()
	if len(top) == 0 {
		return nil
	}
	diff := make([]Change, 0, len(top))
	for _, key := range utils.SortedKeys(top) {
		e := top[key]
		if e.tomb {
			diff = append(diff, Change{Key: key})
		} else {
			diff = append(diff, Change{Key: key, Value: clone(e.val)})
		}
	}
	return diff
}

// Changed lists, sorted, the keys of the top layer whose visible value
// differs from what the layers below it and the root hold. Rewriting a key
// with the value it already had is not a change.
func (s *Store) Changed() ([]string, error) {
	top := s.top()
	var keys []string
	for _, key := range utils.SortedKeys(top) {
		old, err := s.getAt(key, len(s.layers)-1)
		if errors.Is(err, ErrNotFound) {
			old = nil
		} else if err != nil {
			return nil, err
		}
		e := top[key]
		if e.tomb {
			if old != nil {
				keys = append(keys, key)
			}
		} else if old == nil || !bytes.Equal(old, e.val) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Commit pops the top layer and writes it through into the layer below,
// or into the root.
func (s *Store) Commit() error {
	top := s.top()
	if top == nil {
		return ErrNoLayer
	}
	s.layers = s.layers[:len(s.layers)-1]
	if below := s.top(); below != nil {
		for key, e := range top {
			below[key] = e
		}
		return nil
	}
	if s.db == nil {
		return ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for key, e := range top {
		var err error
		if e.tomb {
			err = batch.Delete([]byte(key), nil)
		} else {
			err = batch.Set([]byte(key), e.val, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// Rollback pops the top layer and forgets its writes.
func (s *Store) Rollback() error {
	if s.top() == nil {
		return ErrNoLayer
	}
	s.layers = s.layers[:len(s.layers)-1]
	return nil
}

// Apply writes a change set through Set and Delete.
func (s *Store) Apply(changes []Change) error {
	for _, c := range changes {
		if err := s.Set(c.Key, c.Value); err != nil {
			return err
		}
	}
	return nil
}

// Replace swaps the whole root content for entries. Only legal outside
// transactions.
func (s *Store) Replace(entries []Change) error {
	if len(s.layers) != 0 {
		return ErrLayersOpen
	}
	if s.db == nil {
		return ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	it, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		if err = batch.Delete(bytes.Clone(it.Key()), nil); err != nil {
			break
		}
	}
	if err == nil {
		err = it.Error()
	}
	_ = it.Close()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Deleted() {
			continue
		}
		if !json.Valid(e.Value) {
			return fmt.Errorf("%w: key %q", ErrInvalidValue, e.Key)
		}
		if err = batch.Set([]byte(e.Key), e.Value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.NoSync)
}

// overlay merges all open layers, most recent winning.
func (s *Store) overlay() layer {
	if len(s.layers) == 0 {
		return nil
	}
	over := make(layer)
	for _, l := range s.layers {
		for key, e := range l {
			over[key] = e
		}
	}
	return over
}

// Entries lazily walks the visible document. Order is not meaningful.
func (s *Store) Entries() iter.Seq2[string, json.RawMessage] {
	return func(yield func(string, json.RawMessage) bool) {
		if s.db == nil {
			s.err = ErrClosed
			return
		}
		over := s.overlay()
		it, err := s.db.NewIter(&pebble.IterOptions{})
		if err != nil {
			s.err = err
			return
		}
		for it.First(); it.Valid(); it.Next() {
			key := string(it.Key())
			if _, ok := over[key]; ok {
				continue
			}
			if !yield(key, bytes.Clone(it.Value())) {
				_ = it.Close()
				return
			}
		}
		if err = it.Error(); err != nil {
			s.err = err
			s.log.Error("store: root iteration failed", "err", err)
		}
		_ = it.Close()
		for _, key := range utils.SortedKeys(over) {
			e := over[key]
			if e.tomb {
				continue
			}
			if !yield(key, clone(e.val)) {
				return
			}
		}
	}
}

func (s *Store) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		for key := range s.Entries() {
			if !yield(key) {
				return
			}
		}
	}
}

func (s *Store) Values() iter.Seq[json.RawMessage] {
	return func(yield func(json.RawMessage) bool) {
		for _, val := range s.Entries() {
			if !yield(val) {
				return
			}
		}
	}
}

// Dump collects the visible document sorted by key.
func (s *Store) Dump() ([]Change, error) {
	s.err = nil
	doc := make(map[string]json.RawMessage)
	for key, val := range s.Entries() {
		doc[key] = val
	}
	if s.err != nil {
		return nil, s.err
	}
	ret := make([]Change, 0, len(doc))
	for _, key := range utils.SortedKeys(doc) {
		ret = append(ret, Change{Key: key, Value: doc[key]})
	}
	return ret, nil
}
