package optimist

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/protocol"
	"github.com/liveblocks/liveblocks-sub020/store"
)

// pending is a queued op and the keys its speculative run wrote.
type pending struct {
	op      protocol.Op
	touched []string
}

// Client is a speculative replica. Mutations apply locally at once and wait
// in the outbox until Sync gets them acknowledged by the server.
type Client struct {
	*replica
	opts ClientOptions
	conn protocol.Conn

	// session tells this instance's Seq numbers from those of an earlier
	// client that used the same ID
	session string
	seq     uint64
	outbox  []pending

	// version is the last server version applied, in order
	version uint64
	// floor is the version of the last snapshot installed
	floor uint64
	// held keeps deltas and acks that arrived ahead of version
	held map[uint64]*protocol.Delta
	acks []*protocol.Ack

	greeted bool
	epoch   uint64
}

func NewClient(reg mutation.Registry, conn protocol.Conn, opts ClientOptions) (*Client, error) {
	if conn == nil {
		return nil, errors.New("optimist: nil connection")
	}
	opts.SetDefaults()
	r, err := newReplica(reg, opts.Options)
	if err != nil {
		return nil, err
	}
	OutboxSize.WithLabelValues(opts.ID).Set(0)
	return &Client{
		replica: r,
		opts:    opts,
		conn:    conn,
		session: uuid.NewString(),
		held:    make(map[uint64]*protocol.Delta),
	}, nil
}

func (c *Client) ID() string {
	return c.opts.ID
}

func (c *Client) Conn() protocol.Conn {
	return c.conn
}

// Version is the last server version this client has caught up to.
func (c *Client) Version() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.version
}

// Outbox lists the ops not yet acknowledged, oldest first.
func (c *Client) Outbox() []protocol.Op {
	c.lock.Lock()
	defer c.lock.Unlock()
	ret := make([]protocol.Op, len(c.outbox))
	for i, p := range c.outbox {
		ret[i] = p.op.Clone()
	}
	return ret
}

// Mutate runs the named mutation locally and queues it for the server.
// A failing mutation leaves the client exactly as it was and queues nothing.
func (c *Client) Mutate(name string, vals ...any) (protocol.Op, error) {
	args, err := mutation.NewArgs(vals...)
	if err != nil {
		return protocol.Op{}, err
	}
	return c.MutateArgs(name, args)
}

func (c *Client) MutateArgs(name string, args mutation.Args) (protocol.Op, error) {
	c.lock.Lock()
	op, changed, err := c.mutate(name, args)
	c.lock.Unlock()
	c.notify(changed)
	return op, err
}

func (c *Client) mutate(name string, args mutation.Args) (protocol.Op, []string, error) {
	if c.closed {
		return protocol.Op{}, nil, ErrClosed
	}
	changes, changed, err := c.run(name, args)
	if err != nil {
		return protocol.Op{}, nil, err
	}
	c.seq++
	op := protocol.Op{
		ID:       uuid.NewString(),
		Client:   c.opts.ID,
		Session:  c.session,
		Seq:      c.seq,
		Mutation: name,
		Args:     args.Clone(),
	}
	c.outbox = append(c.outbox, pending{op: op, touched: changedKeys(changes)})
	OutboxSize.WithLabelValues(c.opts.ID).Set(float64(len(c.outbox)))
	return op.Clone(), changed, nil
}

// ApplyDelta overwrites or deletes every key in changes, whatever the local
// speculation says.
func (c *Client) ApplyDelta(changes []store.Change) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrClosed
	}
	changed, err := c.applyChanges(changes)
	c.lock.Unlock()
	c.notify(changed)
	return err
}

// Sync sends the outbox to the server in order and applies whatever comes
// back. On a broken connection it fails before sending anything further and
// leaves the remaining ops queued. Ops the server rejected are retired and
// reported as *RejectedError. When a round leaves versions missing, Sync
// asks the server for them once more and fails with ErrVersionGap if they
// still do not arrive.
func (c *Client) Sync(ctx context.Context) error {
	c.lock.Lock()
	batches, err := c.sync(ctx)
	OutboxSize.WithLabelValues(c.opts.ID).Set(float64(len(c.outbox)))
	c.lock.Unlock()
	c.notify(batches...)
	if err != nil {
		reason := "error"
		var rejected *RejectedError
		if errors.Is(err, ErrBrokenPipe) {
			reason = "broken_pipe"
		} else if errors.As(err, &rejected) {
			reason = "rejected"
		}
		SyncFailures.WithLabelValues(c.opts.ID, reason).Inc()
		c.log.DebugCtx(ctx, "optimist: sync failed", "err", err)
	}
	return err
}

func (c *Client) sync(ctx context.Context) (batches [][]string, err error) {
	if c.closed {
		return nil, ErrClosed
	}
	var (
		rejected []error
		msgs     []protocol.Message
	)
	if epoch := c.conn.Epoch(); !c.greeted || epoch != c.epoch {
		msgs, err = protocol.Exchange(ctx, c.conn, &protocol.Hello{Client: c.opts.ID, Version: c.version})
		if err != nil {
			return nil, err
		}
		c.greeted, c.epoch = true, epoch
	} else if msgs, err = c.conn.Receive(ctx); err != nil {
		return nil, err
	}
	if batches, rejected, err = c.process(ctx, msgs, batches, rejected); err != nil {
		return batches, err
	}
	// ops queued from here on wait for the next round
	round := slices.Clone(c.outbox)
	for _, p := range round {
		if !c.queued(p.op.ID) {
			continue
		}
		msgs, err = protocol.Exchange(ctx, c.conn, &protocol.Submit{Op: p.op, Touched: p.touched})
		if err == nil {
			batches, rejected, err = c.process(ctx, msgs, batches, rejected)
		}
		if err != nil {
			return batches, errors.Join(append([]error{err}, rejected...)...)
		}
	}
	if c.gapped() {
		// some versions never arrived; ask for them again
		c.log.DebugCtx(ctx, "optimist: version gap", "version", c.version, "held", len(c.held), "acks", len(c.acks))
		msgs, err = protocol.Exchange(ctx, c.conn, &protocol.Hello{Client: c.opts.ID, Version: c.version})
		if err == nil {
			batches, rejected, err = c.process(ctx, msgs, batches, rejected)
		}
		if err == nil && c.gapped() {
			err = fmt.Errorf("%w: stuck at %d", ErrVersionGap, c.version)
		}
		if err != nil {
			return batches, errors.Join(append([]error{err}, rejected...)...)
		}
	}
	return batches, errors.Join(rejected...)
}

// gapped tells whether deltas or acks wait on versions not received yet.
func (c *Client) gapped() bool {
	return len(c.held) > 0 || len(c.acks) > 0
}

func (c *Client) queued(opID string) bool {
	return slices.ContainsFunc(c.outbox, func(p pending) bool { return p.op.ID == opID })
}

func (c *Client) process(ctx context.Context, msgs []protocol.Message, batches [][]string, rejected []error) ([][]string, []error, error) {
	var err error
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *protocol.Delta:
			if m.Version > c.version {
				c.held[m.Version] = m
			}
		case *protocol.Ack:
			c.acks = append(c.acks, m)
		case *protocol.Snapshot:
			changed, err := c.install(m)
			if err != nil {
				return batches, rejected, err
			}
			batches = append(batches, changed)
		default:
			c.log.WarnCtx(ctx, "optimist: dropping message", "kind", msg.Kind().String())
			continue
		}
		if batches, rejected, err = c.advance(ctx, batches, rejected); err != nil {
			return batches, rejected, err
		}
	}
	return batches, rejected, nil
}

// advance applies held deltas while they are contiguous with version, then
// every ack the version has caught up with.
func (c *Client) advance(ctx context.Context, batches [][]string, rejected []error) ([][]string, []error, error) {
	for {
		d, ok := c.held[c.version+1]
		if !ok {
			break
		}
		delete(c.held, d.Version)
		changed, err := c.applyChanges(d.Changes)
		if err != nil {
			return batches, rejected, err
		}
		c.version = d.Version
		batches = append(batches, changed)
	}
	acks := c.acks[:0]
	for _, ack := range c.acks {
		if ack.Version > c.version {
			acks = append(acks, ack)
			continue
		}
		p, ok := c.retire(ack.OpID)
		switch {
		case ack.Version < c.floor:
			// the snapshot already holds newer values
		case ack.Version < c.version:
			c.log.WarnCtx(ctx, "optimist: stale ack corrections dropped", "op", ack.OpID, "ack_version", ack.Version, "version", c.version)
		default:
			changed, err := c.applyChanges(ack.Changes)
			if err != nil {
				return batches, rejected, err
			}
			batches = append(batches, changed)
		}
		if ok && !ack.Ok() {
			rejected = append(rejected, &RejectedError{OpID: ack.OpID, Mutation: p.op.Mutation, Reason: ack.Rejected})
		}
	}
	clear(c.acks[len(acks):])
	c.acks = acks
	return batches, rejected, nil
}

func (c *Client) retire(opID string) (pending, bool) {
	i := slices.IndexFunc(c.outbox, func(p pending) bool { return p.op.ID == opID })
	if i < 0 {
		return pending{}, false
	}
	p := c.outbox[i]
	c.outbox = slices.Delete(c.outbox, i, i+1)
	return p, true
}

// install replaces the document with a server snapshot and reruns the
// outbox on top of it.
func (c *Client) install(snap *protocol.Snapshot) ([]string, error) {
	before, err := c.store.Dump()
	if err != nil {
		return nil, err
	}
	if err = c.store.Replace(snap.Entries); err != nil {
		return nil, fmt.Errorf("install snapshot: %w", err)
	}
	c.version, c.floor = snap.Version, snap.Version
	for v := range c.held {
		if v <= c.version {
			delete(c.held, v)
		}
	}
	for i := range c.outbox {
		p := &c.outbox[i]
		changes, err := c.runner.Run(c.store, p.op.Mutation, p.op.Args)
		if err != nil {
			c.log.Debug("optimist: queued op fails on snapshot", "op", p.op.String(), "err", err)
			continue
		}
		for _, key := range changedKeys(changes) {
			if !slices.Contains(p.touched, key) {
				p.touched = append(p.touched, key)
			}
		}
	}
	after, err := c.store.Dump()
	if err != nil {
		return nil, err
	}
	return diffDocs(before, after), nil
}

// diffDocs lists the keys whose values differ between two sorted dumps.
func diffDocs(a, b []store.Change) []string {
	var keys []string
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b) || (i < len(a) && a[i].Key < b[j].Key):
			keys = append(keys, a[i].Key)
			i++
		case i == len(a) || b[j].Key < a[i].Key:
			keys = append(keys, b[j].Key)
			j++
		default:
			if string(a[i].Value) != string(b[j].Value) {
				keys = append(keys, a[i].Key)
			}
			i++
			j++
		}
	}
	return keys
}

func (c *Client) Close() error {
	OutboxSize.DeleteLabelValues(c.opts.ID)
	return c.replica.Close()
}
