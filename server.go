package optimist

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/protocol"
	"github.com/liveblocks/liveblocks-sub020/utils"
)

// outcome is what the server remembers about an op it has seen.
type outcome struct {
	version  uint64
	rejected string
}

// Server holds the authoritative document. Its application order is the
// order of history; every applied op gets the next Version.
type Server struct {
	*replica
	opts ServerOptions

	version uint64
	history []protocol.Delta
	// last Seq seen per client session
	lastSeq  map[string]uint64
	outcomes *lru.Cache[string, outcome]
	router   protocol.Router
}

var _ protocol.Handler = (*Server)(nil)

func NewServer(reg mutation.Registry, opts ServerOptions) (*Server, error) {
	opts.SetDefaults()
	r, err := newReplica(reg, opts.Options)
	if err != nil {
		return nil, err
	}
	outcomes, err := lru.New[string, outcome](opts.OutcomeCacheSize)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return &Server{
		replica:  r,
		opts:     opts,
		lastSeq:  make(map[string]uint64),
		outcomes: outcomes,
	}, nil
}

// Attach makes r the channel ApplyOp broadcasts its deltas to. A server
// with nothing attached applies ops without telling anyone.
func (s *Server) Attach(r protocol.Router) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.router = r
}

// Version is the number of ops applied so far.
func (s *Server) Version() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.version
}

// Log returns the retained deltas, oldest first.
func (s *Server) Log() []protocol.Delta {
	s.lock.Lock()
	defer s.lock.Unlock()
	ret := make([]protocol.Delta, len(s.history))
	for i := range s.history {
		ret[i] = *protocol.Clone(&s.history[i]).(*protocol.Delta)
	}
	return ret
}

// ApplyOp runs op authoritatively and broadcasts the resulting delta to
// every connected client through the attached router. A failing mutation
// leaves the document untouched and produces no delta.
func (s *Server) ApplyOp(ctx context.Context, op protocol.Op) (protocol.Delta, error) {
	s.lock.Lock()
	delta, changed, err := s.applyOp(ctx, op)
	router := s.router
	s.lock.Unlock()
	if err != nil {
		return delta, err
	}
	s.notify(changed)
	// outside s.lock: Handle runs with the router's lock already held
	if router != nil {
		router.Route(ctx, s.broadcast(delta))
	}
	return delta, nil
}

func (s *Server) broadcast(delta protocol.Delta) protocol.Envelope {
	DeltasBroadcast.Inc()
	return protocol.Broadcast(protocol.Clone(&delta))
}

func sessionOf(op protocol.Op) string {
	if op.Session != "" {
		return op.Session
	}
	return op.Client
}

func (s *Server) applyOp(ctx context.Context, op protocol.Op) (protocol.Delta, []string, error) {
	if s.closed {
		return protocol.Delta{}, nil, ErrClosed
	}
	if key := sessionOf(op); key != "" && op.Seq > s.lastSeq[key] {
		s.lastSeq[key] = op.Seq
	}
	start := time.Now()
	changes, changed, err := s.run(op.Mutation, op.Args)
	ApplyDuration.WithLabelValues(op.Mutation).Observe(float64(time.Since(start)) / float64(time.Millisecond))
	if err != nil {
		OpsRejected.WithLabelValues(op.Mutation).Inc()
		s.outcomes.Add(op.ID, outcome{version: s.version, rejected: err.Error()})
		s.log.InfoCtx(ctx, "optimist: op rejected", "op", op.String(), "err", err)
		return protocol.Delta{}, nil, err
	}
	s.version++
	delta := protocol.Delta{
		Version: s.version,
		OpID:    op.ID,
		Origin:  op.Client,
		Changes: changes,
	}
	s.history = append(s.history, delta)
	if over := len(s.history) - s.opts.MaxLogLen; over > 0 {
		s.history = append([]protocol.Delta(nil), s.history[over:]...)
	}
	s.outcomes.Add(op.ID, outcome{version: s.version})
	OpsApplied.WithLabelValues(op.Mutation).Inc()
	s.log.DebugCtx(ctx, "optimist: op applied", "op", op.String(), "version", s.version, "changes", len(changes))
	return *protocol.Clone(&delta).(*protocol.Delta), changed, nil
}

// Handle serves one message from a connected client.
//
// Submit: a new op is applied; on success its Delta goes to everyone and an
// Ack to the sender, on failure only the Ack carrying the reason. An op the
// server has already seen is acked again without being rerun.
//
// Hello: the client gets every delta after its version, or the whole
// document when the log no longer reaches back that far.
func (s *Server) Handle(ctx context.Context, from string, msg protocol.Message) ([]protocol.Envelope, error) {
	ctx = utils.WithDefaultArgs(ctx, "from", from)
	s.lock.Lock()
	var (
		envs    []protocol.Envelope
		changed []string
		err     error
	)
	switch m := msg.(type) {
	case *protocol.Submit:
		envs, changed, err = s.submit(ctx, from, m)
	case *protocol.Hello:
		envs, err = s.hello(ctx, from, m)
	default:
		err = fmt.Errorf("%w: %s at server", ErrUnexpectedMsg, msg.Kind())
	}
	s.lock.Unlock()
	s.notify(changed)
	return envs, err
}

func (s *Server) submit(ctx context.Context, from string, m *protocol.Submit) ([]protocol.Envelope, []string, error) {
	op := m.Op
	if op.Client != from {
		return nil, nil, fmt.Errorf("%w: %s sent %s", ErrForeignOp, from, op.String())
	}
	if key := sessionOf(op); op.Seq != 0 && op.Seq <= s.lastSeq[key] {
		OpsDuplicate.WithLabelValues(op.Mutation).Inc()
		prev, _ := s.outcomes.Get(op.ID)
		ack, err := s.ack(op.ID, s.version, prev.rejected, m.Touched)
		if err != nil {
			return nil, nil, err
		}
		s.log.DebugCtx(ctx, "optimist: duplicate op", "op", op.String(), "last_seq", s.lastSeq[key], "first_at", prev.version)
		return []protocol.Envelope{protocol.To(from, ack)}, nil, nil
	}

	delta, changed, err := s.applyOp(ctx, op)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, nil, err
		}
		ack, aerr := s.ack(op.ID, s.version, err.Error(), m.Touched)
		if aerr != nil {
			return nil, nil, aerr
		}
		return []protocol.Envelope{protocol.To(from, ack)}, nil, nil
	}
	covered := make(map[string]struct{}, len(delta.Changes))
	for _, c := range delta.Changes {
		covered[c.Key] = struct{}{}
	}
	ack, err := s.ack(op.ID, delta.Version, "", utils.Subtract(m.Touched, covered))
	if err != nil {
		return nil, nil, err
	}
	return []protocol.Envelope{
		s.broadcast(delta),
		protocol.To(from, ack),
	}, changed, nil
}

// ack answers an op; keys get the server's current values so the sender can
// drop whatever it guessed for them.
func (s *Server) ack(opID string, version uint64, rejected string, keys []string) (*protocol.Ack, error) {
	corrections, err := s.current(keys)
	if err != nil {
		return nil, err
	}
	return &protocol.Ack{
		OpID:     opID,
		Version:  version,
		Changes:  corrections,
		Rejected: rejected,
	}, nil
}

func (s *Server) hello(ctx context.Context, from string, m *protocol.Hello) ([]protocol.Envelope, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if m.Version == s.version {
		return nil, nil
	}
	behind := s.version - m.Version
	if m.Version < s.version && behind <= uint64(len(s.history)) {
		CatchUps.WithLabelValues("log").Inc()
		envs := make([]protocol.Envelope, 0, behind)
		for i := len(s.history) - int(behind); i < len(s.history); i++ {
			envs = append(envs, protocol.To(from, protocol.Clone(&s.history[i])))
		}
		s.log.DebugCtx(ctx, "optimist: replaying log", "client", m.Client, "since", m.Version, "count", len(envs))
		return envs, nil
	}
	doc, err := s.store.Dump()
	if err != nil {
		return nil, err
	}
	CatchUps.WithLabelValues("snapshot").Inc()
	s.log.InfoCtx(ctx, "optimist: sending snapshot", "client", m.Client, "since", m.Version, "version", s.version)
	return []protocol.Envelope{protocol.To(from, &protocol.Snapshot{Version: s.version, Entries: doc})}, nil
}
