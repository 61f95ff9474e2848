// Package channel simulates the transport between clients and the server.
//
// A Hub plays the network: it owns one Link per client and routes whatever
// the server's Handler returns to the addressed links. A Link is either
// connected or disconnected. Disconnecting loses every message delivered to
// the link but not yet received; reconnecting only restores the ability to
// send and receive, it never replays or flushes anything by itself.
//
// Delivery is synchronous: by the time Send returns, every envelope the
// server produced for it sits in the target inboxes, in production order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/liveblocks/liveblocks-sub020/protocol"
	"github.com/liveblocks/liveblocks-sub020/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

var _ protocol.Router = (*Hub)(nil)

var (
	// ErrBrokenPipe is returned by Send and Receive on a disconnected link.
	// It matches syscall.EPIPE under errors.Is.
	ErrBrokenPipe = fmt.Errorf("channel: broken pipe: %w", syscall.EPIPE)
	ErrNameTaken  = errors.New("channel: link name already taken")
	ErrClosed     = errors.New("channel: hub closed")
)

type Hub struct {
	handler protocol.Handler
	log     utils.Logger
	links   *xsync.MapOf[string, *Link]

	// serializes handling and delivery, so every link observes messages in
	// the order the handler produced them
	lock   sync.Mutex
	closed bool
}

func NewHub(handler protocol.Handler, log utils.Logger) *Hub {
	if log == nil {
		log = utils.Discard
	}
	return &Hub{
		handler: handler,
		log:     log,
		links:   xsync.NewMapOf[string, *Link](),
	}
}

// Connect creates a connected link for the named client.
func (h *Hub) Connect(name string) (*Link, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	link := &Link{hub: h, name: name, connected: true}
	if _, loaded := h.links.LoadOrStore(name, link); loaded {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	h.log.Debug("channel: link connected", "name", name)
	return link, nil
}

func (h *Hub) Link(name string) (*Link, bool) {
	return h.links.Load(name)
}

// Names lists the links, connected or not.
func (h *Hub) Names() []string {
	names := make(map[string]struct{})
	h.links.Range(func(name string, _ *Link) bool {
		names[name] = struct{}{}
		return true
	})
	return utils.SortedKeys(names)
}

// Disconnect takes every link down.
func (h *Hub) Disconnect() {
	h.links.Range(func(_ string, link *Link) bool {
		link.Disconnect()
		return true
	})
}

// Reconnect brings every link back up.
func (h *Hub) Reconnect() {
	h.links.Range(func(_ string, link *Link) bool {
		link.Reconnect()
		return true
	})
}

// Remove drops a link for good; its name becomes available again.
func (h *Hub) Remove(name string) {
	if link, ok := h.links.LoadAndDelete(name); ok {
		link.Disconnect()
	}
}

func (h *Hub) Close() error {
	h.lock.Lock()
	h.closed = true
	h.lock.Unlock()
	h.Disconnect()
	h.links.Clear()
	return nil
}

func (h *Hub) handle(ctx context.Context, from string, msg protocol.Message) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return ErrClosed
	}
	envs, err := h.handler.Handle(ctx, from, protocol.Clone(msg))
	h.route(ctx, envs)
	return err
}

// Route delivers envelopes the server produced on its own, outside of any
// client's Send. It implements protocol.Router.
func (h *Hub) Route(ctx context.Context, envs ...protocol.Envelope) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return
	}
	h.route(ctx, envs)
}

func (h *Hub) route(ctx context.Context, envs []protocol.Envelope) {
	for _, env := range envs {
		if env.To != "" {
			link, ok := h.links.Load(env.To)
			if !ok {
				h.log.WarnCtx(ctx, "channel: no such link", "to", env.To, "kind", env.Msg.Kind().String())
				continue
			}
			link.deliver(env.Msg)
			continue
		}
		h.links.Range(func(_ string, link *Link) bool {
			link.deliver(env.Msg)
			return true
		})
	}
}
