package channel

import (
	"context"
	"sync"

	"github.com/liveblocks/liveblocks-sub020/protocol"
)

// Link is one client's connection to the hub. It implements protocol.Conn.
type Link struct {
	hub  *Hub
	name string

	lock        sync.Mutex
	connected   bool
	epoch       uint64
	inbox       []protocol.Message
	dropped     int
	onReconnect []func()
}

func (l *Link) Name() string {
	return l.name
}

func (l *Link) Connected() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.connected
}

func (l *Link) Epoch() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.epoch
}

// Pending is the number of delivered, not yet received messages.
func (l *Link) Pending() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.inbox)
}

// Dropped counts messages lost to disconnects over the link's lifetime.
func (l *Link) Dropped() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.dropped
}

// Send hands msg to the server. On a disconnected link it fails with
// ErrBrokenPipe before anything is sent.
func (l *Link) Send(ctx context.Context, msg protocol.Message) error {
	if !l.Connected() {
		return ErrBrokenPipe
	}
	return l.hub.handle(ctx, l.name, msg)
}

// Receive drains the inbox.
func (l *Link) Receive(ctx context.Context) ([]protocol.Message, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.connected {
		return nil, ErrBrokenPipe
	}
	msgs := l.inbox
	l.inbox = nil
	return msgs, nil
}

// Disconnect takes the link down and loses everything in flight to it.
func (l *Link) Disconnect() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.connected {
		return
	}
	l.connected = false
	l.dropped += len(l.inbox)
	if len(l.inbox) > 0 {
		l.hub.log.Debug("channel: in-flight messages lost", "name", l.name, "count", len(l.inbox))
	}
	l.inbox = nil
}

// Reconnect brings the link back up and starts a new epoch. Hooks
// registered with OnReconnect run afterwards, outside the link's lock.
func (l *Link) Reconnect() {
	l.lock.Lock()
	if l.connected {
		l.lock.Unlock()
		return
	}
	l.connected = true
	l.epoch++
	hooks := append([]func(){}, l.onReconnect...)
	l.lock.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// OnReconnect registers fn to run after every reconnect. Syncing from here
// turns on flush-on-reconnect for a client.
func (l *Link) OnReconnect(fn func()) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.onReconnect = append(l.onReconnect, fn)
}

func (l *Link) deliver(msg protocol.Message) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.connected {
		return
	}
	l.inbox = append(l.inbox, protocol.Clone(msg))
}
