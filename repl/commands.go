package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	optimist "github.com/liveblocks/liveblocks-sub020"
	"github.com/liveblocks/liveblocks-sub020/examples"
	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/utils"
)

const Help = `client NAME            connect a new client or switch to it
mut NAME ARG...        run a mutation on the current client, ARGs are JSON or bare words
sync [all]             sync the current client, or every client
disconnect [NAME|all]  take a link down
reconnect [NAME|all]   bring a link back up
autosync [NAME]        sync a client whenever its link comes back up
show [PATH]            print server/..., NAME/... or NAME/KEY
outbox [NAME]          list queued ops
hash                   document hashes of every replica
listen ADDR            serve /metrics and /doc over HTTP
exit`

var (
	ErrNoClient   = errors.New("no client selected, try: client NAME")
	ErrBadPath    = errors.New("bad path")
	HelpClient    = errors.New("client NAME")
	HelpMut       = errors.New("mut NAME ARG...")
	HelpListen    = errors.New("listen ADDR")
	ErrNoSuchName = errors.New("no such client")
)

func (repl *REPL) CommandClient(args []string) (string, error) {
	if len(args) != 1 || args[0] == "server" || args[0] == "all" {
		return "", HelpClient
	}
	name := args[0]
	if _, ok := repl.clients[name]; ok {
		repl.current = name
		return "switched to " + name, nil
	}
	link, err := repl.hub.Connect(name)
	if err != nil {
		return "", err
	}
	c, err := optimist.NewClient(examples.Registry, link, optimist.ClientOptions{
		Options: optimist.Options{Name: name, Logger: repl.log},
		ID:      name,
	})
	if err != nil {
		repl.hub.Remove(name)
		return "", err
	}
	repl.reg.MustRegister(c.Collector())
	repl.lock.Lock()
	repl.clients[name] = c
	repl.lock.Unlock()
	repl.current = name
	return "client " + name + " connected", nil
}

func (repl *REPL) client(args []string) (*optimist.Client, error) {
	name := repl.current
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		return nil, ErrNoClient
	}
	c, ok := repl.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchName, name)
	}
	return c, nil
}

// parseArgs reads each word as JSON, falling back to a plain string.
func parseArgs(words []string) mutation.Args {
	args := make(mutation.Args, 0, len(words))
	for _, w := range words {
		if json.Valid([]byte(w)) {
			args = append(args, json.RawMessage(w))
		} else {
			raw, _ := json.Marshal(w)
			args = append(args, raw)
		}
	}
	return args
}

func (repl *REPL) CommandMut(args []string) (string, error) {
	if len(args) == 0 {
		return "", HelpMut
	}
	c, err := repl.client(nil)
	if err != nil {
		return "", err
	}
	op, err := c.MutateArgs(args[0], parseArgs(args[1:]))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("queued %s (%s)", op.String(), op.ID), nil
}

func (repl *REPL) targets(args []string) ([]*optimist.Client, error) {
	if len(args) > 0 && args[0] == "all" {
		ret := make([]*optimist.Client, 0, len(repl.clients))
		for _, name := range utils.SortedKeys(repl.clients) {
			ret = append(ret, repl.clients[name])
		}
		return ret, nil
	}
	c, err := repl.client(args)
	if err != nil {
		return nil, err
	}
	return []*optimist.Client{c}, nil
}

func (repl *REPL) CommandSync(ctx context.Context, args []string) (string, error) {
	clients, err := repl.targets(args)
	if err != nil {
		return "", err
	}
	var lines []string
	var errs []error
	for _, c := range clients {
		if err := c.Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID(), err))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s synced at version %d", c.ID(), c.Version()))
	}
	return strings.Join(lines, "\n"), errors.Join(errs...)
}

func (repl *REPL) CommandDisconnect(args []string) (string, error) {
	if len(args) > 0 && args[0] == "all" {
		repl.hub.Disconnect()
		return "all links down", nil
	}
	c, err := repl.client(args)
	if err != nil {
		return "", err
	}
	link, _ := repl.hub.Link(c.ID())
	link.Disconnect()
	return c.ID() + " disconnected", nil
}

func (repl *REPL) CommandReconnect(args []string) (string, error) {
	if len(args) > 0 && args[0] == "all" {
		repl.hub.Reconnect()
		return "all links up", nil
	}
	c, err := repl.client(args)
	if err != nil {
		return "", err
	}
	link, _ := repl.hub.Link(c.ID())
	link.Reconnect()
	return c.ID() + " reconnected", nil
}

func (repl *REPL) CommandAutoSync(ctx context.Context, args []string) (string, error) {
	c, err := repl.client(args)
	if err != nil {
		return "", err
	}
	link, _ := repl.hub.Link(c.ID())
	link.OnReconnect(func() {
		if err := c.Sync(ctx); err != nil {
			repl.log.Warn("autosync failed", "client", c.ID(), "err", err)
		}
	})
	return c.ID() + " syncs on reconnect", nil
}

func (repl *REPL) CommandShow(args []string) (string, error) {
	if len(args) == 0 {
		var lines []string
		for _, node := range repl.roots() {
			lines = append(lines, node.Name()+" "+node.String())
		}
		return strings.Join(lines, "\n"), nil
	}
	node, err := repl.Resolve(args[0])
	if err != nil {
		return "", err
	}
	return node.String(), nil
}

func (repl *REPL) CommandOutbox(args []string) (string, error) {
	c, err := repl.client(args)
	if err != nil {
		return "", err
	}
	ops := c.Outbox()
	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		lines = append(lines, op.String())
	}
	if len(lines) == 0 {
		return "outbox empty", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (repl *REPL) CommandHash() (string, error) {
	var lines []string
	hash, err := repl.server.Hash()
	if err != nil {
		return "", err
	}
	lines = append(lines, fmt.Sprintf("server\t%016x\tv%d", hash, repl.server.Version()))
	names := utils.SortedKeys(repl.clients)
	for _, name := range names {
		c := repl.clients[name]
		h, err := c.Hash()
		if err != nil {
			return "", err
		}
		mark := ""
		if h != hash {
			mark = "\t*"
		}
		lines = append(lines, fmt.Sprintf("%s\t%016x\tv%d%s", name, h, c.Version(), mark))
	}
	return strings.Join(lines, "\n"), nil
}
