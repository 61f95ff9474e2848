package testutils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	optimist "github.com/liveblocks/liveblocks-sub020"
	"github.com/liveblocks/liveblocks-sub020/channel"
	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cluster is a server and clients c1..cN wired through one hub.
type Cluster struct {
	Server  *optimist.Server
	Hub     *channel.Hub
	Clients []*optimist.Client

	log utils.Logger
}

type ClusterOptions struct {
	Clients   int
	MaxLogLen int
	Logger    utils.Logger
}

// Seed gives replica i a distinct deterministic seed; the server is 0.
func Seed(i int) (seed [32]byte) {
	seed[0] = 0x5e
	seed[1] = byte(i)
	seed[2] = byte(i >> 8)
	return
}

func NewCluster(t testing.TB, reg mutation.Registry, opts ClusterOptions) *Cluster {
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelError)
	}
	srv, err := optimist.NewServer(reg, optimist.ServerOptions{
		Options:   optimist.Options{Name: "server", Seed: Seed(0), Logger: opts.Logger},
		MaxLogLen: opts.MaxLogLen,
	})
	require.NoError(t, err)
	c := &Cluster{
		Server: srv,
		Hub:    channel.NewHub(srv, opts.Logger),
		log:    opts.Logger,
	}
	srv.Attach(c.Hub)
	for i := 1; i <= opts.Clients; i++ {
		c.AddClient(t, reg)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// AddClient connects one more client, named after its position.
func (c *Cluster) AddClient(t testing.TB, reg mutation.Registry) *optimist.Client {
	i := len(c.Clients) + 1
	id := fmt.Sprintf("c%d", i)
	link, err := c.Hub.Connect(id)
	require.NoError(t, err)
	cl, err := optimist.NewClient(reg, link, optimist.ClientOptions{
		Options: optimist.Options{Name: id, Seed: Seed(i), Logger: c.log},
		ID:      id,
	})
	require.NoError(t, err)
	c.Clients = append(c.Clients, cl)
	return cl
}

func (c *Cluster) Link(cl *optimist.Client) *channel.Link {
	link, _ := c.Hub.Link(cl.ID())
	return link
}

// SyncAll syncs every client in order, twice, so each one also receives
// the deltas produced after its own turn.
func (c *Cluster) SyncAll(ctx context.Context) error {
	var errs []error
	for round := 0; round < 2; round++ {
		for _, cl := range c.Clients {
			if err := cl.Sync(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", cl.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// AssertConverged checks every client holds exactly the server's document.
func (c *Cluster) AssertConverged(t testing.TB) bool {
	want, err := c.Server.Dump()
	require.NoError(t, err)
	wantHash, err := c.Server.Hash()
	require.NoError(t, err)
	ok := true
	for _, cl := range c.Clients {
		got, err := cl.Dump()
		require.NoError(t, err)
		ok = assert.Equal(t, want, got, "client %s diverged", cl.ID()) && ok
		hash, err := cl.Hash()
		require.NoError(t, err)
		ok = assert.Equal(t, wantHash, hash, "client %s hash", cl.ID()) && ok
	}
	return ok
}

func (c *Cluster) Close() error {
	_ = c.Hub.Close()
	for _, cl := range c.Clients {
		_ = cl.Close()
	}
	return c.Server.Close()
}
