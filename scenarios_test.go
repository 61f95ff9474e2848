package optimist_test

import (
	"context"
	"encoding/json"
	"errors"
	"syscall"
	"testing"

	optimist "github.com/liveblocks/liveblocks-sub020"
	"github.com/liveblocks/liveblocks-sub020/examples"
	testutils "github.com/liveblocks/liveblocks-sub020/test_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dataer interface {
	Data() map[string]json.RawMessage
}

func doc(r dataer) map[string]string {
	ret := make(map[string]string)
	for key, val := range r.Data() {
		ret[key] = string(val)
	}
	return ret
}

func TestScenario_PutThenSync(t *testing.T) {
	ctx := context.Background()
	cl := testutils.NewCluster(t, examples.Registry, testutils.ClusterOptions{Clients: 1})
	c := cl.Clients[0]

	_, err := c.Mutate("put", "a", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, doc(c))
	assert.Empty(t, doc(cl.Server))

	assert.NoError(t, c.Sync(ctx))
	assert.Equal(t, map[string]string{"a": "1"}, doc(c))
	assert.Equal(t, map[string]string{"a": "1"}, doc(cl.Server))
	assert.Empty(t, c.Outbox())
	assert.Equal(t, uint64(1), c.Version())
}

func TestScenario_LastWriterPerServerOrder(t *testing.T) {
	ctx := context.Background()
	cl := testutils.NewCluster(t, examples.Registry, testutils.ClusterOptions{Clients: 2})
	c1, c2 := cl.Clients[0], cl.Clients[1]

	_, err := c1.Mutate("put", "a", 1)
	require.NoError(t, err)
	_, err = c2.Mutate("put", "a", 2)
	require.NoError(t, err)

	assert.NoError(t, c1.Sync(ctx))
	assert.NoError(t, c2.Sync(ctx))
	assert.NoError(t, cl.SyncAll(ctx))

	for _, r := range []dataer{cl.Server, c1, c2} {
		assert.Equal(t, map[string]string{"a": "2"}, doc(r))
	}
	cl.AssertConverged(t)
}

func TestScenario_DecOnEmpty(t *testing.T) {
	cl := testutils.NewCluster(t, examples.Registry, testutils.ClusterOptions{Clients: 1})
	c := cl.Clients[0]

	_, err := c.Mutate("dec", "a")
	assert.ErrorIs(t, err, examples.ErrBelowZero)
	assert.ErrorContains(t, err, "Cannot decrement beyond 0")
	var merr *optimist.MutationError
	assert.True(t, errors.As(err, &merr))
	assert.Equal(t, "dec", merr.Name)

	assert.Empty(t, doc(c))
	assert.Empty(t, c.Outbox())
}

func TestScenario_FailedMutationLeavesNoTrace(t *testing.T) {
	cl := testutils.NewCluster(t, examples.Registry, testutils.ClusterOptions{Clients: 1})
	c := cl.Clients[0]

	_, err := c.Mutate("put", "a", 1)
	require.NoError(t, err)
	_, err = c.Mutate("putAndFail", "a", 42)
	assert.ErrorIs(t, err, examples.ErrPutAndFail)
	assert.Equal(t, map[string]string{"a": "1"}, doc(c))
	assert.Len(t, c.Outbox(), 1)
}

func TestScenario_OfflineThenReconnect(t *testing.T) {
	ctx := context.Background()
	cl := testutils.NewCluster(t, examples.Registry, testutils.ClusterOptions{Clients: 1})
	c := cl.Clients[0]
	link := cl.Link(c)

	link.Disconnect()
	_, err := c.Mutate("push", "l", 1)
	require.NoError(t, err)
	_, err = c.Mutate("push", "l", 2)
	require.NoError(t, err)
	queued := c.Outbox()

	err = c.Sync(ctx)
	assert.ErrorIs(t, err, optimist.ErrBrokenPipe)
	assert.True(t, errors.Is(err, syscall.EPIPE))
	assert.Equal(t, queued, c.Outbox())

	link.Reconnect()
	// reconnecting alone flushes nothing
	assert.Empty(t, doc(cl.Server))
	assert.Len(t, c.Outbox(), 2)

	assert.NoError(t, c.Sync(ctx))
	assert.Equal(t, map[string]string{"l": "[1,2]"}, doc(cl.Server))
	assert.Equal(t, map[string]string{"l": "[1,2]"}, doc(c))
	assert.Empty(t, c.Outbox())

	log := cl.Server.Log()
	require.Len(t, log, 2)
	assert.Equal(t, queued[0].ID, log[0].OpID)
	assert.Equal(t, queued[1].ID, log[1].OpID)

	// a further sync must not deliver anything twice
	assert.NoError(t, c.Sync(ctx))
	assert.Equal(t, uint64(2), cl.Server.Version())
}

func TestScenario_AutoSyncOnReconnect(t *testing.T) {
	ctx := context.Background()
	cl := testutils.NewCluster(t, examples.Registry, testutils.ClusterOptions{Clients: 1})
	c := cl.Clients[0]
	link := cl.Link(c)
	link.OnReconnect(func() { _ = c.Sync(ctx) })

	link.Disconnect()
	_, err := c.Mutate("put", "a", 1)
	require.NoError(t, err)
	assert.Empty(t, doc(cl.Server))

	link.Reconnect()
	assert.Equal(t, map[string]string{"a": "1"}, doc(cl.Server))
	assert.Empty(t, c.Outbox())
}
