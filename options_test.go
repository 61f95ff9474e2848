package optimist

import (
	"testing"

	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestOptions_SetDefaults(t *testing.T) {
	var a, b ClientOptions
	a.SetDefaults()
	b.SetDefaults()
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, a.ID, a.Name)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, [32]byte{}, a.Seed)
	assert.NotEqual(t, a.Seed, b.Seed)
	assert.NotNil(t, a.Logger)
	assert.Equal(t, a.Logger, a.Store.Logger)

	seeded := ClientOptions{ID: "x", Options: Options{Seed: [32]byte{1}}}
	seeded.SetDefaults()
	assert.Equal(t, [32]byte{1}, seeded.Seed)
	assert.Equal(t, "x", seeded.Name)

	var s ServerOptions
	s.SetDefaults()
	assert.Equal(t, "server", s.Name)
	assert.Equal(t, DefaultMaxLogLen, s.MaxLogLen)
	assert.Equal(t, DefaultOutcomeCacheSize, s.OutcomeCacheSize)
}

func TestDiffDocs(t *testing.T) {
	a := []store.Change{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}, {Key: "d", Value: []byte("4")}}
	b := []store.Change{{Key: "b", Value: []byte("3")}, {Key: "c", Value: []byte("3")}, {Key: "d", Value: []byte("4")}}
	assert.Equal(t, []string{"a", "b", "c"}, diffDocs(a, b))
	assert.Empty(t, diffDocs(a, a))
	assert.Equal(t, []string{"a", "b", "d"}, diffDocs(a, nil))
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	for _, c := range Collectors() {
		assert.NoError(t, reg.Register(c))
	}

	opts := Options{Name: "r1"}
	opts.SetDefaults()
	r, err := newReplica(mutation.Registry{}, opts)
	assert.NoError(t, err)
	defer r.Close()
	assert.NoError(t, reg.Register(r.Collector()))
	_, err = reg.Gather()
	assert.NoError(t, err)

	_, err = newReplica(nil, opts)
	assert.Error(t, err)
}
