package optimist

import (
	"crypto/rand"
	"log/slog"

	"github.com/google/uuid"
	"github.com/liveblocks/liveblocks-sub020/store"
	"github.com/liveblocks/liveblocks-sub020/utils"
)

type Options struct {
	// Name shows up in logs and metric labels.
	Name string
	// Seed feeds the replica's mutation randomness. Zero picks a random one.
	Seed   [32]byte
	Logger utils.Logger
	Store  store.Options
}

func (o *Options) SetDefaults() {
	if o.Seed == [32]byte{} {
		_, _ = rand.Read(o.Seed[:])
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Store.Logger == nil {
		o.Store.Logger = o.Logger
	}
}

type ClientOptions struct {
	Options
	// ID identifies the client to the server. Defaults to a random UUID.
	ID string
}

func (o *ClientOptions) SetDefaults() {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Name == "" {
		o.Name = o.ID
	}
	o.Options.SetDefaults()
}

const (
	DefaultMaxLogLen        = 1 << 12
	DefaultOutcomeCacheSize = 1 << 12
)

type ServerOptions struct {
	Options
	// MaxLogLen bounds the delta log kept for catching up reconnecting
	// clients. Clients further behind get a full snapshot.
	MaxLogLen int
	// OutcomeCacheSize bounds the remembered outcomes of applied and
	// rejected ops, used to answer resubmissions.
	OutcomeCacheSize int
}

func (o *ServerOptions) SetDefaults() {
	if o.Name == "" {
		o.Name = "server"
	}
	if o.MaxLogLen <= 0 {
		o.MaxLogLen = DefaultMaxLogLen
	}
	if o.OutcomeCacheSize <= 0 {
		o.OutcomeCacheSize = DefaultOutcomeCacheSize
	}
	o.Options.SetDefaults()
}
