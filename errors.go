package optimist

import (
	"errors"
	"fmt"

	"github.com/liveblocks/liveblocks-sub020/channel"
	"github.com/liveblocks/liveblocks-sub020/mutation"
	"github.com/liveblocks/liveblocks-sub020/store"
)

var (
	ErrClosed          = errors.New("optimist: replica closed")
	ErrUnexpectedMsg   = errors.New("optimist: unexpected message")
	ErrForeignOp       = errors.New("optimist: op submitted on another client's link")
	ErrVersionGap      = errors.New("optimist: server versions missing after catch-up")
	ErrUnknownMutation = mutation.ErrUnknownMutation
	ErrNoLayer         = store.ErrNoLayer
	ErrBrokenPipe      = channel.ErrBrokenPipe
)

// MutationError is what a failing mutation returns, locally or on the server.
type MutationError = mutation.Error

// RejectedError reports an op the server refused to apply. The op has been
// retired from the outbox and its speculative effect undone.
type RejectedError struct {
	OpID     string
	Mutation string
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("optimist: op %s (%s) rejected: %s", e.OpID, e.Mutation, e.Reason)
}
