package channel

import (
	"context"
	"errors"
	"fmt"

	"crabstack.local/projects/crab-core/internal/types"
)

var (
	ErrAlreadyReceiving = errors.New("channel already has an active receiver")
	ErrClosed           = errors.New("channel closed")
	ErrUnknownPeer      = errors.New("peer is not connected")
)

// Channel is a bidirectional message transport. Receive may be called again
// after the context of a previous call is cancelled.
type Channel interface {
	Name() string
	Receive(ctx context.Context) (<-chan types.InboundMessage, error)
	Send(ctx context.Context, msg types.OutboundMessage) error
}

// Server is implemented by channels that own a listener.
type Server interface {
	Serve(ctx context.Context) error
}

type Error struct {
	Channel   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("channel %s %s error: %v", e.Channel, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var channelErr *Error
	return errors.As(err, &channelErr) && channelErr.Transient
}
