package channel

import (
	"context"
	"sync"

	"crabstack.local/projects/crab-core/internal/types"
)

const DefaultInboxSize = 64

// Inbox buffers inbound messages between transport goroutines and the one
// active receiver. A message taken from the buffer when the receiver goes
// away is kept for the next receiver.
type Inbox struct {
	buf       chan types.InboundMessage
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	active  bool
	pending []types.InboundMessage
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		buf:  make(chan types.InboundMessage, size),
		done: make(chan struct{}),
	}
}

// Deliver blocks until msg is buffered, ctx ends or the inbox closes.
func (i *Inbox) Deliver(ctx context.Context, msg types.InboundMessage) error {
	select {
	case <-i.done:
		return ErrClosed
	default:
	}
	select {
	case i.buf <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return ErrClosed
	}
}

// Receive starts forwarding buffered messages. The returned channel closes
// when ctx ends, or once the inbox is closed and drained. Receiving from a
// closed and drained inbox fails with ErrClosed.
func (i *Inbox) Receive(ctx context.Context) (<-chan types.InboundMessage, error) {
	i.mu.Lock()
	if i.active {
		i.mu.Unlock()
		return nil, ErrAlreadyReceiving
	}
	if i.drained() {
		i.mu.Unlock()
		return nil, ErrClosed
	}
	i.active = true
	i.mu.Unlock()

	out := make(chan types.InboundMessage)
	go func() {
		defer func() {
			i.mu.Lock()
			i.active = false
			i.mu.Unlock()
			close(out)
		}()
		for {
			msg, ok := i.next(ctx)
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				i.mu.Lock()
				i.pending = append([]types.InboundMessage{msg}, i.pending...)
				i.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

func (i *Inbox) next(ctx context.Context) (types.InboundMessage, bool) {
	i.mu.Lock()
	if len(i.pending) > 0 {
		msg := i.pending[0]
		i.pending = i.pending[1:]
		i.mu.Unlock()
		return msg, true
	}
	i.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.InboundMessage{}, false
	case msg := <-i.buf:
		return msg, true
	case <-i.done:
		select {
		case msg := <-i.buf:
			return msg, true
		default:
			return types.InboundMessage{}, false
		}
	}
}

// drained reports whether the inbox is closed with nothing left to
// deliver. Callers hold i.mu.
func (i *Inbox) drained() bool {
	select {
	case <-i.done:
	default:
		return false
	}
	return len(i.pending) == 0 && len(i.buf) == 0
}

func (i *Inbox) Close() {
	i.closeOnce.Do(func() { close(i.done) })
}
