// Package console is a line-oriented channel over a reader and a writer,
// used by the interactive chat command.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/ids"
	"crabstack.local/projects/crab-core/internal/types"
)

const Name = "console"

type Channel struct {
	in     io.Reader
	out    io.Writer
	peer   string
	prompt string
	inbox  *channel.Inbox

	startOnce sync.Once
	writeMu   sync.Mutex
}

type Option func(*Channel)

func WithPrompt(prompt string) Option {
	return func(c *Channel) { c.prompt = prompt }
}

func New(in io.Reader, out io.Writer, peer string, opts ...Option) *Channel {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		peer = "local"
	}
	c := &Channel{
		in:    in,
		out:   out,
		peer:  peer,
		inbox: channel.NewInbox(1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Channel) Name() string { return Name }

func (c *Channel) ConversationID() types.ConversationID {
	return types.NewConversationID(Name, c.peer)
}

// Receive starts reading lines on first use. The returned channel closes
// once input reaches EOF and every line has been received.
func (c *Channel) Receive(ctx context.Context) (<-chan types.InboundMessage, error) {
	c.startOnce.Do(func() { go c.readLines() })
	return c.inbox.Receive(ctx)
}

func (c *Channel) readLines() {
	defer c.inbox.Close()
	c.writePrompt()
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.writePrompt()
			continue
		}
		msg := types.InboundMessage{
			ID:             ids.NewPrefixed("msg"),
			Channel:        Name,
			ConversationID: c.ConversationID(),
			PeerID:         c.peer,
			Text:           line,
			ReceivedAt:     time.Now().UTC(),
		}
		if err := c.inbox.Deliver(context.Background(), msg); err != nil {
			return
		}
	}
}

func (c *Channel) Send(_ context.Context, msg types.OutboundMessage) error {
	if msg.ConversationID != c.ConversationID() {
		return &channel.Error{Channel: Name, Err: fmt.Errorf("%w: %s", channel.ErrUnknownPeer, msg.ConversationID)}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	prefix := ""
	if msg.Failure {
		prefix = "! "
	}
	if _, err := fmt.Fprintf(c.out, "%s%s\n", prefix, msg.Text); err != nil {
		return &channel.Error{Channel: Name, Err: err}
	}
	if c.prompt != "" {
		_, _ = io.WriteString(c.out, c.prompt)
	}
	return nil
}

func (c *Channel) writePrompt() {
	if c.prompt == "" {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = io.WriteString(c.out, c.prompt)
}

// Close stops delivering lines. A blocked read of the underlying reader is
// not interrupted.
func (c *Channel) Close() error {
	c.inbox.Close()
	return nil
}
