package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/ids"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	Name = "discord"

	// Discord rejects messages above this many characters.
	maxMessageLength = 2000
	deliverTimeout   = 10 * time.Second
)

// Session is the part of a gateway connection the channel needs.
type Session interface {
	Open() error
	Close() error
	SendMessage(channelID, content string) error
}

type MessageHandler func(*discordgo.Session, *discordgo.MessageCreate)

// Dialer creates a session that reports new messages to handler.
type Dialer func(token string, handler MessageHandler) (Session, error)

type Option func(*Channel)

func WithDialer(dial Dialer) Option {
	return func(c *Channel) {
		if dial != nil {
			c.dial = dial
		}
	}
}

func WithInboxSize(size int) Option {
	return func(c *Channel) {
		c.inbox = channel.NewInbox(size)
	}
}

// Channel maps each (discord channel, author) pair to one conversation:
// "discord:<channel id>:<author id>".
type Channel struct {
	logger zerolog.Logger
	token  string
	dial   Dialer
	inbox  *channel.Inbox

	mu      sync.Mutex
	session Session
}

func New(logger zerolog.Logger, token string, opts ...Option) *Channel {
	c := &Channel{
		logger: logger,
		token:  token,
		dial:   dialGateway,
		inbox:  channel.NewInbox(channel.DefaultInboxSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Channel) Name() string { return Name }

// Receive opens the gateway session on first use. Later calls reuse it.
func (c *Channel) Receive(ctx context.Context) (<-chan types.InboundMessage, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	return c.inbox.Receive(ctx)
}

func (c *Channel) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	if strings.TrimSpace(c.token) == "" {
		return &channel.Error{Channel: Name, Err: errors.New("bot token is empty")}
	}
	session, err := c.dial(c.token, c.handleMessage)
	if err != nil {
		return &channel.Error{Channel: Name, Err: fmt.Errorf("create session: %w", err)}
	}
	if err := session.Open(); err != nil {
		return &channel.Error{Channel: Name, Transient: true, Err: fmt.Errorf("open session: %w", err)}
	}
	c.session = session
	c.logger.Info().Msg("discord channel connected")
	return nil
}

func (c *Channel) Send(_ context.Context, msg types.OutboundMessage) error {
	channelID, _, err := parseConversation(msg.ConversationID)
	if err != nil {
		return &channel.Error{Channel: Name, Err: err}
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return &channel.Error{Channel: Name, Transient: true, Err: errors.New("session is not open")}
	}
	for _, chunk := range splitMessage(msg.Text, maxMessageLength) {
		if err := session.SendMessage(channelID, chunk); err != nil {
			return &channel.Error{Channel: Name, Transient: isTransient(err), Err: fmt.Errorf("send message: %w", err)}
		}
	}
	return nil
}

func (c *Channel) Close() error {
	c.inbox.Close()
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := inboundFromMessage(m)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := c.inbox.Deliver(ctx, msg); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", msg.ConversationID.String()).Msg("discord message dropped")
	}
}

func inboundFromMessage(m *discordgo.MessageCreate) (types.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return types.InboundMessage{}, false
	}
	if strings.TrimSpace(m.Content) == "" {
		return types.InboundMessage{}, false
	}
	receivedAt := m.Timestamp.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	msg := types.InboundMessage{
		ID:             ids.NewPrefixed("msg"),
		Channel:        Name,
		ConversationID: types.NewConversationID(Name, m.ChannelID+":"+m.Author.ID),
		PeerID:         m.Author.ID,
		Text:           m.Content,
		ReceivedAt:     receivedAt,
		Meta: map[string]string{
			"discord_message_id": m.ID,
			"discord_channel_id": m.ChannelID,
		},
	}
	if m.GuildID != "" {
		msg.Meta["discord_guild_id"] = m.GuildID
	}
	return msg, true
}

func parseConversation(id types.ConversationID) (channelID, authorID string, err error) {
	if id.Channel() != Name {
		return "", "", fmt.Errorf("conversation %q does not belong to this channel", id)
	}
	channelID, authorID, ok := strings.Cut(id.Peer(), ":")
	if !ok || channelID == "" || authorID == "" {
		return "", "", fmt.Errorf("malformed discord conversation %q", id)
	}
	return channelID, authorID, nil
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// line boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func isTransient(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		return code == 429 || code >= 500
	}
	return false
}

type gatewaySession struct {
	session *discordgo.Session
}

func (s *gatewaySession) Open() error  { return s.session.Open() }
func (s *gatewaySession) Close() error { return s.session.Close() }

func (s *gatewaySession) SendMessage(channelID, content string) error {
	_, err := s.session.ChannelMessageSend(channelID, content)
	return err
}

func dialGateway(token string, handler MessageHandler) (Session, error) {
	s, err := discordgo.New(normalizeBotToken(token))
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		handler(s, m)
	})
	return &gatewaySession{session: s}, nil
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
