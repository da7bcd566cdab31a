package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/ids"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	Name = "websocket"

	maxFrameBytes   int64 = 1 << 20
	maxPeerIDLength       = 128
	writeTimeout          = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
)

type inboundFrame struct {
	Text string `json:"text"`
}

type outboundFrame struct {
	ConversationID types.ConversationID `json:"conversation_id,omitempty"`
	Text           string               `json:"text"`
	Error          bool                 `json:"error,omitempty"`
}

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerConn) write(frame outboundFrame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(frame)
}

type Option func(*Channel)

func WithInboxSize(size int) Option {
	return func(c *Channel) {
		c.inbox = channel.NewInbox(size)
	}
}

// Channel serves websocket peers on /v1/ws. Each connection names its peer
// with the "peer" query parameter; a newer connection for the same peer
// replaces the older one.
type Channel struct {
	logger   zerolog.Logger
	addr     string
	inbox    *channel.Inbox
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peerConn
}

func New(logger zerolog.Logger, addr string, opts ...Option) *Channel {
	c := &Channel{
		logger:   logger,
		addr:     addr,
		inbox:    channel.NewInbox(channel.DefaultInboxSize),
		upgrader: websocket.Upgrader{CheckOrigin: isOriginAllowed},
		peers:    make(map[string]*peerConn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Channel) Name() string { return Name }

func (c *Channel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", c.handleHealth)
	mux.HandleFunc("/v1/ws", c.handleWS)
	return mux
}

// Serve listens on the configured address until ctx ends.
func (c *Channel) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.addr, err)
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	c.logger.Info().Str("addr", ln.Addr().String()).Msg("websocket channel listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		c.closePeers()
		<-errCh
		return err
	case err := <-errCh:
		c.closePeers()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (c *Channel) Receive(ctx context.Context) (<-chan types.InboundMessage, error) {
	return c.inbox.Receive(ctx)
}

func (c *Channel) Send(_ context.Context, msg types.OutboundMessage) error {
	if msg.ConversationID.Channel() != Name {
		return &channel.Error{Channel: Name, Err: fmt.Errorf("conversation %q does not belong to this channel", msg.ConversationID)}
	}
	peerID := msg.ConversationID.Peer()

	c.mu.Lock()
	peer := c.peers[peerID]
	c.mu.Unlock()
	if peer == nil {
		return &channel.Error{Channel: Name, Err: fmt.Errorf("%w: %s", channel.ErrUnknownPeer, peerID)}
	}

	frame := outboundFrame{ConversationID: msg.ConversationID, Text: msg.Text, Error: msg.Failure}
	if err := peer.write(frame); err != nil {
		return &channel.Error{Channel: Name, Transient: true, Err: fmt.Errorf("write to %s: %w", peerID, err)}
	}
	return nil
}

func (c *Channel) Close() error {
	c.inbox.Close()
	c.closePeers()
	return nil
}

func (c *Channel) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peerID, err := parsePeerID(r.URL.Query().Get("peer"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", peerID).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	peer := &peerConn{conn: conn}
	c.attach(peerID, peer)
	defer c.detach(peerID, peer)

	conversationID := types.NewConversationID(Name, peerID)
	logger := c.logger.With().Str("conversation_id", conversationID.String()).Logger()
	logger.Debug().Msg("websocket peer connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = peer.write(outboundFrame{ConversationID: conversationID, Text: fmt.Sprintf("invalid frame: %v", err), Error: true})
			continue
		}
		if strings.TrimSpace(frame.Text) == "" {
			_ = peer.write(outboundFrame{ConversationID: conversationID, Text: "invalid frame: text is required", Error: true})
			continue
		}

		msg := types.InboundMessage{
			ID:             ids.NewPrefixed("msg"),
			Channel:        Name,
			ConversationID: conversationID,
			PeerID:         peerID,
			Text:           frame.Text,
			ReceivedAt:     time.Now().UTC(),
		}
		if err := c.inbox.Deliver(r.Context(), msg); err != nil {
			logger.Warn().Err(err).Msg("inbound message dropped")
			return
		}
	}
}

func (c *Channel) attach(peerID string, peer *peerConn) {
	c.mu.Lock()
	previous := c.peers[peerID]
	c.peers[peerID] = peer
	c.mu.Unlock()
	if previous != nil {
		_ = previous.conn.Close()
	}
}

func (c *Channel) detach(peerID string, peer *peerConn) {
	c.mu.Lock()
	if c.peers[peerID] == peer {
		delete(c.peers, peerID)
	}
	c.mu.Unlock()
	_ = peer.conn.Close()
}

func (c *Channel) closePeers() {
	c.mu.Lock()
	peers := make([]*peerConn, 0, len(c.peers))
	for id, peer := range c.peers {
		peers = append(peers, peer)
		delete(c.peers, id)
	}
	c.mu.Unlock()
	for _, peer := range peers {
		_ = peer.conn.Close()
	}
}

func parsePeerID(raw string) (string, error) {
	peerID := strings.TrimSpace(raw)
	switch {
	case peerID == "":
		return "", errors.New("peer query parameter is required")
	case len(peerID) > maxPeerIDLength:
		return "", fmt.Errorf("peer must be at most %d characters", maxPeerIDLength)
	case strings.ContainsAny(peerID, " \t\r\n\x00"):
		return "", errors.New("peer must not contain whitespace")
	}
	return peerID, nil
}

func isOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
