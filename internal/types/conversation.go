package types

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	default:
		return false
	}
}

// ConversationID has the form "<channel>:<peer>".
type ConversationID string

func NewConversationID(channel, peer string) ConversationID {
	return ConversationID(strings.TrimSpace(channel) + ":" + strings.TrimSpace(peer))
}

func (c ConversationID) Channel() string {
	channel, _, _ := strings.Cut(string(c), ":")
	return channel
}

func (c ConversationID) Peer() string {
	_, peer, _ := strings.Cut(string(c), ":")
	return peer
}

func (c ConversationID) String() string {
	return string(c)
}

func (c ConversationID) Valid() bool {
	channel, peer, ok := strings.Cut(string(c), ":")
	return ok && strings.TrimSpace(channel) != "" && strings.TrimSpace(peer) != ""
}

type Action struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

type Turn struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Sequence       int64          `json:"sequence"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Actions        []Action       `json:"actions,omitempty"`
	CallID         string         `json:"call_id,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	IsError        bool           `json:"is_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Newer reports whether t was recorded after other.
func (t Turn) Newer(other Turn) bool {
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.After(other.CreatedAt)
	}
	if t.Sequence != other.Sequence {
		return t.Sequence > other.Sequence
	}
	return t.ID > other.ID
}

func CloneTurn(t Turn) Turn {
	out := t
	if len(t.Actions) > 0 {
		out.Actions = make([]Action, len(t.Actions))
		for i, action := range t.Actions {
			out.Actions[i] = CloneAction(action)
		}
	}
	return out
}

func CloneAction(a Action) Action {
	out := a
	if a.Args != nil {
		out.Args = make(map[string]any, len(a.Args))
		for k, v := range a.Args {
			out.Args[k] = v
		}
	}
	return out
}

type InboundMessage struct {
	ID             string            `json:"id"`
	Channel        string            `json:"channel"`
	ConversationID ConversationID    `json:"conversation_id"`
	PeerID         string            `json:"peer_id"`
	Text           string            `json:"text"`
	ReceivedAt     time.Time         `json:"received_at"`
	Meta           map[string]string `json:"meta,omitempty"`
}

type OutboundMessage struct {
	ConversationID ConversationID `json:"conversation_id"`
	Text           string         `json:"text"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	Failure        bool           `json:"failure,omitempty"`
}
