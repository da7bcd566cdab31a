package types

import (
	"time"

	"crabstack.local/projects/crab-core/internal/ids"
)

type EventType string

const (
	EventTypeMessageReceived      EventType = "conversation.message.received"
	EventTypeStateChanged         EventType = "conversation.state.changed"
	EventTypeConversationErrored  EventType = "conversation.errored"
	EventTypeConversationEvicted  EventType = "conversation.evicted"
	EventTypeBackendDecided       EventType = "backend.decided"
	EventTypeBackendRetry         EventType = "backend.retry"
	EventTypeActionDispatched     EventType = "action.dispatched"
	EventTypeActionCompleted      EventType = "action.completed"
	EventTypeActionRejected       EventType = "action.rejected"
	EventTypeActionFailed         EventType = "action.failed"
	EventTypeTurnAppended         EventType = "memory.turn.appended"
	EventTypeTurnEvicted          EventType = "memory.turn.evicted"
	EventTypeResponseDelivered    EventType = "channel.response.delivered"
	EventTypeChannelRetry         EventType = "channel.retry"
	EventTypeChannelReceiveFailed EventType = "channel.receive.failed"
)

type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

func NewEvent(eventType EventType, conversationID ConversationID, attrs map[string]any) Event {
	return Event{
		ID:             ids.NewPrefixed("evt"),
		Type:           eventType,
		ConversationID: conversationID,
		OccurredAt:     time.Now().UTC(),
		Attrs:          attrs,
	}
}
