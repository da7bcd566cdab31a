package logsink

import (
	"context"

	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/types"
)

type Sink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

type Option func(*Sink)

// WithLevel sets the level for routine events. Failure events are always
// logged at warn.
func WithLevel(level zerolog.Level) Option {
	return func(s *Sink) { s.level = level }
}

func New(logger zerolog.Logger, opts ...Option) *Sink {
	s := &Sink{logger: logger, level: zerolog.InfoLevel}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Sink) Name() string {
	return "log"
}

func (s *Sink) Handle(_ context.Context, event types.Event) error {
	level := s.level
	switch event.Type {
	case types.EventTypeConversationErrored, types.EventTypeActionFailed, types.EventTypeChannelReceiveFailed:
		level = zerolog.WarnLevel
	}
	e := s.logger.WithLevel(level).
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Time("occurred_at", event.OccurredAt)
	if event.ConversationID != "" {
		e = e.Str("conversation_id", event.ConversationID.String())
	}
	if len(event.Attrs) > 0 {
		e = e.Fields(event.Attrs)
	}
	e.Msg("event")
	return nil
}
