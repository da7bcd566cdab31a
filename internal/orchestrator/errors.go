package orchestrator

import (
	"errors"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/memory"
)

var (
	ErrPlanLoopExceeded      = errors.New("plan loop exceeded")
	ErrCancelled             = errors.New("conversation cancelled")
	ErrConversationQueueFull = errors.New("conversation queue full")
	ErrSchedulerClosed       = errors.New("scheduler closed")
	ErrUnknownChannel        = errors.New("unknown channel")
)

type Condition string

const (
	ConditionPlanLoopExceeded Condition = "plan_loop_exceeded"
	ConditionCancelled        Condition = "cancelled"
	ConditionBackend          Condition = "backend_failed"
	ConditionMemory           Condition = "memory_failed"
	ConditionChannel          Condition = "channel_failed"
	ConditionInternal         Condition = "internal"
)

func conditionOf(err error) Condition {
	var backendErr *backend.Error
	var channelErr *channel.Error
	switch {
	case errors.Is(err, ErrPlanLoopExceeded):
		return ConditionPlanLoopExceeded
	case errors.Is(err, ErrCancelled):
		return ConditionCancelled
	case errors.As(err, &backendErr):
		return ConditionBackend
	case errors.As(err, &channelErr):
		return ConditionChannel
	case errors.Is(err, memory.ErrStoreUnavailable), errors.Is(err, memory.ErrCorrupt):
		return ConditionMemory
	default:
		return ConditionInternal
	}
}
