package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"crabstack.local/projects/crab-core/internal/types"
)

type State string

const (
	StateIdle             State = "idle"
	StateAwaitingPlan     State = "awaiting_plan"
	StateExecutingActions State = "executing_actions"
	StateFinalizing       State = "finalizing"
	StateErrored          State = "errored"
)

// Errored is reachable from every state and only leaves to Idle, after
// the failure message went out.
var transitions = map[State][]State{
	StateIdle:             {StateAwaitingPlan},
	StateAwaitingPlan:     {StateExecutingActions, StateFinalizing},
	StateExecutingActions: {StateAwaitingPlan},
	StateFinalizing:       {StateIdle},
	StateErrored:          {StateIdle},
}

func (s State) CanTransition(to State) bool {
	if to == StateErrored {
		return s != StateErrored
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// conversation is the live state of one conversation. mu is held for the
// whole of a turn, so transitions of one conversation never interleave.
type conversation struct {
	id types.ConversationID
	mu sync.Mutex

	stateMu    sync.Mutex
	state      State
	lastActive time.Time
}

func newConversation(id types.ConversationID, now time.Time) *conversation {
	return &conversation{id: id, state: StateIdle, lastActive: now}
}

func (c *conversation) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *conversation) transition(to State, now time.Time) (State, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	from := c.state
	if !from.CanTransition(to) {
		return from, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	c.state = to
	c.lastActive = now
	return from, nil
}
