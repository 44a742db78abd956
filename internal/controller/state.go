package controller

import (
	"time"

	"github.com/opentalon/toolgate/internal/contract"
)

type State string

const (
	StateMock             State = "MOCK"
	StateDryRun           State = "DRY_RUN"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateLive             State = "LIVE"
	StateRollback         State = "ROLLBACK"
	StateAborted          State = "ABORTED"
	StateLocked           State = "LOCKED"
)

// transitions lists the single-hop moves the controller may make. ABORTED is
// a per-invocation outcome and never a controller state.
var transitions = map[State][]State{
	StateMock:             {StateDryRun, StateRollback, StateLocked},
	StateDryRun:           {StateMock, StateAwaitingApproval, StateRollback, StateLocked},
	StateAwaitingApproval: {StateLive, StateDryRun, StateLocked},
	StateLive:             {StateDryRun, StateRollback, StateLocked},
	StateRollback:         {StateMock, StateDryRun, StateLocked},
	StateLocked:           {StateMock},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// path returns the hops from -> to, excluding from, never routing through
// LOCKED. Nil means unreachable or already there.
func path(from, to State) []State {
	if from == to {
		return nil
	}
	prev := map[State]State{from: from}
	queue := []State{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			if next == StateLocked && to != StateLocked {
				continue
			}
			prev[next] = cur
			if next == to {
				var hops []State
				for s := to; s != from; s = prev[s] {
					hops = append([]State{s}, hops...)
				}
				return hops
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func stateFor(m contract.Mode) State {
	switch m {
	case contract.ModeDryRun:
		return StateDryRun
	case contract.ModeLive:
		return StateLive
	}
	return StateMock
}

type Transition struct {
	ID        string    `json:"id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RollbackEntry is pushed for every non-MOCK action.
type RollbackEntry struct {
	Tool string         `json:"tool"`
	Data map[string]any `json:"data,omitempty"`
	Mode contract.Mode  `json:"mode"`
}
