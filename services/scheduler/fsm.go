package scheduler

import (
	"github.com/looplab/fsm"
)

// Node states, reported by Scheduler.State.
const (
	StateIdle      = "idle"
	StateSyncing   = "syncing"
	StateDigesting = "digesting"
	StateReorging  = "reorging"
	StateMining    = "mining"
)

var states = []string{StateIdle, StateSyncing, StateDigesting, StateReorging, StateMining}

// newStateMachine creates the node state machine. Every state has an event
// of the same name leading to it from any other state.
func newStateMachine(opts ...func(*fsm.FSM)) *fsm.FSM {
	events := make(fsm.Events, 0, len(states))

	for _, dst := range states {
		src := make([]string, 0, len(states)-1)

		for _, s := range states {
			if s != dst {
				src = append(src, s)
			}
		}

		events = append(events, fsm.EventDesc{Name: dst, Src: src, Dst: dst})
	}

	finiteStateMachine := fsm.NewFSM(StateIdle, events, fsm.Callbacks{})

	for _, opt := range opts {
		opt(finiteStateMachine)
	}

	return finiteStateMachine
}
