package pipeline

import (
	"fmt"
	"time"
)

// State is a pipeline run state.
type State string

const (
	StateIdle       State = "IDLE"
	StateExtracting State = "EXTRACTING"
	StateImporting  State = "IMPORTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateIdle:       {StateExtracting, StateFailed, StateCancelled},
	StateExtracting: {StateImporting, StateCompleted, StateFailed, StateCancelled},
	StateImporting:  {StateExtracting, StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s->%s", t.From, t.To)
}
