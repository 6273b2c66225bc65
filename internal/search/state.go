package search

import (
	"fmt"
	"time"
)

// State is a stage of the query lifecycle.
type State string

const (
	StateReceived     State = "RECEIVED"
	StatePreprocessed State = "PREPROCESSED"
	StateSearched     State = "SEARCHED"
	StateFused        State = "FUSED"
	StateEnriched     State = "ENRICHED"
	StateResponded    State = "RESPONDED"
	StateFailed       State = "FAILED"
	StateDegraded     State = "DEGRADED"
)

var nextStates = map[State][]State{
	StateReceived:     {StatePreprocessed},
	StatePreprocessed: {StateSearched},
	StateSearched:     {StateFused},
	StateFused:        {StateEnriched, StateDegraded},
	StateEnriched:     {StateResponded, StateDegraded},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateFailed || s == StateDegraded
}

// Transition records entering a state.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// lifecycle tracks the states a query passed through. FAILED is reachable
// from any non-terminal state.
type lifecycle struct {
	history []Transition
	now     func() time.Time
}

func newLifecycle(now func() time.Time) *lifecycle {
	l := &lifecycle{now: now}
	l.history = append(l.history, Transition{State: StateReceived, At: now()})
	return l
}

func (l *lifecycle) current() State {
	return l.history[len(l.history)-1].State
}

func (l *lifecycle) advance(to State) error {
	from := l.current()
	if from.Terminal() {
		return fmt.Errorf("query already finished in state %s", from)
	}
	if to != StateFailed {
		ok := false
		for _, s := range nextStates[from] {
			if s == to {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid transition %s -> %s", from, to)
		}
	}
	l.history = append(l.history, Transition{State: to, At: l.now()})
	return nil
}

func (l *lifecycle) transitions() []Transition {
	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}
