// =============================================================================
// STATE MACHINES
// =============================================================================
//
// Each protocol role is a closed set of named states. A role is nothing more
// than a transition function:
//
//   (context, state, message, outgoing) -> next state
//
// The function is a switch over the current state; each case switches over
// the message tag. Returning the same state is a self-loop, which is how a
// role "waits" for a quorum or a timeout.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: At most one Handle call per context at a time.
//
// Machine has no lock. Whoever owns the context (the node's dispatch loop)
// serializes delivery, which is what lets the roles mutate shared per
// instance records without locking.
//
// =============================================================================

package statemachine

import (
	"github.com/op/go-logging"

	"github.com/senutpal/abcast/internal/message"
)

var log = logging.MustGetLogger("statemachine")

// TransitionFunc computes the next state of a role.
type TransitionFunc[C any, S comparable] func(ctx C, state S, m *message.Message, outgoing message.Processor) S

// Transition describes one handled message.
type Transition[S comparable] struct {
	Old     S
	New     S
	Message *message.Message
}

// TransitionListener observes every handled message, including self-loops.
type TransitionListener[S comparable] interface {
	StateTransition(t Transition[S])
}

type Machine[C any, S comparable] struct {
	name       string
	ctx        C
	state      S
	transition TransitionFunc[C, S]
	listeners  []TransitionListener[S]
}

func New[C any, S comparable](name string, ctx C, initial S, transition TransitionFunc[C, S]) *Machine[C, S] {
	return &Machine[C, S]{
		name:       name,
		ctx:        ctx,
		state:      initial,
		transition: transition,
	}
}

func (m *Machine[C, S]) Name() string {
	return m.name
}

func (m *Machine[C, S]) State() S {
	return m.state
}

func (m *Machine[C, S]) AddTransitionListener(l TransitionListener[S]) {
	m.listeners = append(m.listeners, l)
}

// Handle feeds one message to the role and records the next state.
func (m *Machine[C, S]) Handle(msg *message.Message, outgoing message.Processor) {
	old := m.state
	m.state = m.transition(m.ctx, old, msg, outgoing)
	if len(m.listeners) == 0 {
		return
	}
	t := Transition[S]{Old: old, New: m.state, Message: msg}
	for _, l := range m.listeners {
		l.StateTransition(t)
	}
}

// TransitionLogger logs state transitions of one participant.
type TransitionLogger[S comparable] struct {
	Participant string
	Logger      *logging.Logger
}

func NewTransitionLogger[S comparable](participant string) *TransitionLogger[S] {
	return &TransitionLogger[S]{Participant: participant, Logger: log}
}

func (l *TransitionLogger[S]) StateTransition(t Transition[S]) {
	if t.Old == t.New {
		l.Logger.Debugf("%s: %v-[%s]->%v", l.Participant, t.Old, t.Message.Tag(), t.New)
		return
	}
	l.Logger.Infof("%s: %v-[%s]->%v", l.Participant, t.Old, t.Message.Tag(), t.New)
}
