// =============================================================================
// LEARNER
// =============================================================================
//
// The learner turns learn messages into an ordered stream for the
// application. Learns may arrive out of order or more than once; values are
// buffered until every lower instance has been delivered.
//
// States:
//
//   start ──join──▶ learner ──leave──▶ start
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Listeners see each instance id exactly once, in increasing
//            order with no gaps.
//
// A missing instance holds back everything after it. The proposer numbers
// new instances from the last delivered id.
//
// =============================================================================

package paxos

import (
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/statemachine"
)

type LearnerState int

const (
	LearnerStart LearnerState = iota
	LearnerActive
)

func (s LearnerState) String() string {
	switch s {
	case LearnerStart:
		return "start"
	case LearnerActive:
		return "learner"
	}
	return "INVALID"
}

// NewLearner returns the learner role of ctx in its start state.
func NewLearner(ctx *Context) *statemachine.Machine[*Context, LearnerState] {
	return statemachine.New("learner", ctx, LearnerStart, handleLearner)
}

func handleLearner(ctx *Context, s LearnerState, m *message.Message, outgoing message.Processor) LearnerState {
	switch s {
	case LearnerStart:
		if m.Tag() == Join {
			return LearnerActive
		}

	case LearnerActive:
		switch m.Tag() {
		case Learn:
			learnerLearn(ctx, m.Payload().(LearnState))
		case Leave:
			return LearnerStart
		}
	}
	return s
}

func learnerLearn(ctx *Context, learn LearnState) {
	lc := &ctx.learner
	if learn.Instance <= lc.lastDelivered {
		return
	}
	if _, ok := lc.learned[learn.Instance]; ok {
		return
	}
	lc.learned[learn.Instance] = learn.Value

	for {
		next := lc.lastDelivered + 1
		v, ok := lc.learned[next]
		if !ok {
			break
		}
		delete(lc.learned, next)
		lc.lastDelivered = next
		log.Debugf("%s: delivering instance %d: %q", ctx.me, next, v)
		ctx.receive(next, v)
	}
	if len(lc.learned) > 0 {
		log.Debugf("%s: %d learned values waiting for instance %d", ctx.me, len(lc.learned), lc.lastDelivered+1)
	}
}
