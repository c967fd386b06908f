package paxos

import (
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/statemachine"
)

// Engine bundles the three roles of one peer and routes each message to the
// role that understands its tag. Like the roles, it must be driven from a
// single goroutine.
type Engine struct {
	ctx      *Context
	Acceptor *statemachine.Machine[*Context, AcceptorState]
	Proposer *statemachine.Machine[*Context, ProposerState]
	Learner  *statemachine.Machine[*Context, LearnerState]
}

func NewEngine(ctx *Context) *Engine {
	return &Engine{
		ctx:      ctx,
		Acceptor: NewAcceptor(ctx),
		Proposer: NewProposer(ctx),
		Learner:  NewLearner(ctx),
	}
}

func (e *Engine) Context() *Context {
	return e.ctx
}

// LogTransitions logs every state transition of the three roles.
func (e *Engine) LogTransitions(participant string) {
	e.Acceptor.AddTransitionListener(statemachine.NewTransitionLogger[AcceptorState](participant + "/acceptor"))
	e.Proposer.AddTransitionListener(statemachine.NewTransitionLogger[ProposerState](participant + "/proposer"))
	e.Learner.AddTransitionListener(statemachine.NewTransitionLogger[LearnerState](participant + "/learner"))
}

func (e *Engine) Handle(m *message.Message, outgoing message.Processor) {
	switch m.Tag() {
	case Join, Leave:
		e.Acceptor.Handle(m, outgoing)
		e.Proposer.Handle(m, outgoing)
		e.Learner.Handle(m, outgoing)
	case Prepare, Accept:
		e.Acceptor.Handle(m, outgoing)
	case Propose, Promise, Reject, RejectAccept, Accepted, Phase1Timeout, Phase2Timeout:
		e.Proposer.Handle(m, outgoing)
	case Learn:
		e.Learner.Handle(m, outgoing)
	case Failed:
		e.ctx.failed(m.Payload().(Value))
	default:
		log.Debugf("%s: ignoring %s", e.ctx.me, m.Tag())
	}
}
