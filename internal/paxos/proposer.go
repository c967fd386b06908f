// =============================================================================
// PROPOSER (COORDINATOR)
// =============================================================================
//
// The proposer takes client values and drives each one through both phases
// on its own instance. Several instances are open at once (pipelining), up
// to MaxBookedInstances; further values wait in pendingValues.
//
// States:
//
//   start ──join──▶ coordinator ──leave──▶ start
//   start ──propose──▶ coordinator
//
// Per instance:
//
//   empty ──propose──▶ p1_pending ──promise quorum──▶ p1_ready ──▶ p2_pending
//                        ▲    │                                      │
//                        │    └─ reject / phase1Timeout: ballot += step
//                        └───────── phase2Timeout: ballot += step ───┘
//
//   p2_pending ──accepted quorum──▶ closed ──▶ delivered
//
// Retries stop once the ballot passes BallotCeiling; the client value is
// then handed back as a failed message.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: If any promise in the quorum carried an accepted value, phase 2
//            must use the one accepted under the highest ballot.
//
// That value may already be chosen. Replacing it with our own client value
// could get two different values chosen for one instance. Our own value is
// pushed back to the front of pendingValues and retried on a fresh instance.
//
// =============================================================================

package paxos

import (
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/statemachine"
)

type ProposerState int

const (
	ProposerStart ProposerState = iota
	ProposerCoordinator
	ProposerIdle
)

func (s ProposerState) String() string {
	switch s {
	case ProposerStart:
		return "start"
	case ProposerCoordinator:
		return "coordinator"
	case ProposerIdle:
		return "proposer"
	}
	return "INVALID"
}

// NewProposer returns the proposer role of ctx in its start state.
func NewProposer(ctx *Context) *statemachine.Machine[*Context, ProposerState] {
	return statemachine.New("proposer", ctx, ProposerStart, handleProposer)
}

func handleProposer(ctx *Context, s ProposerState, m *message.Message, outgoing message.Processor) ProposerState {
	switch s {
	case ProposerStart:
		switch m.Tag() {
		case Join:
			return ProposerCoordinator
		case Propose:
			propose(ctx, m, outgoing, m.Payload().(Value), ctx.acceptors)
			return ProposerCoordinator
		}

	case ProposerCoordinator:
		switch m.Tag() {
		case Propose:
			propose(ctx, m, outgoing, m.Payload().(Value), ctx.acceptors)
		case Reject:
			proposerReject(ctx, m, outgoing)
		case Phase1Timeout:
			proposerPhase1Timeout(ctx, m, outgoing)
		case Promise:
			proposerPromise(ctx, m, outgoing)
		case RejectAccept:
			proposerRejectAccept(ctx, m, outgoing)
		case Phase2Timeout:
			proposerPhase2Timeout(ctx, m, outgoing)
		case Accepted:
			proposerAccepted(ctx, m, outgoing)
		case Leave:
			return ProposerStart
		}

	case ProposerIdle:
		// Placeholder for a non-coordinating proposer.
	}
	return s
}

// propose books value on a new instance and starts phase 1, or queues it
// when the pipeline is full or the instance is still in use.
func propose(ctx *Context, cause *message.Message, outgoing message.Processor, value Value, acceptors []string) {
	if value == nil {
		value = Value{}
	}
	pc := &ctx.proposer
	if len(pc.bookedInstances) >= ctx.cfg.MaxBookedInstances {
		log.Debugf("%s: %d instances booked, queueing %q", ctx.me, len(pc.bookedInstances), value)
		pc.pushBack(value)
		return
	}

	id := pc.newInstanceID(ctx.learner.lastDelivered)
	instance := ctx.instances.Get(id)
	if !instance.IsState(Empty) {
		log.Debugf("%s: instance %s busy, queueing %q", ctx.me, instance, value)
		pc.pushFront(value)
		return
	}

	pc.bookedInstances[id] = value
	instance.propose(id, ctx.initialBallot(), acceptors)
	sendPrepare(instance, outgoing)
	ctx.timeouts.SetTimeout(id, instanceTimeout(Phase1Timeout, cause, id))
}

func proposerReject(ctx *Context, m *message.Message, outgoing message.Processor) {
	reject := m.Payload().(RejectState)
	instance, ok := ctx.instances.Lookup(reject.Instance)
	if !ok || !instance.IsState(P1Pending) || reject.Ballot <= instance.Ballot {
		return
	}
	if int64(instance.Ballot) > ctx.cfg.BallotCeiling {
		giveUp(ctx, m, outgoing, instance)
		return
	}

	ballot := instance.Ballot
	for ballot <= reject.Ballot {
		ballot += Ballot(ctx.cfg.BallotStep)
	}
	log.Debugf("%s: prepare for %d rejected at %d, retrying with %d", ctx.me, instance.ID, reject.Ballot, ballot)
	instance.phase1Timeout(ballot)
	sendPrepare(instance, outgoing)
	ctx.timeouts.SetTimeout(instance.ID, instanceTimeout(Phase1Timeout, m, instance.ID))
}

func proposerPhase1Timeout(ctx *Context, m *message.Message, outgoing message.Processor) {
	id := m.Payload().(InstanceTimeout).Instance
	instance, ok := ctx.instances.Lookup(id)
	if !ok || !instance.IsState(P1Pending) {
		return
	}

	if int64(instance.Ballot) > ctx.cfg.BallotCeiling {
		giveUp(ctx, m, outgoing, instance)
		return
	}

	ballot := instance.Ballot + Ballot(ctx.cfg.BallotStep)
	log.Infof("%s: phase 1 of instance %d timed out, retrying with ballot %d", ctx.me, id, ballot)
	instance.phase1Timeout(ballot)
	sendPrepare(instance, outgoing)
	ctx.timeouts.SetTimeout(id, instanceTimeout(Phase1Timeout, m, id))
}

// giveUp abandons an instance whose ballot passed the ceiling and reports
// the client value booked on it. The id is handed out again by the next
// propose; phase 1 there picks up anything already accepted on it.
func giveUp(ctx *Context, cause *message.Message, outgoing message.Processor, instance *PaxosInstance) {
	pc := &ctx.proposer
	value, booked := pc.bookedInstances[instance.ID]
	delete(pc.bookedInstances, instance.ID)
	ctx.timeouts.CancelTimeout(instance.ID)
	log.Warningf("%s: giving up on instance %d at ballot %d", ctx.me, instance.ID, instance.Ballot)
	instance.acceptRejected()
	pc.abandon(instance.ID)

	if booked {
		outgoing.Process(message.Internal(Failed, value))
	}
	proposePending(ctx, cause, outgoing)
}

func proposerPromise(ctx *Context, m *message.Message, outgoing message.Processor) {
	promise := m.Payload().(PromiseState)
	instance, ok := ctx.instances.Lookup(promise.Instance)
	if !ok || !instance.IsState(P1Pending) || instance.Ballot != promise.Ballot {
		log.Debugf("%s: discarding stale %v", ctx.me, promise)
		return
	}

	instance.promise(sender(m), promise)
	if len(instance.Promises) < MinimumQuorumSize(instance.Acceptors) {
		return
	}
	ctx.timeouts.CancelTimeout(instance.ID)

	pc := &ctx.proposer
	own, clientValue := instance.Value2, instance.ClientValue
	if own == nil {
		own, clientValue = pc.bookedInstances[instance.ID], true
	}

	switch {
	case instance.Value1 == nil, instance.Value1.Equal(own):
		instance.ready(own, clientValue)
	default:
		// Another value may already be chosen here. Drive it, and retry
		// ours on a fresh instance.
		if v, booked := pc.bookedInstances[instance.ID]; booked && clientValue {
			delete(pc.bookedInstances, instance.ID)
			pc.pushFront(v)
		}
		log.Debugf("%s: instance %d adopts %q accepted at ballot %d", ctx.me, instance.ID, instance.Value1, instance.Phase1Ballot)
		instance.ready(instance.Value1, false)
	}

	if instance.Value2 == nil {
		log.Warningf("%s: instance %d has no value to propose", ctx.me, instance.ID)
		delete(pc.bookedInstances, instance.ID)
		instance.acceptRejected()
		return
	}

	instance.pending()
	for _, acceptor := range instance.Acceptors {
		outgoing.Process(message.To(Accept, acceptor, AcceptState{
			Instance: instance.ID,
			Ballot:   instance.Ballot,
			Value:    instance.Value2,
		}).SetHeader(message.Instance, instance.ID.String()))
	}
	ctx.timeouts.SetTimeout(instance.ID, instanceTimeout(Phase2Timeout, m, instance.ID))
}

func proposerRejectAccept(ctx *Context, m *message.Message, outgoing message.Processor) {
	id := m.Payload().(RejectAcceptState).Instance
	instance, ok := ctx.instances.Lookup(id)
	if !ok || !instance.IsState(P2Pending) {
		return
	}
	ctx.timeouts.CancelTimeout(id)

	value, clientValue, acceptors := instance.Value2, instance.ClientValue, instance.Acceptors
	delete(ctx.proposer.bookedInstances, id)
	instance.acceptRejected()

	if clientValue {
		log.Debugf("%s: instance %d taken by another proposer, re-proposing %q", ctx.me, id, value)
		propose(ctx, m, outgoing, value, acceptors)
	}
}

func proposerPhase2Timeout(ctx *Context, m *message.Message, outgoing message.Processor) {
	id := m.Payload().(InstanceTimeout).Instance
	instance, ok := ctx.instances.Lookup(id)
	if !ok || !instance.IsState(P2Pending) {
		return
	}

	if int64(instance.Ballot) > ctx.cfg.BallotCeiling {
		giveUp(ctx, m, outgoing, instance)
		return
	}

	ballot := instance.Ballot + Ballot(ctx.cfg.BallotStep)
	log.Infof("%s: phase 2 of instance %d timed out, restarting phase 1 with ballot %d", ctx.me, id, ballot)
	instance.phase2Timeout(ballot)
	sendPrepare(instance, outgoing)
	ctx.timeouts.SetTimeout(id, instanceTimeout(Phase1Timeout, m, id))
}

func proposerAccepted(ctx *Context, m *message.Message, outgoing message.Processor) {
	accepted := m.Payload().(AcceptedState)
	instance, ok := ctx.instances.Lookup(accepted.Instance)
	if !ok || !instance.IsState(P2Pending) || instance.Ballot != accepted.Ballot {
		return
	}

	instance.accepted(sender(m), accepted)
	if len(instance.Accepts) < MinimumQuorumSize(instance.Acceptors) {
		return
	}
	ctx.timeouts.CancelTimeout(instance.ID)

	value := instance.Value2
	instance.closed(value)
	learn := LearnState{Instance: instance.ID, Value: value}
	for _, learner := range ctx.learners {
		if learner == ctx.me {
			continue
		}
		outgoing.Process(message.To(Learn, learner, learn))
	}
	// The local learner hears it without a network round trip.
	outgoing.Process(message.Internal(Learn, learn))

	delete(ctx.proposer.bookedInstances, instance.ID)
	instance.delivered()
	proposePending(ctx, m, outgoing)
}

// proposePending starts the next queued value if the pipeline has room.
func proposePending(ctx *Context, cause *message.Message, outgoing message.Processor) {
	pc := &ctx.proposer
	if len(pc.bookedInstances) >= ctx.cfg.MaxBookedInstances {
		return
	}
	if value, ok := pc.popFront(); ok {
		log.Debugf("%s: restarting %q, booked: %d", ctx.me, value, len(pc.bookedInstances))
		propose(ctx, cause, outgoing, value, ctx.acceptors)
	}
}

func sendPrepare(instance *PaxosInstance, outgoing message.Processor) {
	for _, acceptor := range instance.Acceptors {
		outgoing.Process(message.To(Prepare, acceptor, PrepareState{
			Instance: instance.ID,
			Ballot:   instance.Ballot,
		}).SetHeader(message.Instance, instance.ID.String()))
	}
}

func instanceTimeout(tag message.Type, cause *message.Message, id InstanceID) *message.Message {
	return message.Timeout(tag, cause, InstanceTimeout{Instance: id}).
		SetHeader(message.Instance, id.String())
}
