// =============================================================================
// ACCEPTOR
// =============================================================================
//
// The acceptor is the memory of the protocol. For each instance slot it
// remembers the highest ballot promised and the value accepted, and answers
// prepare/accept so that a lower ballot can never undo a higher one.
//
// States:
//
//   start ──join──▶ acceptor ──leave──▶ start
//
// prepare(i, b):
//   slot holds an older instance  -> reset it for i
//   slot holds a newer instance   -> drop, the proposer is stale
//   b > promised                  -> promise(i, b, accepted value)
//   otherwise                     -> reject(i, promised)
//
// accept(i, b, v):
//   b == promised for instance i  -> store v, accepted(i, b)
//   otherwise                     -> drop silently
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: The promised ballot of a slot never decreases between resets.
//
// A slot is only reset when a newer instance id claims it. With more than
// RingSize instances in flight two unrelated instances fight over one slot;
// the newer id wins and the older one is treated as stale.
//
// =============================================================================

package paxos

import (
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/statemachine"
	"github.com/senutpal/abcast/internal/storage"
)

type AcceptorState int

const (
	AcceptorStart AcceptorState = iota
	AcceptorActive
)

func (s AcceptorState) String() string {
	switch s {
	case AcceptorStart:
		return "start"
	case AcceptorActive:
		return "acceptor"
	}
	return "INVALID"
}

// NewAcceptor returns the acceptor role of ctx in its start state.
func NewAcceptor(ctx *Context) *statemachine.Machine[*Context, AcceptorState] {
	return statemachine.New("acceptor", ctx, AcceptorStart, handleAcceptor)
}

func handleAcceptor(ctx *Context, s AcceptorState, m *message.Message, outgoing message.Processor) AcceptorState {
	switch s {
	case AcceptorStart:
		if m.Tag() == Join {
			ctx.acceptorInstances.Clear()
			return AcceptorActive
		}

	case AcceptorActive:
		switch m.Tag() {
		case Prepare:
			acceptorPrepare(ctx, m, outgoing)
		case Accept:
			acceptorAccept(ctx, m, outgoing)
		case Leave:
			return AcceptorStart
		}
	}
	return s
}

func acceptorPrepare(ctx *Context, m *message.Message, outgoing message.Processor) {
	prepare := m.Payload().(PrepareState)
	id := int64(prepare.Instance)
	slot := ctx.acceptorInstances.Get(id)

	if slot.InstanceID < id {
		if slot.InstanceID != storage.NoInstance {
			log.Debugf("%s: slot of instance %d reused by %d", ctx.me, slot.InstanceID, id)
		}
		slot.Reset(id)
	} else if slot.InstanceID > id {
		log.Debugf("%s: ignoring prepare for stale instance %d, slot holds %d", ctx.me, id, slot.InstanceID)
		return
	}

	if int64(prepare.Ballot) > slot.Ballot {
		slot.Ballot = int64(prepare.Ballot)
		ctx.acceptorInstances.Put(slot)
		outgoing.Process(m.Reply(Promise, PromiseState{
			Instance:       prepare.Instance,
			Ballot:         prepare.Ballot,
			Value:          Value(slot.Value),
			AcceptedBallot: Ballot(slot.AcceptedBallot),
		}))
		return
	}

	// Explicit reject so the proposer need not wait for its timeout.
	outgoing.Process(m.Reply(Reject, RejectState{
		Instance: prepare.Instance,
		Ballot:   Ballot(slot.Ballot),
	}))
}

func acceptorAccept(ctx *Context, m *message.Message, outgoing message.Processor) {
	accept := m.Payload().(AcceptState)
	id := int64(accept.Instance)
	slot := ctx.acceptorInstances.Get(id)

	if slot.InstanceID != id || slot.Ballot != int64(accept.Ballot) {
		// TODO: answer with rejectAccept once all peers handle it; until then
		// the proposer relies on its phase 2 timeout.
		log.Debugf("%s: dropping %v, slot holds instance %d ballot %d", ctx.me, accept, slot.InstanceID, slot.Ballot)
		return
	}

	slot.Value = accept.Value
	slot.AcceptedBallot = int64(accept.Ballot)
	ctx.acceptorInstances.Put(slot)
	outgoing.Process(m.Reply(Accepted, AcceptedState{
		Instance: accept.Instance,
		Ballot:   accept.Ballot,
	}))
}
