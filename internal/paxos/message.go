// =============================================================================
// PAXOS MESSAGE TYPES
// =============================================================================
//
// PHASE 1: PREPARE PHASE
// ───────────────────────
//
// ┌──────────────┐  prepare(i, b)     ┌──────────────┐
// │   PROPOSER   │ ──────────────────▶│   ACCEPTOR   │
// │              │◀────────────────── │              │
// └──────────────┘  promise(i, b, v)  └──────────────┘
//                   or reject(i, b')
//
// PHASE 2: ACCEPT PHASE
// ──────────────────────
//
// ┌──────────────┐  accept(i, b, v)   ┌──────────────┐
// │   PROPOSER   │ ──────────────────▶│   ACCEPTOR   │
// │              │◀────────────────── │              │
// └──────────────┘  accepted(i, b)    └──────────────┘
//
// LEARNING
// ─────────
//
// The proposer that gathered a quorum of accepteds sends learn(i, v) to
// every learner, itself included.
//
// Every payload carries its InstanceID, so a reply is correlated with the
// instance it answers without looking at headers.
//
// =============================================================================

package paxos

import (
	"fmt"

	"github.com/senutpal/abcast/internal/message"
)

// Tags shared by all roles.
const (
	Join  message.Type = "join"
	Leave message.Type = "leave"
)

// Acceptor tags.
const (
	Prepare message.Type = "prepare"
	Accept  message.Type = "accept"
)

// Proposer tags.
const (
	Propose       message.Type = "propose"
	Promise       message.Type = "promise"
	Reject        message.Type = "reject"
	RejectAccept  message.Type = "rejectAccept"
	Accepted      message.Type = "accepted"
	Phase1Timeout message.Type = "phase1Timeout"
	Phase2Timeout message.Type = "phase2Timeout"
)

// Learner tags.
const (
	Learn message.Type = "learn"
)

// Application tags.
const (
	Failed message.Type = "failed"
)

type PrepareState struct {
	Instance InstanceID
	Ballot   Ballot
}

func (p PrepareState) String() string {
	return fmt.Sprintf("prepare(%d, %d)", p.Instance, p.Ballot)
}

// PromiseState answers a prepare. Value is nil when the acceptor has not
// accepted anything for the instance; otherwise AcceptedBallot is the ballot
// it was accepted under.
type PromiseState struct {
	Instance       InstanceID
	Ballot         Ballot
	Value          Value
	AcceptedBallot Ballot
}

func (p PromiseState) String() string {
	if p.Value == nil {
		return fmt.Sprintf("promise(%d, %d)", p.Instance, p.Ballot)
	}
	return fmt.Sprintf("promise(%d, %d, %q@%d)", p.Instance, p.Ballot, p.Value, p.AcceptedBallot)
}

// RejectState denies a prepare. Ballot is what the acceptor has promised.
type RejectState struct {
	Instance InstanceID
	Ballot   Ballot
}

func (r RejectState) String() string {
	return fmt.Sprintf("reject(%d, %d)", r.Instance, r.Ballot)
}

type AcceptState struct {
	Instance InstanceID
	Ballot   Ballot
	Value    Value
}

func (a AcceptState) String() string {
	return fmt.Sprintf("accept(%d, %d, %q)", a.Instance, a.Ballot, a.Value)
}

type AcceptedState struct {
	Instance InstanceID
	Ballot   Ballot
}

func (a AcceptedState) String() string {
	return fmt.Sprintf("accepted(%d, %d)", a.Instance, a.Ballot)
}

type RejectAcceptState struct {
	Instance InstanceID
}

type LearnState struct {
	Instance InstanceID
	Value    Value
}

func (l LearnState) String() string {
	return fmt.Sprintf("learn(%d, %q)", l.Instance, l.Value)
}

// InstanceTimeout is the payload of phase1Timeout and phase2Timeout.
type InstanceTimeout struct {
	Instance InstanceID
}
