// =============================================================================
// INSTANCES, BALLOTS AND VALUES
// =============================================================================
//
// InstanceID names one agreement slot in the total order. Instances run
// independently but are delivered to listeners in increasing id order.
//
// Ballot orders competing attempts on one instance. Higher always wins.
// A proposer starts at BallotBase + ServerID, so two proposers never open
// with the same ballot, and escalates in steps of BallotStep. As long as
// ServerID < BallotStep, escalated ballots stay distinct too:
//
//   server 1: 101, 201, 301, ...
//   server 2: 102, 202, 302, ...
//
// Value is the opaque payload being agreed on.
//
// =============================================================================

package paxos

import (
	"bytes"
	"strconv"
)

type InstanceID int64

func (id InstanceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type Ballot int64

type Value []byte

func (v Value) Equal(other Value) bool {
	return bytes.Equal(v, other)
}

func (v Value) String() string {
	return string(v)
}

// MinimumQuorumSize is the majority of the given acceptor set.
func MinimumQuorumSize(acceptors []string) int {
	return len(acceptors)/2 + 1
}
