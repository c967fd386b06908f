// =============================================================================
// ACCEPTOR STORAGE - Per-Slot Acceptor State
// =============================================================================
//
// An acceptor keeps, for every agreement instance it hosts:
//
// 1. Ballot          - the highest ballot it promised
// 2. AcceptedBallot  - the ballot under which Value was accepted
// 3. Value           - the value it accepted, if any
//
// Records live in a fixed ring of slots. Instance i uses slot i mod N, so a
// slot is reused by a later instance once the ring wraps around.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Get(i) returns the record of whichever instance currently owns
//            slot i mod N, which need not be instance i.
//
// Callers compare the returned InstanceID against the one they asked for:
// an older id means the slot may be reset for the newer instance, a newer id
// means the request is stale.
//
// State is kept in memory only. A restarted acceptor forgets its promises,
// which is acceptable only because restart recovery is not supported.
//
// =============================================================================

package storage

// NoInstance marks a slot that has never been used.
const NoInstance int64 = -1

type AcceptorInstance struct {
	InstanceID     int64
	Ballot         int64
	AcceptedBallot int64
	Value          []byte
}

// Reset clears the record and assigns it to instanceID.
func (a *AcceptorInstance) Reset(instanceID int64) {
	a.InstanceID = instanceID
	a.Ballot = 0
	a.AcceptedBallot = 0
	a.Value = nil
}

type AcceptorStore interface {
	// Get returns a copy of the record in the slot instanceID maps to.
	Get(instanceID int64) AcceptorInstance

	// Put stores a copy of the record in the slot its InstanceID maps to.
	Put(instance AcceptorInstance)

	// Clear resets every slot to NoInstance.
	Clear()

	// Size is the number of slots.
	Size() int
}
