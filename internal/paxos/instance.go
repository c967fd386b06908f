package paxos

import "fmt"

// InstanceState is the lifecycle of a PaxosInstance on the proposer side.
type InstanceState int

const (
	Empty InstanceState = iota
	P1Pending
	P1Ready
	P2Pending
	Closed
	Delivered
)

func (s InstanceState) String() string {
	switch s {
	case Empty:
		return "empty"
	case P1Pending:
		return "p1_pending"
	case P1Ready:
		return "p1_ready"
	case P2Pending:
		return "p2_pending"
	case Closed:
		return "closed"
	case Delivered:
		return "delivered"
	}
	return "INVALID"
}

// PaxosInstance is the proposer's record of one agreement instance.
type PaxosInstance struct {
	store *InstanceStore

	ID        InstanceID
	State     InstanceState
	Ballot    Ballot
	Acceptors []string

	// Keyed by sender so a duplicate reply counts once.
	Promises map[string]PromiseState
	Accepts  map[string]AcceptedState

	// Value1 is the highest-ballot value reported by promises so far.
	Value1       Value
	Phase1Ballot Ballot

	// Value2 is the value this instance is driving to agreement.
	Value2 Value

	// ClientValue is set when Value2 came from this peer's own client.
	ClientValue bool
}

func newPaxosInstance(store *InstanceStore, id InstanceID) *PaxosInstance {
	return &PaxosInstance{
		store:    store,
		ID:       id,
		Promises: make(map[string]PromiseState),
		Accepts:  make(map[string]AcceptedState),
	}
}

func (p *PaxosInstance) IsState(s InstanceState) bool {
	return p.State == s
}

// propose starts phase 1 for a fresh instance.
func (p *PaxosInstance) propose(id InstanceID, ballot Ballot, acceptors []string) {
	p.State = P1Pending
	p.ID = id
	p.Ballot = ballot
	p.Acceptors = append([]string(nil), acceptors...)
	p.clearPromises()
}

// phase1Timeout retries phase 1 under a new ballot.
func (p *PaxosInstance) phase1Timeout(ballot Ballot) {
	p.Ballot = ballot
	p.clearPromises()
}

// promise records one promise, remembering the value accepted under the
// highest ballot.
func (p *PaxosInstance) promise(from string, ps PromiseState) {
	p.Promises[from] = ps
	if ps.Value != nil && (p.Value1 == nil || ps.AcceptedBallot > p.Phase1Ballot) {
		p.Value1 = ps.Value
		p.Phase1Ballot = ps.AcceptedBallot
	}
}

func (p *PaxosInstance) ready(value Value, clientValue bool) {
	p.State = P1Ready
	p.clearPromises()
	p.Value2 = value
	p.ClientValue = clientValue
}

func (p *PaxosInstance) pending() {
	p.State = P2Pending
	p.Accepts = make(map[string]AcceptedState)
}

func (p *PaxosInstance) accepted(from string, as AcceptedState) {
	p.Accepts[from] = as
}

// acceptRejected returns the instance to empty so the slot can be reused.
func (p *PaxosInstance) acceptRejected() {
	p.State = Empty
	p.Acceptors = nil
	p.clearPromises()
	p.Accepts = make(map[string]AcceptedState)
	p.Value2 = nil
	p.ClientValue = false
}

// phase2Timeout falls back to phase 1 under a new ballot, keeping Value2.
func (p *PaxosInstance) phase2Timeout(ballot Ballot) {
	p.State = P1Pending
	p.Ballot = ballot
	p.clearPromises()
	p.Accepts = make(map[string]AcceptedState)
}

func (p *PaxosInstance) closed(value Value) {
	p.Value2 = value
	p.State = Closed
	p.Accepts = make(map[string]AcceptedState)
}

func (p *PaxosInstance) delivered() {
	p.State = Delivered
	p.store.delivered(p.ID)
}

func (p *PaxosInstance) clearPromises() {
	p.Promises = make(map[string]PromiseState)
	p.Value1 = nil
	p.Phase1Ballot = 0
}

func (p *PaxosInstance) String() string {
	return fmt.Sprintf("%d: %s b=%d", p.ID, p.State, p.Ballot)
}

// InstanceStore hands out PaxosInstance records, creating them on first use.
// Delivered records are kept for a while and then reclaimed oldest first.
type InstanceStore struct {
	instances    map[InstanceID]*PaxosInstance
	deliveredIDs []InstanceID
	retain       int
}

func NewInstanceStore(retain int) *InstanceStore {
	return &InstanceStore{
		instances: make(map[InstanceID]*PaxosInstance),
		retain:    retain,
	}
}

// Get returns the record for id, in state Empty if it was never used.
func (s *InstanceStore) Get(id InstanceID) *PaxosInstance {
	p, ok := s.instances[id]
	if !ok {
		p = newPaxosInstance(s, id)
		s.instances[id] = p
	}
	return p
}

// Lookup returns the record for id without creating one.
func (s *InstanceStore) Lookup(id InstanceID) (*PaxosInstance, bool) {
	p, ok := s.instances[id]
	return p, ok
}

func (s *InstanceStore) Len() int {
	return len(s.instances)
}

func (s *InstanceStore) delivered(id InstanceID) {
	s.deliveredIDs = append(s.deliveredIDs, id)
	for len(s.deliveredIDs) > s.retain {
		oldest := s.deliveredIDs[0]
		s.deliveredIDs = s.deliveredIDs[1:]
		if p, ok := s.instances[oldest]; ok && p.IsState(Delivered) {
			delete(s.instances, oldest)
		}
	}
}
