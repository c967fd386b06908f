package paxos

import (
	"fmt"
	"testing"

	"github.com/senutpal/abcast/internal/message"
)

// byTag splits emitted messages by tag.
func byTag(out []*message.Message) map[message.Type][]*message.Message {
	tags := make(map[message.Type][]*message.Message)
	for _, m := range out {
		tags[m.Tag()] = append(tags[m.Tag()], m)
	}
	return tags
}

func newTestProposer(t *testing.T) *testPeer {
	t.Helper()
	p := newTestPeer("node-1", 1, members(3))
	if got := p.engine.Proposer.State(); got != ProposerCoordinator {
		t.Fatalf("proposer state after join = %v, want %v", got, ProposerCoordinator)
	}
	return p
}

func proposeValue(p *testPeer, v string) []*message.Message {
	return p.handle(message.Internal(Propose, Value(v)))
}

func promiseFrom(acceptor string, id InstanceID, b Ballot) *message.Message {
	return from(acceptor, "node-1", Promise, PromiseState{Instance: id, Ballot: b})
}

func acceptedFrom(acceptor string, id InstanceID, b Ballot) *message.Message {
	return from(acceptor, "node-1", Accepted, AcceptedState{Instance: id, Ballot: b})
}

// decide runs instance id through both phases with replies from node-2 and
// node-3 and returns the messages of the final accepted.
func decide(t *testing.T, p *testPeer, id InstanceID) []*message.Message {
	t.Helper()
	instance, ok := p.ctx.Instances().Lookup(id)
	if !ok {
		t.Fatalf("instance %d not started", id)
	}
	b := instance.Ballot
	p.handle(promiseFrom("node-2", id, b))
	if out := byTag(p.handle(promiseFrom("node-3", id, b)))[Accept]; len(out) != 3 {
		t.Fatalf("instance %d: %d accepts after promise quorum, want 3", id, len(out))
	}
	p.handle(acceptedFrom("node-2", id, b))
	return p.handle(acceptedFrom("node-3", id, b))
}

func TestProposerSingleValue(t *testing.T) {
	p := newTestProposer(t)

	prepares := byTag(proposeValue(p, "X"))[Prepare]
	if len(prepares) != 3 {
		t.Fatalf("got %d prepares, want 3", len(prepares))
	}
	for i, m := range prepares {
		if to, _ := m.Header(message.HeaderTo); to != fmt.Sprintf("node-%d", i+1) {
			t.Errorf("prepare %d addressed to %q", i, to)
		}
		if got := m.Payload().(PrepareState); got.Instance != 0 || got.Ballot != 101 {
			t.Errorf("prepare = %v, want instance 0 ballot 101", got)
		}
		if h, _ := m.Header(message.Instance); h != "0" {
			t.Errorf("prepare instance header = %q, want 0", h)
		}
	}
	if !p.timeouts.has(InstanceID(0)) {
		t.Fatal("phase 1 timeout not armed")
	}

	if out := p.handle(promiseFrom("node-1", 0, 101)); len(out) != 0 {
		t.Fatalf("one promise produced %v", out)
	}
	accepts := byTag(p.handle(promiseFrom("node-2", 0, 101)))[Accept]
	if len(accepts) != 3 {
		t.Fatalf("got %d accepts, want 3", len(accepts))
	}
	for _, m := range accepts {
		a := m.Payload().(AcceptState)
		if a.Instance != 0 || a.Ballot != 101 || string(a.Value) != "X" {
			t.Errorf("accept = %v, want instance 0 ballot 101 value X", a)
		}
	}
	if p.timeouts.pending[InstanceID(0)].Tag() != Phase2Timeout {
		t.Error("phase 2 timeout not armed")
	}

	// The late third promise changes nothing.
	if out := p.handle(promiseFrom("node-3", 0, 101)); len(out) != 0 {
		t.Errorf("late promise produced %v", out)
	}

	p.handle(acceptedFrom("node-1", 0, 101))
	tags := byTag(p.handle(acceptedFrom("node-3", 0, 101)))
	if len(tags[Learn]) != 3 {
		t.Fatalf("got %d learns, want 2 remote and 1 local", len(tags[Learn]))
	}
	local := 0
	for _, m := range tags[Learn] {
		if m.IsInternal() {
			local++
		} else if to, _ := m.Header(message.HeaderTo); to == "node-1" {
			t.Error("learn sent over the network to self")
		}
		if l := m.Payload().(LearnState); l.Instance != 0 || string(l.Value) != "X" {
			t.Errorf("learn = %v, want instance 0 value X", l)
		}
	}
	if local != 1 {
		t.Errorf("got %d local learns, want 1", local)
	}

	if p.timeouts.has(InstanceID(0)) {
		t.Error("timeout still armed after agreement")
	}
	if n := len(p.ctx.BookedInstances()); n != 0 {
		t.Errorf("%d instances still booked", n)
	}
	instance, _ := p.ctx.Instances().Lookup(0)
	if !instance.IsState(Delivered) {
		t.Errorf("instance state = %v, want delivered", instance.State)
	}
}

func TestProposerIgnoresDuplicatePromises(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	p.handle(promiseFrom("node-2", 0, 101))
	if out := p.handle(promiseFrom("node-2", 0, 101)); len(out) != 0 {
		t.Errorf("duplicate promise reached quorum: %v", out)
	}
}

func TestProposerIgnoresStalePromise(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	p.handle(promiseFrom("node-2", 0, 999))
	if out := p.handle(promiseFrom("node-3", 0, 101)); len(out) != 0 {
		t.Errorf("promise for another ballot counted towards quorum: %v", out)
	}
}

func TestProposerAdoptsHighestAcceptedValue(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")

	p.handle(from("node-2", "node-1", Promise, PromiseState{Instance: 0, Ballot: 101, Value: Value("B"), AcceptedBallot: 52}))
	accepts := byTag(p.handle(from("node-3", "node-1", Promise, PromiseState{Instance: 0, Ballot: 101, Value: Value("A"), AcceptedBallot: 3})))[Accept]
	if len(accepts) != 3 {
		t.Fatalf("got %d accepts, want 3", len(accepts))
	}
	if got := accepts[0].Payload().(AcceptState).Value; string(got) != "B" {
		t.Fatalf("accept value = %q, want B from the highest accepted ballot", got)
	}

	// Our own value waits for the next instance.
	if _, booked := p.ctx.BookedInstances()[0]; booked {
		t.Error("instance 0 still booked for our value")
	}
	if pending := p.ctx.PendingValues(); len(pending) != 1 || string(pending[0]) != "X" {
		t.Fatalf("pending = %q, want [X]", pending)
	}

	p.handle(acceptedFrom("node-2", 0, 101))
	tags := byTag(p.handle(acceptedFrom("node-3", 0, 101)))
	if got := tags[Learn][0].Payload().(LearnState).Value; string(got) != "B" {
		t.Errorf("learned %q, want B", got)
	}
	prepares := tags[Prepare]
	if len(prepares) != 3 || prepares[0].Payload().(PrepareState).Instance != 1 {
		t.Fatalf("X not re-proposed on instance 1: %v", prepares)
	}
	if v := p.ctx.BookedInstances()[1]; string(v) != "X" {
		t.Errorf("instance 1 booked for %q, want X", v)
	}
}

func TestProposerRejectEscalatesBallot(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")

	prepares := byTag(p.handle(from("node-2", "node-1", Reject, RejectState{Instance: 0, Ballot: 302})))[Prepare]
	if len(prepares) != 3 {
		t.Fatalf("got %d prepares after reject, want 3", len(prepares))
	}
	if b := prepares[0].Payload().(PrepareState).Ballot; b != 401 {
		t.Errorf("retry ballot = %d, want 401", b)
	}

	// Further rejects for the ballot we already passed are stale.
	if out := p.handle(from("node-3", "node-1", Reject, RejectState{Instance: 0, Ballot: 302})); len(out) != 0 {
		t.Errorf("stale reject produced %v", out)
	}
}

func TestProposerGivesUpAtBallotCeiling(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	p.handle(promiseFrom("node-2", 0, 101))

	retries := 0
	for {
		m := p.timeouts.fire(InstanceID(0))
		if m == nil {
			t.Fatal("no phase 1 timeout armed")
		}
		if m.Tag() != Phase1Timeout {
			t.Fatalf("armed %s, want %s", m.Tag(), Phase1Timeout)
		}
		tags := byTag(p.handle(m))
		if failed := tags[Failed]; len(failed) > 0 {
			if got := failed[0].Payload().(Value); string(got) != "X" {
				t.Errorf("failed value = %q, want X", got)
			}
			if !failed[0].IsInternal() {
				t.Error("failed message left the peer")
			}
			p.handle(failed[0])
			break
		}
		retries++
		if want := Ballot(101 + 100*retries); tags[Prepare][0].Payload().(PrepareState).Ballot != want {
			t.Fatalf("retry %d ballot = %d, want %d", retries, tags[Prepare][0].Payload().(PrepareState).Ballot, want)
		}
		if retries > 20 {
			t.Fatal("proposer never gave up")
		}
	}

	if retries != 9 {
		t.Errorf("got %d retries before giving up, want 9", retries)
	}
	if len(p.failed) != 1 || string(p.failed[0]) != "X" {
		t.Errorf("failure listener saw %q, want [X]", p.failed)
	}
	if len(p.ctx.BookedInstances()) != 0 {
		t.Error("abandoned instance still booked")
	}
	if p.timeouts.has(InstanceID(0)) {
		t.Error("timeout still armed for abandoned instance")
	}
}

func TestProposerPhase2TimeoutRestartsPhase1(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	p.handle(promiseFrom("node-1", 0, 101))
	p.handle(promiseFrom("node-2", 0, 101))
	p.handle(acceptedFrom("node-1", 0, 101))

	prepares := byTag(p.handle(p.timeouts.fire(InstanceID(0))))[Prepare]
	if len(prepares) != 3 || prepares[0].Payload().(PrepareState).Ballot != 201 {
		t.Fatalf("phase 2 timeout sent %v, want prepares at 201", prepares)
	}
	instance, _ := p.ctx.Instances().Lookup(0)
	if !instance.IsState(P1Pending) || string(instance.Value2) != "X" {
		t.Fatalf("instance = %v value %q, want p1_pending keeping X", instance, instance.Value2)
	}

	// The accepted reply of the old ballot no longer counts.
	p.handle(acceptedFrom("node-2", 0, 101))

	p.handle(promiseFrom("node-2", 0, 201))
	accepts := byTag(p.handle(promiseFrom("node-3", 0, 201)))[Accept]
	if len(accepts) != 3 {
		t.Fatalf("got %d accepts, want 3", len(accepts))
	}
	if a := accepts[0].Payload().(AcceptState); a.Ballot != 201 || string(a.Value) != "X" {
		t.Errorf("accept = %v, want X at 201", a)
	}
}

func TestProposerRejectAcceptReproposes(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	p.handle(promiseFrom("node-1", 0, 101))
	p.handle(promiseFrom("node-2", 0, 101))

	prepares := byTag(p.handle(from("node-3", "node-1", RejectAccept, RejectAcceptState{Instance: 0})))[Prepare]
	if len(prepares) != 3 || prepares[0].Payload().(PrepareState).Instance != 1 {
		t.Fatalf("X not re-proposed on instance 1: %v", prepares)
	}
	instance, _ := p.ctx.Instances().Lookup(0)
	if !instance.IsState(Empty) {
		t.Errorf("instance 0 state = %v, want empty", instance.State)
	}
	booked := p.ctx.BookedInstances()
	if len(booked) != 1 || string(booked[1]) != "X" {
		t.Errorf("booked = %v, want only instance 1 with X", booked)
	}
}

func TestProposerPipelinesUpToCap(t *testing.T) {
	p := newTestProposer(t)
	limit := p.ctx.Config().MaxBookedInstances

	for i := 0; i <= limit; i++ {
		proposeValue(p, fmt.Sprintf("v%d", i))
	}
	if n := len(p.ctx.BookedInstances()); n != limit {
		t.Fatalf("%d instances booked, want %d", n, limit)
	}
	if pending := p.ctx.PendingValues(); len(pending) != 1 || string(pending[0]) != fmt.Sprintf("v%d", limit) {
		t.Fatalf("pending = %q, want the overflow value", pending)
	}

	tags := byTag(decide(t, p, 0))
	if len(tags[Learn]) == 0 {
		t.Fatal("instance 0 not decided")
	}

	// Instance 1 saw no replies and must be untouched by instance 0.
	instance, _ := p.ctx.Instances().Lookup(1)
	if !instance.IsState(P1Pending) || instance.Ballot != 101 {
		t.Errorf("instance 1 = %v, want p1_pending at 101", instance)
	}

	prepares := tags[Prepare]
	if len(prepares) != 3 || prepares[0].Payload().(PrepareState).Instance != InstanceID(limit) {
		t.Fatalf("overflow value not started on instance %d: %v", limit, prepares)
	}
	if n := len(p.ctx.BookedInstances()); n != limit {
		t.Errorf("%d instances booked, want %d", n, limit)
	}
	if n := len(p.ctx.PendingValues()); n != 0 {
		t.Errorf("%d values still pending", n)
	}
}

func TestProposerNumbersAfterLastDelivered(t *testing.T) {
	p := newTestProposer(t)
	for i := 0; i < 5; i++ {
		p.handle(from("node-2", "node-1", Learn, LearnState{Instance: InstanceID(i), Value: Value("other")}))
	}
	prepares := byTag(proposeValue(p, "X"))[Prepare]
	if got := prepares[0].Payload().(PrepareState).Instance; got != 5 {
		t.Errorf("new value went to instance %d, want 5", got)
	}
}

func TestProposerStartsOnProposeBeforeJoin(t *testing.T) {
	p := newTestProposer(t)
	p.handle(message.Internal(Leave, nil))
	if got := p.engine.Proposer.State(); got != ProposerStart {
		t.Fatalf("state after leave = %v, want %v", got, ProposerStart)
	}
	if prepares := byTag(proposeValue(p, "X"))[Prepare]; len(prepares) != 3 {
		t.Errorf("got %d prepares, want 3", len(prepares))
	}
	if got := p.engine.Proposer.State(); got != ProposerCoordinator {
		t.Errorf("state after propose = %v, want %v", got, ProposerCoordinator)
	}
}

// exhaustPhase1 fires phase 1 timeouts on instance id until the proposer
// gives up, and feeds the failed message back.
func exhaustPhase1(t *testing.T, p *testPeer, id InstanceID) {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := p.timeouts.fire(id)
		if m == nil {
			t.Fatalf("no timeout armed for instance %d", id)
		}
		if failed := byTag(p.handle(m))[Failed]; len(failed) > 0 {
			p.handle(failed[0])
			return
		}
	}
	t.Fatalf("proposer never gave up on instance %d", id)
}

func TestProposerPhase2TimeoutGivesUpAtBallotCeiling(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")

	restarts := 0
	for b := Ballot(101); ; {
		p.handle(promiseFrom("node-1", 0, b))
		if accepts := byTag(p.handle(promiseFrom("node-2", 0, b)))[Accept]; len(accepts) != 3 {
			t.Fatalf("ballot %d: %d accepts, want 3", b, len(accepts))
		}

		// Every accepted reply is lost.
		m := p.timeouts.fire(InstanceID(0))
		if m == nil {
			t.Fatal("no phase 2 timeout armed")
		}
		if m.Tag() != Phase2Timeout {
			t.Fatalf("armed %s, want %s", m.Tag(), Phase2Timeout)
		}
		tags := byTag(p.handle(m))
		if failed := tags[Failed]; len(failed) > 0 {
			if got := failed[0].Payload().(Value); string(got) != "X" {
				t.Errorf("failed value = %q, want X", got)
			}
			p.handle(failed[0])
			break
		}

		restarts++
		if restarts > 20 {
			t.Fatal("proposer never gave up")
		}
		b = tags[Prepare][0].Payload().(PrepareState).Ballot
		if want := Ballot(101 + 100*restarts); b != want {
			t.Fatalf("restart %d ballot = %d, want %d", restarts, b, want)
		}
	}

	if restarts != 9 {
		t.Errorf("got %d restarts before giving up, want 9", restarts)
	}
	if len(p.failed) != 1 || string(p.failed[0]) != "X" {
		t.Errorf("failure listener saw %q, want [X]", p.failed)
	}
	if len(p.ctx.BookedInstances()) != 0 {
		t.Error("abandoned instance still booked")
	}
	if p.timeouts.has(InstanceID(0)) {
		t.Error("timeout still armed for abandoned instance")
	}
}

func TestProposerReusesAbandonedInstance(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	exhaustPhase1(t, p, 0)

	prepares := byTag(proposeValue(p, "Y"))[Prepare]
	if len(prepares) != 3 {
		t.Fatalf("got %d prepares, want 3", len(prepares))
	}
	if ps := prepares[0].Payload().(PrepareState); ps.Instance != 0 || ps.Ballot != 101 {
		t.Errorf("Y prepared as %v, want instance 0 at 101", ps)
	}
	prepares = byTag(proposeValue(p, "Z"))[Prepare]
	if got := prepares[0].Payload().(PrepareState).Instance; got != 1 {
		t.Errorf("Z went to instance %d, want 1", got)
	}

	booked := p.ctx.BookedInstances()
	if len(booked) != 2 || string(booked[0]) != "Y" || string(booked[1]) != "Z" {
		t.Errorf("booked = %q, want Y on 0 and Z on 1", booked)
	}
	if out := decide(t, p, 0); len(byTag(out)[Learn]) == 0 {
		t.Error("reused instance 0 not decided")
	}
}

func TestProposerSkipsAbandonedInstanceDeliveredElsewhere(t *testing.T) {
	p := newTestProposer(t)
	proposeValue(p, "X")
	exhaustPhase1(t, p, 0)

	p.handle(from("node-2", "node-1", Learn, LearnState{Instance: 0, Value: Value("other")}))
	prepares := byTag(proposeValue(p, "Y"))[Prepare]
	if got := prepares[0].Payload().(PrepareState).Instance; got != 1 {
		t.Errorf("Y went to instance %d, want 1", got)
	}
}

func TestNewInstanceIDHandsOutLowestAbandonedFirst(t *testing.T) {
	var pc proposerContext
	for i := 0; i < 5; i++ {
		pc.newInstanceID(-1)
	}
	pc.abandon(3)
	pc.abandon(1)
	pc.abandon(3)
	pc.abandon(4)

	// 1 is delivered by now and must not come back.
	var got []InstanceID
	for i := 0; i < 3; i++ {
		got = append(got, pc.newInstanceID(1))
	}
	want := []InstanceID{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}
