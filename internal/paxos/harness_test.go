package paxos

import (
	"fmt"
	"sort"
	"testing"

	"github.com/senutpal/abcast/internal/config"
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/storage"
)

// fakeTimeouts only fires when told to.
type fakeTimeouts struct {
	pending map[interface{}]*message.Message
}

func newFakeTimeouts() *fakeTimeouts {
	return &fakeTimeouts{pending: make(map[interface{}]*message.Message)}
}

func (f *fakeTimeouts) SetTimeout(key interface{}, m *message.Message) {
	f.pending[key] = m
}

func (f *fakeTimeouts) CancelTimeout(key interface{}) {
	delete(f.pending, key)
}

func (f *fakeTimeouts) has(key interface{}) bool {
	_, ok := f.pending[key]
	return ok
}

// fire removes and returns the timeout message armed under key.
func (f *fakeTimeouts) fire(key interface{}) *message.Message {
	m := f.pending[key]
	delete(f.pending, key)
	return m
}

// fireAll removes and returns every armed timeout, ordered by instance id.
func (f *fakeTimeouts) fireAll() []*message.Message {
	keys := make([]InstanceID, 0, len(f.pending))
	for k := range f.pending {
		keys = append(keys, k.(InstanceID))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]*message.Message, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.fire(k))
	}
	return out
}

type testPeer struct {
	id       string
	ctx      *Context
	engine   *Engine
	timeouts *fakeTimeouts
	learned  []LearnState
	failed   []Value
}

func newTestPeer(id string, serverID int, members []string) *testPeer {
	return newTestPeerWithConfig(id, serverID, members, config.DefaultPaxos())
}

func newTestPeerWithConfig(id string, serverID int, members []string, cfg config.Paxos) *testPeer {
	p := &testPeer{id: id, timeouts: newFakeTimeouts()}
	p.ctx = NewContext(id, serverID, cfg, p.timeouts, storage.NewMemoryStorage(cfg.RingSize))
	p.ctx.SetAcceptors(members)
	p.ctx.SetLearners(members)
	p.ctx.AddListener(ListenerFunc(func(id InstanceID, v Value) {
		p.learned = append(p.learned, LearnState{Instance: id, Value: v})
	}))
	p.ctx.AddFailureListener(FailureListenerFunc(func(v Value) {
		p.failed = append(p.failed, v)
	}))
	p.engine = NewEngine(p.ctx)
	p.engine.Handle(message.Internal(Join, nil), message.NewCollector())
	return p
}

// handle feeds one message and returns what the peer emitted.
func (p *testPeer) handle(m *message.Message) []*message.Message {
	out := message.NewCollector()
	p.engine.Handle(m, out)
	return out.Drain()
}

func (p *testPeer) learnedValues() []string {
	out := make([]string, len(p.learned))
	for i, l := range p.learned {
		out[i] = string(l.Value)
	}
	return out
}

func members(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("node-%d", i+1)
	}
	return out
}

// from builds a message addressed to "to" as if it came over the network.
func from(sender, to string, tag message.Type, payload interface{}) *message.Message {
	return message.To(tag, to, payload).SetHeader(message.HeaderFrom, sender)
}

type envelope struct {
	to string
	m  *message.Message
}

// testCluster routes messages between peers in FIFO order.
type testCluster struct {
	t     *testing.T
	peers map[string]*testPeer
	ids   []string
	queue []envelope
	codec *Codec

	// Every network message, lost or not, with its sender stamped.
	sent []envelope

	// drop decides whether a network message is lost.
	drop func(from, to string, m *message.Message) bool
}

func newTestCluster(t *testing.T, n int) *testCluster {
	ids := members(n)
	c := &testCluster{t: t, peers: make(map[string]*testPeer), ids: ids}
	for i, id := range ids {
		c.peers[id] = newTestPeer(id, i+1, ids)
	}
	return c
}

func (c *testCluster) propose(id, value string) {
	c.queue = append(c.queue, envelope{to: id, m: message.Internal(Propose, Value(value))})
}

func (c *testCluster) route(sender string, out []*message.Message) {
	for _, m := range out {
		if m.IsInternal() {
			c.queue = append(c.queue, envelope{to: sender, m: m})
			continue
		}
		dest, _ := m.Header(message.HeaderTo)
		m = m.Clone().SetHeader(message.HeaderFrom, sender)
		c.sent = append(c.sent, envelope{to: dest, m: m})
		if c.drop != nil && c.drop(sender, dest, m) {
			continue
		}
		if c.codec != nil {
			b, err := c.codec.Encode(m)
			if err != nil {
				c.t.Fatalf("encode %v: %v", m, err)
			}
			if m, err = c.codec.Decode(b); err != nil {
				c.t.Fatalf("decode %v: %v", m, err)
			}
		}
		c.queue = append(c.queue, envelope{to: dest, m: m})
	}
}

// prepareBallots lists the ballots sender prepared instance id with, in the
// order it first used them.
func (c *testCluster) prepareBallots(sender string, id InstanceID) []Ballot {
	var out []Ballot
	for _, e := range c.sent {
		if e.m.Tag() != Prepare {
			continue
		}
		if from, _ := e.m.Header(message.HeaderFrom); from != sender {
			continue
		}
		ps := e.m.Payload().(PrepareState)
		if ps.Instance != id || (len(out) > 0 && out[len(out)-1] == ps.Ballot) {
			continue
		}
		out = append(out, ps.Ballot)
	}
	return out
}

// run delivers queued messages until the network is quiet.
func (c *testCluster) run() {
	for steps := 0; len(c.queue) > 0; steps++ {
		if steps > 200000 {
			c.t.Fatal("cluster did not quiesce")
		}
		e := c.queue[0]
		c.queue = c.queue[1:]
		p, ok := c.peers[e.to]
		if !ok {
			continue
		}
		c.route(e.to, p.handle(e.m))
	}
}

// tick fires every armed timeout on every peer and reports whether any did.
func (c *testCluster) tick() bool {
	fired := false
	for _, id := range c.ids {
		for _, m := range c.peers[id].timeouts.fireAll() {
			c.queue = append(c.queue, envelope{to: id, m: m})
			fired = true
		}
	}
	return fired
}

// settle alternates run and tick until nothing is left to do.
func (c *testCluster) settle(maxRounds int) {
	for round := 0; round < maxRounds; round++ {
		c.run()
		if !c.tick() {
			return
		}
	}
	c.t.Fatalf("cluster still busy after %d timeout rounds", maxRounds)
}

// checkAgreement verifies no two learners delivered different values for
// one instance, and that every delivered value was proposed.
func (c *testCluster) checkAgreement(proposed map[string]bool) {
	c.t.Helper()
	chosen := make(map[InstanceID]string)
	for _, id := range c.ids {
		for _, l := range c.peers[id].learned {
			if !proposed[string(l.Value)] {
				c.t.Errorf("%s delivered %q which nobody proposed", id, l.Value)
			}
			if v, ok := chosen[l.Instance]; ok && v != string(l.Value) {
				c.t.Errorf("instance %d: %s delivered %q, another learner %q", l.Instance, id, l.Value, v)
			}
			chosen[l.Instance] = string(l.Value)
		}
	}
}
