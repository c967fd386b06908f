// =============================================================================
// SHARED CONTEXT
// =============================================================================
//
// One Context per peer, shared by its acceptor, proposer and learner roles.
// It aggregates everything the roles read and mutate:
//
//   - the peer's address, server id and protocol constants
//   - the acceptor and learner address lists supplied by membership
//   - the Timeouts the roles arm and cancel
//   - the proposer's PaxosInstance store and booking queue
//   - the acceptor's slot ring
//   - the learner's delivery cursor
//   - the application listeners
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Only the dispatch goroutine of the owning peer touches a Context.
//
// Nothing in here is locked. Listeners and address lists must be set up
// before the peer starts, or changed through messages on the dispatch loop.
//
// =============================================================================

package paxos

import (
	"sort"

	"github.com/op/go-logging"

	"github.com/senutpal/abcast/internal/config"
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/storage"
)

var log = logging.MustGetLogger("paxos")

// Timeouts is what the roles need from a timeout service. Keys used by the
// proposer are InstanceIDs.
type Timeouts interface {
	SetTimeout(key interface{}, m *message.Message)
	CancelTimeout(key interface{})
}

// Listener receives agreed values in instance order.
type Listener interface {
	Receive(id InstanceID, value Value)
}

type ListenerFunc func(id InstanceID, value Value)

func (f ListenerFunc) Receive(id InstanceID, value Value) {
	f(id, value)
}

// FailureListener receives client values the proposer gave up on.
type FailureListener interface {
	Failed(value Value)
}

type FailureListenerFunc func(value Value)

func (f FailureListenerFunc) Failed(value Value) {
	f(value)
}

type proposerContext struct {
	nextInstanceID  InstanceID
	bookedInstances map[InstanceID]Value
	pendingValues   []Value

	// Ids given up on, lowest first. Learners wait on them until something
	// is chosen there.
	abandoned []InstanceID
}

// newInstanceID never hands out an id at or below the last delivered one,
// so local numbering follows global progress. Abandoned ids go out first.
func (p *proposerContext) newInstanceID(lastDelivered InstanceID) InstanceID {
	for len(p.abandoned) > 0 {
		id := p.abandoned[0]
		p.abandoned = p.abandoned[1:]
		if id > lastDelivered {
			return id
		}
	}
	if p.nextInstanceID <= lastDelivered {
		p.nextInstanceID = lastDelivered + 1
	}
	id := p.nextInstanceID
	p.nextInstanceID++
	return id
}

func (p *proposerContext) abandon(id InstanceID) {
	i := sort.Search(len(p.abandoned), func(i int) bool { return p.abandoned[i] >= id })
	if i < len(p.abandoned) && p.abandoned[i] == id {
		return
	}
	p.abandoned = append(p.abandoned, 0)
	copy(p.abandoned[i+1:], p.abandoned[i:])
	p.abandoned[i] = id
}

func (p *proposerContext) pushFront(v Value) {
	if v == nil {
		return
	}
	p.pendingValues = append([]Value{v}, p.pendingValues...)
}

func (p *proposerContext) pushBack(v Value) {
	p.pendingValues = append(p.pendingValues, v)
}

func (p *proposerContext) popFront() (Value, bool) {
	if len(p.pendingValues) == 0 {
		return nil, false
	}
	v := p.pendingValues[0]
	p.pendingValues = p.pendingValues[1:]
	return v, true
}

type learnerContext struct {
	lastDelivered InstanceID
	learned       map[InstanceID]Value
}

type Context struct {
	me       string
	serverID int
	cfg      config.Paxos

	acceptors []string
	learners  []string

	timeouts          Timeouts
	instances         *InstanceStore
	acceptorInstances storage.AcceptorStore

	proposer proposerContext
	learner  learnerContext

	listeners        []Listener
	failureListeners []FailureListener
}

func NewContext(me string, serverID int, cfg config.Paxos, timeouts Timeouts, acceptorInstances storage.AcceptorStore) *Context {
	return &Context{
		me:                me,
		serverID:          serverID,
		cfg:               cfg,
		timeouts:          timeouts,
		instances:         NewInstanceStore(cfg.RetainedInstances),
		acceptorInstances: acceptorInstances,
		proposer: proposerContext{
			bookedInstances: make(map[InstanceID]Value),
		},
		learner: learnerContext{
			lastDelivered: -1,
			learned:       make(map[InstanceID]Value),
		},
	}
}

func (c *Context) Me() string {
	return c.me
}

func (c *Context) ServerID() int {
	return c.serverID
}

func (c *Context) Config() config.Paxos {
	return c.cfg
}

func (c *Context) Acceptors() []string {
	return c.acceptors
}

func (c *Context) SetAcceptors(acceptors []string) {
	c.acceptors = append([]string(nil), acceptors...)
}

func (c *Context) Learners() []string {
	return c.learners
}

func (c *Context) SetLearners(learners []string) {
	c.learners = append([]string(nil), learners...)
}

func (c *Context) Instances() *InstanceStore {
	return c.instances
}

func (c *Context) AcceptorInstances() storage.AcceptorStore {
	return c.acceptorInstances
}

// BookedInstances returns a copy of the values assigned to in-flight
// instances.
func (c *Context) BookedInstances() map[InstanceID]Value {
	out := make(map[InstanceID]Value, len(c.proposer.bookedInstances))
	for id, v := range c.proposer.bookedInstances {
		out[id] = v
	}
	return out
}

// PendingValues returns a copy of the client values waiting for an instance.
func (c *Context) PendingValues() []Value {
	return append([]Value(nil), c.proposer.pendingValues...)
}

func (c *Context) LastDeliveredInstanceID() InstanceID {
	return c.learner.lastDelivered
}

func (c *Context) AddListener(l Listener) {
	c.listeners = append(c.listeners, l)
}

func (c *Context) AddFailureListener(l FailureListener) {
	c.failureListeners = append(c.failureListeners, l)
}

func (c *Context) initialBallot() Ballot {
	return Ballot(c.cfg.BallotBase + int64(c.serverID))
}

func (c *Context) receive(id InstanceID, v Value) {
	for _, l := range c.listeners {
		l.Receive(id, v)
	}
}

func (c *Context) failed(v Value) {
	for _, l := range c.failureListeners {
		l.Failed(v)
	}
}

// sender returns the "from" header, or "" for local messages.
func sender(m *message.Message) string {
	from, _ := m.Header(message.HeaderFrom)
	return from
}
