// =============================================================================
// NODE
// =============================================================================
//
// A Node is one peer of the broadcast group. It plays all three roles and
// wires them to a transport and a clock:
//
//   ┌─────────────────────────────────────────────────────────┐
//   │                         NODE                            │
//   │  ┌───────────┐  ┌───────────┐  ┌───────────┐            │
//   │  │ PROPOSER  │  │ ACCEPTOR  │  │  LEARNER  │  Engine    │
//   │  └─────┬─────┘  └─────┬─────┘  └─────┬─────┘            │
//   │        └──────────────┼──────────────┘                  │
//   │                  dispatch loop ◀── ticker (Timeouts)    │
//   │                       │                                 │
//   │                 ┌─────┴─────┐                           │
//   │                 │ TRANSPORT │                           │
//   │                 └───────────┘                           │
//   └─────────────────────────────────────────────────────────┘
//
// Two goroutines run while the node is started. The receive loop polls the
// transport and hands messages to the dispatch loop. The dispatch loop owns
// the Engine: it handles inbound messages and client proposals, ticks the
// timeouts, and routes whatever the roles emit.
//
// Routing of emitted messages:
//
//   internal        -> back into the local queue
//   to == self      -> local queue, with from = self
//   to == "*"       -> transport broadcast, plus the local queue
//   anything else   -> transport send
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Only the dispatch goroutine touches the Engine and its Context.
//
// Listeners are called on that goroutine. They must not block on the node
// they are registered with.
//
// =============================================================================

package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/senutpal/abcast/internal/config"
	"github.com/senutpal/abcast/internal/message"
	"github.com/senutpal/abcast/internal/paxos"
	"github.com/senutpal/abcast/internal/storage"
	"github.com/senutpal/abcast/internal/timeout"
	"github.com/senutpal/abcast/internal/transport"
)

var log = logging.MustGetLogger("node")

var ErrStopped = errors.New("node: stopped")

// How long the receive loop waits before checking for shutdown.
const pollInterval = 100 * time.Millisecond

type Node struct {
	id        string
	cfg       config.Config
	engine    *paxos.Engine
	timeouts  *timeout.Timeouts
	transport transport.Transport

	inbound chan *message.Message

	// Local work queue, dispatch goroutine only.
	local []*message.Message

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg config.Config, t transport.Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.ID, err)
	}
	if t.ID() != cfg.ID {
		return nil, fmt.Errorf("node %s: transport is bound to %s", cfg.ID, t.ID())
	}

	n := &Node{
		id:        cfg.ID,
		cfg:       cfg,
		transport: t,
		inbound:   make(chan *message.Message, transport.DefaultInboxSize),
	}

	strategy := timeout.NewFixedStrategy(cfg.Timeouts.Default.Std())
	if cfg.Timeouts.Phase1 > 0 {
		strategy.With(paxos.Phase1Timeout, cfg.Timeouts.Phase1.Std())
	}
	if cfg.Timeouts.Phase2 > 0 {
		strategy.With(paxos.Phase2Timeout, cfg.Timeouts.Phase2.Std())
	}
	n.timeouts = timeout.New(strategy, message.ProcessorFunc(n.enqueue))

	ctx := paxos.NewContext(cfg.ID, cfg.ServerID, cfg.Paxos, n.timeouts, storage.NewMemoryStorage(cfg.Paxos.RingSize))
	ctx.SetAcceptors(cfg.Acceptors)
	ctx.SetLearners(cfg.Learners)
	n.engine = paxos.NewEngine(ctx)
	n.engine.LogTransitions(cfg.ID)
	return n, nil
}

func (n *Node) ID() string {
	return n.id
}

// AddListener registers l for agreed values. Call it before Start.
func (n *Node) AddListener(l paxos.Listener) {
	n.engine.Context().AddListener(l)
}

// AddFailureListener registers l for values the proposer gave up on. Call it
// before Start.
func (n *Node) AddFailureListener(l paxos.FailureListener) {
	n.engine.Context().AddFailureListener(l)
}

func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.wg.Add(2)
	go n.handleMessages()
	go n.dispatch()
	log.Infof("%s: started", n.id)
	return nil
}

// Stop shuts both loops down and waits for them. The transport stays open;
// it belongs to the caller.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()
	n.wg.Wait()
	log.Infof("%s: stopped", n.id)
	return nil
}

// Propose submits a value for atomic broadcast. It returns once the value is
// queued; agreement is reported through the listeners.
func (n *Node) Propose(v paxos.Value) error {
	n.mu.Lock()
	running, stopCh := n.running, n.stopCh
	n.mu.Unlock()
	if !running {
		return ErrStopped
	}
	select {
	case n.inbound <- message.Internal(paxos.Propose, v):
		return nil
	case <-stopCh:
		return ErrStopped
	}
}

func (n *Node) handleMessages() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		m, err := n.transport.ReceiveTimeout(pollInterval)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if errors.Is(err, transport.ErrClosed) {
			log.Noticef("%s: transport closed", n.id)
			return
		}
		if err != nil {
			log.Errorf("%s: receive: %v", n.id, err)
			continue
		}

		select {
		case n.inbound <- m:
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) dispatch() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Timeouts.TickInterval.Std())
	defer ticker.Stop()

	// Timeouts measure from the last tick.
	n.timeouts.Tick(time.Now())
	n.handle(message.Internal(paxos.Join, nil))
	for {
		select {
		case <-n.stopCh:
			n.handle(message.Internal(paxos.Leave, nil))
			return
		case m := <-n.inbound:
			n.handle(m)
		case now := <-ticker.C:
			n.timeouts.Tick(now)
			n.drain()
		}
	}
}

func (n *Node) enqueue(m *message.Message) {
	n.local = append(n.local, m)
}

// handle runs m and everything it causes locally to completion.
func (n *Node) handle(m *message.Message) {
	n.enqueue(m)
	n.drain()
}

func (n *Node) drain() {
	out := message.NewCollector()
	for len(n.local) > 0 {
		m := n.local[0]
		n.local = n.local[1:]
		n.engine.Handle(m, out)
		for _, o := range out.Drain() {
			n.route(o)
		}
	}
}

func (n *Node) route(m *message.Message) {
	if m.IsInternal() {
		n.enqueue(m)
		return
	}

	to, _ := m.Header(message.HeaderTo)
	switch {
	case to == n.id:
		n.enqueue(m.Clone().SetHeader(message.HeaderFrom, n.id))
	case m.IsBroadcast():
		if err := n.transport.Broadcast(m); err != nil {
			log.Warningf("%s: broadcast %s: %v", n.id, m.Tag(), err)
		}
		n.enqueue(m.Clone().SetHeader(message.HeaderFrom, n.id))
	default:
		if err := n.transport.Send(to, m); err != nil {
			log.Warningf("%s: send %s to %s: %v", n.id, m.Tag(), to, err)
		}
	}
}
