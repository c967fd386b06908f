// =============================================================================
// IN-MEMORY TRANSPORT
// =============================================================================
//
// All peers live in one process and talk through buffered channels:
//
//   ┌─────────┐   Network.deliver   ┌─────────┐
//   │ node-a  │ ──────────────────▶ │ node-b  │
//   │  Send() │                     │  inbox  │
//   └─────────┘                     └─────────┘
//
// The Network is the shared registry. It can also misbehave on purpose:
// partitions between pairs of peers, peers that are down, and random loss.
// With a Codec set, every message is encoded and decoded on the way, so
// the receiver never shares memory with the sender.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: Send never blocks.
//
// A peer that sends while handling a message must not wait on an inbox that
// is only drained by a goroutine which may itself be sending. A full inbox
// drops the message and reports ErrInboxFull.
//
// =============================================================================

package transport

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/senutpal/abcast/internal/message"
)

const DefaultInboxSize = 1024

type link struct {
	a, b string
}

func newLink(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a: a, b: b}
}

type Network struct {
	codec     Codec
	inboxSize int

	mu          sync.Mutex
	nodes       map[string]*MemoryTransport
	partitioned map[link]bool
	down        map[string]bool
	loss        float64
	rng         *rand.Rand
}

// NewNetwork creates an empty network. codec may be nil, in which case
// messages are cloned instead of encoded.
func NewNetwork(codec Codec) *Network {
	return &Network{
		codec:       codec,
		inboxSize:   DefaultInboxSize,
		nodes:       make(map[string]*MemoryTransport),
		partitioned: make(map[link]bool),
		down:        make(map[string]bool),
		rng:         rand.New(rand.NewSource(1)),
	}
}

// AddNode registers id and returns its transport. Registering an id twice
// returns the existing transport.
func (n *Network) AddNode(id string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[id]; ok {
		return t
	}
	t := &MemoryTransport{
		id:      id,
		network: n,
		inbox:   make(chan *message.Message, n.inboxSize),
		done:    make(chan struct{}),
	}
	n.nodes[id] = t
	return t
}

// Nodes returns the registered ids in sorted order.
func (n *Network) Nodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Partition drops all traffic between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[newLink(a, b)] = true
}

func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, newLink(a, b))
}

// HealAll removes every partition and brings every peer back up.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned = make(map[link]bool)
	n.down = make(map[string]bool)
}

// NodeDown drops everything sent to or by id until NodeUp.
func (n *Network) NodeDown(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

func (n *Network) NodeUp(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// SetMessageLoss drops each message with probability p, drawn from a source
// seeded with seed.
func (n *Network) SetMessageLoss(p float64, seed int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loss = p
	n.rng = rand.New(rand.NewSource(seed))
}

func (n *Network) deliver(from, to string, m *message.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	dest, ok := n.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if n.down[from] || n.down[to] || n.partitioned[newLink(from, to)] {
		log.Debugf("%s -> %s: dropped %s, link down", from, to, m.Tag())
		return nil
	}
	if n.loss > 0 && n.rng.Float64() < n.loss {
		log.Debugf("%s -> %s: lost %s", from, to, m.Tag())
		return nil
	}

	m = m.Clone().SetHeader(message.HeaderFrom, from)
	if n.codec != nil {
		b, err := n.codec.Encode(m)
		if err != nil {
			return err
		}
		if m, err = n.codec.Decode(b); err != nil {
			return err
		}
	}

	select {
	case dest.inbox <- m:
		return nil
	default:
		log.Warningf("%s -> %s: inbox full, dropped %s", from, to, m.Tag())
		return fmt.Errorf("%w: %s", ErrInboxFull, to)
	}
}

func (n *Network) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// MemoryTransport is one peer's endpoint on a Network.
type MemoryTransport struct {
	id      string
	network *Network
	inbox   chan *message.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (t *MemoryTransport) ID() string {
	return t.id
}

func (t *MemoryTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *MemoryTransport) Send(to string, m *message.Message) error {
	if t.closed() {
		return ErrClosed
	}
	log.Debugf("%s -> %s: %v", t.id, to, m)
	return t.network.deliver(t.id, to, m)
}

// Broadcast sends m to every other peer and returns the first error.
func (t *MemoryTransport) Broadcast(m *message.Message) error {
	if t.closed() {
		return ErrClosed
	}
	var first error
	for _, id := range t.network.Nodes() {
		if id == t.id {
			continue
		}
		if err := t.network.deliver(t.id, id, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *MemoryTransport) Receive() (*message.Message, error) {
	select {
	case m := <-t.inbox:
		return m, nil
	case <-t.done:
		return nil, ErrClosed
	}
}

func (t *MemoryTransport) ReceiveTimeout(d time.Duration) (*message.Message, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case m := <-t.inbox:
		return m, nil
	case <-t.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close unregisters the peer. Messages still queued are discarded.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.network.remove(t.id)
	})
	return nil
}
