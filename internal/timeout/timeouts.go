// =============================================================================
// TIMEOUTS
// =============================================================================
//
// Timeouts are the only way the protocol notices lost messages. A role arms
// a timeout under a key with the message it wants back; when the deadline
// passes the message is delivered to the owner like any other message.
//
// Time only moves when Tick is called. The node calls it from its dispatch
// loop; tests call it with whatever clock they like.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: One pending timeout per key.
//
// SetTimeout replaces any timeout already registered under the key, and
// CancelTimeout of an unknown key is a no-op.
//
// =============================================================================

package timeout

import (
	"sort"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/senutpal/abcast/internal/message"
)

var log = logging.MustGetLogger("timeout")

// Strategy decides how long to wait before a timeout message fires.
type Strategy interface {
	TimeoutFor(m *message.Message) time.Duration
}

// FixedStrategy uses a per-tag delay, falling back to Default.
type FixedStrategy struct {
	Default time.Duration
	PerTag  map[message.Type]time.Duration
}

func NewFixedStrategy(d time.Duration) *FixedStrategy {
	return &FixedStrategy{Default: d, PerTag: make(map[message.Type]time.Duration)}
}

// With sets the delay for one tag.
func (s *FixedStrategy) With(tag message.Type, d time.Duration) *FixedStrategy {
	s.PerTag[tag] = d
	return s
}

func (s *FixedStrategy) TimeoutFor(m *message.Message) time.Duration {
	if d, ok := s.PerTag[m.Tag()]; ok {
		return d
	}
	return s.Default
}

type entry struct {
	key      interface{}
	deadline time.Time
	seq      uint64
	message  *message.Message
}

type Timeouts struct {
	mu       sync.Mutex
	strategy Strategy
	receiver message.Processor
	now      time.Time
	seq      uint64
	pending  map[interface{}]*entry
}

// New creates timeouts that deliver expired messages to receiver.
func New(strategy Strategy, receiver message.Processor) *Timeouts {
	return &Timeouts{
		strategy: strategy,
		receiver: receiver,
		pending:  make(map[interface{}]*entry),
	}
}

// SetTimeout schedules m relative to the time of the last Tick.
func (t *Timeouts) SetTimeout(key interface{}, m *message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.pending[key] = &entry{
		key:      key,
		deadline: t.now.Add(t.strategy.TimeoutFor(m)),
		seq:      t.seq,
		message:  m,
	}
}

func (t *Timeouts) CancelTimeout(key interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
}

// Pending reports whether a timeout is armed under key.
func (t *Timeouts) Pending(key interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *Timeouts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Tick advances the clock and delivers every expired timeout, oldest
// deadline first. Delivery happens outside the lock so the receiver may arm
// new timeouts.
func (t *Timeouts) Tick(now time.Time) {
	t.mu.Lock()
	t.now = now
	var expired []*entry
	for key, e := range t.pending {
		if !e.deadline.After(now) {
			expired = append(expired, e)
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].deadline.Equal(expired[j].deadline) {
			return expired[i].seq < expired[j].seq
		}
		return expired[i].deadline.Before(expired[j].deadline)
	})
	for _, e := range expired {
		log.Debugf("timeout %v fired: %s", e.key, e.message.Tag())
		t.receiver.Process(e.message)
	}
}
