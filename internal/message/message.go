// =============================================================================
// MESSAGE ENVELOPE
// =============================================================================
//
// Every protocol role talks through Message values. A message has a tag
// (what it is), an optional payload (the data) and a header map (where it
// goes and what it correlates with).
//
// ┌──────────────────────────────────────────────┐
// │ tag: "prepare"                               │
// │ headers: to=node-b from=node-a instance=42   │
// │ payload: PrepareState{Instance: 42, ...}     │
// └──────────────────────────────────────────────┘
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: A message without a "to" header is internal.
//
// Internal messages never leave the peer that created them. They are fed
// back into the local state machines only. IsBroadcast holds iff to == "*".
//
// =============================================================================

package message

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the tag of a message. Tags are case significant on the wire.
type Type string

// Standard headers.
const (
	ConversationID = "conversation-id"
	CreatedBy      = "created-by"
	HeaderFrom     = "from"
	HeaderTo       = "to"
	Instance       = "instance"
)

// BroadcastAddress is the "to" value addressing every peer.
const BroadcastAddress = "*"

type Message struct {
	tag     Type
	payload interface{}
	headers map[string]string
}

func newMessage(tag Type, payload interface{}) *Message {
	return &Message{
		tag:     tag,
		payload: payload,
		headers: make(map[string]string),
	}
}

// Broadcast creates a message addressed to every peer.
func Broadcast(tag Type, payload interface{}) *Message {
	return newMessage(tag, payload).SetHeader(HeaderTo, BroadcastAddress)
}

// To creates a message addressed to a single peer.
func To(tag Type, address string, payload interface{}) *Message {
	return newMessage(tag, payload).SetHeader(HeaderTo, address)
}

// Internal creates a message that is only delivered locally.
func Internal(tag Type, payload interface{}) *Message {
	return newMessage(tag, payload)
}

// Timeout creates the internal message scheduled when a timeout is armed.
// Correlation headers of the message that caused the timeout are carried
// over so the expiry can be matched back to it.
func Timeout(tag Type, cause *Message, payload interface{}) *Message {
	m := Internal(tag, payload)
	if cause != nil {
		cause.CopyHeadersTo(m, Instance, ConversationID)
	}
	return m
}

func (m *Message) Tag() Type {
	return m.tag
}

func (m *Message) Payload() interface{} {
	return m.payload
}

// SetHeader sets a header and returns the message for chaining. It is meant
// for construction and for the transport stamping "from"; handlers should
// not rewrite headers of messages they received.
func (m *Message) SetHeader(name, value string) *Message {
	m.headers[name] = value
	return m
}

func (m *Message) Header(name string) (string, bool) {
	v, ok := m.headers[name]
	return v, ok
}

func (m *Message) HasHeader(name string) bool {
	_, ok := m.headers[name]
	return ok
}

// Headers returns a copy of the header map.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

func (m *Message) IsInternal() bool {
	return !m.HasHeader(HeaderTo)
}

func (m *Message) IsBroadcast() bool {
	to, ok := m.headers[HeaderTo]
	return ok && to == BroadcastAddress
}

// CopyHeadersTo copies headers of m onto other. With no names every header
// is copied; otherwise only the named headers that m actually has.
func (m *Message) CopyHeadersTo(other *Message, names ...string) *Message {
	if len(names) == 0 {
		for k, v := range m.headers {
			other.headers[k] = v
		}
		return other
	}
	for _, name := range names {
		if v, ok := m.headers[name]; ok {
			other.headers[name] = v
		}
	}
	return other
}

// Reply addresses a response to the sender of m. When m carried no "from"
// header it was produced locally, and the reply stays internal too.
func (m *Message) Reply(tag Type, payload interface{}) *Message {
	var r *Message
	if from, ok := m.headers[HeaderFrom]; ok {
		r = To(tag, from, payload)
	} else {
		r = Internal(tag, payload)
	}
	return m.CopyHeadersTo(r, Instance, ConversationID)
}

// Clone returns a message with the same tag and payload and its own copy of
// the headers.
func (m *Message) Clone() *Message {
	c := newMessage(m.tag, m.payload)
	return m.CopyHeadersTo(c)
}

func (m *Message) String() string {
	keys := make([]string, 0, len(m.headers))
	for k := range m.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(string(m.tag))
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%s=%s", k, m.headers[k])
	}
	sb.WriteString("}")
	if m.payload != nil {
		fmt.Fprintf(&sb, ": %v", m.payload)
	}
	return sb.String()
}
