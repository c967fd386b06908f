// =============================================================================
// WIRE CODEC
// =============================================================================
//
// Messages cross the network as a flat protobuf-style record built from
// varints and length-delimited fields:
//
//   tag         string
//   headers     varint count, then (key string, value string) pairs,
//               sorted by key
//   payload     varint kind, then the fields of that kind
//
// Signed numbers (instance ids, ballots) are zigzag encoded. Values are
// preceded by a presence flag so "no value" and "empty value" stay distinct;
// a promise without an accepted value must not turn into one that has
// accepted the empty value.
//
// =============================================================================

package paxos

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/protobuf/proto"

	"github.com/senutpal/abcast/internal/message"
)

var (
	ErrUnknownPayload = errors.New("paxos: unknown payload type")
	ErrMalformed      = errors.New("paxos: malformed message")
)

type payloadKind uint64

const (
	kindNone payloadKind = iota
	kindValue
	kindPrepare
	kindPromise
	kindReject
	kindAccept
	kindAccepted
	kindRejectAccept
	kindLearn
	kindInstanceTimeout
)

// Codec encodes messages of this package for a transport.
type Codec struct{}

type encoder struct {
	b   *proto.Buffer
	err error
}

func (e *encoder) varint(v uint64) {
	if e.err == nil {
		e.err = e.b.EncodeVarint(v)
	}
}

func (e *encoder) int(v int64) {
	if e.err == nil {
		e.err = e.b.EncodeZigzag64(uint64(v))
	}
}

func (e *encoder) string(s string) {
	if e.err == nil {
		e.err = e.b.EncodeStringBytes(s)
	}
}

func (e *encoder) value(v Value) {
	if v == nil {
		e.varint(0)
		return
	}
	e.varint(1)
	if e.err == nil {
		e.err = e.b.EncodeRawBytes(v)
	}
}

func (Codec) Encode(m *message.Message) ([]byte, error) {
	e := &encoder{b: proto.NewBuffer(nil)}
	e.string(string(m.Tag()))

	headers := m.Headers()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.varint(uint64(len(keys)))
	for _, k := range keys {
		e.string(k)
		e.string(headers[k])
	}

	switch p := m.Payload().(type) {
	case nil:
		e.varint(uint64(kindNone))
	case Value:
		e.varint(uint64(kindValue))
		e.value(p)
	case PrepareState:
		e.varint(uint64(kindPrepare))
		e.int(int64(p.Instance))
		e.int(int64(p.Ballot))
	case PromiseState:
		e.varint(uint64(kindPromise))
		e.int(int64(p.Instance))
		e.int(int64(p.Ballot))
		e.value(p.Value)
		e.int(int64(p.AcceptedBallot))
	case RejectState:
		e.varint(uint64(kindReject))
		e.int(int64(p.Instance))
		e.int(int64(p.Ballot))
	case AcceptState:
		e.varint(uint64(kindAccept))
		e.int(int64(p.Instance))
		e.int(int64(p.Ballot))
		e.value(p.Value)
	case AcceptedState:
		e.varint(uint64(kindAccepted))
		e.int(int64(p.Instance))
		e.int(int64(p.Ballot))
	case RejectAcceptState:
		e.varint(uint64(kindRejectAccept))
		e.int(int64(p.Instance))
	case LearnState:
		e.varint(uint64(kindLearn))
		e.int(int64(p.Instance))
		e.value(p.Value)
	case InstanceTimeout:
		e.varint(uint64(kindInstanceTimeout))
		e.int(int64(p.Instance))
	default:
		return nil, fmt.Errorf("encode %s: %w: %T", m.Tag(), ErrUnknownPayload, p)
	}

	if e.err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Tag(), e.err)
	}
	return e.b.Bytes(), nil
}

type decoder struct {
	b   *proto.Buffer
	err error
}

func (d *decoder) varint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := d.b.DecodeVarint()
	d.err = err
	return v
}

func (d *decoder) int() int64 {
	if d.err != nil {
		return 0
	}
	v, err := d.b.DecodeZigzag64()
	d.err = err
	return int64(v)
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	s, err := d.b.DecodeStringBytes()
	d.err = err
	return s
}

func (d *decoder) value() Value {
	present := d.varint()
	if d.err != nil || present == 0 {
		return nil
	}
	b, err := d.b.DecodeRawBytes(true)
	d.err = err
	if b == nil {
		b = []byte{}
	}
	return Value(b)
}

func (Codec) Decode(data []byte) (*message.Message, error) {
	d := &decoder{b: proto.NewBuffer(data)}
	tag := message.Type(d.string())

	n := d.varint()
	if d.err == nil && n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d headers in %d bytes", ErrMalformed, n, len(data))
	}
	headers := make(map[string]string, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		k := d.string()
		headers[k] = d.string()
	}

	var payload interface{}
	switch kind := payloadKind(d.varint()); kind {
	case kindNone:
	case kindValue:
		payload = d.value()
	case kindPrepare:
		payload = PrepareState{Instance: InstanceID(d.int()), Ballot: Ballot(d.int())}
	case kindPromise:
		p := PromiseState{Instance: InstanceID(d.int()), Ballot: Ballot(d.int())}
		p.Value = d.value()
		p.AcceptedBallot = Ballot(d.int())
		payload = p
	case kindReject:
		payload = RejectState{Instance: InstanceID(d.int()), Ballot: Ballot(d.int())}
	case kindAccept:
		a := AcceptState{Instance: InstanceID(d.int()), Ballot: Ballot(d.int())}
		a.Value = d.value()
		payload = a
	case kindAccepted:
		payload = AcceptedState{Instance: InstanceID(d.int()), Ballot: Ballot(d.int())}
	case kindRejectAccept:
		payload = RejectAcceptState{Instance: InstanceID(d.int())}
	case kindLearn:
		l := LearnState{Instance: InstanceID(d.int())}
		l.Value = d.value()
		payload = l
	case kindInstanceTimeout:
		payload = InstanceTimeout{Instance: InstanceID(d.int())}
	default:
		if d.err == nil {
			return nil, fmt.Errorf("decode %s: %w: kind %d", tag, ErrUnknownPayload, kind)
		}
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, d.err)
	}
	if len(d.b.Unread()) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.b.Unread()))
	}

	m := message.Internal(tag, payload)
	for k, v := range headers {
		m.SetHeader(k, v)
	}
	return m, nil
}
