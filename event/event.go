// Package event defines the wire shape producers (simulators) hand to
// collectors: a named bag of typed values plus the reserved routing/meta
// fields every collector relies on.
package event

import (
	"fmt"
	"math"
)

// Kind is the element type of a Value: one of i32, i64, f32, u8.
type Kind int

const (
	I32 Kind = iota
	I64
	F32
	U8
)

// Size returns the byte width of a single element of this Kind.
func (k Kind) Size() int {
	switch k {
	case I32, F32:
		return 4
	case I64:
		return 8
	case U8:
		return 1
	default:
		panic(fmt.Sprintf("event: unknown kind %d", k))
	}
}

func (k Kind) String() string {
	switch k {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case U8:
		return "u8"
	default:
		return "unknown"
	}
}

// Value is one field of an Event: a typed, possibly tensor-shaped datum
// stored as raw row-major bytes. Shape excludes the batch/time axes a
// collector later imposes; an empty Shape means a scalar.
type Value struct {
	Kind  Kind
	Shape []int
	Data  []byte
}

// ElemCount returns the number of elements Shape describes (1 for scalars).
func (v Value) ElemCount() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// I32Value builds a scalar i32 Value.
func I32Value(x int32) Value {
	return Value{Kind: I32, Data: []byte{byte(x), byte(x >> 8), byte(x >> 16), byte(x >> 24)}}
}

// U32Value stores an unsigned 32-bit counter (game_counter, seq) as an I32
// Value bit pattern. The registry only distinguishes element width, not
// signedness, so u32 counters travel as i32 bits.
func U32Value(x uint32) Value {
	return I32Value(int32(x))
}

// F32Value builds a scalar f32 Value.
func F32Value(x float32) Value {
	bits := math.Float32bits(x)
	return Value{Kind: F32, Data: []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}}
}

// BoolValue stores a boolean as a single i32 (0/1), used for terminal flags.
func BoolValue(b bool) Value {
	if b {
		return I32Value(1)
	}
	return I32Value(0)
}

// AsI32 decodes a scalar I32 Value.
func (v Value) AsI32() int32 {
	if len(v.Data) < 4 {
		return 0
	}
	return int32(uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24)
}

// AsBool decodes a scalar Value as a boolean (nonzero i32).
func (v Value) AsBool() bool {
	return v.AsI32() != 0
}

// AsF32 decodes a scalar F32 Value.
func (v Value) AsF32() float32 {
	if len(v.Data) < 4 {
		return 0
	}
	bits := uint32(v.Data[0]) | uint32(v.Data[1])<<8 | uint32(v.Data[2])<<16 | uint32(v.Data[3])<<24
	return math.Float32frombits(bits)
}

// Sender is the opaque routing handle a simulator hands to the collectors
// it submits to. The reply router never interprets Sender beyond identity
// and Deliver.
type Sender interface {
	// Deliver hands one row of a reply batch to the simulator, waking it,
	// if it is currently blocked waiting on exactly (collector, route).
	// Returns false when no such wait is registered, so the caller can
	// fall back to caching the reply instead. Non-blocking: implementations
	// signal a waiting goroutine, never perform I/O here.
	Deliver(collector string, route Route, reply Reply) bool
}

// Reply is one row of a reply batch: values for the collector's declared
// reply keys.
type Reply map[string]Value

// Route is the per-row identity a dispatched batch carries so a reply can
// be demultiplexed back to the exact simulator that produced the row.
type Route struct {
	Sender      Sender
	AgentName   string
	GameCounter uint32
	Seq         uint32
}

// Key returns the "{agent_name}-{game_counter}-{seq}" identity string the
// reply cache is keyed by.
func (r Route) Key() string {
	return fmt.Sprintf("%s-%d-%d", r.AgentName, r.GameCounter, r.Seq)
}

// Event is one timestep record produced by a simulator.
type Event struct {
	AgentName   string
	GameCounter uint32
	Seq         uint32
	Terminal    bool
	Sender      Sender
	Fields      map[string]Value
}

// Route extracts this event's routing identity.
func (e *Event) Route() Route {
	return Route{Sender: e.Sender, AgentName: e.AgentName, GameCounter: e.GameCounter, Seq: e.Seq}
}

// Get looks up a domain field by name. Reserved meta fields (agent_name,
// game_counter, seq, terminal) are not stored in Fields; callers asking for
// those by name should use the dedicated accessors instead.
func (e *Event) Get(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}
