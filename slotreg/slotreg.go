// Package slotreg is the tensor-slot registry: per-key element type,
// logical shape, placement hint, and the byte-layout arithmetic (stride,
// offsets) every batch slot buffer is built from.
package slotreg

import (
	"fmt"

	"expcollector/event"
)

// KeySpec describes one collector input or reply key: its element type,
// logical shape excluding the leading batch/time axes, and whether the
// consumer wants it placed for device transfer.
type KeySpec struct {
	Name   string
	Type   event.Kind
	Shape  []int // nil/empty => scalar
	Pinned bool
}

// ElemCount returns the number of elements Shape describes.
func (k KeySpec) ElemCount() int {
	n := 1
	for _, d := range k.Shape {
		n *= d
	}
	return n
}

// RowBytes returns the byte size of a single (t, b) row of this key.
func (k KeySpec) RowBytes() int {
	return k.ElemCount() * k.Type.Size()
}

// Registry is the set of key specs a collector declared at Start. Lookups
// are by name; a "last_X" request falls back to X's spec when last_X
// itself isn't registered, since a last-prefixed column carries the same
// type and shape as its base key.
type Registry struct {
	keys map[string]KeySpec
}

// NewRegistry builds a Registry from a flat list of key specs.
func NewRegistry(specs ...KeySpec) *Registry {
	r := &Registry{keys: make(map[string]KeySpec, len(specs))}
	for _, s := range specs {
		r.keys[s.Name] = s
	}
	return r
}

// Get returns the spec for name, trying the last_-stripped base name if
// name itself isn't registered. The returned spec always uses the base
// name's type/shape; callers needing the original requested name for
// buffer allocation should pass that name separately.
func (r *Registry) Get(name string) (KeySpec, bool) {
	if s, ok := r.keys[name]; ok {
		return s, true
	}
	if base, isLast := stripLastPrefix(name); isLast {
		if s, ok := r.keys[base]; ok {
			return s, true
		}
	}
	return KeySpec{}, false
}

// MustGet panics if neither name nor its last_ fallback is registered.
// Registration is validated once at Start; by the time Submit/Extract call
// this, an unknown key is a programming error, not a runtime condition.
func (r *Registry) MustGet(name string) KeySpec {
	s, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("slotreg: key %q not registered", name))
	}
	return s
}

func stripLastPrefix(name string) (base string, ok bool) {
	const prefix = "last_"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}

// Buffer is one key's backing storage for a batch slot: a contiguous,
// row-major [T, B, *shape] block of the key's element type with no padding
// between rows. Pinned is carried as metadata only: true page-locked host
// memory requires a platform allocator outside this module's scope; a
// consumer wanting real pinning swaps Data's allocator.
type Buffer struct {
	Spec KeySpec
	T, B int
	Data []byte
}

// NewBuffer allocates a zeroed [T, B, *shape] buffer for spec.
func NewBuffer(spec KeySpec, t, b int) *Buffer {
	return &Buffer{
		Spec: spec,
		T:    t,
		B:    b,
		Data: make([]byte, t*b*spec.RowBytes()),
	}
}

// rowOffset returns the byte offset of row (t, b).
func (buf *Buffer) rowOffset(t, b int) int {
	return (t*buf.B + b) * buf.Spec.RowBytes()
}

// Row returns a mutable view of row (t, b)'s bytes.
func (buf *Buffer) Row(t, b int) []byte {
	off := buf.rowOffset(t, b)
	return buf.Data[off : off+buf.Spec.RowBytes()]
}

// SetRow copies src into row (t, b). len(src) must equal RowBytes().
func (buf *Buffer) SetRow(t, b int, src []byte) {
	copy(buf.Row(t, b), src)
}

// ZeroRow clears row (t, b) to zero bytes.
func (buf *Buffer) ZeroRow(t, b int) {
	row := buf.Row(t, b)
	for i := range row {
		row[i] = 0
	}
}
