// Package trace is the collector's generic tracer. It visits every reference
// slot of an object using only the object's stamp and the layout table; there
// is no per-type tracing code anywhere.
package trace

import (
	"fmt"

	"github.com/brickingsoft/errors"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/layout"
)

// Slot is one reference slot found by the tracer. Addr is the slot itself,
// so a visitor can rewrite it after relocation.
type Slot struct {
	Addr  heap.Address
	Kind  layout.FieldKind
	Field string
	// Element is the element index for slots in a variable-length region,
	// or -1 for fixed fields.
	Element int
}

// Target reads the address currently stored in the slot.
func (s Slot) Target(mem heap.Memory) heap.Address {
	return heap.Address(mem.Load(s.Addr))
}

func (s Slot) String() string {
	if s.Element >= 0 {
		return fmt.Sprintf("%s[%d]@%#x(%s)", s.Field, s.Element, uint64(s.Addr), s.Kind)
	}
	return fmt.Sprintf("%s@%#x(%s)", s.Field, uint64(s.Addr), s.Kind)
}

// Visitor receives each reference slot by kind. Returning an error stops
// the trace.
type Visitor interface {
	Owning(s Slot) error
	Weak(s Slot) error
	Fixup(s Slot) error
}

// VisitorFuncs adapts plain functions to Visitor. Nil functions skip
// slots of that kind.
type VisitorFuncs struct {
	OwningFunc func(Slot) error
	WeakFunc   func(Slot) error
	FixupFunc  func(Slot) error
}

func (v VisitorFuncs) Owning(s Slot) error {
	if v.OwningFunc == nil {
		return nil
	}
	return v.OwningFunc(s)
}

func (v VisitorFuncs) Weak(s Slot) error {
	if v.WeakFunc == nil {
		return nil
	}
	return v.WeakFunc(s)
}

func (v VisitorFuncs) Fixup(s Slot) error {
	if v.FixupFunc == nil {
		return nil
	}
	return v.FixupFunc(s)
}

func dispatch(v Visitor, s Slot) error {
	switch s.Kind {
	case layout.OwningRef:
		return v.Owning(s)
	case layout.WeakRef:
		return v.Weak(s)
	case layout.RawPointerNeedingFixup:
		return v.Fixup(s)
	}
	return nil
}

// Object visits every reference slot of obj. The stamp is read from the
// object header. Null slots are still reported; visitors decide what a
// nil reference means.
func Object(tbl *layout.Table, mem heap.Memory, obj heap.Address, v Visitor) error {
	l, err := tbl.Get(heap.StampOf(mem, obj))
	if err != nil {
		return err
	}
	return WithLayout(l, mem, obj, v)
}

// WithLayout traces obj with an already resolved layout. An object whose
// layout and count slot describe more bytes than its header allocated is
// rejected before any slot is visited.
func WithLayout(l *layout.Layout, mem heap.Memory, obj heap.Address, v Visitor) error {
	n := l.Count(mem, obj)
	size, err := l.CheckedSize(n)
	if payload := heap.PayloadSize(mem, obj); err != nil || size > payload {
		return gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(l.Stamp)),
			errors.WithMeta("addr", fmt.Sprintf("%#x", uint64(obj))),
			errors.WithWrap(fmt.Errorf("%d elements do not fit a %d-byte payload", n, payload)))
	}

	for _, f := range l.Fields {
		if !f.Kind.IsRef() {
			continue
		}
		s := Slot{Addr: heap.FieldAddr(obj, f.Offset), Kind: f.Kind, Field: f.Name, Element: -1}
		if err := dispatch(v, s); err != nil {
			return err
		}
	}

	r := l.Region
	if r == nil || !r.Element.Kind.IsRef() {
		// Bit-packed and scalar element data carries no references.
		return nil
	}
	for i := uintptr(0); i < n; i++ {
		s := Slot{Addr: r.ElementAddr(obj, i), Kind: r.Element.Kind, Field: r.Element.Name, Element: int(i)}
		if err := dispatch(v, s); err != nil {
			return err
		}
	}
	return nil
}

// Refs collects every reference slot of obj.
func Refs(tbl *layout.Table, mem heap.Memory, obj heap.Address) ([]Slot, error) {
	var slots []Slot
	collect := func(s Slot) error {
		slots = append(slots, s)
		return nil
	}
	err := Object(tbl, mem, obj, VisitorFuncs{OwningFunc: collect, WeakFunc: collect, FixupFunc: collect})
	return slots, err
}
