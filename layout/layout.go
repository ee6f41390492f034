// Package layout holds the per-stamp field-layout descriptors consumed by the
// generic tracer.
//
// A Layout lists every fixed-offset field of a type and, for containers, one
// trailing variable-length Region. The tracer has no per-type code, so a
// Layout must be exhaustive: a reference field missing here is never traced.
package layout

import (
	"fmt"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/stamp"
)

var log = commonlog.GetLogger("stampgc.layout")

// FieldKind says how the tracer treats a slot.
type FieldKind uint8

const (
	// Opaque slots hold scalars or bookkeeping and are skipped.
	Opaque FieldKind = iota
	// OwningRef slots keep their target alive and are rewritten on relocation.
	OwningRef
	// WeakRef slots are visited for bookkeeping, do not keep the target
	// alive, and are cleared when the target is reclaimed.
	WeakRef
	// RawPointerNeedingFixup slots point into another managed block without
	// owning it, and are rewritten on relocation.
	RawPointerNeedingFixup
)

var fieldKindNames = [...]string{
	Opaque:                 "opaque",
	OwningRef:              "owning",
	WeakRef:                "weak",
	RawPointerNeedingFixup: "fixup",
}

func (k FieldKind) String() string {
	if int(k) < len(fieldKindNames) {
		return fieldKindNames[k]
	}
	return fmt.Sprintf("FieldKind(%d)", k)
}

// IsRef reports whether the tracer visits slots of this kind.
func (k FieldKind) IsRef() bool {
	return k != Opaque
}

// ParseFieldKind converts a manifest field-kind name.
func ParseFieldKind(s string) (FieldKind, error) {
	for k, name := range fieldKindNames {
		if s == name {
			return FieldKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

// Field describes one fixed-offset word slot. Offset is measured from the
// start of the object payload.
type Field struct {
	Offset uintptr
	Kind   FieldKind
	Name   string
	// Hidden fields are not exposed to reflection. It has no effect on tracing.
	Hidden bool
}

// Region describes the trailing element-repeating part of a container.
//
// Byte containers set Stride; bit-packed containers set ElementsPerUnit,
// packing that many sub-byte elements into each word.
type Region struct {
	DataStart       uintptr
	CountSlot       uintptr
	Element         Field
	Stride          uintptr
	ElementsPerUnit uintptr
}

// IsBitPacked reports whether elements are packed below word granularity.
func (r *Region) IsBitPacked() bool {
	return r.ElementsPerUnit != 0
}

// ElementAddr returns the address of element i's slot within obj.
func (r *Region) ElementAddr(obj heap.Address, i uintptr) heap.Address {
	return heap.FieldAddr(obj, r.DataStart+i*r.Stride+r.Element.Offset)
}

// Extent returns the number of payload bytes count elements occupy.
func (r *Region) Extent(count uintptr) uintptr {
	if r.IsBitPacked() {
		units := (count + r.ElementsPerUnit - 1) / r.ElementsPerUnit
		return units * heap.WordSize
	}
	return count * r.Stride
}

// Layout is the complete descriptor list for one stamp.
type Layout struct {
	Stamp  stamp.Stamp
	Size   uintptr
	Fields []Field
	Region *Region
}

// Count reads the live element count of a container instance.
func (l *Layout) Count(mem heap.Memory, obj heap.Address) uintptr {
	if l.Region == nil {
		return 0
	}
	return uintptr(mem.Load(heap.FieldAddr(obj, l.Region.CountSlot)))
}

// SetCount writes the live element count of a container instance.
func (l *Layout) SetCount(mem heap.Memory, obj heap.Address, n uintptr) {
	mem.Store(heap.FieldAddr(obj, l.Region.CountSlot), uint64(n))
}

// InstanceSize returns the payload size an instance needs: the fixed part
// plus its variable region for the current element count.
func (l *Layout) InstanceSize(mem heap.Memory, obj heap.Address) uintptr {
	if l.Region == nil {
		return l.Size
	}
	return l.Region.DataStart + l.Region.Extent(l.Count(mem, obj))
}

// SizeFor returns the payload size of a container holding n elements.
func (l *Layout) SizeFor(n uintptr) uintptr {
	if l.Region == nil {
		return l.Size
	}
	return l.Region.DataStart + l.Region.Extent(n)
}

// CheckedSize is SizeFor for an untrusted element count. It fails when the
// size overflows or cannot be recorded in an object header.
func (l *Layout) CheckedSize(n uintptr) (uintptr, error) {
	tooLarge := func() error {
		return gcerr.Invalid("stamp %d: %d elements exceed the %d-byte payload limit", l.Stamp, n, uintptr(heap.MaxPayload))
	}
	if l.Region == nil {
		if l.Size > heap.MaxPayload {
			return 0, tooLarge()
		}
		return l.Size, nil
	}
	r := l.Region
	if r.DataStart > heap.MaxPayload {
		return 0, tooLarge()
	}
	room := heap.MaxPayload - r.DataStart
	var extent uintptr
	if r.IsBitPacked() {
		units := n / r.ElementsPerUnit
		if n%r.ElementsPerUnit != 0 {
			units++
		}
		if units > room/heap.WordSize {
			return 0, tooLarge()
		}
		extent = units * heap.WordSize
	} else {
		if r.Stride != 0 && n > room/r.Stride {
			return 0, tooLarge()
		}
		extent = n * r.Stride
	}
	return r.DataStart + extent, nil
}

// RefFields returns the fixed fields the tracer visits.
func (l *Layout) RefFields() []Field {
	var out []Field
	for _, f := range l.Fields {
		if f.Kind.IsRef() {
			out = append(out, f)
		}
	}
	return out
}

// HasRefs reports whether instances can hold any reference at all.
func (l *Layout) HasRefs() bool {
	if len(l.RefFields()) > 0 {
		return true
	}
	return l.Region != nil && l.Region.Element.Kind.IsRef()
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// Table maps every stamp to its Layout. It is immutable once built.
type Table struct {
	layouts []*Layout // index 0 is the null stamp
}

// NewTable validates layouts against reg and indexes them by stamp. Every
// registered stamp must have exactly one layout.
func NewTable(reg *stamp.Registry, layouts []Layout) (*Table, error) {
	t := &Table{layouts: make([]*Layout, int(reg.MaxStamp())+1)}
	for i := range layouts {
		l := layouts[i]
		td, err := reg.Lookup(l.Stamp)
		if err != nil {
			return nil, err
		}
		if t.layouts[l.Stamp] != nil {
			return nil, gcerr.Invalid("type %q: duplicate layout", td.Name)
		}
		l.Fields = append([]Field(nil), l.Fields...)
		if l.Region != nil {
			r := *l.Region
			l.Region = &r
		}
		sort.SliceStable(l.Fields, func(i, j int) bool { return l.Fields[i].Offset < l.Fields[j].Offset })
		if l.Size == 0 {
			l.Size = td.Size
		}
		if err := validate(td, &l); err != nil {
			return nil, err
		}
		t.layouts[l.Stamp] = &l
	}
	for s := stamp.First; s <= reg.MaxStamp(); s++ {
		if t.layouts[s] == nil {
			td, _ := reg.Lookup(s)
			return nil, gcerr.Invalid("type %q: no layout descriptor", td.Name)
		}
	}
	log.Infof("layout table: %d stamps", reg.Len())
	return t, nil
}

func validate(td *stamp.TypeDescriptor, l *Layout) error {
	end := uintptr(0)
	for i, f := range l.Fields {
		if f.Kind.IsRef() && f.Offset%heap.WordSize != 0 {
			return gcerr.Invalid("type %q: reference field %q at unaligned offset %d", td.Name, f.Name, f.Offset)
		}
		if i > 0 && f.Offset < end {
			return gcerr.Invalid("type %q: field %q at %d overlaps previous field", td.Name, f.Name, f.Offset)
		}
		end = f.Offset + heap.WordSize
		if end > heap.AlignWord(l.Size) {
			return gcerr.Invalid("type %q: field %q at %d exceeds size %d", td.Name, f.Name, f.Offset, l.Size)
		}
	}

	if !td.Kind.IsContainer() {
		if l.Region != nil {
			return gcerr.Invalid("type %q: kind %s cannot have a variable-length region", td.Name, td.Kind)
		}
		return nil
	}
	r := l.Region
	if r == nil {
		// Shape markers only describe element layouts for code generation.
		if td.ShapeMarker {
			return nil
		}
		return gcerr.Invalid("type %q: container without a variable-length region", td.Name)
	}
	if r.DataStart < end || r.DataStart < heap.AlignWord(l.Size) {
		return gcerr.Invalid("type %q: region data starts at %d, before the fixed fields end", td.Name, r.DataStart)
	}
	if r.DataStart%heap.WordSize != 0 {
		return gcerr.Invalid("type %q: region data start %d is unaligned", td.Name, r.DataStart)
	}
	count, ok := fieldAt(l.Fields, r.CountSlot)
	if !ok || count.Kind != Opaque {
		return gcerr.Invalid("type %q: count slot %d is not an opaque fixed field", td.Name, r.CountSlot)
	}

	switch td.Kind {
	case stamp.BitPackedContainer:
		if r.ElementsPerUnit == 0 || r.Stride != 0 {
			return gcerr.Invalid("type %q: bit-packed region needs elements-per-unit and no stride", td.Name)
		}
		if r.Element.Kind != Opaque {
			return gcerr.Invalid("type %q: bit-packed elements cannot hold references", td.Name)
		}
	case stamp.Container:
		if r.Stride == 0 || r.ElementsPerUnit != 0 {
			return gcerr.Invalid("type %q: container region needs a stride", td.Name)
		}
		if r.Element.Kind.IsRef() {
			if r.Stride%heap.WordSize != 0 || r.Element.Offset%heap.WordSize != 0 {
				return gcerr.Invalid("type %q: reference elements must be word aligned", td.Name)
			}
		}
		if r.Element.Offset+heap.WordSize > heap.AlignWord(r.Stride) {
			return gcerr.Invalid("type %q: element slot at %d exceeds stride %d", td.Name, r.Element.Offset, r.Stride)
		}
	}
	return nil
}

func fieldAt(fields []Field, offset uintptr) (Field, bool) {
	for _, f := range fields {
		if f.Offset == offset {
			return f, true
		}
	}
	return Field{}, false
}

// Get returns the Layout for s.
func (t *Table) Get(s stamp.Stamp) (*Layout, error) {
	if s == stamp.Null || int(s) >= len(t.layouts) {
		return nil, gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(s)), gcerr.Pkg("layout"))
	}
	return t.layouts[s], nil
}

// LayoutOf returns the fixed fields and the optional variable-length region of s.
func (t *Table) LayoutOf(s stamp.Stamp) ([]Field, *Region, error) {
	l, err := t.Get(s)
	if err != nil {
		return nil, nil, err
	}
	return l.Fields, l.Region, nil
}

// Len returns the number of stamps covered.
func (t *Table) Len() int {
	return len(t.layouts) - 1
}
