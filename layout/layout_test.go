package layout

import (
	"testing"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/stamp"
)

func fixtureRegistry(t *testing.T) *stamp.Registry {
	t.Helper()
	reg, err := stamp.NewBuilder().MustRegister(
		stamp.TypeSpec{Name: "Object", Kind: stamp.Abstract},
		stamp.TypeSpec{Name: "Cons", Kind: stamp.Leaf, Parent: "Object", Size: 24},
		stamp.TypeSpec{Name: "SimpleVector", Kind: stamp.Container, Parent: "Object", Size: 16},
		stamp.TypeSpec{Name: "BitVector", Kind: stamp.BitPackedContainer, Parent: "Object", Size: 8},
	).Assign()
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return reg
}

func fixtureLayouts(reg *stamp.Registry) []Layout {
	return []Layout{
		{Stamp: reg.StampOf("Object")},
		{Stamp: reg.StampOf("Cons"), Fields: []Field{
			{Offset: 8, Kind: OwningRef, Name: "cdr"},
			{Offset: 0, Kind: OwningRef, Name: "car"},
			{Offset: 16, Kind: Opaque, Name: "hash"},
		}},
		{Stamp: reg.StampOf("SimpleVector"),
			Fields: []Field{{Offset: 0, Kind: Opaque, Name: "length"}, {Offset: 8, Kind: Opaque, Name: "flags"}},
			Region: &Region{DataStart: 16, CountSlot: 0, Stride: 8, Element: Field{Kind: OwningRef, Name: "elt"}},
		},
		{Stamp: reg.StampOf("BitVector"),
			Fields: []Field{{Offset: 0, Kind: Opaque, Name: "length"}},
			Region: &Region{DataStart: 8, CountSlot: 0, ElementsPerUnit: 64, Element: Field{Kind: Opaque, Name: "bit"}},
		},
	}
}

func TestNewTableSortsFields(t *testing.T) {
	reg := fixtureRegistry(t)
	tbl, err := NewTable(reg, fixtureLayouts(reg))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	fields, region, err := tbl.LayoutOf(reg.StampOf("Cons"))
	if err != nil {
		t.Fatal(err)
	}
	if region != nil {
		t.Error("Cons has a region")
	}
	if len(fields) != 3 || fields[0].Name != "car" || fields[1].Name != "cdr" {
		t.Errorf("fields = %+v, want car, cdr, hash in offset order", fields)
	}
	if tbl.Len() != reg.Len() {
		t.Errorf("Len = %d, want %d", tbl.Len(), reg.Len())
	}
}

func TestGetOutOfRange(t *testing.T) {
	reg := fixtureRegistry(t)
	tbl, _ := NewTable(reg, fixtureLayouts(reg))
	for _, s := range []stamp.Stamp{stamp.Null, reg.MaxStamp() + 1} {
		if _, err := tbl.Get(s); !gcerr.IsStampOutOfRange(err) {
			t.Errorf("Get(%d) err = %v, want stamp out of range", s, err)
		}
	}
}

func TestValidation(t *testing.T) {
	reg := fixtureRegistry(t)
	cons := reg.StampOf("Cons")
	vec := reg.StampOf("SimpleVector")
	bits := reg.StampOf("BitVector")

	replace := func(l Layout) []Layout {
		out := fixtureLayouts(reg)
		for i := range out {
			if out[i].Stamp == l.Stamp {
				out[i] = l
			}
		}
		return out
	}

	tests := []struct {
		name    string
		layouts []Layout
	}{
		{"missing layout", fixtureLayouts(reg)[:3]},
		{"region on leaf", replace(Layout{Stamp: cons, Region: &Region{DataStart: 24, Stride: 8}})},
		{"unaligned ref", replace(Layout{Stamp: cons, Fields: []Field{{Offset: 4, Kind: OwningRef}}})},
		{"overlapping fields", replace(Layout{Stamp: cons, Fields: []Field{{Offset: 8, Kind: Opaque}, {Offset: 8, Kind: OwningRef}}})},
		{"field beyond size", replace(Layout{Stamp: cons, Fields: []Field{{Offset: 24, Kind: OwningRef}}})},
		{"container without region", replace(Layout{Stamp: vec, Fields: []Field{{Offset: 0, Kind: Opaque}}})},
		{"count slot not a field", replace(Layout{Stamp: vec,
			Region: &Region{DataStart: 16, CountSlot: 0, Stride: 8, Element: Field{Kind: OwningRef}}})},
		{"count slot is a reference", replace(Layout{Stamp: vec,
			Fields: []Field{{Offset: 0, Kind: OwningRef}},
			Region: &Region{DataStart: 16, CountSlot: 0, Stride: 8, Element: Field{Kind: OwningRef}}})},
		{"region before fixed fields", replace(Layout{Stamp: vec,
			Fields: []Field{{Offset: 0, Kind: Opaque}, {Offset: 8, Kind: Opaque}},
			Region: &Region{DataStart: 8, CountSlot: 0, Stride: 8, Element: Field{Kind: OwningRef}}})},
		{"container without stride", replace(Layout{Stamp: vec,
			Fields: []Field{{Offset: 0, Kind: Opaque}},
			Region: &Region{DataStart: 16, CountSlot: 0, Element: Field{Kind: OwningRef}}})},
		{"bit-packed reference elements", replace(Layout{Stamp: bits,
			Fields: []Field{{Offset: 0, Kind: Opaque}},
			Region: &Region{DataStart: 8, CountSlot: 0, ElementsPerUnit: 64, Element: Field{Kind: WeakRef}}})},
		{"bit-packed with stride", replace(Layout{Stamp: bits,
			Fields: []Field{{Offset: 0, Kind: Opaque}},
			Region: &Region{DataStart: 8, CountSlot: 0, Stride: 1, ElementsPerUnit: 64}})},
		{"duplicate layout", append(fixtureLayouts(reg), Layout{Stamp: cons})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(reg, tt.layouts); !gcerr.IsInvalidManifest(err) {
				t.Errorf("NewTable err = %v, want invalid manifest", err)
			}
		})
	}
}

func TestInstanceSize(t *testing.T) {
	reg := fixtureRegistry(t)
	tbl, err := NewTable(reg, fixtureLayouts(reg))
	if err != nil {
		t.Fatal(err)
	}
	sp := heap.NewSpace("test", heap.ManagedBase)

	vec, _ := tbl.Get(reg.StampOf("SimpleVector"))
	obj, _ := sp.Alloc(vec.Stamp, vec.SizeFor(5))
	vec.SetCount(sp, obj, 5)
	if got := vec.Count(sp, obj); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
	if got := vec.InstanceSize(sp, obj); got != 16+5*8 {
		t.Errorf("vector InstanceSize = %d, want %d", got, 16+5*8)
	}

	bits, _ := tbl.Get(reg.StampOf("BitVector"))
	for _, tt := range []struct{ n, want uintptr }{{0, 8}, {1, 16}, {64, 16}, {65, 24}, {130, 32}} {
		if got := bits.SizeFor(tt.n); got != tt.want {
			t.Errorf("bit vector SizeFor(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}

	cons, _ := tbl.Get(reg.StampOf("Cons"))
	if !cons.HasRefs() || len(cons.RefFields()) != 2 {
		t.Errorf("Cons ref fields = %v, want car and cdr", cons.RefFields())
	}
	if bits.HasRefs() {
		t.Error("bit vector reports references")
	}
}

func TestParseFieldKind(t *testing.T) {
	for _, k := range []FieldKind{Opaque, OwningRef, WeakRef, RawPointerNeedingFixup} {
		got, err := ParseFieldKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseFieldKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseFieldKind("strong"); err == nil {
		t.Error("ParseFieldKind(strong) succeeded")
	}
}

func TestCheckedSize(t *testing.T) {
	reg := fixtureRegistry(t)
	tbl, err := NewTable(reg, fixtureLayouts(reg))
	if err != nil {
		t.Fatal(err)
	}
	vec, _ := tbl.Get(reg.StampOf("SimpleVector"))
	bits, _ := tbl.Get(reg.StampOf("BitVector"))
	cons, _ := tbl.Get(reg.StampOf("Cons"))

	tests := []struct {
		name string
		l    *Layout
		n    uintptr
		want uintptr
		ok   bool
	}{
		{"vector", vec, 5, 16 + 5*8, true},
		{"vector at limit", vec, (heap.MaxPayload - 16) / 8, heap.MaxPayload, true},
		{"vector past limit", vec, (heap.MaxPayload-16)/8 + 1, 0, false},
		{"vector wraps", vec, 1 << 61, 0, false},
		{"bits", bits, 130, 32, true},
		{"bits wraps", bits, ^uintptr(0), 0, false},
		{"fixed", cons, 0, 24, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.l.CheckedSize(tt.n)
			if !tt.ok {
				if !gcerr.IsInvalidManifest(err) {
					t.Errorf("CheckedSize(%d) = %d, %v; want invalid manifest", tt.n, got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("CheckedSize(%d) = %d, %v; want %d", tt.n, got, err, tt.want)
			}
			if got != tt.l.SizeFor(tt.n) {
				t.Errorf("CheckedSize(%d) = %d disagrees with SizeFor", tt.n, got)
			}
		})
	}
}
