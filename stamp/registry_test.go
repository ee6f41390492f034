package stamp

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/chazu/stampgc/gcerr"
)

// scenarioRegistry builds Base/Mid1/Mid2/Leaf1/Leaf2 in declaration order.
func scenarioRegistry(t *testing.T) *Registry {
	t.Helper()
	b := NewBuilder().MustRegister(
		TypeSpec{Name: "Base", Kind: Abstract},
		TypeSpec{Name: "Mid1", Kind: Abstract, Parent: "Base"},
		TypeSpec{Name: "Mid2", Kind: Leaf, Parent: "Base", Size: 8},
		TypeSpec{Name: "Leaf1", Kind: Leaf, Parent: "Mid1", Size: 16},
		TypeSpec{Name: "Leaf2", Kind: Leaf, Parent: "Mid1", Size: 16},
	)
	reg, err := b.Assign()
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	return reg
}

func TestAssignPreorderScenario(t *testing.T) {
	reg := scenarioRegistry(t)

	want := []struct {
		name  string
		stamp Stamp
		rng   Range
	}{
		{"Base", 1, Range{1, 5}},
		{"Mid1", 2, Range{2, 4}},
		{"Leaf1", 3, Range{3, 3}},
		{"Leaf2", 4, Range{4, 4}},
		{"Mid2", 5, Range{5, 5}},
	}
	for _, w := range want {
		td, ok := reg.ByName(w.name)
		if !ok {
			t.Fatalf("%s not registered", w.name)
		}
		if td.Stamp != w.stamp {
			t.Errorf("%s stamp = %d, want %d", w.name, td.Stamp, w.stamp)
		}
		if td.Range != w.rng {
			t.Errorf("%s range = %s, want %s", w.name, td.Range, w.rng)
		}
	}

	if !IsSubtypeOf(3, Range{2, 4}) {
		t.Error("IsSubtypeOf(3, [2,4]) = false, want true")
	}
	if IsSubtypeOf(5, Range{2, 4}) {
		t.Error("IsSubtypeOf(5, [2,4]) = true, want false")
	}
}

func TestNullStampNeverAssigned(t *testing.T) {
	reg := scenarioRegistry(t)
	if _, err := reg.Lookup(Null); !gcerr.IsStampOutOfRange(err) {
		t.Errorf("Lookup(Null) error = %v, want stamp out of range", err)
	}
	if _, err := reg.Lookup(reg.MaxStamp() + 1); !gcerr.IsStampOutOfRange(err) {
		t.Errorf("Lookup(max+1) error = %v, want stamp out of range", err)
	}
	reg.Each(func(td *TypeDescriptor) {
		if td.Stamp == Null {
			t.Errorf("%s assigned the null stamp", td.Name)
		}
	})
}

func TestDuplicateRegistration(t *testing.T) {
	b := NewBuilder()
	if err := b.Register(TypeSpec{Name: "A"}); err != nil {
		t.Fatal(err)
	}
	err := b.Register(TypeSpec{Name: "A"})
	if !gcerr.IsDuplicateType(err) {
		t.Errorf("second Register error = %v, want duplicate type", err)
	}
}

func TestSecondaryWithoutFlagIsAmbiguous(t *testing.T) {
	b := NewBuilder().MustRegister(
		TypeSpec{Name: "A", Kind: Abstract},
		TypeSpec{Name: "Mixin", Kind: Abstract},
	)
	err := b.Register(TypeSpec{Name: "C", Parent: "A", Secondary: []string{"Mixin"}})
	if !gcerr.IsSubtypeAmbiguous(err) {
		t.Errorf("Register error = %v, want subtype ambiguous", err)
	}
}

func TestUnknownParentAndCycle(t *testing.T) {
	b := NewBuilder().MustRegister(TypeSpec{Name: "A", Parent: "Missing"})
	if _, err := b.Assign(); !gcerr.IsInvalidManifest(err) {
		t.Errorf("unknown parent: err = %v, want invalid manifest", err)
	}

	b = NewBuilder().MustRegister(
		TypeSpec{Name: "Root"},
		TypeSpec{Name: "X", Parent: "Y"},
		TypeSpec{Name: "Y", Parent: "X"},
	)
	if _, err := b.Assign(); !gcerr.IsInvalidManifest(err) {
		t.Errorf("cycle: err = %v, want invalid manifest", err)
	}
}

func TestMultipleInheritanceFallback(t *testing.T) {
	b := NewBuilder().MustRegister(
		TypeSpec{Name: "Object", Kind: Abstract},
		TypeSpec{Name: "Stream", Kind: Abstract, Parent: "Object"},
		TypeSpec{Name: "Closeable", Kind: Abstract, Parent: "Object"},
		TypeSpec{Name: "FileStream", Kind: Leaf, Parent: "Stream", Secondary: []string{"Closeable"}, MultipleInheritance: true},
		TypeSpec{Name: "BufferedFileStream", Kind: Leaf, Parent: "FileStream"},
		TypeSpec{Name: "StringStream", Kind: Leaf, Parent: "Stream"},
	)
	reg, err := b.Assign()
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	s := func(name string) Stamp { return reg.StampOf(name) }

	tests := []struct {
		obj, target string
		want        bool
	}{
		{"FileStream", "Stream", true},
		{"FileStream", "Closeable", true},
		{"FileStream", "Object", true},
		{"BufferedFileStream", "Closeable", true},
		{"StringStream", "Closeable", false},
		{"Closeable", "Stream", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s<:%s", tt.obj, tt.target), func(t *testing.T) {
			got, err := reg.Implements(s(tt.obj), s(tt.target))
			if err != nil {
				t.Fatalf("Implements: %v", err)
			}
			if got != tt.want {
				t.Errorf("Implements = %v, want %v", got, tt.want)
			}
		})
	}

	// The range check alone must not see the secondary base.
	cr, _ := reg.RangeOf(s("Closeable"))
	if IsSubtypeOf(s("FileStream"), cr) {
		t.Error("range check unexpectedly covers the secondary base")
	}

	bfs, _ := reg.ByName("BufferedFileStream")
	if !bfs.MultipleInheritance {
		t.Error("BufferedFileStream did not inherit the multiple-inheritance flag")
	}
}

func TestShapeMarkersHaveNoRange(t *testing.T) {
	b := NewBuilder().MustRegister(
		TypeSpec{Name: "Object", Kind: Abstract},
		TypeSpec{Name: "gctools::Vec0<T_O*>", Kind: Container, ShapeMarker: true},
		TypeSpec{Name: "Vector", Kind: Container, Parent: "Object"},
	)
	reg, err := b.Assign()
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	marker, _ := reg.ByName("gctools::Vec0<T_O*>")
	if marker.HasRange {
		t.Error("shape marker has a range")
	}
	if marker.Stamp != reg.MaxStamp() {
		t.Errorf("shape marker stamp = %d, want %d (after the spine)", marker.Stamp, reg.MaxStamp())
	}
	if _, err := reg.RangeOf(marker.Stamp); !gcerr.IsSubtypeAmbiguous(err) {
		t.Errorf("RangeOf(marker) err = %v, want subtype ambiguous", err)
	}
	if _, err := reg.Implements(reg.StampOf("Vector"), marker.Stamp); !gcerr.IsSubtypeAmbiguous(err) {
		t.Errorf("Implements(.., marker) err = %v, want subtype ambiguous", err)
	}
}

func TestAncestors(t *testing.T) {
	reg := scenarioRegistry(t)
	got, err := reg.Ancestors(reg.StampOf("Leaf2"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != reg.StampOf("Mid1") || got[1] != reg.StampOf("Base") {
		t.Errorf("Ancestors(Leaf2) = %v, want [Mid1 Base]", got)
	}
}

// ---------------------------------------------------------------------------
// Property tests over random hierarchies
// ---------------------------------------------------------------------------

// randomHierarchy registers n types where each type's parent is chosen among
// the types registered before it, or none (a new root).
func randomHierarchy(rng *rand.Rand, n int) (*Registry, map[string]string, error) {
	b := NewBuilder()
	parents := make(map[string]string, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("T%d", i)
		parent := ""
		if i > 0 && rng.Intn(8) != 0 {
			parent = fmt.Sprintf("T%d", rng.Intn(i))
		}
		parents[name] = parent
		if err := b.Register(TypeSpec{Name: name, Parent: parent}); err != nil {
			return nil, nil, err
		}
	}
	reg, err := b.Assign()
	return reg, parents, err
}

func isAncestor(parents map[string]string, anc, name string) bool {
	for p := parents[name]; p != ""; p = parents[p] {
		if p == anc {
			return true
		}
	}
	return false
}

func TestPropertyRangeInvariants(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		reg, parents, err := randomHierarchy(rng, 1+rng.Intn(60))
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}

		var all []*TypeDescriptor
		reg.Each(func(td *TypeDescriptor) { all = append(all, td) })

		if got := int(reg.MaxStamp()); got != len(all) {
			t.Errorf("seed %d: max stamp %d for %d types, stamps not dense", seed, got, len(all))
		}

		for _, td := range all {
			// Reflexivity.
			if !IsSubtypeOf(td.Stamp, td.Range) {
				t.Errorf("seed %d: %s not a subtype of itself", seed, td)
			}
			// Ancestor containment.
			anc, _ := reg.Ancestors(td.Stamp)
			for _, a := range anc {
				ad, _ := reg.Lookup(a)
				if !IsSubtypeOf(td.Stamp, ad.Range) {
					t.Errorf("seed %d: %s outside ancestor %s", seed, td, ad)
				}
			}
		}

		// Tree exclusivity: unrelated ranges are disjoint, related ranges nest.
		for i, a := range all {
			for _, c := range all[i+1:] {
				related := isAncestor(parents, a.Name, c.Name) || isAncestor(parents, c.Name, a.Name)
				if related {
					if !a.Range.Encloses(c.Range) && !c.Range.Encloses(a.Range) {
						t.Errorf("seed %d: related %s and %s do not nest", seed, a, c)
					}
					continue
				}
				if a.Range.Overlaps(c.Range) {
					t.Errorf("seed %d: unrelated %s and %s overlap", seed, a, c)
				}
				if IsSubtypeOf(a.Stamp, c.Range) || IsSubtypeOf(c.Stamp, a.Range) {
					t.Errorf("seed %d: unrelated %s and %s pass the subtype test", seed, a, c)
				}
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Leaf, Abstract, Container, BitPackedContainer, Opaque} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", k.String(), got, err, k)
		}
	}
	if _, err := ParseKind("struct"); err == nil {
		t.Error("ParseKind(struct) succeeded, want error")
	}
}
