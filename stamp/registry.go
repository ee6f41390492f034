package stamp

import (
	"fmt"

	"github.com/brickingsoft/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/gcerr"
)

var log = commonlog.GetLogger("stampgc.stamp")

// ---------------------------------------------------------------------------
// Builder: registration and stamp assignment
// ---------------------------------------------------------------------------

// TypeSpec is the registration-time description of a type.
type TypeSpec struct {
	Name string
	Size uintptr
	Kind Kind

	// Parent names the primary base. Empty for hierarchy roots.
	Parent string
	// Secondary names every additional base ("also implements" markers).
	// A non-empty list requires MultipleInheritance.
	Secondary           []string
	MultipleInheritance bool

	ShapeMarker bool
	Element     bool
}

// Builder collects type registrations and assigns stamps once.
// A Builder is not safe for concurrent use.
type Builder struct {
	specs  []TypeSpec
	byName map[string]int
	done   bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]int)}
}

// Register adds a type. Registering the same name twice is an error, as is
// declaring secondary bases without the explicit MultipleInheritance flag.
func (b *Builder) Register(spec TypeSpec) error {
	if b.done {
		return gcerr.Invalid("register %q: registry already assigned", spec.Name)
	}
	if spec.Name == "" {
		return gcerr.Invalid("register: empty type name")
	}
	if _, dup := b.byName[spec.Name]; dup {
		return gcerr.New(gcerr.ErrDuplicateType, errors.WithMeta(gcerr.MetaTypeKey, spec.Name))
	}
	if len(spec.Secondary) > 0 && !spec.MultipleInheritance {
		return gcerr.New(gcerr.ErrSubtypeAmbiguous,
			errors.WithMeta(gcerr.MetaTypeKey, spec.Name),
			errors.WithWrap(fmt.Errorf("type %q has %d secondary bases but is not flagged multiple-inheritance", spec.Name, len(spec.Secondary))))
	}
	if spec.ShapeMarker && (spec.Parent != "" || len(spec.Secondary) > 0) {
		return gcerr.Invalid("register %q: shape markers cannot have bases", spec.Name)
	}
	if spec.Parent == spec.Name {
		return gcerr.Invalid("register %q: type is its own parent", spec.Name)
	}
	b.byName[spec.Name] = len(b.specs)
	b.specs = append(b.specs, spec)
	return nil
}

// MustRegister is Register for static fixtures; it aborts on error.
func (b *Builder) MustRegister(specs ...TypeSpec) *Builder {
	for _, spec := range specs {
		gcerr.Abort(b.Register(spec))
	}
	return b
}

// Assign numbers every registered type and returns the frozen Registry.
//
// Spine types are visited in preorder, roots and children in registration
// order. Shape markers are numbered after the spine and receive no range.
func (b *Builder) Assign() (*Registry, error) {
	if b.done {
		return nil, gcerr.Invalid("assign: registry already assigned")
	}

	n := len(b.specs)
	children := make([][]int, n)
	var roots []int
	var markers []int
	for i, spec := range b.specs {
		if spec.ShapeMarker {
			markers = append(markers, i)
			continue
		}
		if spec.Parent == "" {
			roots = append(roots, i)
			continue
		}
		p, ok := b.byName[spec.Parent]
		if !ok {
			return nil, gcerr.Invalid("type %q: unknown parent %q", spec.Name, spec.Parent)
		}
		if b.specs[p].ShapeMarker {
			return nil, gcerr.Invalid("type %q: parent %q is a shape marker", spec.Name, spec.Parent)
		}
		children[p] = append(children[p], i)
	}

	stamps := make([]Stamp, n)
	ranges := make([]Range, n)
	next := First

	type frame struct {
		idx   int
		child int
	}
	for _, root := range roots {
		stack := []frame{{idx: root}}
		stamps[root] = next
		next++
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.child < len(children[top.idx]) {
				c := children[top.idx][top.child]
				top.child++
				stamps[c] = next
				next++
				stack = append(stack, frame{idx: c})
				continue
			}
			ranges[top.idx] = Range{Low: stamps[top.idx], High: next - 1}
			stack = stack[:len(stack)-1]
		}
	}

	// Anything on the spine that was not reached hangs off a parent cycle.
	for i, spec := range b.specs {
		if !spec.ShapeMarker && stamps[i] == Null {
			return nil, gcerr.Invalid("type %q: inheritance cycle through parent %q", spec.Name, spec.Parent)
		}
	}
	for _, i := range markers {
		stamps[i] = next
		next++
	}

	reg := &Registry{
		types:  make([]*TypeDescriptor, int(next)),
		byName: make(map[string]Stamp, n),
	}
	for i, spec := range b.specs {
		td := &TypeDescriptor{
			Stamp:               stamps[i],
			Name:                spec.Name,
			Size:                spec.Size,
			Kind:                spec.Kind,
			MultipleInheritance: spec.MultipleInheritance,
			ShapeMarker:         spec.ShapeMarker,
			Element:             spec.Element,
		}
		if !spec.ShapeMarker {
			td.Range = ranges[i]
			td.HasRange = true
		}
		if spec.Parent != "" {
			td.Parent = stamps[b.byName[spec.Parent]]
		}
		for _, name := range spec.Secondary {
			j, ok := b.byName[name]
			if !ok {
				return nil, gcerr.Invalid("type %q: unknown secondary base %q", spec.Name, name)
			}
			if b.specs[j].ShapeMarker {
				return nil, gcerr.Invalid("type %q: secondary base %q is a shape marker", spec.Name, name)
			}
			td.Secondary = append(td.Secondary, stamps[j])
		}
		reg.types[td.Stamp] = td
		reg.byName[td.Name] = td.Stamp
	}

	reg.inheritSecondary()

	if err := reg.Verify(); err != nil {
		return nil, err
	}

	b.done = true
	log.Infof("assigned %d stamps (%d spine, %d shape markers)", reg.Len(), reg.Len()-len(markers), len(markers))
	reg.Each(func(td *TypeDescriptor) {
		log.Debugf("  %s", td)
	})
	return reg, nil
}

// ---------------------------------------------------------------------------
// Registry: the frozen stamp table
// ---------------------------------------------------------------------------

// Registry is the immutable stamp-indexed type table. All lookups are pure
// functions of the stamp and need no synchronization.
type Registry struct {
	types  []*TypeDescriptor // index 0 is the null stamp
	byName map[string]Stamp
}

// inheritSecondary propagates secondary bases and the multiple-inheritance
// flag down the spine. Parents always carry lower stamps, so one ascending
// pass sees every parent before its children.
func (r *Registry) inheritSecondary() {
	for s := First; s <= r.MaxStamp(); s++ {
		td := r.types[s]
		if td.Parent == Null {
			continue
		}
		parent := r.types[td.Parent]
		if !parent.MultipleInheritance {
			continue
		}
		td.MultipleInheritance = true
		merged := make([]Stamp, 0, len(parent.Secondary)+len(td.Secondary))
		merged = append(merged, td.Secondary...)
		for _, sec := range parent.Secondary {
			if !containsStamp(merged, sec) {
				merged = append(merged, sec)
			}
		}
		td.Secondary = merged
	}
}

func containsStamp(list []Stamp, s Stamp) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Verify checks the nested-interval invariant: every type's range encloses
// the ranges of its children, sibling ranges are disjoint, and each range
// starts at the type's own stamp.
func (r *Registry) Verify() error {
	lastChildHigh := make(map[Stamp]Stamp)
	for s := First; s <= r.MaxStamp(); s++ {
		td := r.types[s]
		if td == nil {
			return gcerr.Invalid("stamp %d unassigned: stamps must be dense", s)
		}
		if !td.HasRange {
			continue
		}
		if td.Range.Low != td.Stamp || td.Range.High < td.Range.Low {
			return gcerr.Invalid("type %q: range %s does not start at its stamp %d", td.Name, td.Range, td.Stamp)
		}
		if td.Parent == Null {
			continue
		}
		parent := r.types[td.Parent]
		if !parent.Range.Encloses(td.Range) || parent.Range.Low >= td.Range.Low {
			return gcerr.Invalid("type %q: range %s escapes parent %q %s", td.Name, td.Range, parent.Name, parent.Range)
		}
		if prev, ok := lastChildHigh[td.Parent]; ok && prev >= td.Range.Low {
			return gcerr.Invalid("type %q: range %s overlaps a sibling", td.Name, td.Range)
		}
		lastChildHigh[td.Parent] = td.Range.High
	}
	return nil
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	return len(r.types) - 1
}

// MaxStamp returns the highest assigned stamp.
func (r *Registry) MaxStamp() Stamp {
	return Stamp(len(r.types) - 1)
}

// Lookup returns the descriptor for s.
func (r *Registry) Lookup(s Stamp) (*TypeDescriptor, error) {
	if s == Null || int(s) >= len(r.types) {
		return nil, gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(s)), gcerr.Pkg("stamp"))
	}
	return r.types[s], nil
}

// ByName returns the descriptor registered under name.
func (r *Registry) ByName(name string) (*TypeDescriptor, bool) {
	s, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.types[s], true
}

// StampOf returns the stamp registered under name, or Null.
func (r *Registry) StampOf(name string) Stamp {
	return r.byName[name]
}

// RangeOf returns the range of s. Shape markers have no range.
func (r *Registry) RangeOf(s Stamp) (Range, error) {
	td, err := r.Lookup(s)
	if err != nil {
		return Range{}, err
	}
	if !td.HasRange {
		return Range{}, gcerr.New(gcerr.ErrSubtypeAmbiguous,
			errors.WithMeta(gcerr.MetaTypeKey, td.Name),
			errors.WithWrap(fmt.Errorf("type %q is a shape marker and has no stamp range", td.Name)))
	}
	return td.Range, nil
}

// Each calls fn for every descriptor in stamp order.
func (r *Registry) Each(fn func(td *TypeDescriptor)) {
	for _, td := range r.types[1:] {
		fn(td)
	}
}

// Ancestors returns the primary-base chain of s, nearest first.
func (r *Registry) Ancestors(s Stamp) ([]Stamp, error) {
	td, err := r.Lookup(s)
	if err != nil {
		return nil, err
	}
	var chain []Stamp
	for p := td.Parent; p != Null; p = r.types[p].Parent {
		chain = append(chain, p)
	}
	return chain, nil
}

// Implements reports whether an object stamped s is a subtype of target.
//
// The range check answers every single-inheritance query. Only types flagged
// MultipleInheritance at registration fall back to scanning their secondary
// bases; there is no implicit fallback for anything else.
func (r *Registry) Implements(s, target Stamp) (bool, error) {
	td, err := r.Lookup(s)
	if err != nil {
		return false, err
	}
	tr, err := r.RangeOf(target)
	if err != nil {
		return false, err
	}
	if !td.HasRange {
		return false, gcerr.New(gcerr.ErrSubtypeAmbiguous,
			errors.WithMeta(gcerr.MetaTypeKey, td.Name),
			errors.WithWrap(fmt.Errorf("shape marker %q has no runtime instances", td.Name)))
	}
	if tr.Contains(s) {
		return true, nil
	}
	if !td.MultipleInheritance {
		return false, nil
	}
	seen := make(map[Stamp]bool, len(td.Secondary))
	work := append([]Stamp(nil), td.Secondary...)
	for len(work) > 0 {
		sec := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[sec] {
			continue
		}
		seen[sec] = true
		if tr.Contains(sec) {
			return true, nil
		}
		// A secondary base may carry secondaries of its own.
		if st := r.types[sec]; st.MultipleInheritance {
			work = append(work, st.Secondary...)
		}
	}
	return false, nil
}
