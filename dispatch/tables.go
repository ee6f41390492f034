package dispatch

import (
	"fmt"

	"github.com/brickingsoft/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/stamp"
)

var log = commonlog.GetLogger("stampgc.dispatch")

// ErrNotUnmanaged is returned when deallocation is requested for an address
// that is not a live system-heap object.
var ErrNotUnmanaged = errors.Define("object is not a live unmanaged instance")

const (
	opFinalize   = "finalize"
	opDeallocate = "deallocate"
)

// Overrides replaces the default action for individual stamps.
type Overrides map[stamp.Stamp]Action

// DefaultFinalizer derives a type's finalizer action from its descriptor.
func DefaultFinalizer(td *stamp.TypeDescriptor) Action {
	switch {
	case td.ShapeMarker:
		return Forbid(ShapeMarker)
	case td.Kind == stamp.Abstract:
		return Forbid(AbstractBase)
	case td.Element:
		return Forbid(ContainerElement)
	case td.Kind == stamp.Opaque:
		return Forbid(ExternallyOwned)
	}
	return Invoke(TypeTag(td.Name))
}

// DefaultDeallocator derives a type's deallocator action. Containers are
// always forbidden: their storage belongs to the enclosing object.
func DefaultDeallocator(td *stamp.TypeDescriptor) Action {
	if td.Kind.IsContainer() && !td.ShapeMarker {
		return Forbid(ContainerStorage)
	}
	return DefaultFinalizer(td)
}

// table is the stamp-indexed storage shared by both dispatch tables.
type table struct {
	op      string
	entries []Entry
	names   []string
	fns     []Destructor
}

func buildTable(op string, reg *stamp.Registry, overrides Overrides, d *Destructors,
	def func(*stamp.TypeDescriptor) Action) (*table, error) {

	n := int(reg.MaxStamp()) + 1
	t := &table{
		op:      op,
		entries: make([]Entry, n),
		names:   make([]string, n),
		fns:     make([]Destructor, n),
	}
	for s := range overrides {
		if _, err := reg.Lookup(s); err != nil {
			return nil, err
		}
	}

	var invoked, forbidden int
	var buildErr error
	reg.Each(func(td *stamp.TypeDescriptor) {
		if buildErr != nil {
			return
		}
		action := def(td)
		if o, ok := overrides[td.Stamp]; ok {
			if err := checkOverride(op, td, o); err != nil {
				buildErr = err
				return
			}
			action = o
		}
		t.entries[td.Stamp] = Entry{Stamp: td.Stamp, Action: action}
		t.names[td.Stamp] = td.Name
		if action.Forbidden {
			forbidden++
			return
		}
		fn, ok := d.Lookup(action.Tag)
		if !ok {
			buildErr = gcerr.Invalid("%s table: type %q invokes tag %q with no registered destructor", op, td.Name, action.Tag)
			return
		}
		t.fns[td.Stamp] = fn
		invoked++
	})
	if buildErr != nil {
		return nil, buildErr
	}
	log.Infof("%s table: %d invoke, %d forbidden", op, invoked, forbidden)
	return t, nil
}

// checkOverride refuses overrides that would make a type dispatchable when
// it can never be a standalone live object.
func checkOverride(op string, td *stamp.TypeDescriptor, a Action) error {
	if a.Forbidden {
		if a.Reason == ReasonNone {
			return gcerr.Invalid("%s table: type %q forbidden without a reason", op, td.Name)
		}
		return nil
	}
	switch {
	case td.ShapeMarker:
		return gcerr.Invalid("%s table: shape marker %q cannot be invoked", op, td.Name)
	case td.Kind == stamp.Abstract:
		return gcerr.Invalid("%s table: abstract type %q cannot be invoked", op, td.Name)
	case op == opDeallocate && td.Kind.IsContainer():
		return gcerr.Invalid("%s table: container %q cannot be deallocated independently", op, td.Name)
	}
	if a.Tag == "" {
		return gcerr.Invalid("%s table: type %q invoked without a tag", op, td.Name)
	}
	return nil
}

func (t *table) lookup(s stamp.Stamp) (Entry, Destructor, error) {
	if s == stamp.Null || int(s) >= len(t.entries) {
		return Entry{}, nil, gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(s)), gcerr.Pkg("dispatch"),
			errors.WithMeta("op", t.op))
	}
	e := t.entries[s]
	if e.Action.Forbidden {
		return e, nil, gcerr.New(gcerr.ErrForbiddenOperation,
			gcerr.Stamp(uint32(s)),
			errors.WithMeta("op", t.op),
			errors.WithMeta(gcerr.MetaTypeKey, t.names[s]),
			errors.WithMeta(gcerr.MetaReasonKey, e.Action.Reason.String()),
			errors.WithWrap(fmt.Errorf("%s %q: forbidden (%s)", t.op, t.names[s], e.Action.Reason)))
	}
	return e, t.fns[s], nil
}

// Entry returns the table row for s.
func (t *table) Entry(s stamp.Stamp) (Entry, error) {
	if s == stamp.Null || int(s) >= len(t.entries) {
		return Entry{}, gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(s)), gcerr.Pkg("dispatch"))
	}
	return t.entries[s], nil
}

// Entries returns every row in stamp order.
func (t *table) Entries() []Entry {
	return append([]Entry(nil), t.entries[1:]...)
}

// Len returns the number of stamps covered.
func (t *table) Len() int {
	return len(t.entries) - 1
}

// ---------------------------------------------------------------------------
// Finalizers
// ---------------------------------------------------------------------------

// Finalizers is the finalizer dispatch table. Finalization only destroys
// the payload; reclaiming storage is the sweep's job and may happen in a
// separate pass.
type Finalizers struct {
	*table
}

// NewFinalizers builds the finalizer table for every stamp in reg.
func NewFinalizers(reg *stamp.Registry, overrides Overrides, d *Destructors) (*Finalizers, error) {
	t, err := buildTable(opFinalize, reg, overrides, d, DefaultFinalizer)
	if err != nil {
		return nil, err
	}
	return &Finalizers{t}, nil
}

// Finalize runs the destructor for s on obj. A Forbidden entry returns
// ErrForbiddenOperation on every call.
func (f *Finalizers) Finalize(s stamp.Stamp, mem heap.Memory, obj heap.Address) error {
	_, fn, err := f.lookup(s)
	if err != nil {
		return err
	}
	fn(mem, obj)
	return nil
}

// ---------------------------------------------------------------------------
// Deallocators
// ---------------------------------------------------------------------------

// Deallocators is the dispatch table for unmanaged instances: the successful
// action destroys the object and returns its storage to the system heap.
type Deallocators struct {
	*table
}

// NewDeallocators builds the deallocator table for every stamp in reg.
func NewDeallocators(reg *stamp.Registry, overrides Overrides, d *Destructors) (*Deallocators, error) {
	t, err := buildTable(opDeallocate, reg, overrides, d, DefaultDeallocator)
	if err != nil {
		return nil, err
	}
	return &Deallocators{t}, nil
}

// DeallocateUnmanaged destroys obj and frees it from sys. obj must be a live
// object in sys whose header carries s.
func (d *Deallocators) DeallocateUnmanaged(s stamp.Stamp, sys *heap.Space, obj heap.Address) error {
	_, fn, err := d.lookup(s)
	if err != nil {
		return err
	}
	if !sys.IsLive(obj) {
		return errors.From(ErrNotUnmanaged,
			errors.WithMeta("space", sys.Name()),
			errors.WithMeta("addr", fmt.Sprintf("%#x", uint64(obj))))
	}
	if hs := heap.StampOf(sys, obj); hs != s {
		return gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(s)),
			errors.WithWrap(fmt.Errorf("header stamp %d does not match requested stamp %d", hs, s)))
	}
	fn(sys, obj)
	return sys.Free(obj)
}
