// Package gcmeta is the read-only face of the type manifest: the queries a
// collector asks while it runs.
//
// A Tables value is assembled once, usually by manifest.Build, and never
// changes afterwards. Queries take no locks and perform no I/O.
package gcmeta

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/layout"
	"github.com/chazu/stampgc/roots"
	"github.com/chazu/stampgc/stamp"
)

var log = commonlog.GetLogger("stampgc.gcmeta")

// Tables bundles every table of one manifest build.
type Tables struct {
	Registry     *stamp.Registry
	Layouts      *layout.Table
	Finalizers   *dispatch.Finalizers
	Deallocators *dispatch.Deallocators
	Roots        *roots.Table
	BuildID      uuid.UUID
}

// New checks that the tables cover the same stamps and bundles them.
func New(id uuid.UUID, reg *stamp.Registry, layouts *layout.Table,
	fin *dispatch.Finalizers, dealloc *dispatch.Deallocators, rt *roots.Table) (*Tables, error) {

	n := reg.Len()
	if layouts.Len() != n || fin.Len() != n || dealloc.Len() != n {
		return nil, gcerr.Invalid("table sizes disagree: registry %d, layouts %d, finalizers %d, deallocators %d",
			n, layouts.Len(), fin.Len(), dealloc.Len())
	}
	t := &Tables{
		Registry:     reg,
		Layouts:      layouts,
		Finalizers:   fin,
		Deallocators: dealloc,
		Roots:        rt,
		BuildID:      id,
	}
	log.Infof("tables %s: %d stamps, %d roots", id, n, rt.Len())
	return t, nil
}

// StampOf reads obj's stamp from its header.
func (t *Tables) StampOf(mem heap.Memory, obj heap.Address) stamp.Stamp {
	return heap.StampOf(mem, obj)
}

// IsSubtypeOf reports whether s falls in the subtree range of target.
func (t *Tables) IsSubtypeOf(s, target stamp.Stamp) (bool, error) {
	r, err := t.Registry.RangeOf(target)
	if err != nil {
		return false, err
	}
	if _, err := t.Registry.Lookup(s); err != nil {
		return false, err
	}
	return stamp.IsSubtypeOf(s, r), nil
}

// Implements is IsSubtypeOf with the multiple-inheritance fallback.
func (t *Tables) Implements(s, target stamp.Stamp) (bool, error) {
	return t.Registry.Implements(s, target)
}

// LayoutOf returns the descriptors of s.
func (t *Tables) LayoutOf(s stamp.Stamp) ([]layout.Field, *layout.Region, error) {
	return t.Layouts.LayoutOf(s)
}

// Finalize runs the finalizer of s on obj.
func (t *Tables) Finalize(s stamp.Stamp, mem heap.Memory, obj heap.Address) error {
	return t.Finalizers.Finalize(s, mem, obj)
}

// DeallocateUnmanaged destroys and frees obj from the system heap.
func (t *Tables) DeallocateUnmanaged(s stamp.Stamp, sys *heap.Space, obj heap.Address) error {
	return t.Deallocators.DeallocateUnmanaged(s, sys, obj)
}

// ForEachRoot walks the root table.
func (t *Tables) ForEachRoot(visit func(roots.Entry) error) error {
	return t.Roots.ForEachRoot(visit)
}

// MustIsSubtypeOf is IsSubtypeOf for hosts; integrity errors abort.
func (t *Tables) MustIsSubtypeOf(s, target stamp.Stamp) bool {
	ok, err := t.IsSubtypeOf(s, target)
	gcerr.Abort(err)
	return ok
}

// MustLayoutOf is LayoutOf for hosts; integrity errors abort.
func (t *Tables) MustLayoutOf(s stamp.Stamp) ([]layout.Field, *layout.Region) {
	fields, region, err := t.LayoutOf(s)
	gcerr.Abort(err)
	return fields, region
}

// MustFinalize is Finalize for hosts; integrity errors abort.
func (t *Tables) MustFinalize(s stamp.Stamp, mem heap.Memory, obj heap.Address) {
	gcerr.Abort(t.Finalize(s, mem, obj))
}

// MustDeallocateUnmanaged is DeallocateUnmanaged for hosts; integrity errors abort.
func (t *Tables) MustDeallocateUnmanaged(s stamp.Stamp, sys *heap.Space, obj heap.Address) {
	gcerr.Abort(t.DeallocateUnmanaged(s, sys, obj))
}

// CheckBuild verifies that a host binary was built against these tables.
// A mismatch means stamps in object headers cannot be trusted.
func (t *Tables) CheckBuild(id uuid.UUID, maxStamp stamp.Stamp) error {
	if id != t.BuildID {
		return gcerr.New(gcerr.ErrStampOutOfRange,
			errors.WithMeta("build", id.String()),
			errors.WithWrap(fmt.Errorf("binary built against manifest %s, tables are %s", id, t.BuildID)))
	}
	if maxStamp != t.Registry.MaxStamp() {
		return gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(maxStamp)),
			errors.WithWrap(fmt.Errorf("binary knows %d stamps, tables have %d", maxStamp, t.Registry.MaxStamp())))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Process-wide tables
// ---------------------------------------------------------------------------

var (
	installOnce sync.Once
	current     atomic.Pointer[Tables]
)

// Install publishes t as the process-wide tables. Only the first call with
// non-nil tables has any effect; it reports whether t was installed.
func Install(t *Tables) bool {
	if t == nil {
		return false
	}
	installed := false
	installOnce.Do(func() {
		current.Store(t)
		installed = true
		log.Infof("installed tables %s", t.BuildID)
	})
	return installed
}

// Current returns the installed tables, or nil before Install.
func Current() *Tables {
	return current.Load()
}
