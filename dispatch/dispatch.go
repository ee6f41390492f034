// Package dispatch maps stamps to destruction actions without virtual calls.
//
// The finalizer table destroys the payload of a reclaimed managed object; the
// deallocator table destroys and frees, in one step, objects that live on the
// system heap instead of the managed arena. Both tables hold exactly one
// entry per stamp. A Forbidden entry fails every time it is invoked: a
// silent no-op would hide a leaked destructor.
package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/brickingsoft/errors"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/stamp"
)

// TypeTag names the concrete host type whose destructor an entry invokes.
type TypeTag string

// Reason explains why a stamp must never be finalized or deallocated directly.
type Reason uint8

const (
	ReasonNone Reason = iota
	// AbstractBase types are never directly instantiated.
	AbstractBase
	// ShapeMarker types are compiler-internal shape markers, not runtime values.
	ShapeMarker
	// ContainerElement types live and die with their container.
	ContainerElement
	// ExternallyOwned wrappers have a lifetime manager outside this system.
	ExternallyOwned
	// ContainerStorage is owned by its enclosing object and is never freed
	// independently. Deallocator table only.
	ContainerStorage
)

var reasonNames = [...]string{
	ReasonNone:       "none",
	AbstractBase:     "abstract-base",
	ShapeMarker:      "shape-marker",
	ContainerElement: "container-element",
	ExternallyOwned:  "externally-owned",
	ContainerStorage: "container-storage",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", r)
}

// ParseReason converts a manifest reason name.
func ParseReason(s string) (Reason, error) {
	for r, name := range reasonNames {
		if r != int(ReasonNone) && s == name {
			return Reason(r), nil
		}
	}
	return ReasonNone, fmt.Errorf("unknown forbidden reason %q", s)
}

// Action is either Invoke(Tag) or Forbidden(Reason).
type Action struct {
	Tag       TypeTag
	Forbidden bool
	Reason    Reason
}

// Invoke returns an action running the destructor registered for tag.
func Invoke(tag TypeTag) Action {
	return Action{Tag: tag}
}

// Forbid returns an action that always fails with reason.
func Forbid(reason Reason) Action {
	return Action{Forbidden: true, Reason: reason}
}

func (a Action) String() string {
	if a.Forbidden {
		return "forbidden(" + a.Reason.String() + ")"
	}
	return "invoke(" + string(a.Tag) + ")"
}

// Entry is one row of a dispatch table.
type Entry struct {
	Stamp  stamp.Stamp
	Action Action
}

// ---------------------------------------------------------------------------
// Destructors
// ---------------------------------------------------------------------------

// Destructor destroys the payload of obj, viewing it as its concrete type.
type Destructor func(mem heap.Memory, obj heap.Address)

// Destroyer is implemented by typed views over managed objects.
type Destroyer interface {
	Destroy()
}

// Bind adapts a typed view constructor into a Destructor. The view is the
// "cast" of the raw address to the concrete type named by an entry's tag.
func Bind[T Destroyer](view func(mem heap.Memory, obj heap.Address) T) Destructor {
	return func(mem heap.Memory, obj heap.Address) {
		view(mem, obj).Destroy()
	}
}

// Destructors is the host-provided set of destructors, keyed by tag. It is
// filled during startup, before any dispatch table is built.
type Destructors struct {
	mu  sync.RWMutex
	fns map[TypeTag]Destructor
}

// NewDestructors creates an empty destructor set.
func NewDestructors() *Destructors {
	return &Destructors{fns: make(map[TypeTag]Destructor)}
}

// Register adds the destructor for tag. Each tag may be registered once.
func (d *Destructors) Register(tag TypeTag, fn Destructor) error {
	if fn == nil {
		return gcerr.Invalid("destructor %q is nil", tag)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.fns[tag]; dup {
		return gcerr.New(gcerr.ErrDuplicateType, errors.WithMeta(gcerr.MetaTypeKey, string(tag)))
	}
	d.fns[tag] = fn
	return nil
}

// Lookup returns the destructor for tag.
func (d *Destructors) Lookup(tag TypeTag) (Destructor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.fns[tag]
	return fn, ok
}

// Tags returns the registered tags in sorted order.
func (d *Destructors) Tags() []TypeTag {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tags := make([]TypeTag, 0, len(d.fns))
	for tag := range d.fns {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
