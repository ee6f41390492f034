// Package roots is the table of process-wide global slots that hold
// references into the managed heap.
//
// Every module that owns such a global registers it here, by owner and name,
// before the table is frozen. The collector walks the frozen table once per
// relocation cycle to rewrite the slots.
package roots

import (
	"fmt"
	"sync"

	"github.com/brickingsoft/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/layout"
)

var log = commonlog.GetLogger("stampgc.roots")

// SlotID identifies one global slot. Zero is never a valid slot.
type SlotID uint32

// Entry is one registered root.
type Entry struct {
	Slot  SlotID
	Kind  layout.FieldKind
	Owner string
	Name  string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s.%s#%d(%s)", e.Owner, e.Name, e.Slot, e.Kind)
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// Builder collects root registrations. It is safe for concurrent use so
// modules may register from their own init paths.
type Builder struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]SlotID
	frozen  bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]SlotID)}
}

// Register adds the global owner.name and returns its slot.
func (b *Builder) Register(owner, name string, kind layout.FieldKind) (SlotID, error) {
	if owner == "" || name == "" {
		return 0, gcerr.Invalid("root registration needs an owner and a name")
	}
	if !kind.IsRef() {
		return 0, gcerr.Invalid("root %s.%s: opaque globals are not roots", owner, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return 0, gcerr.Invalid("root %s.%s: table already frozen", owner, name)
	}
	key := owner + "." + name
	if _, dup := b.seen[key]; dup {
		return 0, gcerr.New(gcerr.ErrDuplicateType, errors.WithMeta(gcerr.MetaSlotKey, key))
	}
	id := SlotID(len(b.entries) + 1)
	b.entries = append(b.entries, Entry{Slot: id, Kind: kind, Owner: owner, Name: name})
	b.seen[key] = id
	return id, nil
}

// MustRegister is Register for static declarations; it aborts on error.
func (b *Builder) MustRegister(owner, name string, kind layout.FieldKind) SlotID {
	id, err := b.Register(owner, name, kind)
	gcerr.Abort(err)
	return id
}

// Freeze closes registration and returns the immutable table.
func (b *Builder) Freeze() *Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	t := &Table{entries: append([]Entry(nil), b.entries...)}
	log.Infof("root table: %d roots", len(t.entries))
	return t
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

// Table is the frozen root list.
type Table struct {
	entries []Entry
}

// Len returns the number of roots.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the root list in registration order.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Lookup returns the entry for slot id.
func (t *Table) Lookup(id SlotID) (Entry, bool) {
	if id == 0 || int(id) > len(t.entries) {
		return Entry{}, false
	}
	return t.entries[id-1], true
}

// ForEachRoot calls visit for every root in registration order. The walk
// itself never blocks; excluding mutators is the caller's job.
func (t *Table) ForEachRoot(visit func(Entry) error) error {
	for _, e := range t.entries {
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

// Globals is the storage behind the registered slots.
type Globals struct {
	slots []heap.Address
}

// NewGlobals allocates nil-initialized storage for every root in t.
func NewGlobals(t *Table) *Globals {
	return &Globals{slots: make([]heap.Address, len(t.entries)+1)}
}

// Load returns the address stored in slot id.
func (g *Globals) Load(id SlotID) heap.Address {
	return g.slots[id]
}

// Store writes a into slot id.
func (g *Globals) Store(id SlotID, a heap.Address) {
	g.slots[id] = a
}

// Resolver answers liveness questions about heap addresses.
type Resolver interface {
	IsLive(obj heap.Address) bool
	Find(a heap.Address) (heap.Address, bool)
}

// Forwarding maps pre-relocation addresses to their new location. Forward
// accepts interior addresses and preserves their offset within the object.
// It returns false when the containing object was reclaimed.
type Forwarding interface {
	Forward(old heap.Address) (heap.Address, bool)
}

func inconsistent(e Entry, a heap.Address, why string) error {
	return gcerr.New(gcerr.ErrRootTableInconsistency,
		errors.WithMeta(gcerr.MetaSlotKey, e.Owner+"."+e.Name),
		errors.WithWrap(fmt.Errorf("root %s holds %#x: %s", e, uint64(a), why)))
}

// Verify checks that every non-nil root points at live memory: owning and
// weak roots at an object start, fixup roots anywhere inside a live object.
func (t *Table) Verify(g *Globals, r Resolver) error {
	return t.ForEachRoot(func(e Entry) error {
		a := g.Load(e.Slot)
		if a == heap.Nil {
			return nil
		}
		if e.Kind == layout.RawPointerNeedingFixup {
			if _, ok := r.Find(a); !ok {
				return inconsistent(e, a, "not inside a live object")
			}
			return nil
		}
		if !r.IsLive(a) {
			return inconsistent(e, a, "not a live object")
		}
		return nil
	})
}

// Fixup rewrites every root after a relocation cycle. Weak roots whose
// target was reclaimed are cleared; any other root whose target cannot be
// forwarded is an inconsistency.
func (t *Table) Fixup(g *Globals, fwd Forwarding) error {
	return t.ForEachRoot(func(e Entry) error {
		a := g.Load(e.Slot)
		if a == heap.Nil {
			return nil
		}
		na, ok := fwd.Forward(a)
		if !ok {
			if e.Kind == layout.WeakRef {
				g.Store(e.Slot, heap.Nil)
				return nil
			}
			return inconsistent(e, a, "target was not forwarded")
		}
		g.Store(e.Slot, na)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Process-wide registration
// ---------------------------------------------------------------------------

// Default collects roots declared by modules at package init time.
var Default = NewBuilder()

// Register declares a global root on Default.
func Register(owner, name string, kind layout.FieldKind) SlotID {
	return Default.MustRegister(owner, name, kind)
}
