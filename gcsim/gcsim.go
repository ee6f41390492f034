// Package gcsim is a precise, relocating mark-compact collector driven
// entirely by the type manifest. It stands in for the production collector
// in tests and in the stampgc simulate command: every decision it makes
// comes from gcmeta.Tables, with no per-type code.
package gcsim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/gcmeta"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/layout"
	"github.com/chazu/stampgc/roots"
	"github.com/chazu/stampgc/stamp"
	"github.com/chazu/stampgc/trace"
)

var log = commonlog.GetLogger("stampgc.gcsim")

var (
	// ErrDanglingReference is returned when an owning or weak slot holds an
	// address that is not a live object.
	ErrDanglingReference = errors.Define("dangling reference")
	// ErrDanglingFixup is returned when a fixup slot points into an object
	// that is about to be reclaimed. Fixup slots do not keep their target
	// alive, so some owning reference must.
	ErrDanglingFixup = errors.Define("fixup slot outlives its target")
)

// CycleStats holds statistics from a single collection.
type CycleStats struct {
	Cycle        uint64
	Marked       int
	Finalized    int
	Moved        int
	WeakCleared  int
	RootsCleared int
	SlotsFixed   int
	LiveBefore   uintptr
	LiveAfter    uintptr
	Duration     time.Duration
	Timestamp    time.Time
}

// Collector owns a heap and collects it using the tables.
type Collector struct {
	tables  *gcmeta.Tables
	heap    *heap.Heap
	globals *roots.Globals

	mu       sync.Mutex // serializes allocation and collection
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	lifeMu   sync.Mutex // protects start/stop lifecycle

	// Statistics
	cycleCount atomic.Uint64
	lastStats  atomic.Value // *CycleStats
}

// DefaultInterval is the default period of the background loop.
const DefaultInterval = 100 * time.Millisecond

// New creates a collector over h. globals must belong to t's root table.
func New(t *gcmeta.Tables, h *heap.Heap, globals *roots.Globals) *Collector {
	c := &Collector{
		tables:   t,
		heap:     h,
		globals:  globals,
		interval: DefaultInterval,
	}
	c.enabled.Store(true)
	return c
}

// Heap returns the collected heap. Its managed space is replaced on every
// collection.
func (c *Collector) Heap() *heap.Heap {
	return c.heap
}

// Globals returns the root slot storage.
func (c *Collector) Globals() *roots.Globals {
	return c.globals
}

// Tables returns the tables driving the collector.
func (c *Collector) Tables() *gcmeta.Tables {
	return c.tables
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (c *Collector) allocIn(sp *heap.Space, s stamp.Stamp, n uintptr, op string, forbidden bool) (heap.Address, error) {
	l, err := c.tables.Layouts.Get(s)
	if err != nil {
		return heap.Nil, err
	}
	if forbidden {
		td, _ := c.tables.Registry.Lookup(s)
		return heap.Nil, gcerr.New(gcerr.ErrForbiddenOperation, gcerr.Stamp(uint32(s)),
			errors.WithMeta("op", op),
			errors.WithMeta(gcerr.MetaTypeKey, td.Name),
			errors.WithWrap(fmt.Errorf("%q cannot be instantiated in %s", td.Name, sp.Name())))
	}
	if l.Region == nil && n != 0 {
		return heap.Nil, gcerr.Invalid("stamp %d is not a container; cannot allocate %d elements", s, n)
	}
	size, err := l.CheckedSize(n)
	if err != nil {
		return heap.Nil, err
	}
	obj, err := sp.Alloc(s, size)
	if err != nil {
		return heap.Nil, err
	}
	if l.Region != nil {
		l.SetCount(sp, obj, n)
	}
	return obj, nil
}

// Alloc allocates a managed instance of s. n is the element count for
// containers and must be zero otherwise. Types whose finalizer entry is
// forbidden never have standalone managed instances.
func (c *Collector) Alloc(s stamp.Stamp, n uintptr) (heap.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.tables.Finalizers.Entry(s)
	if err != nil {
		return heap.Nil, err
	}
	return c.allocIn(c.heap.Managed, s, n, "alloc", e.Action.Forbidden)
}

// AllocUnmanaged allocates s on the system heap. The instance is never
// moved or collected; it is released with gcmeta.Tables.DeallocateUnmanaged.
func (c *Collector) AllocUnmanaged(s stamp.Stamp, n uintptr) (heap.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.tables.Deallocators.Entry(s)
	if err != nil {
		return heap.Nil, err
	}
	return c.allocIn(c.heap.System, s, n, "alloc-unmanaged", e.Action.Forbidden)
}

// Deallocate releases an unmanaged instance.
func (c *Collector) Deallocate(obj heap.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.heap.System.IsLive(obj) {
		return errors.From(dispatch.ErrNotUnmanaged, errors.WithMeta("addr", fmt.Sprintf("%#x", uint64(obj))))
	}
	return c.tables.DeallocateUnmanaged(heap.StampOf(c.heap.System, obj), c.heap.System, obj)
}

// Store writes a reference into field off of obj.
func (c *Collector) Store(obj heap.Address, off uintptr, target heap.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heap.Store(heap.FieldAddr(obj, off), uint64(target))
}

// Load reads the word in field off of obj.
func (c *Collector) Load(obj heap.Address, off uintptr) heap.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return heap.Address(c.heap.Load(heap.FieldAddr(obj, off)))
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// CycleCount returns the number of completed collections.
func (c *Collector) CycleCount() uint64 {
	return c.cycleCount.Load()
}

// LastStats returns statistics from the most recent collection, or nil.
func (c *Collector) LastStats() *CycleStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

// Collect runs one full collection: mark, weak clearing, finalization,
// compaction into a fresh space, and fixup of every slot and root.
// Integrity errors are detected before anything is finalized or moved.
func (c *Collector) Collect() (*CycleStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	stats := &CycleStats{
		Cycle:      c.cycleCount.Load() + 1,
		Timestamp:  start,
		LiveBefore: c.heap.Managed.Stats().LiveBytes,
	}

	if err := c.tables.Roots.Verify(c.globals, c.heap); err != nil {
		return nil, err
	}

	// 1. Mark from roots and unmanaged instances
	marked, err := c.mark()
	if err != nil {
		return nil, err
	}
	stats.Marked = len(marked)

	// 2. Every fixup slot must land in a surviving object
	if err := c.checkFixups(marked); err != nil {
		return nil, err
	}

	// 3. Clear weak slots whose targets die
	stats.WeakCleared, err = c.clearWeak(marked)
	if err != nil {
		return nil, err
	}

	// 4. Finalize and free the dead, exactly once each
	old := c.heap.Managed
	for _, obj := range old.Objects() {
		if _, live := marked[obj]; live {
			continue
		}
		if err := c.tables.Finalize(heap.StampOf(old, obj), old, obj); err != nil {
			return nil, err
		}
		if err := old.Free(obj); err != nil {
			return nil, err
		}
		stats.Finalized++
	}

	// 5. Compact survivors into the other half
	fwd, err := c.compact(old)
	if err != nil {
		return nil, err
	}
	stats.Moved = len(fwd.moved)

	// 6. Rewrite slots in moved objects, unmanaged instances and roots
	stats.SlotsFixed, err = c.fixSlots(fwd)
	if err != nil {
		return nil, err
	}
	rootsBefore := c.liveRoots()
	if err := c.tables.Roots.Fixup(c.globals, fwd); err != nil {
		return nil, err
	}
	stats.RootsCleared = rootsBefore - c.liveRoots()

	stats.LiveAfter = c.heap.Managed.Stats().LiveBytes
	stats.Duration = time.Since(start)
	c.cycleCount.Add(1)
	c.lastStats.Store(stats)
	log.Infof("cycle %d: marked %d, finalized %d, moved %d, weak cleared %d, roots cleared %d",
		stats.Cycle, stats.Marked, stats.Finalized, stats.Moved, stats.WeakCleared, stats.RootsCleared)
	return stats, nil
}

func (c *Collector) liveRoots() int {
	n := 0
	_ = c.tables.ForEachRoot(func(e roots.Entry) error {
		if c.globals.Load(e.Slot) != heap.Nil {
			n++
		}
		return nil
	})
	return n
}

func dangling(sentinel error, s trace.Slot, target heap.Address) error {
	return errors.From(sentinel,
		errors.WithMeta("slot", s.String()),
		errors.WithWrap(fmt.Errorf("slot %s holds %#x", s, uint64(target))))
}

// mark returns the set of reachable managed objects. Owning roots and every
// live unmanaged instance are the starting points.
func (c *Collector) mark() (map[heap.Address]struct{}, error) {
	marked := make(map[heap.Address]struct{})
	var work []heap.Address
	push := func(obj heap.Address) {
		if _, ok := marked[obj]; !ok {
			marked[obj] = struct{}{}
			work = append(work, obj)
		}
	}

	_ = c.tables.ForEachRoot(func(e roots.Entry) error {
		a := c.globals.Load(e.Slot)
		if e.Kind == layout.OwningRef && c.heap.Managed.IsLive(a) {
			push(a)
		}
		return nil
	})

	v := trace.VisitorFuncs{OwningFunc: func(s trace.Slot) error {
		target := s.Target(c.heap)
		switch {
		case target == heap.Nil, c.heap.System.IsLive(target):
			return nil
		case c.heap.Managed.IsLive(target):
			push(target)
			return nil
		}
		return dangling(ErrDanglingReference, s, target)
	}}

	for _, obj := range c.heap.System.Objects() {
		if err := trace.Object(c.tables.Layouts, c.heap, obj, v); err != nil {
			return nil, err
		}
	}
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		if err := trace.Object(c.tables.Layouts, c.heap, obj, v); err != nil {
			return nil, err
		}
	}
	return marked, nil
}

// survivors returns every object whose slots outlive this cycle.
func (c *Collector) survivors(marked map[heap.Address]struct{}) []heap.Address {
	out := c.heap.System.Objects()
	for _, obj := range c.heap.Managed.Objects() {
		if _, ok := marked[obj]; ok {
			out = append(out, obj)
		}
	}
	return out
}

func (c *Collector) checkFixups(marked map[heap.Address]struct{}) error {
	survives := func(a heap.Address) bool {
		if !c.heap.Managed.Contains(a) {
			return true
		}
		obj, ok := c.heap.Managed.Find(a)
		if !ok {
			return false
		}
		_, ok = marked[obj]
		return ok
	}

	v := trace.VisitorFuncs{FixupFunc: func(s trace.Slot) error {
		if target := s.Target(c.heap); target != heap.Nil && !survives(target) {
			return dangling(ErrDanglingFixup, s, target)
		}
		return nil
	}}
	for _, obj := range c.survivors(marked) {
		if err := trace.Object(c.tables.Layouts, c.heap, obj, v); err != nil {
			return err
		}
	}
	return c.tables.ForEachRoot(func(e roots.Entry) error {
		a := c.globals.Load(e.Slot)
		if e.Kind != layout.RawPointerNeedingFixup || a == heap.Nil || survives(a) {
			return nil
		}
		return gcerr.New(gcerr.ErrRootTableInconsistency,
			errors.WithMeta(gcerr.MetaSlotKey, e.Owner+"."+e.Name),
			errors.WithWrap(fmt.Errorf("fixup root %s points into an unreachable object", e)))
	})
}

// clearWeak nils weak slots whose target is reclaimed: unmarked managed
// objects and unmanaged instances released since the last cycle.
func (c *Collector) clearWeak(marked map[heap.Address]struct{}) (int, error) {
	cleared := 0
	v := trace.VisitorFuncs{WeakFunc: func(s trace.Slot) error {
		target := s.Target(c.heap)
		switch {
		case target == heap.Nil:
			return nil
		case c.heap.System.Contains(target):
			if c.heap.System.IsLive(target) {
				return nil
			}
		case c.heap.Managed.Contains(target):
			if _, ok := marked[target]; ok {
				return nil
			}
		default:
			return nil
		}
		c.heap.Store(s.Addr, uint64(heap.Nil))
		cleared++
		return nil
	}}
	for _, obj := range c.survivors(marked) {
		if err := trace.Object(c.tables.Layouts, c.heap, obj, v); err != nil {
			return 0, err
		}
	}
	return cleared, nil
}

// forwarding maps addresses in the evacuated space to the new space.
type forwarding struct {
	old   *heap.Space
	sys   *heap.Space
	moved map[heap.Address]heap.Address
}

// Forward translates a, preserving its offset within the object. Unmanaged
// instances never move.
func (f *forwarding) Forward(a heap.Address) (heap.Address, bool) {
	if !f.old.Contains(a) {
		if f.sys.Contains(a) {
			_, ok := f.sys.Find(a)
			return a, ok
		}
		return heap.Nil, false
	}
	obj, ok := f.old.Find(a)
	if !ok {
		return heap.Nil, false
	}
	n, ok := f.moved[obj]
	if !ok {
		return heap.Nil, false
	}
	return n + (a - obj), true
}

// compact copies every live object of old into a fresh space at the other
// base address. Only the instance size is copied; the stamp travels in the
// header unchanged.
func (c *Collector) compact(old *heap.Space) (*forwarding, error) {
	base := heap.ManagedAltBase
	if old.Base() == heap.ManagedAltBase {
		base = heap.ManagedBase
	}
	to := heap.NewSpace(old.Name(), base)
	fwd := &forwarding{old: old, sys: c.heap.System, moved: make(map[heap.Address]heap.Address)}

	for _, obj := range old.Objects() {
		s := heap.StampOf(old, obj)
		l, err := c.tables.Layouts.Get(s)
		if err != nil {
			return nil, err
		}
		size := l.InstanceSize(old, obj)
		if size > heap.PayloadSize(old, obj) {
			return nil, gcerr.New(gcerr.ErrStampOutOfRange, gcerr.Stamp(uint32(s)),
				errors.WithWrap(fmt.Errorf("object %#x claims %d payload bytes but has %d",
					uint64(obj), size, heap.PayloadSize(old, obj))))
		}
		n, err := to.Alloc(s, size)
		if err != nil {
			return nil, err
		}
		for off := uintptr(0); off < heap.AlignWord(size); off += heap.WordSize {
			to.Store(heap.FieldAddr(n, off), old.Load(heap.FieldAddr(obj, off)))
		}
		fwd.moved[obj] = n
	}
	c.heap.Managed = to
	return fwd, nil
}

func (c *Collector) fixSlots(fwd *forwarding) (int, error) {
	fixed := 0
	rewrite := func(s trace.Slot) error {
		target := s.Target(c.heap)
		if target == heap.Nil || !fwd.old.Contains(target) {
			return nil
		}
		n, ok := fwd.Forward(target)
		if !ok {
			return dangling(ErrDanglingReference, s, target)
		}
		c.heap.Store(s.Addr, uint64(n))
		fixed++
		return nil
	}
	v := trace.VisitorFuncs{OwningFunc: rewrite, WeakFunc: rewrite, FixupFunc: rewrite}

	objs := append(c.heap.System.Objects(), c.heap.Managed.Objects()...)
	for _, obj := range objs {
		if err := trace.Object(c.tables.Layouts, c.heap, obj, v); err != nil {
			return 0, err
		}
	}
	return fixed, nil
}

// ---------------------------------------------------------------------------
// Background loop
// ---------------------------------------------------------------------------

// SetInterval changes the period of the background loop. It takes effect
// on the next Start.
func (c *Collector) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	c.lifeMu.Lock()
	c.interval = d
	c.lifeMu.Unlock()
}

// SetEnabled enables or disables background collection.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Start begins periodic collection. Calling Start twice runs one loop.
// A collection error is logged as critical and stops the loop.
func (c *Collector) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.stop != nil {
		return // already running
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop(c.interval, c.stop, c.stopped)
}

// Stop halts the background loop and waits for it to finish.
func (c *Collector) Stop() {
	c.lifeMu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.lifeMu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

func (c *Collector) loop(interval time.Duration, stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !c.enabled.Load() {
				continue
			}
			if _, err := c.Collect(); err != nil {
				log.Criticalf("background collection failed: %v", err)
				return
			}
		}
	}
}
