package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcsim"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/layout"
	"github.com/chazu/stampgc/roots"
	"github.com/chazu/stampgc/stamp"
)

// handleSimulateCommand processes the `stampgc simulate` subcommand. A
// random mutator allocates instances of every instantiable type, links
// them through their owning and weak slots, and reassigns the roots
// between collections.
// Usage:
//
//	stampgc simulate -cycles 20 -objects 500 lisp.toml
func handleSimulateCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cycles := fs.Int("cycles", 10, "Collections to run")
	objects := fs.Int("objects", 100, "Objects allocated before each collection")
	maxElems := fs.Uint("elements", 8, "Maximum element count for containers")
	seed := fs.Uint64("seed", 1, "Mutator random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := optionalPath(fs)
	if err != nil {
		return err
	}

	doc, err := loadDocument(path)
	if err != nil {
		return err
	}
	calls := newCallCounter()
	tables, globals, err := buildTables(doc, calls)
	if err != nil {
		return err
	}

	var kinds []stamp.Stamp
	for _, e := range tables.Finalizers.Entries() {
		if !e.Action.Forbidden {
			kinds = append(kinds, e.Stamp)
		}
	}
	if len(kinds) == 0 {
		return fmt.Errorf("%s declares no instantiable types", doc.Path)
	}

	m := &mutator{
		c:        gcsim.New(tables, heap.NewHeap(), globals),
		rng:      rand.New(rand.NewPCG(*seed, *seed)),
		kinds:    kinds,
		maxElems: *maxElems,
	}
	for i := 1; i <= *cycles; i++ {
		if err := m.step(*objects); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		stats, err := m.c.Collect()
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		fmt.Fprintf(out, "cycle %3d: marked %5d  finalized %5d  moved %5d  weak %4d  roots %2d  live %8d bytes  %s\n",
			stats.Cycle, stats.Marked, stats.Finalized, stats.Moved, stats.WeakCleared, stats.RootsCleared,
			stats.LiveAfter, stats.Duration)
	}

	tags := make([]dispatch.TypeTag, 0, len(calls.counts))
	for tag := range calls.counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	fmt.Fprintf(out, "%d destructor calls\n", calls.total)
	for _, tag := range tags {
		fmt.Fprintf(out, "  %-24s %d\n", tag, calls.counts[tag])
	}
	return nil
}

type mutator struct {
	c        *gcsim.Collector
	rng      *rand.Rand
	kinds    []stamp.Stamp
	maxElems uint
}

func (m *mutator) pick(fresh []heap.Address) heap.Address {
	if len(fresh) == 0 || m.rng.IntN(4) == 0 {
		return heap.Nil
	}
	return fresh[m.rng.IntN(len(fresh))]
}

// step allocates n objects, wires their reference slots to each other and
// points the roots at them. Fixup slots are left nil: nothing here
// guarantees their targets stay reachable.
func (m *mutator) step(n int) error {
	tables := m.c.Tables()
	fresh := make([]heap.Address, 0, n)
	layouts := make([]*layout.Layout, 0, n)
	for range n {
		s := m.kinds[m.rng.IntN(len(m.kinds))]
		l, err := tables.Layouts.Get(s)
		if err != nil {
			return err
		}
		var count uintptr
		if l.Region != nil {
			count = uintptr(m.rng.UintN(m.maxElems + 1))
		}
		obj, err := m.c.Alloc(s, count)
		if err != nil {
			return err
		}
		fresh = append(fresh, obj)
		layouts = append(layouts, l)
	}

	for i, obj := range fresh {
		l := layouts[i]
		for _, f := range l.RefFields() {
			if f.Kind != layout.RawPointerNeedingFixup {
				m.c.Store(obj, f.Offset, m.pick(fresh))
			}
		}
		r := l.Region
		if r == nil || r.IsBitPacked() || !r.Element.Kind.IsRef() || r.Element.Kind == layout.RawPointerNeedingFixup {
			continue
		}
		count := l.Count(m.c.Heap(), obj)
		for e := uintptr(0); e < count; e++ {
			m.c.Store(obj, r.DataStart+e*r.Stride+r.Element.Offset, m.pick(fresh))
		}
	}

	return tables.ForEachRoot(func(e roots.Entry) error {
		target := heap.Nil
		if e.Kind != layout.RawPointerNeedingFixup {
			target = m.pick(fresh)
		}
		m.c.Globals().Store(e.Slot, target)
		return nil
	})
}
