// Package heap models the address space the type manifest is applied to.
//
// A Space is a word-addressed block of memory with a bump allocator. Every
// object starts with a one-word header holding its stamp and payload size;
// field offsets in layout descriptors are measured from the payload start.
// The managed arena and the system heap used for unmanaged instances are
// both Spaces at disjoint base addresses, routed by a Heap.
package heap

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/brickingsoft/errors"

	"github.com/chazu/stampgc/stamp"
)

// Address is a byte address in the simulated address space. Nil is never
// inside any Space.
type Address uint64

// Nil is the null address.
const Nil Address = 0

const (
	// WordSize is the size of a reference slot.
	WordSize = 8
	// HeaderSize is the size of the object header preceding the payload.
	HeaderSize = WordSize
	// MaxPayload is the largest word-aligned payload the header's 32-bit
	// size field can record.
	MaxPayload = 1<<32 - WordSize
)

// Base addresses for the spaces created by NewHeap.
const (
	ManagedBase    Address = 0x1000_0000
	ManagedAltBase Address = 0x2000_0000
	SystemBase     Address = 0x7f00_0000_0000
)

const freedPoison = 0xde

var (
	ErrNotAllocated = errors.Define("address is not an allocated object")
	ErrDoubleFree   = errors.Define("object already freed")
	ErrNullStamp    = errors.Define("cannot allocate with the null stamp")
	ErrTooLarge     = errors.Define("payload exceeds the header size field")
)

// Memory is word-granular access to the simulated address space.
// Load and Store panic on unaligned or unmapped addresses.
type Memory interface {
	Load(a Address) uint64
	Store(a Address, v uint64)
}

// Payload returns the address of the first payload byte of obj.
func Payload(obj Address) Address {
	return obj + HeaderSize
}

// FieldAddr returns the address of the field at offset within obj's payload.
func FieldAddr(obj Address, offset uintptr) Address {
	return obj + HeaderSize + Address(offset)
}

// StampOf reads the stamp from obj's header. The stamp is never computed,
// only copied by relocation.
func StampOf(mem Memory, obj Address) stamp.Stamp {
	return stamp.Stamp(uint32(mem.Load(obj)))
}

// PayloadSize reads the allocated payload size from obj's header.
func PayloadSize(mem Memory, obj Address) uintptr {
	return uintptr(mem.Load(obj) >> 32)
}

func header(s stamp.Stamp, payload uintptr) uint64 {
	return uint64(payload)<<32 | uint64(s)
}

// AlignWord rounds n up to a multiple of WordSize.
func AlignWord(n uintptr) uintptr {
	return (n + WordSize - 1) &^ (WordSize - 1)
}

// ---------------------------------------------------------------------------
// Space
// ---------------------------------------------------------------------------

// Block records one allocation in a Space.
type Block struct {
	Addr    Address
	Stamp   stamp.Stamp
	Payload uintptr
	Freed   bool
}

// End returns the first address past the block.
func (b *Block) End() Address {
	return b.Addr + HeaderSize + Address(b.Payload)
}

// SpaceStats summarizes a Space.
type SpaceStats struct {
	Name      string
	Allocs    int
	Frees     int
	Live      int
	LiveBytes uintptr
	Used      uintptr
}

// Space is a contiguous bump-allocated region. Freed storage is poisoned
// and never reused, so dangling references stay detectable.
type Space struct {
	name   string
	base   Address
	mem    []byte
	blocks []*Block // ascending by address
	byAddr map[Address]*Block
	frees  int
}

// NewSpace creates an empty Space starting at base.
func NewSpace(name string, base Address) *Space {
	return &Space{
		name:   name,
		base:   base,
		byAddr: make(map[Address]*Block),
	}
}

// Name returns the space's name.
func (s *Space) Name() string {
	return s.name
}

// Base returns the space's first address.
func (s *Space) Base() Address {
	return s.base
}

// Alloc reserves a zeroed object with the given stamp and payload size.
func (s *Space) Alloc(st stamp.Stamp, payload uintptr) (Address, error) {
	if st == stamp.Null {
		return Nil, errors.From(ErrNullStamp, errors.WithMeta("space", s.name))
	}
	if payload > MaxPayload {
		return Nil, errors.From(ErrTooLarge, errors.WithMeta("space", s.name),
			errors.WithWrap(fmt.Errorf("payload of %d bytes", payload)))
	}
	payload = AlignWord(payload)
	addr := s.base + Address(len(s.mem))
	s.mem = append(s.mem, make([]byte, HeaderSize+payload)...)
	s.Store(addr, header(st, payload))

	b := &Block{Addr: addr, Stamp: st, Payload: payload}
	s.blocks = append(s.blocks, b)
	s.byAddr[addr] = b
	return addr, nil
}

// Free releases obj. Freeing an interior or unknown address, or freeing
// twice, is an error.
func (s *Space) Free(obj Address) error {
	b, ok := s.byAddr[obj]
	if !ok {
		return errors.From(ErrNotAllocated, errors.WithMeta("space", s.name), errors.WithMeta("addr", fmt.Sprintf("%#x", uint64(obj))))
	}
	if b.Freed {
		return errors.From(ErrDoubleFree, errors.WithMeta("space", s.name), errors.WithMeta("addr", fmt.Sprintf("%#x", uint64(obj))))
	}
	b.Freed = true
	s.frees++
	start := int(obj - s.base)
	end := int(b.End() - s.base)
	for i := start; i < end; i++ {
		s.mem[i] = freedPoison
	}
	return nil
}

// Contains reports whether a lies inside the space's used range.
func (s *Space) Contains(a Address) bool {
	return a >= s.base && a < s.base+Address(len(s.mem))
}

// IsLive reports whether obj is the start of a live (allocated, not freed) object.
func (s *Space) IsLive(obj Address) bool {
	b, ok := s.byAddr[obj]
	return ok && !b.Freed
}

// Block returns the allocation record for obj.
func (s *Space) Block(obj Address) (Block, bool) {
	b, ok := s.byAddr[obj]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// Find returns the live object whose storage contains a, header included.
func (s *Space) Find(a Address) (Address, bool) {
	if !s.Contains(a) {
		return Nil, false
	}
	i := sort.Search(len(s.blocks), func(i int) bool {
		return s.blocks[i].End() > a
	})
	if i == len(s.blocks) {
		return Nil, false
	}
	b := s.blocks[i]
	if a < b.Addr || b.Freed {
		return Nil, false
	}
	return b.Addr, true
}

// Objects returns the live objects in address order.
func (s *Space) Objects() []Address {
	var out []Address
	for _, b := range s.blocks {
		if !b.Freed {
			out = append(out, b.Addr)
		}
	}
	return out
}

// Stats returns allocation counters for the space.
func (s *Space) Stats() SpaceStats {
	st := SpaceStats{Name: s.name, Allocs: len(s.blocks), Frees: s.frees, Used: uintptr(len(s.mem))}
	for _, b := range s.blocks {
		if !b.Freed {
			st.Live++
			st.LiveBytes += HeaderSize + b.Payload
		}
	}
	return st
}

func (s *Space) offset(a Address) int {
	if a%WordSize != 0 {
		panic(fmt.Sprintf("heap: unaligned access %#x in %s", uint64(a), s.name))
	}
	if !s.Contains(a) || !s.Contains(a+WordSize-1) {
		panic(fmt.Sprintf("heap: access %#x outside %s", uint64(a), s.name))
	}
	return int(a - s.base)
}

// Load reads the word at a.
func (s *Space) Load(a Address) uint64 {
	off := s.offset(a)
	return binary.LittleEndian.Uint64(s.mem[off : off+WordSize])
}

// Store writes the word at a.
func (s *Space) Store(a Address, v uint64) {
	off := s.offset(a)
	binary.LittleEndian.PutUint64(s.mem[off:off+WordSize], v)
}

// ---------------------------------------------------------------------------
// Heap: managed arena + system heap
// ---------------------------------------------------------------------------

// Heap routes memory accesses to the managed arena or the system heap.
type Heap struct {
	Managed *Space
	System  *Space
}

// NewHeap creates a heap with an empty managed arena and system heap.
func NewHeap() *Heap {
	return &Heap{
		Managed: NewSpace("managed", ManagedBase),
		System:  NewSpace("system", SystemBase),
	}
}

// SpaceOf returns the space containing a, or nil.
func (h *Heap) SpaceOf(a Address) *Space {
	switch {
	case h.Managed.Contains(a):
		return h.Managed
	case h.System.Contains(a):
		return h.System
	}
	return nil
}

func (h *Heap) mustSpace(a Address) *Space {
	if sp := h.SpaceOf(a); sp != nil {
		return sp
	}
	panic(fmt.Sprintf("heap: unmapped address %#x", uint64(a)))
}

// Load reads the word at a.
func (h *Heap) Load(a Address) uint64 {
	return h.mustSpace(a).Load(a)
}

// Store writes the word at a.
func (h *Heap) Store(a Address, v uint64) {
	h.mustSpace(a).Store(a, v)
}

// IsLive reports whether obj is a live object start in either space.
func (h *Heap) IsLive(obj Address) bool {
	sp := h.SpaceOf(obj)
	return sp != nil && sp.IsLive(obj)
}

// Find returns the live object containing a in either space.
func (h *Heap) Find(a Address) (Address, bool) {
	sp := h.SpaceOf(a)
	if sp == nil {
		return Nil, false
	}
	return sp.Find(a)
}
