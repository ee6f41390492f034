// Package stamp assigns dense integer stamps to managed types and encodes the
// single-inheritance hierarchy as nested stamp ranges.
//
// A preorder walk numbers every type on first visit; each type's range covers
// its own stamp and every stamp handed out inside its subtree. "Is A a
// subtype of B" then reduces to one interval-containment check.
package stamp

import (
	"fmt"
	"strings"
)

// Stamp is the integer type tag stored in every managed object's header.
type Stamp uint32

// Null is reserved as the no-type sentinel and is never assigned.
const Null Stamp = 0

// First is the first stamp handed out by Assign.
const First Stamp = 1

// Kind classifies a registered type.
type Kind uint8

const (
	Leaf Kind = iota
	Abstract
	Container
	BitPackedContainer
	Opaque
)

var kindNames = [...]string{
	Leaf:               "leaf",
	Abstract:           "abstract",
	Container:          "container",
	BitPackedContainer: "bitpacked",
	Opaque:             "opaque",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsContainer reports whether instances of this kind carry a variable-length region.
func (k Kind) IsContainer() bool {
	return k == Container || k == BitPackedContainer
}

// ParseKind converts a manifest kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown type kind %q", s)
}

// Range is a contiguous interval of stamps covering a type and all its
// single-inheritance descendants.
type Range struct {
	Low  Stamp
	High Stamp
}

// Contains reports whether s lies within r.
func (r Range) Contains(s Stamp) bool {
	return r.Low <= s && s <= r.High
}

// Encloses reports whether other lies entirely within r.
func (r Range) Encloses(other Range) bool {
	return r.Low <= other.Low && other.High <= r.High
}

// Overlaps reports whether r and other share at least one stamp.
func (r Range) Overlaps(other Range) bool {
	return r.Low <= other.High && other.Low <= r.High
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Low, r.High)
}

// IsSubtypeOf is the hot-path subtype test.
func IsSubtypeOf(s Stamp, r Range) bool {
	return r.Low <= s && s <= r.High
}

// TypeDescriptor describes one registered type. Descriptors are created by
// Builder.Assign and are never mutated afterwards.
type TypeDescriptor struct {
	Stamp Stamp
	Name  string
	Size  uintptr
	Kind  Kind

	// Parent is the primary (range-bearing) base, Null for hierarchy roots.
	Parent Stamp
	// Secondary lists the stamps of every non-primary base. Only populated
	// when MultipleInheritance is set.
	Secondary []Stamp
	// MultipleInheritance marks types whose subtype tests may need the
	// secondary list in addition to the range check.
	MultipleInheritance bool
	// ShapeMarker marks code-generation element-shape types. They carry a
	// stamp so every table stays dense, but no range and no runtime dispatch.
	ShapeMarker bool
	// Element marks types whose instances only live inside a container.
	Element bool

	Range    Range
	HasRange bool
}

// IsAbstract reports whether the type is never directly instantiated.
func (td *TypeDescriptor) IsAbstract() bool {
	return td.Kind == Abstract
}

func (td *TypeDescriptor) String() string {
	if td.HasRange {
		return fmt.Sprintf("%s=%d %s", td.Name, td.Stamp, td.Range)
	}
	return fmt.Sprintf("%s=%d", td.Name, td.Stamp)
}
