// Package manifest handles stampgc.toml type manifests.
//
// A manifest is the single declarative source for every table the collector
// consults: the type hierarchy, field layouts, dispatch overrides and the
// root table. It is authored as TOML, checked against a CUE schema, and
// shipped inside the binary as a compact CBOR blob.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Files searched for by FindAndLoad. A directory's TOML source wins over a
// compiled blob beside it.
const (
	FileName     = "stampgc.toml"
	BlobExt      = ".sgcm"
	BlobFileName = "stampgc" + BlobExt
)

// Document is a parsed type manifest.
type Document struct {
	Build BuildInfo `toml:"build" json:"build" cbor:"1,keyasint"`
	Types []TypeDoc `toml:"type" json:"type" cbor:"2,keyasint"`
	Roots []RootDoc `toml:"root" json:"root,omitempty" cbor:"3,keyasint,omitempty"`

	// Path is the file the document was loaded from (set at load time).
	Path string `toml:"-" json:"-" cbor:"-"`
}

// BuildInfo identifies one manifest build.
type BuildInfo struct {
	ID      string `toml:"id" json:"id,omitempty" cbor:"1,keyasint,omitempty"`
	Version string `toml:"version" json:"version,omitempty" cbor:"2,keyasint,omitempty"`
}

// TypeDoc declares one runtime type.
type TypeDoc struct {
	Name                string   `toml:"name" json:"name" cbor:"1,keyasint"`
	Size                int64    `toml:"size" json:"size,omitempty" cbor:"2,keyasint,omitempty"`
	Kind                string   `toml:"kind" json:"kind" cbor:"3,keyasint"`
	Parent              string   `toml:"parent" json:"parent,omitempty" cbor:"4,keyasint,omitempty"`
	Secondary           []string `toml:"secondary" json:"secondary,omitempty" cbor:"5,keyasint,omitempty"`
	MultipleInheritance bool     `toml:"multiple-inheritance" json:"multiple-inheritance,omitempty" cbor:"6,keyasint,omitempty"`
	ShapeMarker         bool     `toml:"shape-marker" json:"shape-marker,omitempty" cbor:"7,keyasint,omitempty"`
	Element             bool     `toml:"element" json:"element,omitempty" cbor:"8,keyasint,omitempty"`

	FinalizerTag      string `toml:"finalizer-tag" json:"finalizer-tag,omitempty" cbor:"9,keyasint,omitempty"`
	FinalizerForbid   string `toml:"finalizer-forbid" json:"finalizer-forbid,omitempty" cbor:"10,keyasint,omitempty"`
	DeallocatorTag    string `toml:"deallocator-tag" json:"deallocator-tag,omitempty" cbor:"11,keyasint,omitempty"`
	DeallocatorForbid string `toml:"deallocator-forbid" json:"deallocator-forbid,omitempty" cbor:"12,keyasint,omitempty"`

	Fields []FieldDoc  `toml:"fields" json:"fields,omitempty" cbor:"13,keyasint,omitempty"`
	Region *RegionDoc `toml:"region" json:"region,omitempty" cbor:"14,keyasint,omitempty"`
}

// FieldDoc declares one word slot.
type FieldDoc struct {
	Name   string `toml:"name" json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Offset int64  `toml:"offset" json:"offset" cbor:"2,keyasint"`
	Kind   string `toml:"kind" json:"kind" cbor:"3,keyasint"`
	Hidden bool   `toml:"hidden" json:"hidden,omitempty" cbor:"4,keyasint,omitempty"`
}

// RegionDoc declares the variable-length region of a container.
type RegionDoc struct {
	DataStart       int64    `toml:"data-start" json:"data-start" cbor:"1,keyasint"`
	CountSlot       int64    `toml:"count-slot" json:"count-slot" cbor:"2,keyasint"`
	Stride          int64    `toml:"stride" json:"stride,omitempty" cbor:"3,keyasint,omitempty"`
	ElementsPerUnit int64    `toml:"elements-per-unit" json:"elements-per-unit,omitempty" cbor:"4,keyasint,omitempty"`
	Element         FieldDoc `toml:"element" json:"element" cbor:"5,keyasint"`
}

// RootDoc declares one process-wide root slot.
type RootDoc struct {
	Owner string `toml:"owner" json:"owner" cbor:"1,keyasint"`
	Name  string `toml:"name" json:"name" cbor:"2,keyasint"`
	Kind  string `toml:"kind" json:"kind" cbor:"3,keyasint"`
}

// Parse decodes a TOML manifest.
func Parse(data []byte) (*Document, error) {
	var doc Document
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown manifest key %q", undecoded[0].String())
	}
	return &doc, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	doc.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return doc, nil
}

// FindAndLoad walks up from startDir to the nearest directory holding a
// stampgc.toml or a compiled stampgc.sgcm, and loads it. A blob is only
// used when the directory has no TOML source. Returns nil if neither is
// found.
func FindAndLoad(startDir string) (*Document, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if path := filepath.Join(dir, FileName); exists(path) {
			return Load(path)
		}
		if path := filepath.Join(dir, BlobFileName); exists(path) {
			log.Debugf("no %s in %s, using compiled %s", FileName, dir, BlobFileName)
			return LoadBlob(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// Type returns the declaration named name.
func (d *Document) Type(name string) (*TypeDoc, bool) {
	for i := range d.Types {
		if d.Types[i].Name == name {
			return &d.Types[i], true
		}
	}
	return nil, false
}
