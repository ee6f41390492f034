package manifest

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/brickingsoft/errors"

	"github.com/chazu/stampgc/gcerr"
)

// schema constrains the shape of a manifest before any table is built.
// Cross-references (parents, count slots, overlaps) are checked later by the
// table builders, which know the resolved stamps.
const schema = `
#Name: string & != ""

#FieldKind: "opaque" | "owning" | "weak" | "fixup"

#Reason: "abstract-base" | "shape-marker" | "container-element" | "externally-owned" | "container-storage"

#Field: {
	name?:   string
	offset:  int & >=0
	kind:    #FieldKind
	hidden?: bool
}

#Region: {
	"data-start":         int & >=0
	"count-slot":         int & >=0
	stride?:              int & >0
	"elements-per-unit"?: int & >0 & <=64
	element:              #Field
}

#Type: {
	name:                    #Name
	size?:                   int & >=0
	kind:                    "leaf" | "abstract" | "container" | "bitpacked" | "opaque"
	parent?:                 #Name
	secondary?: [...#Name]
	"multiple-inheritance"?: bool
	"shape-marker"?:         bool
	element?:                bool
	"finalizer-tag"?:        #Name
	"finalizer-forbid"?:     #Reason
	"deallocator-tag"?:      #Name
	"deallocator-forbid"?:   #Reason
	fields?: [...#Field]
	region?: #Region
}

#Root: {
	owner: #Name
	name:  #Name
	kind:  "owning" | "weak" | "fixup"
}

#Manifest: {
	build: {
		id?:      string
		version?: string
	}
	type: [_, ...#Type]
	root?: [...#Root]
}
`

// Validate checks doc against the manifest schema.
func Validate(doc *Document) error {
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("stampgc-schema.cue"))
	if err := s.Err(); err != nil {
		return err
	}
	def := s.LookupPath(cue.ParsePath("#Manifest"))

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return gcerr.New(gcerr.ErrInvalidManifest, errors.WithWrap(err))
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return gcerr.New(gcerr.ErrInvalidManifest,
			errors.WithMeta("file", doc.Path),
			errors.WithWrap(cueErr(err)))
	}
	return nil
}

// cueErr flattens a CUE error list into its first entry with position.
func cueErr(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err
	}
	return list[0]
}
