// Package codegen emits the Go source a host binary compiles in: stamp
// constants, subtype ranges, root slot ids and the manifest blob, together
// with a Build function that refuses to run against a different manifest.
package codegen

import (
	"io"
	"strings"
	"unicode"

	"github.com/dave/jennifer/jen"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/manifest"
	"github.com/chazu/stampgc/stamp"
)

const (
	stampPkg    = "github.com/chazu/stampgc/stamp"
	rootsPkg    = "github.com/chazu/stampgc/roots"
	manifestPkg = "github.com/chazu/stampgc/manifest"
	gcmetaPkg   = "github.com/chazu/stampgc/gcmeta"
	dispatchPkg = "github.com/chazu/stampgc/dispatch"
	uuidPkg     = "github.com/google/uuid"
)

var log = commonlog.GetLogger("stampgc.codegen")

// Options controls the generated file.
type Options struct {
	// Package is the package clause of the generated file.
	Package string
}

// Ident converts a manifest name into an exported Go identifier fragment:
// runs of letters and digits are capitalized and joined.
func Ident(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

type names map[string]string

func (n names) claim(id, source string) error {
	if id == "" {
		return gcerr.Invalid("%q has no identifier characters", source)
	}
	if prev, ok := n[id]; ok {
		return gcerr.Invalid("%q and %q both generate identifier %s", prev, source, id)
	}
	n[id] = source
	return nil
}

// Generate builds the generated file for doc.
func Generate(doc *manifest.Document, opts Options) (*jen.File, error) {
	if opts.Package == "" {
		opts.Package = "gctables"
	}
	reg, err := doc.Registry()
	if err != nil {
		return nil, err
	}
	rt, err := doc.RootTable()
	if err != nil {
		return nil, err
	}
	id, err := doc.BuildID()
	if err != nil {
		return nil, err
	}
	blob, err := manifest.EncodeBlob(doc)
	if err != nil {
		return nil, err
	}

	f := jen.NewFile(opts.Package)
	f.HeaderComment("Code generated by stampgc gen. DO NOT EDIT.")
	f.ImportName(stampPkg, "stamp")
	f.ImportName(rootsPkg, "roots")
	f.ImportName(manifestPkg, "manifest")
	f.ImportName(gcmetaPkg, "gcmeta")
	f.ImportName(dispatchPkg, "dispatch")
	f.ImportName(uuidPkg, "uuid")

	used := names{}
	var stamps, ranges []jen.Code
	var claimErr error
	reg.Each(func(td *stamp.TypeDescriptor) {
		name := "Stamp" + Ident(td.Name)
		if err := used.claim(name, td.Name); err != nil && claimErr == nil {
			claimErr = err
		}
		stamps = append(stamps, jen.Id(name).Qual(stampPkg, "Stamp").Op("=").Lit(int(td.Stamp)))
		if !td.HasRange {
			return
		}
		ranges = append(ranges, jen.Id("Range"+Ident(td.Name)).Op("=").Qual(stampPkg, "Range").Values(jen.Dict{
			jen.Id("Low"):  jen.Lit(int(td.Range.Low)),
			jen.Id("High"): jen.Lit(int(td.Range.High)),
		}))
	})
	if claimErr != nil {
		return nil, claimErr
	}

	f.Comment("Type stamps, in preorder of the inheritance spine. Shape markers follow the spine.")
	f.Const().Defs(stamps...)
	f.Line()
	f.Comment("MaxStamp is the highest stamp this binary was generated for.")
	f.Const().Id("MaxStamp").Qual(stampPkg, "Stamp").Op("=").Lit(int(reg.MaxStamp()))
	f.Line()
	if len(ranges) > 0 {
		f.Comment("Subtype ranges: s is a subtype of T iff RangeT.Contains(s).")
		f.Var().Defs(ranges...)
		f.Line()
	}

	var slots []jen.Code
	for _, e := range rt.Entries() {
		name := "Root" + Ident(e.Owner) + Ident(e.Name)
		if err := used.claim(name, e.Owner+"."+e.Name); err != nil {
			return nil, err
		}
		slots = append(slots, jen.Id(name).Qual(rootsPkg, "SlotID").Op("=").Lit(int(e.Slot)))
	}
	if len(slots) > 0 {
		f.Comment("Root slots.")
		f.Const().Defs(slots...)
		f.Line()
	}

	f.Comment("BuildID identifies the manifest these constants were generated from.")
	f.Var().Id("BuildID").Op("=").Qual(uuidPkg, "MustParse").Call(jen.Lit(id.String()))
	f.Line()
	f.Const().Id("manifestBlob").Op("=").Lit(string(blob))
	f.Line()

	f.Comment("Manifest decodes the embedded manifest.")
	f.Func().Id("Manifest").Params().Params(jen.Op("*").Qual(manifestPkg, "Document"), jen.Error()).Block(
		jen.Return(jen.Qual(manifestPkg, "DecodeBlob").Call(jen.Index().Byte().Call(jen.Id("manifestBlob")))),
	)
	f.Line()

	f.Comment("Build constructs the collector tables from the embedded manifest and")
	f.Comment("checks them against the constants compiled into this binary.")
	f.Func().Id("Build").Params(jen.Id("d").Op("*").Qual(dispatchPkg, "Destructors")).Params(
		jen.Op("*").Qual(gcmetaPkg, "Tables"), jen.Op("*").Qual(rootsPkg, "Globals"), jen.Error(),
	).Block(
		jen.List(jen.Id("doc"), jen.Err()).Op(":=").Id("Manifest").Call(),
		jen.If(jen.Err().Op("!=").Nil()).Block(jen.Return(jen.Nil(), jen.Nil(), jen.Err())),
		jen.List(jen.Id("tables"), jen.Id("globals"), jen.Err()).Op(":=").Qual(manifestPkg, "Build").Call(jen.Id("doc"), jen.Id("d")),
		jen.If(jen.Err().Op("!=").Nil()).Block(jen.Return(jen.Nil(), jen.Nil(), jen.Err())),
		jen.If(
			jen.Err().Op(":=").Id("tables").Dot("CheckBuild").Call(jen.Id("BuildID"), jen.Id("MaxStamp")),
			jen.Err().Op("!=").Nil(),
		).Block(jen.Return(jen.Nil(), jen.Nil(), jen.Err())),
		jen.Return(jen.Id("tables"), jen.Id("globals"), jen.Nil()),
	)

	log.Infof("generated package %s: %d stamps, %d roots, %d-byte blob", opts.Package, reg.Len(), rt.Len(), len(blob))
	return f, nil
}

// Write renders the generated file for doc to w.
func Write(w io.Writer, doc *manifest.Document, opts Options) error {
	f, err := Generate(doc, opts)
	if err != nil {
		return err
	}
	return f.Render(w)
}
