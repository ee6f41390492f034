package manifest

import (
	"sort"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcerr"
	"github.com/chazu/stampgc/gcmeta"
	"github.com/chazu/stampgc/layout"
	"github.com/chazu/stampgc/roots"
	"github.com/chazu/stampgc/stamp"
)

var log = commonlog.GetLogger("stampgc.manifest")

// buildNamespace seeds build IDs derived from manifest content.
var buildNamespace = uuid.MustParse("6f1c8a52-3d0e-4b7a-9c64-2a9e5d7b1f03")

// BuildID returns the declared build id, or one derived from the canonical
// encoding of the document so that identical manifests agree.
func (d *Document) BuildID() (uuid.UUID, error) {
	if d.Build.ID != "" {
		id, err := uuid.Parse(d.Build.ID)
		if err != nil {
			return uuid.Nil, gcerr.Invalid("build id %q: %v", d.Build.ID, err)
		}
		return id, nil
	}
	body, err := EncodeBody(d)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.NewSHA1(buildNamespace, body), nil
}

// Registry assigns stamps to every declared type.
func (d *Document) Registry() (*stamp.Registry, error) {
	b := stamp.NewBuilder()
	for _, td := range d.Types {
		kind, err := stamp.ParseKind(td.Kind)
		if err != nil {
			return nil, gcerr.Invalid("type %q: %v", td.Name, err)
		}
		if td.Size < 0 {
			return nil, gcerr.Invalid("type %q: negative size %d", td.Name, td.Size)
		}
		err = b.Register(stamp.TypeSpec{
			Name:                td.Name,
			Size:                uintptr(td.Size),
			Kind:                kind,
			Parent:              td.Parent,
			Secondary:           td.Secondary,
			MultipleInheritance: td.MultipleInheritance,
			ShapeMarker:         td.ShapeMarker,
			Element:             td.Element,
		})
		if err != nil {
			return nil, err
		}
	}
	return b.Assign()
}

func fieldOf(owner string, f FieldDoc) (layout.Field, error) {
	kind, err := layout.ParseFieldKind(f.Kind)
	if err != nil {
		return layout.Field{}, gcerr.Invalid("type %q field %q: %v", owner, f.Name, err)
	}
	if f.Offset < 0 {
		return layout.Field{}, gcerr.Invalid("type %q field %q: negative offset", owner, f.Name)
	}
	return layout.Field{Offset: uintptr(f.Offset), Kind: kind, Name: f.Name, Hidden: f.Hidden}, nil
}

// Layouts converts the field declarations into layout descriptors.
func (d *Document) Layouts(reg *stamp.Registry) ([]layout.Layout, error) {
	out := make([]layout.Layout, 0, len(d.Types))
	for _, td := range d.Types {
		l := layout.Layout{Stamp: reg.StampOf(td.Name), Size: uintptr(td.Size)}
		for _, fd := range td.Fields {
			f, err := fieldOf(td.Name, fd)
			if err != nil {
				return nil, err
			}
			l.Fields = append(l.Fields, f)
		}
		if rd := td.Region; rd != nil {
			elem, err := fieldOf(td.Name, rd.Element)
			if err != nil {
				return nil, err
			}
			if rd.DataStart < 0 || rd.CountSlot < 0 || rd.Stride < 0 || rd.ElementsPerUnit < 0 {
				return nil, gcerr.Invalid("type %q: negative region parameter", td.Name)
			}
			l.Region = &layout.Region{
				DataStart:       uintptr(rd.DataStart),
				CountSlot:       uintptr(rd.CountSlot),
				Element:         elem,
				Stride:          uintptr(rd.Stride),
				ElementsPerUnit: uintptr(rd.ElementsPerUnit),
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func action(owner, tag, forbid string) (dispatch.Action, bool, error) {
	switch {
	case tag != "" && forbid != "":
		return dispatch.Action{}, false, gcerr.Invalid("type %q: both a tag and a forbidden reason", owner)
	case forbid != "":
		r, err := dispatch.ParseReason(forbid)
		if err != nil {
			return dispatch.Action{}, false, gcerr.Invalid("type %q: %v", owner, err)
		}
		return dispatch.Forbid(r), true, nil
	case tag != "":
		return dispatch.Invoke(dispatch.TypeTag(tag)), true, nil
	}
	return dispatch.Action{}, false, nil
}

// Overrides returns the finalizer and deallocator overrides declared per type.
func (d *Document) Overrides(reg *stamp.Registry) (fin, dealloc dispatch.Overrides, err error) {
	fin, dealloc = dispatch.Overrides{}, dispatch.Overrides{}
	for _, td := range d.Types {
		s := reg.StampOf(td.Name)
		a, ok, err := action(td.Name, td.FinalizerTag, td.FinalizerForbid)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			fin[s] = a
		}
		a, ok, err = action(td.Name, td.DeallocatorTag, td.DeallocatorForbid)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			dealloc[s] = a
		}
	}
	return fin, dealloc, nil
}

// InvokeTags returns every destructor tag the dispatch tables of doc will
// invoke, sorted. A host must register a destructor for each.
func (d *Document) InvokeTags() ([]dispatch.TypeTag, error) {
	reg, err := d.Registry()
	if err != nil {
		return nil, err
	}
	fin, dealloc, err := d.Overrides(reg)
	if err != nil {
		return nil, err
	}
	seen := make(map[dispatch.TypeTag]bool)
	reg.Each(func(td *stamp.TypeDescriptor) {
		for _, a := range []dispatch.Action{
			pick(fin, td, dispatch.DefaultFinalizer),
			pick(dealloc, td, dispatch.DefaultDeallocator),
		} {
			if !a.Forbidden {
				seen[a.Tag] = true
			}
		}
	})
	tags := make([]dispatch.TypeTag, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags, nil
}

func pick(o dispatch.Overrides, td *stamp.TypeDescriptor, def func(*stamp.TypeDescriptor) dispatch.Action) dispatch.Action {
	if a, ok := o[td.Stamp]; ok {
		return a
	}
	return def(td)
}

// RootTable registers the declared roots.
func (d *Document) RootTable() (*roots.Table, error) {
	b := roots.NewBuilder()
	for _, rd := range d.Roots {
		kind, err := layout.ParseFieldKind(rd.Kind)
		if err != nil {
			return nil, gcerr.Invalid("root %s.%s: %v", rd.Owner, rd.Name, err)
		}
		if _, err := b.Register(rd.Owner, rd.Name, kind); err != nil {
			return nil, err
		}
	}
	return b.Freeze(), nil
}

// Build validates doc and constructs every table from it. destructors must
// hold an entry for each tag returned by InvokeTags.
func Build(doc *Document, destructors *dispatch.Destructors) (*gcmeta.Tables, *roots.Globals, error) {
	if err := Validate(doc); err != nil {
		return nil, nil, err
	}
	if destructors == nil {
		destructors = dispatch.NewDestructors()
	}
	id, err := doc.BuildID()
	if err != nil {
		return nil, nil, err
	}
	reg, err := doc.Registry()
	if err != nil {
		return nil, nil, err
	}
	ls, err := doc.Layouts(reg)
	if err != nil {
		return nil, nil, err
	}
	lt, err := layout.NewTable(reg, ls)
	if err != nil {
		return nil, nil, err
	}
	finOver, deallocOver, err := doc.Overrides(reg)
	if err != nil {
		return nil, nil, err
	}
	fin, err := dispatch.NewFinalizers(reg, finOver, destructors)
	if err != nil {
		return nil, nil, err
	}
	dealloc, err := dispatch.NewDeallocators(reg, deallocOver, destructors)
	if err != nil {
		return nil, nil, err
	}
	rt, err := doc.RootTable()
	if err != nil {
		return nil, nil, err
	}
	tables, err := gcmeta.New(id, reg, lt, fin, dealloc, rt)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("built %s: %d types, %d roots", doc.describe(), reg.Len(), rt.Len())
	return tables, roots.NewGlobals(rt), nil
}

func (d *Document) describe() string {
	if d.Path != "" {
		return d.Path
	}
	if d.Build.Version != "" {
		return "manifest " + d.Build.Version
	}
	return "manifest"
}
