package catalog

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcmeta"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/manifest"
)

const source = `
[build]
version = "7"

[[type]]
name = "Base"
kind = "abstract"

[[type]]
name = "Mid1"
kind = "abstract"
parent = "Base"

[[type]]
name = "Mid2"
kind = "leaf"
parent = "Base"
size = 8
fields = [{ name = "id", offset = 0, kind = "opaque" }]

[[type]]
name = "Leaf1"
kind = "leaf"
parent = "Mid1"
size = 16
fields = [
  { name = "next", offset = 0, kind = "owning" },
  { name = "meta", offset = 8, kind = "owning", hidden = true },
]

[[type]]
name = "Leaf2"
kind = "leaf"
parent = "Mid1"
size = 8
fields = [{ name = "peer", offset = 0, kind = "weak" }]

[[type]]
name = "Bag"
kind = "container"
size = 8
fields = [{ name = "fill", offset = 0, kind = "opaque" }]
region = { data-start = 8, count-slot = 0, stride = 8, element = { offset = 0, kind = "owning" } }

[[root]]
owner = "symbols"
name = "nil"
kind = "owning"

[[root]]
owner = "compiler"
name = "cache"
kind = "weak"
`

func buildTables(t *testing.T) *gcmeta.Tables {
	t.Helper()
	doc, err := manifest.Parse([]byte(source))
	if err != nil {
		t.Fatal(err)
	}
	tags, err := doc.InvokeTags()
	if err != nil {
		t.Fatal(err)
	}
	d := dispatch.NewDestructors()
	for _, tag := range tags {
		if err := d.Register(tag, func(heap.Memory, heap.Address) {}); err != nil {
			t.Fatal(err)
		}
	}
	tables, _, err := manifest.Build(doc, d)
	if err != nil {
		t.Fatal(err)
	}
	return tables
}

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExportAndQuery(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)
	tables := buildTables(t)

	if err := c.Export(ctx, tables, "7"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	builds, err := c.Builds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 || builds[0] != tables.BuildID {
		t.Errorf("builds = %v, want [%s]", builds, tables.BuildID)
	}

	subs, err := c.Subtypes(ctx, tables.BuildID, "Mid1")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"Mid1", "Leaf1", "Leaf2"}; !reflect.DeepEqual(subs, want) {
		t.Errorf("Subtypes(Mid1) = %v, want %v", subs, want)
	}
	subs, _ = c.Subtypes(ctx, tables.BuildID, "Base")
	if len(subs) != 5 {
		t.Errorf("Subtypes(Base) = %v, want 5 types", subs)
	}

	forbidden, err := c.ForbiddenEntries(ctx, tables.BuildID, "deallocate")
	if err != nil {
		t.Fatal(err)
	}
	want := []Forbidden{
		{Stamp: 1, Name: "Base", Reason: "abstract-base"},
		{Stamp: 2, Name: "Mid1", Reason: "abstract-base"},
		{Stamp: 6, Name: "Bag", Reason: "container-storage"},
	}
	if !reflect.DeepEqual(forbidden, want) {
		t.Errorf("forbidden deallocators = %+v, want %+v", forbidden, want)
	}

	owners, err := c.RootOwners(ctx, tables.BuildID)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"symbols.nil", "compiler.cache"}; !reflect.DeepEqual(owners, want) {
		t.Errorf("roots = %v, want %v", owners, want)
	}

	var hidden int
	if err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fields WHERE build = ? AND hidden = 1", tables.BuildID.String()).Scan(&hidden); err != nil {
		t.Fatal(err)
	}
	if hidden != 1 {
		t.Errorf("hidden fields = %d, want 1", hidden)
	}
}

func TestExportReplacesBuild(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)
	tables := buildTables(t)

	for i := 0; i < 2; i++ {
		if err := c.Export(ctx, tables, "7"); err != nil {
			t.Fatalf("Export #%d: %v", i, err)
		}
	}
	var types int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM types").Scan(&types); err != nil {
		t.Fatal(err)
	}
	if types != tables.Registry.Len() {
		t.Errorf("types rows = %d after re-export, want %d", types, tables.Registry.Len())
	}
	builds, _ := c.Builds(ctx)
	if len(builds) != 1 {
		t.Errorf("builds = %v, want one", builds)
	}
}
