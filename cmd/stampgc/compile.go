package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/manifest"
	"github.com/chazu/stampgc/roots"
	"github.com/chazu/stampgc/stamp"
)

// handleCompileCommand processes the `stampgc compile` subcommand.
// Usage:
//
//	stampgc compile                  # ./stampgc.sgcm
//	stampgc compile -o tables.sgcm lisp.toml
func handleCompileCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	output := fs.String("o", manifest.BlobFileName, "Output blob path")
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
	if err := manifest.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", doc.Path, err)
	}
	blob, err := manifest.EncodeBlob(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*output, blob, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (%d bytes)\n", *output, len(blob))
	return nil
}

// handleDumpCommand processes the `stampgc dump` subcommand. It prints
// every stamp with its range, dispatch actions and layout, then the roots.
func handleDumpCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
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
	tables, _, err := buildTables(doc, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "build %s (%d types)\n", tables.BuildID, tables.Registry.Len())
	var dumpErr error
	tables.Registry.Each(func(td *stamp.TypeDescriptor) {
		if dumpErr != nil {
			return
		}
		fin, err := tables.Finalizers.Entry(td.Stamp)
		if err != nil {
			dumpErr = err
			return
		}
		dealloc, err := tables.Deallocators.Entry(td.Stamp)
		if err != nil {
			dumpErr = err
			return
		}
		dumpType(out, td, fin, dealloc)

		fields, region, err := tables.LayoutOf(td.Stamp)
		if err != nil {
			dumpErr = err
			return
		}
		for _, f := range fields {
			fmt.Fprintf(out, "      +%-4d %-8s %s%s\n", f.Offset, f.Kind, f.Name, hiddenMark(f.Hidden))
		}
		if region != nil {
			unit := fmt.Sprintf("stride %d", region.Stride)
			if region.IsBitPacked() {
				unit = fmt.Sprintf("%d per word", region.ElementsPerUnit)
			}
			fmt.Fprintf(out, "      [%d..] count@%d %s, element %s\n",
				region.DataStart, region.CountSlot, unit, region.Element.Kind)
		}
	})
	if dumpErr != nil {
		return dumpErr
	}

	fmt.Fprintf(out, "roots (%d)\n", tables.Roots.Len())
	return tables.ForEachRoot(func(e roots.Entry) error {
		fmt.Fprintf(out, "  %3d  %s\n", e.Slot, e)
		return nil
	})
}

func dumpType(out io.Writer, td *stamp.TypeDescriptor, fin, dealloc dispatch.Entry) {
	var flags []string
	if td.ShapeMarker {
		flags = append(flags, "marker")
	}
	if td.Element {
		flags = append(flags, "element")
	}
	if td.MultipleInheritance {
		flags = append(flags, "mi")
	}
	rng := "-"
	if td.HasRange {
		rng = td.Range.String()
	}
	fmt.Fprintf(out, "  %3d  %-24s %-10s %-9s %s\n", td.Stamp, td.Name, td.Kind, rng, strings.Join(flags, ","))
	fmt.Fprintf(out, "       finalize %s, deallocate %s\n", fin.Action, dealloc.Action)
}

func hiddenMark(hidden bool) string {
	if hidden {
		return " (hidden)"
	}
	return ""
}
