package main

import (
	"flag"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// handleCheckCommand processes the `stampgc check` subcommand.
// Usage:
//
//	stampgc check                    # nearest stampgc.toml
//	stampgc check a.toml b.sgcm      # several manifests, checked in parallel
func handleCheckCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	jobs := fs.Int("j", runtime.GOMAXPROCS(0), "Manifests checked concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{""}
	}

	reports := make([]string, len(paths))
	var g errgroup.Group
	g.SetLimit(max(*jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			doc, err := loadDocument(path)
			if err != nil {
				return err
			}
			tables, _, err := buildTables(doc, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", doc.Path, err)
			}
			reports[i] = fmt.Sprintf("ok  %s: %d types, %d roots, build %s",
				doc.Path, tables.Registry.Len(), tables.Roots.Len(), tables.BuildID)
			return nil
		})
	}
	err := g.Wait()

	for _, r := range reports {
		if r != "" {
			fmt.Fprintln(out, r)
		}
	}
	return err
}
