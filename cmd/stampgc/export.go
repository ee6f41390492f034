package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/chazu/stampgc/catalog"
)

// handleExportCommand processes the `stampgc export` subcommand, writing the
// built tables into a SQLite catalog for ad-hoc queries.
// Usage:
//
//	stampgc export                       # ./stampgc.db
//	stampgc export -db tables.db -version 1.4 lisp.toml
func handleExportCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dbPath := fs.String("db", "stampgc.db", "Catalog database path")
	version := fs.String("version", "", "Version label (default: the manifest's build.version)")
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
	if *version == "" {
		*version = doc.Build.Version
	}

	c, err := catalog.Open(*dbPath)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Export(ctx, tables, *version); err != nil {
		return err
	}
	builds, err := c.Builds(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "exported build %s to %s (%d builds in catalog)\n", tables.BuildID, *dbPath, len(builds))
	return nil
}
