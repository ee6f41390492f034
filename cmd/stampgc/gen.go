package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chazu/stampgc/codegen"
)

// handleGenCommand processes the `stampgc gen` subcommand.
// Usage:
//
//	stampgc gen                          # Go tables to stdout
//	stampgc gen -pkg lisp -o tables_gen.go lisp.toml
func handleGenCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	pkg := fs.String("pkg", "", "Package clause of the generated file (default gctables)")
	output := fs.String("o", "", "Output file (default stdout)")
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

	var buf bytes.Buffer
	if err := codegen.Write(&buf, doc, codegen.Options{Package: *pkg}); err != nil {
		return err
	}
	if *output == "" {
		_, err := out.Write(buf.Bytes())
		return err
	}
	if err := os.WriteFile(*output, buf.Bytes(), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *output)
	return nil
}
