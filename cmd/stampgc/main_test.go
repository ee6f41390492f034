package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/stampgc/manifest"
)

var testManifest = filepath.Join("..", "..", "manifest", "testdata", "stampgc.toml")

func runCmd(t *testing.T, cmd string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(cmd, args, &out)
	return out.String(), err
}

func TestCheck(t *testing.T) {
	out, err := runCmd(t, "check", testManifest, testManifest)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if n := strings.Count(out, "ok  "); n != 2 {
		t.Errorf("check reported %d manifests, want 2:\n%s", n, out)
	}
	if !strings.Contains(out, "11 types, 4 roots") {
		t.Errorf("unexpected report:\n%s", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("[[type]]\nname = \"X\"\nkind = \"leaf\"\nparent = \"Missing\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = runCmd(t, "check", testManifest, bad)
	if err == nil {
		t.Fatal("check accepted a manifest with an unknown parent")
	}
	if !strings.Contains(out, "ok  ") {
		t.Errorf("the valid manifest was not reported:\n%s", out)
	}
}

func TestCompileAndDump(t *testing.T) {
	blob := filepath.Join(t.TempDir(), "tables"+manifest.BlobExt)
	if _, err := runCmd(t, "compile", "-o", blob, testManifest); err != nil {
		t.Fatalf("compile: %v", err)
	}

	fromBlob, err := runCmd(t, "dump", blob)
	if err != nil {
		t.Fatalf("dump blob: %v", err)
	}
	fromToml, err := runCmd(t, "dump", testManifest)
	if err != nil {
		t.Fatalf("dump toml: %v", err)
	}
	if fromBlob != fromToml {
		t.Errorf("blob and source dumps differ:\n%s\n---\n%s", fromBlob, fromToml)
	}
	for _, want := range []string{
		"forbidden(abstract-base)",
		"invoke(Stream.close)",
		"(hidden)",
		"64 per word",
		"roots (4)",
	} {
		if !strings.Contains(fromToml, want) {
			t.Errorf("dump lacks %q:\n%s", want, fromToml)
		}
	}
}

func TestGen(t *testing.T) {
	out, err := runCmd(t, "gen", "-pkg", "lisp", testManifest)
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	if !strings.Contains(out, "package lisp") || !strings.Contains(out, "StampFileStream") {
		t.Errorf("unexpected generated source:\n%s", out)
	}
}

func TestExport(t *testing.T) {
	db := filepath.Join(t.TempDir(), "catalog.db")
	out, err := runCmd(t, "export", "-db", db, testManifest)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "(1 builds in catalog)") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestSimulate(t *testing.T) {
	out, err := runCmd(t, "simulate", "-cycles", "5", "-objects", "50", testManifest)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if strings.Count(out, "cycle ") != 5 {
		t.Errorf("expected five cycle lines:\n%s", out)
	}
	if !strings.Contains(out, "destructor calls") {
		t.Errorf("no destructor summary:\n%s", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := runCmd(t, "frobnicate"); err == nil {
		t.Error("unknown command accepted")
	}
	if _, err := runCmd(t, "dump", "a.toml", "b.toml"); err == nil {
		t.Error("dump accepted two manifests")
	}
}
