// stampgc CLI - checks, compiles and exercises type manifests
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcmeta"
	"github.com/chazu/stampgc/heap"
	"github.com/chazu/stampgc/manifest"
	"github.com/chazu/stampgc/roots"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	logFile := flag.String("log", "", "Write log messages to this file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stampgc [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Works with stampgc.toml type manifests.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  check [manifest...]        Validate and build manifests\n")
		fmt.Fprintf(os.Stderr, "  compile [-o out] [manifest] Encode a manifest blob\n")
		fmt.Fprintf(os.Stderr, "  dump [manifest|blob]       Print the built tables\n")
		fmt.Fprintf(os.Stderr, "  gen [-pkg p] [-o out] [manifest]  Generate Go tables\n")
		fmt.Fprintf(os.Stderr, "  export [-db path] [manifest]      Export tables to a SQLite catalog\n")
		fmt.Fprintf(os.Stderr, "  simulate [-cycles n] [manifest]   Run the simulated collector\n")
		fmt.Fprintf(os.Stderr, "\nWithout a manifest argument, stampgc.toml (or a compiled stampgc.sgcm)\n")
		fmt.Fprintf(os.Stderr, "is searched for upwards from the current directory.\n")
	}
	flag.Parse()

	configureLogging(*verbose, *logFile)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configureLogging sets commonlog verbosity. STAMPGC_LOG, when set to an
// integer, overrides -v.
func configureLogging(verbose bool, logFile string) {
	verbosity := 0
	if verbose {
		verbosity = 1
	}
	if env := os.Getenv("STAMPGC_LOG"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			verbosity = n
		}
	}
	var path *string
	if logFile != "" {
		path = &logFile
	}
	commonlog.Configure(verbosity, path)
}

func run(cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "check":
		return handleCheckCommand(args, out)
	case "compile":
		return handleCompileCommand(args, out)
	case "dump":
		return handleDumpCommand(args, out)
	case "gen":
		return handleGenCommand(args, out)
	case "export":
		return handleExportCommand(args, out)
	case "simulate":
		return handleSimulateCommand(args, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// loadDocument reads a TOML manifest or an encoded blob. An empty path
// searches upwards from the working directory.
func loadDocument(path string) (*manifest.Document, error) {
	if path == "" {
		doc, err := manifest.FindAndLoad(".")
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("no %s or %s found", manifest.FileName, manifest.BlobFileName)
		}
		return doc, nil
	}
	if strings.HasSuffix(path, manifest.BlobExt) {
		return manifest.LoadBlob(path)
	}
	return manifest.Load(path)
}

// optionalPath returns the single positional argument, or "".
func optionalPath(fs *flag.FlagSet) (string, error) {
	switch fs.NArg() {
	case 0:
		return "", nil
	case 1:
		return fs.Arg(0), nil
	}
	return "", fmt.Errorf("%s takes at most one manifest, got %d", fs.Name(), fs.NArg())
}

// buildTables builds doc with a destructor registered for every tag the
// tables invoke. Each call is recorded in calls when it is non-nil.
func buildTables(doc *manifest.Document, calls *callCounter) (*gcmeta.Tables, *roots.Globals, error) {
	tags, err := doc.InvokeTags()
	if err != nil {
		return nil, nil, err
	}
	d := dispatch.NewDestructors()
	for _, tag := range tags {
		tag := tag
		if err := d.Register(tag, func(heap.Memory, heap.Address) {
			if calls != nil {
				calls.add(tag)
			}
		}); err != nil {
			return nil, nil, err
		}
	}
	return manifest.Build(doc, d)
}

type callCounter struct {
	counts map[dispatch.TypeTag]int
	total  int
}

func newCallCounter() *callCounter {
	return &callCounter{counts: make(map[dispatch.TypeTag]int)}
}

func (c *callCounter) add(tag dispatch.TypeTag) {
	c.counts[tag]++
	c.total++
}
