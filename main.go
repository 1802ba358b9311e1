package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose    bool
	pid        int
	cacheDir   string
	searchPath string
	timeout    time.Duration
	demangle   string
	deferred   bool
	labels     []string

	modules struct {
		watch time.Duration
		otlp  string
	}
	symbols struct {
		module string
		pprof  string
	}
	sync struct {
		store string
	}
	addr struct {
		name string
	}
	name struct {
		addr string
	}
	line struct {
		addr string
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "dbgsym")
	}
	return filepath.Join(os.TempDir(), "dbgsym")
}

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Module and symbol inspection for a running process.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("pid", "Process to inspect. Defaults to this process.").Short('p').Envar("DBGSYM_PID").Default(fmt.Sprint(os.Getpid())).IntVar(&cfg.pid)
	app.Flag("cache-dir", "Directory downloaded debug files are stored in.").Envar("DBGSYM_CACHE_DIR").Default(defaultCacheDir()).StringVar(&cfg.cacheDir)
	app.Flag("search-path", "Debug file search path, ';' separated. Elements are directories, SRV*[cache*]url or DEBUGINFOD*[cache*]url.").Envar("DBGSYM_SEARCH_PATH").StringVar(&cfg.searchPath)
	app.Flag("timeout", "Bound on every operation that may download symbols.").Default("2m").DurationVar(&cfg.timeout)
	app.Flag("demangle", "How much of a mangled name to keep.").Default("full").EnumVar(&cfg.demangle, "full", "templates", "simplified")
	app.Flag("deferred", "Read module symbols on first use.").Default("false").BoolVar(&cfg.deferred)
	app.Flag("label", "User label, ADDR=TEXT. May be repeated.").StringsVar(&cfg.labels)

	modulesCmd := app.Command("modules", "List the modules loaded in the process.")
	modulesCmd.Flag("watch", "Keep listing the modules whenever they change, polling at this interval.").DurationVar(&cfg.modules.watch)
	modulesCmd.Flag("otlp", "Write the modules and their symbols as OTLP profiles data to this file.").StringVar(&cfg.modules.otlp)

	symbolsCmd := app.Command("symbols", "Enumerate the symbols of a module.")
	symbolsCmd.Arg("module", "Module name, with or without extension.").Required().StringVar(&cfg.symbols.module)
	symbolsCmd.Flag("pprof", "Also write the symbols as a gzipped pprof profile to this file.").StringVar(&cfg.symbols.pprof)

	syncCmd := app.Command("sync", "Download debug files for every loaded module.")
	syncCmd.Arg("store", "Symbol store url.").StringVar(&cfg.sync.store)

	addrCmd := app.Command("addr", "Resolve a symbol name, optionally module qualified, to an address.")
	addrCmd.Arg("name", "Symbol name or module!name.").Required().StringVar(&cfg.addr.name)

	nameCmd := app.Command("name", "Resolve an address to its symbolic name.")
	nameCmd.Arg("addr", "Address.").Required().StringVar(&cfg.name.addr)

	lineCmd := app.Command("line", "Resolve an address to its source line.")
	lineCmd.Arg("addr", "Address.").Required().StringVar(&cfg.line.addr)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch parsedCmd {
	case modulesCmd.FullCommand():
		err = listModules(ctx)
	case symbolsCmd.FullCommand():
		err = listSymbols(ctx)
	case syncCmd.FullCommand():
		err = syncSymbols(ctx)
	case addrCmd.FullCommand():
		err = addressFromName(ctx)
	case nameCmd.FullCommand():
		err = symbolicName(ctx)
	case lineCmd.FullCommand():
		err = sourceLine(ctx)
	default:
		slog.Error("Unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
	os.Exit(checkError(err))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
