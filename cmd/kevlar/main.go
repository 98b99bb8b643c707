// Package main is the kevlar command line tool.
//
// kevlar reads and writes a kevlar database directory: associative tables,
// append-only logs and hourly logs. Configuration is read from kevlar.yaml
// and can be overridden with flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/kevlar/internal/config"
	"github.com/maruel/kevlar/internal/eventlog"
	"github.com/maruel/kevlar/internal/jsonldb"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const usage = `usage: kevlar [flags] <command> [args]

Commands:
  put <table> <key> <json>           write a value to an associative table
  get <table> <key>                  print the value of a key
  keys <table>                       list the keys of an associative table
  append <table> <partition> <json>  append a record to a log partition
  record <table> <json>              append a record to the current hour of a log
  find <table> [partition]           print the records of a log
  partitions <table>                 list the partitions of a log
  tail <table>                       print records as they are flushed
  trace <table> <id>                 print the events of an audited command
  export [-o file] [-zstd] <table>   dump a table as JSONL
  schema                             print the JSON schema of kevlar.yaml
  version                            print the version

Flags:
`

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "kevlar: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "kevlar.yaml", "Configuration file")
	dataDir := flag.String("data-dir", "./data", "Database root directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	commitDelay := flag.Duration("commit-delay", time.Second, "Delay before buffered mutations are flushed")
	syncWrites := flag.Bool("sync", false, "fsync every flushed file")
	audit := flag.String("audit", "", "Hourly log table recording every mutating command (optional)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	switch args[0] {
	case "version":
		printVersion()
		return nil
	case "schema":
		s, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%s\n", s)
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Flags explicitly set override the configuration file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "commit-delay":
			cfg.Storage.CommitDelay = config.Duration(*commitDelay)
		case "sync":
			cfg.Storage.Sync = *syncWrites
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		ll.Set(slog.LevelInfo)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	db, err := jsonldb.Open(cfg.DataDir, &jsonldb.Options{
		CommitDelay:   time.Duration(cfg.Storage.CommitDelay),
		MaxRetryDelay: time.Duration(cfg.Storage.MaxRetryDelay),
		Sync:          cfg.Storage.Sync,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	slog.DebugContext(ctx, "Opened database", "dir", cfg.DataDir, "commit_delay", time.Duration(cfg.Storage.CommitDelay))

	a := &app{db: db, out: os.Stdout}
	if *audit != "" {
		h, err := db.HourlyLog(*audit)
		if err != nil {
			return errors.Join(err, db.Close(ctx))
		}
		a.audit = eventlog.New(h)
	}
	err = a.run(ctx, args)

	// Buffered mutations must reach the disk before the process exits.
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err2 := db.Close(closeCtx); err2 != nil {
		err = errors.Join(err, fmt.Errorf("failed to flush database: %w", err2))
	}
	return err
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("kevlar %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
