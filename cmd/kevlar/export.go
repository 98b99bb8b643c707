package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// exportEntry is one line of an exported associative table.
type exportEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// export dumps a table as JSONL, optionally zstd compressed. A log is written
// record by record; an associative table as {"key","value"} lines.
func (a *app) export(args []string) (err error) {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	output := fs.String("o", "", "Output file; defaults to stdout")
	compress := fs.Bool("zstd", false, "Compress the output with zstd")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: export [-o file] [-zstd] <table>", errUsage)
	}
	table := fs.Arg(0)
	assoc, err := isAssociative(filepath.Join(a.db.Root(), table))
	if err != nil {
		return err
	}

	w := a.out
	if *output != "" {
		f, err := os.Create(*output) //nolint:gosec // G304: user provided output path
		if err != nil {
			return err
		}
		defer func() {
			if err2 := f.Close(); err == nil {
				err = err2
			}
		}()
		w = f
	}
	if *compress {
		z, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		defer func() {
			if err2 := z.Close(); err == nil {
				err = err2
			}
		}()
		w = z
	}
	if assoc {
		return a.exportAssociative(w, table)
	}
	return a.exportLog(w, table)
}

func (a *app) exportAssociative(w io.Writer, table string) error {
	t, err := a.db.Associative(table)
	if err != nil {
		return err
	}
	keys, err := t.Keys()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, k := range keys {
		raw, ok, err := t.ReadRaw(k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := enc.Encode(exportEntry{Key: k, Value: raw}); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) exportLog(w io.Writer, table string) error {
	l, err := a.db.Log(table)
	if err != nil {
		return err
	}
	for rec, err := range l.FindAll() {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", rec); err != nil {
			return err
		}
	}
	return nil
}

// isAssociative reports whether the table directory holds shard directories.
// Logs only hold partition files.
func isAssociative(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("table %s does not exist", filepath.Base(dir))
		}
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			return true, nil
		}
	}
	return false, nil
}
