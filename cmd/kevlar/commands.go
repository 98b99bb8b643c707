package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/kevlar/internal/eventlog"
	"github.com/maruel/kevlar/internal/jsonldb"
)

var errUsage = errors.New("invalid arguments")

// app runs one command against an open database.
type app struct {
	db  *jsonldb.Database
	out io.Writer
	// audit, if set, records every mutating command.
	audit *eventlog.Recorder
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("%w: put <table> <key> <json>", errUsage)
		}
		return a.audited(cmd, args, func() error { return a.put(args[0], args[1], args[2]) })
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("%w: get <table> <key>", errUsage)
		}
		return a.get(args[0], args[1])
	case "keys":
		if len(args) != 1 {
			return fmt.Errorf("%w: keys <table>", errUsage)
		}
		return a.keys(args[0])
	case "append":
		if len(args) != 3 {
			return fmt.Errorf("%w: append <table> <partition> <json>", errUsage)
		}
		return a.audited(cmd, args, func() error { return a.append(args[0], args[1], args[2]) })
	case "record":
		if len(args) != 2 {
			return fmt.Errorf("%w: record <table> <json>", errUsage)
		}
		return a.audited(cmd, args, func() error { return a.record(args[0], args[1]) })
	case "find":
		if len(args) != 1 && len(args) != 2 {
			return fmt.Errorf("%w: find <table> [partition]", errUsage)
		}
		return a.find(args[0], args[1:])
	case "partitions":
		if len(args) != 1 {
			return fmt.Errorf("%w: partitions <table>", errUsage)
		}
		return a.partitions(args[0])
	case "tail":
		if len(args) != 1 {
			return fmt.Errorf("%w: tail <table>", errUsage)
		}
		return a.tail(ctx, args[0])
	case "trace":
		if len(args) != 2 {
			return fmt.Errorf("%w: trace <table> <id>", errUsage)
		}
		return a.trace(args[0], args[1])
	case "export":
		return a.export(args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// audited runs fn and records it in the audit log, if enabled.
func (a *app) audited(name string, args []string, fn func() error) error {
	if a.audit == nil {
		return fn()
	}
	start := time.Now()
	id, err := a.audit.Request(name, args)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	if err := fn(); err != nil {
		return errors.Join(err, a.audit.Error(id, name, start, err))
	}
	return a.audit.Reply(id, name, start, nil)
}

func (a *app) put(table, key, value string) error {
	raw, err := parseJSON(value)
	if err != nil {
		return err
	}
	t, err := a.db.Associative(table)
	if err != nil {
		return err
	}
	return t.Write(key, raw)
}

func (a *app) get(table, key string) error {
	t, err := a.db.Associative(table)
	if err != nil {
		return err
	}
	raw, ok, err := t.ReadRaw(key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: key %q not found", table, key)
	}
	_, err = fmt.Fprintf(a.out, "%s\n", raw)
	return err
}

func (a *app) keys(table string) error {
	t, err := a.db.Associative(table)
	if err != nil {
		return err
	}
	keys, err := t.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := fmt.Fprintln(a.out, k); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) append(table, partition, record string) error {
	raw, err := parseJSON(record)
	if err != nil {
		return err
	}
	l, err := a.db.Log(table)
	if err != nil {
		return err
	}
	return l.Append(partition, raw)
}

func (a *app) record(table, record string) error {
	raw, err := parseJSON(record)
	if err != nil {
		return err
	}
	h, err := a.db.HourlyLog(table)
	if err != nil {
		return err
	}
	return h.Record(raw)
}

func (a *app) find(table string, partition []string) error {
	l, err := a.db.Log(table)
	if err != nil {
		return err
	}
	seq := l.FindAll()
	if len(partition) != 0 {
		seq = l.Find(partition[0])
	}
	for rec, err := range seq {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(a.out, "%s\n", rec); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) partitions(table string) error {
	l, err := a.db.Log(table)
	if err != nil {
		return err
	}
	parts, err := l.Partitions()
	if err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintln(a.out, p); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) tail(ctx context.Context, table string) error {
	l, err := a.db.Log(table)
	if err != nil {
		return err
	}
	return l.Follow(ctx, func(partition string, record json.RawMessage) error {
		_, err := fmt.Fprintf(a.out, "%s\t%s\n", partition, record)
		return err
	})
}

func (a *app) trace(table, rawID string) error {
	id, err := ksid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", rawID, err)
	}
	h, err := a.db.HourlyLog(table)
	if err != nil {
		return err
	}
	events, err := eventlog.New(h).Lookup(id)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("%s: no event for %s", table, id)
	}
	enc := json.NewEncoder(a.out)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func parseJSON(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: not valid JSON: %q", errUsage, s)
	}
	return json.RawMessage(s), nil
}
