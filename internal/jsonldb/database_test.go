package jsonldb

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	t.Run("creates root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "a", "b")
		db, err := Open(root, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if db.Root() != root {
			t.Errorf("Root() = %q, want %q", db.Root(), root)
		}
		if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
			t.Errorf("root not created: %v", err)
		}
	})
	t.Run("root is a file", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(root, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(root, nil); !errors.Is(err, ErrDirectoryCreate) {
			t.Errorf("Open = %v, want ErrDirectoryCreate", err)
		}
	})
}

func TestDatabase(t *testing.T) {
	t.Run("memoizes", func(t *testing.T) {
		db := openDB(t, t.TempDir(), time.Hour)
		a1 := openAssociative(t, db, "people")
		a2 := openAssociative(t, db, "people")
		if a1 != a2 {
			t.Error("Associative returned distinct instances for the same table")
		}
		l := openLog(t, db, "events")
		h1, err := db.HourlyLog("events")
		if err != nil {
			t.Fatal(err)
		}
		h2, err := db.HourlyLog("events")
		if err != nil {
			t.Fatal(err)
		}
		if h1 != h2 || h1.Log() != l {
			t.Error("HourlyLog does not share the table's Log")
		}
	})

	t.Run("concurrent open", func(t *testing.T) {
		db := openDB(t, t.TempDir(), time.Hour)
		var wg sync.WaitGroup
		got := make([]*Log, 8)
		for i := range got {
			wg.Go(func() {
				got[i], _ = db.Log("events")
			})
		}
		wg.Wait()
		for _, l := range got[1:] {
			if l != got[0] {
				t.Fatal("Log returned distinct instances")
			}
		}
	})

	t.Run("table kind", func(t *testing.T) {
		db := openDB(t, t.TempDir(), time.Hour)
		openAssociative(t, db, "people")
		openLog(t, db, "events")
		if _, err := db.Log("people"); !errors.Is(err, ErrTableKind) {
			t.Errorf("Log(people) = %v, want ErrTableKind", err)
		}
		if _, err := db.HourlyLog("people"); !errors.Is(err, ErrTableKind) {
			t.Errorf("HourlyLog(people) = %v, want ErrTableKind", err)
		}
		if _, err := db.Associative("events"); !errors.Is(err, ErrTableKind) {
			t.Errorf("Associative(events) = %v, want ErrTableKind", err)
		}
	})

	t.Run("invalid table", func(t *testing.T) {
		db := openDB(t, t.TempDir(), time.Hour)
		if _, err := db.Associative("../x"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Associative = %v, want ErrInvalidName", err)
		}
		if _, err := db.Log(""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Log = %v, want ErrInvalidName", err)
		}
	})

	t.Run("Close flushes", func(t *testing.T) {
		root := t.TempDir()
		db, err := Open(root, &Options{CommitDelay: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
		a := openAssociative(t, db, "people")
		l := openLog(t, db, "events")
		if err := a.Write("alice", person{Age: 30}); err != nil {
			t.Fatal(err)
		}
		appendAll(t, l, "p", "a")
		if err := db.Close(t.Context()); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "people", shardName("alice"), "alice")); err != nil {
			t.Errorf("associative record not flushed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(root, "events", "p")); err != nil {
			t.Errorf("log partition not flushed: %v", err)
		}
		if err := a.Write("bob", 1); !errors.Is(err, ErrClosed) {
			t.Errorf("Write after Close = %v, want ErrClosed", err)
		}
		if err := l.Append("p", 1); !errors.Is(err, ErrClosed) {
			t.Errorf("Append after Close = %v, want ErrClosed", err)
		}
		if _, err := db.Log("other"); !errors.Is(err, ErrClosed) {
			t.Errorf("Log after Close = %v, want ErrClosed", err)
		}
	})

	t.Run("OnError", func(t *testing.T) {
		root := t.TempDir()
		type failure struct{ table, id string }
		var mu sync.Mutex
		var got []failure
		db, err := Open(root, &Options{
			CommitDelay:   time.Hour,
			MaxRetryDelay: time.Hour,
			OnError: func(table, id string, err error) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, failure{table, id})
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		l := openLog(t, db, "events")
		if err := os.Mkdir(filepath.Join(root, "events", "p"), 0o755); err != nil {
			t.Fatal(err)
		}
		appendAll(t, l, "p", 1)
		if err := db.Flush(t.Context()); !errors.Is(err, ErrFlushWrite) {
			t.Errorf("Flush = %v, want ErrFlushWrite", err)
		}
		if err := db.Close(t.Context()); !errors.Is(err, ErrFlushWrite) {
			t.Errorf("Close = %v, want ErrFlushWrite", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(got) != 2 || got[0] != (failure{"events", "p"}) {
			t.Errorf("OnError calls = %+v", got)
		}
	})

	t.Run("Close keeps unsaved values readable", func(t *testing.T) {
		root := t.TempDir()
		db, err := Open(root, &Options{CommitDelay: time.Hour, MaxRetryDelay: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
		a := openAssociative(t, db, "people")
		// A file where the shard directory should be.
		shard := filepath.Join(root, "people", shardName("bob"))
		if err := os.WriteFile(shard, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := a.Write("bob", person{Age: 41}); err != nil {
			t.Fatal(err)
		}
		if err := db.Close(t.Context()); !errors.Is(err, ErrShardResolution) {
			t.Fatalf("Close = %v, want ErrShardResolution", err)
		}
		if got, ok, err := Get[person](a, "bob"); err != nil || !ok || got.Age != 41 {
			t.Errorf("Get after Close = %+v, %v, %v", got, ok, err)
		}
		if got := a.sched.Pending(); got != 0 {
			t.Errorf("scheduled flushes after Close = %d, want 0", got)
		}
	})
}
