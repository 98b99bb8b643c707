package jsonldb

import (
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for hourly logs.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func TestBucket(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2011, 6, 1, 12, 42, 10, 0, time.Local), "2011.0601.1200"},
		{time.Date(2026, 12, 31, 0, 0, 0, 0, time.Local), "2026.1231.0000"},
		{time.Date(2026, 1, 9, 23, 59, 59, 999, time.Local), "2026.0109.2300"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Bucket(tt.in); got != tt.want {
				t.Errorf("Bucket(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHourlyLog(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 19, 14, 5, 0, 0, time.Local)}
	db, err := Open(t.TempDir(), &Options{CommitDelay: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close(t.Context()) })
	h, err := db.HourlyLog("requests")
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"first", "second"} {
		if err := h.Record(v); err != nil {
			t.Fatal(err)
		}
		clock.Set(clock.Now().Add(20 * time.Minute))
	}
	clock.Set(time.Date(2026, 10, 19, 15, 5, 0, 0, time.Local))
	if err := h.Record("third"); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(t.Context()); err != nil {
		t.Fatal(err)
	}

	partitions, err := h.Log().Partitions()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"2026.1019.1400", "2026.1019.1500"}; !slices.Equal(partitions, want) {
		t.Fatalf("Partitions() = %q, want %q", partitions, want)
	}
	if a, b := partitions[0], partitions[1]; a[:strings.LastIndexByte(a, '.')] != b[:strings.LastIndexByte(b, '.')] {
		t.Errorf("buckets %q and %q differ outside the hour", a, b)
	}

	var got []string
	for rec, err := range h.Find("2026.1019.1400") {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(rec))
	}
	if want := []string{`"first"`, `"second"`}; !slices.Equal(got, want) {
		t.Errorf("Find = %q, want %q", got, want)
	}
}
