package jsonldb

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"
	"testing/iotest"
)

// decodeChunked feeds input to a lineDecoder in chunks of size n.
func decodeChunked(input string, n int) []string {
	var d lineDecoder
	var got []string
	emit := func(line []byte) bool {
		got = append(got, string(line))
		return true
	}
	data := []byte(input)
	for len(data) > 0 {
		c := min(n, len(data))
		d.feed(data[:c], emit)
		data = data[c:]
	}
	d.finish(emit)
	return got
}

func TestLineDecoder(t *testing.T) {
	t.Run("chunk boundaries", func(t *testing.T) {
		tests := []struct {
			name  string
			input string
			want  []string
		}{
			{"empty", "", nil},
			{"terminated", "\"a\"\n\"b\"\n", []string{`"a"`, `"b"`}},
			{"unterminated tail", "1\n2\n3", []string{"1", "2", "3"}},
			{"blank lines", "\n1\n\n2\n\n", []string{"1", "2"}},
			{"long line", strings.Repeat("x", 100) + "\n{}\n", []string{strings.Repeat("x", 100), "{}"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				for n := 1; n <= len(tt.input)+1; n++ {
					if got := decodeChunked(tt.input, n); !slices.Equal(got, tt.want) {
						t.Fatalf("chunk size %d: got %q, want %q", n, got, tt.want)
					}
				}
			})
		}
	})
	t.Run("stop", func(t *testing.T) {
		var d lineDecoder
		var got []string
		cont := d.feed([]byte("1\n2\n3\n"), func(line []byte) bool {
			got = append(got, string(line))
			return len(got) < 2
		})
		if cont {
			t.Error("feed returned true after emit returned false")
		}
		if want := []string{"1", "2"}; !slices.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}

func TestEachLine(t *testing.T) {
	t.Run("one byte reads", func(t *testing.T) {
		var got []string
		r := iotest.OneByteReader(strings.NewReader("{\"a\":1}\n[2]\n\"tail\""))
		if err := eachLine(r, func(line []byte) bool {
			got = append(got, string(line))
			return true
		}); err != nil {
			t.Fatal(err)
		}
		if want := []string{`{"a":1}`, "[2]", `"tail"`}; !slices.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	})
	t.Run("read error", func(t *testing.T) {
		errBoom := errors.New("boom")
		r := iotest.ErrReader(errBoom)
		if err := eachLine(r, func([]byte) bool { return true }); !errors.Is(err, errBoom) {
			t.Errorf("eachLine = %v, want %v", err, errBoom)
		}
	})
	t.Run("large input", func(t *testing.T) {
		var b bytes.Buffer
		for range 3 * readChunkSize / 8 {
			b.WriteString("\"abcde\"\n")
		}
		n := 0
		if err := eachLine(&b, func(line []byte) bool {
			if string(line) != `"abcde"` {
				t.Fatalf("unexpected line %q", line)
			}
			n++
			return true
		}); err != nil {
			t.Fatal(err)
		}
		if want := 3 * readChunkSize / 8; n != want {
			t.Errorf("got %d lines, want %d", n, want)
		}
	})
}
