package jsonldb

import (
	"bytes"
	"io"
)

// readChunkSize is the size of each read when streaming a partition file.
const readChunkSize = 32 * 1024

// lineDecoder reassembles newline terminated lines from arbitrarily sized
// chunks. The trailing fragment of a chunk is kept until the rest of its line
// arrives.
//
// bufio.Scanner is not used because it caps the token size; a record line has
// no upper bound.
type lineDecoder struct {
	partial []byte
}

// feed consumes chunk and calls emit for every complete non-empty line, in
// order. It returns false as soon as emit does.
//
// The slice passed to emit is only valid during the call.
func (d *lineDecoder) feed(chunk []byte, emit func([]byte) bool) bool {
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.partial = append(d.partial, chunk...)
			return true
		}
		line := chunk[:i]
		if len(d.partial) != 0 {
			d.partial = append(d.partial, line...)
			line = d.partial
		}
		chunk = chunk[i+1:]
		if len(line) != 0 && !emit(line) {
			d.partial = d.partial[:0]
			return false
		}
		d.partial = d.partial[:0]
	}
}

// finish emits the remaining fragment, if any, as the last line.
func (d *lineDecoder) finish(emit func([]byte) bool) bool {
	if len(d.partial) == 0 {
		return true
	}
	line := d.partial
	d.partial = nil
	return emit(line)
}

// eachLine streams r through a lineDecoder. The final unterminated fragment is
// emitted at EOF. It returns early without error when emit returns false.
func eachLine(r io.Reader, emit func([]byte) bool) error {
	var d lineDecoder
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && !d.feed(buf[:n], emit) {
			return nil
		}
		if err == io.EOF {
			d.finish(emit)
			return nil
		}
		if err != nil {
			return err
		}
	}
}
