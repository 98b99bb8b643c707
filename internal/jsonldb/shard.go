package jsonldb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// shardCount bounds the fan-out of an associative table: keys are spread over
// at most this many subdirectories.
const shardCount = 4096

// tempSuffix is appended to a record file name while it is being written.
const tempSuffix = "+"

// validateName checks that name can be used verbatim as a single path
// element.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidName, name)
	case strings.HasSuffix(name, tempSuffix):
		return fmt.Errorf("%w: %q ends with reserved suffix %q", ErrInvalidName, name, tempSuffix)
	}
	return nil
}

// djb2 is the classic Bernstein string hash, h = h*33 + c, over the runes of
// s with 32 bit wraparound.
func djb2(s string) uint32 {
	h := uint32(5381)
	for _, c := range s {
		h = h*33 + uint32(c)
	}
	return h
}

// shardName returns the base36 shard directory name for key.
//
// It is a pure function of key.
func shardName(key string) string {
	return strconv.FormatUint(uint64(djb2(key)%shardCount), 36)
}

// dirCache remembers directories already known to exist so each one is
// created at most once per collection.
type dirCache struct {
	mu    sync.Mutex
	known map[string]struct{}
}

// ensure creates dir if needed. A directory that already exists, including
// one created concurrently by someone else, is not an error.
func (c *dirCache) ensure(dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.known[dir]; ok {
		return nil
	}
	if err := os.Mkdir(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err)
		}
		fi, err2 := os.Stat(dir)
		if err2 != nil {
			return fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err2)
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w %s: not a directory", ErrDirectoryCreate, dir)
		}
	}
	if c.known == nil {
		c.known = make(map[string]struct{})
	}
	c.known[dir] = struct{}{}
	return nil
}
