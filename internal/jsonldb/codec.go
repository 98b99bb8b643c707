package jsonldb

import (
	"encoding/json"
	"fmt"
	"iter"
)

// Get reads key from a and decodes it as a T.
func Get[T any](a *Associative, key string) (T, bool, error) {
	var v T
	ok, err := a.Read(key, &v)
	return v, ok, err
}

// Decode adapts a record iterator to decode each record as a T. A record that
// does not decode ends the iteration with an error.
func Decode[T any](seq iter.Seq2[json.RawMessage, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for raw, err := range seq {
			var v T
			if err != nil {
				yield(v, err)
				return
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				yield(v, fmt.Errorf("failed to decode record: %w", err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
