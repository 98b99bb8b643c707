// Package jsonldb provides an embedded, file-backed JSON store.
//
// # Overview
//
// A [Database] is a directory of tables. A table is one of:
//
//   - [Associative]: a key to JSON value table. Each key lives in its own file
//     under a shard directory derived from the key, which bounds the number of
//     entries per directory.
//   - [Log]: an append-only table of JSON records split into partitions. Each
//     partition is a JSONL file.
//
// [HourlyLog] is a Log whose partition is the current wall-clock hour.
//
// # Write Coalescing
//
// Mutations are buffered in memory and flushed by a [Scheduler] one commit
// delay after the first buffered mutation of a key or partition. Further
// mutations within that window are picked up by the same flush: the last value
// of an associative key wins, and every appended record is kept in order.
// Reads always see buffered state.
//
// # Durability
//
// Associative records are written to a temporary file then renamed, so a
// record file holds either the previous or the new value. Log flushes only
// ever append. A failed flush keeps the buffered state and is retried with
// exponential backoff; [Database.Flush] and [Database.Close] report failures.
//
// # File Layout
//
//	<root>/<table>/<shard>/<key>   associative records
//	<root>/<table>/<partition>     log partitions, one JSON value per line
//
// A single process is expected to own a root directory.
package jsonldb
