package jsonldb

import (
	"encoding/json"
	"iter"
	"time"
)

// HourlyLog is a Log partitioned by the local wall-clock hour of each record.
type HourlyLog struct {
	log *Log
	now func() time.Time
}

// Bucket returns the partition name of the hour containing t, in the form
// YYYY.MMDD.HH00.
func Bucket(t time.Time) string {
	return t.Format("2006.0102.15") + "00"
}

// Record appends v to the partition of the current hour.
func (h *HourlyLog) Record(v any) error {
	return h.RecordAt(h.now(), v)
}

// RecordAt appends v to the partition of the hour containing t.
func (h *HourlyLog) RecordAt(t time.Time, v any) error {
	return h.log.Append(Bucket(t), v)
}

// Now returns the current time of the clock used by Record.
func (h *HourlyLog) Now() time.Time {
	return h.now()
}

// Find returns an iterator over the records of bucket.
func (h *HourlyLog) Find(bucket string) iter.Seq2[json.RawMessage, error] {
	return h.log.Find(bucket)
}

// Log returns the underlying log.
func (h *HourlyLog) Log() *Log {
	return h.log
}
