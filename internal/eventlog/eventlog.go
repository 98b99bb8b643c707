// Package eventlog records request, reply and error events in an hourly log
// so a connection can be traced after the fact.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/kevlar/internal/jsonldb"
)

// Kind is the type of an event.
type Kind string

// Event kinds.
const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindError   Kind = "error"
)

// Event is one line of the event log.
type Event struct {
	ID        ksid.ID         `json:"id"`
	Kind      Kind            `json:"kind"`
	Name      string          `json:"name,omitempty"`
	Date      time.Time       `json:"date"`
	LatencyMS float64         `json:"latency_ms,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Recorder writes events to an hourly log.
type Recorder struct {
	log *jsonldb.HourlyLog
}

// New returns a Recorder writing to h.
func New(h *jsonldb.HourlyLog) *Recorder {
	return &Recorder{log: h}
}

// Request records the start of a call named name and returns the id that
// ties its events together.
func (r *Recorder) Request(name string, data any) (ksid.ID, error) {
	id := ksid.NewID()
	e, err := r.event(id, KindRequest, name, data)
	if err != nil {
		return id, err
	}
	return id, r.log.RecordAt(e.Date, e)
}

// Reply records the successful end of call id.
func (r *Recorder) Reply(id ksid.ID, name string, started time.Time, data any) error {
	e, err := r.event(id, KindReply, name, data)
	if err != nil {
		return err
	}
	e.LatencyMS = latencyMS(e.Date.Sub(started))
	return r.log.RecordAt(e.Date, e)
}

// Error records the failure of call id.
func (r *Recorder) Error(id ksid.ID, name string, started time.Time, callErr error) error {
	e, err := r.event(id, KindError, name, nil)
	if err != nil {
		return err
	}
	e.LatencyMS = latencyMS(e.Date.Sub(started))
	e.Error = callErr.Error()
	return r.log.RecordAt(e.Date, e)
}

// Lookup returns the events of call id. It searches the hour the id was
// created in and the next one, since a reply may land after the hour turns.
// Ids carry wall-clock time, so events recorded under another clock are not
// found.
func (r *Recorder) Lookup(id ksid.ID) ([]Event, error) {
	t := id.Time().Local()
	var out []Event
	for _, bucket := range []string{jsonldb.Bucket(t), jsonldb.Bucket(t.Add(time.Hour))} {
		for e, err := range jsonldb.Decode[Event](r.log.Find(bucket)) {
			if err != nil {
				return nil, fmt.Errorf("failed to search %s: %w", bucket, err)
			}
			if e.ID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (r *Recorder) event(id ksid.ID, kind Kind, name string, data any) (Event, error) {
	e := Event{ID: id, Kind: kind, Name: name, Date: r.log.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return e, fmt.Errorf("failed to marshal %s data: %w", kind, err)
		}
		e.Data = raw
	}
	return e, nil
}

func latencyMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
