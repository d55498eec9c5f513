package services

import (
	"sync/atomic"
	"time"
)

// Table is the read side of the scanner.
type Table interface {
	// Current returns the latest snapshot without blocking.
	Current() []Record
	// TriggerScan starts a scan and reports false when one is already running.
	TriggerScan() bool
}

// Prober is implemented by tables that can report an in-flight scan.
type Prober interface {
	Scanning() bool
}

// Snapshot is a single-writer, many-reader cell. Slices handed out by Load
// are never mutated after Store.
type Snapshot struct {
	p atomic.Pointer[snapshot]
}

type snapshot struct {
	records []Record
	at      time.Time
}

// Store publishes a copy of records.
func (s *Snapshot) Store(records []Record, at time.Time) {
	cp := make([]Record, len(records))
	copy(cp, records)
	s.p.Store(&snapshot{records: cp, at: at})
}

// Load returns the current records and when they were published.
func (s *Snapshot) Load() ([]Record, time.Time) {
	cur := s.p.Load()
	if cur == nil {
		return nil, time.Time{}
	}
	return cur.records, cur.at
}

// Filter decides which records reach the protocol layer.
type Filter struct {
	// IncludeUnknown surfaces records whose category is outside the defined set.
	IncludeUnknown bool
}

// Apply returns the records that pass f. The input is not modified.
func (f Filter) Apply(records []Record) []Record {
	if f.IncludeUnknown {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Category.Known() {
			out = append(out, r)
		}
	}
	return out
}

// Static is a fixed table that never scans.
type Static []Record

func (s Static) Current() []Record {
	return s
}

func (s Static) TriggerScan() bool {
	return false
}
