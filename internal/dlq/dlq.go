// Package dlq keeps a bounded journal of records the delivery engine gave up
// on: dropped after exhausting their attempts, refused by a blacklisted
// group, unsupported by the negotiated protocol, or evicted under offline
// pressure.
//
// The Journal implements pending.DropObserver. The engine writes to it from
// the tick thread while the diagnostics surface reads it, so every method
// takes the journal lock.
//
//   - Entries: copy of the journal, oldest first, without payloads.
//   - Take:    remove and return the oldest records, payload included, so
//     the runner can re-enqueue them.
package dlq

import (
	"sync"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// DefaultSize is the journal capacity used when New is given zero.
const DefaultSize = 256

// Entry is the diagnostics view of one dropped record.
type Entry struct {
	UniqueID int64              `json:"unique_id"`
	Actions  types.ActionTags   `json:"actions"`
	Type     string             `json:"type"`
	GroupID  *uint64            `json:"group_id,omitempty"`
	Reason   pending.DropReason `json:"reason"`
	Attempts int                `json:"attempts"`
	Bytes    int                `json:"payload_bytes"`
	At       time.Time          `json:"at"`
}

// Dropped is a journal entry together with the record it describes.
type Dropped struct {
	Entry
	Record types.Record
}

// Journal is a fixed-capacity ring; the oldest entry is overwritten first.
type Journal struct {
	clk clock.Clock

	mu    sync.Mutex
	ring  []Dropped
	head  int // index of the oldest entry
	n     int
	total int64
}

// New returns an empty Journal holding at most size entries.
func New(size int, clk clock.Clock) *Journal {
	if size <= 0 {
		size = DefaultSize
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Journal{clk: clk, ring: make([]Dropped, size)}
}

// RecordDropped implements pending.DropObserver.
func (j *Journal) RecordDropped(rec types.Record, reason pending.DropReason) {
	rec = rec.Clone()
	d := Dropped{
		Entry: Entry{
			UniqueID: rec.UniqueID,
			Actions:  rec.Actions,
			Type:     rec.Policy.Type.String(),
			GroupID:  rec.Policy.GroupID,
			Reason:   reason,
			Attempts: rec.Attempts,
			Bytes:    len(rec.Payload),
			At:       j.clk.Wall(),
		},
		Record: rec,
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.total++
	if j.n < len(j.ring) {
		j.ring[(j.head+j.n)%len(j.ring)] = d
		j.n++
		return
	}
	j.ring[j.head] = d
	j.head = (j.head + 1) % len(j.ring)
}

// Entries returns the journal, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, j.n)
	for i := 0; i < j.n; i++ {
		out = append(out, j.ring[(j.head+i)%len(j.ring)].Entry)
	}
	return out
}

// Take removes up to limit of the oldest entries and returns them.
// A limit of zero or less takes everything.
func (j *Journal) Take(limit int) []Dropped {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > j.n {
		limit = j.n
	}
	out := make([]Dropped, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, j.ring[j.head])
		j.ring[j.head] = Dropped{}
		j.head = (j.head + 1) % len(j.ring)
		j.n--
	}
	return out
}

// Len returns the number of entries currently held.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

// Total returns how many records were dropped since the journal was created,
// including entries that were overwritten or taken.
func (j *Journal) Total() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}
