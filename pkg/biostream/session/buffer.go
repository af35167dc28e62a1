package session

import (
	"sync"

	"github.com/norasector/biostream/pkg/biostream/types"
)

// Buffer is the in-memory stream of records shared by the acquisition worker and the control
// loop.
type Buffer struct {
	mu      sync.RWMutex
	records []types.Record
	lastSeq uint64
}

// Append adds rows in arrival order and attaches trigger (if non-empty) to the record chosen by
// placement. Attachment happens under the same lock as the append, so readers never see the
// batch without its tag.
func (b *Buffer) Append(rows [][]float64, trigger string, placement types.TriggerPlacement) int {
	if len(rows) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	first := len(b.records)
	for _, row := range rows {
		b.lastSeq++
		b.records = append(b.records, types.Record{Seq: b.lastSeq, Values: row})
	}
	if trigger != "" {
		idx := first
		if placement == types.PlaceLast {
			idx = len(b.records) - 1
		}
		b.records[idx].Trigger = trigger
	}
	return len(rows)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Records returns a copy of the whole buffer.
func (b *Buffer) Records() []types.Record {
	return b.Tail(-1)
}

// Tail returns a copy of the last n records, or all of them when n is negative or larger than
// the buffer. Values slices are shared with the buffer and must not be modified.
func (b *Buffer) Tail(n int) []types.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if n >= 0 && n < len(b.records) {
		start = len(b.records) - n
	}
	out := make([]types.Record, len(b.records)-start)
	copy(out, b.records[start:])
	return out
}

// DropThrough removes every record with Seq <= seq. Records appended after a snapshot was taken
// survive.
func (b *Buffer) DropThrough(seq uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.records) && b.records[n].Seq <= seq {
		n++
	}
	remaining := make([]types.Record, len(b.records)-n)
	copy(remaining, b.records[n:])
	b.records = remaining
	return n
}
