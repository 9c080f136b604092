package domain

import (
	"fmt"
	"sort"
)

// Batch is one day's canonical records grouped by kind.
type Batch struct {
	Sleep    []SleepSession
	Recovery []RecoveryRecord
	Samples  []ActivitySample
	Unmapped []UnmappedRecord
}

// NewBatch groups records by kind, preserving their order within each kind.
func NewBatch(records []Record) Batch {
	var b Batch
	for _, r := range records {
		switch v := r.(type) {
		case SleepSession:
			b.Sleep = append(b.Sleep, v)
		case RecoveryRecord:
			b.Recovery = append(b.Recovery, v)
		case ActivitySample:
			b.Samples = append(b.Samples, v)
		case UnmappedRecord:
			b.Unmapped = append(b.Unmapped, v)
		}
	}
	return b
}

func (b Batch) Len() int {
	return len(b.Sleep) + len(b.Recovery) + len(b.Samples) + len(b.Unmapped)
}

func (b Batch) Empty() bool { return b.Len() == 0 }

// Validate rejects sessions within the batch that overlap each other under different external ids.
func (b Batch) Validate() error {
	if len(b.Sleep) < 2 {
		return nil
	}
	sessions := make([]SleepSession, len(b.Sleep))
	copy(sessions, b.Sleep)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Start.Before(sessions[j].Start) })
	for i := 1; i < len(sessions); i++ {
		prev, cur := sessions[i-1], sessions[i]
		if prev.ExternalID != cur.ExternalID && prev.Overlaps(cur) {
			return fmt.Errorf("%w: %s and %s", ErrOverlappingSessions, prev.ExternalID, cur.ExternalID)
		}
	}
	return nil
}

// Records flattens the batch back into records, kind by kind.
func (b Batch) Records() []Record {
	out := make([]Record, 0, b.Len())
	for _, s := range b.Sleep {
		out = append(out, s)
	}
	for _, r := range b.Recovery {
		out = append(out, r)
	}
	for _, s := range b.Samples {
		out = append(out, s)
	}
	for _, u := range b.Unmapped {
		out = append(out, u)
	}
	return out
}
