// Package batch partitions an ordered selection of segments into batches
// bounded by a per-message byte cap.
package batch

import "github.com/clipmail/clipmail-api/internal/segment"

// Batch is an ordered, non-empty group of segments intended to travel in
// one outbound message. Its total size respects the cap except when it
// holds a single segment that already exceeds the cap on its own.
type Batch struct {
	Segments []segment.Segment
}

// TotalBytes returns the combined size of the batch's segments.
func (b Batch) TotalBytes() int64 {
	var total int64
	for _, s := range b.Segments {
		total += s.SizeBytes
	}
	return total
}

// Pack greedily partitions selected segments into ordered batches whose
// totals stay within capBytes. A single left-to-right pass: when adding a
// segment would push the running total over the cap and the current batch
// is non-empty, the batch is closed and a new one opened. A segment larger
// than the cap becomes a singleton batch; it must still be sent, never
// dropped or split further.
//
// Guarantees: input order preserved, no empty batches, and the
// concatenation of all batches equals the input.
func Pack(selected []segment.Segment, capBytes int64) []Batch {
	var batches []Batch
	var current []segment.Segment
	var running int64

	for _, s := range selected {
		if running+s.SizeBytes > capBytes && len(current) > 0 {
			batches = append(batches, Batch{Segments: current})
			current = nil
			running = 0
		}
		current = append(current, s)
		running += s.SizeBytes
	}

	if len(current) > 0 {
		batches = append(batches, Batch{Segments: current})
	}

	return batches
}
