package core

import (
	"errors"
	"fmt"
)

// OrderingError reports a relay-partition sequence violation: either a
// gap (Gap true) or an out-of-order delivery of a new event.
type OrderingError struct {
	Partition string
	Expected  int64
	Got       int64
	Gap       bool
}

func (e *OrderingError) Error() string {
	if e.Gap {
		return fmt.Sprintf("sequence gap: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
	}
	return fmt.Sprintf("out-of-order event: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
}

const (
	orderingGap = iota
	orderingOutOfOrder
	orderingUnknown
)

// ClassifyOrderingError extracts the partition and violation kind for
// metrics labeling.
func ClassifyOrderingError(err error) (string, int) {
	var oe *OrderingError
	if !errors.As(err, &oe) {
		return "", orderingUnknown
	}
	if oe.Gap {
		return oe.Partition, orderingGap
	}
	return oe.Partition, orderingOutOfOrder
}

// SequenceValidator tracks the next expected upstream sequence per
// partition. Command partitions are strict: a gap or regression halts
// intake for that partition until the relay recovers. Price partitions
// only need the latest observation, so gaps pass and stale updates
// simply leave the cursor alone.
//
// Not thread-safe; only the core loop touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence enforces strict ordering on a command partition.
// A stale sequence on a known-duplicate event is the normal redelivery
// case and passes; a stale sequence on a new event is a relay fault.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		return &OrderingError{Partition: partition, Expected: expected, Got: sourceSequence}
	}
	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}
	return &OrderingError{Partition: partition, Expected: expected, Got: sourceSequence, Gap: true}
}

// ObservePriceSequence advances a per-asset price partition. Gaps are
// tolerated; stale observations leave the cursor alone.
func (sv *SequenceValidator) ObservePriceSequence(asset string, priceSequence int64) {
	partition := "price:" + asset
	if priceSequence < sv.expectedNextSeq[partition] {
		return
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
}

// ExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) ExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence seeds a partition cursor during snapshot restore.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions returns a copy of every partition cursor for snapshots.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}
