package core

import (
	"Percolator/internal/observability"
	"errors"
	"fmt"
)

var (
	ErrSequenceGap   = errors.New("sequence gap")
	ErrOutOfOrder    = errors.New("out-of-order event")
	ErrStaleSequence = errors.New("stale sequence")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence enforces a gap-free sequence starting at zero. A
// sequence below the expected one is accepted only for a known duplicate.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	switch {
	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrOutOfOrder, partition, expected, sourceSequence)
	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d", ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// ValidateMonotonic accepts any sequence above the last accepted one.
// Oracle prices and crank requests use it: a missed update is superseded by
// the next one, so gaps are counted but tolerated.
func (sv *SequenceValidator) ValidateMonotonic(partition string, sourceSequence int64) error {
	expected := sv.expectedNextSeq[partition]
	if sourceSequence < expected {
		return fmt.Errorf("%w: partition=%s, next=%d, got=%d", ErrStaleSequence, partition, expected, sourceSequence)
	}
	if sourceSequence > expected && expected > 0 && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	sv.expectedNextSeq[partition] = sourceSequence + 1
	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the next expected sequence (snapshot restore).
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNextSeq[partition] = next
}

// GetAllPartitions returns a copy of every partition's next sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
