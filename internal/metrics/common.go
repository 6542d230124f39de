package metrics

import (
	"errors"
	"time"
)

// ErrMetricMissing is returned when metric reader (lower level component)
// is missing and metric won't be available during process lifetime.
var ErrMetricMissing error = errors.New("metric is missing")

// IdleTimeSource exposes cumulative, monotonically non-decreasing idle and
// wall time counters of a CPU. Both counters share one time unit, which is
// source specific (microseconds, reference cycles).
type IdleTimeSource interface {
	Sample(cpuID uint) (idle uint64, wall uint64, err error)
}

// ResolutionSource is implemented by sources whose counters advance in
// coarse steps. Sample windows shorter than a few steps yield quantized loads.
type ResolutionSource interface {
	Resolution() time.Duration
}

// Internal helper constants for logging
const (
	cpuLogKey    = "cpu"
	sourceLogKey = "source"
)
