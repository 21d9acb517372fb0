package metrics

import "errors"

// ErrMetricMissing is returned when the source has no counters for the
// requested CPU, typically because it is offline.
var ErrMetricMissing error = errors.New("metric is missing")

// Internal helper constants for logging
const (
	cpuLogKey = "cpu"
)
