// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Tracker update outcome label values.
const (
	// OutcomeMatched marks an update that re-anchored on a map onset.
	OutcomeMatched = "matched"
	// OutcomeRejected marks an update whose detected onset matched nothing.
	OutcomeRejected = "rejected"
	// OutcomeExtrapolated marks an update without a detected onset.
	OutcomeExtrapolated = "extrapolated"
)

// Database operation label values.
const (
	// OpDbInsert represents database insert operations.
	OpDbInsert = "insert"
	// OpDbUpdate represents database update operations.
	OpDbUpdate = "update"
	// OpDbQuery represents database query operations.
	OpDbQuery = "query"
)

// Histogram bucket configuration constants.
// These define the base values and factors for exponential bucket generation.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms. Ten
	// doubling buckets reach ~51ms, bracketing the per-block latency budget.
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketFactor2 is the common exponential growth factor for histogram buckets.
	BucketFactor2 = 2
	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
)

// Time and conversion constants.
const (
	// ShutdownTimeout is the timeout for graceful shutdown operations.
	ShutdownTimeout = 5 * time.Second
)
