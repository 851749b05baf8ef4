// Package observability provides Prometheus metrics functionality for
// monitoring the tracking pipeline.
package observability

import "github.com/scorefollow/scorefollow-go/internal/logging"

// Package-level cached logger instance for efficiency.
// All logging in this package should use this variable.
var log = logging.ForService("observability")
