// Package errors - reporter integration
package errors

import (
	"sync/atomic"
)

// Reporter receives every enhanced error built while it is installed.
// The session layer installs one that republishes errors on the message
// bus; this interface keeps the errors package free of a bus import and
// the dependency cycle that would come with it.
type Reporter interface {
	ReportError(ee *EnhancedError)
}

var (
	activeReporter atomic.Pointer[Reporter]
	reporterActive atomic.Bool
)

// SetReporter installs the process-wide error reporter. Passing nil removes it.
func SetReporter(r Reporter) {
	if r == nil {
		activeReporter.Store(nil)
		reporterActive.Store(false)
		return
	}
	activeReporter.Store(&r)
	reporterActive.Store(true)
}

// report hands a built error to the installed reporter, if any
func report(ee *EnhancedError) {
	ptr := activeReporter.Load()
	if ptr == nil {
		return
	}
	r := *ptr
	if r == nil || ee.IsReported() {
		return
	}
	r.ReportError(ee)
	ee.MarkReported()
}
