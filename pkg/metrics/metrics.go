// Package metrics defines the pipeline's self-observability surface. A nil
// or Noop implementation costs nothing on the hot path, mirroring how the
// teacher's cache layer treats a disabled CacheMetrics as a valid no-op
// rather than special-casing every call site.
package metrics

// PipelineMetrics records pipeline-level counters and gauges. Every method
// must be safe to call from the event-write hot path and from the drain
// path concurrently.
type PipelineMetrics interface {
	// RecordEventWritten counts one successfully buffered event for a
	// provider, keyed by provider name for cardinality control.
	RecordEventWritten(provider string)
	// RecordEventDropped counts one event dropped because no buffer could
	// be allocated or stolen.
	RecordEventDropped()
	// RecordBufferAllocated observes a freshly allocated buffer's size.
	RecordBufferAllocated(sizeBytes int)
	// RecordDrainDuration observes how long one BufferManager.Drain call
	// took.
	RecordDrainDuration(seconds float64)
	// SetActiveSessions reports the current number of enabled sessions.
	SetActiveSessions(n int)
	// SetAllocatedBytes reports a session's current allocated buffer bytes.
	SetAllocatedBytes(sessionID uint64, n uint64)
}

// noopMetrics implements PipelineMetrics with no-ops.
type noopMetrics struct{}

func (noopMetrics) RecordEventWritten(string)        {}
func (noopMetrics) RecordEventDropped()               {}
func (noopMetrics) RecordBufferAllocated(int)         {}
func (noopMetrics) RecordDrainDuration(float64)       {}
func (noopMetrics) SetActiveSessions(int)             {}
func (noopMetrics) SetAllocatedBytes(uint64, uint64)  {}

// Noop returns a PipelineMetrics that discards everything. Safe to share
// across goroutines; stateless.
func Noop() PipelineMetrics { return noopMetrics{} }
