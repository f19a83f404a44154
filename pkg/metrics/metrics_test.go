package metrics

import "testing"

// TestNoopNeverPanics exercises every PipelineMetrics method against Noop(),
// the implementation every call site falls back to when metrics are
// disabled. There is nothing to assert beyond "this does not panic."
func TestNoopNeverPanics(t *testing.T) {
	m := Noop()
	m.RecordEventWritten("P")
	m.RecordEventDropped()
	m.RecordBufferAllocated(4096)
	m.RecordDrainDuration(0.5)
	m.SetActiveSessions(1)
	m.SetAllocatedBytes(1, 1024)
}
