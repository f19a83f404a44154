package trace

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a minimal CAS-based mutual exclusion primitive. It exists
// because the suspend-write protocol and the buffer-steal path both need a
// try-acquire, which sync.Mutex does not expose; a real blocking Mutex would
// also be the wrong tool for the intentionally brief critical sections on
// the hot path.
type spinLock struct {
	state atomic.Int32
}

func (s *spinLock) Lock() {
	for !s.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	s.state.Store(0)
}

func (s *spinLock) TryLock() bool {
	return s.state.CompareAndSwap(0, 1)
}

// ThreadSessionState is a thread's bookkeeping for one session: its current
// write buffer and a monotonically increasing 1-origin sequence counter.
// The BufferList a buffer belongs to is not tracked here: the BufferManager
// already keys its lists by *ThreadState, so a thread never needs its own
// pointer back to it.
type ThreadSessionState struct {
	currentBuffer *Buffer
	sequence      uint32
}

// ThreadState is per-thread (per-Writer, in this port's terms) bookkeeping:
// which session it is writing to right now, its current write buffer per
// session, and a spin lock serializing buffer swaps against a concurrent
// drain.
//
// The source keys this off true OS thread-local storage with a thread-exit
// hook; Go has no equivalent for goroutines, since goroutines migrate
// between OS threads. Here a ThreadState is owned by a Writer handle that
// the caller obtains once per logical writer (typically one per OS thread it
// pins with runtime.LockOSThread) and reuses for the writer's lifetime. This
// preserves the "lazily allocated on first write, torn down explicitly"
// lifecycle of the original design, trading the thread-exit hook for an
// explicit Close.
type ThreadState struct {
	osThreadID      uint32
	spin            spinLock
	writeInProgress atomic.Int32
	slots           [MaxSessions]ThreadSessionState
}

func newThreadState(osThreadID uint32) *ThreadState {
	ts := &ThreadState{osThreadID: osThreadID}
	ts.writeInProgress.Store(writeInProgressSentinel)
	return ts
}

// BeginWrite publishes that this thread is about to write into session idx,
// with release-ordering so a concurrent SuspendWriteEvent spinning on this
// value observes it before the thread reads the session table.
func (ts *ThreadState) BeginWrite(idx SessionIndex) {
	ts.writeInProgress.Store(int32(idx))
}

// EndWrite clears the in-progress marker.
func (ts *ThreadState) EndWrite() {
	ts.writeInProgress.Store(writeInProgressSentinel)
}

// IsWriting reports whether the thread currently claims to be writing into
// session idx. Used by SuspendWriteEvent's spin.
func (ts *ThreadState) IsWriting(idx SessionIndex) bool {
	return ts.writeInProgress.Load() == int32(idx)
}
