package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/marmos91/evtrace/pkg/metrics"
)

const (
	initialGrowthStep = 4 << 10  // 4 KiB
	maxGrowthStep     = 1 << 20  // 1 MiB
)

// BufferList is a per-(session, thread) doubly-linked list of buffers,
// oldest-first. Tracked separately from thread-local storage so the
// BufferManager can drain every thread's buffers in a single pass.
type BufferList struct {
	threadState *ThreadState
	head, tail  *Buffer
	nextGrowth  int
}

func newBufferList(ts *ThreadState) *BufferList {
	return &BufferList{threadState: ts, nextGrowth: initialGrowthStep}
}

func (l *BufferList) append(b *Buffer) {
	b.prev = l.tail
	if l.tail != nil {
		l.tail.next = b
	}
	l.tail = b
	if l.head == nil {
		l.head = b
	}
}

func (l *BufferList) growthSize(requested int) int {
	size := l.nextGrowth
	if requested > size {
		size = requested
	}
	if l.nextGrowth < maxGrowthStep {
		l.nextGrowth *= 2
		if l.nextGrowth > maxGrowthStep {
			l.nextGrowth = maxGrowthStep
		}
	}
	return size
}

// oldestPending returns the head buffer with an unread record, skipping
// fully-drained buffers at the head of the list (and unlinking them so the
// scan stays O(1) amortized).
func (l *BufferList) oldestPending() *Buffer {
	for l.head != nil && l.head.Drained() && l.head.State() == BufferReadOnly {
		l.head = l.head.next
		if l.head == nil {
			l.tail = nil
		} else {
			l.head.prev = nil
		}
	}
	return l.head
}

// BufferManager owns all buffers, across all threads, for one session. It
// enforces the session's memory budget, allocates and reclaims buffers, and
// drains them in timestamp order.
type BufferManager struct {
	mu            sync.Mutex
	budget        uint64
	allocated     uint64
	lists         map[*ThreadState]*BufferList
	droppedEvents atomic64
	metrics       metrics.PipelineMetrics
}

// atomic64 is a tiny wrapper kept local to this file; it avoids importing
// sync/atomic's typed counters in two places for a single field.
type atomic64 struct{ v uint64 }

func (a *atomic64) add(n uint64) { a.v += n }
func (a *atomic64) load() uint64 { return a.v }

// NewBufferManager constructs a manager enforcing budgetBytes across all of
// a session's threads.
func NewBufferManager(budgetBytes uint64, m metrics.PipelineMetrics) *BufferManager {
	if m == nil {
		m = metrics.Noop()
	}
	return &BufferManager{
		budget:  budgetBytes,
		lists:   make(map[*ThreadState]*BufferList),
		metrics: m,
	}
}

func (m *BufferManager) listFor(ts *ThreadState) *BufferList {
	l, ok := m.lists[ts]
	if !ok {
		l = newBufferList(ts)
		m.lists[ts] = l
	}
	return l
}

// AllocateBufferForThread is the slow path: the caller already holds ts's
// spin lock. It allocates fresh capacity if the budget allows, or steals
// capacity from the oldest stealable buffer belonging to another thread.
// Returns nil if neither is possible; the caller must then drop the event.
func (m *BufferManager) AllocateBufferForThread(ts *ThreadState, requestedSize int, now time.Time, nowTS int64) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.listFor(ts)
	size := list.growthSize(requestedSize)

	if m.allocated+uint64(size) <= m.budget {
		buf := NewBuffer(ts, size, now, nowTS)
		list.append(buf)
		m.allocated += uint64(size)
		m.metrics.RecordBufferAllocated(size)
		return buf
	}

	buf := m.stealLocked(ts, size, now, nowTS)
	if buf == nil {
		m.droppedEvents.add(1)
		m.metrics.RecordEventDropped()
	}
	return buf
}

// stealLocked picks the thread with the oldest not-yet-drained writable
// tail buffer whose owner is not currently mid-write (a failed try-acquire
// means it is), retires that buffer to ReadOnly to reclaim its budget, and
// allocates a fresh buffer of size for requester from the reclaimed space.
func (m *BufferManager) stealLocked(requester *ThreadState, size int, now time.Time, nowTS int64) *Buffer {
	candidates := make([]*BufferList, 0, len(m.lists))
	for ts, l := range m.lists {
		if ts == requester {
			continue
		}
		if l.tail != nil && l.tail.State() == BufferWritable {
			candidates = append(candidates, l)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].tail.created.Before(candidates[j].tail.created)
	})

	for _, l := range candidates {
		if !l.threadState.spin.TryLock() {
			continue
		}
		victim := l.tail
		if victim == nil || victim.State() != BufferWritable {
			l.threadState.spin.Unlock()
			continue
		}
		victim.markReadOnly()
		l.threadState.spin.Unlock()

		m.allocated -= uint64(victim.capacity)
		buf := NewBuffer(requester, size, now, nowTS)
		m.allocated += uint64(size)
		m.listFor(requester).append(buf)
		return buf
	}
	return nil
}

// DroppedEvents returns the count of events dropped because no buffer could
// be allocated or stolen.
func (m *BufferManager) DroppedEvents() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedEvents.load()
}

// Drain snapshots all buffer lists, marks each list's writable tail
// ReadOnly where possible, then merge-sorts by timestamp across lists up to
// stopTimestamp, invoking emit for each record in order. Events with a
// timestamp greater than stopTimestamp are left in place for a later drain.
func (m *BufferManager) Drain(stopTimestamp int64, emit func(EventRecord) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.lists {
		if l.tail != nil && l.tail.State() == BufferWritable {
			if l.threadState.spin.TryLock() {
				l.tail.markReadOnly()
				l.threadState.spin.Unlock()
			}
		}
	}

	for {
		var best *BufferList
		var bestBuf *Buffer
		var bestRec EventRecord
		for _, l := range m.lists {
			buf := l.oldestPending()
			if buf == nil {
				continue
			}
			rec, ok := buf.PeekNext()
			if !ok || rec.Timestamp > stopTimestamp {
				continue
			}
			if best == nil || rec.Timestamp < bestRec.Timestamp {
				best, bestBuf, bestRec = l, buf, rec
			}
		}
		if best == nil {
			break
		}
		bestBuf.Advance()
		if err := emit(bestRec); err != nil {
			return err
		}
	}
	return nil
}

// NextEvent pulls the single globally-oldest unread event across all
// threads, without a stop timestamp bound. Used by IpcStream/streaming
// sessions and by Pipeline.GetNextEvent.
func (m *BufferManager) NextEvent() (EventRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *BufferList
	var bestBuf *Buffer
	var bestRec EventRecord
	for _, l := range m.lists {
		buf := l.oldestPending()
		if buf == nil {
			continue
		}
		rec, ok := buf.PeekNext()
		if !ok {
			continue
		}
		if best == nil || rec.Timestamp < bestRec.Timestamp {
			best, bestBuf, bestRec = l, buf, rec
		}
	}
	if best == nil {
		return EventRecord{}, false
	}
	bestBuf.Advance()
	return bestRec, true
}

// FreeAll releases every buffer in every list. Must only be called after
// SuspendWriteEvent has completed for this session.
func (m *BufferManager) FreeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists = make(map[*ThreadState]*BufferList)
	m.allocated = 0
}

// AllocatedBytes reports current allocated capacity, for diagnostics and
// metrics gauges.
func (m *BufferManager) AllocatedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}
