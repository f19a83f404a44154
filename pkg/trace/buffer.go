package trace

import (
	"sync/atomic"
	"time"
)

// BufferState tracks whether a Buffer still accepts writes.
type BufferState int32

const (
	BufferWritable BufferState = iota
	BufferReadOnly
)

// recordOverhead approximates the fixed per-record cost (thread id,
// timestamp, sequence number, activity ids, stack length) counted against a
// buffer's capacity alongside the payload itself. It is a budgeting
// estimate, not the exact header size of either wire format (the v3
// fixed-layout header, for one, is 56 bytes plus a 4-byte stack length).
const recordOverhead = 4 + 4 + 8 + 16 + 16 + 4

// EventRecord is one buffered event, already captured with its timestamp,
// sequence number, and (optionally) stack. It is the in-memory analogue of
// the arena-allocated record the source writes directly into buffer bytes;
// here it is a plain Go value so the BufferManager and BlockSerializer can
// operate on it without unsafe pointer arithmetic.
type EventRecord struct {
	Event             *Event
	ThreadID          uint32
	CaptureProcNumber uint32
	Timestamp         int64
	Sequence          uint32
	ActivityID        [16]byte
	RelatedActivityID [16]byte
	Payload           []byte
	Stack             []uint64
	// Sorted is not set by the BlockSerializer, which computes each
	// record's sorted bit itself while encoding (see EncodeBatch).
	Sorted bool
}

func alignUp8(n int) int { return (n + 7) &^ 7 }

func recordSize(payloadLen, stackLen int) int {
	return alignUp8(recordOverhead + payloadLen + stackLen*8)
}

// Buffer is a fixed-capacity arena holding a sequence of event records
// written by exactly one owning ThreadState. Only the owner may append while
// Writable; the transition to ReadOnly is one-way and is only made while
// holding the owner's spin lock.
type Buffer struct {
	owner      *ThreadState
	capacity   int
	writeCursor int
	created    time.Time
	createdTS  int64
	records    []EventRecord
	readCursor int
	state      atomic.Int32

	// BufferList linkage, oldest-first; mutated only under the owning
	// BufferManager's lock.
	next, prev *Buffer
}

// NewBuffer allocates a buffer of the given capacity in bytes for owner.
func NewBuffer(owner *ThreadState, capacityBytes int, now time.Time, nowTS int64) *Buffer {
	return &Buffer{
		owner:     owner,
		capacity:  capacityBytes,
		created:   now,
		createdTS: nowTS,
	}
}

// State returns the buffer's current lifecycle state.
func (b *Buffer) State() BufferState {
	return BufferState(b.state.Load())
}

// markReadOnly performs the one-way Writable -> ReadOnly transition. Callers
// must hold the owning thread's spin lock.
func (b *Buffer) markReadOnly() {
	b.state.Store(int32(BufferReadOnly))
}

// Remaining reports free bytes in the arena.
func (b *Buffer) Remaining() int {
	return b.capacity - b.writeCursor
}

// WriteEvent appends one record if the buffer is still Writable and the
// record fits. size must have been computed
// with recordSize using the same payload/stack lengths. seq is consumed (and
// the caller's counter incremented) only on success, preserving strict
// sequence-number monotonicity with no reuse.
//
// Both failure paths (a buffer no longer Writable, or a record that does
// not fit) return false before anything is modified, so a failed write
// leaves writeCursor unchanged.
func (b *Buffer) WriteEvent(threadID uint32, captureProc uint32, event *Event, payload []byte, activityID, relatedActivityID [16]byte, stack []uint64, timestamp int64, seq *uint32) bool {
	if b.State() != BufferWritable {
		return false
	}
	size := recordSize(len(payload), len(stack))
	if b.writeCursor+size > b.capacity {
		return false
	}

	// Sequence numbers are 1-origin (§3 ThreadSessionState): the first
	// event a thread writes into a session carries sequence 1, and a
	// session's sequence point after N writes records "next" as N+1.
	nextSeq := *seq + 1
	rec := EventRecord{
		Event:             event,
		ThreadID:          threadID,
		CaptureProcNumber: captureProc,
		Timestamp:         timestamp,
		Sequence:          nextSeq,
		ActivityID:        activityID,
		RelatedActivityID: relatedActivityID,
	}
	if len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	if len(stack) > 0 {
		rec.Stack = append([]uint64(nil), stack...)
	}

	*seq = nextSeq
	b.records = append(b.records, rec)
	b.writeCursor += size
	return true
}

// PeekNext returns the oldest not-yet-drained record without advancing the
// read cursor.
func (b *Buffer) PeekNext() (EventRecord, bool) {
	if b.readCursor >= len(b.records) {
		return EventRecord{}, false
	}
	return b.records[b.readCursor], true
}

// Advance moves the read cursor past the oldest record.
func (b *Buffer) Advance() {
	if b.readCursor < len(b.records) {
		b.readCursor++
	}
}

// Drained reports whether every record in the buffer has been read.
func (b *Buffer) Drained() bool {
	return b.readCursor >= len(b.records)
}
