package trace

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/evtrace/internal/logger"
	"github.com/marmos91/evtrace/internal/telemetry"
	"github.com/marmos91/evtrace/pkg/metrics"
)

func processID() int  { return os.Getpid() }
func numCPU() int     { return runtime.NumCPU() }

// systemTimeFields packs t into the stream header's
// [year,month,dayOfWeek,day,hour,min,sec,ms] layout.
func systemTimeFields(t time.Time) [8]uint16 {
	t = t.UTC()
	return [8]uint16{
		uint16(t.Year()), uint16(t.Month()), uint16(t.Weekday()), uint16(t.Day()),
		uint16(t.Hour()), uint16(t.Minute()), uint16(t.Second()), uint16(t.Nanosecond() / 1e6),
	}
}

// pipelineState is the Pipeline's own lifecycle (§4.1).
type pipelineState int32

const (
	pipelineNotInitialized pipelineState = iota
	pipelineInitialized
	pipelineShuttingDown
)

// sessionSlot is one entry of the fixed-size session table. allowWrite is
// the per-slot release-ordered bit writers check before touching a session;
// clearing it is the first half of the suspend-write protocol (§4.8).
type sessionSlot struct {
	session    *Session
	allowWrite atomic.Bool
}

// Pipeline is the facade over the whole tracing subsystem: the provider
// registry, the fixed session table, and the hot write path that fans an
// event out to every session whose filters admit it (§4 Pipeline).
//
// A Pipeline is a singleton in the original design (one global trace
// pipeline per process); nothing here prevents constructing more than one,
// which is occasionally useful in tests.
type Pipeline struct {
	state atomic.Int32

	config  *Configuration
	sessions [MaxSessions]sessionSlot

	nextSessionID atomic.Uint64

	threadsMu sync.Mutex
	threads   []*ThreadState

	logger  *slog.Logger
	metrics metrics.PipelineMetrics

	pollInterval time.Duration

	mu sync.Mutex // serializes Enable/Disable/StartStreaming against each other
}

// PipelineOptions configures a new Pipeline.
type PipelineOptions struct {
	Logger       *slog.Logger
	Metrics      metrics.PipelineMetrics
	PollInterval time.Duration // IpcStream streaming-thread poll cadence; default 10ms
}

// NewPipeline constructs an uninitialized Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = logger.With("component", "trace.Pipeline")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Pipeline{
		config:       NewConfiguration(opts.Logger),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
	}
}

// Initialize transitions NotInitialized -> Initialized. It is not
// idempotent: calling it twice returns ErrAlreadyInitialized (§4.1).
func (p *Pipeline) Initialize(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(pipelineNotInitialized), int32(pipelineInitialized)) {
		return ErrAlreadyInitialized
	}
	_, span := telemetry.StartSpan(ctx, "trace.Pipeline.Initialize")
	defer span.End()
	p.logger.Info("trace pipeline initialized")
	return nil
}

// requireInitialized returns ErrNotInitialized once Shutdown has finished
// running, or before Initialize has.
func (p *Pipeline) requireInitialized() error {
	if pipelineState(p.state.Load()) != pipelineInitialized {
		return ErrNotInitialized
	}
	return nil
}

// requireRunning is requireInitialized's relaxed counterpart: it also
// admits ShuttingDown, so Disable keeps working while Shutdown is tearing
// down the remaining sessions it already enumerated.
func (p *Pipeline) requireRunning() error {
	switch pipelineState(p.state.Load()) {
	case pipelineInitialized, pipelineShuttingDown:
		return nil
	default:
		return ErrNotInitialized
	}
}

// Configuration exposes the provider registry for RegisterProvider calls.
func (p *Pipeline) Configuration() *Configuration { return p.config }

// NewWriter allocates a fresh per-writer handle, analogous to the
// lazily-created thread-local state in the source (see threadstate.go). One
// Writer should be reused for the lifetime of one logical writer (typically
// pinned to an OS thread via runtime.LockOSThread, though nothing here
// requires that).
func (p *Pipeline) NewWriter(osThreadID uint32) *Writer {
	ts := newThreadState(osThreadID)
	p.threadsMu.Lock()
	p.threads = append(p.threads, ts)
	p.threadsMu.Unlock()
	return &Writer{ts: ts, pipeline: p, rundownIdx: -1}
}

// Writer is a logical writer's handle onto its own ThreadState. Writers are
// not safe for concurrent use from multiple goroutines simultaneously,
// matching the source's single-OS-thread assumption.
type Writer struct {
	ts       *ThreadState
	pipeline *Pipeline

	// rundownIdx is the session index this writer is the dedicated rundown
	// thread for, or -1 for an ordinary writer. Disable suspends a
	// session's allow-write bit before running rundown (§5), so the
	// rundown writer needs its own admission path into that one session
	// rather than going through allowWrite like every other writer (§4.6).
	rundownIdx SessionIndex
}

// WriteEvent is the hot path (§4.9): for every published session whose
// allow-write bit is set and whose filters admit event, append a record to
// that session's current buffer for this writer, allocating or stealing a
// new buffer if needed. A session whose allow-write bit is clear (mid
// suspend-write) is skipped entirely for this writer, which is how
// SuspendWriteEvent's spin eventually observes IsWriting return false.
func (w *Writer) WriteEvent(event *Event, payload []byte, activityID, relatedActivityID *[16]byte, stack []uint64) {
	if !event.IsEnabled() {
		return
	}
	var aid, raid [16]byte
	if activityID != nil {
		aid = *activityID
	} else {
		aid = newActivityID()
	}
	if relatedActivityID != nil {
		raid = *relatedActivityID
	}

	now := time.Now()
	nowTS := now.UnixNano()

	for i := range w.pipeline.sessions {
		slot := &w.pipeline.sessions[i]
		isRundownTarget := w.rundownIdx == SessionIndex(i)
		if !slot.allowWrite.Load() && !isRundownTarget {
			continue
		}
		sess := slot.session
		if sess == nil || !event.IsEnabledInSession(sess.Index()) {
			continue
		}

		w.ts.BeginWrite(sess.Index())
		// Re-check the allow-write bit after publishing intent: if
		// SuspendWriteEvent cleared it and is now spinning on IsWriting,
		// back out without touching the session rather than writing into a
		// session that is mid-drain. The dedicated rundown writer is
		// exempt for its own session index: suspendWrite has already
		// observed every other writer quiesce for that index, and §4.6
		// has the rundown enumerator run synchronously on a thread of its
		// own that bypasses the suspended state.
		if !slot.allowWrite.Load() && !isRundownTarget {
			w.ts.EndWrite()
			continue
		}
		sess.WriteEvent(w.ts, event, payload, aid, raid, stack, now, nowTS, nowTS, w.ts.osThreadID, 0)
		w.ts.EndWrite()
	}
}

// Close releases the writer's ThreadState. It does not attempt to drain or
// reassign any buffers the thread owns; those remain reachable from each
// session's BufferManager until that session itself is drained or
// disabled, matching FreeAll's session-scoped (not thread-scoped) teardown.
func (w *Writer) Close() {
	w.pipeline.threadsMu.Lock()
	defer w.pipeline.threadsMu.Unlock()
	for i, ts := range w.pipeline.threads {
		if ts == w.ts {
			w.pipeline.threads = append(w.pipeline.threads[:i], w.pipeline.threads[i+1:]...)
			break
		}
	}
}

// EnableOptions configures one Pipeline.Enable call.
type EnableOptions struct {
	Mode              SessionMode
	Format            FormatVersion
	Providers         []ProviderConfig
	RundownRequested  bool
	CircularBufferMB  uint64
	Sink              StreamWriter
	Listener          func(EventRecord)
	RotationInterval  time.Duration
	FileWriterForRot  *FileWriter
}

// Enable allocates a free session slot, constructs a Session, publishes it
// (release-ordered: session pointer then allow-write bit), negotiates
// provider enablement, and dispatches callbacks after releasing the
// configuration lock (§4.2, §4.9 postponed-callback rule).
func (p *Pipeline) Enable(ctx context.Context, opts EnableOptions) (*Session, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	if opts.CircularBufferMB == 0 || len(opts.Providers) == 0 {
		return nil, ErrInvalidArgument
	}
	if opts.Format == 0 {
		opts.Format = FormatV4
	}
	if opts.Sink == nil && opts.Mode != ModeSynchronous {
		return nil, ErrInvalidArgument
	}

	ctx, span := telemetry.StartSpan(ctx, "trace.Pipeline.Enable")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := SessionIndex(-1)
	for i := range p.sessions {
		if p.sessions[i].session == nil {
			idx = SessionIndex(i)
			break
		}
	}
	if idx == -1 {
		span.RecordError(ErrSessionTableFull)
		return nil, ErrSessionTableFull
	}

	id := SessionID(p.nextSessionID.Add(1))
	now := time.Now()
	sess := NewSession(SessionOptions{
		ID:                id,
		Index:             idx,
		Mode:              opts.Mode,
		Format:            opts.Format,
		Providers:         opts.Providers,
		RundownRequested:  opts.RundownRequested,
		CircularBufferMB:  opts.CircularBufferMB,
		Sink:              opts.Sink,
		Listener:          opts.Listener,
		RotationInterval:  opts.RotationInterval,
		FileWriterForRot:  opts.FileWriterForRot,
		Logger:            p.logger,
		Metrics:           p.metrics,
		StartWall:         now,
		StartHighResClock: now.UnixNano(),
	})

	if sess.Mode() != ModeSynchronous {
		header := EncodeStreamHeader(StreamHeader{
			FileOpenSystemTime: systemTimeFields(now),
			FileOpenTimestamp:  now.UnixNano(),
			TimestampFrequency: int64(time.Second),
			PointerSize:        8,
			ProcessID:          uint32(processID()),
			NumberOfProcessors: uint32(numCPU()),
		})
		if _, err := sess.sink.Write(header); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	p.sessions[idx].session = sess
	p.sessions[idx].allowWrite.Store(true)
	sess.publish()

	queued := p.config.Enable(idx, opts.Providers)

	if sess.Mode() == ModeIPCStream {
		sess.startStreaming(p.pollInterval)
	}

	p.metrics.SetActiveSessions(p.activeSessionCountLocked())
	p.logger.Info("session enabled", "session_id", id, "index", idx, "mode", sess.Mode().String())

	dispatchCallbacks(queued)
	return sess, nil
}

// activeSessionCountLocked must be called with p.mu held.
func (p *Pipeline) activeSessionCountLocked() int {
	n := 0
	for i := range p.sessions {
		if p.sessions[i].session != nil {
			n++
		}
	}
	return n
}

// suspendWrite clears idx's allow-write bit (release) then spins until no
// known thread reports writing into idx, per §4.8's two-phase protocol.
// This is the one place a Disable call may block for an unbounded time: a
// writer stuck between its allow-write check and BeginWrite on a descheduled
// goroutine delays the spin, same as the source's OS-thread equivalent.
func (p *Pipeline) suspendWrite(idx SessionIndex) {
	p.sessions[idx].allowWrite.Store(false)

	p.threadsMu.Lock()
	threads := make([]*ThreadState, len(p.threads))
	copy(threads, p.threads)
	p.threadsMu.Unlock()

	for _, ts := range threads {
		for ts.IsWriting(idx) {
			time.Sleep(time.Microsecond)
		}
	}
}

// Disable runs the full teardown sequence for sessionID (§4.3): suspend
// writes, drain up to "now", optionally run rundown and drain again, emit a
// final sequence point, free buffers, and free the session's slot.
func (p *Pipeline) Disable(ctx context.Context, sessionID SessionID, enumerator RundownEnumerator) error {
	if err := p.requireRunning(); err != nil {
		return err
	}

	_, span := telemetry.StartSpan(ctx, "trace.Pipeline.Disable")
	defer span.End()

	p.mu.Lock()
	idx := SessionIndex(-1)
	var sess *Session
	for i := range p.sessions {
		if s := p.sessions[i].session; s != nil && s.ID() == sessionID {
			idx, sess = SessionIndex(i), s
			break
		}
	}
	if sess == nil {
		// Disable on an id that doesn't name an enabled session is a no-op
		// (§4.1, §4.11), matching the source's EventPipe::Disable early
		// return when the id doesn't match the live session.
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sess.beginDraining()
	p.suspendWrite(idx)

	if sess.Mode() == ModeIPCStream {
		sess.stopStreaming()
	}

	stopTS := time.Now().UnixNano()
	if err := sess.drainAndEmit(stopTS); err != nil {
		p.logger.Warn("drain failed during disable", "session_id", sessionID, "error", err)
	}

	if sess.RundownRequested() {
		w := &Writer{ts: newThreadState(0), pipeline: p, rundownIdx: idx}
		sess.EnableRundown(sess.Providers())
		sess.ExecuteRundown(w, enumerator)
		if err := sess.drainAndEmit(time.Now().UnixNano()); err != nil {
			p.logger.Warn("rundown drain failed", "session_id", sessionID, "error", err)
		}
	}

	nextSeq := map[uint64]uint32{}
	p.threadsMu.Lock()
	for _, ts := range p.threads {
		// slots[idx].sequence holds the last sequence number assigned
		// (1-origin); the sequence point records the next one that will be.
		nextSeq[uint64(ts.osThreadID)] = ts.slots[idx].sequence + 1
	}
	p.threadsMu.Unlock()
	if err := sess.emitSequencePoint(time.Now().UnixNano(), nextSeq); err != nil {
		p.logger.Warn("final sequence point write failed", "session_id", sessionID, "error", err)
	}

	if sess.Mode() != ModeSynchronous {
		if err := sess.writeEndOfStream(); err != nil {
			p.logger.Warn("end-of-stream marker write failed", "session_id", sessionID, "error", err)
		}
		if err := sess.sink.Flush(); err != nil {
			p.logger.Warn("final flush failed", "session_id", sessionID, "error", err)
		}
		if err := sess.sink.Close(); err != nil {
			p.logger.Warn("sink close failed", "session_id", sessionID, "error", err)
		}
	}

	queued := p.config.Disable(idx, sess.Providers())

	p.mu.Lock()
	sess.BufferManager().FreeAll()
	p.sessions[idx].session = nil
	active := p.activeSessionCountLocked()
	p.mu.Unlock()

	if active == 0 {
		p.config.DeleteDeferredProviders()
	}
	p.metrics.SetActiveSessions(active)
	sess.destroy()

	p.logger.Info("session disabled", "session_id", sessionID, "index", idx)
	dispatchCallbacks(queued)
	return nil
}

// GetNextEvent pulls the next globally-oldest unread event for sessionID,
// for a File or Synchronous-adjacent polling consumer. Returns false if the
// session is unknown or has nothing pending.
func (p *Pipeline) GetNextEvent(sessionID SessionID) (EventRecord, bool) {
	p.mu.Lock()
	var sess *Session
	for i := range p.sessions {
		if s := p.sessions[i].session; s != nil && s.ID() == sessionID {
			sess = s
			break
		}
	}
	p.mu.Unlock()
	if sess == nil {
		return EventRecord{}, false
	}
	return sess.GetNextEvent()
}

// Sessions returns a snapshot of currently enabled sessions, for
// diagnostics (ProtocolHelper listing, HTTP API, CLI).
func (p *Pipeline) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, p.activeSessionCountLocked())
	for i := range p.sessions {
		if s := p.sessions[i].session; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown transitions Initialized -> ShuttingDown and disables every
// remaining session without rundown. It is the Pipeline-level analogue of
// process exit in the source, where all sessions are torn down
// unconditionally (§4.1).
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(pipelineInitialized), int32(pipelineShuttingDown)) {
		return ErrNotInitialized
	}
	for _, sess := range p.Sessions() {
		if err := p.Disable(ctx, sess.ID(), nil); err != nil {
			p.logger.Warn("shutdown: failed to disable session", "session_id", sess.ID(), "error", err)
		}
	}
	p.logger.Info("trace pipeline shut down")
	return nil
}
