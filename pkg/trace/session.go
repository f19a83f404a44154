package trace

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/evtrace/internal/logger"
	"github.com/marmos91/evtrace/pkg/metrics"
)

// ProviderConfig is one entry of a session's provider filter list: the
// negotiated keywords/level for a named provider, plus optional raw filter
// data forwarded to the provider's callback. It is also the wire shape
// ProtocolHelper decodes from a CollectTracing/CollectTracing2 command
// (§6.2).
type ProviderConfig struct {
	Name       string `msgpack:"name" validate:"required"`
	Keywords   uint64 `msgpack:"keywords"`
	Level      Level  `msgpack:"level" validate:"gte=0,lte=5"`
	FilterData string `msgpack:"filter_data,omitempty"`
}

// sessionState is the position of a Session in its lifecycle state machine
// (§4.10): Constructed -> Published -> [Streaming] -> Draining ->
// [RundownOptional] -> Destroyed.
type sessionState int32

const (
	sessionConstructed sessionState = iota
	sessionPublished
	sessionDraining
	sessionDestroyed
)

// RundownEnumerator is the external collaborator that emits rundown events
// synchronously on the calling thread when ExecuteRundown runs. The managed
// runtime supplies the real implementation; it is out of scope here (§1).
type RundownEnumerator interface {
	EnumerateRundownEvents(w *Writer, session *Session)
}

// Session encapsulates one enabled trace: its provider filter list, buffer
// manager, output sink, format version, and (for IpcStream mode) its
// streaming thread. Immutable after construction except for its state bits
// (§3 Session).
type Session struct {
	id    SessionID
	index SessionIndex

	mode   SessionMode
	format FormatVersion

	providers   []ProviderConfig
	rundownReqd atomic.Bool
	isRundown   atomic.Bool

	bufferManager *BufferManager
	serializer    *BlockSerializer
	sink          StreamWriter
	listener      func(EventRecord)

	startWall time.Time
	startTS   int64

	state   atomic.Int32
	logger  *slog.Logger
	metrics metrics.PipelineMetrics

	rotationInterval time.Duration
	fileWriter       *FileWriter // non-nil only in ModeFile with a *FileWriter sink

	streamStop chan struct{}
	streamDone chan struct{}

	mu sync.Mutex // guards writes to the sink during drain/streaming
}

// SessionOptions configures a new Session; constructed by Pipeline.Enable.
type SessionOptions struct {
	ID                SessionID
	Index             SessionIndex
	Mode              SessionMode
	Format            FormatVersion
	Providers         []ProviderConfig
	RundownRequested  bool
	CircularBufferMB  uint64
	Sink              StreamWriter
	Listener          func(EventRecord)
	RotationInterval  time.Duration
	FileWriterForRot  *FileWriter
	Logger            *slog.Logger
	Metrics           metrics.PipelineMetrics
	StartWall         time.Time
	StartHighResClock int64
}

// NewSession constructs a session in the Constructed state; Pipeline.Enable
// transitions it to Published once it is installed in the session table.
func NewSession(opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.With("component", "trace.Session", "session_id", opts.ID)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	budget := opts.CircularBufferMB << 20
	s := &Session{
		id:               opts.ID,
		index:            opts.Index,
		mode:             opts.Mode,
		format:           opts.Format,
		providers:        opts.Providers,
		bufferManager:    NewBufferManager(budget, opts.Metrics),
		serializer:       NewBlockSerializer(opts.Format),
		sink:             opts.Sink,
		listener:         opts.Listener,
		startWall:        opts.StartWall,
		startTS:          opts.StartHighResClock,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		rotationInterval: opts.RotationInterval,
		fileWriter:       opts.FileWriterForRot,
	}
	s.rundownReqd.Store(opts.RundownRequested)
	s.state.Store(int32(sessionConstructed))
	return s
}

// ID returns the session's handle.
func (s *Session) ID() SessionID { return s.id }

// Index returns the session's slot in the fixed-size session table.
func (s *Session) Index() SessionIndex { return s.index }

// Mode reports the session's delivery mode.
func (s *Session) Mode() SessionMode { return s.mode }

// Format reports the session's wire format version.
func (s *Session) Format() FormatVersion { return s.format }

// RundownRequested reports whether a rundown phase runs at disable.
func (s *Session) RundownRequested() bool { return s.rundownReqd.Load() }

// Providers returns the session's configured provider filter list.
func (s *Session) Providers() []ProviderConfig { return s.providers }

// publish transitions Constructed -> Published. Called by Pipeline.Enable
// after the session's slot and allow-write bit are set.
func (s *Session) publish() { s.state.Store(int32(sessionPublished)) }

// BufferManager returns the session's buffer manager, used by Pipeline's hot
// path fan-out.
func (s *Session) BufferManager() *BufferManager { return s.bufferManager }

// WriteEvent delegates to the buffer manager's fast/slow path (§4.9). ts is
// the writing thread's state and timestamp the event's write time;
// threadID/captureProc identify the writing thread. Returns silently on drop.
func (s *Session) WriteEvent(ts *ThreadState, event *Event, payload []byte, activityID, relatedActivityID [16]byte, stack []uint64, now time.Time, nowTS, timestamp int64, threadID, captureProc uint32) {
	if s.mode == ModeSynchronous {
		if s.listener != nil {
			seq := ts.slots[s.index].sequence + 1
			ts.slots[s.index].sequence = seq
			s.listener(EventRecord{
				Event: event, ThreadID: threadID, CaptureProcNumber: captureProc,
				Timestamp: timestamp, Sequence: seq, ActivityID: activityID,
				RelatedActivityID: relatedActivityID, Payload: payload, Stack: stack,
			})
		}
		return
	}

	slot := &ts.slots[s.index]
	if buf := slot.currentBuffer; buf != nil {
		if buf.WriteEvent(threadID, captureProc, event, payload, activityID, relatedActivityID, stack, timestamp, &slot.sequence) {
			s.metrics.RecordEventWritten(event.Provider().Name())
			return
		}
	}

	// Slow path: swap buffers under this thread's spin lock so a concurrent
	// drain cannot observe a half-updated currentBuffer pointer.
	ts.spin.Lock()
	defer ts.spin.Unlock()

	size := recordSize(len(payload), len(stack))
	buf := s.bufferManager.AllocateBufferForThread(ts, size, now, nowTS)
	if buf == nil {
		return // silent drop; §4.11
	}
	slot.currentBuffer = buf
	if buf.WriteEvent(threadID, captureProc, event, payload, activityID, relatedActivityID, stack, timestamp, &slot.sequence) {
		s.metrics.RecordEventWritten(event.Provider().Name())
	}
}

// EnableRundown replaces the provider list with a rundown configuration and
// marks the session as a rundown session. Called by Pipeline.Disable before
// ExecuteRundown when rundown was requested at Enable time.
func (s *Session) EnableRundown(rundownProviders []ProviderConfig) {
	s.providers = rundownProviders
	s.isRundown.Store(true)
}

// IsRundown reports whether the session is currently in its rundown phase.
func (s *Session) IsRundown() bool { return s.isRundown.Load() }

// ExecuteRundown invokes the external rundown enumerator on the calling
// thread (which is marked so its writes bypass the suspended allow-write
// check; see Pipeline.Disable).
func (s *Session) ExecuteRundown(w *Writer, enumerator RundownEnumerator) {
	if enumerator == nil {
		return
	}
	enumerator.EnumerateRundownEvents(w, s)
}

// beginDraining transitions Published -> Draining.
func (s *Session) beginDraining() { s.state.Store(int32(sessionDraining)) }

// destroy transitions to the terminal Destroyed state.
func (s *Session) destroy() { s.state.Store(int32(sessionDestroyed)) }

// drainAndEmit drains the buffer manager up to stopTimestamp and writes the
// resulting blocks to the sink. The first stream write failure is logged,
// the remaining blocks of this drain are skipped, and the error is
// returned; Pipeline.Disable logs it and still attempts the sequence point
// so the trailer remains well-formed.
func (s *Session) drainAndEmit(stopTimestamp int64) error {
	started := time.Now()
	defer func() { s.metrics.RecordDrainDuration(time.Since(started).Seconds()) }()

	var batch []EventRecord
	var writeErr error
	err := s.bufferManager.Drain(stopTimestamp, func(rec EventRecord) error {
		batch = append(batch, rec)
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, block := range s.serializer.EncodeBatch(batch) {
		if writeErr != nil {
			break
		}
		if _, writeErr = s.sink.Write(block); writeErr != nil {
			s.logger.Error("session drain write failed", "session_id", s.id, "error", writeErr)
		}
	}
	return writeErr
}

// emitSequencePoint writes a SequencePointBlock recording each thread's next
// sequence number for this session, so readers can detect drops.
func (s *Session) emitSequencePoint(timestamp int64, nextSeqByThread map[uint64]uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.sink.Write(s.serializer.EncodeSequencePoint(timestamp, nextSeqByThread))
	return err
}

// writeEndOfStream appends the terminating end-of-stream tag (§6.1), so a
// reader knows the stream was closed cleanly rather than truncated
// mid-block. Called once, at the end of Pipeline.Disable's teardown.
func (s *Session) writeEndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.sink.Write(EndOfStreamMarker())
	return err
}

// nextEventForStreaming pulls one event for the IpcStream streaming thread.
func (s *Session) nextEventForStreaming() (EventRecord, bool) {
	return s.bufferManager.NextEvent()
}

// GetNextEvent exposes the same pull for Pipeline.GetNextEvent on
// non-streaming sessions (e.g. polling consumers).
func (s *Session) GetNextEvent() (EventRecord, bool) {
	return s.bufferManager.NextEvent()
}

// startStreaming launches the dedicated streaming thread for an IpcStream
// session: it polls the buffer manager, drains continuously, and writes to
// the sink, exiting when stop() is called (remote disconnect or Disable).
func (s *Session) startStreaming(pollInterval time.Duration) {
	if s.mode != ModeIPCStream {
		return
	}
	s.streamStop = make(chan struct{})
	s.streamDone = make(chan struct{})

	go func() {
		defer close(s.streamDone)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.streamStop:
				return
			case <-ticker.C:
				for {
					rec, ok := s.nextEventForStreaming()
					if !ok {
						break
					}
					s.mu.Lock()
					for _, block := range s.serializer.EncodeBatch([]EventRecord{rec}) {
						if _, err := s.sink.Write(block); err != nil {
							s.logger.Warn("ipc stream write failed, stopping", "session_id", s.id, "error", err)
							s.mu.Unlock()
							go s.stopStreaming()
							return
						}
					}
					s.mu.Unlock()
				}
				_ = s.sink.Flush()
			}
		}
	}()
}

// stopStreaming signals the streaming thread to exit and waits for it.
func (s *Session) stopStreaming() {
	if s.streamStop == nil {
		return
	}
	select {
	case <-s.streamStop:
	default:
		close(s.streamStop)
	}
	<-s.streamDone
}

// maybeRotate rotates the session's file sink if RotationInterval has
// elapsed since session start or the last rotation. Supplemental feature;
// see SPEC_FULL.md. Rotation never changes session identity (§5). Nothing
// in this package calls it, so sessions do not rotate on a timer.
func (s *Session) maybeRotate(now time.Time, lastRotation *time.Time) {
	if s.fileWriter == nil || s.rotationInterval <= 0 {
		return
	}
	if now.Sub(*lastRotation) < s.rotationInterval {
		return
	}
	if err := s.fileWriter.Rotate(); err != nil {
		s.logger.Error("session file rotation failed", "session_id", s.id, "error", err)
		return
	}
	*lastRotation = now
}

// newActivityID generates a random activity id when the caller did not
// supply one (§4.9: "if activityId == nil: activityId = CurrentThread.ActivityId").
// This port has no per-thread current-activity slot, so each unspecified
// write is assigned a fresh id, matching the common case where callers
// track their own activity scoping.
func newActivityID() [16]byte {
	return [16]byte(uuid.New())
}
