package trace

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSink is an in-memory StreamWriter standing in for a real file or IPC
// connection; every call is safe for the drain/streaming and disable paths
// to race against each other the way a real sink's implementation must be.
type memSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newMemSink() *memSink { return &memSink{} }

func (m *memSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memSink) Flush() error { return nil }

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf.Bytes()...)
}

var _ StreamWriter = (*memSink)(nil)

const streamHeaderLen = 8 + 5 + 16 + 8 + 8 + 4 + 4 + 4 + 4

type parsedBlock struct {
	tag  blockTag
	body []byte
}

// parseBlocks decodes the preamble and every block of a trace stream built
// by Pipeline.Enable/Disable, stopping at (and including) the end-of-stream
// marker if present.
func parseBlocks(t *testing.T, data []byte) []parsedBlock {
	t.Helper()
	require.GreaterOrEqual(t, len(data), streamHeaderLen)
	off := streamHeaderLen
	var out []parsedBlock
	for off < len(data) {
		tag := blockTag(data[off])
		off++
		if tag == tagEndOfStream {
			out = append(out, parsedBlock{tag: tag})
			break
		}
		require.GreaterOrEqual(t, len(data), off+12)
		off += 8 // version + minReaderVersion
		size := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		require.GreaterOrEqual(t, len(data), off+size)
		out = append(out, parsedBlock{tag: tag, body: append([]byte(nil), data[off:off+size]...)})
		off += size
	}
	return out
}

func blocksOfTag(blocks []parsedBlock, tag blockTag) []parsedBlock {
	var out []parsedBlock
	for _, b := range blocks {
		if b.tag == tag {
			out = append(out, b)
		}
	}
	return out
}

func decodeMetadataPayload(t *testing.T, payload []byte) (metadataID, eventID, eventVersion uint32, level Level, keywords uint64, providerName string) {
	t.Helper()
	off := 0
	metadataID = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	var units []uint16
	for {
		require.LessOrEqual(t, off+2, len(payload))
		u := binary.LittleEndian.Uint16(payload[off : off+2])
		off += 2
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	providerName = string(utf16.Decode(units))
	eventID = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	eventVersion = binary.LittleEndian.Uint32(payload[off:])
	off += 4
	level = Level(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	keywords = binary.LittleEndian.Uint64(payload[off:])
	return
}

func decodeSequencePointBody(t *testing.T, body []byte) (timestamp int64, perThread map[uint64]uint32) {
	t.Helper()
	off := 0
	timestamp = int64(binary.LittleEndian.Uint64(body[off:]))
	off += 8
	count := binary.LittleEndian.Uint32(body[off:])
	off += 4
	perThread = make(map[uint64]uint32, count)
	for i := uint32(0); i < count; i++ {
		id := binary.LittleEndian.Uint64(body[off:])
		off += 8
		seq := binary.LittleEndian.Uint32(body[off:])
		off += 4
		perThread[id] = seq
	}
	return
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := NewPipeline(PipelineOptions{})
	require.NoError(t, p.Initialize(context.Background()))
	return p
}

// TestInitializeTwiceFails covers §4.1/§4.11: a second Initialize is
// rejected, and every other operation fails before the first one runs.
func TestInitializeTwiceFails(t *testing.T) {
	p := newTestPipeline(t)
	assert.ErrorIs(t, p.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	p := NewPipeline(PipelineOptions{})
	_, err := p.Enable(context.Background(), EnableOptions{Mode: ModeSynchronous})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, p.Disable(context.Background(), 1, nil), ErrNotInitialized)
}

func TestEnableInvalidArgumentsReturnNoSession(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Enable(context.Background(), EnableOptions{Mode: ModeFile, CircularBufferMB: 1, Providers: []ProviderConfig{{Name: "P"}}})
	assert.ErrorIs(t, err, ErrInvalidArgument, "a non-synchronous session with no sink must be rejected")
}

func TestEnableZeroCircularBufferIsRejected(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Enable(context.Background(), EnableOptions{
		Mode:      ModeSynchronous,
		Listener:  func(EventRecord) {},
		Providers: []ProviderConfig{{Name: "P"}},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument, "0 MB is an invalid argument (§4.11)")
}

func TestEnableNoProvidersIsRejected(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Enable(context.Background(), EnableOptions{
		Mode:             ModeSynchronous,
		Listener:         func(EventRecord) {},
		CircularBufferMB: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidArgument, "0 providers is an invalid argument (§4.11)")
}

func TestEnableSessionTableFull(t *testing.T) {
	p := newTestPipeline(t)
	providers := []ProviderConfig{{Name: "P"}}
	for i := 0; i < MaxSessions; i++ {
		_, err := p.Enable(context.Background(), EnableOptions{Mode: ModeSynchronous, Listener: func(EventRecord) {}, CircularBufferMB: 1, Providers: providers})
		require.NoError(t, err)
	}
	_, err := p.Enable(context.Background(), EnableOptions{Mode: ModeSynchronous, Listener: func(EventRecord) {}, CircularBufferMB: 1, Providers: providers})
	assert.ErrorIs(t, err, ErrSessionTableFull)
}

// TestDisableUnknownSessionIsNoOp covers §4.1/§4.11: Disable on an id that
// doesn't name an enabled session is a no-op, matching the source's
// EventPipe::Disable early return when the id doesn't match the live
// session.
func TestDisableUnknownSessionIsNoOp(t *testing.T) {
	p := newTestPipeline(t)
	assert.NoError(t, p.Disable(context.Background(), 0xDEADBEEF, nil))
}

// TestScenarioA_SingleEventFileSink is spec.md §8 Scenario A.
func TestScenarioA_SingleEventFileSink(t *testing.T) {
	p := newTestPipeline(t)
	provider, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	event := &Event{ID: 1, Version: 0, Level: Warning, Keywords: 0x1, NeedStack: false}
	provider.AddEvent(event)

	sink := newMemSink()
	sess, err := p.Enable(context.Background(), EnableOptions{
		Mode:             ModeFile,
		Format:           FormatV4,
		CircularBufferMB: 1,
		Sink:             sink,
		Providers:        []ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: Verbose}},
	})
	require.NoError(t, err)
	require.NotZero(t, sess.ID())

	w := p.NewWriter(1)
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	w.WriteEvent(event, payload, nil, nil, nil)

	require.NoError(t, p.Disable(context.Background(), sess.ID(), nil))

	blocks := parseBlocks(t, sink.Bytes())
	metaBlocks := blocksOfTag(blocks, tagMetadataBlock)
	eventBlocks := blocksOfTag(blocks, tagEventBlock)
	seqBlocks := blocksOfTag(blocks, tagSequencePointBlock)

	require.Len(t, metaBlocks, 1)
	metaRecords, err := DecodeEventBlockV4(metaBlocks[0].body)
	require.NoError(t, err)
	require.Len(t, metaRecords, 1)
	metaID, evID, evVersion, level, keywords, provName := decodeMetadataPayload(t, metaRecords[0].Payload)
	assert.Equal(t, uint32(1), evID)
	assert.Equal(t, uint32(0), evVersion)
	assert.Equal(t, Warning, level)
	assert.Equal(t, uint64(0x1), keywords)
	assert.Equal(t, "P", provName)

	require.Len(t, eventBlocks, 1)
	evRecords, err := DecodeEventBlockV4(eventBlocks[0].body)
	require.NoError(t, err)
	require.Len(t, evRecords, 1)
	assert.Equal(t, payload, evRecords[0].Payload)
	assert.Equal(t, uint32(1), evRecords[0].Sequence, "sequence numbers are 1-origin")
	assert.Equal(t, metaID, evRecords[0].MetadataID)
	// MetadataID of the metadata record itself is always 0; the fact that
	// the event's MetadataID differs confirms it is a real reference.
	require.NotEqual(t, uint32(0), evRecords[0].MetadataID)

	require.Len(t, seqBlocks, 1)
	_, perThread := decodeSequencePointBody(t, seqBlocks[0].body)
	assert.Equal(t, uint32(2), perThread[uint64(1)], "1 was used for the event, next is 2")

	require.Equal(t, tagEndOfStream, blocks[len(blocks)-1].tag)
}

// TestScenarioB_DisabledProviderIsSilent is spec.md §8 Scenario B.
func TestScenarioB_DisabledProviderIsSilent(t *testing.T) {
	p := newTestPipeline(t)
	provP, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	_, err = p.Configuration().RegisterProvider("Q", nil)
	require.NoError(t, err)

	event := &Event{ID: 1, Level: Informational, Keywords: 0}
	provP.AddEvent(event)

	sink := newMemSink()
	sess, err := p.Enable(context.Background(), EnableOptions{
		Mode:             ModeFile,
		CircularBufferMB: 1,
		Sink:             sink,
		Providers:        []ProviderConfig{{Name: "Q", Keywords: 0xFFFF, Level: Verbose}},
	})
	require.NoError(t, err)

	w := p.NewWriter(1)
	w.WriteEvent(event, nil, nil, nil, nil)

	require.NoError(t, p.Disable(context.Background(), sess.ID(), nil))

	blocks := parseBlocks(t, sink.Bytes())
	assert.Empty(t, blocksOfTag(blocks, tagEventBlock), "provider P was never enabled in this session")
	assert.Empty(t, blocksOfTag(blocks, tagMetadataBlock))
}

// TestScenarioD_TwoThreadsTimestampInterleaving is spec.md §8 Scenario D.
func TestScenarioD_TwoThreadsTimestampInterleaving(t *testing.T) {
	p := newTestPipeline(t)
	provider, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	event := &Event{ID: 1, Level: Informational, Keywords: 0}
	provider.AddEvent(event)

	sink := newMemSink()
	sess, err := p.Enable(context.Background(), EnableOptions{
		Mode:             ModeFile,
		CircularBufferMB: 1,
		Sink:             sink,
		Providers:        []ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: Verbose}},
	})
	require.NoError(t, err)

	w1 := p.NewWriter(1)
	w2 := p.NewWriter(2)

	// Bypass WriteEvent's wall-clock timestamp to drive the exact
	// interleaving the scenario specifies, by writing straight through the
	// session into explicit buffers with a synthetic clock.
	writeAt := func(w *Writer, clock int64) {
		slot := &w.ts.slots[sess.Index()]
		buf := slot.currentBuffer
		if buf == nil {
			buf = sess.BufferManager().AllocateBufferForThread(w.ts, 64, time.Now(), time.Now().UnixNano())
			require.NotNil(t, buf)
			slot.currentBuffer = buf
		}
		require.True(t, buf.WriteEvent(w.ts.osThreadID, 0, event, nil, [16]byte{}, [16]byte{}, nil, clock, &slot.sequence))
	}

	writeAt(w1, 100)
	writeAt(w2, 99)
	writeAt(w1, 101)

	require.NoError(t, p.Disable(context.Background(), sess.ID(), nil))

	blocks := parseBlocks(t, sink.Bytes())
	eventBlocks := blocksOfTag(blocks, tagEventBlock)
	require.Len(t, eventBlocks, 1)
	decoded, err := DecodeEventBlockV4(eventBlocks[0].body)
	require.NoError(t, err)
	require.Len(t, decoded, 3)

	type pair struct {
		thread uint32
		ts     int64
	}
	got := []pair{{decoded[0].ThreadID, decoded[0].Timestamp}, {decoded[1].ThreadID, decoded[1].Timestamp}, {decoded[2].ThreadID, decoded[2].Timestamp}}
	assert.Equal(t, []pair{{2, 99}, {1, 100}, {1, 101}}, got)

	seqByThread := map[uint32][]uint32{}
	for _, r := range decoded {
		seqByThread[r.ThreadID] = append(seqByThread[r.ThreadID], r.Sequence)
	}
	assert.Equal(t, []uint32{1, 2}, seqByThread[1])
	assert.Equal(t, []uint32{1}, seqByThread[2])
}

// TestScenarioE_RundownRequested is spec.md §8 Scenario E.
type fakeRundownEnumerator struct {
	event *Event
}

func (f fakeRundownEnumerator) EnumerateRundownEvents(w *Writer, session *Session) {
	w.WriteEvent(f.event, []byte("r1"), nil, nil, nil)
	w.WriteEvent(f.event, []byte("r2"), nil, nil, nil)
}

func TestScenarioE_RundownRequested(t *testing.T) {
	p := newTestPipeline(t)
	provider, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	event := &Event{ID: 1, Level: Informational, Keywords: 0}
	provider.AddEvent(event)

	sink := newMemSink()
	sess, err := p.Enable(context.Background(), EnableOptions{
		Mode:             ModeFile,
		CircularBufferMB: 1,
		Sink:             sink,
		RundownRequested: true,
		Providers:        []ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: Verbose}},
	})
	require.NoError(t, err)

	w := p.NewWriter(1)
	w.WriteEvent(event, []byte("pre"), nil, nil, nil)

	require.NoError(t, p.Disable(context.Background(), sess.ID(), fakeRundownEnumerator{event: event}))

	blocks := parseBlocks(t, sink.Bytes())
	eventBlocks := blocksOfTag(blocks, tagEventBlock)
	require.Len(t, eventBlocks, 2, "one drain before rundown, one after")

	preDrain, err := DecodeEventBlockV4(eventBlocks[0].body)
	require.NoError(t, err)
	require.Len(t, preDrain, 1)
	assert.Equal(t, []byte("pre"), preDrain[0].Payload)

	rundownDrain, err := DecodeEventBlockV4(eventBlocks[1].body)
	require.NoError(t, err)
	require.Len(t, rundownDrain, 2)
	assert.Equal(t, []byte("r1"), rundownDrain[0].Payload)
	assert.Equal(t, []byte("r2"), rundownDrain[1].Payload)

	seqBlocks := blocksOfTag(blocks, tagSequencePointBlock)
	require.Len(t, seqBlocks, 1, "one final sequence point after rundown")
}

// TestScenarioF_ConcurrentDisableDuringWrite is spec.md §8 Scenario F: a
// writer loops WriteEvent while a controller calls Disable; Disable must
// return without deadlock, and the stream it leaves behind must decode
// cleanly. How many of the writer's events the stream holds is not checked.
func TestScenarioF_ConcurrentDisableDuringWrite(t *testing.T) {
	p := newTestPipeline(t)
	provider, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	event := &Event{ID: 1, Level: Informational, Keywords: 0}
	provider.AddEvent(event)

	sink := newMemSink()
	sess, err := p.Enable(context.Background(), EnableOptions{
		Mode:             ModeFile,
		CircularBufferMB: 16,
		Sink:             sink,
		Providers:        []ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: Verbose}},
	})
	require.NoError(t, err)

	w := p.NewWriter(1)
	stop := make(chan struct{})
	written := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				w.WriteEvent(event, []byte("x"), nil, nil, nil)
				written++
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	disableDone := make(chan error, 1)
	go func() { disableDone <- p.Disable(context.Background(), sess.ID(), nil) }()

	select {
	case err := <-disableDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Disable deadlocked")
	}
	close(stop)
	<-done

	blocks := parseBlocks(t, sink.Bytes())
	eventBlocks := blocksOfTag(blocks, tagEventBlock)
	total := 0
	for _, b := range eventBlocks {
		decoded, err := DecodeEventBlockV4(b.body)
		require.NoError(t, err)
		total += len(decoded)
	}
	// The writer goroutine keeps going (possibly writing into a now-closed
	// allow-write bit, which must be silently refused) past the point
	// Disable observed; we only assert the emitted stream is internally
	// consistent, never that it's empty or exhausts `written`.
	assert.GreaterOrEqual(t, total, 0)
}

// TestSessionsIndependent is spec.md §8 property 8: two sessions with
// disjoint provider lists don't affect each other's counts.
func TestSessionsIndependent(t *testing.T) {
	p := newTestPipeline(t)
	provP, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	provQ, err := p.Configuration().RegisterProvider("Q", nil)
	require.NoError(t, err)
	eventP := &Event{ID: 1, Level: Informational, Keywords: 0}
	eventQ := &Event{ID: 2, Level: Informational, Keywords: 0}
	provP.AddEvent(eventP)
	provQ.AddEvent(eventQ)

	sinkP, sinkQ := newMemSink(), newMemSink()
	sessP, err := p.Enable(context.Background(), EnableOptions{Mode: ModeFile, CircularBufferMB: 1, Sink: sinkP, Providers: []ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: Verbose}}})
	require.NoError(t, err)
	sessQ, err := p.Enable(context.Background(), EnableOptions{Mode: ModeFile, CircularBufferMB: 1, Sink: sinkQ, Providers: []ProviderConfig{{Name: "Q", Keywords: 0xFFFF, Level: Verbose}}})
	require.NoError(t, err)

	w := p.NewWriter(1)
	for i := 0; i < 5; i++ {
		w.WriteEvent(eventP, nil, nil, nil, nil)
	}
	for i := 0; i < 3; i++ {
		w.WriteEvent(eventQ, nil, nil, nil, nil)
	}

	require.NoError(t, p.Disable(context.Background(), sessP.ID(), nil))
	require.NoError(t, p.Disable(context.Background(), sessQ.ID(), nil))

	countEvents := func(data []byte) int {
		blocks := parseBlocks(t, data)
		total := 0
		for _, b := range blocksOfTag(blocks, tagEventBlock) {
			decoded, err := DecodeEventBlockV4(b.body)
			require.NoError(t, err)
			total += len(decoded)
		}
		return total
	}
	assert.Equal(t, 5, countEvents(sinkP.Bytes()))
	assert.Equal(t, 3, countEvents(sinkQ.Bytes()))
}

// TestSuspendWriteBlocksNewWritesAfterClear covers the second half of
// spec.md §8 property 4: any writer that checks the allow-write bit after
// it was cleared must not write at all.
func TestSuspendWriteBlocksNewWritesAfterClear(t *testing.T) {
	p := newTestPipeline(t)
	provider, err := p.Configuration().RegisterProvider("P", nil)
	require.NoError(t, err)
	event := &Event{ID: 1, Level: Informational, Keywords: 0}
	provider.AddEvent(event)

	sink := newMemSink()
	sess, err := p.Enable(context.Background(), EnableOptions{Mode: ModeFile, CircularBufferMB: 1, Sink: sink, Providers: []ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: Verbose}}})
	require.NoError(t, err)

	p.suspendWrite(sess.Index())
	assert.False(t, p.sessions[sess.Index()].allowWrite.Load())

	w := p.NewWriter(1)
	w.WriteEvent(event, []byte("late"), nil, nil, nil)

	rec, ok := sess.BufferManager().NextEvent()
	assert.False(t, ok, "a write after suspend must be refused")
	_ = rec
}

func TestWriterCloseRemovesThreadFromPipeline(t *testing.T) {
	p := newTestPipeline(t)
	w := p.NewWriter(42)
	require.Len(t, p.threads, 1)
	w.Close()
	assert.Len(t, p.threads, 0)
}

func TestGetNextEventUnknownSession(t *testing.T) {
	p := newTestPipeline(t)
	_, ok := p.GetNextEvent(0xFFFF)
	assert.False(t, ok)
}

func TestShutdownDisablesAllSessions(t *testing.T) {
	p := newTestPipeline(t)
	var sinks []*memSink
	for i := 0; i < 3; i++ {
		sink := newMemSink()
		sinks = append(sinks, sink)
		_, err := p.Enable(context.Background(), EnableOptions{Mode: ModeFile, CircularBufferMB: 1, Sink: sink, Providers: []ProviderConfig{{Name: "Anything"}}})
		require.NoError(t, err)
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Empty(t, p.Sessions())
	for _, sink := range sinks {
		assert.True(t, sink.closed)
	}
	assert.ErrorIs(t, p.Shutdown(context.Background()), ErrNotInitialized)
}
