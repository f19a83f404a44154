package sampler

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/evtrace/pkg/trace"
)

// memSink is a minimal trace.StreamWriter for driving a session end to end
// without a real file or IPC connection.
type memSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *memSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}
func (m *memSink) Flush() error { return nil }
func (m *memSink) Close() error { return nil }

func newEnabledPipeline(t *testing.T) (*trace.Pipeline, *trace.Session) {
	t.Helper()
	p := trace.NewPipeline(trace.PipelineOptions{})
	require.NoError(t, p.Initialize(context.Background()))

	sess, err := p.Enable(context.Background(), trace.EnableOptions{
		Mode:             trace.ModeFile,
		CircularBufferMB: 1,
		Sink:             &memSink{},
		Providers: []trace.ProviderConfig{
			{Name: "EvTrace-SampleProfiler", Keywords: 0xFFFF, Level: trace.Verbose},
		},
	})
	require.NoError(t, err)
	return p, sess
}

func TestNewRegistersProviderAndEvent(t *testing.T) {
	p, sess := newEnabledPipeline(t)
	defer p.Disable(context.Background(), sess.ID(), nil)

	w := p.NewWriter(1)
	s, err := New(p.Configuration(), w, Config{})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestManagedTickerEmitsTaggedSamples(t *testing.T) {
	p, sess := newEnabledPipeline(t)
	defer p.Disable(context.Background(), sess.ID(), nil)

	w := p.NewWriter(1)
	s, err := New(p.Configuration(), w, Config{Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	var payload []byte
	require.Eventually(t, func() bool {
		rec, ok := p.GetNextEvent(sess.ID())
		if !ok {
			return false
		}
		payload = rec.Payload
		return true
	}, time.Second, time.Millisecond)

	require.NotEmpty(t, payload)
	assert.Equal(t, byte(SourceManaged), payload[0])
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	p, sess := newEnabledPipeline(t)
	defer p.Disable(context.Background(), sess.ID(), nil)

	w := p.NewWriter(1)
	s, err := New(p.Configuration(), w, Config{})
	require.NoError(t, err)

	s.Stop() // never started; must not panic or block
}

func TestZeroIntervalDisablesManagedTicker(t *testing.T) {
	p, sess := newEnabledPipeline(t)
	defer p.Disable(context.Background(), sess.ID(), nil)

	w := p.NewWriter(1)
	s, err := New(p.Configuration(), w, Config{Interval: 0})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(10 * time.Millisecond)
	_, ok := p.GetNextEvent(sess.ID())
	assert.False(t, ok)
}
