// Package sampler adapts stack-sample sources into trace events. Two
// sources feed the same provider: an internal goroutine-stack ticker
// (SourceManaged) and an external continuous profiler (SourceExternal),
// distinguished by a one-byte tag prefixed to each sample's payload so a
// reader can tell which pipeline produced it without a second provider
// (§9 open question, resolved in SPEC_FULL.md supplemental feature 6).
package sampler

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/marmos91/evtrace/pkg/trace"
)

// SampleSource tags where a sample event originated.
type SampleSource byte

const (
	// SourceExternal marks a sample forwarded from an external continuous
	// profiler (Pyroscope).
	SourceExternal SampleSource = 1
	// SourceManaged marks a sample captured by this package's own ticker.
	SourceManaged SampleSource = 2
)

const (
	providerName  = "EvTrace-SampleProfiler"
	sampleEventID = 1
)

// Config configures the sample profiler adapter.
type Config struct {
	// Interval is the managed ticker's sampling period. Zero disables the
	// managed sampler entirely (external-only operation).
	Interval time.Duration

	// Pyroscope, if non-nil, is started alongside the managed ticker and
	// its registration is the external sample source. The adapter itself
	// does not receive per-sample callbacks from Pyroscope (its public API
	// exposes no such hook); its presence here means the continuous
	// profile stream and the managed stack ticker share one provider so a
	// reader correlates both kinds of sample against the same trace.
	Pyroscope *pyroscope.Config

	Logger *slog.Logger
}

// Sampler periodically captures goroutine stacks and writes them as trace
// events tagged SourceManaged, and optionally starts an external Pyroscope
// profiler, announced by one SourceExternal-tagged marker event.
type Sampler struct {
	cfg      Config
	provider *trace.Provider
	event    *trace.Event
	writer   *trace.Writer
	logger   *slog.Logger

	profiler *pyroscope.Profiler

	stop chan struct{}
	done chan struct{}
}

// New registers the sample provider against config and constructs a
// Sampler, but does not start sampling; call Start.
func New(config *trace.Configuration, writer *trace.Writer, cfg Config) (*Sampler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	provider, err := config.RegisterProvider(providerName, nil)
	if err != nil {
		return nil, err
	}
	event := &trace.Event{ID: sampleEventID, Version: 1, Level: trace.Informational, Keywords: 0, NeedStack: true}
	provider.AddEvent(event)

	return &Sampler{cfg: cfg, provider: provider, event: event, writer: writer, logger: cfg.Logger}, nil
}

// Start launches the managed ticker (if Interval > 0) and the external
// Pyroscope profiler (if configured).
func (s *Sampler) Start(ctx context.Context) error {
	if s.cfg.Pyroscope != nil {
		p, err := pyroscope.Start(*s.cfg.Pyroscope)
		if err != nil {
			return err
		}
		s.profiler = p
		s.emitSourceMarker(SourceExternal)
	}

	if s.cfg.Interval <= 0 {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop halts the managed ticker and the external profiler.
func (s *Sampler) Stop() {
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	if s.profiler != nil {
		_ = s.profiler.Stop()
	}
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	buf := make([]byte, 64<<10)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.event.IsEnabled() {
				continue
			}
			n := runtime.Stack(buf, true)
			payload := make([]byte, 1+n)
			payload[0] = byte(SourceManaged)
			copy(payload[1:], buf[:n])
			s.writer.WriteEvent(s.event, payload, nil, nil, nil)
		}
	}
}

// emitSourceMarker writes a zero-length-stack payload announcing that an
// external profiler session started, so a reader scanning the stream knows
// to expect SourceExternal-tagged events from here on even though this
// package never sees Pyroscope's individual samples.
func (s *Sampler) emitSourceMarker(source SampleSource) {
	if !s.event.IsEnabled() {
		return
	}
	s.writer.WriteEvent(s.event, []byte{byte(source)}, nil, nil, nil)
}
