package trace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// defaultCircularBufferMB is the buffer size a wire-protocol caller gets
// when it omits circular_buffer_mb; Pipeline.Enable itself now rejects 0 as
// an invalid argument rather than silently defaulting it (§4.11).
const defaultCircularBufferMB = 16

// CollectTracingRequest is the decoded session-control command body for
// both CollectTracing and CollectTracing2 (§6.2); CollectTracing reads the same
// shape but ignores its Format (always writing FormatV3) and
// RotationInterval fields.
type CollectTracingRequest struct {
	CircularBufferMB uint64           `msgpack:"circular_buffer_mb"`
	Format           FormatVersion    `msgpack:"format"`
	Providers        []ProviderConfig `msgpack:"providers"`
	RundownRequested bool             `msgpack:"rundown_requested"`
	RotationInterval time.Duration    `msgpack:"rotation_interval"`

	// OutputPath is the trace file path for ModeFile sessions started over
	// the wire protocol, where the caller has no local handle to hand in a
	// StreamWriter directly. Ignored for other modes.
	OutputPath string `msgpack:"output_path,omitempty"`
}

// StopTracingRequest is the decoded StopTracing command body.
type StopTracingRequest struct {
	SessionID SessionID `msgpack:"session_id"`
}

// StopTracingResponse acknowledges a StopTracing call.
type StopTracingResponse struct{}

// CollectTracingResponse acknowledges a successful CollectTracing call with
// the newly-allocated session's handle.
type CollectTracingResponse struct {
	SessionID SessionID `msgpack:"session_id"`
}

// ProtocolHelper is the thin decode/validate/dispatch layer between the
// session-control IPC wire protocol and the Pipeline (§6.2 ProtocolHelper).
// It never touches buffers or the hot write path; its only job is rejecting
// malformed commands before they reach Pipeline.Enable/Disable.
type ProtocolHelper struct {
	pipeline *Pipeline
}

// NewProtocolHelper binds a helper to pipeline.
func NewProtocolHelper(pipeline *Pipeline) *ProtocolHelper {
	return &ProtocolHelper{pipeline: pipeline}
}

// validateProviders rejects a command outright if any entry fails
// structural validation (blank name, out-of-range level): a bad provider
// entry invalidates the whole command rather than being silently dropped,
// per §6.2's "reject the whole command on bad encoding" rule.
func validateProviders(configs []ProviderConfig) error {
	if len(configs) == 0 {
		return fmt.Errorf("%w: at least one provider is required", ErrInvalidArgument)
	}
	for _, cfg := range configs {
		if strings.TrimSpace(cfg.Name) == "" {
			return fmt.Errorf("%w: provider name must not be blank", ErrInvalidArgument)
		}
		if err := configValidator.Struct(cfg); err != nil {
			return fmt.Errorf("%w: provider %q: %v", ErrInvalidArgument, cfg.Name, err)
		}
	}
	return nil
}

// CollectTracing is the v1 session-start command: file-backed, format v3,
// no rotation. It is kept distinct from CollectTracing2 because real
// consumers of the wire protocol are expected to still speak the legacy
// shape (§6.2).
func (h *ProtocolHelper) CollectTracing(ctx context.Context, req CollectTracingRequest, sink StreamWriter) (CollectTracingResponse, error) {
	if err := validateProviders(req.Providers); err != nil {
		return CollectTracingResponse{}, err
	}
	circularBufferMB := req.CircularBufferMB
	if circularBufferMB == 0 {
		circularBufferMB = defaultCircularBufferMB
	}
	sess, err := h.pipeline.Enable(ctx, EnableOptions{
		Mode:             ModeFile,
		Format:           FormatV3,
		Providers:        req.Providers,
		RundownRequested: req.RundownRequested,
		CircularBufferMB: circularBufferMB,
		Sink:             sink,
	})
	if err != nil {
		return CollectTracingResponse{}, err
	}
	return CollectTracingResponse{SessionID: sess.ID()}, nil
}

// CollectTracing2 is the current session-start command: it additionally
// selects the format version and, for file sessions, a rotation interval.
func (h *ProtocolHelper) CollectTracing2(ctx context.Context, req CollectTracingRequest, mode SessionMode, sink StreamWriter, listener func(EventRecord), fw *FileWriter) (CollectTracingResponse, error) {
	if err := validateProviders(req.Providers); err != nil {
		return CollectTracingResponse{}, err
	}
	format := req.Format
	if format == 0 {
		format = FormatV4
	}
	circularBufferMB := req.CircularBufferMB
	if circularBufferMB == 0 {
		circularBufferMB = defaultCircularBufferMB
	}
	sess, err := h.pipeline.Enable(ctx, EnableOptions{
		Mode:             mode,
		Format:           format,
		Providers:        req.Providers,
		RundownRequested: req.RundownRequested,
		CircularBufferMB: circularBufferMB,
		Sink:             sink,
		Listener:         listener,
		RotationInterval: req.RotationInterval,
		FileWriterForRot: fw,
	})
	if err != nil {
		return CollectTracingResponse{}, err
	}
	return CollectTracingResponse{SessionID: sess.ID()}, nil
}

// StopTracing is the session-stop command: disable sessionID, running
// rundown if it was requested at Enable time.
func (h *ProtocolHelper) StopTracing(ctx context.Context, sessionID SessionID, enumerator RundownEnumerator) error {
	return h.pipeline.Disable(ctx, sessionID, enumerator)
}
