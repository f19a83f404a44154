// Package httpapi is an optional loopback HTTP control surface for
// starting and stopping trace sessions, an alternative to the binary IPC
// session-control protocol for environments where an HTTP client is more
// convenient (e.g. a sidecar or a curl-based runbook). Supplemental
// feature; see SPEC_FULL.md.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/evtrace/internal/logger"
	"github.com/marmos91/evtrace/pkg/trace"
)

// defaultCircularBufferMB fills in a buffer size for requests that omit
// circular_buffer_mb, since Pipeline.Enable itself now rejects 0 as an
// invalid argument rather than silently defaulting it.
const defaultCircularBufferMB = 16

// SessionOpener abstracts Pipeline.Enable/Disable for the handler, so tests
// can substitute a fake without constructing a real Pipeline.
type SessionOpener interface {
	Enable(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error)
	Disable(ctx context.Context, id trace.SessionID) error
	Sessions() []*trace.Session
}

// PipelineOpener adapts a *trace.Pipeline to SessionOpener: HTTP-initiated
// disables never run rundown, since there is no HTTP-level equivalent of a
// rundown enumerator.
type PipelineOpener struct {
	Pipeline *trace.Pipeline
}

func (o PipelineOpener) Enable(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error) {
	return o.Pipeline.Enable(ctx, opts)
}

func (o PipelineOpener) Disable(ctx context.Context, id trace.SessionID) error {
	return o.Pipeline.Disable(ctx, id, nil)
}

func (o PipelineOpener) Sessions() []*trace.Session {
	return o.Pipeline.Sessions()
}

var _ SessionOpener = PipelineOpener{}

// NewRouter builds the chi router for the session-control HTTP surface.
// It is intentionally much smaller than a full control plane: two mutating
// routes plus health/list, all unauthenticated because it is meant to be
// bound to loopback only.
func NewRouter(opener SessionOpener) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", listSessions(opener))
		r.Post("/", createSession(opener))
		r.Delete("/{id}", deleteSession(opener))
	})

	return r
}

type sessionView struct {
	ID    trace.SessionID    `json:"id"`
	Index trace.SessionIndex `json:"index"`
	Mode  string             `json:"mode"`
}

func listSessions(opener SessionOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := opener.Sessions()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView{ID: s.ID(), Index: s.Index(), Mode: s.Mode().String()})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// createSessionRequest is the POST /sessions body, analogous to
// CollectTracing2's request shape but JSON instead of msgpack.
type createSessionRequest struct {
	Mode             string                 `json:"mode"`
	Format           int                    `json:"format"`
	Providers        []trace.ProviderConfig `json:"providers"`
	RundownRequested bool                   `json:"rundown_requested"`
	CircularBufferMB uint64                 `json:"circular_buffer_mb"`
}

func createSession(opener SessionOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		mode, err := parseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		circularBufferMB := req.CircularBufferMB
		if circularBufferMB == 0 {
			circularBufferMB = defaultCircularBufferMB
		}

		sess, err := opener.Enable(r.Context(), trace.EnableOptions{
			Mode:             mode,
			Format:           trace.FormatVersion(req.Format),
			Providers:        req.Providers,
			RundownRequested: req.RundownRequested,
			CircularBufferMB: circularBufferMB,
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionView{ID: sess.ID(), Index: sess.Index(), Mode: sess.Mode().String()})
	}
}

func deleteSession(opener SessionOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := chi.URLParam(r, "id")
		id, err := parseSessionID(idStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := opener.Disable(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseMode(s string) (trace.SessionMode, error) {
	switch s {
	case "", "file":
		return trace.ModeFile, nil
	case "ipc_stream":
		return trace.ModeIPCStream, nil
	case "synchronous":
		return trace.ModeSynchronous, nil
	default:
		return 0, trace.ErrInvalidArgument
	}
}

func parseSessionID(s string) (trace.SessionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return trace.SessionID(v), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, trace.ErrInvalidArgument), errors.Is(err, trace.ErrSessionTableFull):
		return http.StatusBadRequest
	case errors.Is(err, trace.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("http api request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
