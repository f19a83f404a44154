package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/evtrace/pkg/trace"
)

// fakeOpener is a SessionOpener test double that never touches a real
// Pipeline, so these tests exercise only the router's decode/dispatch/
// encode logic.
type fakeOpener struct {
	enableFn  func(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error)
	disableFn func(ctx context.Context, id trace.SessionID) error
	sessions  []*trace.Session
}

func (f *fakeOpener) Enable(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error) {
	return f.enableFn(ctx, opts)
}
func (f *fakeOpener) Disable(ctx context.Context, id trace.SessionID) error {
	return f.disableFn(ctx, id)
}
func (f *fakeOpener) Sessions() []*trace.Session { return f.sessions }

func liveSession(t *testing.T) *trace.Session {
	t.Helper()
	p := trace.NewPipeline(trace.PipelineOptions{})
	require.NoError(t, p.Initialize(context.Background()))
	sess, err := p.Enable(context.Background(), trace.EnableOptions{
		Mode:             trace.ModeSynchronous,
		Listener:         func(trace.EventRecord) {},
		Providers:        []trace.ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: trace.Verbose}},
		CircularBufferMB: 1,
	})
	require.NoError(t, err)
	return sess
}

func TestHealthEndpoint(t *testing.T) {
	r := NewRouter(&fakeOpener{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSessionsEmpty(t *testing.T) {
	r := NewRouter(&fakeOpener{})
	req := httptest.NewRequest(http.MethodGet, "/sessions/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestListSessionsReturnsEnabledSessions(t *testing.T) {
	sess := liveSession(t)
	r := NewRouter(&fakeOpener{sessions: []*trace.Session{sess}})

	req := httptest.NewRequest(http.MethodGet, "/sessions/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, sess.ID(), views[0].ID)
}

func TestCreateSessionSuccess(t *testing.T) {
	sess := liveSession(t)
	opener := &fakeOpener{
		enableFn: func(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error) {
			assert.Equal(t, trace.ModeFile, opts.Mode)
			assert.Equal(t, uint64(16), opts.CircularBufferMB)
			return sess, nil
		},
	}
	r := NewRouter(opener)

	body := `{"mode":"file","circular_buffer_mb":16,"providers":[{"name":"P","keywords":65535,"level":5}]}`
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var view sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, sess.ID(), view.ID)
}

func TestCreateSessionRejectsBadMode(t *testing.T) {
	r := NewRouter(&fakeOpener{})
	body := `{"mode":"not-a-mode"}`
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionRejectsMalformedJSON(t *testing.T) {
	r := NewRouter(&fakeOpener{})
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionMapsSessionTableFullToBadRequest(t *testing.T) {
	opener := &fakeOpener{
		enableFn: func(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error) {
			return nil, trace.ErrSessionTableFull
		},
	}
	r := NewRouter(opener)
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString(`{"mode":"file"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionMapsNotInitializedToServiceUnavailable(t *testing.T) {
	opener := &fakeOpener{
		enableFn: func(ctx context.Context, opts trace.EnableOptions) (*trace.Session, error) {
			return nil, trace.ErrNotInitialized
		},
	}
	r := NewRouter(opener)
	req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString(`{"mode":"file"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeleteSessionSuccess(t *testing.T) {
	var gotID trace.SessionID
	opener := &fakeOpener{
		disableFn: func(ctx context.Context, id trace.SessionID) error {
			gotID = id
			return nil
		},
	}
	r := NewRouter(opener)
	req := httptest.NewRequest(http.MethodDelete, "/sessions/42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, trace.SessionID(42), gotID)
}

func TestDeleteSessionRejectsNonNumericID(t *testing.T) {
	r := NewRouter(&fakeOpener{})
	req := httptest.NewRequest(http.MethodDelete, "/sessions/not-a-number", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineOpenerWiring(t *testing.T) {
	p := trace.NewPipeline(trace.PipelineOptions{})
	require.NoError(t, p.Initialize(context.Background()))
	opener := PipelineOpener{Pipeline: p}

	sess, err := opener.Enable(context.Background(), trace.EnableOptions{
		Mode:             trace.ModeSynchronous,
		Listener:         func(trace.EventRecord) {},
		Providers:        []trace.ProviderConfig{{Name: "P", Keywords: 0xFFFF, Level: trace.Verbose}},
		CircularBufferMB: 1,
	})
	require.NoError(t, err)
	assert.Len(t, opener.Sessions(), 1)

	require.NoError(t, opener.Disable(context.Background(), sess.ID()))
	assert.Empty(t, opener.Sessions())
}
