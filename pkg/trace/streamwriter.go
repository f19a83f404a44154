package trace

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"
)

// ErrStreamClosed is returned by StreamWriter methods once Close has run.
var ErrStreamClosed = errors.New("trace: stream writer closed")

// StreamWriter is the abstract append-only sink a Session drains into: a
// local file or an IPC stream. Implementations must be safe for concurrent
// Write/Flush from the drain path while Close may be called from the
// disable path.
type StreamWriter interface {
	io.Writer
	Flush() error
	Close() error
}

// RotationSink receives a just-closed, rotated trace file so it can be
// shipped elsewhere (e.g. uploaded to S3). Supplemental to the core spec;
// see SPEC_FULL.md's S3 rotation sink.
type RotationSink interface {
	HandleRotatedFile(path string) error
}

// FileWriter is a StreamWriter backed by an *os.File, with rotation on
// request: each Rotate call flushes and closes the current file, opens a
// fresh one in its place, and hands the closed file's path to Sink if set.
// Nothing calls Rotate on a timer. Rotation never changes the session's
// identity, per §5.
type FileWriter struct {
	mu       sync.Mutex
	pathFunc func(seq int) string
	seq      int
	file     *os.File
	buf      *bufio.Writer
	closed   bool

	Sink RotationSink
}

// NewFileWriter opens the first file via pathFunc(0).
func NewFileWriter(pathFunc func(seq int) string) (*FileWriter, error) {
	f, err := os.Create(pathFunc(0))
	if err != nil {
		return nil, err
	}
	return &FileWriter{
		pathFunc: pathFunc,
		file:     f,
		buf:      bufio.NewWriter(f),
	}, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrStreamClosed
	}
	return w.buf.Write(p)
}

func (w *FileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStreamClosed
	}
	return w.buf.Flush()
}

// Rotate flushes and closes the current file, optionally notifying Sink,
// then opens the next one in sequence.
func (w *FileWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStreamClosed
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	closedPath := w.file.Name()
	if err := w.file.Close(); err != nil {
		return err
	}
	if w.Sink != nil {
		go func(path string) { _ = w.Sink.HandleRotatedFile(path) }(closedPath)
	}

	w.seq++
	f, err := os.Create(w.pathFunc(w.seq))
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	return nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	closedPath := w.file.Name()
	err := w.file.Close()
	if w.Sink != nil && err == nil {
		go func(path string) { _ = w.Sink.HandleRotatedFile(path) }(closedPath)
	}
	return err
}

// IPCWriter is a StreamWriter backed by an arbitrary io.WriteCloser, used
// for IpcStream-mode sessions. Write errors are surfaced as-is so the
// streaming thread can detect a remote disconnect and drive Disable.
type IPCWriter struct {
	mu     sync.Mutex
	conn   io.WriteCloser
	buf    *bufio.Writer
	closed bool
}

// NewIPCWriter wraps conn for buffered writes.
func NewIPCWriter(conn io.WriteCloser) *IPCWriter {
	return &IPCWriter{conn: conn, buf: bufio.NewWriter(conn)}
}

func (w *IPCWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrStreamClosed
	}
	return w.buf.Write(p)
}

func (w *IPCWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStreamClosed
	}
	return w.buf.Flush()
}

func (w *IPCWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.buf.Flush()
	return w.conn.Close()
}

var (
	_ StreamWriter = (*FileWriter)(nil)
	_ StreamWriter = (*IPCWriter)(nil)
)
