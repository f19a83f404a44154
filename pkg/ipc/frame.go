// Package ipc implements the length-prefixed msgpack framing used by the
// session-control protocol (§6.2): CollectTracing/CollectTracing2/
// StopTracing commands and their responses, exchanged over a local IPC
// transport (a Unix socket or named pipe; the transport itself is left to
// the caller).
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/marmos91/evtrace/pkg/bufpool"
)

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 16 << 20

// LengthPrefixSize is the byte width of a frame's length prefix.
const LengthPrefixSize = 4

// FrameErrorKind classifies a framing failure.
type FrameErrorKind int

const (
	// FrameErrorPartial means the stream ended mid-frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge means the declared length exceeds MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode means the payload failed to msgpack-decode.
	FrameErrorDecode
)

// FrameError reports a framing failure along with its classification.
type FrameError struct {
	Kind FrameErrorKind
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("ipc: frame error (%v): %v", e.Kind, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether the connection should be closed rather than
// retried: a too-large or undecodable frame leaves the stream in an
// unrecoverable position relative to the next length prefix.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorTooLarge || e.Kind == FrameErrorDecode
}

// CommandKind identifies a decoded command's msgpack "type" field.
type CommandKind string

const (
	CommandCollectTracing  CommandKind = "collect_tracing"
	CommandCollectTracing2 CommandKind = "collect_tracing2"
	CommandStopTracing     CommandKind = "stop_tracing"
)

// envelope is the wire shape every command and response shares: a type tag
// plus an opaque payload, so FrameDecoder can dispatch before fully
// decoding the payload's own fields.
type envelope struct {
	Type    string          `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// FrameDecoder reads length-prefixed msgpack frames from an underlying
// stream.
type FrameDecoder struct {
	r *bufio.Reader
}

// NewFrameDecoder wraps r for framed reads.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: bufio.NewReader(r)}
}

// ReadFrame reads one big-endian length-prefixed payload. Returns io.EOF
// cleanly at a frame boundary, or a *FrameError otherwise.
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Err: err}
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, &FrameError{Kind: FrameErrorTooLarge, Err: fmt.Errorf("frame length %d exceeds max %d", length, MaxFrameSize)}
	}

	payload := bufpool.GetUint32(length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		bufpool.Put(payload)
		return nil, &FrameError{Kind: FrameErrorPartial, Err: err}
	}
	return payload, nil
}

// ProbeCommandKind peeks a decoded envelope's type tag without decoding its
// payload, so a server can route to the right handler before committing to
// a concrete request type.
func ProbeCommandKind(frame []byte) (CommandKind, error) {
	var env envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return "", &FrameError{Kind: FrameErrorDecode, Err: err}
	}
	return CommandKind(env.Type), nil
}

// DecodePayload decodes frame's envelope payload into dst (a pointer to a
// concrete request/response type).
func DecodePayload(frame []byte, dst any) error {
	var env envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return &FrameError{Kind: FrameErrorDecode, Err: err}
	}
	if err := msgpack.Unmarshal(env.Payload, dst); err != nil {
		return &FrameError{Kind: FrameErrorDecode, Err: err}
	}
	return nil
}

// EncodeFrame msgpack-encodes an envelope{kind, payload} and prepends its
// big-endian length prefix.
func EncodeFrame(kind CommandKind, payload any) ([]byte, error) {
	payloadBytes, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(envelope{Type: string(kind), Payload: payloadBytes})
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, &FrameError{Kind: FrameErrorTooLarge, Err: fmt.Errorf("encoded frame of %d bytes exceeds max %d", len(body), MaxFrameSize)}
	}

	framed := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(framed[:LengthPrefixSize], uint32(len(body)))
	copy(framed[LengthPrefixSize:], body)
	return framed, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, kind CommandKind, payload any) error {
	framed, err := EncodeFrame(kind, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}
