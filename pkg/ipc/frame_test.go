package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectPayload struct {
	CircularBufferMB uint64 `msgpack:"circular_buffer_mb"`
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	framed, err := EncodeFrame(CommandCollectTracing, collectPayload{CircularBufferMB: 16})
	require.NoError(t, err)

	dec := NewFrameDecoder(bytes.NewReader(framed))
	frame, err := dec.ReadFrame()
	require.NoError(t, err)

	kind, err := ProbeCommandKind(frame)
	require.NoError(t, err)
	assert.Equal(t, CommandCollectTracing, kind)

	var got collectPayload
	require.NoError(t, DecodePayload(frame, &got))
	assert.Equal(t, uint64(16), got.CircularBufferMB)
}

func TestReadFrameReturnsEOFAtBoundary(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader(nil))
	_, err := dec.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFramePartialLengthPrefix(t *testing.T) {
	dec := NewFrameDecoder(bytes.NewReader([]byte{0x00, 0x01}))
	_, err := dec.ReadFrame()
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameErrorPartial, fe.Kind)
	assert.True(t, fe.IsFatal() == false)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], 10)
	dec := NewFrameDecoder(bytes.NewReader(append(lenBuf[:], []byte{1, 2, 3}...)))
	_, err := dec.ReadFrame()
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameErrorPartial, fe.Kind)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	dec := NewFrameDecoder(bytes.NewReader(lenBuf[:]))
	_, err := dec.ReadFrame()
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameErrorTooLarge, fe.Kind)
	assert.True(t, fe.IsFatal())
}

func TestProbeCommandKindRejectsGarbage(t *testing.T) {
	_, err := ProbeCommandKind([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FrameErrorDecode, fe.Kind)
}

func TestWriteFrameThenReadFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, CommandStopTracing, collectPayload{CircularBufferMB: 1}))

	dec := NewFrameDecoder(&buf)
	frame, err := dec.ReadFrame()
	require.NoError(t, err)

	kind, err := ProbeCommandKind(frame)
	require.NoError(t, err)
	assert.Equal(t, CommandStopTracing, kind)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, CommandCollectTracing, collectPayload{CircularBufferMB: 4}))
	require.NoError(t, WriteFrame(&buf, CommandCollectTracing2, collectPayload{CircularBufferMB: 8}))

	dec := NewFrameDecoder(&buf)

	first, err := dec.ReadFrame()
	require.NoError(t, err)
	k1, err := ProbeCommandKind(first)
	require.NoError(t, err)
	assert.Equal(t, CommandCollectTracing, k1)

	second, err := dec.ReadFrame()
	require.NoError(t, err)
	k2, err := ProbeCommandKind(second)
	require.NoError(t, err)
	assert.Equal(t, CommandCollectTracing2, k2)

	_, err = dec.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}
