package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sort"
	"unicode/utf16"
)

var errCorruptVarint = errors.New("trace: corrupt varint")

// blockTag identifies a block's kind in the stream.
type blockTag byte

const (
	tagEventBlock         blockTag = 1
	tagMetadataBlock      blockTag = 2
	tagStackBlock         blockTag = 3
	tagSequencePointBlock blockTag = 4
	tagEndOfStream        blockTag = 0
)

// blockFormatVersion and blockMinReaderVersion are written into every
// block's header; bumped independently of the stream-level FormatVersion so
// a reader could in principle skip blocks it does not understand.
const (
	blockFormatVersion     = 1
	blockMinReaderVersion  = 1
)

// StreamHeader carries the preamble fields written once at the start of a
// trace stream (§6.1).
type StreamHeader struct {
	FileOpenSystemTime [8]uint16 // Y,M,DoW,D,h,m,s,ms
	FileOpenTimestamp  int64
	TimestampFrequency int64
	PointerSize        uint32
	ProcessID          uint32
	NumberOfProcessors uint32
	SamplingRateNs     uint32
}

func encodeStreamHeader(h StreamHeader) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("Nettrace")
	buf.WriteString("Trace")
	for _, v := range h.FileOpenSystemTime {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
	_ = binary.Write(buf, binary.LittleEndian, h.FileOpenTimestamp)
	_ = binary.Write(buf, binary.LittleEndian, h.TimestampFrequency)
	_ = binary.Write(buf, binary.LittleEndian, h.PointerSize)
	_ = binary.Write(buf, binary.LittleEndian, h.ProcessID)
	_ = binary.Write(buf, binary.LittleEndian, h.NumberOfProcessors)
	_ = binary.Write(buf, binary.LittleEndian, h.SamplingRateNs)
	return buf.Bytes()
}

func encodeBlock(tag blockTag, body []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(tag))
	_ = binary.Write(buf, binary.LittleEndian, int32(blockFormatVersion))
	_ = binary.Write(buf, binary.LittleEndian, int32(blockMinReaderVersion))
	_ = binary.Write(buf, binary.LittleEndian, int32(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// v4RecordState tracks the "previous record" compression state for one
// EventBlock or MetadataBlock. It is reset at every block transition.
type v4RecordState struct {
	havePrev              bool
	prevMetadataID        uint32
	prevSeq               uint32
	prevCaptureThreadID   uint32
	prevCaptureProc       uint32
	prevThreadID          uint32
	prevStackID           uint32
	prevActivityID        [16]byte
	prevRelatedActivityID [16]byte
	prevDataLength        uint32
	prevTimestamp         int64
}

const (
	flagMetadataID     = 1 << 0
	flagSeqGroup       = 1 << 1
	flagThreadID       = 1 << 2
	flagStackID        = 1 << 3
	flagActivityID     = 1 << 4
	flagRelatedActID   = 1 << 5
	flagSorted         = 1 << 6
	flagDataLength     = 1 << 7
)

// encode writes one header-compressed v4 event record and updates state.
func (s *v4RecordState) encode(buf *bytes.Buffer, metadataID uint32, rec EventRecord, stackID uint32, sorted bool) {
	dataLength := uint32(len(rec.Payload))

	var flags byte
	if !s.havePrev || metadataID != s.prevMetadataID {
		flags |= flagMetadataID
	}
	if !s.havePrev || rec.Sequence != s.prevSeq || rec.ThreadID != s.prevCaptureThreadID || rec.CaptureProcNumber != s.prevCaptureProc {
		flags |= flagSeqGroup
	}
	if !s.havePrev || rec.ThreadID != s.prevThreadID {
		flags |= flagThreadID
	}
	if !s.havePrev || stackID != s.prevStackID {
		flags |= flagStackID
	}
	if !s.havePrev || rec.ActivityID != s.prevActivityID {
		flags |= flagActivityID
	}
	if !s.havePrev || rec.RelatedActivityID != s.prevRelatedActivityID {
		flags |= flagRelatedActID
	}
	if sorted {
		flags |= flagSorted
	}
	if !s.havePrev || dataLength != s.prevDataLength {
		flags |= flagDataLength
	}

	buf.WriteByte(flags)
	if flags&flagMetadataID != 0 {
		putVarint(buf, uint64(metadataID))
	}
	if flags&flagSeqGroup != 0 {
		putVarint(buf, uint64(rec.Sequence))
		putVarint(buf, uint64(rec.ThreadID))
		putVarint(buf, uint64(rec.CaptureProcNumber))
	}
	if flags&flagThreadID != 0 {
		putVarint(buf, uint64(rec.ThreadID))
	}
	if flags&flagStackID != 0 {
		putVarint(buf, uint64(stackID))
	}

	var delta int64
	if s.havePrev {
		delta = rec.Timestamp - s.prevTimestamp
	} else {
		delta = rec.Timestamp
	}
	putVarintSigned(buf, delta)

	if flags&flagActivityID != 0 {
		buf.Write(rec.ActivityID[:])
	}
	if flags&flagRelatedActID != 0 {
		buf.Write(rec.RelatedActivityID[:])
	}
	if flags&flagDataLength != 0 {
		putVarint(buf, uint64(dataLength))
	}
	buf.Write(rec.Payload)

	s.havePrev = true
	s.prevMetadataID = metadataID
	s.prevSeq = rec.Sequence
	s.prevCaptureThreadID = rec.ThreadID
	s.prevCaptureProc = rec.CaptureProcNumber
	s.prevThreadID = rec.ThreadID
	s.prevStackID = stackID
	s.prevActivityID = rec.ActivityID
	s.prevRelatedActivityID = rec.RelatedActivityID
	s.prevDataLength = dataLength
	s.prevTimestamp = rec.Timestamp
}

// DecodedV4Record is the result of decoding one header-compressed event
// record; it round-trips the fields v4RecordState.encode encoded (§8 property
// 7).
type DecodedV4Record struct {
	MetadataID        uint32
	Sequence          uint32
	CaptureThreadID   uint32
	CaptureProcNumber uint32
	ThreadID          uint32
	StackID           uint32
	Timestamp         int64
	Sorted            bool
	ActivityID        [16]byte
	RelatedActivityID [16]byte
	Payload           []byte
}

// decodeV4Record decodes one record starting at offset, returning the
// number of bytes consumed.
func decodeV4Record(data []byte, offset int, state *v4RecordState) (DecodedV4Record, int, error) {
	start := offset
	if offset >= len(data) {
		return DecodedV4Record{}, 0, errCorruptVarint
	}
	flags := data[offset]
	offset++

	rec := DecodedV4Record{Sorted: flags&flagSorted != 0}

	if flags&flagMetadataID != 0 {
		v, n, err := readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		rec.MetadataID = uint32(v)
		offset += n
	} else {
		rec.MetadataID = state.prevMetadataID
	}

	if flags&flagSeqGroup != 0 {
		v, n, err := readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		rec.Sequence = uint32(v)
		offset += n
		v, n, err = readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		rec.CaptureThreadID = uint32(v)
		offset += n
		v, n, err = readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		rec.CaptureProcNumber = uint32(v)
		offset += n
	} else {
		rec.Sequence = state.prevSeq
		rec.CaptureThreadID = state.prevCaptureThreadID
		rec.CaptureProcNumber = state.prevCaptureProc
	}

	if flags&flagThreadID != 0 {
		v, n, err := readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		rec.ThreadID = uint32(v)
		offset += n
	} else {
		rec.ThreadID = state.prevThreadID
	}

	if flags&flagStackID != 0 {
		v, n, err := readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		rec.StackID = uint32(v)
		offset += n
	} else {
		rec.StackID = state.prevStackID
	}

	delta, n, err := readVarintSigned(data, offset)
	if err != nil {
		return DecodedV4Record{}, 0, err
	}
	offset += n
	if state.havePrev {
		rec.Timestamp = state.prevTimestamp + delta
	} else {
		rec.Timestamp = delta
	}

	if flags&flagActivityID != 0 {
		if offset+16 > len(data) {
			return DecodedV4Record{}, 0, errCorruptVarint
		}
		copy(rec.ActivityID[:], data[offset:offset+16])
		offset += 16
	} else {
		rec.ActivityID = state.prevActivityID
	}
	if flags&flagRelatedActID != 0 {
		if offset+16 > len(data) {
			return DecodedV4Record{}, 0, errCorruptVarint
		}
		copy(rec.RelatedActivityID[:], data[offset:offset+16])
		offset += 16
	} else {
		rec.RelatedActivityID = state.prevRelatedActivityID
	}

	var dataLength uint32
	if flags&flagDataLength != 0 {
		v, n, err := readVarint(data, offset)
		if err != nil {
			return DecodedV4Record{}, 0, err
		}
		dataLength = uint32(v)
		offset += n
	} else {
		dataLength = state.prevDataLength
	}
	if offset+int(dataLength) > len(data) {
		return DecodedV4Record{}, 0, errCorruptVarint
	}
	if dataLength > 0 {
		rec.Payload = append([]byte(nil), data[offset:offset+int(dataLength)]...)
	}
	offset += int(dataLength)

	state.havePrev = true
	state.prevMetadataID = rec.MetadataID
	state.prevSeq = rec.Sequence
	state.prevCaptureThreadID = rec.CaptureThreadID
	state.prevCaptureProc = rec.CaptureProcNumber
	state.prevThreadID = rec.ThreadID
	state.prevStackID = rec.StackID
	state.prevActivityID = rec.ActivityID
	state.prevRelatedActivityID = rec.RelatedActivityID
	state.prevDataLength = dataLength
	state.prevTimestamp = rec.Timestamp

	return rec, offset - start, nil
}

// DecodeEventBlockV4 decodes every record in a v4 EventBlock body, in
// order. Exported for tests verifying the round-trip property.
func DecodeEventBlockV4(body []byte) ([]DecodedV4Record, error) {
	var state v4RecordState
	var out []DecodedV4Record
	offset := 0
	for offset < len(body) {
		rec, n, err := decodeV4Record(body, offset, &state)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		offset += n
	}
	return out, nil
}

// encodeEventV3 encodes one record in the legacy fixed layout.
func encodeEventV3(metadataID uint32, rec EventRecord) []byte {
	const headerSize = 4 + 4 + 4 + 8 + 16 + 16 + 4
	payloadLen := len(rec.Payload)
	unpadded := headerSize + payloadLen
	pad := (4 - unpadded%4) % 4
	stackBytes := len(rec.Stack) * 8
	total := unpadded + pad + 4 + stackBytes

	buf := bytes.NewBuffer(make([]byte, 0, total))
	_ = binary.Write(buf, binary.LittleEndian, uint32(total))
	_ = binary.Write(buf, binary.LittleEndian, metadataID)
	_ = binary.Write(buf, binary.LittleEndian, rec.ThreadID)
	_ = binary.Write(buf, binary.LittleEndian, rec.Timestamp)
	buf.Write(rec.ActivityID[:])
	buf.Write(rec.RelatedActivityID[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(payloadLen))
	buf.Write(rec.Payload)
	buf.Write(make([]byte, pad))
	_ = binary.Write(buf, binary.LittleEndian, uint32(stackBytes))
	for _, ip := range rec.Stack {
		_ = binary.Write(buf, binary.LittleEndian, ip)
	}
	return buf.Bytes()
}

func utf16NullTerminated(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, (len(units)+1)*2)
	tmp := make([]byte, 2)
	for _, u := range units {
		binary.LittleEndian.PutUint16(tmp, u)
		buf = append(buf, tmp...)
	}
	binary.LittleEndian.PutUint16(tmp, 0)
	return append(buf, tmp...)
}

// encodeMetadataPayload builds the payload for a MetadataBlock entry. When
// paramDescriptors is empty, this is the metadata-minimum encoding (§9 open
// question, resolved in SPEC_FULL.md supplemental feature 4).
func encodeMetadataPayload(metadataID uint32, providerName string, eventID, eventVersion uint32, level Level, keywords uint64, paramDescriptors []byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, metadataID)
	buf.Write(utf16NullTerminated(providerName))
	_ = binary.Write(buf, binary.LittleEndian, eventID)
	_ = binary.Write(buf, binary.LittleEndian, eventVersion)
	_ = binary.Write(buf, binary.LittleEndian, uint32(level))
	_ = binary.Write(buf, binary.LittleEndian, keywords)
	buf.Write(paramDescriptors)
	return buf.Bytes()
}

func encodeStackBlock(initialStackID uint32, stacks [][]uint64) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, initialStackID)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(stacks)))
	for _, ips := range stacks {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(ips)*8))
		for _, ip := range ips {
			_ = binary.Write(buf, binary.LittleEndian, ip)
		}
	}
	return buf.Bytes()
}

func encodeSequencePointBlock(timestamp int64, seqByThread map[uint64]uint32) []byte {
	ids := make([]uint64, 0, len(seqByThread))
	for id := range seqByThread {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, timestamp)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(ids)))
	for _, id := range ids {
		_ = binary.Write(buf, binary.LittleEndian, id)
		_ = binary.Write(buf, binary.LittleEndian, seqByThread[id])
	}
	return buf.Bytes()
}

func hashStack(ips []uint64) string {
	h := fnv.New128a()
	buf := make([]byte, 8)
	for _, ip := range ips {
		binary.LittleEndian.PutUint64(buf, ip)
		_, _ = h.Write(buf)
	}
	return string(h.Sum(nil))
}

// BlockSerializer turns drained EventRecords into the versioned binary
// block stream: it assigns and emits metadata records before first use,
// deduplicates stacks by content hash, batches events into an EventBlock,
// and builds a SequencePointBlock when EncodeSequencePoint is called. Only
// Pipeline.Disable calls it, once per session at teardown; drains, including
// an IpcStream session's continuous drain, emit no sequence point.
type BlockSerializer struct {
	format FormatVersion

	metadataByEvent map[*Event]uint32
	nextMetadataID  uint32

	stackIDs    map[string]uint32
	nextStackID uint32
	newStacks   [][]uint64

	eventState    v4RecordState
	metadataState v4RecordState
}

// NewBlockSerializer constructs a serializer targeting the given format.
func NewBlockSerializer(format FormatVersion) *BlockSerializer {
	return &BlockSerializer{
		format:          format,
		metadataByEvent: make(map[*Event]uint32),
		nextMetadataID:  1,
		stackIDs:        make(map[string]uint32),
		nextStackID:     1,
	}
}

// metadataIDFor returns the event's metadataId, emitting its MetadataBlock
// entry into pending if this is the first time the event is seen.
func (s *BlockSerializer) metadataIDFor(e *Event, pending *[]byte) uint32 {
	if id, ok := s.metadataByEvent[e]; ok {
		return id
	}
	id := s.nextMetadataID
	s.nextMetadataID++
	s.metadataByEvent[e] = id

	rec := EventRecord{Timestamp: 0, Payload: encodeMetadataPayload(id, e.Provider().Name(), e.ID, e.Version, e.Level, e.Keywords, nil)}
	buf := new(bytes.Buffer)
	s.metadataState.encode(buf, 0, rec, 0, false)
	*pending = append(*pending, buf.Bytes()...)
	return id
}

// stackIDFor returns a stable id for this IP sequence, recording it as new
// if unseen. Identical IP sequences always map to the same id (§8 property
// 6).
func (s *BlockSerializer) stackIDFor(ips []uint64) uint32 {
	if len(ips) == 0 {
		return 0
	}
	key := hashStack(ips)
	if id, ok := s.stackIDs[key]; ok {
		return id
	}
	id := s.nextStackID
	s.nextStackID++
	s.stackIDs[key] = id
	s.newStacks = append(s.newStacks, append([]uint64(nil), ips...))
	return id
}

// EncodeBatch turns a run of drained records (already in timestamp order)
// into the blocks that should be appended to the stream: any newly-seen
// MetadataBlock, any newly-seen StackBlock, then one EventBlock. A record
// gets its "sorted" bit unless the record right after it in the batch has
// an earlier timestamp; the last record always gets it.
func (s *BlockSerializer) EncodeBatch(records []EventRecord) [][]byte {
	if len(records) == 0 {
		return nil
	}

	var metadataBody []byte
	eventBuf := new(bytes.Buffer)
	s.eventState = v4RecordState{}
	s.metadataState = v4RecordState{}

	for i, rec := range records {
		metadataID := s.metadataIDFor(rec.Event, &metadataBody)
		stackID := s.stackIDFor(rec.Stack)

		sorted := true
		if i+1 < len(records) && records[i+1].Timestamp < rec.Timestamp {
			sorted = false
		}

		if s.format == FormatV3 {
			eventBuf.Write(encodeEventV3(metadataID, rec))
		} else {
			s.eventState.encode(eventBuf, metadataID, rec, stackID, sorted)
		}
	}

	var blocks [][]byte
	if len(metadataBody) > 0 {
		blocks = append(blocks, encodeBlock(tagMetadataBlock, metadataBody))
	}
	if len(s.newStacks) > 0 {
		initial := s.nextStackID - uint32(len(s.newStacks))
		blocks = append(blocks, encodeBlock(tagStackBlock, encodeStackBlock(initial, s.newStacks)))
		s.newStacks = nil
	}
	blocks = append(blocks, encodeBlock(tagEventBlock, eventBuf.Bytes()))
	return blocks
}

// EncodeSequencePoint builds a SequencePointBlock recording, for each
// thread, the next sequence number it will assign.
func (s *BlockSerializer) EncodeSequencePoint(timestamp int64, nextSeqByThread map[uint64]uint32) []byte {
	return encodeBlock(tagSequencePointBlock, encodeSequencePointBlock(timestamp, nextSeqByThread))
}

// EncodeStreamHeader builds the stream preamble.
func EncodeStreamHeader(h StreamHeader) []byte {
	return encodeStreamHeader(h)
}

// EndOfStreamMarker returns the tag terminating a trace stream.
func EndOfStreamMarker() []byte {
	return []byte{byte(tagEndOfStream)}
}
