package segment

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// memSink is a SegmentSink that frames each segment into an in-memory
// buffer exactly the way a real transaction file would, so reader.go can
// be pointed at its bytes in tests.
type memSink struct {
	buf bytes.Buffer
}

func (s *memSink) WriteSegment(firstKey, lastKey, compressed []byte, prevSegLen, prevSameKey int) (int, error) {
	start := s.buf.Len()
	s.buf.Write(EncodeHeader(firstKey, lastKey, len(compressed), prevSegLen, prevSameKey))
	s.buf.Write(compressed)
	return s.buf.Len() - start, nil
}

func TestWriterSingleSegmentRoundTrip(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, false)

	require.NoError(t, w.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 10)))
	require.NoError(t, w.AddRecord([]byte("a"), 2, []byte("U"), encodeU(2, 20)))
	require.NoError(t, w.AddRecord([]byte("b"), 1, []byte("U"), encodeU(1, 30)))
	require.NoError(t, w.Finish())

	h, ok, err := Scan(sink.buf.Bytes(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), h.FirstKey)
	require.Equal(t, []byte("b"), h.LastKey)

	var blocks []KeyBlock
	require.NoError(t, IterSegment(h, func(kb KeyBlock) error {
		cp := KeyBlock{Key: append([]byte{}, kb.Key...), Format: append([]byte{}, kb.Format...), Data: append([]byte{}, kb.Data...)}
		blocks = append(blocks, cp)
		return nil
	}))
	require.Len(t, blocks, 2)
	require.Equal(t, "a", string(blocks[0].Key))
	require.Equal(t, "b", string(blocks[1].Key))
}

func TestWriterRejectsOutOfOrderKey(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, false)
	require.NoError(t, w.AddRecord([]byte("b"), 1, []byte("U"), encodeU(1, 1)))
	err := w.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 1))
	require.ErrorIs(t, err, ErrUnsorted)
}

func TestWriterRejectsNonIncreasingTimestamp(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, false)
	require.NoError(t, w.AddRecord([]byte("a"), 5, []byte("U"), encodeU(5, 1)))
	err := w.AddRecord([]byte("a"), 5, []byte("U"), encodeU(5, 1))
	require.ErrorIs(t, err, ErrUnsorted)
}

func TestWriterCheckedModeRejectsFormatChange(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, true)
	require.NoError(t, w.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 1)))
	require.NoError(t, w.AddRecord([]byte("b"), 1, []byte("U"), encodeU(1, 1)))
	err := w.AddRecord([]byte("a"), 2, []byte("F"), encodeU(2, 1))
	require.ErrorIs(t, err, ErrFormatMismatch)
}

func TestWriterPermissiveModeAllowsFormatChange(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, false)
	require.NoError(t, w.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 1)))
	require.NoError(t, w.AddRecord([]byte("a"), 2, []byte("F"), encodeU(2, 1)))
	require.NoError(t, w.Finish())
}

func TestWriterSpansSegmentWhenSingleKeyExceedsGoal(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, false)

	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 'x'
	}

	// a single key's data, delivered in many records, crossing SizeGoal
	// partway through, must split into multiple same-key segments rather
	// than let a segment straddle two different keys' blocks.
	var ts uint64 = 1
	for i := 0; i < (SizeGoal/4096)+4; i++ {
		require.NoError(t, w.AddRecord([]byte("big"), ts, []byte("s"), encodeS(ts, string(chunk))))
		ts++
	}
	require.NoError(t, w.Finish())

	h1, ok, err := Scan(sink.buf.Bytes(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "big", string(h1.FirstKey))
	require.Equal(t, "big", string(h1.LastKey))

	h2, ok, err := Scan(sink.buf.Bytes()[h1.End():], h1.End())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "big", string(h2.FirstKey))
	require.Equal(t, "big", string(h2.LastKey))
	require.Greater(t, h2.PrevSameKey, 0)
}

func encodeU(ts uint64, v uint64) []byte {
	var buf [16]byte
	buf[0] = byte(ts >> 56)
	buf[1] = byte(ts >> 48)
	buf[2] = byte(ts >> 40)
	buf[3] = byte(ts >> 32)
	buf[4] = byte(ts >> 24)
	buf[5] = byte(ts >> 16)
	buf[6] = byte(ts >> 8)
	buf[7] = byte(ts)
	buf[8] = byte(v >> 56)
	buf[9] = byte(v >> 48)
	buf[10] = byte(v >> 40)
	buf[11] = byte(v >> 32)
	buf[12] = byte(v >> 24)
	buf[13] = byte(v >> 16)
	buf[14] = byte(v >> 8)
	buf[15] = byte(v)
	return buf[:]
}

func encodeS(ts uint64, s string) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(8+len(s)))
	out := append([]byte{}, lenBuf[:n]...)
	out = append(out, encodeU(ts, 0)[:8]...)
	out = append(out, s...)
	return out
}
