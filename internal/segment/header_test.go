package segment

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildHeader(firstKey, lastKey, payload []byte, prevSegLen, prevSameKey uint64) []byte {
	var buf []byte
	buf = append(buf, Magic...)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], CurrentVersion)
	buf = append(buf, v[:]...)
	buf = appendUvarint(buf, uint64(len(firstKey)))
	buf = appendUvarint(buf, uint64(len(lastKey)))
	buf = appendUvarint(buf, uint64(len(payload)))
	buf = appendUvarint(buf, prevSegLen)
	buf = appendUvarint(buf, prevSameKey)
	buf = append(buf, firstKey...)
	buf = append(buf, lastKey...)
	buf = append(buf, payload...)
	return buf
}

func appendUvarint(dst []byte, v uint64) []byte {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	return append(dst, b[:n]...)
}

func TestScanFindsHeaderAndStride(t *testing.T) {
	data := buildHeader([]byte("a"), []byte("z"), []byte("payload-bytes"), 0, 0)

	h, ok, err := Scan(data, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), h.FirstKey)
	require.Equal(t, []byte("z"), h.LastKey)
	require.Equal(t, []byte("payload-bytes"), h.Payload)
	require.Equal(t, len(data), h.End())
}

func TestScanNoMagicReturnsNotFound(t *testing.T) {
	_, ok, err := Scan([]byte("nothing interesting here"), 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanTruncatedHeaderIsError(t *testing.T) {
	data := buildHeader([]byte("a"), []byte("z"), []byte("payload"), 0, 0)
	_, _, err := Scan(data[:len(Magic)+10], 0)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestScanUnsupportedVersion(t *testing.T) {
	data := buildHeader([]byte("a"), []byte("z"), []byte("p"), 0, 0)
	binary.BigEndian.PutUint16(data[len(Magic):len(Magic)+2], 0x0000)
	_, _, err := Scan(data, 0)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	payload := append(append([]byte("before-"), Magic...), []byte("-after")...)
	escaped := EscapeMagic(payload)
	require.NotEqual(t, payload, escaped)
	require.Equal(t, payload, UnescapeMagic(escaped))
}

func TestEscapeNoopWhenNoMagicPresent(t *testing.T) {
	payload := []byte("nothing to see here")
	require.Equal(t, payload, EscapeMagic(payload))
}

func TestIndexMagicSkipsEscapedOccurrence(t *testing.T) {
	escaped := EscapeMagic(Magic)
	real := append(append([]byte{}, escaped...), Magic...)
	require.Equal(t, len(escaped), indexMagic(real))
}

func TestScanSkipsLiteralMagicInsidePriorPayload(t *testing.T) {
	first := buildHeader([]byte("a"), []byte("a"), EscapeMagic(append([]byte("x"), Magic...)), 0, 0)
	second := buildHeader([]byte("b"), []byte("b"), []byte("q"), uint64(len(first)), 0)
	data := append(first, second...)

	h, ok, err := Scan(data, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), h.FirstKey)
	require.Equal(t, len(first), h.End())

	h2, ok, err := Scan(data[h.End():], h.End())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), h2.FirstKey)
}
