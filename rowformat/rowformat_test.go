package rowformat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRejectsUnknownColumn(t *testing.T) {
	_, err := Parse("fx")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestFixedRoundTrip(t *testing.T) {
	f := MustParse("uUiIfF")
	dst, err := f.Encode(nil, 12345,
		uint32(1), uint64(2), int32(-3), int64(-4), float32(1.5), float64(2.5))
	require.NoError(t, err)

	ts, values, rest, err := f.Decode(dst)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, Timestamp(12345), ts)
	require.Equal(t, []any{uint32(1), uint64(2), int32(-3), int64(-4), float32(1.5), float64(2.5)}, values)
}

func TestVariableRoundTrip(t *testing.T) {
	f := MustParse("sB")
	dst, err := f.Encode(nil, 99, "hello", []byte{1, 2, 3})
	require.NoError(t, err)

	ts, values, rest, err := f.Decode(dst)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, Timestamp(99), ts)
	require.Equal(t, "hello", values[0])
	require.Equal(t, []byte{1, 2, 3}, values[1])
}

func TestDecodeTruncatedFixedIsMalformed(t *testing.T) {
	f := MustParse("u")
	_, _, _, err := f.Decode([]byte{0, 0, 0, 0, 0, 1})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecodeInvalidUTF8(t *testing.T) {
	f := MustParse("s")

	// build a variable record by hand: varint(len=10), ts(8), then the 's'
	// column: varint(1) and one invalid utf8 byte
	var record []byte
	record = appendUvarint(record, 10) // 8 ts + 2 byte column
	record = appendUint64(record, 1)
	record = appendUvarint(record, 1)
	record = append(record, 0xff)

	_, _, _, err := f.Decode(record)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestEncodeWrongArity(t *testing.T) {
	f := MustParse("uu")
	_, err := f.Encode(nil, 1, uint32(1))
	require.ErrorIs(t, err, ErrColumnCount)
}

func TestRecordByteLen(t *testing.T) {
	f := MustParse("s")
	dst, err := f.Encode(nil, 1, "abc")
	require.NoError(t, err)
	n, err := f.RecordByteLen(dst)
	require.NoError(t, err)
	require.Equal(t, len(dst), n)

	fixed := MustParse("u")
	dst2, err := fixed.Encode(nil, 1, uint32(7))
	require.NoError(t, err)
	n2, err := fixed.RecordByteLen(dst2)
	require.NoError(t, err)
	require.Equal(t, len(dst2), n2)
}
