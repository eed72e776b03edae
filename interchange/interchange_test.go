package interchange

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/njaard/sonnerie/rowformat"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf strings.Builder
	err := WriteLine(&buf, "my key", 42, rowformat.MustParse("sU"), []any{"hello world", uint64(7)})
	require.NoError(t, err)

	line, err := ReadLine(strings.TrimSuffix(buf.String(), "\n"))
	require.NoError(t, err)
	require.Equal(t, "my key", line.Key)
	require.Equal(t, rowformat.Timestamp(42), line.Timestamp)
	require.Equal(t, "hello world", line.Values[0])
	require.Equal(t, uint64(7), line.Values[1])
}

func TestEscapeRoundTripsTabsAndBackslashes(t *testing.T) {
	s := "a\tb\\c\nd"
	require.Equal(t, s, unescape(escape(s)))
}

func TestReadLineRejectsColumnCountMismatch(t *testing.T) {
	_, err := ReadLine("key\t1\tuu\t5")
	require.ErrorIs(t, err, ErrMalformedLine)
}

func TestBytesColumnBase64RoundTrip(t *testing.T) {
	var buf strings.Builder
	err := WriteLine(&buf, "k", 1, rowformat.MustParse("B"), []any{[]byte{0xde, 0xad, 0xbe, 0xef}})
	require.NoError(t, err)

	line, err := ReadLine(strings.TrimSuffix(buf.String(), "\n"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, line.Values[0])
}

func TestScanMultipleLines(t *testing.T) {
	var buf strings.Builder
	require.NoError(t, WriteLine(&buf, "a", 1, rowformat.MustParse("U"), []any{uint64(1)}))
	require.NoError(t, WriteLine(&buf, "b", 2, rowformat.MustParse("U"), []any{uint64(2)}))

	var keys []string
	err := Scan(strings.NewReader(buf.String()), func(l Line) error {
		keys = append(keys, l.Key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}
