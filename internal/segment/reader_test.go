package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempSegments(t *testing.T, records []struct {
	key    string
	ts     uint64
	format string
	data   []byte
}) string {
	sink := &memSink{}
	w := NewWriter(sink, false)
	for _, r := range records {
		require.NoError(t, w.AddRecord([]byte(r.key), r.ts, []byte(r.format), r.data))
	}
	require.NoError(t, w.Finish())

	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, sink.buf.Bytes(), 0o644))
	return path
}

func rec(key string, ts uint64, v uint64) struct {
	key    string
	ts     uint64
	format string
	data   []byte
} {
	return struct {
		key    string
		ts     uint64
		format string
		data   []byte
	}{key: key, ts: ts, format: "U", data: encodeU(ts, v)}
}

func TestReaderFindSegmentForExactMatch(t *testing.T) {
	path := writeTempSegments(t, []struct {
		key    string
		ts     uint64
		format string
		data   []byte
	}{
		rec("a", 1, 10),
		rec("b", 1, 20),
		rec("c", 1, 30),
	})

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	h, ok, err := r.FindSegmentFor([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, string(h.FirstKey) <= "b" && "b" <= string(h.LastKey))
}

func TestReaderFirstAndAfterWalksAllSegments(t *testing.T) {
	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = 'y'
	}
	var recs []struct {
		key    string
		ts     uint64
		format string
		data   []byte
	}
	for i := 0; i < 300; i++ {
		recs = append(recs, struct {
			key    string
			ts     uint64
			format string
			data   []byte
		}{key: "k", ts: uint64(i + 1), format: "s", data: encodeS(uint64(i+1), string(chunk))})
	}
	path := writeTempSegments(t, recs)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	h, ok, err := r.First()
	require.NoError(t, err)
	require.True(t, ok)

	count := 1
	for {
		next, ok, err := r.After(h)
		require.NoError(t, err)
		if !ok {
			break
		}
		h = next
		count++
	}
	require.GreaterOrEqual(t, count, 2)
}

func TestReaderFirstOnForeignFileReturnsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sonnerie segment file at all"), 0o644))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.First()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestReaderFirstOnEmptyFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.First()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaderIterSegmentYieldsKeyBlocks(t *testing.T) {
	path := writeTempSegments(t, []struct {
		key    string
		ts     uint64
		format string
		data   []byte
	}{
		rec("a", 1, 10),
		rec("a", 2, 11),
		rec("b", 1, 20),
	})

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	h, ok, err := r.First()
	require.NoError(t, err)
	require.True(t, ok)

	var keys []string
	require.NoError(t, IterSegment(h, func(kb KeyBlock) error {
		keys = append(keys, string(kb.Key))
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, keys)
}
