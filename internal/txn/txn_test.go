package txn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/njaard/sonnerie/internal/segment"
	"github.com/stretchr/testify/require"
)

func TestCommitPublishesUnderMonotonicName(t *testing.T) {
	dir := t.TempDir()

	tx, err := New(dir, false)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 10)))
	require.NoError(t, tx.Commit())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Regexp(t, `^tx\.`, entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	h, ok, err := segment.Scan(data, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(h.FirstKey))
}

func TestCommitOfEmptyTransactionLeavesNoFile(t *testing.T) {
	dir := t.TempDir()

	tx, err := New(dir, false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestCommitToPublishesAtChosenPath(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "main")
	require.NoError(t, os.WriteFile(final, []byte("stale"), 0o644))

	tx, err := New(dir, false)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 10)))
	require.NoError(t, tx.CommitTo(final))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	h, ok, err := segment.Scan(data, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(h.FirstKey))
}

func TestRollbackPublishesNothing(t *testing.T) {
	dir := t.TempDir()

	tx, err := New(dir, false)
	require.NoError(t, err)
	require.NoError(t, tx.AddRecord([]byte("a"), 1, []byte("U"), encodeU(1, 10)))
	require.NoError(t, tx.Rollback())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestSuccessiveCommitsGetDistinctNames(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		tx, err := New(dir, false)
		require.NoError(t, err)
		require.NoError(t, tx.AddRecord([]byte("a"), uint64(i+1), []byte("U"), encodeU(uint64(i+1), 10)))
		require.NoError(t, tx.Commit())
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
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
