package sonnerie

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func commitTx(t *testing.T, dir string, add func(*CreateTx)) {
	t.Helper()
	tx, err := NewCreateTx(dir)
	require.NoError(t, err)
	add(tx)
	require.NoError(t, tx.Commit())
}

func TestCompactMinorMergesTxFilesLeavingMainUntouched(t *testing.T) {
	dir := t.TempDir()

	mainTx, err := NewCreateTx(dir)
	require.NoError(t, err)
	require.NoError(t, mainTx.AddRecord("a", "U", 1, uint64(1)))
	require.NoError(t, mainTx.CommitTo(filepath.Join(dir, "main")))

	commitTx(t, dir, func(tx *CreateTx) {
		require.NoError(t, tx.AddRecord("b", "U", 1, uint64(2)))
	})
	commitTx(t, dir, func(tx *CreateTx) {
		require.NoError(t, tx.AddRecord("c", "U", 1, uint64(3)))
	})

	require.NoError(t, Compact(dir, CompactOptions{Mode: MinorCompaction}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "main")
	require.Contains(t, names, compactLockFileName)
	require.Len(t, names, 3) // compaction lock file + main + one merged tx.*

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	it, err := db.GetRange("", "", 0, ^Timestamp(0))
	require.NoError(t, err)
	var keys []string
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, rec.Key)
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestCompactMajorFoldsMainAndTxFilesIntoNewMain(t *testing.T) {
	dir := t.TempDir()

	mainTx, err := NewCreateTx(dir)
	require.NoError(t, err)
	require.NoError(t, mainTx.AddRecord("a", "U", 1, uint64(1)))
	require.NoError(t, mainTx.CommitTo(filepath.Join(dir, "main")))

	commitTx(t, dir, func(tx *CreateTx) {
		require.NoError(t, tx.AddRecord("a", "U", 2, uint64(2)))
	})

	require.NoError(t, Compact(dir, CompactOptions{Mode: MajorCompaction}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2) // compaction lock file + main
	require.Equal(t, compactLockFileName, entries[0].Name())
	require.Equal(t, "main", entries[1].Name())

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	it, err := db.GetRange("a", "a", 0, ^Timestamp(0))
	require.NoError(t, err)

	rec, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Timestamp(1), rec.Timestamp)

	rec, ok, err = it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Timestamp(2), rec.Timestamp)

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompactMajorDropsTombstonesOnceApplied(t *testing.T) {
	dir := t.TempDir()

	mainTx, err := NewCreateTx(dir)
	require.NoError(t, err)
	require.NoError(t, mainTx.AddRecord("a", "U", 1, uint64(1)))
	require.NoError(t, mainTx.CommitTo(filepath.Join(dir, "main")))

	commitTx(t, dir, func(tx *CreateTx) {
		require.NoError(t, tx.AddTombstone("a", "a", 1, 1, ""))
	})

	require.NoError(t, Compact(dir, CompactOptions{Mode: MajorCompaction}))

	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	it, err := db.GetRange("a", "a", 0, ^Timestamp(0))
	require.NoError(t, err)
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompactRejectsForeignInputFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main"), []byte("not a segment file"), 0o644))

	err := Compact(dir, CompactOptions{Mode: MajorCompaction})
	require.ErrorIs(t, err, ErrBadSegment)
}

func TestCompactReturnsBusyErrorWhileAnotherRuns(t *testing.T) {
	dir := t.TempDir()
	commitTx(t, dir, func(tx *CreateTx) {
		require.NoError(t, tx.AddRecord("a", "U", 1, uint64(1)))
	})

	lockPath := filepath.Join(dir, compactLockFileName)
	holder, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))

	err = Compact(dir, CompactOptions{Mode: MinorCompaction})
	require.ErrorIs(t, err, ErrCompactionBusy)
}
