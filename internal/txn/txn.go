// Package txn implements sonnerie's transaction writer: a segment writer
// composed over a temporary file that becomes durable and visible only on
// commit, via fsync followed by an atomic link-or-rename into the
// database directory.
package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/njaard/sonnerie/internal/segment"
)

// MaxCommitAttempts bounds the exponential-backoff retry loop used when
// the monotonic name a commit wants to use already exists.
const MaxCommitAttempts = 1000

// Tx is an in-progress transaction: a segment writer over a private
// temporary file, not yet visible to any reader.
type Tx struct {
	dir    string
	tmp    *os.File
	writer *segment.Writer
	done   bool

	onSegmentSizes func(uncompressed, compressed []byte)
}

// New opens a transaction backed by a fresh temporary file inside dir.
// checked enables §4.7 checked-mode format enforcement for the life of
// the transaction.
func New(dir string, checked bool) (*Tx, error) {
	tmp, err := openTemp(dir)
	if err != nil {
		return nil, err
	}
	t := &Tx{dir: dir, tmp: tmp}
	t.writer = segment.NewWriter(t, checked)
	return t, nil
}

// AddRecord buffers one already-encoded record. Records must arrive in
// non-decreasing (key, timestamp) order.
func (t *Tx) AddRecord(key []byte, timestamp uint64, format []byte, data []byte) error {
	return t.writer.AddRecord(key, timestamp, format, data)
}

// OnSegmentSizes registers fn to be called with each segment's
// uncompressed and compressed byte slices just before it's written,
// letting a caller (e.g. CreateTx, wiring up metrics) observe compression
// ratios without the transaction itself depending on any metrics package.
func (t *Tx) OnSegmentSizes(fn func(uncompressed, compressed []byte)) {
	t.onSegmentSizes = fn
}

// ObserveSegmentSizes implements segment.SizeObserver.
func (t *Tx) ObserveSegmentSizes(uncompressed, compressed []byte) {
	if t.onSegmentSizes != nil {
		t.onSegmentSizes(uncompressed, compressed)
	}
}

// WriteSegment implements segment.SegmentSink by appending the framed
// segment directly to the transaction's temporary file.
func (t *Tx) WriteSegment(firstKey, lastKey, compressed []byte, prevSegLen, prevSameKey int) (int, error) {
	header := segment.EncodeHeader(firstKey, lastKey, len(compressed), prevSegLen, prevSameKey)
	if _, err := t.tmp.Write(header); err != nil {
		return 0, errors.Wrapf(err, "txn: write segment header")
	}
	if _, err := t.tmp.Write(compressed); err != nil {
		return 0, errors.Wrapf(err, "txn: write segment payload")
	}
	return len(header) + len(compressed), nil
}

// Commit flushes the writer, fsyncs the data, and atomically publishes it
// under a monotonically increasing tx.<seconds>.<fractional> name inside
// dir. An empty transaction (no records added) is discarded instead of
// leaving a zero-byte file behind.
func (t *Tx) Commit() error {
	if err := t.finish(); err != nil {
		return err
	}

	info, err := t.tmp.Stat()
	if err != nil {
		return errors.Wrapf(err, "txn: stat")
	}
	if info.Size() == 0 {
		return t.abandon()
	}
	if err := t.tmp.Sync(); err != nil {
		return errors.Wrapf(err, "txn: fsync data")
	}

	var lastErr error
	for attempt := 0; attempt < MaxCommitAttempts; attempt++ {
		name := monotonicName()
		finalPath := filepath.Join(t.dir, name)

		if err := t.publish(finalPath); err != nil {
			if errors.Is(err, os.ErrExist) {
				lastErr = err
				time.Sleep(backoff(attempt))
				continue
			}
			return err
		}
		return nil
	}
	return errors.Wrapf(lastErr, "txn: no unused transaction name after %d attempts", MaxCommitAttempts)
}

// CommitTo flushes and publishes the transaction directly under a chosen
// final path, bypassing monotonic-name allocation. The compactor uses
// this to publish a merged replacement for "main". Unlike Commit, an
// empty transaction is still published, as a zero-byte file, so that it
// replaces whatever was at finalPath.
func (t *Tx) CommitTo(finalPath string) error {
	if err := t.finish(); err != nil {
		return err
	}
	if err := t.tmp.Sync(); err != nil {
		return errors.Wrapf(err, "txn: fsync data")
	}
	return t.publishReplacing(finalPath)
}

// Rollback discards the transaction without publishing anything.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tmp.Close()
}

func (t *Tx) finish() error {
	if t.done {
		return errors.New("txn: already committed or rolled back")
	}
	if err := t.writer.Finish(); err != nil {
		return errors.Wrapf(err, "txn: finish segment writer")
	}
	t.done = true
	return nil
}

func (t *Tx) abandon() error {
	return t.tmp.Close()
}

// publish links the already-fsynced temp file to finalPath (failing if it
// already exists), then fsyncs the containing directory. Both kinds of
// temp file (O_TMPFILE or the unlinked sibling) are published by linking
// the open descriptor; neither is renamed.
func (t *Tx) publish(finalPath string) error {
	if err := linkOrRename(t.tmp, finalPath); err != nil {
		return err
	}
	return syncDir(t.dir)
}

// publishReplacing is like publish but allows overwriting an existing
// file at finalPath (used to atomically swap in "main").
func (t *Tx) publishReplacing(finalPath string) error {
	if err := linkOrRenameReplacing(t.tmp, finalPath); err != nil {
		return err
	}
	return syncDir(t.dir)
}

func backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(1<<attempt) * time.Millisecond
}

// monotonicName returns "tx.<seconds>.<fractional>" such that successive
// calls sort lexicographically in wall-clock order.
func monotonicName() string {
	now := time.Now()
	return fmt.Sprintf("tx.%016x.%09d", now.Unix(), now.Nanosecond())
}
