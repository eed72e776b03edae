package sonnerie

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/njaard/sonnerie/interchange"
	"github.com/njaard/sonnerie/internal/dblock"
	"github.com/njaard/sonnerie/internal/merge"
	"github.com/njaard/sonnerie/internal/segment"
	"github.com/njaard/sonnerie/internal/txn"
	"github.com/njaard/sonnerie/metrics"
)

// compactionCursor drains a Merge the way merge.FilterIterator does for
// reads, except it can retain tombstones (needed when a minor compaction
// might still need to suppress a value living in "main", which wasn't
// part of this compaction's inputs) instead of always consuming them.
type compactionCursor struct {
	m              *merge.Merge
	tracker        merge.Tracker
	dropTombstones bool
}

func (c *compactionCursor) Next() (merge.Record, bool, error) {
	for {
		rec, ok, err := c.m.Next()
		if err != nil || !ok {
			return merge.Record{}, false, err
		}
		c.tracker.Observe(rec.Key)

		if rec.IsTombstone() {
			tr, err := merge.DecodeTombstone(string(rec.Key), rec.Data)
			if err != nil {
				return merge.Record{}, false, err
			}
			c.tracker.Add(tr, rec.SourceIndex)
			if c.dropTombstones {
				continue
			}
			return rec, true, nil
		}

		if c.tracker.Suppressed(rec) {
			continue
		}
		return rec, true, nil
	}
}

// CompactMode selects which files a compaction reads and what it produces.
type CompactMode int

const (
	// MinorCompaction merges every "tx.*" file into one new "tx.*" file,
	// leaving "main" untouched.
	MinorCompaction CompactMode = iota
	// MajorCompaction merges "main" and every "tx.*" file into a new
	// "main".
	MajorCompaction
)

// CompactOptions configures a Compact call.
type CompactOptions struct {
	Mode CompactMode
	// Filter, if non-empty, is an external command (gegnum) that each
	// surviving value record is piped through as a tab-separated
	// interchange.Line: the child's stdin receives one line per record,
	// its stdout (which must stay sorted) is parsed back the same way.
	// Tombstones bypass the filter; it operates on values only.
	Filter []string
	Logger *slog.Logger
	// Metrics, if non-nil, records this call's duration, input file count,
	// and failure outcome.
	Metrics *metrics.Metrics
}

// Compact merges a database directory's files per opts.Mode, dropping
// records that a later source has already overwritten and suppressing
// anything a higher-priority tombstone covers, then atomically publishes
// the result and unlinks the inputs it replaced.
func Compact(dir string, opts CompactOptions) (err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	inputCount := 0
	defer func() {
		opts.Metrics.CompactionFinished(opts.Mode.String(), time.Since(start).Seconds(), inputCount, err)
	}()

	lock, err := dblock.Open(filepath.Join(dir, compactLockFileName))
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lock.TryExclusive(); err != nil {
		if errors.Is(err, dblock.ErrWouldBlock) {
			return ErrCompactionBusy
		}
		return err
	}
	defer lock.Unlock()

	names, err := snapshotNames(dir)
	if err != nil {
		return err
	}

	var inputs []string
	for _, n := range names {
		if opts.Mode == MinorCompaction && n == "main" {
			continue
		}
		inputs = append(inputs, n)
	}
	inputCount = len(inputs)
	if len(inputs) == 0 {
		logger.Info("compact: nothing to do", "dir", dir)
		return nil
	}
	logger.Info("compact: starting", "dir", dir, "mode", opts.Mode, "inputs", len(inputs))

	readers := make([]*segment.Reader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, n := range inputs {
		r, err := segment.OpenReader(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, _, err := r.First(); err != nil {
			r.Close()
			return errors.Wrapf(err, "compact: open %s", n)
		}
		readers = append(readers, r)
	}

	cursors := make([]merge.Cursor, len(readers))
	for i, r := range readers {
		cursors[i] = newFileCursor(r, nil, nil)
	}
	m, err := merge.New(cursors)
	if err != nil {
		return err
	}

	cc := &compactionCursor{m: m, dropTombstones: opts.Mode == MajorCompaction}

	out, err := txn.New(dir, false)
	if err != nil {
		return err
	}
	if opts.Metrics != nil {
		out.OnSegmentSizes(func(uncompressed, compressed []byte) {
			opts.Metrics.SegmentFlushed(len(uncompressed), len(compressed))
		})
	}

	if err := streamCompaction(cc, out, opts.Filter); err != nil {
		out.Rollback()
		return err
	}

	var finalPath string
	if opts.Mode == MajorCompaction {
		finalPath = filepath.Join(dir, "main")
		err = out.CommitTo(finalPath)
	} else {
		err = out.Commit()
	}
	if err != nil {
		return err
	}

	for _, n := range inputs {
		if opts.Mode == MajorCompaction && n == "main" {
			continue // replaced in place, not a separate file to unlink
		}
		if err := os.Remove(filepath.Join(dir, n)); err != nil && !os.IsNotExist(err) {
			logger.Warn("compact: failed to unlink input", "file", n, "err", err)
		}
	}

	logger.Info("compact: done", "dir", dir)
	return nil
}

// streamCompaction drains cc into out, optionally piping value records
// (not tombstones) through an external filter process first.
func streamCompaction(cc *compactionCursor, out *txn.Tx, filter []string) error {
	if len(filter) == 0 {
		return drainDirect(cc, out)
	}
	return drainThroughFilter(cc, out, filter)
}

func drainDirect(cc *compactionCursor, out *txn.Tx) error {
	for {
		rec, ok, err := cc.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := out.AddRecord(rec.Key, rec.Timestamp, rec.Format, rec.Data); err != nil {
			return err
		}
	}
}

// drainThroughFilter streams value records to an external process as
// interchange text lines and collects its (sorted) stdout back the same
// way, then merges that filtered output with the tombstones the filter
// never saw and writes the result to out.
//
// The feed and the stdout read run concurrently, each on their own
// goroutine, to avoid the classic bidirectional-pipe deadlock (the child
// blocking on a full stdout buffer while we're still blocked writing
// stdin, or vice versa). Neither goroutine touches out directly: out is
// a single segment.Writer with no internal locking, so both appending a
// tombstone mid-feed and appending a filtered record mid-read would race.
// Instead each goroutine only ever appends to its own local slice, and
// the final interleave-and-write pass runs single-threaded after both
// have finished, joined by the channel receive below.
func drainThroughFilter(cc *compactionCursor, out *txn.Tx, filter []string) error {
	cmd := exec.Command(filter[0], filter[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "compact: filter stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "compact: filter stdout")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "compact: start filter %q", filter[0])
	}

	var tombstones []merge.Record
	feedErr := make(chan error, 1)
	go func() {
		feedErr <- feedFilter(cc, stdin, &tombstones)
	}()

	var filtered []merge.Record
	readErr := readFilterOutput(stdout, &filtered)
	waitErr := cmd.Wait()

	if err := <-feedErr; err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, "compact: filter %q exited: %s", filter[0], stderr.String())
	}

	for _, rec := range mergeByKeyTimestamp(tombstones, filtered) {
		if err := out.AddRecord(rec.Key, rec.Timestamp, rec.Format, rec.Data); err != nil {
			return err
		}
	}
	return nil
}

// feedFilter writes every value record to the filter's stdin as an
// interchange line and appends every tombstone to *tombstones, then
// closes stdin so the filter can see end-of-input.
func feedFilter(cc *compactionCursor, stdin io.WriteCloser, tombstones *[]merge.Record) error {
	defer stdin.Close()
	w := bufio.NewWriter(stdin)
	for {
		rec, ok, err := cc.Next()
		if err != nil {
			return err
		}
		if !ok {
			return w.Flush()
		}
		if rec.IsTombstone() {
			*tombstones = append(*tombstones, rec)
			continue
		}
		f, ts, values, err := decodeForInterchange(rec)
		if err != nil {
			return err
		}
		if err := interchange.WriteLine(w, string(rec.Key), ts, f, values); err != nil {
			return errors.Wrapf(err, "compact: write filter input")
		}
	}
}

// readFilterOutput decodes the filter's stdout into *filtered, re-encoding
// each line back to stored-format bytes.
func readFilterOutput(stdout io.Reader, filtered *[]merge.Record) error {
	return interchange.Scan(stdout, func(line interchange.Line) error {
		data, err := line.Format.Encode(nil, line.Timestamp, line.Values...)
		if err != nil {
			return errors.Wrapf(err, "compact: re-encode filtered record")
		}
		*filtered = append(*filtered, merge.Record{
			Key:       []byte(line.Key),
			Timestamp: line.Timestamp,
			Format:    []byte(line.Format.String()),
			Data:      data,
		})
		return nil
	})
}

// mergeByKeyTimestamp interleaves two already (key, timestamp)-sorted
// slices, the way a two-source merge.Merge would, without needing a
// Cursor wrapper for two plain slices.
func mergeByKeyTimestamp(a, b []merge.Record) []merge.Record {
	out := make([]merge.Record, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if lessKeyTimestamp(a[i], b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func lessKeyTimestamp(a, b merge.Record) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Timestamp < b.Timestamp
}

func (m CompactMode) String() string {
	if m == MajorCompaction {
		return "major"
	}
	return "minor"
}
