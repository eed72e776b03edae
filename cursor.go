package sonnerie

import (
	"bytes"

	"github.com/njaard/sonnerie/internal/merge"
	"github.com/njaard/sonnerie/internal/segment"
	"github.com/njaard/sonnerie/rowformat"
)

// fileCursor adapts one snapshot file's segment.Reader into a
// merge.Cursor. It weaves together two passes over the file:
//
//   - an unbounded tombstone scan, collected once up front over every
//     segment regardless of loKey/hiKey. A range tombstone sorts at its
//     own FirstKey (createtx.go's AddTombstone), which can fall well
//     below loKey while the range it deletes ([FirstKey,LastKey]) still
//     reaches into [loKey,hiKey] — windowing the scan the same way value
//     records are windowed would let the positioning logic (FindSegmentFor
//     landing past the tombstone's own key) skip the tombstone entirely,
//     and a record it should have suppressed would survive unfiltered.
//   - the usual windowed value scan, positioned at loKey via
//     FindSegmentFor and stopping once a segment's FirstKey passes hiKey,
//     same as before.
//
// Next interleaves the two by (key, timestamp) so the merged output this
// Cursor produces is still in the ascending order merge.Merge requires;
// tombstones with a sort key below loKey are included in that output
// (FilterIterator never surfaces a tombstone to a caller, so this doesn't
// widen what GetRange appears to return) purely so merge.Tracker learns
// about them before the value records they cover arrive.
type fileCursor struct {
	reader *segment.Reader
	loKey  []byte
	hiKey  []byte // nil means unbounded

	tombScanned bool
	tombstones  []merge.Record
	tombIdx     int

	valueStarted bool
	valueDone    bool
	valueCur     segment.Header
	valuePending []merge.Record
}

func newFileCursor(r *segment.Reader, loKey, hiKey []byte) *fileCursor {
	return &fileCursor{reader: r, loKey: loKey, hiKey: hiKey}
}

func (c *fileCursor) Next() (merge.Record, bool, error) {
	if !c.tombScanned {
		if err := c.scanTombstones(); err != nil {
			return merge.Record{}, false, err
		}
		c.tombScanned = true
	}

	val, valOK, err := c.peekValue()
	if err != nil {
		return merge.Record{}, false, err
	}

	if c.tombIdx >= len(c.tombstones) {
		if !valOK {
			return merge.Record{}, false, nil
		}
		c.valuePending = c.valuePending[1:]
		return val, true, nil
	}

	tomb := c.tombstones[c.tombIdx]
	if !valOK || lessKeyTimestamp(tomb, val) {
		c.tombIdx++
		return tomb, true, nil
	}
	c.valuePending = c.valuePending[1:]
	return val, true, nil
}

// scanTombstones walks every segment in the file from the very beginning,
// regardless of loKey/hiKey, collecting each tombstone key block's
// records in the ascending order they're stored in.
func (c *fileCursor) scanTombstones() error {
	h, ok, err := c.reader.First()
	if err != nil {
		return err
	}
	for ok {
		err = segment.IterSegment(h, func(kb segment.KeyBlock) error {
			if !isTombstoneFormat(kb.Format) {
				return nil
			}
			recs, err := splitKeyBlock(kb)
			if err != nil {
				return err
			}
			c.tombstones = append(c.tombstones, recs...)
			return nil
		})
		if err != nil {
			return err
		}
		h, ok, err = c.reader.After(h)
		if err != nil {
			return err
		}
	}
	return nil
}

// peekValue returns the next buffered windowed value record without
// consuming it, loading further segments as needed.
func (c *fileCursor) peekValue() (merge.Record, bool, error) {
	for len(c.valuePending) == 0 {
		if c.valueDone {
			return merge.Record{}, false, nil
		}
		if err := c.loadValueSegment(); err != nil {
			return merge.Record{}, false, err
		}
	}
	return c.valuePending[0], true, nil
}

func (c *fileCursor) loadValueSegment() error {
	var h segment.Header
	var ok bool
	var err error
	if !c.valueStarted {
		h, ok, err = c.reader.FindSegmentFor(c.loKey)
		c.valueStarted = true
	} else {
		h, ok, err = c.reader.After(c.valueCur)
	}
	if err != nil {
		return err
	}
	if !ok {
		c.valueDone = true
		return nil
	}
	c.valueCur = h
	if c.hiKey != nil && bytes.Compare(h.FirstKey, c.hiKey) > 0 {
		c.valueDone = true
		return nil
	}

	return segment.IterSegment(h, func(kb segment.KeyBlock) error {
		if isTombstoneFormat(kb.Format) {
			return nil // already collected by scanTombstones
		}
		if bytes.Compare(kb.Key, c.loKey) < 0 {
			return nil
		}
		if c.hiKey != nil && bytes.Compare(kb.Key, c.hiKey) > 0 {
			return nil
		}
		recs, err := splitKeyBlock(kb)
		if err != nil {
			return err
		}
		c.valuePending = append(c.valuePending, recs...)
		return nil
	})
}

func isTombstoneFormat(format []byte) bool {
	return len(format) == 1 && format[0] == merge.TombstoneFormat[0]
}

// splitKeyBlock turns one key block's concatenated record data into
// individual merge.Record values, the way rowformat.Format.Decode (for
// values) or merge.TombstoneByteLen (for tombstones) frame each one.
func splitKeyBlock(kb segment.KeyBlock) ([]merge.Record, error) {
	var out []merge.Record
	data := kb.Data

	if len(kb.Format) == 1 && kb.Format[0] == merge.TombstoneFormat[0] {
		for len(data) > 0 {
			n, err := merge.TombstoneByteLen(data)
			if err != nil {
				return nil, err
			}
			tr, err := merge.DecodeTombstone(string(kb.Key), data[:n])
			if err != nil {
				return nil, err
			}
			out = append(out, merge.Record{Key: kb.Key, Timestamp: tr.After, Format: kb.Format, Data: data[:n]})
			data = data[n:]
		}
		return out, nil
	}

	f, err := rowformat.Parse(string(kb.Format))
	if err != nil {
		return nil, err
	}
	for len(data) > 0 {
		ts, _, rest, err := f.Decode(data)
		if err != nil {
			return nil, err
		}
		n := len(data) - len(rest)
		out = append(out, merge.Record{Key: kb.Key, Timestamp: ts, Format: kb.Format, Data: data[:n]})
		data = rest
	}
	return out, nil
}

// parseRecordFormat decodes a merge.Record's raw Data against its own
// Format string, the final step before handing a record to a caller.
func parseRecordFormat(rec merge.Record) (rowformat.Timestamp, []any, []byte, error) {
	f, err := rowformat.Parse(string(rec.Format))
	if err != nil {
		return 0, nil, nil, err
	}
	return f.Decode(rec.Data)
}

// decodeForInterchange is parseRecordFormat but also returns the parsed
// Format itself, for callers (the compactor's gegnum pipe) that need to
// re-encode the same columns rather than just inspect them.
func decodeForInterchange(rec merge.Record) (rowformat.Format, rowformat.Timestamp, []any, error) {
	f, err := rowformat.Parse(string(rec.Format))
	if err != nil {
		return rowformat.Format{}, 0, nil, err
	}
	ts, values, _, err := f.Decode(rec.Data)
	if err != nil {
		return rowformat.Format{}, 0, nil, err
	}
	return f, ts, values, nil
}
