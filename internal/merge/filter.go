package merge

// FilterIterator wraps Merge to produce the read-facing record stream:
// tombstones are consumed to build up suppression state and never
// returned, and any record they cover from an equal-or-lower-priority
// source is dropped.
type FilterIterator struct {
	m       *Merge
	tracker Tracker
}

// NewFilterIterator returns a read-facing iterator over m.
func NewFilterIterator(m *Merge) *FilterIterator {
	return &FilterIterator{m: m}
}

// Next returns the next non-tombstone, non-suppressed record.
func (it *FilterIterator) Next() (Record, bool, error) {
	for {
		rec, ok, err := it.m.Next()
		if err != nil || !ok {
			return Record{}, false, err
		}
		it.tracker.Observe(rec.Key)

		if rec.IsTombstone() {
			tr, err := DecodeTombstone(string(rec.Key), rec.Data)
			if err != nil {
				return Record{}, false, err
			}
			it.tracker.Add(tr, rec.SourceIndex)
			continue
		}

		if it.tracker.Suppressed(rec) {
			continue
		}
		return rec, true, nil
	}
}
