package merge

import "bytes"

// Tracker accumulates tombstones seen so far in a single forward pass over
// a sorted record stream and answers whether a given record falls inside
// one of them. It's shared by FilterIterator (which always drops
// tombstones) and by a compactor (which may need to keep retaining them,
// e.g. a minor compaction that doesn't include "main" among its inputs
// still has to protect whatever "main" holds).
type Tracker struct {
	active []trackedTombstone
}

type trackedTombstone struct {
	lastKey     []byte
	after       uint64
	before      uint64
	sourceIndex int
}

// Observe prunes tombstones that can no longer apply now that the scan
// has reached key: since records arrive in ascending key order, once key
// passes a tombstone's LastKey that tombstone will never match again.
// Call this before checking Suppressed for every record, tombstone or
// not.
func (t *Tracker) Observe(key []byte) {
	kept := t.active[:0]
	for _, tomb := range t.active {
		if bytes.Compare(key, tomb.lastKey) <= 0 {
			kept = append(kept, tomb)
		}
	}
	t.active = kept
}

// Add registers a tombstone just read from the stream at sourceIndex.
func (t *Tracker) Add(tr TombstoneRange, sourceIndex int) {
	t.active = append(t.active, trackedTombstone{
		lastKey:     []byte(tr.LastKey),
		after:       tr.After,
		before:      tr.Before,
		sourceIndex: sourceIndex,
	})
}

// Suppressed reports whether rec falls inside a still-active tombstone
// from an equal-or-higher-priority source.
func (t *Tracker) Suppressed(rec Record) bool {
	for _, tomb := range t.active {
		if tomb.sourceIndex < rec.SourceIndex {
			continue // lower-priority tombstones never suppress a higher-priority record
		}
		if rec.Timestamp < tomb.after || rec.Timestamp > tomb.before {
			continue
		}
		if bytes.Compare(rec.Key, tomb.lastKey) > 0 {
			continue
		}
		return true
	}
	return false
}
