package sonnerie

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/njaard/sonnerie/internal/dblock"
	"github.com/njaard/sonnerie/internal/merge"
	"github.com/njaard/sonnerie/internal/segment"
)

// lockFileName is the advisory-lock file every reader holds a shared lock
// on for as long as it is open. Nothing in this package takes it
// exclusively.
const lockFileName = ".lock"

// compactLockFileName guards against two compactions running at once; see
// Compact in compact.go.
const compactLockFileName = ".compact"

// DatabaseReader is a consistent snapshot of a database directory: the set
// of files present at Open time, opened and mmapped once. Transactions
// committed afterward are invisible to it.
type DatabaseReader struct {
	dir    string
	lock   *dblock.Lock
	names  []string
	files  []*segment.Reader
	closed bool
}

// Open takes a shared advisory lock on dir, enumerates "main" and every
// "tx.*" file not mid-publish, and mmaps each as part of a fixed
// snapshot. Each file's header is validated up front (see
// segment.Reader.First): a foreign or corrupted file fails Open with
// ErrBadSegment instead of silently reading back as empty once a query
// reaches it.
func Open(dir string) (*DatabaseReader, error) {
	lock, err := dblock.Open(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	if err := lock.Shared(); err != nil {
		lock.Close()
		return nil, err
	}

	names, err := snapshotNames(dir)
	if err != nil {
		lock.Close()
		return nil, err
	}

	files := make([]*segment.Reader, 0, len(names))
	for _, name := range names {
		r, err := segment.OpenReader(filepath.Join(dir, name))
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			lock.Close()
			return nil, err
		}
		if _, _, err := r.First(); err != nil {
			r.Close()
			for _, f := range files {
				f.Close()
			}
			lock.Close()
			return nil, errors.Wrapf(err, "sonnerie: open %s", name)
		}
		files = append(files, r)
	}

	return &DatabaseReader{dir: dir, lock: lock, names: names, files: files}, nil
}

// snapshotNames returns the database's data files in ascending
// lexicographic order: "main" (if present) first, then every "tx.*" file
// whose name doesn't end in a publish-in-progress suffix.
func snapshotNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "sonnerie: read dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case name == "main":
			names = append(names, name)
		case strings.HasPrefix(name, "tx."):
			if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".incoming") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the database's mmaps and its shared lock. Close is not
// idempotent in the sense of being safe to call twice expecting the same
// result: a second call returns ErrClosed, matching every other method.
func (db *DatabaseReader) Close() error {
	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var firstErr error
	for _, f := range db.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Iterator yields decoded records in ascending (key, timestamp) order,
// already resolved for last-writer-wins and tombstone suppression, and
// narrowed to a timestamp window.
type Iterator struct {
	fi   *merge.FilterIterator
	tsLo Timestamp
	tsHi Timestamp
}

// Next returns the next record in range, or ok=false once exhausted.
func (it *Iterator) Next() (Record, bool, error) {
	for {
		rec, ok, err := it.fi.Next()
		if err != nil || !ok {
			return Record{}, false, err
		}
		if rec.Timestamp < it.tsLo || rec.Timestamp > it.tsHi {
			continue
		}
		decoded, err := decodeRecord(rec)
		if err != nil {
			return Record{}, false, err
		}
		return decoded, true, nil
	}
}

func decodeRecord(rec merge.Record) (Record, error) {
	ts, values, _, err := parseRecordFormat(rec)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: string(rec.Key), Timestamp: ts, Format: string(rec.Format), Values: values}, nil
}

// newIterator builds a merged, tombstone-filtered iterator over every
// snapshot file for the key range [loKey, hiKey]; hiKey == nil means
// unbounded.
func (db *DatabaseReader) newIterator(loKey, hiKey []byte, tsLo, tsHi Timestamp) (*Iterator, error) {
	cursors := make([]merge.Cursor, len(db.files))
	for i, f := range db.files {
		cursors[i] = newFileCursor(f, loKey, hiKey)
	}
	m, err := merge.New(cursors)
	if err != nil {
		return nil, err
	}
	return &Iterator{fi: merge.NewFilterIterator(m), tsLo: tsLo, tsHi: tsHi}, nil
}

// GetRange returns every record with a key in [loKey, hiKey] (hiKey == ""
// means unbounded) and a timestamp in [tsLo, tsHi].
func (db *DatabaseReader) GetRange(loKey, hiKey string, tsLo, tsHi Timestamp) (*Iterator, error) {
	if db.closed {
		return nil, ErrClosed
	}
	var hi []byte
	if hiKey != "" {
		if loKey > hiKey {
			return nil, ErrInvalidRange
		}
		hi = []byte(hiKey)
	}
	return db.newIterator([]byte(loKey), hi, tsLo, tsHi)
}

// GetByPrefix returns every record whose key starts with prefix.
func (db *DatabaseReader) GetByPrefix(prefix string) (*Iterator, error) {
	if db.closed {
		return nil, ErrClosed
	}
	lo := []byte(prefix)
	return db.newIterator(lo, nextLexBytes(lo), 0, math.MaxUint64)
}

// nextLexBytes returns the smallest byte string that's lexicographically
// greater than every string with prefix b, or nil if none exists (b is
// empty or all 0xff).
func nextLexBytes(b []byte) []byte {
	out := append([]byte{}, b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// KeyGroupIterator groups a record stream into runs sharing one key, the
// shape an external scheduler can fan out across workers one key at a
// time.
type KeyGroupIterator struct {
	it      *Iterator
	pending *Record
}

// GetKeysInRange is GetRange grouped by key.
func (db *DatabaseReader) GetKeysInRange(loKey, hiKey string) (*KeyGroupIterator, error) {
	it, err := db.GetRange(loKey, hiKey, 0, math.MaxUint64)
	if err != nil {
		return nil, err
	}
	return &KeyGroupIterator{it: it}, nil
}

// Next returns every record for the next distinct key, or ok=false once
// the underlying range is exhausted.
func (g *KeyGroupIterator) Next() (key string, records []Record, ok bool, err error) {
	first := g.pending
	g.pending = nil
	if first == nil {
		r, ok, err := g.it.Next()
		if err != nil || !ok {
			return "", nil, false, err
		}
		first = &r
	}

	key = first.Key
	records = []Record{*first}
	for {
		r, ok, err := g.it.Next()
		if err != nil {
			return "", nil, false, err
		}
		if !ok {
			break
		}
		if r.Key != key {
			g.pending = &r
			break
		}
		records = append(records, r)
	}
	return key, records, true, nil
}
