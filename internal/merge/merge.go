// Package merge implements the k-way sorted merge over per-file cursors
// that turns a snapshot of segment files into one ordered record stream,
// with last-writer-wins precedence and tombstone suppression.
package merge

import (
	"bytes"
	"container/heap"

	"github.com/cockroachdb/errors"
)

// TombstoneFormat is the reserved single-byte format string that marks a
// record as a deletion tombstone rather than a value.
var TombstoneFormat = []byte{0x7f}

// Record is one (key, timestamp) entry produced by a cursor, still in its
// stored wire form: Data is whatever the segment's key block held for this
// timestamp, undecoded. SourceIndex identifies which input file it came
// from, assigned by the caller in ascending filename order; the merge uses
// it only to break (key, timestamp) ties, never to order distinct keys.
type Record struct {
	Key         []byte
	Timestamp   uint64
	Format      []byte
	Data        []byte
	SourceIndex int
}

// IsTombstone reports whether this record is a deletion marker rather
// than a value.
func (r Record) IsTombstone() bool {
	return len(r.Format) == 1 && r.Format[0] == TombstoneFormat[0]
}

// Cursor yields records in ascending (key, timestamp) order from a single
// source file. Next returns ok=false once exhausted.
type Cursor interface {
	Next() (Record, bool, error)
}

type heapItem struct {
	rec Record
	cur Cursor
	idx int
}

type itemHeap []*heapItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i].rec, h[j].rec
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	// equal (key, timestamp): the highest source index is the
	// lexicographically-last file, which wins. Popping it first lets
	// Merge.Next discard the lower-priority duplicates that follow.
	return h[i].idx > h[j].idx
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge produces the sorted, deduplicated union of its cursors' records.
// It never decodes Data and never interprets tombstones; that's
// FilterIterator's job, one layer up, so a compactor can still see the
// tombstones this type yields.
type Merge struct {
	h *itemHeap
}

// New primes each cursor and returns a Merge over the ones that yielded at
// least one record.
func New(cursors []Cursor) (*Merge, error) {
	h := &itemHeap{}
	for idx, c := range cursors {
		rec, ok, err := c.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "merge: priming source %d", idx)
		}
		if !ok {
			continue
		}
		rec.SourceIndex = idx
		*h = append(*h, &heapItem{rec: rec, cur: c, idx: idx})
	}
	heap.Init(h)
	return &Merge{h: h}, nil
}

// Next returns the next record in the merged stream, or ok=false once all
// sources are exhausted. When multiple sources hold the same (key,
// timestamp), only the one from the highest-index source is returned; the
// others are silently discarded, per last-writer-wins.
func (m *Merge) Next() (Record, bool, error) {
	if m.h.Len() == 0 {
		return Record{}, false, nil
	}
	top := heap.Pop(m.h).(*heapItem)
	result := top.rec

	if err := m.advance(top); err != nil {
		return Record{}, false, err
	}

	for m.h.Len() > 0 {
		next := (*m.h)[0]
		if !sameKeyTimestamp(next.rec, result) {
			break
		}
		discarded := heap.Pop(m.h).(*heapItem)
		if err := m.advance(discarded); err != nil {
			return Record{}, false, err
		}
	}

	return result, true, nil
}

func (m *Merge) advance(item *heapItem) error {
	rec, ok, err := item.cur.Next()
	if err != nil {
		return errors.Wrapf(err, "merge: advancing source %d", item.idx)
	}
	if !ok {
		return nil
	}
	rec.SourceIndex = item.idx
	item.rec = rec
	heap.Push(m.h, item)
	return nil
}

func sameKeyTimestamp(a, b Record) bool {
	return a.Timestamp == b.Timestamp && bytes.Equal(a.Key, b.Key)
}
