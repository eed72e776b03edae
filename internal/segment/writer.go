package segment

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
)

// SizeGoal is the uncompressed payload size at which the writer finalizes
// the current segment and starts a new one.
const SizeGoal = 1024 * 1024

var (
	// ErrUnsorted is returned when a record's (key, timestamp) does not
	// come strictly after the previously written record.
	ErrUnsorted = errors.New("segment: records out of order")
	// ErrFormatMismatch is returned in checked mode when a key's format
	// string changes within the same writer session.
	ErrFormatMismatch = errors.New("segment: format mismatch for key")
)

// SegmentSink receives finished, already-framed segments as they're
// produced; a transaction writer implements this to place them in its
// backing file.
type SegmentSink interface {
	WriteSegment(firstKey, lastKey []byte, compressed []byte, prevSegLen, prevSameKey int) (wroteLen int, err error)
}

// SizeObserver is an optional interface a SegmentSink can implement to
// learn a segment's uncompressed and compressed (pre-escape) sizes just
// before WriteSegment is called with the final, escaped bytes. Writer
// checks for it with a type assertion, so a sink with nothing to measure
// pays no cost.
type SizeObserver interface {
	ObserveSegmentSizes(uncompressed, compressed []byte)
}

// Writer buffers records in strictly non-decreasing (key, timestamp) order
// and emits framed, LZ4-compressed segments to a SegmentSink once the
// buffered payload reaches SizeGoal.
type Writer struct {
	sink SegmentSink

	checked     bool
	seenFormats map[string]string

	lastKey    []byte
	lastFormat []byte
	curTS      uint64
	haveRecord bool

	firstSegmentKey []byte
	lastSegmentKey  []byte

	currentSegmentData []byte
	currentKeyData      []byte

	prevSegLen        int
	storedSizeLastKey int
	writtenLastKey    []byte
}

// NewWriter returns a Writer that emits finished segments to sink.
func NewWriter(sink SegmentSink, checked bool) *Writer {
	w := &Writer{sink: sink, checked: checked}
	if checked {
		w.seenFormats = make(map[string]string)
	}
	return w
}

// AddRecord buffers one record. data is the already-encoded
// [timestamp][columns...] (or, for variable formats,
// [varint len][timestamp][columns...]) produced by rowformat.Format.Encode.
func (w *Writer) AddRecord(key []byte, timestamp uint64, format []byte, data []byte) error {
	if w.checked {
		if prev, ok := w.seenFormats[string(key)]; ok && prev != string(format) {
			return errors.Wrapf(ErrFormatMismatch, "key %q: format changed from %q to %q", key, prev, format)
		}
		w.seenFormats[string(key)] = string(format)
	}

	if !w.haveRecord {
		w.newKeyBegin(key, format)
		w.firstSegmentKey = append([]byte{}, key...)
	} else {
		switch {
		case bytes.Compare(key, w.lastKey) < 0:
			return errors.Wrapf(ErrUnsorted, "key %q comes before previous key %q", key, w.lastKey)
		case bytes.Equal(key, w.lastKey) && timestamp <= w.curTS:
			return errors.Wrapf(ErrUnsorted, "timestamp %d for key %q does not follow previous timestamp %d", timestamp, key, w.curTS)
		}

		if !bytes.Equal(key, w.lastKey) || !bytes.Equal(format, w.lastFormat) {
			w.flushCurrentKey()
			w.newKeyBegin(key, format)
		}

		if len(w.currentSegmentData)+len(w.currentKeyData) >= SizeGoal && len(w.currentSegmentData) > 0 {
			if err := w.storeCurrentSegment(); err != nil {
				return err
			}
			w.firstSegmentKey = append([]byte{}, key...)
		}
	}

	w.curTS = timestamp
	w.haveRecord = true
	w.currentKeyData = append(w.currentKeyData, data...)

	// A segment boundary must never fall inside a key block. If this key's
	// own buffered data has grown past the goal, close it out as its own
	// first_key == last_key segment rather than let it straddle a boundary,
	// and keep accumulating under a fresh block for the same key.
	if len(w.currentKeyData) >= SizeGoal {
		w.flushCurrentKey()
		if err := w.storeCurrentSegment(); err != nil {
			return err
		}
		w.firstSegmentKey = append(w.firstSegmentKey[:0], key...)
		w.newKeyBegin(key, format)
	}
	return nil
}

func (w *Writer) newKeyBegin(key, format []byte) {
	w.lastKey = append(w.lastKey[:0], key...)
	w.lastFormat = append(w.lastFormat[:0], format...)

	w.currentKeyData = appendUint32be(w.currentKeyData, uint32(len(key)))
	w.currentKeyData = appendUint32be(w.currentKeyData, uint32(len(format)))
	w.currentKeyData = appendUint32be(w.currentKeyData, 0) // data length, filled in by flushCurrentKey
	w.currentKeyData = append(w.currentKeyData, key...)
	w.currentKeyData = append(w.currentKeyData, format...)
}

// flushCurrentKey copies the buffered key block into the segment buffer,
// backpatching its data-length field now that it's known.
func (w *Writer) flushCurrentKey() {
	if len(w.currentKeyData) != 0 {
		dataLen := len(w.currentKeyData) - 12 - len(w.lastKey) - len(w.lastFormat)
		binary.BigEndian.PutUint32(w.currentKeyData[8:12], uint32(dataLen))
		w.currentSegmentData = append(w.currentSegmentData, w.currentKeyData...)
		w.currentKeyData = w.currentKeyData[:0]
	}
	w.lastSegmentKey = append(w.lastSegmentKey[:0], w.lastKey...)
}

// storeCurrentSegment compresses and frames the buffered segment payload
// and hands it to the sink.
func (w *Writer) storeCurrentSegment() error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(w.currentSegmentData); err != nil {
		return errors.Wrapf(err, "segment: lz4 compress")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrapf(err, "segment: lz4 compress")
	}
	escaped := EscapeMagic(buf.Bytes())

	var thisKeyPrev int
	if bytes.Equal(w.writtenLastKey, w.firstSegmentKey) {
		thisKeyPrev = w.storedSizeLastKey
	} else {
		w.storedSizeLastKey = 0
	}

	if obs, ok := w.sink.(SizeObserver); ok {
		obs.ObserveSegmentSizes(w.currentSegmentData, buf.Bytes())
	}

	wrote, err := w.sink.WriteSegment(w.firstSegmentKey, w.lastSegmentKey, escaped, w.prevSegLen, thisKeyPrev)
	if err != nil {
		return err
	}

	if bytes.Equal(w.lastSegmentKey, w.firstSegmentKey) {
		w.storedSizeLastKey += wrote
	} else {
		w.storedSizeLastKey = wrote
	}
	w.writtenLastKey = append(w.writtenLastKey[:0], w.lastSegmentKey...)
	w.prevSegLen = wrote

	w.currentSegmentData = w.currentSegmentData[:0]
	return nil
}

// Finish flushes any buffered key and segment data. It must be called
// exactly once, after the last AddRecord.
func (w *Writer) Finish() error {
	if len(w.currentKeyData) != 0 {
		w.flushCurrentKey()
	}
	if len(w.currentSegmentData) != 0 {
		return w.storeCurrentSegment()
	}
	return nil
}

func appendUint32be(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}
