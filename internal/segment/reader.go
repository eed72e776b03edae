package segment

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/exp/mmap"
)

// initialWindow is the size of the first read attempted when scanning for
// a header at a given offset; it doubles until a header is found or the
// end of the file is reached. It matches the segment-size goal so that,
// in the common case, one read covers a full segment.
const initialWindow = 1 << 20

// Reader provides byte-wise binary search and forward iteration over a
// read-only, memory-mapped segment file. It relies on the OS page cache
// rather than any auxiliary index: repeated lookups warm the same pages.
type Reader struct {
	ra   *mmap.ReaderAt
	size int
}

// OpenReader memory-maps path for reading.
func OpenReader(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "segment: open %s", path)
	}
	return &Reader{ra: ra, size: ra.Len()}, nil
}

// Close unmaps the file.
func (r *Reader) Close() error { return r.ra.Close() }

// Size returns the total byte size of the mapped file.
func (r *Reader) Size() int { return r.size }

func (r *Reader) window(off, n int) ([]byte, error) {
	if off >= r.size || off < 0 {
		return nil, nil
	}
	if off+n > r.size {
		n = r.size - off
	}
	buf := make([]byte, n)
	_, err := r.ra.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "segment: read at %d", off)
	}
	return buf, nil
}

// scanAt finds the next header starting at or after off, growing its read
// window until either a header is found, a real parse error occurs, or
// the end of file is reached with no header in sight.
//
// Reaching end-of-file with nothing found is ambiguous on its own: called
// from After, it just means there's no next segment, the normal way a
// forward scan ends. Called with off == 0 on a non-empty file, though, it
// means the file has no valid header anywhere in it — a foreign or
// corrupted file, not an empty one — so that case is reported as
// ErrBadMagic instead of a quiet ok=false.
func (r *Reader) scanAt(off int) (Header, bool, error) {
	win := initialWindow
	for {
		buf, err := r.window(off, win)
		if err != nil {
			return Header{}, false, err
		}
		if len(buf) == 0 {
			return Header{}, false, nil
		}
		h, ok, err := Scan(buf, off)
		if err != nil {
			if errors.Is(err, ErrTruncated) && off+win < r.size {
				win *= 2
				continue
			}
			return Header{}, false, err
		}
		if !ok {
			if off+win >= r.size {
				if off == 0 {
					return Header{}, false, errors.Wrapf(ErrBadMagic, "no segment header found in %d-byte file", r.size)
				}
				return Header{}, false, nil
			}
			win *= 2
			continue
		}
		return h, true, nil
	}
}

// First returns the first segment in the file, or ok=false for a genuinely
// empty (zero-byte) file. A non-empty file with no valid header anywhere
// in it is corruption or a foreign file, not an empty segment list, and
// is reported as ErrBadMagic rather than ok=false.
func (r *Reader) First() (Header, bool, error) {
	return r.scanAt(0)
}

// After returns the segment immediately following h.
func (r *Reader) After(h Header) (Header, bool, error) {
	return r.scanAt(h.End())
}

const smallRangeThreshold = 128 * 1024

// FindSegmentFor performs the byte-wise binary search described in the
// segment reader design: pick an offset near the midpoint of the active
// range, scan forward for the next header, compare key against
// [first_key, last_key], and narrow the range. It returns the unique
// segment containing key, or the first segment whose FirstKey >= key if
// none contains it, or ok=false if the file is empty or key is past the
// last segment.
func (r *Reader) FindSegmentFor(key []byte) (Header, bool, error) {
	begin, end := 0, r.size-1
	if end < 0 {
		return Header{}, false, nil
	}

	// after is the earliest segment seen so far whose FirstKey > key: the
	// answer once the range collapses without finding a containing one.
	var after Header
	haveAfter := false

	for {
		pos := (end-begin)/2 + begin
		for {
			if pos < begin+smallRangeThreshold {
				pos = begin
			}

			h, ok, err := r.scanAt(pos)
			if err != nil {
				return Header{}, false, err
			}
			if !ok {
				end = pos - 1
				if end < begin {
					return after, haveAfter, nil
				}
				break
			}

			if pos == 0 && bytes.Compare(key, h.FirstKey) < 0 {
				return h, true, nil
			}

			if bytes.Equal(key, h.FirstKey) && h.PrevSameKey != 0 {
				pos = h.SegmentStart() - h.PrevSameKey
				continue
			}

			if bytes.Compare(key, h.FirstKey) >= 0 && bytes.Compare(key, h.LastKey) <= 0 {
				return h, true, nil
			}

			if bytes.Compare(key, h.FirstKey) < 0 {
				after, haveAfter = h, true
				newEnd := pos - 1
				if c := h.Offset - h.PrevSegLen; c < newEnd {
					newEnd = c
				}
				if c := h.Offset - h.PrevSameKey; c < newEnd {
					newEnd = c
				}
				end = newEnd
				if end < begin {
					return after, haveAfter, nil
				}
				break
			}

			// key > h.LastKey
			begin = h.End()
			if begin > end {
				return after, haveAfter, nil
			}
			break
		}
	}
}

// IterFrom positions at the first segment that could contain records with
// key >= startKey and exposes it for forward iteration via After.
func (r *Reader) IterFrom(startKey []byte) (Header, bool, error) {
	return r.FindSegmentFor(startKey)
}

// DecodePayload decompresses h's magic-unescaped LZ4 payload into the raw
// per-key block bytes described by the segment format.
func DecodePayload(h Header) ([]byte, error) {
	raw := UnescapeMagic(h.Payload)
	dec := lz4.NewReader(bytes.NewReader(raw))
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.Wrapf(ErrDecompressFailed, "%v", err)
	}
	return out, nil
}

// KeyBlock is one decoded (key, format, data) triple from a segment's
// decompressed payload.
type KeyBlock struct {
	Key    []byte
	Format []byte
	Data   []byte
}

// IterSegment decompresses h's payload once and walks the concatenated
// per-key blocks it contains, calling fn for each.
func IterSegment(h Header, fn func(KeyBlock) error) error {
	payload, err := DecodePayload(h)
	if err != nil {
		return err
	}
	return ForEachKeyBlock(payload, fn)
}

// ForEachKeyBlock walks the per-key blocks of an already-decompressed
// segment payload: repeating [key_len u32][format_len u32][data_len
// u32][key][format][data].
func ForEachKeyBlock(payload []byte, fn func(KeyBlock) error) error {
	for len(payload) > 0 {
		if len(payload) < 12 {
			return errors.Wrapf(ErrPayloadInvariant, "truncated key block header")
		}
		keyLen := binary.BigEndian.Uint32(payload[0:4])
		formatLen := binary.BigEndian.Uint32(payload[4:8])
		dataLen := binary.BigEndian.Uint32(payload[8:12])
		payload = payload[12:]

		need := uint64(keyLen) + uint64(formatLen) + uint64(dataLen)
		if uint64(len(payload)) < need {
			return errors.Wrapf(ErrPayloadInvariant, "key block claims %d bytes, have %d", need, len(payload))
		}

		key := payload[:keyLen]
		payload = payload[keyLen:]
		format := payload[:formatLen]
		payload = payload[formatLen:]
		data := payload[:dataLen]
		payload = payload[dataLen:]

		if err := fn(KeyBlock{Key: key, Format: format, Data: data}); err != nil {
			return err
		}
	}
	return nil
}
