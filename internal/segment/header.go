// Package segment implements the on-disk segment format: the magic-framed,
// LZ4-compressed, binary-searchable unit that a sonnerie data file is made
// of. See header.go for the wire format, reader.go for the mmap-backed
// lookup path, and writer.go for the buffering writer that produces
// segments in the first place.
package segment

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Magic is the 14-byte marker that opens every segment header.
var Magic = []byte("@TSDB_SEGMENT_")

// escapeSuffix is appended after a literal occurrence of Magic inside a
// compressed payload, so file-level scans can still find real headers
// unambiguously.
var escapeSuffix = []byte{0xff, 0xff}

// CurrentVersion is the only header version this package writes.
const CurrentVersion uint16 = 0x0100

var (
	// ErrBadMagic is returned by Reader.First when a non-empty file has no
	// valid segment header anywhere in it: a foreign or corrupted file,
	// not a legitimately empty one.
	ErrBadMagic = errors.New("segment: bad magic")
	// ErrUnsupportedVersion is returned for a header whose version field
	// isn't CurrentVersion.
	ErrUnsupportedVersion = errors.New("segment: unsupported version")
	// ErrTruncated is returned when a header or its key/payload bytes run
	// past the end of the available data.
	ErrTruncated = errors.New("segment: truncated segment")
	// ErrDecompressFailed is returned when the LZ4 payload doesn't decode.
	ErrDecompressFailed = errors.New("segment: decompress failed")
	// ErrPayloadInvariant is returned when a decompressed payload's
	// internal length fields don't add up.
	ErrPayloadInvariant = errors.New("segment: payload invariant violated")
)

// Header is the parsed framing of one segment: everything needed to
// locate its compressed payload and to binary-search past it without
// decompressing.
type Header struct {
	FirstKey    []byte
	LastKey     []byte
	Payload     []byte // still LZ4-compressed, magic-escaped
	Offset      int    // absolute offset of the first byte of the payload
	PrevSegLen  int    // stored length of the previous segment, or 0
	PrevSameKey int    // bytes of preceding same-key segments, or 0 if this is the first
}

// End returns the absolute offset one past this segment's payload: the
// natural place to resume a forward scan for the next header.
func (h Header) End() int { return h.Offset + len(h.Payload) }

// Scan searches from[origin's relative position 0] for the next segment
// header, returning it along with enough information for the caller to
// keep scanning. origin is added to computed absolute offsets so callers
// can pass sub-slices of a larger mapped file.
func Scan(from []byte, origin int) (Header, bool, error) {
	at := indexMagic(from)
	if at < 0 {
		return Header{}, false, nil
	}
	headerStart := at
	at += len(Magic)

	if len(from)-at < 2 {
		return Header{}, false, errors.Wrapf(ErrTruncated, "header truncated after magic at %d", origin+headerStart)
	}
	version := binary.BigEndian.Uint16(from[at : at+2])
	if version != CurrentVersion {
		return Header{}, false, errors.Wrapf(ErrUnsupportedVersion, "version 0x%04x", version)
	}
	at += 2

	rest := from[at:]
	firstKeyLen, rest, err := readUvarint(rest)
	if err != nil {
		return Header{}, false, err
	}
	lastKeyLen, rest, err := readUvarint(rest)
	if err != nil {
		return Header{}, false, err
	}
	payloadLen, rest, err := readUvarint(rest)
	if err != nil {
		return Header{}, false, err
	}
	prevSegLen, rest, err := readUvarint(rest)
	if err != nil {
		return Header{}, false, err
	}
	prevSameKey, rest, err := readUvarint(rest)
	if err != nil {
		return Header{}, false, err
	}

	need := firstKeyLen + lastKeyLen + payloadLen
	if uint64(len(rest)) < need {
		return Header{}, false, errors.Wrapf(ErrTruncated, "need %d bytes for keys+payload, have %d", need, len(rest))
	}

	firstKey := rest[:firstKeyLen]
	rest = rest[firstKeyLen:]
	lastKey := rest[:lastKeyLen]
	rest = rest[lastKeyLen:]
	payload := rest[:payloadLen]
	rest = rest[payloadLen:]

	payloadStart := len(from) - len(rest) - int(payloadLen)

	return Header{
		FirstKey:    firstKey,
		LastKey:     lastKey,
		Payload:     payload,
		Offset:      origin + payloadStart,
		PrevSegLen:  int(prevSegLen),
		PrevSameKey: int(prevSameKey),
	}, true, nil
}

// SegmentStart returns the absolute start offset of the header that Scan
// found, given the Header it returned and the origin passed to Scan.
func (h Header) SegmentStart() int {
	return h.Offset - h.headerLen()
}

func (h Header) headerLen() int {
	return len(Magic) + 2 +
		uvarintLen(uint64(len(h.FirstKey))) +
		uvarintLen(uint64(len(h.LastKey))) +
		uvarintLen(uint64(len(h.Payload))) +
		uvarintLen(uint64(h.PrevSegLen)) +
		uvarintLen(uint64(h.PrevSameKey)) +
		len(h.FirstKey) + len(h.LastKey)
}

// EncodeHeader returns the on-disk bytes of a segment header: magic,
// version, the five varint length fields, then firstKey and lastKey. The
// caller appends compressed (already magic-escaped) payload bytes after
// this to complete the segment.
func EncodeHeader(firstKey, lastKey []byte, compressedLen, prevSegLen, prevSameKey int) []byte {
	out := make([]byte, 0, len(Magic)+2+5*binary.MaxVarintLen64+len(firstKey)+len(lastKey))
	out = append(out, Magic...)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], CurrentVersion)
	out = append(out, v[:]...)
	out = appendHeaderUvarint(out, uint64(len(firstKey)))
	out = appendHeaderUvarint(out, uint64(len(lastKey)))
	out = appendHeaderUvarint(out, uint64(compressedLen))
	out = appendHeaderUvarint(out, uint64(prevSegLen))
	out = appendHeaderUvarint(out, uint64(prevSameKey))
	out = append(out, firstKey...)
	out = append(out, lastKey...)
	return out
}

func appendHeaderUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// indexMagic returns the index of the first unescaped occurrence of Magic
// in data, or -1 if none is found. An occurrence immediately followed by
// escapeSuffix is a literal magic sequence inside some earlier segment's
// compressed payload, not a real header, and is skipped.
func indexMagic(data []byte) int {
	from := 0
	for {
		at := indexBytes(data[from:], Magic)
		if at < 0 {
			return -1
		}
		at += from
		end := at + len(Magic)
		if end+len(escapeSuffix) <= len(data) && string(data[end:end+len(escapeSuffix)]) == string(escapeSuffix) {
			from = end + len(escapeSuffix)
			continue
		}
		return at
	}
}

func indexBytes(data, sep []byte) int {
	if len(sep) == 0 || len(data) < len(sep) {
		return -1
	}
	for i := 0; i+len(sep) <= len(data); i++ {
		if string(data[i:i+len(sep)]) == string(sep) {
			return i
		}
	}
	return -1
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, errors.Wrapf(ErrTruncated, "truncated varint in header")
	}
	return v, data[n:], nil
}

func uvarintLen(v uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], v)
}

// EscapeMagic rewrites every literal occurrence of Magic inside compressed
// to Magic+escapeSuffix, so a file-level scan for Magic never mistakes
// compressed payload bytes for the start of the next header.
func EscapeMagic(compressed []byte) []byte {
	if indexBytes(compressed, Magic) < 0 {
		return compressed
	}
	out := make([]byte, 0, len(compressed)+len(escapeSuffix))
	rest := compressed
	for {
		at := indexBytes(rest, Magic)
		if at < 0 {
			out = append(out, rest...)
			return out
		}
		out = append(out, rest[:at+len(Magic)]...)
		out = append(out, escapeSuffix...)
		rest = rest[at+len(Magic):]
	}
}

// UnescapeMagic reverses EscapeMagic: every Magic+escapeSuffix run is
// collapsed back to a literal Magic.
func UnescapeMagic(escaped []byte) []byte {
	marker := append(append([]byte{}, Magic...), escapeSuffix...)
	if indexBytes(escaped, marker) < 0 {
		return escaped
	}
	out := make([]byte, 0, len(escaped))
	rest := escaped
	for {
		at := indexBytes(rest, marker)
		if at < 0 {
			out = append(out, rest...)
			return out
		}
		out = append(out, rest[:at]...)
		out = append(out, Magic...)
		rest = rest[at+len(marker):]
	}
}
