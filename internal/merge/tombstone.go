package merge

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ErrMalformedTombstone is returned when a record claims the tombstone
// format but its payload doesn't decode.
var ErrMalformedTombstone = errors.New("merge: malformed tombstone payload")

// TombstoneRange is the decoded body of a deletion tombstone: "delete
// every record with a key in [FirstKey, LastKey] whose timestamp falls in
// [After, Before]". A single-key delete is the case FirstKey == LastKey.
// Filter is an optional wildcard/predicate string passed through for the
// compactor's external filter process to interpret; the merge layer
// treats it as opaque.
type TombstoneRange struct {
	FirstKey string
	LastKey  string
	After    uint64
	Before   uint64
	Filter   string
}

// EncodeTombstone produces the Data payload for a tombstone record whose
// sort key is r.FirstKey. Layout: 8-byte BE After (doubling as the
// record's sort timestamp, like every other record's leading 8 bytes),
// varint-len-prefixed LastKey, 8-byte BE Before, varint-len-prefixed
// Filter. The layout is self-delimiting so a run of tombstones for the
// same key can be split the same way fixed/variable value records are.
func EncodeTombstone(r TombstoneRange) []byte {
	out := appendUint64(nil, r.After)
	out = appendString(out, r.LastKey)
	out = appendUint64(out, r.Before)
	out = appendString(out, r.Filter)
	return out
}

// DecodeTombstone parses the payload produced by EncodeTombstone. firstKey
// is the record's own Key field, not part of data.
func DecodeTombstone(firstKey string, data []byte) (TombstoneRange, error) {
	n, err := TombstoneByteLen(data)
	if err != nil {
		return TombstoneRange{}, err
	}
	data = data[:n]

	after := binary.BigEndian.Uint64(data[:8])
	rest := data[8:]
	lastKey, rest, err := readString(rest)
	if err != nil {
		return TombstoneRange{}, errors.Wrapf(ErrMalformedTombstone, "last key: %s", err)
	}
	before := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	filter, rest, err := readString(rest)
	if err != nil {
		return TombstoneRange{}, errors.Wrapf(ErrMalformedTombstone, "filter: %s", err)
	}
	if len(rest) != 0 {
		return TombstoneRange{}, errors.Wrapf(ErrMalformedTombstone, "%d trailing bytes", len(rest))
	}
	return TombstoneRange{
		FirstKey: firstKey,
		LastKey:  lastKey,
		After:    after,
		Before:   before,
		Filter:   filter,
	}, nil
}

// TombstoneByteLen returns the number of bytes, starting at the front of
// data, occupied by one encoded tombstone, without fully decoding it —
// the same role rowformat.Format.RecordByteLen plays for value records,
// letting a key block holding several tombstones be split in a stream.
func TombstoneByteLen(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, errors.Wrapf(ErrMalformedTombstone, "truncated after-timestamp")
	}
	rest := data[8:]
	_, afterLastKey, err := readString(rest)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedTombstone, "last key: %s", err)
	}
	if len(afterLastKey) < 8 {
		return 0, errors.Wrapf(ErrMalformedTombstone, "truncated before-timestamp")
	}
	rest = afterLastKey[8:]
	_, afterFilter, err := readString(rest)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedTombstone, "filter: %s", err)
	}
	return len(data) - len(afterFilter), nil
}

func appendString(dst []byte, s string) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	dst = append(dst, buf[:n]...)
	return append(dst, s...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func readString(data []byte) (string, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return "", nil, errors.New("truncated length varint")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return "", nil, errors.New("truncated string body")
	}
	return string(data[:length]), data[length:], nil
}
