// Package rowformat encodes and decodes the typed column tuple stored
// alongside each (key, timestamp) record, as described by a format string.
package rowformat

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// Timestamp is nanoseconds since the Unix epoch.
type Timestamp = uint64

// TimestampSize is the width in bytes of a stored timestamp.
const TimestampSize = 8

// ErrMalformedRecord is returned when stored bytes don't match their
// declared format: truncation, invalid UTF-8 in a string column, or a
// value-count mismatch.
var ErrMalformedRecord = errors.New("rowformat: malformed record")

// ErrInvalidFormat is returned when a format string contains a character
// outside fFuUiIsB.
var ErrInvalidFormat = errors.New("rowformat: invalid format character")

// ErrColumnCount is returned when the number of supplied values doesn't
// match the format's arity.
var ErrColumnCount = errors.New("rowformat: wrong number of columns")

// ErrColumnType is returned when a supplied value's Go type doesn't match
// the column's declared type.
var ErrColumnType = errors.New("rowformat: wrong column type")

// Format is a parsed format string: one character per column.
//
//	f  32-bit float
//	F  64-bit float
//	u  32-bit unsigned int
//	U  64-bit unsigned int
//	i  32-bit signed int
//	I  64-bit signed int
//	s  variable-length UTF-8 string
//	B  variable-length opaque bytes
type Format struct {
	spec string
}

// Parse validates a format string and returns a Format.
func Parse(human string) (Format, error) {
	for _, c := range []byte(human) {
		switch c {
		case 'f', 'F', 'u', 'U', 'i', 'I', 's', 'B':
		default:
			return Format{}, errors.Wrapf(ErrInvalidFormat, "character %q", c)
		}
	}
	return Format{spec: human}, nil
}

// MustParse is Parse but panics on error; useful for constant formats.
func MustParse(human string) Format {
	f, err := Parse(human)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the format string this Format was parsed from.
func (f Format) String() string { return f.spec }

// NumColumns returns the number of columns in the format.
func (f Format) NumColumns() int { return len(f.spec) }

// IsVariable reports whether the format contains at least one variable-size
// ('s' or 'B') column.
func (f Format) IsVariable() bool {
	for _, c := range []byte(f.spec) {
		if c == 's' || c == 'B' {
			return true
		}
	}
	return false
}

// FixedSize returns the byte width of the column values (not including the
// timestamp) when the format is fixed-size, and ok=true. If the format is
// variable-size, ok is false.
func (f Format) FixedSize() (size int, ok bool) {
	for _, c := range []byte(f.spec) {
		switch c {
		case 'f', 'u', 'i':
			size += 4
		case 'F', 'U', 'I':
			size += 8
		case 's', 'B':
			return 0, false
		}
	}
	return size, true
}

// Encode appends the stored-format bytes for one record to dst and returns
// the extended slice. See spec §4.1: fixed formats are
// [8-byte ts][cols...]; variable formats are
// [varint len][8-byte ts][cols...] where len counts the 8 timestamp bytes
// together with the column bytes; it is not the column length alone.
func (f Format) Encode(dst []byte, ts Timestamp, values ...any) ([]byte, error) {
	if len(values) != f.NumColumns() {
		return nil, errors.Wrapf(ErrColumnCount, "format %q wants %d columns, got %d", f.spec, f.NumColumns(), len(values))
	}

	if fixed, ok := f.FixedSize(); ok {
		dst = appendUint64(dst, ts)
		for i, c := range []byte(f.spec) {
			var err error
			dst, err = encodeColumn(dst, c, values[i])
			if err != nil {
				return nil, err
			}
		}
		_ = fixed
		return dst, nil
	}

	// variable: encode columns into a scratch buffer first so we know the
	// length to put in the length-prefix varint.
	var body []byte
	for i, c := range []byte(f.spec) {
		var err error
		body, err = encodeColumn(body, c, values[i])
		if err != nil {
			return nil, err
		}
	}
	dst = appendUvarint(dst, uint64(len(body)+TimestampSize))
	dst = appendUint64(dst, ts)
	dst = append(dst, body...)
	return dst, nil
}

// Decode reads one record from the front of data, returning the timestamp,
// the decoded values, and the remaining unconsumed bytes.
func (f Format) Decode(data []byte) (ts Timestamp, values []any, rest []byte, err error) {
	if f.IsVariable() {
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return 0, nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated length varint")
		}
		data = data[n:]
		if uint64(len(data)) < length {
			return 0, nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated record body")
		}
		body := data[:length]
		rest = data[length:]
		if len(body) < TimestampSize {
			return 0, nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated timestamp")
		}
		ts = binary.BigEndian.Uint64(body[:TimestampSize])
		body = body[TimestampSize:]
		values, err = decodeColumns(f.spec, body)
		if err != nil {
			return 0, nil, nil, err
		}
		return ts, values, rest, nil
	}

	fixed, _ := f.FixedSize()
	total := fixed + TimestampSize
	if len(data) < total {
		return 0, nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated fixed record: need %d have %d", total, len(data))
	}
	ts = binary.BigEndian.Uint64(data[:TimestampSize])
	values, err = decodeColumns(f.spec, data[TimestampSize:total])
	if err != nil {
		return 0, nil, nil, err
	}
	return ts, values, data[total:], nil
}

// RecordByteLen returns the number of bytes, starting at the front of data,
// occupied by one encoded record (including its timestamp), without fully
// decoding the column values. This lets a reader skip a record cheaply.
func (f Format) RecordByteLen(data []byte) (int, error) {
	if fixed, ok := f.FixedSize(); ok {
		total := fixed + TimestampSize
		if len(data) < total {
			return 0, errors.Wrapf(ErrMalformedRecord, "truncated fixed record")
		}
		return total, nil
	}
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, errors.Wrapf(ErrMalformedRecord, "truncated length varint")
	}
	total := n + int(length)
	if len(data) < total {
		return 0, errors.Wrapf(ErrMalformedRecord, "truncated variable record")
	}
	return total, nil
}

func decodeColumns(spec string, body []byte) ([]any, error) {
	values := make([]any, 0, len(spec))
	for _, c := range []byte(spec) {
		v, rest, err := decodeColumn(c, body)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		body = rest
	}
	if len(body) != 0 {
		return nil, errors.Wrapf(ErrMalformedRecord, "%d trailing bytes after decoding columns", len(body))
	}
	return values, nil
}

func encodeColumn(dst []byte, c byte, v any) ([]byte, error) {
	switch c {
	case 'f':
		f, ok := v.(float32)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'f' wants float32, got %T", v)
		}
		return appendUint32(dst, math.Float32bits(f)), nil
	case 'F':
		f, ok := v.(float64)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'F' wants float64, got %T", v)
		}
		return appendUint64(dst, math.Float64bits(f)), nil
	case 'u':
		u, ok := v.(uint32)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'u' wants uint32, got %T", v)
		}
		return appendUint32(dst, u), nil
	case 'U':
		u, ok := v.(uint64)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'U' wants uint64, got %T", v)
		}
		return appendUint64(dst, u), nil
	case 'i':
		i, ok := v.(int32)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'i' wants int32, got %T", v)
		}
		return appendUint32(dst, uint32(i)), nil
	case 'I':
		i, ok := v.(int64)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'I' wants int64, got %T", v)
		}
		return appendUint64(dst, uint64(i)), nil
	case 's':
		s, ok := v.(string)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 's' wants string, got %T", v)
		}
		dst = appendUvarint(dst, uint64(len(s)))
		return append(dst, s...), nil
	case 'B':
		b, ok := v.([]byte)
		if !ok {
			return nil, errors.Wrapf(ErrColumnType, "column 'B' wants []byte, got %T", v)
		}
		dst = appendUvarint(dst, uint64(len(b)))
		return append(dst, b...), nil
	default:
		return nil, errors.Wrapf(ErrInvalidFormat, "character %q", c)
	}
}

func decodeColumn(c byte, data []byte) (any, []byte, error) {
	switch c {
	case 'f':
		if len(data) < 4 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'f' column")
		}
		return math.Float32frombits(binary.BigEndian.Uint32(data[:4])), data[4:], nil
	case 'F':
		if len(data) < 8 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'F' column")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data[:8])), data[8:], nil
	case 'u':
		if len(data) < 4 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'u' column")
		}
		return binary.BigEndian.Uint32(data[:4]), data[4:], nil
	case 'U':
		if len(data) < 8 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'U' column")
		}
		return binary.BigEndian.Uint64(data[:8]), data[8:], nil
	case 'i':
		if len(data) < 4 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'i' column")
		}
		return int32(binary.BigEndian.Uint32(data[:4])), data[4:], nil
	case 'I':
		if len(data) < 8 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'I' column")
		}
		return int64(binary.BigEndian.Uint64(data[:8])), data[8:], nil
	case 's':
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 's' length")
		}
		data = data[n:]
		if uint64(len(data)) < length {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 's' body")
		}
		if !utf8.Valid(data[:length]) {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "invalid UTF-8 in 's' column")
		}
		return string(data[:length]), data[length:], nil
	case 'B':
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'B' length")
		}
		data = data[n:]
		if uint64(len(data)) < length {
			return nil, nil, errors.Wrapf(ErrMalformedRecord, "truncated 'B' body")
		}
		out := make([]byte, length)
		copy(out, data[:length])
		return out, data[length:], nil
	default:
		return nil, nil, errors.Wrapf(ErrInvalidFormat, "character %q", c)
	}
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}
