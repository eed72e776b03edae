// Package interchange implements the text record format used to pipe
// records through an external "gegnum" filter during compaction: one line
// per record, tab-separated key, timestamp, format, then one field per
// column.
package interchange

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/njaard/sonnerie/rowformat"
)

// ErrMalformedLine is returned when a line can't be parsed as a record.
var ErrMalformedLine = errors.New("interchange: malformed line")

// Line is one decoded text-interchange record.
type Line struct {
	Key       string
	Timestamp rowformat.Timestamp
	Format    rowformat.Format
	Values    []any
}

// WriteLine writes one record as a tab-separated, backslash-escaped line,
// terminated with "\n".
func WriteLine(w io.Writer, key string, ts rowformat.Timestamp, format rowformat.Format, values []any) error {
	fields := make([]string, 0, 3+len(values))
	fields = append(fields, escape(key), strconv.FormatUint(ts, 10), format.String())

	spec := []byte(format.String())
	for i, v := range values {
		fields = append(fields, formatValue(spec[i], v))
	}

	if _, err := io.WriteString(w, strings.Join(fields, "\t")); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// ReadLine parses one text-interchange line (without its trailing newline).
func ReadLine(line string) (Line, error) {
	fields := splitUnescaped(line, '\t')
	if len(fields) < 3 {
		return Line{}, errors.Wrapf(ErrMalformedLine, "need at least 3 fields, got %d", len(fields))
	}

	key := unescape(fields[0])
	ts, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Line{}, errors.Wrapf(ErrMalformedLine, "bad timestamp %q: %v", fields[1], err)
	}

	format, err := rowformat.Parse(fields[2])
	if err != nil {
		return Line{}, errors.Wrapf(err, "bad format %q", fields[2])
	}

	if format.NumColumns() != len(fields)-3 {
		return Line{}, errors.Wrapf(ErrMalformedLine, "format %q wants %d columns, line has %d", fields[2], format.NumColumns(), len(fields)-3)
	}

	spec := []byte(format.String())
	values := make([]any, 0, format.NumColumns())
	for i, raw := range fields[3:] {
		v, err := parseValue(spec[i], raw)
		if err != nil {
			return Line{}, err
		}
		values = append(values, v)
	}

	return Line{Key: key, Timestamp: ts, Format: format, Values: values}, nil
}

// Scan reads lines from r, calling fn for each decoded record. It stops and
// returns the first error, from either a malformed line or fn.
func Scan(r io.Reader, fn func(Line) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		line, err := ReadLine(text)
		if err != nil {
			return err
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func formatValue(col byte, v any) string {
	switch col {
	case 'f':
		return strconv.FormatFloat(float64(v.(float32)), 'g', -1, 32)
	case 'F':
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case 'u':
		return strconv.FormatUint(uint64(v.(uint32)), 10)
	case 'U':
		return strconv.FormatUint(v.(uint64), 10)
	case 'i':
		return strconv.FormatInt(int64(v.(int32)), 10)
	case 'I':
		return strconv.FormatInt(v.(int64), 10)
	case 's':
		return escape(v.(string))
	case 'B':
		return base64.StdEncoding.EncodeToString(v.([]byte))
	default:
		return fmt.Sprintf("%v", v)
	}
}

func parseValue(col byte, raw string) (any, error) {
	switch col {
	case 'f':
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'f' value %q: %v", raw, err)
		}
		return float32(f), nil
	case 'F':
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'F' value %q: %v", raw, err)
		}
		return f, nil
	case 'u':
		u, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'u' value %q: %v", raw, err)
		}
		return uint32(u), nil
	case 'U':
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'U' value %q: %v", raw, err)
		}
		return u, nil
	case 'i':
		i, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'i' value %q: %v", raw, err)
		}
		return int32(i), nil
	case 'I':
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'I' value %q: %v", raw, err)
		}
		return i, nil
	case 's':
		return unescape(raw), nil
	case 'B':
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "bad 'B' base64 %q: %v", raw, err)
		}
		return b, nil
	default:
		return nil, errors.Wrapf(ErrMalformedLine, "unknown column type %q", col)
	}
}

// escape backslash-escapes whitespace and the backslash itself.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\t', '\n', '\r', ' ', '\\':
			b.WriteByte('\\')
			b.WriteByte(escapeChar(c))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func escapeChar(c byte) byte {
	switch c {
	case '\t':
		return 't'
	case '\n':
		return 'n'
	case '\r':
		return 'r'
	default:
		return c
	}
}

// unescape reverses escape.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 't':
				b.WriteByte('\t')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// splitUnescaped splits s on sep, but not on an escaped (preceded by an odd
// number of backslashes) separator.
func splitUnescaped(s string, sep byte) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			cur.WriteByte(c)
			escaped = true
			continue
		}
		if c == sep {
			fields = append(fields, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	fields = append(fields, cur.String())
	return fields
}
