package sonnerie

import (
	"github.com/njaard/sonnerie/rowformat"
)

// Timestamp is nanoseconds since the Unix epoch.
type Timestamp = rowformat.Timestamp

// Record is one decoded (key, timestamp) entry returned by a read.
type Record struct {
	Key       string
	Timestamp Timestamp
	Format    string
	Values    []any
}

// Encode appends this record's stored-format bytes (timestamp + columns)
// to dst, using f to interpret Values. f.String() must equal r.Format.
func (r Record) Encode(dst []byte, f rowformat.Format) ([]byte, error) {
	return f.Encode(dst, r.Timestamp, r.Values...)
}
