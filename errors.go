package sonnerie

import (
	"github.com/cockroachdb/errors"

	"github.com/njaard/sonnerie/internal/dblock"
	"github.com/njaard/sonnerie/internal/segment"
)

// Sentinel errors a caller can test with errors.Is. Several are aliases
// of errors already defined deeper in the tree (internal/segment,
// internal/dblock) so callers never need to import those packages just
// to classify a failure.
var (
	// ErrUnsorted is returned when records are added to a transaction out
	// of (key, timestamp) order.
	ErrUnsorted = segment.ErrUnsorted
	// ErrFormatMismatch is returned in checked mode when a key's format
	// changes within one transaction.
	ErrFormatMismatch = segment.ErrFormatMismatch
	// ErrBadSegment is returned when a non-empty data file has no valid
	// segment header anywhere in it (bad magic). An unsupported version or
	// a truncated header is reported as ErrUnsupportedVersion or
	// ErrTruncated instead.
	ErrBadSegment = segment.ErrBadMagic
	// ErrUnsupportedVersion is returned for a segment header whose version
	// isn't the one this package writes.
	ErrUnsupportedVersion = segment.ErrUnsupportedVersion
	// ErrTruncated is returned when a segment header or its key/payload
	// bytes run past the end of the available data.
	ErrTruncated = segment.ErrTruncated
	// ErrDecompressFailed is returned when a segment's LZ4 payload doesn't
	// decode.
	ErrDecompressFailed = segment.ErrDecompressFailed
	// ErrPayloadInvariant is returned when a decompressed segment payload's
	// internal length fields don't add up.
	ErrPayloadInvariant = segment.ErrPayloadInvariant
	// ErrCompactionBusy is returned by Compact when another compaction
	// already holds the exclusive lock.
	ErrCompactionBusy = errors.New("sonnerie: compaction already in progress")
	// ErrWouldBlock is returned by non-blocking lock attempts.
	ErrWouldBlock = dblock.ErrWouldBlock
	// ErrClosed is returned when a DatabaseReader method is called after
	// Close.
	ErrClosed = errors.New("sonnerie: already closed")
	// ErrInvalidRange is returned when a caller passes a range with
	// lo > hi.
	ErrInvalidRange = errors.New("sonnerie: invalid range")
)
