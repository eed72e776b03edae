package sonnerie

import (
	"github.com/njaard/sonnerie/internal/merge"
	"github.com/njaard/sonnerie/internal/txn"
	"github.com/njaard/sonnerie/metrics"
	"github.com/njaard/sonnerie/rowformat"
)

// createTxOptions holds CreateTx construction settings applied by
// CreateTxOption functions.
type createTxOptions struct {
	checked bool
	metrics *metrics.Metrics
}

// CreateTxOption configures NewCreateTx.
type CreateTxOption func(*createTxOptions)

// WithChecked enables checked mode: a key's format string may not change
// within the lifetime of the transaction. The default is permissive.
func WithChecked() CreateTxOption {
	return func(o *createTxOptions) { o.checked = true }
}

// WithMetrics reports this transaction's record and segment counts to m.
// A nil m (the default) disables reporting.
func WithMetrics(m *metrics.Metrics) CreateTxOption {
	return func(o *createTxOptions) { o.metrics = m }
}

// CreateTx is an in-progress write transaction against a database
// directory. Records must be added in non-decreasing (key, timestamp)
// order; call Commit to publish them atomically, or Rollback to discard.
type CreateTx struct {
	tx      *txn.Tx
	formats map[string]rowformat.Format
	metrics *metrics.Metrics
}

// NewCreateTx opens a new transaction backed by a private temp file in
// dir.
func NewCreateTx(dir string, opts ...CreateTxOption) (*CreateTx, error) {
	var o createTxOptions
	for _, opt := range opts {
		opt(&o)
	}
	t, err := txn.New(dir, o.checked)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		t.OnSegmentSizes(func(uncompressed, compressed []byte) {
			o.metrics.SegmentFlushed(len(uncompressed), len(compressed))
		})
	}
	return &CreateTx{tx: t, formats: make(map[string]rowformat.Format), metrics: o.metrics}, nil
}

// AddRecord encodes and buffers one record. format is a rowformat spec
// string (e.g. "U" or "Fs"); values must match it column for column.
func (c *CreateTx) AddRecord(key string, format string, timestamp Timestamp, values ...any) error {
	f, err := c.format(format)
	if err != nil {
		return err
	}
	data, err := f.Encode(nil, timestamp, values...)
	if err != nil {
		return err
	}
	if err := c.tx.AddRecord([]byte(key), timestamp, []byte(format), data); err != nil {
		return err
	}
	c.metrics.RecordWritten(false)
	return nil
}

// AddTombstone buffers a deletion tombstone: every record with a key in
// [firstKey, lastKey] and a timestamp in [after, before] is hidden from
// subsequent reads of any snapshot that includes this transaction and
// none with higher priority. filter is an opaque string passed through
// to a compactor's external filter process, or "" if unused.
func (c *CreateTx) AddTombstone(firstKey, lastKey string, after, before Timestamp, filter string) error {
	data := merge.EncodeTombstone(merge.TombstoneRange{
		LastKey: lastKey,
		After:   after,
		Before:  before,
		Filter:  filter,
	})
	if err := c.tx.AddRecord([]byte(firstKey), after, merge.TombstoneFormat, data); err != nil {
		return err
	}
	c.metrics.RecordWritten(true)
	return nil
}

func (c *CreateTx) format(spec string) (rowformat.Format, error) {
	if f, ok := c.formats[spec]; ok {
		return f, nil
	}
	f, err := rowformat.Parse(spec)
	if err != nil {
		return rowformat.Format{}, err
	}
	c.formats[spec] = f
	return f, nil
}

// Commit flushes and atomically publishes the transaction under a
// monotonically increasing name in its directory. A transaction with no
// records is discarded rather than published.
func (c *CreateTx) Commit() error { return c.tx.Commit() }

// CommitTo is Commit but publishes at a caller-chosen path, overwriting
// whatever was there; unlike Commit, a transaction with no records is
// published as a zero-byte file. The compactor uses this to replace "main".
func (c *CreateTx) CommitTo(path string) error { return c.tx.CommitTo(path) }

// Rollback discards the transaction without publishing anything.
func (c *CreateTx) Rollback() error { return c.tx.Rollback() }
