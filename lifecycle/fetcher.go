package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
)

// RowSource is the server cursor behind a result set.
type RowSource interface {
	// Fetch returns up to max rows. done is set once the cursor has no more
	// rows; the rows returned with it are still valid.
	Fetch(ctx context.Context, max int) (rows []*row.Row, done bool, err error)
	Close(ctx context.Context) error
}

// SliceSource serves rows held in memory.
type SliceSource struct {
	rows   []*row.Row
	closed bool
}

// NewSliceSource returns a cursor over rows.
func NewSliceSource(rows ...*row.Row) *SliceSource {
	return &SliceSource{rows: rows}
}

// Fetch implements RowSource.
func (s *SliceSource) Fetch(ctx context.Context, max int) ([]*row.Row, bool, error) {
	if s.closed {
		return nil, true, sqlerr.ResourceClosed("cursor is closed")
	}
	n := max
	if n > len(s.rows) {
		n = len(s.rows)
	}
	out := s.rows[:n]
	s.rows = s.rows[n:]
	return out, len(s.rows) == 0, nil
}

// Close implements RowSource.
func (s *SliceSource) Close(ctx context.Context) error {
	s.closed = true
	s.rows = nil
	return nil
}

// Closed reports whether Close was called.
func (s *SliceSource) Closed() bool {
	return s.closed
}

// Fetcher pulls rows from a RowSource in batches and publishes one event per
// positioned row.
type Fetcher struct {
	id        uuid.UUID
	coord     *Coordinator
	source    RowSource
	fetchSize int

	buffered   []*row.Row
	exhausted  bool
	allFetched bool
	closed     bool
}

var _ listener.Source = (*Fetcher)(nil)

// ResourceID implements listener.Source.
func (f *Fetcher) ResourceID() uuid.UUID {
	return f.id
}

// Next positions on the next row. Once the cursor is exhausted it publishes
// FetcherAllRowsFetched, once, and returns false.
func (f *Fetcher) Next(ctx context.Context) (bool, error) {
	if f.closed {
		return false, sqlerr.ResourceClosed("fetcher is closed")
	}
	if len(f.buffered) == 0 && !f.exhausted {
		rows, done, err := f.source.Fetch(ctx, f.fetchSize)
		if err != nil {
			return false, sqlerr.IOFailure(err, "fetch rows")
		}
		f.buffered = rows
		f.exhausted = done || len(rows) == 0
	}
	events := &f.coord.fetcherEvents
	if len(f.buffered) > 0 {
		r := f.buffered[0]
		f.buffered = f.buffered[1:]
		return true, events.Publish(ctx, listener.FetcherEvent{Kind: listener.FetcherRowChanged, Fetcher: f, Row: r})
	}
	if !f.allFetched {
		f.allFetched = true
		return false, events.Publish(ctx, listener.FetcherEvent{Kind: listener.FetcherAllRowsFetched, Fetcher: f})
	}
	return false, nil
}

// Close closes the cursor and publishes FetcherClosed. It is idempotent.
func (f *Fetcher) Close(ctx context.Context) error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.buffered = nil
	var err error
	if cErr := f.source.Close(ctx); cErr != nil {
		err = sqlerr.IOFailure(cErr, "close cursor")
	}
	if pErr := f.coord.fetcherEvents.Publish(ctx, listener.FetcherEvent{Kind: listener.FetcherClosed, Fetcher: f}); pErr != nil {
		err = errors.CombineErrors(err, pErr)
	}
	return err
}
