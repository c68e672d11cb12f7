package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
)

// ResultSet is a forward-only cursor over the rows of a statement.
type ResultSet struct {
	id      uuid.UUID
	coord   *Coordinator
	columns []field.Descriptor
	store   *row.Store
	fields  []field.Field

	closed  bool
	closing bool
	// exhausted is set when the result set closed itself after its last row.
	exhausted bool
}

var _ listener.Source = (*ResultSet)(nil)

func (c *Coordinator) newResultSet(s *Statement, res ExecResult) *ResultSet {
	rs := &ResultSet{
		id:      uuid.New(),
		coord:   c,
		columns: res.Columns,
		store:   row.NewStore("result set", len(res.Columns)),
	}
	rs.fields = c.newFields(s.id, res.Columns, rs.store)
	f := &Fetcher{
		id:        uuid.New(),
		coord:     c,
		source:    res.Cursor,
		fetchSize: c.fetchSize,
	}
	c.bindResult(s, rs, f)
	return rs
}

// ResourceID implements listener.Source.
func (rs *ResultSet) ResourceID() uuid.UUID {
	return rs.id
}

// Columns returns the column descriptors.
func (rs *ResultSet) Columns() []field.Descriptor {
	return rs.columns
}

// Field returns the field of column i of the current row.
func (rs *ResultSet) Field(i int) field.Field {
	return rs.fields[i]
}

// Closed reports whether the result set is closed.
func (rs *ResultSet) Closed() bool {
	return rs.closed
}

// Row returns the current raw row.
func (rs *ResultSet) Row() (*row.Row, error) {
	return rs.store.Row()
}

func (rs *ResultSet) closeFields() {
	for _, f := range rs.fields {
		f.Close()
	}
}

// Next positions the result set on the next row. It returns false after the
// last row. In auto-commit mode the result set then closes itself and
// further calls keep returning false.
func (rs *ResultSet) Next(ctx context.Context) (bool, error) {
	if rs.closed {
		if rs.exhausted {
			return false, nil
		}
		return false, sqlerr.ResourceClosed("result set is closed")
	}
	rs.closeFields()
	f := rs.coord.fetcherOf(rs)
	if f == nil {
		return false, sqlerr.ResourceClosed("result set has no cursor")
	}
	ctx = jlog.WithTag(ctx, "rs", rs.id.String()[:8])
	return f.Next(ctx)
}

// Updater returns a row updater writing through w.
func (rs *ResultSet) Updater(w RowWriter) (*RowUpdater, error) {
	if rs.closed {
		return nil, sqlerr.ResourceClosed("result set is closed")
	}
	c := rs.coord
	s := c.statementOf(rs.id)
	if s == nil {
		return nil, sqlerr.ResourceClosed("statement is closed")
	}
	u := &RowUpdater{
		id:     uuid.New(),
		coord:  c,
		rs:     rs.id,
		writer: w,
		store:  row.NewStore("row updater", len(rs.columns)),
	}
	u.fields = c.newFields(s.id, rs.columns, u.store)
	c.updaters[u.id] = u
	c.resultOfUpdater[u.id] = rs.id
	return u, nil
}

// Close closes the cursor and invalidates the current row. Closing a closed
// result set is a no-op.
func (rs *ResultSet) Close(ctx context.Context) error {
	if rs.closed || rs.closing {
		return nil
	}
	rs.closing = true
	defer func() { rs.closing = false }()
	ctx = jlog.WithTag(ctx, "rs", rs.id.String()[:8])

	c := rs.coord
	rs.closeFields()
	for _, u := range c.updatersOf(rs.id) {
		u.Close()
	}
	var err error
	if f := c.fetcherOf(rs); f != nil {
		err = f.Close(ctx)
	}
	rs.store.Invalidate()
	rs.closed = true
	if pErr := c.resultSetEvents.Publish(ctx, listener.ResultSetEvent{Kind: listener.ResultSetClosed, Source: rs}); pErr != nil {
		err = errors.CombineErrors(err, pErr)
	}
	return err
}
