package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/txn"
)

// UpdateOp is a row modification.
type UpdateOp int

const (
	OpUpdate UpdateOp = iota
	OpInsert
	OpDelete
)

func (op UpdateOp) String() string {
	switch op {
	case OpUpdate:
		return "update"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// RowWriter applies row modifications on the server. current is the row the
// result set is positioned on, nil for inserts; values holds the assigned
// columns, unset slots were not assigned.
type RowWriter interface {
	WriteRow(ctx context.Context, tx txn.ID, op UpdateOp, current, values *row.Row) error
}

// RowUpdater modifies the rows of a result set.
type RowUpdater struct {
	id     uuid.UUID
	coord  *Coordinator
	rs     uuid.UUID
	writer RowWriter
	store  *row.Store
	fields []field.Field
	closed bool
}

var _ listener.Source = (*RowUpdater)(nil)

// ResourceID implements listener.Source.
func (u *RowUpdater) ResourceID() uuid.UUID {
	return u.id
}

// Field returns the field of column i of the new values.
func (u *RowUpdater) Field(i int) field.Field {
	return u.fields[i]
}

// Update writes the assigned columns into the current row.
func (u *RowUpdater) Update(ctx context.Context) error {
	return u.run(ctx, OpUpdate)
}

// Insert inserts a row made of the assigned columns.
func (u *RowUpdater) Insert(ctx context.Context) error {
	return u.run(ctx, OpInsert)
}

// Delete deletes the current row.
func (u *RowUpdater) Delete(ctx context.Context) error {
	return u.run(ctx, OpDelete)
}

func (u *RowUpdater) run(ctx context.Context, op UpdateOp) error {
	if u.closed {
		return sqlerr.ResourceClosed("row updater is closed")
	}
	c := u.coord
	rs := c.resultSets[u.rs]
	if rs == nil {
		return sqlerr.ResourceClosed("result set is closed")
	}
	if err := c.resultSetEvents.Publish(ctx, listener.ResultSetEvent{Kind: listener.RowUpdateStarted, Source: u}); err != nil {
		return err
	}
	err := u.write(ctx, op, rs)
	completed := listener.ResultSetEvent{Kind: listener.RowUpdateCompleted, Source: u, Success: err == nil}
	if pErr := c.resultSetEvents.Publish(ctx, completed); pErr != nil {
		err = errors.CombineErrors(err, pErr)
	}
	if err == nil {
		u.discard()
	}
	return err
}

func (u *RowUpdater) write(ctx context.Context, op UpdateOp, rs *ResultSet) error {
	tx, err := u.coord.owner.EnsureActiveTransaction(ctx)
	if err != nil {
		return err
	}
	var current *row.Row
	if op != OpInsert {
		r, err := rs.store.Row()
		if err != nil {
			return err
		}
		current = r.Copy()
	}
	if op != OpDelete {
		for _, f := range u.fields {
			if err := f.Flush(ctx); err != nil {
				return err
			}
		}
	}
	values, err := u.store.Row()
	if err != nil {
		return err
	}
	return u.writer.WriteRow(ctx, tx, op, current, values)
}

// discard drops the assigned values and any buffered bytes.
func (u *RowUpdater) discard() {
	for _, f := range u.fields {
		f.Close()
	}
	u.store.Reset()
}

// Close releases the updater. It is idempotent.
func (u *RowUpdater) Close() {
	if u.closed {
		return
	}
	u.discard()
	u.store.Invalidate()
	u.closed = true
	delete(u.coord.updaters, u.id)
	delete(u.coord.resultOfUpdater, u.id)
}
