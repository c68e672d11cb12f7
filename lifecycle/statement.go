package lifecycle

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/txn"
)

// State is the coordination state of a statement.
type State int

const (
	Idle State = iota
	Executing
	CompletedSuccess
	CompletedFailure
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Executing:
		return "executing"
	case CompletedSuccess:
		return "completed"
	case CompletedFailure:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Result reports the outcome of a statement that produced no cursor.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// ExecResult is returned by an Executor.
type ExecResult struct {
	Result
	// Columns and Cursor are set for statements producing rows.
	Columns []field.Descriptor
	Cursor  RowSource
}

// Executor runs a statement on the server. params holds the wire value of
// every parameter; large-object parameters are already flushed.
type Executor interface {
	Execute(ctx context.Context, tx txn.ID, params *row.Row) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tx txn.ID, params *row.Row) (ExecResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, tx txn.ID, params *row.Row) (ExecResult, error) {
	return f(ctx, tx, params)
}

// Statement is an executable statement with parameter fields.
type Statement struct {
	id     uuid.UUID
	coord  *Coordinator
	exec   Executor
	params *row.Store
	fields []field.Field
	state  State

	closeOnCompletion bool
	// resetting is set while the statement closes its own result set, so
	// the close does not count as an implicit one.
	resetting bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ listener.Source = (*Statement)(nil)

// ResourceID implements listener.Source.
func (s *Statement) ResourceID() uuid.UUID {
	return s.id
}

// State returns the coordination state.
func (s *Statement) State() State {
	return s.state
}

// NumParams returns the number of parameters.
func (s *Statement) NumParams() int {
	return len(s.fields)
}

// Param returns the field of parameter i, counted from zero.
func (s *Statement) Param(i int) field.Field {
	return s.fields[i]
}

// ClearParameters resets every parameter to the unset state.
func (s *Statement) ClearParameters() error {
	if s.state == Closed {
		return sqlerr.ResourceClosed("statement is closed")
	}
	for _, f := range s.fields {
		f.Close()
	}
	s.params.Reset()
	return nil
}

// CloseOnCompletion makes the statement close itself when its result set is
// closed by a cascade or by the caller.
func (s *Statement) CloseOnCompletion() {
	s.closeOnCompletion = true
}

// IsCloseOnCompletion reports whether CloseOnCompletion was called.
func (s *Statement) IsCloseOnCompletion() bool {
	return s.closeOnCompletion
}

// ResultSet returns the current result set, or nil.
func (s *Statement) ResultSet() *ResultSet {
	return s.coord.resultOf(s)
}

func (s *Statement) logContext(ctx context.Context) context.Context {
	return jlog.WithTag(ctx, "stmt", s.id.String()[:8])
}

// Execute runs the statement. The transaction context is ensured, every
// buffered parameter is flushed once, then the executor runs. A statement
// producing rows stays executing until its result set is exhausted or
// closed; other statements complete before Execute returns.
func (s *Statement) Execute(ctx context.Context) (*ResultSet, Result, error) {
	if s.state == Closed {
		return nil, Result{}, sqlerr.ResourceClosed("statement is closed")
	}
	ctx = s.logContext(ctx)
	if err := s.reset(ctx); err != nil {
		return nil, Result{}, err
	}
	if s.state == Closed {
		return nil, Result{}, sqlerr.ResourceClosed("statement is closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	s.state = Executing
	c := s.coord
	if err := c.statementEvents.Publish(ctx, listener.StatementEvent{Kind: listener.StatementExecutionStarted, Statement: s}); err != nil {
		return s.fail(ctx, err)
	}
	tx, err := c.owner.EnsureActiveTransaction(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	if missing := s.params.Unassigned(); len(missing) > 0 {
		return s.fail(ctx, errors.Newf("parameter %d is not set", missing[0]+1))
	}
	for _, f := range s.fields {
		if err := f.Flush(ctx); err != nil {
			return s.fail(ctx, err)
		}
	}
	params, err := s.params.Row()
	if err != nil {
		return s.fail(ctx, err)
	}

	res, err := s.exec.Execute(ctx, tx, params)
	if err != nil {
		if ctx.Err() != nil {
			err = sqlerr.Cancelled(err)
		}
		return s.fail(ctx, err)
	}
	if res.Cursor == nil {
		if err := s.complete(ctx, true); err != nil {
			return nil, res.Result, err
		}
		return nil, res.Result, nil
	}
	return c.newResultSet(s, res), res.Result, nil
}

// reset closes the result set of a previous execution.
func (s *Statement) reset(ctx context.Context) error {
	rs := s.coord.resultOf(s)
	if rs == nil {
		return nil
	}
	s.resetting = true
	defer func() { s.resetting = false }()
	return rs.Close(ctx)
}

// fail completes the statement unsuccessfully and returns err.
func (s *Statement) fail(ctx context.Context, err error) (*ResultSet, Result, error) {
	if cErr := s.complete(context.WithoutCancel(ctx), false); cErr != nil {
		err = errors.CombineErrors(err, cErr)
	}
	return nil, Result{}, err
}

// complete moves an executing statement to a completed state. Completing a
// statement that is not executing is a no-op.
func (s *Statement) complete(ctx context.Context, success bool) error {
	if s.state != Executing {
		return nil
	}
	c := s.coord
	if success && c.inflight[s.id] > 0 {
		c.pending[s.id] = true
		jlog.FromContext(ctx).Debug("completion deferred until blob i/o finished")
		return nil
	}
	delete(c.pending, s.id)
	if success {
		s.state = CompletedSuccess
	} else {
		s.state = CompletedFailure
	}
	return c.statementEvents.Publish(ctx, listener.StatementEvent{Kind: listener.StatementCompleted, Statement: s, Success: success})
}

func (s *Statement) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Cancel aborts the execution in progress. It may be called from another
// goroutine; it does nothing when the statement is not executing.
func (s *Statement) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Close closes the result set first, then the statement. Closing a closed
// statement is a no-op.
func (s *Statement) Close(ctx context.Context) error {
	if s.state == Closed {
		return nil
	}
	ctx = s.logContext(ctx)
	err := s.reset(ctx)
	if s.state == Closed {
		return err
	}
	err = errors.CombineErrors(err, s.complete(ctx, true))
	for _, f := range s.fields {
		f.Close()
	}
	s.params.Invalidate()
	s.state = Closed
	err = errors.CombineErrors(err, s.coord.statementEvents.Publish(ctx, listener.StatementEvent{Kind: listener.StatementClosed, Statement: s}))
	s.coord.forgetStatement(s.id)
	return err
}
