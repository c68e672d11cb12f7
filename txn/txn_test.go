package txn

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laurentperez/jaybird/sqlerr"
)

type fakeStarter struct {
	next    int
	calls   []string
	failure error
}

func (s *fakeStarter) Begin(ctx context.Context) (ID, error) {
	if s.failure != nil {
		return "", s.failure
	}
	s.next++
	id := ID(fmt.Sprintf("tx%d", s.next))
	s.calls = append(s.calls, "begin "+string(id))
	return id, nil
}

func (s *fakeStarter) Commit(ctx context.Context, tx ID) error {
	s.calls = append(s.calls, "commit "+string(tx))
	return nil
}

func (s *fakeStarter) Rollback(ctx context.Context, tx ID) error {
	s.calls = append(s.calls, "rollback "+string(tx))
	return nil
}

type source uuid.UUID

func (s source) ResourceID() uuid.UUID { return uuid.UUID(s) }

func newSource() source { return source(uuid.New()) }

func TestAutoCommitStatementCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s)
	stmt := newSource()

	require.NoError(t, m.StatementExecutionStarted(ctx, stmt))
	tx, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, ID("tx1"), tx)
	assert.Equal(t, 1, m.Running())

	require.NoError(t, m.StatementCompleted(ctx, stmt, true))
	_, ok = m.Active()
	assert.False(t, ok)
	assert.Equal(t, []string{"begin tx1", "commit tx1"}, s.calls)
}

func TestAutoCommitStatementRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s)
	stmt := newSource()

	require.NoError(t, m.StatementExecutionStarted(ctx, stmt))
	require.NoError(t, m.StatementCompleted(ctx, stmt, false))
	// A second completion is ignored.
	require.NoError(t, m.StatementCompleted(ctx, stmt, true))
	assert.Equal(t, []string{"begin tx1", "rollback tx1"}, s.calls)
}

func TestAutoCommitWaitsForEveryStatement(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s)
	a, b := newSource(), newSource()

	require.NoError(t, m.StatementExecutionStarted(ctx, a))
	require.NoError(t, m.StatementExecutionStarted(ctx, b))
	require.NoError(t, m.StatementCompleted(ctx, a, true))
	_, ok := m.Active()
	assert.True(t, ok, "b is still running")

	require.NoError(t, m.StatementClosed(ctx, b))
	assert.Equal(t, []string{"begin tx1", "commit tx1"}, s.calls)
}

func TestAutoCommitWaitsForBlobs(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s)
	stmt, blob := newSource(), newSource()

	require.NoError(t, m.StatementExecutionStarted(ctx, stmt))
	require.NoError(t, m.BlobExecutionStarted(ctx, blob))
	require.NoError(t, m.StatementCompleted(ctx, stmt, true))
	_, ok := m.Active()
	assert.True(t, ok, "blob i/o is in flight")

	require.NoError(t, m.BlobExecutionCompleted(ctx, blob))
	assert.Equal(t, []string{"begin tx1", "commit tx1"}, s.calls)
}

func TestBlobOutsideStatementRunsInOwnTransaction(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s)
	blob := newSource()

	require.NoError(t, m.BlobExecutionStarted(ctx, blob))
	require.NoError(t, m.BlobExecutionCompleted(ctx, blob))
	assert.Equal(t, []string{"begin tx1", "commit tx1"}, s.calls)
}

func TestExplicitModeKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s)
	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, Explicit, m.Mode())

	stmt := newSource()
	require.NoError(t, m.StatementExecutionStarted(ctx, stmt))
	require.NoError(t, m.StatementCompleted(ctx, stmt, true))
	got, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, tx, got)

	_, err = m.Begin(ctx)
	assert.Error(t, err, "nested begin")

	require.NoError(t, m.Commit(ctx))
	require.NoError(t, m.Commit(ctx))
	assert.Equal(t, []string{"begin tx1", "commit tx1"}, s.calls)
}

func TestSetAutoCommitCommitsCurrent(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s, WithMode(Explicit))
	_, err := m.EnsureActiveTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, m.SetAutoCommit(ctx, false))
	require.NoError(t, m.SetAutoCommit(ctx, true))
	assert.Equal(t, AutoCommit, m.Mode())
	assert.Equal(t, []string{"begin tx1", "commit tx1"}, s.calls)
}

func TestBeginFailureIsIOFailure(t *testing.T) {
	s := &fakeStarter{failure: errors.New("host unreachable")}
	m := NewManager(s)
	_, err := m.EnsureActiveTransaction(context.Background())
	require.Error(t, err)
	assert.True(t, sqlerr.IsIOFailure(err))
}

func TestBeginWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewManager(&fakeStarter{})
	_, err := m.EnsureActiveTransaction(ctx)
	assert.True(t, sqlerr.IsCancelled(err))
}

func TestCloseRollsBackAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s, WithMode(Explicit))
	_, err := m.EnsureActiveTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, []string{"begin tx1", "rollback tx1"}, s.calls)

	_, err = m.EnsureActiveTransaction(ctx)
	assert.True(t, sqlerr.IsResourceClosed(err))
}

func TestAdoptedTransaction(t *testing.T) {
	ctx := context.Background()
	s := &fakeStarter{}
	m := NewManager(s, WithTransaction("host-tx"))
	assert.Equal(t, Explicit, m.Mode())

	tx, err := m.EnsureActiveTransaction(ctx)
	require.NoError(t, err)
	assert.Equal(t, ID("host-tx"), tx)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, s.calls, "adopted transactions are not ended by the manager")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "auto-commit", AutoCommit.String())
	assert.Equal(t, "explicit", Explicit.String())
}
