// Package txn owns the transaction context of a connection.
//
// A Manager tracks the auto-commit flag and the current server transaction.
// In auto-commit mode it starts an implicit transaction when the first
// statement or blob operation needs one and ends it once nothing is running
// any more; in explicit mode transactions end only on Commit or Rollback.
package txn

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/sqlerr"
)

// Mode is the transaction mode of a connection.
type Mode int

const (
	// AutoCommit runs every statement in its own implicit transaction.
	AutoCommit Mode = iota
	// Explicit keeps one transaction open until the caller ends it.
	Explicit
)

func (m Mode) String() string {
	switch m {
	case AutoCommit:
		return "auto-commit"
	case Explicit:
		return "explicit"
	}
	return "unknown"
}

// ID identifies a server transaction.
type ID string

// Owner is the transaction context consumed by fields and blobs.
type Owner interface {
	// Mode returns the current transaction mode.
	Mode() Mode
	// EnsureActiveTransaction returns the current transaction, starting one
	// when none is active.
	EnsureActiveTransaction(ctx context.Context) (ID, error)
	// Active returns the current transaction without starting one.
	Active() (ID, bool)
}

// Starter talks to the server.
type Starter interface {
	Begin(ctx context.Context) (ID, error)
	Commit(ctx context.Context, tx ID) error
	Rollback(ctx context.Context, tx ID) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithMode sets the initial mode. The default is AutoCommit.
func WithMode(mode Mode) Option {
	return func(m *Manager) {
		m.mode = mode
	}
}

// WithTransaction adopts a transaction that was started elsewhere, such as
// one issued by the host and passed in the connection string. The manager
// switches to explicit mode and never ends it implicitly.
func WithTransaction(tx ID) Option {
	return func(m *Manager) {
		if tx == "" {
			return
		}
		m.mode = Explicit
		m.current = tx
		m.active = true
		m.adopted = true
	}
}

// Manager is the concrete Owner of one connection. It subscribes to
// statement and blob events to drive implicit transactions.
type Manager struct {
	mu      sync.Mutex
	starter Starter
	mode    Mode
	current ID
	active  bool
	// implicit is set for transactions started on behalf of auto-commit.
	implicit bool
	// adopted transactions belong to the caller of WithTransaction.
	adopted bool
	failed  bool
	running map[uuid.UUID]struct{}
	blobs   int
	closed  bool
}

var (
	_ Owner                      = (*Manager)(nil)
	_ listener.StatementListener = (*Manager)(nil)
	_ listener.BlobListener      = (*Manager)(nil)
)

// NewManager returns a manager starting transactions through starter.
func NewManager(starter Starter, opts ...Option) *Manager {
	m := &Manager{
		starter: starter,
		running: map[uuid.UUID]struct{}{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode implements Owner.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Active implements Owner.
func (m *Manager) Active() (ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.active
}

// EnsureActiveTransaction implements Owner.
func (m *Manager) EnsureActiveTransaction(ctx context.Context) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *Manager) ensureLocked(ctx context.Context) (ID, error) {
	if m.closed {
		return "", sqlerr.ResourceClosed("connection is closed")
	}
	if m.active {
		return m.current, nil
	}
	if err := sqlerr.FromContext(ctx); err != nil {
		return "", err
	}
	tx, err := m.starter.Begin(ctx)
	if err != nil {
		return "", sqlerr.IOFailure(err, "begin transaction")
	}
	m.current = tx
	m.active = true
	m.implicit = m.mode == AutoCommit
	m.failed = false
	jlog.FromContext(ctx).WithField("tx", tx).WithField("implicit", m.implicit).Info("transaction started")
	return tx, nil
}

// endLocked commits or rolls back the current transaction.
func (m *Manager) endLocked(ctx context.Context, commit bool) error {
	if !m.active {
		return nil
	}
	tx := m.current
	m.current = ""
	m.active = false
	m.implicit = false
	m.adopted = false
	m.failed = false
	m.blobs = 0
	log := jlog.FromContext(ctx).WithField("tx", tx)
	if commit {
		if err := m.starter.Commit(ctx, tx); err != nil {
			return sqlerr.IOFailure(err, "commit transaction %s", tx)
		}
		log.Info("transaction committed")
		return nil
	}
	if err := m.starter.Rollback(ctx, tx); err != nil {
		return sqlerr.IOFailure(err, "roll back transaction %s", tx)
	}
	log.Info("transaction rolled back")
	return nil
}

// Begin switches to explicit mode and starts a transaction. It fails when
// an explicit transaction is already open.
func (m *Manager) Begin(ctx context.Context) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == Explicit && m.active {
		return "", errors.Newf("transaction %s is already active", m.current)
	}
	if m.active {
		// Finish the implicit transaction of auto-commit statements first.
		if err := m.endLocked(ctx, !m.failed); err != nil {
			return "", err
		}
	}
	m.mode = Explicit
	return m.ensureLocked(ctx)
}

// Commit commits the current transaction. It is a no-op when none is active.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(ctx, true)
}

// Rollback rolls the current transaction back. It is a no-op when none is
// active.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(ctx, false)
}

// SetAutoCommit changes the mode. Switching modes commits the current
// transaction, as a JDBC connection does.
func (m *Manager) SetAutoCommit(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode := Explicit
	if on {
		mode = AutoCommit
	}
	if mode == m.mode {
		return nil
	}
	err := m.endLocked(ctx, true)
	m.mode = mode
	return err
}

// Close rolls back any open transaction. Adopted transactions are left to
// their owner. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	var err error
	if !m.adopted {
		err = m.endLocked(ctx, false)
	}
	m.closed = true
	m.active = false
	return err
}

// Running returns the number of statements currently executing.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// maybeAutoCommitLocked ends the implicit transaction when nothing runs in it.
func (m *Manager) maybeAutoCommitLocked(ctx context.Context) error {
	if m.mode != AutoCommit || !m.implicit || len(m.running) > 0 || m.blobs > 0 {
		return nil
	}
	return m.endLocked(ctx, !m.failed)
}

// StatementExecutionStarted implements listener.StatementListener.
func (m *Manager) StatementExecutionStarted(ctx context.Context, stmt listener.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ensureLocked(ctx); err != nil {
		return err
	}
	m.running[stmt.ResourceID()] = struct{}{}
	return nil
}

// StatementCompleted implements listener.StatementListener.
func (m *Manager) StatementCompleted(ctx context.Context, stmt listener.Source, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[stmt.ResourceID()]; !ok {
		return nil
	}
	delete(m.running, stmt.ResourceID())
	if !success && m.implicit {
		m.failed = true
	}
	return m.maybeAutoCommitLocked(ctx)
}

// StatementClosed implements listener.StatementListener.
func (m *Manager) StatementClosed(ctx context.Context, stmt listener.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[stmt.ResourceID()]; !ok {
		return nil
	}
	delete(m.running, stmt.ResourceID())
	return m.maybeAutoCommitLocked(ctx)
}

// BlobExecutionStarted implements listener.BlobListener.
func (m *Manager) BlobExecutionStarted(ctx context.Context, blob listener.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ensureLocked(ctx); err != nil {
		return err
	}
	m.blobs++
	return nil
}

// BlobExecutionCompleted implements listener.BlobListener.
func (m *Manager) BlobExecutionCompleted(ctx context.Context, blob listener.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs > 0 {
		m.blobs--
	}
	return m.maybeAutoCommitLocked(ctx)
}
