// Package lifecycle binds statements, result sets, fetchers, row updaters and
// blobs together through the listener event bus.
//
// Resources never hold each other: each one knows its own identifier and the
// Coordinator of its connection, which keeps the binding graph and routes
// every close and completion event to the dependent resources:
//
//	fetcher closed            -> result set closed (unless the result set is closing it)
//	fetcher all rows fetched  -> result set all rows fetched (auto-commit only)
//	result set all rows fetched -> result set closed -> statement completed(true)
//	statement completed(false) -> pending row updates discarded, result set closed
//
// A statement completion is deferred while blob I/O started on behalf of the
// statement is still in flight.
package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/txn"
)

// DefaultFetchSize is the number of rows a fetcher asks for at once.
const DefaultFetchSize = 200

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFetchSize sets the fetch batch size. Non-positive values are ignored.
func WithFetchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.fetchSize = n
		}
	}
}

// WithFieldOptions sets options applied to every field the coordinator
// creates.
func WithFieldOptions(opts ...field.Option) Option {
	return func(c *Coordinator) {
		c.fieldOpts = append(c.fieldOpts, opts...)
	}
}

// WithListener subscribes l to every channel whose listener interface it
// implements. Such listeners are notified before the cascade rules run.
func WithListener(l interface{}) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, l)
	}
}

// Coordinator owns the binding graph of one connection.
type Coordinator struct {
	owner     txn.Owner
	transport lob.Transport
	fetchSize int
	fieldOpts []field.Option
	observers []interface{}

	fetcherEvents   listener.FetcherChannel
	resultSetEvents listener.ResultSetChannel
	statementEvents listener.StatementChannel
	blobEvents      listener.BlobChannel

	statements map[uuid.UUID]*Statement
	resultSets map[uuid.UUID]*ResultSet
	fetchers   map[uuid.UUID]*Fetcher
	updaters   map[uuid.UUID]*RowUpdater

	resultOfStatement map[uuid.UUID]uuid.UUID
	statementOfResult map[uuid.UUID]uuid.UUID
	fetcherOfResult   map[uuid.UUID]uuid.UUID
	resultOfFetcher   map[uuid.UUID]uuid.UUID
	resultOfUpdater   map[uuid.UUID]uuid.UUID

	// inflight counts blob operations per statement; pending marks
	// statements whose successful completion waits for them.
	inflight map[uuid.UUID]int
	pending  map[uuid.UUID]bool
}

// NewCoordinator returns a coordinator for a connection whose transaction
// context is owner. When owner also listens to statement or blob events, as
// txn.Manager does, it is subscribed to the matching channel before the
// coordinator's own routing.
func NewCoordinator(owner txn.Owner, transport lob.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		owner:             owner,
		transport:         transport,
		fetchSize:         DefaultFetchSize,
		statements:        map[uuid.UUID]*Statement{},
		resultSets:        map[uuid.UUID]*ResultSet{},
		fetchers:          map[uuid.UUID]*Fetcher{},
		updaters:          map[uuid.UUID]*RowUpdater{},
		resultOfStatement: map[uuid.UUID]uuid.UUID{},
		statementOfResult: map[uuid.UUID]uuid.UUID{},
		fetcherOfResult:   map[uuid.UUID]uuid.UUID{},
		resultOfFetcher:   map[uuid.UUID]uuid.UUID{},
		resultOfUpdater:   map[uuid.UUID]uuid.UUID{},
		inflight:          map[uuid.UUID]int{},
		pending:           map[uuid.UUID]bool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if l, ok := owner.(listener.StatementListener); ok {
		c.statementEvents.Subscribe(l)
	}
	if l, ok := owner.(listener.BlobListener); ok {
		c.blobEvents.Subscribe(l)
	}
	for _, o := range c.observers {
		c.subscribe(o)
	}
	r := router{c: c}
	c.fetcherEvents.Subscribe(r)
	c.resultSetEvents.Subscribe(r)
	c.statementEvents.Subscribe(r)
	return c
}

func (c *Coordinator) subscribe(l interface{}) {
	if fl, ok := l.(listener.FetcherListener); ok {
		c.fetcherEvents.Subscribe(fl)
	}
	if rl, ok := l.(listener.ResultSetListener); ok {
		c.resultSetEvents.Subscribe(rl)
	}
	if sl, ok := l.(listener.StatementListener); ok {
		c.statementEvents.Subscribe(sl)
	}
	if bl, ok := l.(listener.BlobListener); ok {
		c.blobEvents.Subscribe(bl)
	}
}

// Owner returns the transaction context of the connection.
func (c *Coordinator) Owner() txn.Owner {
	return c.owner
}

// FetcherEvents returns the fetcher channel.
func (c *Coordinator) FetcherEvents() *listener.FetcherChannel { return &c.fetcherEvents }

// ResultSetEvents returns the result set channel.
func (c *Coordinator) ResultSetEvents() *listener.ResultSetChannel { return &c.resultSetEvents }

// StatementEvents returns the statement channel.
func (c *Coordinator) StatementEvents() *listener.StatementChannel { return &c.statementEvents }

// BlobEvents returns the blob channel. Every blob opened by a field of the
// coordinator publishes on it.
func (c *Coordinator) BlobEvents() *listener.BlobChannel { return &c.blobEvents }

// NewStatement returns an idle statement with one parameter field per
// descriptor.
func (c *Coordinator) NewStatement(exec Executor, params []field.Descriptor) *Statement {
	s := &Statement{
		id:     uuid.New(),
		coord:  c,
		exec:   exec,
		params: row.NewStore("parameters", len(params)),
	}
	s.fields = c.newFields(s.id, params, s.params)
	c.statements[s.id] = s
	return s
}

func (c *Coordinator) newFields(stmt uuid.UUID, descs []field.Descriptor, store *row.Store) []field.Field {
	opts := append([]field.Option{}, c.fieldOpts...)
	opts = append(opts, field.WithBlobOptions(lob.WithListener(blobTracker{c: c, stmt: stmt})))
	fields := make([]field.Field, len(descs))
	for i, d := range descs {
		fields[i] = field.New(d, store.Slot(i), c.owner, c.transport, opts...)
	}
	return fields
}

// Statements returns the number of open statements.
func (c *Coordinator) Statements() int {
	return len(c.statements)
}

// Close closes every open statement. Errors are combined.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	for _, s := range c.statements {
		if cErr := s.Close(ctx); cErr != nil {
			err = errors.CombineErrors(err, cErr)
		}
	}
	return err
}

func (c *Coordinator) bindResult(s *Statement, rs *ResultSet, f *Fetcher) {
	c.resultSets[rs.id] = rs
	c.fetchers[f.id] = f
	c.resultOfStatement[s.id] = rs.id
	c.statementOfResult[rs.id] = s.id
	c.fetcherOfResult[rs.id] = f.id
	c.resultOfFetcher[f.id] = rs.id
}

func (c *Coordinator) unbindResult(rsID uuid.UUID) {
	stmtID := c.statementOfResult[rsID]
	if c.resultOfStatement[stmtID] == rsID {
		delete(c.resultOfStatement, stmtID)
	}
	fID := c.fetcherOfResult[rsID]
	delete(c.resultOfFetcher, fID)
	delete(c.fetchers, fID)
	delete(c.fetcherOfResult, rsID)
	delete(c.statementOfResult, rsID)
	delete(c.resultSets, rsID)
}

func (c *Coordinator) resultOf(s *Statement) *ResultSet {
	id, ok := c.resultOfStatement[s.id]
	if !ok {
		return nil
	}
	return c.resultSets[id]
}

func (c *Coordinator) fetcherOf(rs *ResultSet) *Fetcher {
	return c.fetchers[c.fetcherOfResult[rs.id]]
}

func (c *Coordinator) statementOf(rsID uuid.UUID) *Statement {
	id, ok := c.statementOfResult[rsID]
	if !ok {
		return nil
	}
	return c.statements[id]
}

func (c *Coordinator) updatersOf(rsID uuid.UUID) []*RowUpdater {
	var out []*RowUpdater
	for uID, r := range c.resultOfUpdater {
		if r == rsID {
			out = append(out, c.updaters[uID])
		}
	}
	return out
}

func (c *Coordinator) forgetStatement(id uuid.UUID) {
	delete(c.statements, id)
	delete(c.inflight, id)
	delete(c.pending, id)
}

// router applies the cascade rules. It is subscribed to the fetcher, result
// set and statement channels.
type router struct {
	c *Coordinator
}

var (
	_ listener.FetcherListener   = router{}
	_ listener.ResultSetListener = router{}
	_ listener.StatementListener = router{}
)

func (r router) FetcherClosed(ctx context.Context, fetcher listener.Source) error {
	rs := r.c.resultSets[r.c.resultOfFetcher[fetcher.ResourceID()]]
	if rs == nil || rs.closing || rs.closed {
		return nil
	}
	jlog.FromContext(ctx).Debug("fetcher closed the result set")
	return rs.Close(ctx)
}

func (r router) FetcherAllRowsFetched(ctx context.Context, fetcher listener.Source) error {
	rs := r.c.resultSets[r.c.resultOfFetcher[fetcher.ResourceID()]]
	if rs == nil || r.c.owner.Mode() != txn.AutoCommit {
		return nil
	}
	return r.c.resultSetEvents.Publish(ctx, listener.ResultSetEvent{Kind: listener.ResultSetAllRowsFetched, Source: rs})
}

func (r router) FetcherRowChanged(ctx context.Context, fetcher listener.Source, newRow *row.Row) error {
	rs := r.c.resultSets[r.c.resultOfFetcher[fetcher.ResourceID()]]
	if rs == nil {
		return nil
	}
	return rs.store.Replace(newRow)
}

func (r router) ResultSetAllRowsFetched(ctx context.Context, source listener.Source) error {
	rs := r.c.resultSets[source.ResourceID()]
	if rs == nil || rs.closed {
		return nil
	}
	// Forward-only result sets close themselves after the last row in
	// auto-commit mode.
	rs.exhausted = true
	jlog.FromContext(ctx).Debug("all rows fetched, closing result set")
	return rs.Close(ctx)
}

func (r router) ResultSetClosed(ctx context.Context, source listener.Source) error {
	s := r.c.statementOf(source.ResourceID())
	r.c.unbindResult(source.ResourceID())
	if s == nil || s.state == Closed {
		return nil
	}
	err := s.complete(ctx, true)
	if s.closeOnCompletion && !s.resetting {
		jlog.FromContext(ctx).Debug("closing statement on completion")
		err = errors.CombineErrors(err, s.Close(ctx))
	}
	return err
}

func (r router) RowUpdateStarted(ctx context.Context, updater listener.Source) error {
	return nil
}

func (r router) RowUpdateCompleted(ctx context.Context, updater listener.Source, success bool) error {
	jlog.FromContext(ctx).WithField("success", success).Debug("row update completed")
	return nil
}

func (r router) StatementExecutionStarted(ctx context.Context, stmt listener.Source) error {
	return nil
}

func (r router) StatementClosed(ctx context.Context, stmt listener.Source) error {
	return nil
}

func (r router) StatementCompleted(ctx context.Context, stmt listener.Source, success bool) error {
	if success {
		return nil
	}
	s := r.c.statements[stmt.ResourceID()]
	if s == nil {
		return nil
	}
	rs := r.c.resultOf(s)
	if rs == nil {
		return nil
	}
	for _, u := range r.c.updatersOf(rs.id) {
		u.discard()
	}
	return rs.Close(ctx)
}

// blobTracker counts the blob operations of one statement and forwards the
// events to the blob channel.
type blobTracker struct {
	c    *Coordinator
	stmt uuid.UUID
}

func (t blobTracker) BlobExecutionStarted(ctx context.Context, blob listener.Source) error {
	t.c.inflight[t.stmt]++
	return t.c.blobEvents.Publish(ctx, listener.BlobEvent{Kind: listener.BlobExecutionStarted, Blob: blob})
}

func (t blobTracker) BlobExecutionCompleted(ctx context.Context, blob listener.Source) error {
	err := t.c.blobEvents.Publish(ctx, listener.BlobEvent{Kind: listener.BlobExecutionCompleted, Blob: blob})
	if t.c.inflight[t.stmt] > 0 {
		t.c.inflight[t.stmt]--
	}
	if t.c.inflight[t.stmt] > 0 || !t.c.pending[t.stmt] {
		return err
	}
	delete(t.c.pending, t.stmt)
	if s := t.c.statements[t.stmt]; s != nil {
		err = errors.CombineErrors(err, s.complete(ctx, true))
	}
	return err
}
