package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/lifecycle"
	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/sqlproxy/types"
	"github.com/laurentperez/jaybird/txn"
)

// CallHost is the function used by connections opened through sql.Open to
// reach the host. It must be set before any database operation.
var CallHost HostFunc

// SetHostHandler sets CallHost.
func SetHostHandler(handler HostFunc) {
	CallHost = handler
}

const driverName = "jaybird"

func init() {
	sql.Register(driverName, &Driver{})
}

// --- Driver implementation ---

// Driver is the SQL driver for the proxy.
type Driver struct{}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.DriverContext = (*Driver)(nil)
)

// Open returns a new connection to the database. name is a DSN parsed by
// ParseConfig.
func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	cfg, err := ParseConfig(name)
	if err != nil {
		return nil, err
	}
	return &Connector{cfg: cfg, driver: d}, nil
}

// Connector opens connections with a fixed configuration.
type Connector struct {
	cfg    Config
	call   HostFunc
	driver driver.Driver
}

// NewConnector returns a connector reaching the host through call, for use
// with sql.OpenDB. A nil call uses CallHost.
func NewConnector(cfg Config, call HostFunc) *Connector {
	return &Connector{cfg: cfg, call: call, driver: &Driver{}}
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	call := c.call
	if call == nil {
		call = CallHost
	}
	if call == nil {
		return nil, errors.New("jaybird: CallHost function is not set")
	}
	return newConn(c.cfg, call), nil
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return c.driver
}

// --- Connection implementation ---

// Conn implements the driver.Conn interface on top of a lifecycle
// coordinator. In auto-commit mode every statement runs in an implicit
// transaction that ends when the statement completes.
type Conn struct {
	cfg     Config
	proxy   *proxy
	manager *txn.Manager
	coord   *lifecycle.Coordinator
	closed  bool
}

var (
	_ driver.Conn               = (*Conn)(nil)
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.ConnBeginTx        = (*Conn)(nil)
	_ driver.NamedValueChecker  = (*Conn)(nil)
	_ driver.Validator          = (*Conn)(nil)
)

func newConn(cfg Config, call HostFunc) *Conn {
	p := &proxy{call: call, session: uuid.NewString()}
	var opts []txn.Option
	if cfg.Tx != "" {
		opts = append(opts, txn.WithTransaction(txn.ID(cfg.Tx)))
	}
	m := txn.NewManager(p, opts...)
	coord := lifecycle.NewCoordinator(m, p,
		lifecycle.WithFetchSize(cfg.FetchSize),
		lifecycle.WithFieldOptions(
			field.WithMaxBuffer(cfg.BufferLimit),
			field.WithBlobOptions(lob.WithChunkSize(cfg.ChunkSize)),
		),
	)
	return &Conn{cfg: cfg, proxy: p, manager: m, coord: coord}
}

func (c *Conn) logContext(ctx context.Context) context.Context {
	return jlog.WithTag(ctx, "conn", c.proxy.session[:8])
}

// Prepare returns a prepared statement, suitable for query or execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext implements driver.ConnPrepareContext.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if c.closed {
		return nil, driver.ErrBadConn
	}
	req := types.SQLRequest{Command: types.CmdPrepare, SQL: query}
	if tx, ok := c.manager.Active(); ok {
		req.TxID = string(tx)
	}
	var resp generalResponse
	if err := c.proxy.do(c.logContext(ctx), req, &resp); err != nil {
		return nil, err
	}
	if resp.StmtID == "" {
		return nil, errors.New("jaybird: host did not return a StmtID for prepare")
	}
	return &Stmt{conn: c, query: query, stmtID: resp.StmtID}, nil
}

// Close rolls back the connection's transaction and releases its statements.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	ctx := c.logContext(context.Background())
	err := c.coord.Close(ctx)
	err = errors.CombineErrors(err, c.manager.Close(ctx))
	return errors.CombineErrors(err, c.proxy.do(ctx, types.SQLRequest{Command: types.CmdCloseConn}, &generalResponse{}))
}

// IsValid implements driver.Validator.
func (c *Conn) IsValid() bool {
	return !c.closed
}

// CheckNamedValue implements driver.NamedValueChecker so large objects reach
// the statement unconverted.
func (c *Conn) CheckNamedValue(nv *driver.NamedValue) error {
	v, err := checkValue(nv.Value)
	if err != nil {
		return err
	}
	nv.Value = v
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. A connection opened with a host
// transaction token joins that transaction; ending it is left to the host.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.closed {
		return nil, driver.ErrBadConn
	}
	if opts.ReadOnly {
		return nil, errors.New("jaybird: read-only transactions are not supported")
	}
	if c.cfg.Tx != "" {
		return &Tx{conn: c, hosted: true}, nil
	}
	if _, err := c.manager.Begin(c.logContext(ctx)); err != nil {
		return nil, err
	}
	return &Tx{conn: c}, nil
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface. Arguments bind to the fields of
// a lifecycle statement, so large objects follow the deferred write policy
// of the connection.
type Stmt struct {
	conn   *Conn
	query  string // Original query, mainly for context/debugging
	stmtID string // Host-provided statement ID

	stmt     *lifecycle.Statement
	descs    []field.Descriptor
	kinds    []string
	wantRows bool
	// columns of the last query, as reported by the host.
	columns []types.Column
}

var (
	_ driver.Stmt             = (*Stmt)(nil)
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
	_ lifecycle.Executor      = (*Stmt)(nil)
)

// Close closes the statement.
func (s *Stmt) Close() error {
	if s.stmtID == "" {
		return nil
	}
	ctx := s.conn.logContext(context.Background())
	var err error
	if s.stmt != nil {
		err = s.stmt.Close(ctx)
		s.stmt = nil
	}
	err = errors.CombineErrors(err, s.conn.proxy.do(ctx, types.SQLRequest{Command: types.CmdCloseStmt, StmtID: s.stmtID}, &generalResponse{}))
	s.stmtID = "" // Mark as closed
	return err
}

// NumInput returns -1: the host does not report placeholder counts.
func (s *Stmt) NumInput() int {
	return -1
}

// bind assigns args to the parameter fields, creating a new lifecycle
// statement when the parameter shape changed.
func (s *Stmt) bind(ctx context.Context, args []driver.NamedValue) error {
	if s.stmtID == "" {
		return sqlerr.ResourceClosed("statement is closed")
	}
	descs := make([]field.Descriptor, len(args))
	kinds := make([]string, len(args))
	for i, a := range args {
		descs[i], kinds[i] = describe(i, a.Value, s.conn.cfg.Charset)
	}
	if s.stmt == nil || !sameShape(s.descs, descs) {
		if s.stmt != nil {
			if err := s.stmt.Close(ctx); err != nil {
				return err
			}
		}
		s.stmt = s.conn.coord.NewStatement(s, descs)
		s.descs = descs
	}
	s.kinds = kinds
	for i, a := range args {
		if err := setParam(ctx, s.stmt.Param(i), a.Value); err != nil {
			return errors.Wrapf(err, "jaybird: bind parameter %d", i+1)
		}
	}
	return nil
}

func sameShape(a, b []field.Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func setParam(ctx context.Context, f field.Field, v driver.Value) error {
	switch v := v.(type) {
	case nil:
		return f.SetNull()
	case []byte:
		return f.SetBytes(ctx, v)
	case LargeObject:
		if v.Reader == nil {
			return f.SetNull()
		}
		if !v.Text {
			return f.SetStream(ctx, v.Reader, v.Length)
		}
		// Text is encoded with the column charset, so it is read whole.
		if v.Length < 0 {
			return sqlerr.Conversion(nil, "negative text length %d", v.Length)
		}
		data := make([]byte, v.Length)
		if _, err := io.ReadFull(v.Reader, data); err != nil {
			return sqlerr.IOFailure(err, "read text argument")
		}
		return f.SetString(ctx, string(data))
	}
	return f.SetString(ctx, textOf(v))
}

// Exec executes a prepared statement with the given arguments and returns a Result.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), named(args))
}

// Query executes a prepared statement with the given arguments and returns Rows.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), named(args))
}

func named(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

// ExecContext implements driver.StmtExecContext.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	ctx = s.conn.logContext(ctx)
	if err := s.bind(ctx, args); err != nil {
		return nil, err
	}
	s.wantRows = false
	_, res, err := s.stmt.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlProxyResult{lastInsertID: res.LastInsertID, rowsAffected: res.RowsAffected}, nil
}

// QueryContext implements driver.StmtQueryContext.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	ctx = s.conn.logContext(ctx)
	if err := s.bind(ctx, args); err != nil {
		return nil, err
	}
	s.wantRows = true
	rs, _, err := s.stmt.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, errors.New("jaybird: statement returned no cursor")
	}
	// Rows are read after QueryContext returns; they keep the context
	// values but not its cancellation.
	return newRows(context.WithoutCancel(ctx), rs, s.columns), nil
}

// Execute implements lifecycle.Executor.
func (s *Stmt) Execute(ctx context.Context, tx txn.ID, params *row.Row) (lifecycle.ExecResult, error) {
	args := make([]types.Value, params.Len())
	for i := range args {
		v, err := wireArg(params, i, s.kinds[i])
		if err != nil {
			return lifecycle.ExecResult{}, err
		}
		args[i] = v
	}
	req := types.SQLRequest{StmtID: s.stmtID, TxID: string(tx), Args: args}
	if !s.wantRows {
		req.Command = types.CmdExec
		var resp execResponse
		if err := s.conn.proxy.do(ctx, req, &resp); err != nil {
			return lifecycle.ExecResult{}, err
		}
		return lifecycle.ExecResult{Result: lifecycle.Result{RowsAffected: resp.RowsAffected, LastInsertID: resp.LastInsertID}}, nil
	}
	req.Command = types.CmdQuery
	var resp queryResponse
	if err := s.conn.proxy.do(ctx, req, &resp); err != nil {
		return lifecycle.ExecResult{}, err
	}
	s.columns = resp.Columns
	columns := make([]field.Descriptor, len(resp.Columns))
	for i, c := range resp.Columns {
		columns[i] = columnDescriptor(c, s.conn.cfg.Charset)
	}
	return lifecycle.ExecResult{
		Columns: columns,
		Cursor:  &cursor{p: s.conn.proxy, id: resp.CursorID},
	}, nil
}

// --- Transaction implementation ---

// Tx implements the driver.Tx interface.
type Tx struct {
	conn *Conn
	// hosted transactions were issued by the host and are never ended here.
	hosted bool
	done   bool
}

func (t *Tx) end(commit bool) error {
	if t.done {
		return errors.New("jaybird: transaction already committed or rolled back")
	}
	t.done = true
	if t.hosted {
		return nil
	}
	ctx := t.conn.logContext(context.Background())
	m := t.conn.manager
	var err error
	if commit {
		err = m.Commit(ctx)
	} else {
		err = m.Rollback(ctx)
	}
	return errors.CombineErrors(err, m.SetAutoCommit(ctx, true))
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.end(true)
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.end(false)
}

// --- Result implementation ---

// sqlProxyResult implements the driver.Result interface.
type sqlProxyResult struct {
	lastInsertID int64
	rowsAffected int64
}

// LastInsertId returns the database's auto-generated ID after, for example, an INSERT into a table with primary key.
func (r *sqlProxyResult) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

// RowsAffected returns the number of rows affected by the query.
func (r *sqlProxyResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// Rows reads a lifecycle result set. Large objects are read whole when the
// row is scanned.
type Rows struct {
	ctx     context.Context
	rs      *lifecycle.ResultSet
	columns []string
	types   []string
}

var (
	_ driver.Rows                           = (*Rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*Rows)(nil)
)

func newRows(ctx context.Context, rs *lifecycle.ResultSet, cols []types.Column) *Rows {
	r := &Rows{ctx: ctx, rs: rs, columns: make([]string, len(cols)), types: make([]string, len(cols))}
	for i, c := range cols {
		r.columns[i] = c.Name
		r.types[i] = c.Type
	}
	return r
}

// Columns returns the names of the columns.
func (r *Rows) Columns() []string {
	return r.columns
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *Rows) ColumnTypeDatabaseTypeName(i int) string {
	return r.types[i]
}

// Close closes the result set. In auto-commit mode this completes the
// statement and ends its transaction.
func (r *Rows) Close() error {
	return r.rs.Close(r.ctx)
}

// Next is called to populate the next row of data into the provided slice.
// Next returns io.EOF when there are no more rows.
func (r *Rows) Next(dest []driver.Value) error {
	ok, err := r.rs.Next(r.ctx)
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	for i := range dest {
		v, err := r.value(i)
		if err != nil {
			return errors.Wrapf(err, "jaybird: column %s", r.columns[i])
		}
		dest[i] = v
	}
	return nil
}

// value reads column i of the current row. INTEGER and REAL columns travel
// as text and are parsed here.
func (r *Rows) value(i int) (driver.Value, error) {
	v, err := r.rs.Field(i).Object(r.ctx)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch r.types[i] {
	case types.ColumnInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, sqlerr.Conversion(err, "parse %q as integer", s)
		}
		return n, nil
	case types.ColumnReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, sqlerr.Conversion(err, "parse %q as real", s)
		}
		return f, nil
	}
	return s, nil
}
