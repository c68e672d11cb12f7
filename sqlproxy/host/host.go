// Package host serves the JSON proxy protocol against an SQLite database.
//
// The host executes SQL, keeps server-side cursors that clients drain in
// batches, stores large objects in the blob_v1 table and hands out signed
// transaction tokens. Every handle it returns is a uuid, scoped to the
// transaction that created it.
package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/sqlproxy/types"
)

// DefaultFetchSize bounds a fetch that does not say how many rows it wants.
const DefaultFetchSize = 200

// Option configures an SQLHost.
type Option func(*SQLHost)

// WithSecretKey sets the key signing transaction tokens. By default a random
// key is generated, so tokens do not survive a restart.
func WithSecretKey(key []byte) Option {
	return func(h *SQLHost) {
		if len(key) > 0 {
			h.secret = key
		}
	}
}

// SQLHost handles proxy requests for an SQLite database.
// It manages prepared statements, transactions, cursors and blob handles.
type SQLHost struct {
	db     *sqlx.DB
	secret []byte

	mu      sync.Mutex
	stmts   map[string]hostStmt
	txs     map[string]*hostTx
	cursors map[string]*cursor
	blobs   map[string]*blobHandle
}

type hostStmt struct {
	session string
	sql     string
}

type hostTx struct {
	session string
	tx      *sqlx.Tx
	// adopted transactions belong to the program that registered them.
	adopted bool
}

type cursor struct {
	session string
	tx      string
	rows    *sqlx.Rows
	columns []types.Column
}

// NewSQLHost creates a new SQLHost instance and the blob store table.
// The provided db must be an active connection to an SQLite database.
func NewSQLHost(db *sqlx.DB, opts ...Option) (*SQLHost, error) {
	if err := DBInit(db); err != nil {
		return nil, errors.Wrap(err, "failed to initialize blob store")
	}
	h := &SQLHost{
		db:      db,
		stmts:   make(map[string]hostStmt),
		txs:     make(map[string]*hostTx),
		cursors: make(map[string]*cursor),
		blobs:   make(map[string]*blobHandle),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.secret == nil {
		key, err := newSecretKey()
		if err != nil {
			return nil, err
		}
		h.secret = key
	}
	return h, nil
}

// HandleRequest processes a raw SQL request payload and returns a raw response payload.
// Operational errors are packaged in the response; the returned error is
// only set when no response could be produced at all.
func (h *SQLHost) HandleRequest(ctx context.Context, requestPayload []byte) ([]byte, error) {
	var req types.SQLRequest
	if err := json.Unmarshal(requestPayload, &req); err != nil {
		return marshalErrorResponse(fmt.Sprintf("failed to unmarshal request: %v", err))
	}
	log := jlog.FromContext(ctx).WithField("command", req.Command)
	start := time.Now()

	var responseData interface{}
	var opErr error

	switch req.Command {
	case types.CmdPrepare:
		responseData, opErr = h.handlePrepare(ctx, &req)
	case types.CmdQuery:
		responseData, opErr = h.handleQuery(ctx, &req)
	case types.CmdFetch:
		responseData, opErr = h.handleFetch(&req)
	case types.CmdCloseCursor:
		responseData, opErr = h.handleCloseCursor(&req)
	case types.CmdExec:
		responseData, opErr = h.handleExec(ctx, &req)
	case types.CmdBeginTx:
		responseData, opErr = h.handleBeginTx(ctx, &req)
	case types.CmdCommit:
		responseData, opErr = h.handleEndTx(&req, true)
	case types.CmdRollback:
		responseData, opErr = h.handleEndTx(&req, false)
	case types.CmdCloseStmt:
		responseData, opErr = h.handleCloseStmt(&req)
	case types.CmdCloseConn:
		responseData, opErr = h.handleCloseConn(&req)
	case types.CmdOpenBlob:
		responseData, opErr = h.handleOpenBlob(ctx, &req)
	case types.CmdReadBlob:
		responseData, opErr = h.handleReadBlob(ctx, &req)
	case types.CmdWriteBlob:
		responseData, opErr = h.handleWriteBlob(&req)
	case types.CmdCloseBlob:
		responseData, opErr = h.handleCloseBlob(ctx, &req)
	default:
		opErr = errors.Newf("unknown command: %s", req.Command)
	}

	log = log.WithField("elapsed", time.Since(start))
	if opErr != nil {
		log.WithError(opErr).Warn("request failed")
		return marshalErrorResponse(opErr.Error())
	}
	log.Debug("request handled")
	return json.Marshal(responseData)
}

func marshalErrorResponse(errMsg string) ([]byte, error) {
	resp := types.GeneralResponse{Error: errMsg}
	payload, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"error":"critical: failed to marshal error response"}`),
			errors.Wrapf(err, "failed to marshal error response for '%s'", errMsg)
	}
	return payload, nil
}

// target returns the transaction named by the request, or the database when
// the request carries none.
func (h *SQLHost) target(req *types.SQLRequest) (sqlx.ExtContext, string, error) {
	if req.TxID == "" {
		return h.db, "", nil
	}
	tx, txID, err := h.lookupTx(req.TxID)
	if err != nil {
		return nil, "", err
	}
	return tx, txID, nil
}

func (h *SQLHost) statementSQL(req *types.SQLRequest) (string, error) {
	if req.StmtID == "" {
		return req.SQL, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	stmt, ok := h.stmts[req.StmtID]
	if !ok {
		return "", errors.Newf("statement not found: %s", req.StmtID)
	}
	return stmt.sql, nil
}

func (h *SQLHost) handlePrepare(ctx context.Context, req *types.SQLRequest) (types.GeneralResponse, error) {
	var p interface {
		PreparexContext(ctx context.Context, query string) (*sqlx.Stmt, error)
	} = h.db
	if req.TxID != "" {
		tx, _, err := h.lookupTx(req.TxID)
		if err != nil {
			return types.GeneralResponse{}, err
		}
		p = tx
	}
	// Only the text is kept; every execution prepares it in its own transaction.
	stmt, err := p.PreparexContext(ctx, req.SQL)
	if err != nil {
		return types.GeneralResponse{}, errors.Wrap(err, "prepare failed")
	}
	_ = stmt.Close()

	stmtID := uuid.NewString()
	h.mu.Lock()
	h.stmts[stmtID] = hostStmt{session: req.Session, sql: req.SQL}
	h.mu.Unlock()
	return types.GeneralResponse{StmtID: stmtID}, nil
}

func bindArgs(args []types.Value) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		switch a.Kind {
		case types.KindNull, "":
			out[i] = nil
		case types.KindInt:
			out[i] = a.Int
		case types.KindReal:
			out[i] = a.Real
		case types.KindText:
			out[i] = a.Text
		case types.KindBytes:
			if a.Bytes == nil {
				out[i] = []byte{}
			} else {
				out[i] = a.Bytes
			}
		default:
			return nil, errors.Newf("argument %d has unknown kind %q", i+1, a.Kind)
		}
	}
	return out, nil
}

func (h *SQLHost) handleExec(ctx context.Context, req *types.SQLRequest) (types.ExecResponse, error) {
	query, err := h.statementSQL(req)
	if err != nil {
		return types.ExecResponse{}, err
	}
	ext, _, err := h.target(req)
	if err != nil {
		return types.ExecResponse{}, err
	}
	args, err := bindArgs(req.Args)
	if err != nil {
		return types.ExecResponse{}, err
	}
	res, err := ext.ExecContext(ctx, query, args...)
	if err != nil {
		return types.ExecResponse{}, errors.Wrap(err, "exec failed")
	}
	// SQLite always reports both values.
	lastInsertID, _ := res.LastInsertId()
	rowsAffected, _ := res.RowsAffected()
	return types.ExecResponse{LastInsertID: lastInsertID, RowsAffected: rowsAffected}, nil
}

func (h *SQLHost) handleQuery(ctx context.Context, req *types.SQLRequest) (types.QueryResponse, error) {
	query, err := h.statementSQL(req)
	if err != nil {
		return types.QueryResponse{}, err
	}
	ext, txID, err := h.target(req)
	if err != nil {
		return types.QueryResponse{}, err
	}
	args, err := bindArgs(req.Args)
	if err != nil {
		return types.QueryResponse{}, err
	}
	// The cursor outlives this request, so it is not bound to ctx.
	rows, err := ext.QueryxContext(context.WithoutCancel(ctx), query, args...)
	if err != nil {
		return types.QueryResponse{}, errors.Wrap(err, "query failed")
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return types.QueryResponse{}, errors.Wrap(err, "failed to get columns")
	}
	columns := make([]types.Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = types.Column{Name: ct.Name(), Type: columnType(ct.DatabaseTypeName())}
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.cursors[id] = &cursor{session: req.Session, tx: txID, rows: rows, columns: columns}
	h.mu.Unlock()
	return types.QueryResponse{CursorID: id, Columns: columns}, nil
}

// columnType maps a declared SQLite type to the protocol column type.
func columnType(decl string) string {
	decl = strings.ToUpper(strings.TrimSpace(decl))
	switch {
	case decl == types.ColumnLOB || decl == types.ColumnTextLOB:
		return decl
	case strings.Contains(decl, "INT"):
		return types.ColumnInteger
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return types.ColumnReal
	case strings.Contains(decl, "BLOB"), strings.Contains(decl, "BINARY"):
		return types.ColumnBinary
	}
	return types.ColumnText
}

func (h *SQLHost) handleFetch(req *types.SQLRequest) (types.FetchResponse, error) {
	h.mu.Lock()
	c, ok := h.cursors[req.CursorID]
	h.mu.Unlock()
	if !ok {
		return types.FetchResponse{}, errors.Newf("cursor not found: %s", req.CursorID)
	}
	max := req.Max
	if max <= 0 {
		max = DefaultFetchSize
	}

	values := make([]interface{}, len(c.columns))
	ptrs := make([]interface{}, len(c.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	resp := types.FetchResponse{Rows: [][][]byte{}}
	for len(resp.Rows) < max {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return types.FetchResponse{}, errors.Wrap(err, "error iterating rows")
			}
			resp.Done = true
			h.dropCursor(req.CursorID)
			return resp, nil
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			return types.FetchResponse{}, errors.Wrap(err, "failed to scan row")
		}
		cells, err := encodeRow(c.columns, values)
		if err != nil {
			return types.FetchResponse{}, err
		}
		resp.Rows = append(resp.Rows, cells)
	}
	return resp, nil
}

// encodeRow renders scanned values as raw cells. Numbers and times travel as
// text; large-object columns carry the encoded object identifier.
func encodeRow(columns []types.Column, values []interface{}) ([][]byte, error) {
	cells := make([][]byte, len(values))
	for i, val := range values {
		if val == nil {
			continue
		}
		lobColumn := columns[i].Type == types.ColumnLOB || columns[i].Type == types.ColumnTextLOB
		switch v := val.(type) {
		case int64:
			if lobColumn {
				cells[i] = field.EncodeBlobID(lob.ID(v))
			} else {
				cells[i] = strconv.AppendInt(nil, v, 10)
			}
		case float64:
			cells[i] = strconv.AppendFloat(nil, v, 'g', -1, 64)
		case bool:
			cells[i] = strconv.AppendBool(nil, v)
		case []byte:
			cells[i] = append([]byte{}, v...)
		case string:
			cells[i] = []byte(v)
		case time.Time:
			cells[i] = []byte(v.Format(time.RFC3339Nano))
		default:
			return nil, errors.Newf("column %s: unsupported value type %T", columns[i].Name, val)
		}
		if lobColumn && len(cells[i]) != 8 {
			return nil, errors.Newf("column %s does not hold a blob identifier", columns[i].Name)
		}
	}
	return cells, nil
}

func (h *SQLHost) dropCursor(id string) error {
	h.mu.Lock()
	c, ok := h.cursors[id]
	delete(h.cursors, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return c.rows.Close()
}

func (h *SQLHost) handleCloseCursor(req *types.SQLRequest) (types.GeneralResponse, error) {
	// Closing a drained or unknown cursor is not an error.
	if err := h.dropCursor(req.CursorID); err != nil {
		return types.GeneralResponse{}, errors.Wrap(err, "close cursor failed")
	}
	return types.GeneralResponse{}, nil
}

// RegisterTx adopts a transaction opened by the embedding program and returns
// the token a client passes in its connection string to run inside it. The
// host never commits or rolls back an adopted transaction on close_conn.
func (h *SQLHost) RegisterTx(tx *sqlx.Tx) (string, error) {
	txID := uuid.NewString()
	token, err := h.issueToken(txID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.txs[txID] = &hostTx{tx: tx, adopted: true}
	h.mu.Unlock()
	return token, nil
}

// ReleaseTx forgets an adopted transaction, closing the cursors and blob
// handles still open in it. The transaction itself is left to its owner.
func (h *SQLHost) ReleaseTx(token string) error {
	_, txID, err := h.lookupTx(token)
	if err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.txs, txID)
	h.mu.Unlock()
	h.releaseScope(txID)
	return nil
}

func (h *SQLHost) handleBeginTx(ctx context.Context, req *types.SQLRequest) (types.GeneralResponse, error) {
	tx, err := h.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return types.GeneralResponse{}, errors.Wrap(err, "begin transaction failed")
	}
	txID := uuid.NewString()
	token, err := h.issueToken(txID)
	if err != nil {
		_ = tx.Rollback()
		return types.GeneralResponse{}, err
	}
	h.mu.Lock()
	h.txs[txID] = &hostTx{session: req.Session, tx: tx}
	h.mu.Unlock()
	return types.GeneralResponse{TxID: token}, nil
}

func (h *SQLHost) handleEndTx(req *types.SQLRequest, commit bool) (types.GeneralResponse, error) {
	tx, txID, err := h.lookupTx(req.TxID)
	if err != nil {
		return types.GeneralResponse{}, errors.Wrap(err, "transaction not found or already closed")
	}
	h.mu.Lock()
	adopted := h.txs[txID].adopted
	if !adopted {
		delete(h.txs, txID)
	}
	h.mu.Unlock()
	if adopted {
		return types.GeneralResponse{}, errors.Newf("transaction %s is owned by the host", txID)
	}
	h.releaseScope(txID)

	if commit {
		if err := tx.Commit(); err != nil {
			return types.GeneralResponse{}, errors.Wrap(err, "commit failed")
		}
		return types.GeneralResponse{}, nil
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return types.GeneralResponse{}, errors.Wrap(err, "rollback failed")
	}
	return types.GeneralResponse{}, nil
}

// releaseScope closes the cursors and blob handles of a transaction.
func (h *SQLHost) releaseScope(txID string) {
	h.mu.Lock()
	var rows []*sqlx.Rows
	for id, c := range h.cursors {
		if c.tx == txID {
			rows = append(rows, c.rows)
			delete(h.cursors, id)
		}
	}
	for id, b := range h.blobs {
		if b.txID == txID {
			delete(h.blobs, id)
		}
	}
	h.mu.Unlock()
	for _, r := range rows {
		_ = r.Close()
	}
}

func (h *SQLHost) handleCloseStmt(req *types.SQLRequest) (types.GeneralResponse, error) {
	// Closing an unknown statement is not an error, as for any driver.
	h.mu.Lock()
	delete(h.stmts, req.StmtID)
	h.mu.Unlock()
	return types.GeneralResponse{}, nil
}

func (h *SQLHost) handleCloseConn(req *types.SQLRequest) (types.GeneralResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, stmt := range h.stmts {
		if stmt.session == req.Session {
			delete(h.stmts, id)
		}
	}
	for id, c := range h.cursors {
		if c.session == req.Session {
			_ = c.rows.Close()
			delete(h.cursors, id)
		}
	}
	// Roll back the session's transactions; adopted ones belong to the host.
	for id, t := range h.txs {
		if t.adopted || t.session != req.Session {
			continue
		}
		for hid, b := range h.blobs {
			if b.txID == id {
				delete(h.blobs, hid)
			}
		}
		for cid, c := range h.cursors {
			if c.tx == id {
				_ = c.rows.Close()
				delete(h.cursors, cid)
			}
		}
		_ = t.tx.Rollback()
		delete(h.txs, id)
	}
	// The underlying h.db is managed externally, so we don't close it here.
	return types.GeneralResponse{}, nil
}

// Open reports the number of open transactions, cursors and blob handles.
func (h *SQLHost) Open() (txs, cursors, blobs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.txs), len(h.cursors), len(h.blobs)
}
