package host

import (
	"context"
	"encoding/json"
	"path"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/sqlproxy/types"
)

// setupTestHost creates a host over a temporary database.
func setupTestHost(t *testing.T) (*SQLHost, *sqlx.DB) {
	t.Helper()
	db := sqlx.MustConnect("sqlite3", path.Join(t.TempDir(), "host.db"))
	t.Cleanup(func() { db.Close() })
	h, err := NewSQLHost(db, WithSecretKey([]byte("test secret")))
	require.NoError(t, err)
	return h, db
}

func call(t *testing.T, h *SQLHost, req types.SQLRequest, resp interface{}) string {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	out, err := h.HandleRequest(context.Background(), payload)
	require.NoError(t, err)
	var general types.GeneralResponse
	require.NoError(t, json.Unmarshal(out, &general))
	if resp != nil {
		require.NoError(t, json.Unmarshal(out, resp))
	}
	return general.Error
}

func begin(t *testing.T, h *SQLHost) string {
	t.Helper()
	var resp types.GeneralResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdBeginTx}, &resp))
	require.NotEmpty(t, resp.TxID)
	return resp.TxID
}

func TestDBInit(t *testing.T) {
	_, db := setupTestHost(t)
	var name string
	require.NoError(t, db.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name='blob_v1'"))
	assert.Equal(t, "blob_v1", name)
}

func TestUnknownCommandAndBadPayload(t *testing.T) {
	h, _ := setupTestHost(t)
	assert.Contains(t, call(t, h, types.SQLRequest{Command: "vacuum"}, nil), "unknown command")

	out, err := h.HandleRequest(context.Background(), []byte("{"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "failed to unmarshal request")
}

func TestExecAndCursor(t *testing.T) {
	h, _ := setupTestHost(t)
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdExec,
		SQL: "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, price REAL, raw BLOB)"}, nil))

	var prep types.GeneralResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdPrepare,
		SQL: "INSERT INTO items (name, price, raw) VALUES (?, ?, ?)"}, &prep))
	tx := begin(t, h)
	for _, name := range []string{"a", "b", "c"} {
		var res types.ExecResponse
		require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdExec, StmtID: prep.StmtID, TxID: tx, Args: []types.Value{
			{Kind: types.KindText, Text: name},
			{Kind: types.KindReal, Real: 1.5},
			{Kind: types.KindNull},
		}}, &res))
		assert.Equal(t, int64(1), res.RowsAffected)
	}
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCommit, TxID: tx}, nil))

	tx = begin(t, h)
	var q types.QueryResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdQuery, TxID: tx,
		SQL: "SELECT id, name, price, raw FROM items ORDER BY id"}, &q))
	assert.Equal(t, []types.Column{
		{Name: "id", Type: types.ColumnInteger},
		{Name: "name", Type: types.ColumnText},
		{Name: "price", Type: types.ColumnReal},
		{Name: "raw", Type: types.ColumnBinary},
	}, q.Columns)

	var batch types.FetchResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdFetch, CursorID: q.CursorID, Max: 2}, &batch))
	require.Len(t, batch.Rows, 2)
	assert.False(t, batch.Done)
	assert.Equal(t, [][]byte{[]byte("1"), []byte("a"), []byte("1.5"), nil}, batch.Rows[0])

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdFetch, CursorID: q.CursorID, Max: 2}, &batch))
	require.Len(t, batch.Rows, 1)
	assert.True(t, batch.Done)
	assert.Equal(t, []byte("c"), batch.Rows[0][1])

	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdFetch, CursorID: q.CursorID}, nil), "cursor not found")
	assert.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCloseCursor, CursorID: q.CursorID}, nil))
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdRollback, TxID: tx}, nil))

	assert.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCloseStmt, StmtID: prep.StmtID}, nil))
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdExec, StmtID: prep.StmtID}, nil), "statement not found")
}

func TestPrepareRejectsInvalidSQL(t *testing.T) {
	h, _ := setupTestHost(t)
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdPrepare, SQL: "SELEKT 1"}, nil), "prepare failed")
}

func TestTransactionTokens(t *testing.T) {
	h, _ := setupTestHost(t)
	tx := begin(t, h)

	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdExec, SQL: "SELECT 1", TxID: "forged"}, nil), "invalid transaction token")

	other, err := NewSQLHost(h.db, WithSecretKey([]byte("another secret")))
	require.NoError(t, err)
	assert.Contains(t, call(t, other, types.SQLRequest{Command: types.CmdCommit, TxID: tx}, nil), "invalid transaction token")

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCommit, TxID: tx}, nil))
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdCommit, TxID: tx}, nil), "transaction not found")
}

func TestBlobRoundTrip(t *testing.T) {
	h, _ := setupTestHost(t)
	tx := begin(t, h)

	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdOpenBlob}, nil), "requires a transaction")

	var open types.BlobResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdOpenBlob, TxID: tx}, &open))
	for _, chunk := range []string{"hello ", "large ", "object"} {
		require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdWriteBlob, Handle: open.Handle, Data: []byte(chunk)}, nil))
	}
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdReadBlob, Handle: open.Handle}, nil), "write-only")
	var closed types.BlobResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCloseBlob, Handle: open.Handle}, &closed))
	require.NotZero(t, closed.BlobID)

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdOpenBlob, TxID: tx, BlobID: closed.BlobID}, &open))
	var data []byte
	for {
		var chunk types.BlobResponse
		require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdReadBlob, Handle: open.Handle, Max: 5}, &chunk))
		if chunk.EOF {
			break
		}
		assert.LessOrEqual(t, len(chunk.Data), 5)
		data = append(data, chunk.Data...)
	}
	assert.Equal(t, "hello large object", string(data))
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdWriteBlob, Handle: open.Handle, Data: []byte("x")}, nil), "read-only")

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdRollback, TxID: tx}, nil))
	_, _, blobs := h.Open()
	assert.Zero(t, blobs, "ending the transaction releases its handles")
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdReadBlob, Handle: open.Handle}, nil), "handle not found")
}

func TestOpenMissingBlob(t *testing.T) {
	h, _ := setupTestHost(t)
	tx := begin(t, h)
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdOpenBlob, TxID: tx, BlobID: 42}, nil), "blob 42 does not exist")
}

func TestLOBColumnsCarryBlobIdentifiers(t *testing.T) {
	h, db := setupTestHost(t)
	db.MustExec("CREATE TABLE docs (name TEXT, body MEMO)")
	db.MustExec("INSERT INTO blob_v1 (id, data) VALUES (7, x'00ff')")
	db.MustExec("INSERT INTO docs VALUES ('x', 7), ('y', NULL)")

	tx := begin(t, h)
	var q types.QueryResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdQuery, TxID: tx, SQL: "SELECT body FROM docs ORDER BY name"}, &q))
	assert.Equal(t, types.ColumnTextLOB, q.Columns[0].Type)
	var batch types.FetchResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdFetch, CursorID: q.CursorID}, &batch))
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, field.EncodeBlobID(7), batch.Rows[0][0])
	assert.Nil(t, batch.Rows[1][0])
}

func TestRegisteredTransactionIsNotEndedByClients(t *testing.T) {
	h, db := setupTestHost(t)
	db.MustExec("CREATE TABLE t (v INTEGER)")
	tx := db.MustBegin()
	token, err := h.RegisterTx(tx)
	require.NoError(t, err)

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdExec, TxID: token, SQL: "INSERT INTO t VALUES (?)",
		Args: []types.Value{{Kind: types.KindInt, Int: 3}}}, nil))
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdCommit, TxID: token}, nil), "owned by the host")
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCloseConn}, nil))

	txs, _, _ := h.Open()
	assert.Equal(t, 1, txs)
	require.NoError(t, h.ReleaseTx(token))
	require.NoError(t, tx.Commit())

	var v int
	require.NoError(t, db.Get(&v, "SELECT v FROM t"))
	assert.Equal(t, 3, v)
}

func TestCloseConnRollsBack(t *testing.T) {
	h, db := setupTestHost(t)
	db.MustExec("CREATE TABLE t (v INTEGER)")
	tx := begin(t, h)
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdExec, TxID: tx, SQL: "INSERT INTO t VALUES (1)"}, nil))
	var q types.QueryResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdQuery, TxID: tx, SQL: "SELECT v FROM t"}, &q))

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCloseConn}, nil))
	txs, cursors, blobs := h.Open()
	assert.Zero(t, txs+cursors+blobs)

	var n int
	require.NoError(t, db.Get(&n, "SELECT count(*) FROM t"))
	assert.Zero(t, n)
}

func TestCloseConnOnlyReleasesItsSession(t *testing.T) {
	h, _ := setupTestHost(t)
	var a, b types.GeneralResponse
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdBeginTx, Session: "a"}, &a))
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdBeginTx, Session: "b"}, &b))

	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCloseConn, Session: "b"}, nil))
	txs, _, _ := h.Open()
	assert.Equal(t, 1, txs)
	assert.Contains(t, call(t, h, types.SQLRequest{Command: types.CmdCommit, TxID: b.TxID}, nil), "not found")
	require.Empty(t, call(t, h, types.SQLRequest{Command: types.CmdCommit, TxID: a.TxID, Session: "a"}, nil))
}

func TestLoadSecretKey(t *testing.T) {
	p := path.Join(t.TempDir(), "secret.key")
	key, err := LoadSecretKey(p)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	again, err := LoadSecretKey(p)
	require.NoError(t, err)
	assert.Equal(t, key, again)
}
