package driver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/sqlproxy/host"
	"github.com/laurentperez/jaybird/sqlproxy/types"
)

// commandLog counts the commands sent to the host.
type commandLog struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *commandLog) count(cmd string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[cmd]
}

type testEnv struct {
	host *host.SQLHost
	raw  *sqlx.DB
	log  *commandLog
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	raw := sqlx.MustConnect("sqlite3", path.Join(t.TempDir(), "driver.db"))
	t.Cleanup(func() { raw.Close() })
	h, err := host.NewSQLHost(raw, host.WithSecretKey([]byte("driver test")))
	require.NoError(t, err)
	return &testEnv{host: h, raw: raw, log: &commandLog{counts: map[string]int{}}}
}

func (e *testEnv) call(ctx context.Context, payload []byte) ([]byte, error) {
	var req types.SQLRequest
	if err := json.Unmarshal(payload, &req); err == nil {
		e.log.mu.Lock()
		e.log.counts[req.Command]++
		e.log.mu.Unlock()
	}
	return e.host.HandleRequest(ctx, payload)
}

func (e *testEnv) open(t *testing.T, cfg Config) *sql.DB {
	t.Helper()
	db := sql.OpenDB(NewConnector(cfg, e.call))
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func (e *testEnv) openTxs(t *testing.T) int {
	t.Helper()
	txs, _, _ := e.host.Open()
	return txs
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig("fetch_size=10&lob_buffer_limit=1024&lob_chunk_size=64&charset=win1252")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.FetchSize)
	assert.Equal(t, int64(1024), cfg.BufferLimit)
	assert.Equal(t, 64, cfg.ChunkSize)
	assert.Equal(t, "WIN1252", cfg.Charset)

	again, err := ParseConfig(cfg.FormatDSN())
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
	assert.Empty(t, DefaultConfig().FormatDSN())

	for _, dsn := range []string{"fetch_size=0", "fetch_size=x", "lob_chunk_size=-1", "verbose=1", "charset=EBCDIC", "%zz"} {
		_, err := ParseConfig(dsn)
		assert.Error(t, err, dsn)
	}
}

func TestOpenWithoutHostFunction(t *testing.T) {
	SetHostHandler(nil)
	db, err := sql.Open("jaybird", "")
	require.NoError(t, err)
	defer db.Close()
	assert.ErrorContains(t, db.Ping(), "CallHost function is not set")

	_, err = sql.Open("jaybird", "unknown=1")
	assert.ErrorContains(t, err, "unknown DSN key")
}

func TestRegisteredDriverUsesCallHost(t *testing.T) {
	env := setupEnv(t)
	SetHostHandler(env.call)
	defer SetHostHandler(nil)

	db, err := sql.Open("jaybird", "fetch_size=5")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("CREATE TABLE pings (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	assert.Equal(t, 1, env.log.count(types.CmdPrepare))
}

func TestExecAndQuery(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())

	_, err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, price REAL, raw BLOB)")
	require.NoError(t, err)
	res, err := db.Exec("INSERT INTO items (name, price, raw) VALUES (?, ?, ?)", "lamp", 12.5, []byte{1, 2})
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	_, err = db.Exec("INSERT INTO items (name, price, raw) VALUES (?, ?, ?)", "desk", nil, nil)
	require.NoError(t, err)

	rows, err := db.Query("SELECT id, name, price, raw FROM items ORDER BY id")
	require.NoError(t, err)
	colTypes, err := rows.ColumnTypes()
	require.NoError(t, err)
	assert.Equal(t, "INTEGER", colTypes[0].DatabaseTypeName())
	assert.Equal(t, "BINARY", colTypes[3].DatabaseTypeName())

	type item struct {
		id    int64
		name  string
		price sql.NullFloat64
		raw   []byte
	}
	var got []item
	for rows.Next() {
		var it item
		require.NoError(t, rows.Scan(&it.id, &it.name, &it.price, &it.raw))
		got = append(got, it)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	require.Len(t, got, 2)
	assert.Equal(t, item{id: 1, name: "lamp", price: sql.NullFloat64{Float64: 12.5, Valid: true}, raw: []byte{1, 2}}, got[0])
	assert.Equal(t, "desk", got[1].name)
	assert.False(t, got[1].price.Valid)
	assert.Nil(t, got[1].raw)

	// Every auto-commit statement ended its transaction.
	assert.Equal(t, 0, env.openTxs(t))
	assert.Equal(t, env.log.count(types.CmdBeginTx), env.log.count(types.CmdCommit))
}

func TestLargeObjectsInAutoCommit(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())

	_, err := db.Exec("CREATE TABLE docs (id INTEGER PRIMARY KEY, data LOB, body MEMO)")
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	_, err = db.Exec("INSERT INTO docs (data, body) VALUES (?, ?)", LargeBinary(payload), LargeText("hello"))
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO docs (data, body) VALUES (?, ?)", nil, nil)
	require.NoError(t, err)

	var blobs int
	require.NoError(t, env.raw.Get(&blobs, "SELECT COUNT(*) FROM blob_v1"))
	assert.Equal(t, 2, blobs)

	rows, err := db.Query("SELECT data, body FROM docs ORDER BY id")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var data []byte
	var body sql.NullString
	require.NoError(t, rows.Scan(&data, &body))
	assert.Equal(t, payload, data)
	assert.Equal(t, "hello", body.String)

	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&data, &body))
	assert.Nil(t, data)
	assert.False(t, body.Valid)
	assert.False(t, rows.Next())
	require.NoError(t, rows.Err())

	assert.Equal(t, 0, env.openTxs(t))
}

func TestLargeTextUsesCharset(t *testing.T) {
	env := setupEnv(t)
	cfg := DefaultConfig()
	cfg.Charset = "WIN1252"
	db := env.open(t, cfg)

	_, err := db.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body MEMO)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO notes (body) VALUES (?)", LargeText("café"))
	require.NoError(t, err)

	var stored []byte
	require.NoError(t, env.raw.Get(&stored, "SELECT data FROM blob_v1"))
	assert.Equal(t, []byte("caf\xe9"), stored)

	var body string
	require.NoError(t, db.QueryRow("SELECT body FROM notes").Scan(&body))
	assert.Equal(t, "café", body)
}

func TestShortLargeTextFails(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())
	_, err := db.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body MEMO)")
	require.NoError(t, err)

	short := LargeObject{Reader: strings.NewReader("ab"), Length: 5, Text: true}
	_, err = db.Exec("INSERT INTO notes (body) VALUES (?)", short)
	require.Error(t, err)
	assert.True(t, sqlerr.IsIOFailure(err))
	assert.ErrorContains(t, err, "read text argument")
}

func TestLargeObjectsInTransaction(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())
	_, err := db.Exec("CREATE TABLE docs (id INTEGER PRIMARY KEY, data LOB)")
	require.NoError(t, err)

	payload := []byte(strings.Repeat("streamed ", 2000))
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = tx.Exec("INSERT INTO docs (data) VALUES (?)", LargeStream(bytes.NewReader(payload), int64(len(payload))))
		require.NoError(t, err)
	}
	// Both inserts share one transaction.
	assert.Equal(t, 1, env.openTxs(t))
	var data []byte
	require.NoError(t, tx.QueryRow("SELECT data FROM docs WHERE id = 2").Scan(&data))
	assert.Equal(t, payload, data)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 0, env.openTxs(t))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM docs").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRollbackDiscardsLargeObjects(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())
	_, err := db.Exec("CREATE TABLE docs (id INTEGER PRIMARY KEY, data LOB)")
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO docs (data) VALUES (?)", LargeBinary([]byte("gone")))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var blobs int
	require.NoError(t, env.raw.Get(&blobs, "SELECT COUNT(*) FROM blob_v1"))
	assert.Equal(t, 0, blobs)
	assert.Equal(t, 0, env.openTxs(t))
}

func TestFetchSizeBatches(t *testing.T) {
	env := setupEnv(t)
	cfg := DefaultConfig()
	cfg.FetchSize = 2
	db := env.open(t, cfg)

	_, err := db.Exec("CREATE TABLE nums (n INTEGER)")
	require.NoError(t, err)
	stmt, err := db.Prepare("INSERT INTO nums (n) VALUES (?)")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := stmt.Exec(i)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())

	rows, err := db.Query("SELECT n FROM nums ORDER BY n")
	require.NoError(t, err)
	var sum int64
	for rows.Next() {
		var n int64
		require.NoError(t, rows.Scan(&n))
		sum += n
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, int64(15), sum)
	assert.Equal(t, 3, env.log.count(types.CmdFetch))
	// A drained cursor is released by the host without close_cursor.
	assert.Equal(t, 0, env.log.count(types.CmdCloseCursor))
}

func TestEarlyCloseReleasesCursor(t *testing.T) {
	env := setupEnv(t)
	cfg := DefaultConfig()
	cfg.FetchSize = 1
	db := env.open(t, cfg)
	_, err := db.Exec("CREATE TABLE nums (n INTEGER)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO nums (n) VALUES (1), (2), (3)")
	require.NoError(t, err)

	rows, err := db.Query("SELECT n FROM nums")
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, rows.Close())

	assert.Equal(t, 1, env.log.count(types.CmdCloseCursor))
	txs, cursors, _ := env.host.Open()
	assert.Equal(t, 0, txs)
	assert.Equal(t, 0, cursors)
}

func TestFailedStatementRollsBack(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())
	_, err := db.Exec("CREATE TABLE uniq (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO uniq (id) VALUES (?)", 1)
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO uniq (id) VALUES (?)", 1)
	assert.ErrorContains(t, err, "exec failed")
	assert.Equal(t, 1, env.log.count(types.CmdRollback))
	assert.Equal(t, 0, env.openTxs(t))

	_, err = db.Exec("SELEKT 1")
	assert.ErrorContains(t, err, "prepare failed")
}

func TestBufferLimit(t *testing.T) {
	env := setupEnv(t)
	cfg := DefaultConfig()
	cfg.BufferLimit = 16
	db := env.open(t, cfg)
	_, err := db.Exec("CREATE TABLE docs (data LOB)")
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO docs (data) VALUES (?)", LargeBinary(make([]byte, 17)))
	assert.Error(t, err)

	// Inside a transaction the object is streamed, so the limit does not apply.
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO docs (data) VALUES (?)", LargeBinary(make([]byte, 17)))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

func TestHostTransaction(t *testing.T) {
	env := setupEnv(t)
	_, err := env.raw.Exec("CREATE TABLE events (name TEXT)")
	require.NoError(t, err)

	hostTx, err := env.raw.Beginx()
	require.NoError(t, err)
	token, err := env.host.RegisterTx(hostTx)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Tx = token
	db := env.open(t, cfg)
	_, err = db.Exec("INSERT INTO events (name) VALUES (?)", "joined")
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO events (name) VALUES (?)", "nested")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, db.Close())

	// The client neither committed nor rolled back the host's transaction.
	assert.Equal(t, 0, env.log.count(types.CmdCommit))
	assert.Equal(t, 0, env.log.count(types.CmdRollback))
	var n int
	require.NoError(t, hostTx.Get(&n, "SELECT COUNT(*) FROM events"))
	assert.Equal(t, 2, n)
	require.NoError(t, hostTx.Commit())
	require.NoError(t, env.host.ReleaseTx(token))
}

func TestConnCloseRollsBackOpenTransaction(t *testing.T) {
	env := setupEnv(t)
	db := env.open(t, DefaultConfig())
	_, err := db.Exec("CREATE TABLE events (name TEXT)")
	require.NoError(t, err)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	err = conn.Raw(func(dc interface{}) error {
		c := dc.(*Conn)
		_, err := c.manager.Begin(context.Background())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.openTxs(t))
	require.NoError(t, conn.Close())
	require.NoError(t, db.Close())

	assert.Equal(t, 0, env.openTxs(t))
	assert.Equal(t, 1, env.log.count(types.CmdCloseConn))
}
