package types

// --- JSON structures for host communication ---

// Commands understood by the host.
const (
	CmdPrepare     = "prepare"
	CmdExec        = "exec"
	CmdQuery       = "query"
	CmdFetch       = "fetch"
	CmdCloseCursor = "close_cursor"
	CmdBeginTx     = "begin_tx"
	CmdCommit      = "commit"
	CmdRollback    = "rollback"
	CmdCloseStmt   = "close_stmt"
	CmdCloseConn   = "close_conn"
	CmdOpenBlob    = "open_blob"
	CmdReadBlob    = "read_blob"
	CmdWriteBlob   = "write_blob"
	CmdCloseBlob   = "close_blob"
)

// Value kinds of statement arguments.
const (
	KindNull  = "null"
	KindInt   = "int"
	KindReal  = "real"
	KindText  = "text"
	KindBytes = "bytes"
)

// Column types reported by the host. LOB and MEMO columns hold the 8-byte
// big-endian identifier of an object of the blob store; MEMO objects are
// text. Both names get numeric affinity in SQLite, so the identifiers are
// stored as integers.
const (
	ColumnInteger = "INTEGER"
	ColumnReal    = "REAL"
	ColumnText    = "TEXT"
	ColumnBinary  = "BINARY"
	ColumnLOB     = "LOB"
	ColumnTextLOB = "MEMO"
)

// Value is a typed statement argument.
type Value struct {
	Kind  string  `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Real  float64 `json:"real,omitempty"`
	Text  string  `json:"text,omitempty"`
	Bytes []byte  `json:"bytes,omitempty"`
}

// Column describes one column of a cursor.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SQLRequest defines the structure for requests sent to the host.
type SQLRequest struct {
	Command string `json:"command"`
	// Session names the client connection. close_conn releases the
	// statements, transactions and cursors of one session only.
	Session  string  `json:"session,omitempty"`
	SQL      string  `json:"sql,omitempty"`
	Args     []Value `json:"args,omitempty"`
	StmtID   string  `json:"stmt_id,omitempty"`
	TxID     string  `json:"tx_id,omitempty"`
	CursorID string  `json:"cursor_id,omitempty"`
	// Max bounds the rows of a fetch or the bytes of a blob read.
	Max    int    `json:"max,omitempty"`
	BlobID int64  `json:"blob_id,omitempty"`
	Handle string `json:"handle,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// GeneralResponse is used for commands that don't return rows or specific exec results (e.g., prepare, commit, rollback, close).
type GeneralResponse struct {
	StmtID string `json:"stmt_id,omitempty"` // For 'prepare' command, host returns a statement ID
	TxID   string `json:"tx_id,omitempty"`   // For 'begin_tx' command, host returns a signed transaction token
	Error  string `json:"error,omitempty"`
}

// QueryResponse defines the structure for responses from 'query' commands.
// Rows are pulled with 'fetch' on the returned cursor.
type QueryResponse struct {
	CursorID string   `json:"cursor_id"`
	Columns  []Column `json:"columns"`
	Error    string   `json:"error,omitempty"`
}

// FetchResponse carries one batch of rows. A nil cell is null.
type FetchResponse struct {
	Rows  [][][]byte `json:"rows"`
	Done  bool       `json:"done"`
	Error string     `json:"error,omitempty"`
}

// ExecResponse defines the structure for responses from 'exec' commands.
type ExecResponse struct {
	LastInsertID int64  `json:"last_insert_id"`
	RowsAffected int64  `json:"rows_affected"`
	Error        string `json:"error,omitempty"`
}

// BlobResponse answers the blob commands. EOF is set by 'read_blob' once the
// object is exhausted; BlobID is set by 'close_blob'.
type BlobResponse struct {
	Handle string `json:"handle,omitempty"`
	Data   []byte `json:"data,omitempty"`
	EOF    bool   `json:"eof,omitempty"`
	BlobID int64  `json:"blob_id,omitempty"`
	Error  string `json:"error,omitempty"`
}
