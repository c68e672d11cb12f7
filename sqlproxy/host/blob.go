package host

import (
	"bytes"
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/sqlproxy/types"
)

// DBInit creates the blob store table.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS blob_v1 (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data BLOB NOT NULL DEFAULT x''
	)
	`)
	return err
}

// blobHandle is an open large object. A writable handle collects the chunks
// and stores them as a new object when it is closed.
type blobHandle struct {
	txID     string
	tx       *sqlx.Tx
	id       lob.ID
	offset   int64
	writable bool
	buf      bytes.Buffer
}

func (h *SQLHost) handleOpenBlob(ctx context.Context, req *types.SQLRequest) (types.BlobResponse, error) {
	if req.TxID == "" {
		return types.BlobResponse{}, errors.New("open_blob requires a transaction")
	}
	tx, txID, err := h.lookupTx(req.TxID)
	if err != nil {
		return types.BlobResponse{}, err
	}
	b := &blobHandle{txID: txID, tx: tx, id: lob.ID(req.BlobID), writable: req.BlobID == 0}
	if !b.writable {
		var n int64
		err := tx.GetContext(ctx, &n, "SELECT length(data) FROM blob_v1 WHERE id = ?", req.BlobID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.BlobResponse{}, errors.Newf("blob %d does not exist", req.BlobID)
		}
		if err != nil {
			return types.BlobResponse{}, errors.Wrap(err, "open blob failed")
		}
	}
	handle := uuid.NewString()
	h.mu.Lock()
	h.blobs[handle] = b
	h.mu.Unlock()
	return types.BlobResponse{Handle: handle}, nil
}

func (h *SQLHost) openHandle(handle string) (*blobHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blobs[handle]
	if !ok {
		return nil, errors.Newf("blob handle not found: %s", handle)
	}
	return b, nil
}

func (h *SQLHost) handleReadBlob(ctx context.Context, req *types.SQLRequest) (types.BlobResponse, error) {
	b, err := h.openHandle(req.Handle)
	if err != nil {
		return types.BlobResponse{}, err
	}
	if b.writable {
		return types.BlobResponse{}, errors.Newf("blob handle %s is write-only", req.Handle)
	}
	max := req.Max
	if max <= 0 {
		max = lob.DefaultChunkSize
	}
	var chunk []byte
	// substr counts bytes, from 1, on BLOB values.
	err = b.tx.GetContext(ctx, &chunk, "SELECT substr(data, ?, ?) FROM blob_v1 WHERE id = ?", b.offset+1, max, b.id)
	if err != nil {
		return types.BlobResponse{}, errors.Wrapf(err, "read blob %d failed", b.id)
	}
	if len(chunk) == 0 {
		return types.BlobResponse{EOF: true}, nil
	}
	b.offset += int64(len(chunk))
	return types.BlobResponse{Data: chunk}, nil
}

func (h *SQLHost) handleWriteBlob(req *types.SQLRequest) (types.BlobResponse, error) {
	b, err := h.openHandle(req.Handle)
	if err != nil {
		return types.BlobResponse{}, err
	}
	if !b.writable {
		return types.BlobResponse{}, errors.Newf("blob handle %s is read-only", req.Handle)
	}
	b.buf.Write(req.Data)
	return types.BlobResponse{}, nil
}

func (h *SQLHost) handleCloseBlob(ctx context.Context, req *types.SQLRequest) (types.BlobResponse, error) {
	h.mu.Lock()
	b, ok := h.blobs[req.Handle]
	delete(h.blobs, req.Handle)
	h.mu.Unlock()
	if !ok {
		return types.BlobResponse{}, errors.Newf("blob handle not found: %s", req.Handle)
	}
	if !b.writable {
		return types.BlobResponse{BlobID: int64(b.id)}, nil
	}
	data := b.buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	res, err := b.tx.ExecContext(ctx, "INSERT INTO blob_v1 (data) VALUES (?)", data)
	if err != nil {
		return types.BlobResponse{}, errors.Wrap(err, "store blob failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.BlobResponse{}, errors.Wrap(err, "store blob failed")
	}
	return types.BlobResponse{BlobID: id}, nil
}
