package driver

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/laurentperez/jaybird/lifecycle"
	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlproxy/types"
	"github.com/laurentperez/jaybird/txn"
)

// HostFunc sends one request payload to the host and returns its response.
type HostFunc func(ctx context.Context, requestPayload []byte) (responsePayload []byte, err error)

// errorCarrier is implemented by every response type.
type errorCarrier interface {
	hostError() string
}

type generalResponse struct{ types.GeneralResponse }
type queryResponse struct{ types.QueryResponse }
type fetchResponse struct{ types.FetchResponse }
type execResponse struct{ types.ExecResponse }
type blobResponse struct{ types.BlobResponse }

func (r *generalResponse) hostError() string { return r.Error }
func (r *queryResponse) hostError() string   { return r.Error }
func (r *fetchResponse) hostError() string   { return r.Error }
func (r *execResponse) hostError() string    { return r.Error }
func (r *blobResponse) hostError() string    { return r.Error }

// proxy carries the requests of one connection. It is the transaction
// starter, the large-object transport and the cursor factory of the
// connection.
type proxy struct {
	call    HostFunc
	session string
}

var (
	_ txn.Starter   = (*proxy)(nil)
	_ lob.Transport = (*proxy)(nil)
)

func (p *proxy) do(ctx context.Context, req types.SQLRequest, resp errorCarrier) error {
	req.Session = p.session
	reqPayload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "jaybird: failed to marshal %s request", req.Command)
	}
	respPayload, err := p.call(ctx, reqPayload)
	if err != nil {
		return errors.Wrapf(err, "jaybird: CallHost for %s failed", req.Command)
	}
	if err := json.Unmarshal(respPayload, resp); err != nil {
		return errors.Wrapf(err, "jaybird: failed to unmarshal %s response", req.Command)
	}
	if msg := resp.hostError(); msg != "" {
		return errors.Newf("jaybird: host %s error: %s", req.Command, msg)
	}
	return nil
}

// Begin implements txn.Starter.
func (p *proxy) Begin(ctx context.Context) (txn.ID, error) {
	var resp generalResponse
	if err := p.do(ctx, types.SQLRequest{Command: types.CmdBeginTx}, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", errors.New("jaybird: host did not return a transaction ID for begin_tx")
	}
	return txn.ID(resp.TxID), nil
}

// Commit implements txn.Starter.
func (p *proxy) Commit(ctx context.Context, tx txn.ID) error {
	return p.do(ctx, types.SQLRequest{Command: types.CmdCommit, TxID: string(tx)}, &generalResponse{})
}

// Rollback implements txn.Starter.
func (p *proxy) Rollback(ctx context.Context, tx txn.ID) error {
	return p.do(ctx, types.SQLRequest{Command: types.CmdRollback, TxID: string(tx)}, &generalResponse{})
}

// OpenBlob implements lob.Transport.
func (p *proxy) OpenBlob(ctx context.Context, tx txn.ID, id lob.ID) (lob.Handle, error) {
	var resp blobResponse
	if err := p.do(ctx, types.SQLRequest{Command: types.CmdOpenBlob, TxID: string(tx), BlobID: int64(id)}, &resp); err != nil {
		return "", err
	}
	return lob.Handle(resp.Handle), nil
}

// ReadChunk implements lob.Transport.
func (p *proxy) ReadChunk(ctx context.Context, h lob.Handle, max int) ([]byte, error) {
	var resp blobResponse
	if err := p.do(ctx, types.SQLRequest{Command: types.CmdReadBlob, Handle: string(h), Max: max}, &resp); err != nil {
		return nil, err
	}
	if resp.EOF {
		return nil, io.EOF
	}
	return resp.Data, nil
}

// WriteChunk implements lob.Transport.
func (p *proxy) WriteChunk(ctx context.Context, h lob.Handle, data []byte) error {
	return p.do(ctx, types.SQLRequest{Command: types.CmdWriteBlob, Handle: string(h), Data: data}, &blobResponse{})
}

// CloseBlob implements lob.Transport.
func (p *proxy) CloseBlob(ctx context.Context, h lob.Handle) (lob.ID, error) {
	var resp blobResponse
	if err := p.do(ctx, types.SQLRequest{Command: types.CmdCloseBlob, Handle: string(h)}, &resp); err != nil {
		return 0, err
	}
	return lob.ID(resp.BlobID), nil
}

// cursor is a host cursor drained with fetch.
type cursor struct {
	p    *proxy
	id   string
	done bool
}

var _ lifecycle.RowSource = (*cursor)(nil)

// Fetch implements lifecycle.RowSource.
func (c *cursor) Fetch(ctx context.Context, max int) ([]*row.Row, bool, error) {
	if c.done {
		return nil, true, nil
	}
	var resp fetchResponse
	if err := c.p.do(ctx, types.SQLRequest{Command: types.CmdFetch, CursorID: c.id, Max: max}, &resp); err != nil {
		return nil, false, err
	}
	rows := make([]*row.Row, len(resp.Rows))
	for i, cells := range resp.Rows {
		rows[i] = row.FromValues(cells...)
	}
	c.done = resp.Done
	return rows, resp.Done, nil
}

// Close implements lifecycle.RowSource. A drained cursor is already gone on
// the host.
func (c *cursor) Close(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	return c.p.do(ctx, types.SQLRequest{Command: types.CmdCloseCursor, CursorID: c.id}, &generalResponse{})
}
