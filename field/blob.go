package field

import (
	"bytes"
	"context"
	"database/sql"
	"io"

	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/txn"
)

// BlobField is a large-object column with deferred writes.
//
// While cached is set the value lives in buf and the slot is pending; the
// field then holds no blob. After a streamed write or a flush the slot holds
// the identifier of the new object.
type BlobField struct {
	desc      Descriptor
	slot      row.Slot
	owner     txn.Owner
	transport lob.Transport
	opts      options

	cached bool
	buf    []byte
	blob   *lob.Blob
}

var _ Field = (*BlobField)(nil)

// NewBlob returns a large-object field over slot.
func NewBlob(desc Descriptor, slot row.Slot, owner txn.Owner, transport lob.Transport, opts ...Option) *BlobField {
	return &BlobField{
		desc:      desc,
		slot:      slot,
		owner:     owner,
		transport: transport,
		opts:      buildOptions(opts),
	}
}

// Descriptor implements Field.
func (f *BlobField) Descriptor() Descriptor {
	return f.desc
}

// Cached reports whether the field holds buffered bytes not flushed yet.
func (f *BlobField) Cached() bool {
	return f.cached
}

func (f *BlobField) discard() {
	f.cached = false
	f.buf = nil
	f.forgetBlob()
}

func (f *BlobField) forgetBlob() {
	if f.blob != nil {
		f.blob.Close()
		f.blob = nil
	}
}

// IsNull implements Field.
func (f *BlobField) IsNull() (bool, error) {
	if err := f.slot.Check(); err != nil {
		return false, err
	}
	if f.cached {
		return false, nil
	}
	state, _, err := f.slot.Get()
	if err != nil {
		return false, err
	}
	return state != row.Raw, nil
}

// SetNull implements Field. Pending buffered bytes are dropped.
func (f *BlobField) SetNull() error {
	if err := f.slot.Check(); err != nil {
		return err
	}
	f.discard()
	return f.slot.SetNull()
}

// SetBytes implements Field. A nil value sets null.
func (f *BlobField) SetBytes(ctx context.Context, value []byte) error {
	if value == nil {
		return f.SetNull()
	}
	if err := f.slot.Check(); err != nil {
		return err
	}
	switch PolicyFor(f.owner.Mode()) {
	case Stream:
		return f.streamValue(ctx, bytes.NewReader(value), int64(len(value)))
	default:
		return f.bufferValue(append(make([]byte, 0, len(value)), value...))
	}
}

// SetString implements Field. The text is encoded with the column charset.
func (f *BlobField) SetString(ctx context.Context, value string) error {
	data, err := f.opts.codec.Encode(value, f.desc.Charset)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	return f.SetBytes(ctx, data)
}

// SetStream implements Field.
func (f *BlobField) SetStream(ctx context.Context, r io.Reader, length int64) error {
	if r == nil {
		return f.SetNull()
	}
	if err := f.slot.Check(); err != nil {
		return err
	}
	if PolicyFor(f.owner.Mode()) == Stream {
		return f.streamValue(ctx, r, length)
	}
	if err := f.checkBuffer(length); err != nil {
		return err
	}
	data, err := readExactly(r, length)
	if err != nil {
		return err
	}
	return f.bufferValue(data)
}

func (f *BlobField) checkBuffer(size int64) error {
	if f.opts.maxBuffer > 0 && size > f.opts.maxBuffer {
		return sqlerr.BufferLimit(size, f.opts.maxBuffer)
	}
	return nil
}

// bufferValue takes ownership of data.
func (f *BlobField) bufferValue(data []byte) error {
	if err := f.checkBuffer(int64(len(data))); err != nil {
		return err
	}
	if err := f.slot.SetPending(); err != nil {
		return err
	}
	f.forgetBlob()
	f.buf = data
	f.cached = true
	return nil
}

// streamValue writes the value inside the current transaction, starting one
// when needed.
func (f *BlobField) streamValue(ctx context.Context, r io.Reader, length int64) error {
	if _, err := f.owner.EnsureActiveTransaction(ctx); err != nil {
		return err
	}
	f.discard()
	return f.write(ctx, r, length)
}

func (f *BlobField) write(ctx context.Context, r io.Reader, length int64) error {
	b := lob.New(f.transport, f.owner, 0, f.opts.blobOpts...)
	if err := b.WriteStream(ctx, r, length); err != nil {
		b.Close()
		return f.unassign(err)
	}
	if err := f.slot.Set(EncodeBlobID(b.ID())); err != nil {
		b.Close()
		return f.unassign(err)
	}
	f.blob = b
	return nil
}

// unassign returns the slot to the never-set state after a failed write, so
// the value is not sent as null by a later execution.
func (f *BlobField) unassign(err error) error {
	// Unassign only fails once the row is gone, which leaves nothing to reset.
	_ = f.slot.Unassign()
	return err
}

// Flush implements Field. It is a no-op unless bytes are buffered. The
// buffer is dropped on every exit path, so a failed flush is never retried
// by a later one.
func (f *BlobField) Flush(ctx context.Context) error {
	if !f.cached {
		return nil
	}
	data := f.buf
	defer func() {
		f.cached = false
		f.buf = nil
	}()
	if err := f.slot.Check(); err != nil {
		return err
	}
	jlog.FromContext(ctx).WithField("column", f.desc.Name).WithField("bytes", len(data)).Debug("flushing buffered blob")
	return f.write(ctx, bytes.NewReader(data), int64(len(data)))
}

// GetBytes implements Field. Buffered bytes are returned without a remote
// round trip. A drain interrupted by a transport failure or a cancellation
// fails with a conversion error and returns no bytes.
func (f *BlobField) GetBytes(ctx context.Context) ([]byte, error) {
	if err := f.slot.Check(); err != nil {
		return nil, err
	}
	if f.cached {
		return append(make([]byte, 0, len(f.buf)), f.buf...), nil
	}
	rc, err := f.open(ctx)
	if err != nil || rc == nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, sqlerr.Conversion(err, "read %s", f.name())
	}
	return data, nil
}

// open returns the read stream of the slot's object, or nil for null.
func (f *BlobField) open(ctx context.Context) (io.ReadCloser, error) {
	state, data, err := f.slot.Get()
	if err != nil {
		return nil, err
	}
	if state != row.Raw {
		return nil, nil
	}
	id, err := DecodeBlobID(data)
	if err != nil {
		return nil, err
	}
	if f.blob == nil || f.blob.Closed() || f.blob.ID() != id {
		f.forgetBlob()
		f.blob = lob.New(f.transport, f.owner, id, f.opts.blobOpts...)
	}
	return f.blob.ReadStream(ctx)
}

func (f *BlobField) name() string {
	if f.desc.Name != "" {
		return "column " + f.desc.Name
	}
	return "blob column"
}

// GetString implements Field.
func (f *BlobField) GetString(ctx context.Context) (sql.NullString, error) {
	data, err := f.GetBytes(ctx)
	if err != nil {
		return sql.NullString{}, err
	}
	return nullString(data, f.opts.codec, f.desc.Charset)
}

// Stream implements Field.
func (f *BlobField) Stream(ctx context.Context) (io.ReadCloser, error) {
	if err := f.slot.Check(); err != nil {
		return nil, err
	}
	if f.cached {
		return io.NopCloser(bytes.NewReader(append([]byte(nil), f.buf...))), nil
	}
	return f.open(ctx)
}

// Object implements Field.
func (f *BlobField) Object(ctx context.Context) (interface{}, error) {
	if f.desc.Text() {
		s, err := f.GetString(ctx)
		if err != nil || !s.Valid {
			return nil, err
		}
		return s.String, nil
	}
	data, err := f.GetBytes(ctx)
	if err != nil || data == nil {
		return nil, err
	}
	return data, nil
}

// CachedObject implements Field. The value is materialized, so it survives
// the blob being forgotten.
func (f *BlobField) CachedObject(ctx context.Context) (interface{}, error) {
	return f.Object(ctx)
}

// Close implements Field. The remote object is forgotten, not deleted.
func (f *BlobField) Close() {
	f.discard()
}
