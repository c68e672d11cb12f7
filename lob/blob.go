// Package lob implements the client handle of a server-side large object.
//
// A Blob is owned by exactly one field. It opens the remote object lazily,
// reads it as a single-pass stream and writes new objects in chunks. Every
// remote operation is bracketed by BlobExecutionStarted and
// BlobExecutionCompleted events so the transaction owner can keep the
// transaction open while blob I/O is in flight.
package lob

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/listener"
	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/txn"
)

// DefaultChunkSize is the size of the chunks read and written by a blob.
const DefaultChunkSize = 4096

// ID identifies a server-side large object. Zero means the object does not
// exist yet.
type ID int64

// Handle identifies an open large object on the transport.
type Handle string

// Transport performs the remote large-object operations.
type Transport interface {
	// OpenBlob attaches to the object id, or creates a new one when id is zero.
	OpenBlob(ctx context.Context, tx txn.ID, id ID) (Handle, error)
	// ReadChunk returns at most max bytes, or io.EOF once the object is
	// exhausted.
	ReadChunk(ctx context.Context, h Handle, max int) ([]byte, error)
	WriteChunk(ctx context.Context, h Handle, data []byte) error
	// CloseBlob releases the handle and returns the id of the object.
	CloseBlob(ctx context.Context, h Handle) (ID, error)
}

// Option configures a Blob.
type Option func(*Blob)

// WithChunkSize sets the transfer chunk size. Non-positive values are ignored.
func WithChunkSize(n int) Option {
	return func(b *Blob) {
		if n > 0 {
			b.chunkSize = n
		}
	}
}

// WithListener sets the listener receiving the blob's execution events.
func WithListener(l listener.BlobListener) Option {
	return func(b *Blob) {
		if l != nil {
			b.listener = l
		}
	}
}

// Blob is the handle of one remote large object.
type Blob struct {
	resourceID uuid.UUID
	transport  Transport
	owner      txn.Owner
	listener   listener.BlobListener
	chunkSize  int

	id       ID
	handle   Handle
	writable bool
	isOpen   bool
	reader   *reader
	closed   bool
}

// New returns the handle of object id. Use zero for a new object.
func New(transport Transport, owner txn.Owner, id ID, opts ...Option) *Blob {
	b := &Blob{
		resourceID: uuid.New(),
		transport:  transport,
		owner:      owner,
		listener:   listener.NoActionBlob,
		chunkSize:  DefaultChunkSize,
		id:         id,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ResourceID implements listener.Source.
func (b *Blob) ResourceID() uuid.UUID {
	return b.resourceID
}

// ID returns the object identifier, zero until a write establishes it.
func (b *Blob) ID() ID {
	return b.id
}

func (b *Blob) logContext(ctx context.Context) context.Context {
	ctx = jlog.WithTag(ctx, "blob", b.resourceID.String()[:8])
	if b.id != 0 {
		ctx = jlog.WithTag(ctx, "id", int64(b.id))
	}
	return ctx
}

// started publishes the opening event of a remote operation.
func (b *Blob) started(ctx context.Context) error {
	return b.listener.BlobExecutionStarted(ctx, b)
}

// completed publishes the closing event and combines its error with err.
func (b *Blob) completed(ctx context.Context, err error) error {
	if cErr := b.listener.BlobExecutionCompleted(ctx, b); cErr != nil {
		err = errors.CombineErrors(err, cErr)
	}
	return err
}

// Open establishes the remote object when the id is zero, which requires an
// active transaction, or attaches to the existing object otherwise. Opening
// an open blob is a no-op.
func (b *Blob) Open(ctx context.Context) (err error) {
	if b.closed {
		return sqlerr.ResourceClosed("blob is closed")
	}
	if b.isOpen {
		return nil
	}
	ctx = b.logContext(ctx)
	if err := b.started(ctx); err != nil {
		return b.completed(ctx, err)
	}
	defer func() { err = b.completed(ctx, err) }()
	return b.openLocked(ctx)
}

func (b *Blob) openLocked(ctx context.Context) error {
	tx, active := b.owner.Active()
	if b.id == 0 && !active {
		return sqlerr.ResourceUnavailable("creating a blob requires an active transaction")
	}
	h, err := b.transport.OpenBlob(ctx, tx, b.id)
	if err != nil {
		return sqlerr.IOFailure(err, "open blob %d", b.id)
	}
	b.handle = h
	b.writable = b.id == 0
	b.isOpen = true
	jlog.FromContext(ctx).WithField("writable", b.writable).Debug("blob opened")
	return nil
}

// release closes the transport handle of an open blob and returns the id the
// transport reports.
func (b *Blob) release(ctx context.Context) (ID, error) {
	if !b.isOpen {
		return b.id, nil
	}
	h := b.handle
	b.isOpen = false
	b.handle = ""
	b.writable = false
	id, err := b.transport.CloseBlob(ctx, h)
	if err != nil {
		return 0, sqlerr.IOFailure(err, "close blob handle")
	}
	return id, nil
}

// WriteStream creates a new remote object holding exactly length bytes read
// from r. The source must provide all of them; on success ID returns the new
// identifier.
func (b *Blob) WriteStream(ctx context.Context, r io.Reader, length int64) (err error) {
	if b.closed {
		return sqlerr.ResourceClosed("blob is closed")
	}
	if length < 0 {
		return errors.Newf("negative blob length %d", length)
	}
	ctx = b.logContext(ctx)
	if err := b.started(ctx); err != nil {
		return b.completed(ctx, err)
	}
	defer func() { err = b.completed(ctx, err) }()

	if b.isOpen && !b.writable {
		if _, err := b.release(ctx); err != nil {
			return err
		}
	}
	if !b.isOpen {
		b.id = 0
		if err := b.openLocked(ctx); err != nil {
			return err
		}
	}

	written, err := b.copyChunks(ctx, r, length)
	if err != nil {
		// The partial object is abandoned; the server reclaims it.
		if _, cErr := b.release(ctx); cErr != nil {
			jlog.FromContext(ctx).WithError(cErr).Warn("closing failed blob write")
		}
		return err
	}
	id, err := b.release(ctx)
	if err != nil {
		return err
	}
	b.id = id
	jlog.FromContext(ctx).WithField("id", int64(id)).WithField("bytes", written).Debug("blob written")
	return nil
}

func (b *Blob) copyChunks(ctx context.Context, r io.Reader, length int64) (int64, error) {
	buf := make([]byte, b.chunkSize)
	var written int64
	for written < length {
		if err := sqlerr.FromContext(ctx); err != nil {
			return written, sqlerr.IOFailure(err, "write blob")
		}
		n := int64(len(buf))
		if remaining := length - written; remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(r, buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = errors.Wrapf(io.ErrUnexpectedEOF, "source ended after %d of %d bytes", written+int64(read), length)
			}
			return written, sqlerr.IOFailure(err, "read blob source")
		}
		if err := b.transport.WriteChunk(ctx, b.handle, buf[:read]); err != nil {
			return written, sqlerr.IOFailure(err, "write blob chunk")
		}
		written += int64(read)
	}
	return written, nil
}

// ReadStream returns a single-pass reader over the object's bytes. The
// reader must be closed; closing the blob closes it too.
func (b *Blob) ReadStream(ctx context.Context) (io.ReadCloser, error) {
	if b.closed {
		return nil, sqlerr.ResourceClosed("blob is closed")
	}
	if b.id == 0 {
		return nil, sqlerr.ResourceUnavailable("blob has no identifier")
	}
	if b.reader != nil {
		b.reader.finish()
	}
	ctx = b.logContext(ctx)
	if err := b.started(ctx); err != nil {
		return nil, b.completed(ctx, err)
	}
	if b.isOpen && b.writable {
		if _, err := b.release(ctx); err != nil {
			return nil, b.completed(ctx, err)
		}
	}
	if !b.isOpen {
		if err := b.openLocked(ctx); err != nil {
			return nil, b.completed(ctx, err)
		}
	}
	b.reader = &reader{blob: b, ctx: ctx}
	return b.reader, nil
}

// Close forgets the remote object. It never fails: transport errors are
// logged. Close is idempotent.
func (b *Blob) Close() {
	if b.closed {
		return
	}
	ctx := b.logContext(context.Background())
	if r := b.reader; r != nil {
		r.pending = nil
		r.finish()
	}
	if _, err := b.release(ctx); err != nil {
		jlog.FromContext(ctx).WithError(err).Warn("closing blob")
	}
	b.closed = true
}

// Closed reports whether Close was called.
func (b *Blob) Closed() bool {
	return b.closed
}

// reader streams the object chunk by chunk. The blob's execution bracket
// stays open until the reader is exhausted or closed.
type reader struct {
	blob    *Blob
	ctx     context.Context
	pending []byte
	err     error
	done    bool
}

func (r *reader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	if r.done {
		if r.err != nil {
			return 0, r.err
		}
		if r.blob.closed {
			return 0, sqlerr.ResourceClosed("blob is closed")
		}
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if err := sqlerr.FromContext(r.ctx); err != nil {
			r.err = sqlerr.IOFailure(err, "read blob")
			r.finish()
			return 0, r.err
		}
		chunk, err := r.blob.transport.ReadChunk(r.ctx, r.blob.handle, r.blob.chunkSize)
		if errors.Is(err, io.EOF) {
			r.finish()
			if len(chunk) > 0 {
				r.pending = chunk
				return r.Read(p)
			}
			return 0, io.EOF
		}
		if err != nil {
			r.err = sqlerr.IOFailure(err, "read blob chunk")
			r.finish()
			return 0, r.err
		}
		if len(chunk) == 0 {
			continue
		}
		n := copy(p, chunk)
		r.pending = chunk[n:]
		return n, nil
	}
}

// finish releases the handle and closes the execution bracket once.
func (r *reader) finish() {
	if r.done {
		return
	}
	r.done = true
	b := r.blob
	if b.reader == r {
		b.reader = nil
	}
	if _, err := b.release(r.ctx); err != nil {
		jlog.FromContext(r.ctx).WithError(err).Warn("closing blob stream")
	}
	if err := b.completed(r.ctx, nil); err != nil {
		r.err = errors.CombineErrors(r.err, err)
	}
}

// Close ends the stream. It is idempotent.
func (r *reader) Close() error {
	r.finish()
	return nil
}
