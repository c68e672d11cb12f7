// Package field converts between the raw column slots of a row and the
// values seen by callers.
//
// Large-object columns use a deferred-write policy: in auto-commit mode
// written bytes stay in a local buffer until the owning statement flushes
// them inside its transaction; in explicit mode they are streamed to the
// server at once and the slot receives the new object identifier. In-row
// columns are written straight into the slot.
package field

import (
	"context"
	"database/sql"
	"encoding/binary"
	"io"

	"github.com/laurentperez/jaybird/charset"
	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
	"github.com/laurentperez/jaybird/txn"
)

// DefaultMaxBuffer bounds the bytes a large-object field buffers in memory.
const DefaultMaxBuffer = 16 << 20

// Type is the declared column type.
type Type int

const (
	TypeBlob Type = iota
	TypeChar
	TypeVarchar
	TypeBinary
)

func (t Type) String() string {
	switch t {
	case TypeBlob:
		return "BLOB"
	case TypeChar:
		return "CHAR"
	case TypeVarchar:
		return "VARCHAR"
	case TypeBinary:
		return "BINARY"
	}
	return "UNKNOWN"
}

// SubType distinguishes binary from text large objects.
type SubType int

const (
	SubTypeBinary SubType = iota
	SubTypeText
)

// Descriptor describes one column.
type Descriptor struct {
	Name    string
	Type    Type
	SubType SubType
	// Length is the byte width of in-row columns; zero means unbounded.
	Length  int
	Charset string
}

// Text reports whether values of the column are character data.
func (d Descriptor) Text() bool {
	switch d.Type {
	case TypeBlob:
		return d.SubType == SubTypeText
	case TypeChar, TypeVarchar:
		return true
	}
	return false
}

// WritePolicy tells how a large-object write reaches the server.
type WritePolicy int

const (
	// Buffer keeps the bytes locally until Flush.
	Buffer WritePolicy = iota
	// Stream sends the bytes to a new remote object immediately.
	Stream
)

func (p WritePolicy) String() string {
	if p == Stream {
		return "stream"
	}
	return "buffer"
}

// PolicyFor returns the write policy of a large-object field under mode.
func PolicyFor(mode txn.Mode) WritePolicy {
	if mode == txn.Explicit {
		return Stream
	}
	return Buffer
}

// Field is the typed accessor of one column slot.
type Field interface {
	Descriptor() Descriptor
	IsNull() (bool, error)
	SetNull() error
	SetBytes(ctx context.Context, value []byte) error
	SetString(ctx context.Context, value string) error
	// SetStream reads exactly length bytes from r. A nil reader sets null.
	SetStream(ctx context.Context, r io.Reader, length int64) error
	// GetBytes returns nil for null and a non-nil slice otherwise.
	GetBytes(ctx context.Context) ([]byte, error)
	GetString(ctx context.Context) (sql.NullString, error)
	// Stream returns nil for null.
	Stream(ctx context.Context) (io.ReadCloser, error)
	// Object returns a string for text columns, a []byte otherwise, and nil
	// for null.
	Object(ctx context.Context) (interface{}, error)
	// CachedObject returns a snapshot of the value that stays valid after
	// the row is replaced.
	CachedObject(ctx context.Context) (interface{}, error)
	// Flush sends pending buffered bytes to the server.
	Flush(ctx context.Context) error
	// Close releases local resources. It never fails and is idempotent.
	Close()
}

// Option configures a field.
type Option func(*options)

type options struct {
	maxBuffer int64
	codec     charset.Codec
	blobOpts  []lob.Option
}

// WithMaxBuffer bounds the bytes buffered by large-object fields in
// auto-commit mode. Zero disables the bound.
func WithMaxBuffer(n int64) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBuffer = n
		}
	}
}

// WithCodec sets the charset codec. The default is charset.Default.
func WithCodec(c charset.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithBlobOptions sets options for every blob opened by the field.
func WithBlobOptions(opts ...lob.Option) Option {
	return func(o *options) {
		o.blobOpts = append(o.blobOpts, opts...)
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxBuffer: DefaultMaxBuffer,
		codec:     charset.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the field implementation of the descriptor's type.
func New(desc Descriptor, slot row.Slot, owner txn.Owner, transport lob.Transport, opts ...Option) Field {
	if desc.Type == TypeBlob {
		return NewBlob(desc, slot, owner, transport, opts...)
	}
	return NewInline(desc, slot, opts...)
}

// EncodeBlobID returns the wire representation of a large-object column.
func EncodeBlobID(id lob.ID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// DecodeBlobID parses the wire representation of a large-object column.
func DecodeBlobID(data []byte) (lob.ID, error) {
	if len(data) != 8 {
		return 0, sqlerr.Conversion(nil, "blob identifier has %d bytes, expected 8", len(data))
	}
	return lob.ID(binary.BigEndian.Uint64(data)), nil
}

func nullString(data []byte, codec charset.Codec, cs string) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	s, err := codec.Decode(data, cs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// readExactly drains length bytes from r.
func readExactly(r io.Reader, length int64) ([]byte, error) {
	if length < 0 {
		return nil, sqlerr.Conversion(nil, "negative stream length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, sqlerr.IOFailure(err, "read %d bytes from stream", length)
	}
	return buf, nil
}
