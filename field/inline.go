package field

import (
	"bytes"
	"context"
	"database/sql"
	"io"

	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlerr"
)

// InlineField is a column stored in the row itself.
type InlineField struct {
	desc Descriptor
	slot row.Slot
	opts options
}

var _ Field = (*InlineField)(nil)

// NewInline returns an in-row field over slot.
func NewInline(desc Descriptor, slot row.Slot, opts ...Option) *InlineField {
	return &InlineField{desc: desc, slot: slot, opts: buildOptions(opts)}
}

// Descriptor implements Field.
func (f *InlineField) Descriptor() Descriptor {
	return f.desc
}

// IsNull implements Field.
func (f *InlineField) IsNull() (bool, error) {
	state, _, err := f.slot.Get()
	if err != nil {
		return false, err
	}
	return state != row.Raw, nil
}

// SetNull implements Field.
func (f *InlineField) SetNull() error {
	return f.slot.SetNull()
}

// SetBytes implements Field. Values wider than the column are rejected.
func (f *InlineField) SetBytes(ctx context.Context, value []byte) error {
	if value == nil {
		return f.SetNull()
	}
	if f.desc.Length > 0 && len(value) > f.desc.Length {
		return sqlerr.Conversion(nil, "value of %d bytes exceeds the %d byte width of %s", len(value), f.desc.Length, f.desc.Type)
	}
	return f.slot.Set(append(make([]byte, 0, len(value)), value...))
}

// SetString implements Field.
func (f *InlineField) SetString(ctx context.Context, value string) error {
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
func (f *InlineField) SetStream(ctx context.Context, r io.Reader, length int64) error {
	if r == nil {
		return f.SetNull()
	}
	if err := f.slot.Check(); err != nil {
		return err
	}
	if f.desc.Length > 0 && length > int64(f.desc.Length) {
		return sqlerr.Conversion(nil, "stream of %d bytes exceeds the %d byte width of %s", length, f.desc.Length, f.desc.Type)
	}
	data, err := readExactly(r, length)
	if err != nil {
		return err
	}
	return f.SetBytes(ctx, data)
}

// GetBytes implements Field.
func (f *InlineField) GetBytes(ctx context.Context) ([]byte, error) {
	state, data, err := f.slot.Get()
	if err != nil {
		return nil, err
	}
	if state != row.Raw {
		return nil, nil
	}
	return append(make([]byte, 0, len(data)), data...), nil
}

// GetString implements Field.
func (f *InlineField) GetString(ctx context.Context) (sql.NullString, error) {
	data, err := f.GetBytes(ctx)
	if err != nil {
		return sql.NullString{}, err
	}
	return nullString(data, f.opts.codec, f.desc.Charset)
}

// Stream implements Field.
func (f *InlineField) Stream(ctx context.Context) (io.ReadCloser, error) {
	data, err := f.GetBytes(ctx)
	if err != nil || data == nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Object implements Field.
func (f *InlineField) Object(ctx context.Context) (interface{}, error) {
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

// CachedObject implements Field.
func (f *InlineField) CachedObject(ctx context.Context) (interface{}, error) {
	return f.Object(ctx)
}

// Flush implements Field. In-row values have nothing to flush.
func (f *InlineField) Flush(ctx context.Context) error {
	return f.slot.Check()
}

// Close implements Field.
func (f *InlineField) Close() {}
