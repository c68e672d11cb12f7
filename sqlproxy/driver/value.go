package driver

import (
	"bytes"
	"database/sql/driver"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/laurentperez/jaybird/field"
	"github.com/laurentperez/jaybird/row"
	"github.com/laurentperez/jaybird/sqlproxy/types"
)

// LargeObject is a statement argument stored as a large object. Length bytes
// are read from Reader when the statement binds it.
type LargeObject struct {
	Reader io.Reader
	Length int64
	// Text objects are encoded with the connection charset.
	Text bool
}

// LargeBinary wraps data as a binary large-object argument.
func LargeBinary(data []byte) LargeObject {
	return LargeObject{Reader: bytes.NewReader(data), Length: int64(len(data))}
}

// LargeText wraps s as a text large-object argument.
func LargeText(s string) LargeObject {
	return LargeObject{Reader: strings.NewReader(s), Length: int64(len(s)), Text: true}
}

// LargeStream wraps a reader of length bytes as a binary large-object
// argument.
func LargeStream(r io.Reader, length int64) LargeObject {
	return LargeObject{Reader: r, Length: length}
}

// kindLOB parameters travel as the identifier of their object.
const kindLOB = "lob"

func checkValue(v interface{}) (driver.Value, error) {
	switch v := v.(type) {
	case LargeObject:
		return v, nil
	case *LargeObject:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

// describe returns the parameter descriptor and wire kind of an argument.
func describe(i int, v driver.Value, cs string) (field.Descriptor, string) {
	name := "$" + strconv.Itoa(i+1)
	switch v := v.(type) {
	case LargeObject:
		d := field.Descriptor{Name: name, Type: field.TypeBlob}
		if v.Text {
			d.SubType = field.SubTypeText
			d.Charset = cs
		}
		return d, kindLOB
	case []byte:
		return field.Descriptor{Name: name, Type: field.TypeBinary}, types.KindBytes
	case int64, bool:
		return field.Descriptor{Name: name, Type: field.TypeVarchar, Charset: "UTF8"}, types.KindInt
	case float64:
		return field.Descriptor{Name: name, Type: field.TypeVarchar, Charset: "UTF8"}, types.KindReal
	case nil:
		return field.Descriptor{Name: name, Type: field.TypeVarchar, Charset: "UTF8"}, types.KindNull
	}
	return field.Descriptor{Name: name, Type: field.TypeVarchar, Charset: "UTF8"}, types.KindText
}

// wireArg renders the raw slot of a flushed parameter.
func wireArg(r *row.Row, i int, kind string) (types.Value, error) {
	if r.State(i) != row.Raw {
		return types.Value{Kind: types.KindNull}, nil
	}
	raw := r.Bytes(i)
	switch kind {
	case kindLOB:
		id, err := field.DecodeBlobID(raw)
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{Kind: types.KindInt, Int: int64(id)}, nil
	case types.KindInt:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parameter %d", i+1)
		}
		return types.Value{Kind: types.KindInt, Int: n}, nil
	case types.KindReal:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "parameter %d", i+1)
		}
		return types.Value{Kind: types.KindReal, Real: f}, nil
	case types.KindBytes:
		return types.Value{Kind: types.KindBytes, Bytes: raw}, nil
	}
	return types.Value{Kind: types.KindText, Text: string(raw)}, nil
}

// textOf renders scalar arguments the way they travel in a text slot.
func textOf(v driver.Value) string {
	switch v := v.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case string:
		return v
	}
	return ""
}

// columnDescriptor maps a host column to the descriptor of its field.
func columnDescriptor(c types.Column, cs string) field.Descriptor {
	d := field.Descriptor{Name: c.Name, Type: field.TypeVarchar, Charset: "UTF8"}
	switch c.Type {
	case types.ColumnLOB:
		d = field.Descriptor{Name: c.Name, Type: field.TypeBlob}
	case types.ColumnTextLOB:
		d = field.Descriptor{Name: c.Name, Type: field.TypeBlob, SubType: field.SubTypeText, Charset: cs}
	case types.ColumnBinary:
		d = field.Descriptor{Name: c.Name, Type: field.TypeBinary}
	}
	return d
}
