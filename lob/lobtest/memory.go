// Package lobtest provides an in-memory lob.Transport for tests.
package lobtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/laurentperez/jaybird/lob"
	"github.com/laurentperez/jaybird/txn"
)

type openBlob struct {
	id       lob.ID
	tx       txn.ID
	writable bool
	data     []byte
	offset   int
}

// Memory stores objects in a map and records every call.
type Memory struct {
	mu      sync.Mutex
	nextID  lob.ID
	nextH   int
	objects map[lob.ID][]byte
	handles map[lob.Handle]*openBlob

	// Calls lists the operations in order, e.g. "open 0", "write 2", "close 1".
	Calls []string
	// FailRead makes the n-th ReadChunk (1-based) fail with ReadErr.
	FailRead int
	ReadErr  error
	// FailWrite makes the n-th WriteChunk (1-based) fail with WriteErr.
	FailWrite int
	WriteErr  error
	// BlockRead, when set, is called by ReadChunk before returning data.
	BlockRead func(ctx context.Context) error

	reads  int
	writes int
}

var _ lob.Transport = (*Memory)(nil)

// New returns an empty transport.
func New() *Memory {
	return &Memory{
		objects: map[lob.ID][]byte{},
		handles: map[lob.Handle]*openBlob{},
	}
}

// Put stores data as a new object and returns its id.
func (m *Memory) Put(data []byte) lob.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.objects[m.nextID] = append([]byte(nil), data...)
	return m.nextID
}

// Get returns the content of object id.
func (m *Memory) Get(id lob.ID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[id]
	return data, ok
}

// Objects returns the number of committed objects.
func (m *Memory) Objects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Count returns the number of recorded calls with the given operation name.
func (m *Memory) Count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if f := strings.Fields(c); len(f) > 0 && f[0] == op {
			n++
		}
	}
	return n
}

// OpenHandles returns the number of handles not closed yet.
func (m *Memory) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Memory) OpenBlob(ctx context.Context, tx txn.ID, id lob.ID) (lob.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, fmt.Sprintf("open %d", id))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b := &openBlob{id: id, tx: tx, writable: id == 0}
	if id != 0 {
		data, ok := m.objects[id]
		if !ok {
			return "", errors.Newf("blob %d does not exist", id)
		}
		b.data = data
	}
	m.nextH++
	h := lob.Handle(fmt.Sprintf("h%d", m.nextH))
	m.handles[h] = b
	return h, nil
}

func (m *Memory) ReadChunk(ctx context.Context, h lob.Handle, max int) ([]byte, error) {
	if m.BlockRead != nil {
		if err := m.BlockRead(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	m.Calls = append(m.Calls, fmt.Sprintf("read %d", max))
	if m.FailRead != 0 && m.reads == m.FailRead {
		return nil, m.ReadErr
	}
	b, ok := m.handles[h]
	if !ok {
		return nil, errors.Newf("unknown handle %s", h)
	}
	if b.offset >= len(b.data) {
		return nil, io.EOF
	}
	end := b.offset + max
	if end > len(b.data) {
		end = len(b.data)
	}
	chunk := append([]byte(nil), b.data[b.offset:end]...)
	b.offset = end
	return chunk, nil
}

func (m *Memory) WriteChunk(ctx context.Context, h lob.Handle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.Calls = append(m.Calls, fmt.Sprintf("write %d", len(data)))
	if m.FailWrite != 0 && m.writes == m.FailWrite {
		return m.WriteErr
	}
	b, ok := m.handles[h]
	if !ok {
		return errors.Newf("unknown handle %s", h)
	}
	if !b.writable {
		return errors.Newf("handle %s is read-only", h)
	}
	b.data = append(b.data, data...)
	return nil
}

func (m *Memory) CloseBlob(ctx context.Context, h lob.Handle) (lob.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.handles[h]
	if !ok {
		return 0, errors.Newf("unknown handle %s", h)
	}
	delete(m.handles, h)
	if b.writable {
		m.nextID++
		b.id = m.nextID
		m.objects[b.id] = b.data
	}
	m.Calls = append(m.Calls, fmt.Sprintf("close %d", b.id))
	return b.id, nil
}

// Owner is a fixed transaction owner.
type Owner struct {
	ModeValue txn.Mode
	Tx        txn.ID
	Ensured   int
}

var _ txn.Owner = (*Owner)(nil)

func (o *Owner) Mode() txn.Mode { return o.ModeValue }

func (o *Owner) EnsureActiveTransaction(ctx context.Context) (txn.ID, error) {
	o.Ensured++
	if o.Tx == "" {
		o.Tx = "tx"
	}
	return o.Tx, nil
}

func (o *Owner) Active() (txn.ID, bool) { return o.Tx, o.Tx != "" }
