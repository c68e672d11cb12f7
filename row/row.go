// Package row holds the raw column slots of the current fetch result or of a
// statement's parameters.
//
// A Row is an ordered sequence of slots, each unset, null or raw bytes. A
// Store owns the row currently positioned by a cursor: fetches replace it
// wholesale and closing the cursor invalidates it, after which every Slot
// bound to the store refuses access.
package row

import (
	"github.com/laurentperez/jaybird/sqlerr"
)

// State of a column slot.
type State int

const (
	Unset State = iota
	Null
	Raw
)

func (s State) String() string {
	switch s {
	case Unset:
		return "unset"
	case Null:
		return "null"
	case Raw:
		return "raw"
	}
	return "unknown"
}

type slot struct {
	state State
	data  []byte
}

// Row is an ordered sequence of column slots.
type Row struct {
	slots []slot
}

// New returns a row of n unset slots.
func New(n int) *Row {
	return &Row{slots: make([]slot, n)}
}

// FromValues builds a row from raw column values; a nil entry is a null slot.
func FromValues(values ...[]byte) *Row {
	r := New(len(values))
	for i, v := range values {
		if v == nil {
			r.slots[i].state = Null
			continue
		}
		r.slots[i] = slot{state: Raw, data: v}
	}
	return r
}

// Len returns the number of slots.
func (r *Row) Len() int {
	if r == nil {
		return 0
	}
	return len(r.slots)
}

// State returns the state of slot i.
func (r *Row) State(i int) State {
	return r.slots[i].state
}

// Bytes returns the raw data of slot i, nil unless the slot is Raw.
func (r *Row) Bytes(i int) []byte {
	if r.slots[i].state != Raw {
		return nil
	}
	return r.slots[i].data
}

// Set stores raw data in slot i. The data is not copied.
func (r *Row) Set(i int, data []byte) {
	if data == nil {
		data = []byte{}
	}
	r.slots[i] = slot{state: Raw, data: data}
}

// SetNull marks slot i null.
func (r *Row) SetNull(i int) {
	r.slots[i] = slot{state: Null}
}

// Clear returns slot i to the unset state.
func (r *Row) Clear(i int) {
	r.slots[i] = slot{}
}

// Copy returns a deep copy of the row.
func (r *Row) Copy() *Row {
	if r == nil {
		return nil
	}
	c := New(len(r.slots))
	for i, s := range r.slots {
		c.slots[i].state = s.state
		if s.data != nil {
			c.slots[i].data = append([]byte(nil), s.data...)
		}
	}
	return c
}

// Store owns the current row of a cursor or a parameter set.
type Store struct {
	name     string
	current  *Row
	assigned []bool
	valid    bool
}

// NewStore returns a valid store holding an unset row of n columns. The name
// is used in error messages.
func NewStore(name string, n int) *Store {
	return &Store{
		name:     name,
		current:  New(n),
		assigned: make([]bool, n),
		valid:    true,
	}
}

// Columns returns the number of columns of the store.
func (s *Store) Columns() int {
	return len(s.assigned)
}

// Row returns the current row, or a FieldAccess error once invalidated.
func (s *Store) Row() (*Row, error) {
	if !s.valid {
		return nil, sqlerr.FieldAccess("%s: row is no longer available", s.name)
	}
	return s.current, nil
}

// Valid reports whether the store may still be accessed.
func (s *Store) Valid() bool {
	return s.valid
}

// Replace installs a new current row, dropping all assigned marks. A nil
// row installs an unset row.
func (s *Store) Replace(r *Row) error {
	if !s.valid {
		return sqlerr.FieldAccess("%s: row is no longer available", s.name)
	}
	if r == nil {
		r = New(len(s.assigned))
	}
	if r.Len() != len(s.assigned) {
		return sqlerr.FieldAccess("%s: row has %d columns, expected %d", s.name, r.Len(), len(s.assigned))
	}
	s.current = r
	for i := range s.assigned {
		s.assigned[i] = false
	}
	return nil
}

// Reset clears every slot and assigned mark without invalidating the store.
func (s *Store) Reset() {
	if !s.valid {
		return
	}
	s.current = New(len(s.assigned))
	for i := range s.assigned {
		s.assigned[i] = false
	}
}

// Invalidate releases the current row. It is idempotent.
func (s *Store) Invalidate() {
	s.valid = false
	s.current = nil
}

// MarkAssigned records that column i received a value from the caller, even
// when the slot itself is not yet written.
func (s *Store) MarkAssigned(i int) {
	if s.valid {
		s.assigned[i] = true
	}
}

// Assigned reports whether column i received a value or a raw slot.
func (s *Store) Assigned(i int) bool {
	if !s.valid {
		return false
	}
	return s.assigned[i] || s.current.State(i) != Unset
}

// Unassigned returns the indexes of columns that were never assigned.
func (s *Store) Unassigned() []int {
	var out []int
	for i := range s.assigned {
		if !s.Assigned(i) {
			out = append(out, i)
		}
	}
	return out
}

// Slot returns the accessor for column i.
func (s *Store) Slot(i int) Slot {
	return Slot{store: s, index: i}
}

// Slot resolves one column of the store's current row. It stays bound to
// the store across row replacements.
type Slot struct {
	store *Store
	index int
}

// Index returns the column index.
func (sl Slot) Index() int {
	return sl.index
}

// Check fails with a FieldAccess error when the store was invalidated.
func (sl Slot) Check() error {
	if sl.store == nil {
		return sqlerr.FieldAccess("field is not bound to a row")
	}
	_, err := sl.store.Row()
	return err
}

// Get returns the state and raw data of the slot.
func (sl Slot) Get() (State, []byte, error) {
	if sl.store == nil {
		return Unset, nil, sqlerr.FieldAccess("field is not bound to a row")
	}
	r, err := sl.store.Row()
	if err != nil {
		return Unset, nil, err
	}
	return r.State(sl.index), r.Bytes(sl.index), nil
}

// Set writes raw data into the slot and marks it assigned.
func (sl Slot) Set(data []byte) error {
	r, err := sl.row()
	if err != nil {
		return err
	}
	r.Set(sl.index, data)
	sl.store.MarkAssigned(sl.index)
	return nil
}

// SetNull marks the slot null and assigned.
func (sl Slot) SetNull() error {
	r, err := sl.row()
	if err != nil {
		return err
	}
	r.SetNull(sl.index)
	sl.store.MarkAssigned(sl.index)
	return nil
}

// SetPending marks the slot assigned while its wire value is not known yet.
// The slot returns to the unset state.
func (sl Slot) SetPending() error {
	r, err := sl.row()
	if err != nil {
		return err
	}
	r.Clear(sl.index)
	sl.store.MarkAssigned(sl.index)
	return nil
}

// Unassign clears the slot and its assigned mark, so the column counts as
// never set.
func (sl Slot) Unassign() error {
	r, err := sl.row()
	if err != nil {
		return err
	}
	r.Clear(sl.index)
	sl.store.assigned[sl.index] = false
	return nil
}

func (sl Slot) row() (*Row, error) {
	if sl.store == nil {
		return nil, sqlerr.FieldAccess("field is not bound to a row")
	}
	return sl.store.Row()
}
