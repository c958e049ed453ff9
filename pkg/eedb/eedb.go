// Package eedb is a small record store of fixed size tables.
//
// Every table has a fixed number of slots. A slot holds a header (primary key,
// foreign key, deleted flag and the id of the insert) followed by a fixed
// size little endian record. Deleted slots are tombstones reused by the next
// insert. The slots are kept in a pebble database.
package eedb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/segmentio/ksuid"
	"github.com/womat/debug"
)

const (
	// Any matches every primary or foreign key.
	Any uint32 = 0xFFFFFFFF

	// formattedMagic marks a formatted table. Changing it reformats all tables.
	formattedMagic uint32 = 0xBEEFDEAD

	headerSize = 4 + 4 + 1 + len(ksuid.KSUID{})
)

var (
	// ErrNotFound is returned if no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrFull is returned if a table has no free slot.
	ErrFull = errors.New("table full")
	// ErrLocation is returned for a location outside the table.
	ErrLocation = errors.New("invalid location")
)

// Location is the slot of a record.
type Location int

// Start is the location before the first slot. Find(pk, fk, Start) searches
// from the beginning.
const Start Location = -1

// Header precedes every record.
type Header struct {
	PK      uint32
	FK      uint32
	Deleted bool
	// ID is assigned on insert, it orders the records by time of insertion.
	ID ksuid.KSUID
}

// DB holds the tables.
type DB struct {
	db *pebble.DB
	mu sync.Mutex

	// lastID is the id of the latest insert
	lastID ksuid.KSUID
}

// Table is a fixed size table of records.
type Table struct {
	db         *DB
	name       string
	capacity   int
	recordSize int

	// nextFree is a free slot found while searching, -1 if unknown
	nextFree Location
}

// Open opens the database in path.
func Open(path string) (*DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Table opens the table name holding capacity records shaped like proto.
// proto must be a fixed size value for encoding/binary.
// The table is formatted if it doesn't exist or its shape has changed.
func (d *DB) Table(name string, capacity int, proto any) (*Table, error) {
	size := binary.Size(proto)
	if size < 0 {
		return nil, fmt.Errorf("table %s: record %T has no fixed size", name, proto)
	}
	if capacity <= 0 || capacity > 0xFFFF {
		return nil, fmt.Errorf("table %s: invalid capacity %d", name, capacity)
	}

	t := &Table{db: d, name: name, capacity: capacity, recordSize: size, nextFree: -1}

	d.mu.Lock()
	defer d.mu.Unlock()

	info, closer, err := d.db.Get(t.infoKey())
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		valid := bytes.Equal(info, t.info())
		_ = closer.Close()
		if valid {
			return t, nil
		}
	}

	debug.InfoLog.Printf("formatting table %s (%d records of %d bytes)", name, capacity, size)
	return t, t.format()
}

// Name returns the name of the table.
func (t *Table) Name() string { return t.name }

// Capacity returns the number of slots.
func (t *Table) Capacity() int { return t.capacity }

// Format marks all records deleted.
func (t *Table) Format() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.format()
}

// Find returns the first record after the location after whose primary key
// matches pk or whose foreign key matches fk. A zero key never matches, Any
// matches every key.
func (t *Table) Find(pk, fk uint32, after Location) (Location, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.find(pk, fk, after)
}

// Read reads the header and the record at loc. rec may be nil to read the header only.
func (t *Table) Read(loc Location, rec any) (Header, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.read(loc, rec)
}

// Write replaces the header and/or the record at loc. A nil argument keeps
// the stored part.
func (t *Table) Write(loc Location, h *Header, rec any) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.write(loc, h, rec)
}

// Insert stores rec in a free slot.
func (t *Table) Insert(pk, fk uint32, rec any) (Location, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.insert(pk, fk, rec)
}

// Update replaces the header and/or the record of the first match after
// the location after.
func (t *Table) Update(pk, fk uint32, after Location, h *Header, rec any) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	loc, err := t.find(pk, fk, after)
	if err != nil {
		return err
	}
	return t.write(loc, h, rec)
}

// Upsert updates the record of the first match or inserts it.
// updated reports which one happened.
func (t *Table) Upsert(pk, fk uint32, after Location, rec any) (updated bool, err error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	loc, err := t.find(pk, fk, after)
	if errors.Is(err, ErrNotFound) {
		_, err = t.insert(pk, fk, rec)
		return false, err
	}
	if err != nil {
		return false, err
	}
	return true, t.write(loc, nil, rec)
}

// Delete marks the first match after the location after as deleted.
func (t *Table) Delete(pk, fk uint32, after Location) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	loc, err := t.find(pk, fk, after)
	if err != nil {
		return err
	}

	h, err := t.read(loc, nil)
	if err != nil {
		return err
	}

	h.Deleted = true
	if err = t.write(loc, &h, nil); err != nil {
		return err
	}

	t.nextFree = loc
	return nil
}

// ForEach calls fn for every matching record. rec is filled with the record
// before each call. It returns the number of processed records.
func (t *Table) ForEach(pk, fk uint32, rec any, fn func(Location, Header) error) (int, error) {
	n := 0

	for loc := Start; ; n++ {
		var err error
		if loc, err = t.Find(pk, fk, loc); errors.Is(err, ErrNotFound) {
			return n, nil
		} else if err != nil {
			return n, err
		}

		h, err := t.Read(loc, rec)
		if err != nil {
			return n, err
		}

		if err = fn(loc, h); err != nil {
			return n, err
		}
	}
}

func (t *Table) format() error {
	b := t.db.db.NewBatch()
	defer func() { _ = b.Close() }()

	lower, upper := t.bounds()
	if err := b.DeleteRange(lower, upper, nil); err != nil {
		return err
	}

	slot := make([]byte, headerSize+t.recordSize)
	encodeHeader(slot, Header{Deleted: true})

	for i := 0; i < t.capacity; i++ {
		if err := b.Set(t.slotKey(Location(i)), slot, nil); err != nil {
			return err
		}
	}

	if err := b.Set(t.infoKey(), t.info(), nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}

	t.nextFree = 0
	return nil
}

func (t *Table) find(pk, fk uint32, after Location) (Location, error) {
	if pk == 0 && fk == 0 {
		return 0, ErrNotFound
	}

	lower, upper := t.bounds()
	if after >= 0 {
		lower = t.slotKey(after + 1)
	}

	iter, err := t.db.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		loc := t.location(iter.Key())
		h := decodeHeader(iter.Value())

		if h.Deleted {
			if t.nextFree < 0 {
				t.nextFree = loc
			}
			continue
		}

		if (pk != 0 && (pk == Any || pk == h.PK)) || (fk != 0 && (fk == Any || fk == h.FK)) {
			return loc, nil
		}
	}

	if err = iter.Error(); err != nil {
		return 0, err
	}
	return 0, ErrNotFound
}

func (t *Table) findFree() (Location, error) {
	lower, upper := t.bounds()

	iter, err := t.db.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		if decodeHeader(iter.Value()).Deleted {
			return t.location(iter.Key()), nil
		}
	}

	if err = iter.Error(); err != nil {
		return 0, err
	}
	return 0, ErrFull
}

func (t *Table) insert(pk, fk uint32, rec any) (Location, error) {
	loc := t.nextFree
	t.nextFree = -1

	if loc >= 0 {
		// the hint may be stale after a write through a location
		if h, err := t.read(loc, nil); err != nil || !h.Deleted {
			loc = -1
		}
	}

	if loc < 0 {
		var err error
		if loc, err = t.findFree(); err != nil {
			return 0, err
		}
	}

	h := Header{PK: pk, FK: fk, ID: t.db.newID()}
	if err := t.write(loc, &h, rec); err != nil {
		return 0, err
	}
	return loc, nil
}

// newID returns an id greater than all ids returned before.
func (d *DB) newID() ksuid.KSUID {
	id := ksuid.New()
	if ksuid.Compare(id, d.lastID) <= 0 {
		id = d.lastID.Next()
	}
	d.lastID = id
	return id
}

func (t *Table) read(loc Location, rec any) (Header, error) {
	if loc < 0 || int(loc) >= t.capacity {
		return Header{}, ErrLocation
	}

	v, closer, err := t.db.db.Get(t.slotKey(loc))
	if err != nil {
		return Header{}, err
	}
	defer func() { _ = closer.Close() }()

	h := decodeHeader(v)
	if rec != nil {
		if err = binary.Read(bytes.NewReader(v[headerSize:]), binary.LittleEndian, rec); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (t *Table) write(loc Location, h *Header, rec any) error {
	if loc < 0 || int(loc) >= t.capacity {
		return ErrLocation
	}

	key := t.slotKey(loc)

	v, closer, err := t.db.db.Get(key)
	if err != nil {
		return err
	}
	slot := append([]byte(nil), v...)
	_ = closer.Close()

	if h != nil {
		encodeHeader(slot, *h)
	}

	if rec != nil {
		if binary.Size(rec) != t.recordSize {
			return fmt.Errorf("table %s: record %T has %d bytes, expected %d", t.name, rec, binary.Size(rec), t.recordSize)
		}

		buf := bytes.NewBuffer(slot[:headerSize])
		if err = binary.Write(buf, binary.LittleEndian, rec); err != nil {
			return err
		}
		slot = buf.Bytes()
	}

	return t.db.db.Set(key, slot, pebble.Sync)
}

// keys: "info/<name>" and "slot/<name>/" followed by the big endian slot number
func (t *Table) infoKey() []byte {
	return []byte("info/" + t.name)
}

func (t *Table) prefix() []byte {
	return []byte("slot/" + t.name + "/")
}

func (t *Table) slotKey(loc Location) []byte {
	return binary.BigEndian.AppendUint16(t.prefix(), uint16(loc))
}

func (t *Table) bounds() (lower, upper []byte) {
	lower = t.prefix()
	upper = append([]byte("slot/"+t.name), '/'+1)
	return lower, upper
}

func (t *Table) location(key []byte) Location {
	return Location(binary.BigEndian.Uint16(key[len(key)-2:]))
}

func (t *Table) info() []byte {
	b := binary.LittleEndian.AppendUint32(nil, formattedMagic)
	b = binary.LittleEndian.AppendUint16(b, uint16(t.capacity))
	return binary.LittleEndian.AppendUint16(b, uint16(t.recordSize))
}

func encodeHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.PK)
	binary.LittleEndian.PutUint32(b[4:8], h.FK)
	b[8] = 0
	if h.Deleted {
		b[8] = 1
	}
	copy(b[9:headerSize], h.ID[:])
}

func decodeHeader(b []byte) Header {
	h := Header{
		PK:      binary.LittleEndian.Uint32(b[0:4]),
		FK:      binary.LittleEndian.Uint32(b[4:8]),
		Deleted: b[8] != 0,
	}
	copy(h.ID[:], b[9:headerSize])
	return h
}
