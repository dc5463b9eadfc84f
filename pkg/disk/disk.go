// Package disk simulates a crash-aware append-only disk. Appended blocks
// become durable only after Flush; a simulated crash discards everything
// written after the last flush.
package disk

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	// ErrOutOfRange is returned when reading positions that do not exist.
	ErrOutOfRange = errors.New("disk: position out of range")
	// ErrCorrupt is returned when the backing store lost a block.
	ErrCorrupt = errors.New("disk: missing block")
)

// Stats counts disk operations.
type Stats struct {
	Appends     uint64 `json:"appends"`
	Flushes     uint64 `json:"flushes"`
	Truncations uint64 `json:"truncations"`
	Crashes     uint64 `json:"crashes"`
	LostBlocks  uint64 `json:"lost_blocks"`
}

// Disk is an ordered position -> block store with a flushed watermark
// and a small durable state blob. Positions start at 1 and are dense.
// A Disk outlives restarts of the node using it.
type Disk struct {
	db      *memdb.DB
	end     uint64
	flushed uint64
	state   []byte
	stats   Stats
}

// New creates an empty disk.
func New() *Disk {
	return &Disk{db: memdb.New(comparer.DefaultComparer, 0)}
}

func key(pos uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], pos)
	return k[:]
}

// Append writes b at the next position and returns it.
func (d *Disk) Append(b []byte) uint64 {
	d.end++
	// memdb copies key and value, Put only fails on a closed db.
	_ = d.db.Put(key(d.end), b)
	d.stats.Appends++
	return d.end
}

// Flush makes every appended block durable and returns the watermark.
func (d *Disk) Flush() uint64 {
	if d.flushed != d.end {
		d.flushed = d.end
		d.stats.Flushes++
	}
	return d.flushed
}

// End returns the last written position.
func (d *Disk) End() uint64 { return d.end }

// FlushedWatermark returns the last durable position.
func (d *Disk) FlushedWatermark() uint64 { return d.flushed }

// Read returns a copy of the block at pos.
func (d *Disk) Read(pos uint64) ([]byte, error) {
	if pos == 0 || pos > d.end {
		return nil, errors.Wrapf(ErrOutOfRange, "read %d of %d", pos, d.end)
	}
	v, err := d.db.Get(key(pos))
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "position %d", pos)
	}
	return append([]byte(nil), v...), nil
}

// ReadRange returns copies of the blocks in [lo, hi].
func (d *Disk) ReadRange(lo, hi uint64) ([][]byte, error) {
	return d.readRange(lo, hi, d.end)
}

// ReadFlushed is ReadRange restricted to durable positions.
func (d *Disk) ReadFlushed(lo, hi uint64) ([][]byte, error) {
	return d.readRange(lo, hi, d.flushed)
}

func (d *Disk) readRange(lo, hi, limit uint64) ([][]byte, error) {
	if lo > hi {
		return nil, nil
	}
	if lo == 0 || hi > limit {
		return nil, errors.Wrapf(ErrOutOfRange, "range [%d, %d] of %d", lo, hi, limit)
	}

	out := make([][]byte, 0, hi-lo+1)
	iter := d.db.NewIterator(&util.Range{Start: key(lo), Limit: key(hi + 1)})
	defer iter.Release()
	for iter.Next() {
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if uint64(len(out)) != hi-lo+1 {
		return nil, errors.Wrapf(ErrCorrupt, "range [%d, %d] returned %d blocks", lo, hi, len(out))
	}
	return out, nil
}

// Truncate durably removes every block at or after from.
func (d *Disk) Truncate(from uint64) {
	if from == 0 {
		from = 1
	}
	if from > d.end {
		return
	}
	d.drop(from)
	d.stats.Truncations++
}

// SimulateCrashRestart discards all blocks written after the last flush
// and returns how many were lost.
func (d *Disk) SimulateCrashRestart() uint64 {
	d.stats.Crashes++
	lost := d.end - d.flushed
	if lost > 0 {
		d.drop(d.flushed + 1)
		d.stats.LostBlocks += lost
	}
	return lost
}

func (d *Disk) drop(from uint64) {
	var keys [][]byte
	iter := d.db.NewIterator(&util.Range{Start: key(from)})
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	for _, k := range keys {
		_ = d.db.Delete(k)
	}
	d.end = from - 1
	if d.flushed > d.end {
		d.flushed = d.end
	}
}

// SaveState durably replaces the state blob.
func (d *Disk) SaveState(b []byte) {
	d.state = append([]byte(nil), b...)
}

// LoadState returns a copy of the state blob, or nil if none was saved.
func (d *Disk) LoadState() []byte {
	if d.state == nil {
		return nil
	}
	return append([]byte(nil), d.state...)
}

// Stats returns a snapshot of the operation counters.
func (d *Disk) Stats() Stats { return d.stats }
