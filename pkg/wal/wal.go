// Package wal stores replicated log records on a simulated disk. Each
// record occupies one disk position, so record Lsn n lives at position n.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/disk"
	"github.com/baxromumarov/walsim/pkg/types"
)

var (
	// ErrChecksum is returned when a stored record fails its CRC.
	ErrChecksum = errors.New("wal: checksum mismatch")
	// ErrShortRecord is returned for a block too small to hold a record.
	ErrShortRecord = errors.New("wal: short record")
	// ErrOutOfOrder is returned when appending a non-consecutive record.
	ErrOutOfOrder = errors.New("wal: record out of order")
)

// Record layout: lsn(8) term(8) payloadLen(4) payload crc(4).
const headerSize = 8 + 8 + 4

// EncodeRecord serialises rec with a trailing CRC32.
func EncodeRecord(rec types.Record) []byte {
	data := make([]byte, headerSize+len(rec.Payload)+4)
	binary.LittleEndian.PutUint64(data[0:], uint64(rec.Lsn))
	binary.LittleEndian.PutUint64(data[8:], uint64(rec.Term))
	binary.LittleEndian.PutUint32(data[16:], uint32(len(rec.Payload)))
	copy(data[headerSize:], rec.Payload)
	crc := crc32.ChecksumIEEE(data[:len(data)-4])
	binary.LittleEndian.PutUint32(data[len(data)-4:], crc)
	return data
}

// DecodeRecord parses a block written by EncodeRecord.
func DecodeRecord(data []byte) (types.Record, error) {
	if len(data) < headerSize+4 {
		return types.Record{}, ErrShortRecord
	}
	n := binary.LittleEndian.Uint32(data[16:])
	if len(data) != headerSize+int(n)+4 {
		return types.Record{}, errors.Wrapf(ErrShortRecord, "payload length %d in %d byte block", n, len(data))
	}
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(data[:len(data)-4]) != want {
		return types.Record{}, ErrChecksum
	}
	payload := make([]byte, n)
	copy(payload, data[headerSize:headerSize+int(n)])
	return types.Record{
		Lsn:     types.Lsn(binary.LittleEndian.Uint64(data[0:])),
		Term:    types.Term(binary.LittleEndian.Uint64(data[8:])),
		Payload: payload,
	}, nil
}

// Log is the record view of a disk. It keeps the term of every stored
// record in memory and is rebuilt from the disk after each restart.
type Log struct {
	d     *disk.Disk
	terms []types.Term // terms[i] is the term of Lsn i+1
}

// Open replays every record on d.
func Open(d *disk.Disk) (*Log, error) {
	l := &Log{d: d}
	if d.End() == 0 {
		return l, nil
	}
	blocks, err := d.ReadRange(1, d.End())
	if err != nil {
		return nil, err
	}
	l.terms = make([]types.Term, 0, len(blocks))
	for i, b := range blocks {
		rec, err := DecodeRecord(b)
		if err != nil {
			return nil, errors.Wrapf(err, "replay position %d", i+1)
		}
		if rec.Lsn != types.Lsn(i+1) {
			return nil, errors.Wrapf(ErrOutOfOrder, "position %d holds lsn %d", i+1, rec.Lsn)
		}
		l.terms = append(l.terms, rec.Term)
	}
	return l, nil
}

// End returns the last written Lsn.
func (l *Log) End() types.Lsn { return types.Lsn(len(l.terms)) }

// FlushLsn returns the last durable Lsn.
func (l *Log) FlushLsn() types.Lsn { return types.Lsn(l.d.FlushedWatermark()) }

// TermAt returns the term of the record at lsn, or 0 for lsn 0 and
// positions past the end.
func (l *Log) TermAt(lsn types.Lsn) types.Term {
	if lsn == 0 || lsn > l.End() {
		return 0
	}
	return l.terms[lsn-1]
}

// Append writes rec, which must directly follow the current end.
func (l *Log) Append(rec types.Record) error {
	if rec.Lsn != l.End()+1 {
		return errors.Wrapf(ErrOutOfOrder, "append lsn %d after %d", rec.Lsn, l.End())
	}
	l.d.Append(EncodeRecord(rec))
	l.terms = append(l.terms, rec.Term)
	return nil
}

// Flush makes all written records durable and returns the flush Lsn.
func (l *Log) Flush() types.Lsn {
	return types.Lsn(l.d.Flush())
}

// Truncate durably removes every record at or after from.
func (l *Log) Truncate(from types.Lsn) {
	if from == 0 {
		from = 1
	}
	if from > l.End() {
		return
	}
	l.d.Truncate(uint64(from))
	l.terms = l.terms[:from-1]
}

// Read returns the records in [from, to].
func (l *Log) Read(from, to types.Lsn) ([]types.Record, error) {
	return decodeAll(l.d.ReadRange(uint64(from), uint64(to)))
}

// ReadFlushed returns the durable records in [from, to].
func (l *Log) ReadFlushed(from, to types.Lsn) ([]types.Record, error) {
	return decodeAll(l.d.ReadFlushed(uint64(from), uint64(to)))
}

func decodeAll(blocks [][]byte, err error) ([]types.Record, error) {
	if err != nil {
		return nil, err
	}
	out := make([]types.Record, 0, len(blocks))
	for _, b := range blocks {
		rec, err := DecodeRecord(b)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CommonPoint returns the highest lsn, at most limit, up to which this
// log agrees with a log described by termAt. Agreement at an lsn implies
// agreement on the whole prefix, so the search is a bisection.
func (l *Log) CommonPoint(limit types.Lsn, termAt func(types.Lsn) types.Term) types.Lsn {
	if limit > l.End() {
		limit = l.End()
	}
	lo, hi := types.Lsn(0), limit
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if l.TermAt(mid) == termAt(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
