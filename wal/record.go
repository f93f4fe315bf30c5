package wal

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"

	"github.com/epokhe/mgtr/mgtrerr"
)

// Kind distinguishes the three record types a transaction may produce.
type Kind uint8

const (
	KindWrite Kind = iota
	KindCommit
	KindRollback
)

// recordHeaderLen is the fixed prefix of every record: u32 total_len +
// u64 tx_id + u8 kind + u64 checksum. total_len counts every byte that
// follows it, including the checksum and body.
const recordHeaderLen = 4 + 8 + 1 + 8

// Record is one WAL entry. Write records carry a body describing the
// bytes written; Commit and Rollback are bare terminators.
type Record struct {
	TxID    uint64
	Kind    Kind
	Segment uint32
	Offset  uint32
	Size    uint32
	Bytes   []byte
}

// IsTerminator reports whether this record ends a transaction, the way
// rotate_if_needed counts them.
func (r Record) IsTerminator() bool {
	return r.Kind == KindCommit || r.Kind == KindRollback
}

func (r Record) bodyLen() int {
	if r.Kind != KindWrite {
		return 0
	}
	return 12 + len(r.Bytes)
}

// encode serializes r into its on-disk form.
func (r Record) encode() []byte {
	body := r.bodyLen()
	total := 8 + 1 + 8 + body // tx_id + kind + checksum + body
	buf := make([]byte, 4+total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint64(buf[4:12], r.TxID)
	buf[12] = byte(r.Kind)

	bodyOff := 4 + 8 + 1 + 8
	if r.Kind == KindWrite {
		binary.LittleEndian.PutUint32(buf[bodyOff:bodyOff+4], r.Segment)
		binary.LittleEndian.PutUint32(buf[bodyOff+4:bodyOff+8], r.Offset)
		binary.LittleEndian.PutUint32(buf[bodyOff+8:bodyOff+12], r.Size)
		copy(buf[bodyOff+12:], r.Bytes)
	}

	checksum := xxh3.Hash(buf[bodyOff:])
	binary.LittleEndian.PutUint64(buf[13:21], checksum)
	return buf
}

// readRecord reads one record from r at the current offset. io.EOF (or
// io.ErrUnexpectedEOF for a torn trailing record) signals the end of a
// log file, per spec.md's "a file ends at the first short read; any
// torn trailing record is discarded" replay policy.
func readRecord(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total < 8+1+8 {
		return Record{}, fmt.Errorf("%w: implausible record length %d", mgtrerr.ErrCorruption, total)
	}

	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}

	txID := binary.LittleEndian.Uint64(rest[0:8])
	kind := Kind(rest[8])
	checksum := binary.LittleEndian.Uint64(rest[9:17])
	body := rest[17:]

	if computed := xxh3.Hash(body); computed != checksum {
		return Record{}, fmt.Errorf("%w: wal record checksum mismatch for tx %d", mgtrerr.ErrCorruption, txID)
	}

	rec := Record{TxID: txID, Kind: kind}
	if kind == KindWrite {
		if len(body) < 12 {
			return Record{}, fmt.Errorf("%w: short write record body", mgtrerr.ErrCorruption)
		}
		rec.Segment = binary.LittleEndian.Uint32(body[0:4])
		rec.Offset = binary.LittleEndian.Uint32(body[4:8])
		rec.Size = binary.LittleEndian.Uint32(body[8:12])
		rec.Bytes = append([]byte(nil), body[12:12+rec.Size]...)
	}
	return rec, nil
}

// readRecordAt reads one record starting at offset in a ReaderAt,
// returning the number of bytes the record occupied so a recovery scan
// can track how much of the file is valid.
func readRecordAt(r io.ReaderAt, offset int64) (Record, int64, error) {
	const maxint64 = 1<<63 - 1
	sr := io.NewSectionReader(r, offset, maxint64-offset)
	rec, err := readRecord(sr)
	if err != nil {
		return Record{}, 0, err
	}
	consumed, err := sr.Seek(0, io.SeekCurrent)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, consumed, nil
}
