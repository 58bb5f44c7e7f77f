// Package record implements the on-disk record codec: a pure, I/O-free
// encoding and decoding of a single Bitcask-style log entry.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// HeaderLen is the fixed size, in bytes, of every record's header:
// 4-byte crc32 + 8-byte timestamp + 4-byte key size + 4-byte value size.
const HeaderLen = 20

const crcLen = 4

// Tombstone is the value_size sentinel that marks a record as a deletion
// marker rather than a live value.
const Tombstone = 0xFFFFFFFF

// ErrCorrupt is returned by DecodeOne when a record's checksum doesn't match,
// or when a read ends in the middle of a record instead of cleanly at a
// record boundary.
var ErrCorrupt = errors.New("record: corrupt record")

// Record is the decoded form of a single on-disk entry.
type Record struct {
	Key       []byte
	Value     []byte // nil for tombstones
	Tombstone bool
	Timestamp int64
}

// Encode builds the on-disk byte layout for a record: a fixed header
// followed by the key and (unless tombstone) the value. The whole record is
// assembled in one contiguous buffer so it can be written with a single
// syscall, and the checksum is computed last, over the already-encoded
// [timestamp..end] span.
func Encode(key, value []byte, tombstone bool, timestamp int64) []byte {
	valueSize := uint32(len(value))
	bodyLen := len(key)
	if tombstone {
		valueSize = Tombstone
	} else {
		bodyLen += len(value)
	}

	buf := make([]byte, HeaderLen+bodyLen)
	sb := buf[crcLen:] // shrinking view into buf, skipping the checksum slot

	binary.LittleEndian.PutUint64(sb, uint64(timestamp))
	sb = sb[8:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, valueSize)
	sb = sb[4:]

	copy(sb, key)
	sb = sb[len(key):]

	if !tombstone {
		copy(sb, value)
		sb = sb[len(value):]
	}

	if len(sb) != 0 {
		panic("record: unexpected remaining bytes in encode buffer")
	}

	checksum := crc32.ChecksumIEEE(buf[crcLen:])
	binary.LittleEndian.PutUint32(buf[:crcLen], checksum)

	return buf
}

// DecodeOne reads a single record from r, returning the record and the total
// number of bytes consumed. A clean end of stream (no bytes read at all)
// returns io.EOF. A read that stops partway through a record — including a
// checksum mismatch — returns ErrCorrupt; recovery treats this as the
// readable prefix's end.
func DecodeOne(r io.Reader) (*Record, int, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}

	checksum := binary.LittleEndian.Uint32(hdr[0:4])
	timestamp := int64(binary.LittleEndian.Uint64(hdr[4:12]))
	keySize := binary.LittleEndian.Uint32(hdr[12:16])
	valueSize := binary.LittleEndian.Uint32(hdr[16:20])

	tombstone := valueSize == Tombstone
	bodyLen := int(keySize)
	if !tombstone {
		bodyLen += int(valueSize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, fmt.Errorf("%w: read body: %v", ErrCorrupt, err)
	}

	h := crc32.NewIEEE()
	h.Write(hdr[crcLen:])
	h.Write(body)
	if computed := h.Sum32(); computed != checksum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch: expected %x, got %x", ErrCorrupt, checksum, computed)
	}

	rec := &Record{
		Key:       body[:keySize],
		Tombstone: tombstone,
		Timestamp: timestamp,
	}
	if !tombstone {
		rec.Value = body[keySize:]
	}

	return rec, HeaderLen + bodyLen, nil
}

// Scanner sequentially decodes records from a stream, tracking the byte
// offset of each one so callers (recovery, merge) can correlate records with
// their position in the segment.
type Scanner struct {
	r   *bufio.Reader
	pos int64
	err error
}

// NewScanner wraps r for sequential decoding.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Pos returns the offset of the next record Next will attempt to read —
// equivalently, the end offset of the last one successfully returned.
func (s *Scanner) Pos() int64 {
	return s.pos
}

// Next returns the next record, or io.EOF at a clean end of stream, or
// ErrCorrupt if the stream ends mid-record. Once Next returns a non-EOF
// error, all subsequent calls return that same error.
func (s *Scanner) Next() (*Record, error) {
	if s.err != nil {
		return nil, s.err
	}

	rec, n, err := DecodeOne(s.r)
	if err != nil {
		if err != io.EOF {
			s.err = err
		}
		return nil, err
	}

	s.pos += int64(n)
	return rec, nil
}
