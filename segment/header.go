package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/epokhe/mgtr/mgtrerr"
)

// seal is the 4-byte magic stamped at offset 0 of every segment.
var seal = [4]byte{'m', 'g', 't', 'r'}

// FormatVersion is bumped whenever the on-disk layout changes in a way
// that older binaries cannot read.
const FormatVersion uint16 = 1

// HeaderSize is the fixed size of the SegmentHeader: seal(4) + size(4) +
// formatVersion(2) + databaseID(16), padded to a 16-byte boundary so the
// slot table that immediately follows starts aligned.
const HeaderSize = 32

type header struct {
	segmentSize   uint32
	formatVersion uint16
	databaseID    uuid.UUID
}

func writeHeader(raw []byte, h header) {
	copy(raw[0:4], seal[:])
	binary.LittleEndian.PutUint32(raw[4:8], h.segmentSize)
	binary.LittleEndian.PutUint16(raw[8:10], h.formatVersion)
	copy(raw[10:26], h.databaseID[:])
	// raw[26:32] reserved, left zeroed
}

func readHeader(raw []byte) (header, error) {
	if len(raw) < HeaderSize {
		return header{}, fmt.Errorf("%w: short segment header", mgtrerr.ErrCorruption)
	}
	if string(raw[0:4]) != string(seal[:]) {
		return header{}, fmt.Errorf("%w: bad segment seal %q", mgtrerr.ErrCorruption, raw[0:4])
	}
	h := header{
		segmentSize:   binary.LittleEndian.Uint32(raw[4:8]),
		formatVersion: binary.LittleEndian.Uint16(raw[8:10]),
	}
	copy(h.databaseID[:], raw[10:26])
	if h.formatVersion > FormatVersion {
		return header{}, fmt.Errorf("%w: segment format version %d newer than supported %d", mgtrerr.ErrCorruption, h.formatVersion, FormatVersion)
	}
	return h, nil
}
