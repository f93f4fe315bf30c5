package mgtr

import (
	"encoding/binary"
	"sync"

	"github.com/epokhe/mgtr/addr"
	"github.com/epokhe/mgtr/mapped"
)

// rootSlot is a topology.Slot reserving 8 bytes in segment 0 for a single
// persisted root address: the anchor a client data structure (a trie, a
// hash table) stores its own root FarAddress at, so that after a reopen
// it can find its way back in without an external catalog. Every other
// segment has no residence — there is exactly one root per database.
type rootSlot struct {
	mu sync.Mutex
	at addr.FarAddress
}

func newRootSlot() *rootSlot { return &rootSlot{at: addr.NilFarAddress} }

func (s *rootSlot) HasResidence(i addr.SegmentIndex) bool { return i == 0 }

func (s *rootSlot) ByteSize(segmentStart int64) uint32 { return 8 }

func (s *rootSlot) OnNewSegment(region *mapped.Region, start int64) error {
	raw, err := region.At(start, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(raw, uint64(addr.NilFarAddress))

	s.mu.Lock()
	s.at = addr.New(0, addr.SegmentPos(start))
	s.mu.Unlock()
	return nil
}

func (s *rootSlot) Open(region *mapped.Region, start int64) error {
	s.mu.Lock()
	s.at = addr.New(0, addr.SegmentPos(start))
	s.mu.Unlock()
	return nil
}

func (s *rootSlot) ReleaseSegment(addr.SegmentIndex) error { return nil }

// address returns where the root pointer lives, once segment 0 has been
// created or opened.
func (s *rootSlot) address() addr.FarAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at
}
