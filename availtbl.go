package nandftl

import (
	"github.com/dsoprea/go-logging"
)

// AvailEntry is one slot of the available-block table (§3).
type AvailEntry struct {
	PhysBlock     uint32
	EraseCount    uint32
	Committed     bool
	MetaCandidate bool

	// MetaID is only meaningful when MetaCandidate is true: the sequence ID
	// of the metadata block this entry's erase count was recovered from,
	// used to detect staleness in GetErased.
	MetaID uint32

	// valid reports whether this slot holds a live entry. Slots are reused
	// by index ("lowest free slot") rather than compacted on removal.
	valid bool
}

// AvailTable is the full available-block table: up to T entries, the last
// Reserved of which are reachable only via the fold path (§3).
type AvailTable struct {
	entries  []AvailEntry
	Reserved int

	// Invalidated tracks whether the on-device image needs a commit
	// (§4.3 "mark the pool invalidated for next meta commit").
	Invalidated bool
}

func newAvailTable(capacity int) AvailTable {
	return AvailTable{
		entries: make([]AvailEntry, capacity),
	}
}

// Cap returns the table's total capacity, T.
func (t *AvailTable) Cap() int {
	return len(t.entries)
}

// ReadEntry returns the entry at index i.
func (t *AvailTable) ReadEntry(i int) AvailEntry {
	return t.entries[i]
}

// WriteEntry overwrites the entry at index i.
func (t *AvailTable) WriteEntry(i int, e AvailEntry) {
	e.valid = true
	t.entries[i] = e
}

// IndexOf returns the table index holding physical block, or -1.
func (t *AvailTable) IndexOf(block int) int {
	for i, e := range t.entries {
		if e.valid && int(e.PhysBlock) == block {
			return i
		}
	}

	return -1
}

// Count returns the number of live entries.
func (t *AvailTable) Count() int {
	n := 0
	for _, e := range t.entries {
		if e.valid {
			n++
		}
	}

	return n
}

// availEntrySize is the packed byte size of one AvailEntry: PhysBlock(4) +
// EraseCount(4) + flags(1) + MetaID(4).
const availEntrySize = 4 + 4 + 1 + 4

const (
	availFlagValid = 1 << iota
	availFlagCommitted
	availFlagMetaCandidate
)

// Pack serializes the whole table, valid and empty slots alike, so its
// on-device size is fixed (§3 "occupies the first sector exactly").
func (t *AvailTable) Pack() []byte {
	raw := make([]byte, len(t.entries)*availEntrySize)

	for i, e := range t.entries {
		off := i * availEntrySize

		defaultEncoding.PutUint32(raw[off:off+4], e.PhysBlock)
		defaultEncoding.PutUint32(raw[off+4:off+8], e.EraseCount)

		var flags byte
		if e.valid {
			flags |= availFlagValid
		}
		if e.Committed {
			flags |= availFlagCommitted
		}
		if e.MetaCandidate {
			flags |= availFlagMetaCandidate
		}
		raw[off+8] = flags

		defaultEncoding.PutUint32(raw[off+9:off+13], e.MetaID)
	}

	return raw
}

// Unpack loads the table from a packed byte slice of the same layout Pack
// produces.
func (t *AvailTable) Unpack(raw []byte) {
	for i := range t.entries {
		off := i * availEntrySize
		if off+availEntrySize > len(raw) {
			break
		}

		flags := raw[off+8]

		t.entries[i] = AvailEntry{
			PhysBlock:     defaultEncoding.Uint32(raw[off : off+4]),
			EraseCount:    defaultEncoding.Uint32(raw[off+4 : off+8]),
			valid:         flags&availFlagValid != 0,
			Committed:     flags&availFlagCommitted != 0,
			MetaCandidate: flags&availFlagMetaCandidate != 0,
			MetaID:        defaultEncoding.Uint32(raw[off+9 : off+13]),
		}
	}
}

// PackedSize returns the byte size Pack produces.
func (t *AvailTable) PackedSize() int {
	return len(t.entries) * availEntrySize
}

// MarkAllCommitted sets every live entry's commit bit (invariant 7: "its
// commit-bitmap is all-ones" after a full commit).
func (t *AvailTable) MarkAllCommitted() {
	for i := range t.entries {
		t.entries[i].Committed = true
	}
}

func (t *AvailTable) lowestFreeSlot() int {
	for i, e := range t.entries {
		if e.valid == false {
			return i
		}
	}

	return -1
}

// AvailPool bundles the available-block table with the controller and
// device state it needs to recover erase counts and erase candidates
// (§4.3). It is the allocator every other component calls to obtain a fresh
// physical block.
type AvailPool struct {
	s    *DeviceState
	ctrl Controller
}

// NewAvailPool returns an AvailPool bound to the given state and
// controller.
func NewAvailPool(s *DeviceState, ctrl Controller) *AvailPool {
	return &AvailPool{s: s, ctrl: ctrl}
}

// Add inserts block into the lowest free slot, recovering its erase count
// and meta-candidate status by reading its first page if the block already
// held metadata (§4.3 "Add").
func (p *AvailPool) Add(block int, currentMetaID uint32) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	slot := p.s.Avail.lowestFreeSlot()
	if slot < 0 {
		return newErr(ErrDevFull, "available-block table has no free slot")
	}

	dataBuf := make([]byte, p.s.PD.PageSize)
	oosBuf := make([]byte, p.s.PD.SpareSize)

	eraseCount := uint32(0)
	isMetaCandidate := false

	physSec := p.s.PD.PhysicalSector(block, 0)

	eccResult, err := p.ctrl.SecRd(dataBuf, oosBuf, physSec)
	if err == nil && eccResult != ECCUncorrectable {
		common, perr := UnpackStorageOOS(oosBuf)
		if perr == nil && common.SectorType != SectorUnused {
			eraseCount = common.EraseCount

			if common.SectorType == SectorMetadata {
				isMetaCandidate = true
			}
		}
	}

	p.s.Avail.WriteEntry(slot, AvailEntry{
		PhysBlock:     uint32(block),
		EraseCount:    eraseCount,
		Committed:     false,
		MetaCandidate: isMetaCandidate,
		MetaID:        currentMetaID,
	})

	p.s.Avail.Invalidated = true

	return nil
}

// RemoveByPhysicalIndex locates block by scan, clears its slot, and returns
// its stored erase count incremented by one so the caller may stamp the
// next write (§4.3 "Remove-by-physical-index").
func (p *AvailPool) RemoveByPhysicalIndex(block int) (nextEraseCount uint32, err error) {
	idx := p.s.Avail.IndexOf(block)
	if idx < 0 {
		return 0, newErr(ErrInvalidMetadata, "block %d is not in the available table", block)
	}

	e := p.s.Avail.entries[idx]
	p.s.Avail.entries[idx] = AvailEntry{}
	p.s.Avail.Invalidated = true

	return e.EraseCount + 1, nil
}

// Fill drains the dirty bitmap into free available-table slots until the
// live entry count reaches min, or the bitmap is exhausted (§4.3 "Fill").
func (p *AvailPool) Fill(min int, currentMetaID uint32) error {
	for p.s.Avail.Count() < min {
		block := p.s.Dirty.NextDirty()
		if block < 0 {
			return newErr(ErrNoAvailBlk, "dirty bitmap exhausted while filling available table")
		}

		p.s.Dirty.Clear(block)

		if err := p.Add(block, currentMetaID); err != nil {
			return err
		}
	}

	return nil
}

// idLag returns the forward distance from id to current under 32-bit
// wraparound.
func idLag(current, id uint32) uint32 {
	return current - id
}

const idRangeQuarter = uint32(1) << 30

// candidateScore returns the erase count GetErased should compare entry
// against: zero for a stale meta-candidate (so it is reused first, bounding
// meta-ID drift), else its real erase count.
func candidateScore(e AvailEntry, currentMetaID uint32) uint32 {
	if e.MetaCandidate && idLag(currentMetaID, e.MetaID) > idRangeQuarter {
		return 0
	}

	return e.EraseCount
}

// GetErased is the main allocator (§4.3 "Get-erased"). It fills the pool to
// reserve+1, optionally commits the available table alone if dirty,
// selects the lowest-erase-count candidate (preferring committed entries
// unless an uncommitted one is strictly lower, and treating stale
// meta-candidates as erase-count 0), ensures the chosen block is actually
// erased, and removes it from the table.
//
// commitAvailOnly, when non-nil, is invoked to persist the available table
// alone if it is currently invalidated; this is how the allocator
// satisfies the "temporarily commits the available table" step without
// this package's lowest layer depending on the metadata-block manager
// directly.
func (p *AvailPool) GetErased(accessReserved bool, currentMetaID uint32, commitAvailOnly func() error) (block int, eraseCount uint32, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	reserve := p.s.Cfg.RsvdAvailBlkCnt

	ferr := p.Fill(reserve+1, currentMetaID)
	log.PanicIf(ferr)

	if p.s.Avail.Invalidated && commitAvailOnly != nil {
		cerr := commitAvailOnly()
		log.PanicIf(cerr)
	}

	limit := len(p.s.Avail.entries) - reserve
	if accessReserved {
		limit = len(p.s.Avail.entries)
	}

	for {
		bestIdx := -1
		bestScore := uint32(0)
		bestCommitted := false

		for i := 0; i < limit; i++ {
			e := p.s.Avail.entries[i]
			if e.valid == false {
				continue
			}

			score := candidateScore(e, currentMetaID)

			if bestIdx < 0 {
				bestIdx, bestScore, bestCommitted = i, score, e.Committed
				continue
			}

			if e.Committed == bestCommitted {
				if score < bestScore {
					bestIdx, bestScore = i, score
				}
			} else if e.Committed == false && score < bestScore {
				// An uncommitted entry only wins over the current
				// committed best if strictly lower.
				bestIdx, bestScore, bestCommitted = i, score, false
			} else if e.Committed == true && bestCommitted == false && score <= bestScore {
				bestIdx, bestScore, bestCommitted = i, score, true
			}
		}

		if bestIdx < 0 {
			return 0, 0, newErr(ErrNoAvailBlk, "no available block to allocate")
		}

		chosen := p.s.Avail.entries[bestIdx]
		phys := int(chosen.PhysBlock)

		erased, eerr := p.ensureErased(phys)
		if eerr != nil {
			// The candidate's used mark could not be read: mark it bad and
			// retry with the next candidate (§4.3).
			p.s.Avail.entries[bestIdx] = AvailEntry{}
			p.s.Avail.Invalidated = true

			if berr := p.s.BadBlks.Add(phys); berr != nil {
				return 0, 0, berr
			}

			continue
		}

		if erased == false {
			eerr := p.ctrl.BlkErase(phys)
			if eerr != nil {
				p.s.Avail.entries[bestIdx] = AvailEntry{}
				p.s.Avail.Invalidated = true

				if berr := p.s.BadBlks.Add(phys); berr != nil {
					return 0, 0, berr
				}

				continue
			}
		}

		next, rerr := p.RemoveByPhysicalIndex(phys)
		log.PanicIf(rerr)

		return phys, next, nil
	}
}

// ensureErased reads the used-mark of sector 0 of block and reports whether
// it already reads as erased (unwritten).
func (p *AvailPool) ensureErased(block int) (erased bool, err error) {
	mark := make([]byte, p.s.PD.UsedMarkSize())

	physSec := p.s.PD.PhysicalSector(block, 0)
	markOffset := p.s.PD.SpareSize - p.s.PD.UsedMarkSize()

	rerr := p.ctrl.OOSRdRaw(mark, physSec, markOffset, len(mark))
	if rerr != nil {
		return false, rerr
	}

	return IsUsedMark(mark) == false, nil
}
