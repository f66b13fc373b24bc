package nandftl

// ubCacheEntry is one (logical offset, associate index) pair, cached per
// written physical offset inside a UB when UBMetaCacheEnabled is set
// (§3 "meta cache").
type ubCacheEntry struct {
	valid       bool
	logicalOff  int
	associateIx int
}

// UBExtra is a UB's in-RAM-only extra data, rebuildable from the UB's
// contents (§3 "Update-block extra data").
type UBExtra struct {
	// Assoc holds up to K logical block indices this UB mirrors.
	// InvalidIndex marks an unused slot.
	Assoc []uint32

	// AssocLvl is the count of valid entries in Assoc. Zero is the
	// distinguished SUB marker: exactly one implicit associate at
	// Assoc[0], with physical offsets equal to logical offsets.
	AssocLvl int

	// NextSecIx is the first unwritten sector offset.
	NextSecIx int

	// ActivityCtr is the write-activity counter value as of the last write
	// to this UB.
	ActivityCtr uint64

	// metaCache is the optional per-physical-offset (logical offset,
	// associate index) cache.
	metaCache []ubCacheEntry

	// subset is the optional bit-packed sector-subset index: for each
	// (associate index, logical offset) pair, the physical offsets that
	// might hold it. Represented in RAM as a plain map for clarity; the
	// packing concern is purely an on-device encoding detail (§9).
	subset map[[2]int][]int
}

// IsSUB reports whether this UB is a sequential update block.
func (e *UBExtra) IsSUB() bool {
	return e.AssocLvl == 0
}

// AssociatedWith reports the index within Assoc of logical block lb (for a
// RUB), or for a SUB whether lb is its implicit sole associate.
func (e *UBExtra) AssociatedWith(lb int) int {
	if e.IsSUB() {
		if len(e.Assoc) > 0 && int(e.Assoc[0]) == lb {
			return 0
		}

		return -1
	}

	for i := 0; i < e.AssocLvl; i++ {
		if int(e.Assoc[i]) == lb {
			return i
		}
	}

	return -1
}

func (e *UBExtra) recordWrite(physOff, logicalOff, associateIx int, useMetaCache bool, useSubset bool) {
	if useMetaCache && physOff < len(e.metaCache) {
		e.metaCache[physOff] = ubCacheEntry{valid: true, logicalOff: logicalOff, associateIx: associateIx}
	}

	if useSubset {
		key := [2]int{associateIx, logicalOff}
		e.subset[key] = append(e.subset[key], physOff)
	}
}

// UBSlot is one entry of the UB table: the physical block backing a UB slot
// (or InvalidIndex if empty) and its per-sector valid bitmap (§3
// "Update-block table entry").
type UBSlot struct {
	PhysBlock uint32
	Valid     []bool

	// EraseCount is the block's erase count as of allocation, cached here
	// so appends can stamp it into sector 0's OOS without a re-read. Not
	// persisted; rebuilt at mount time from the block's own sector-0 OOS.
	EraseCount uint32
}

func (s *UBSlot) isEmpty() bool {
	return s.PhysBlock == InvalidIndex
}

// UBTable owns every UB slot and its extra data.
type UBTable struct {
	Slots           []UBSlot
	Extra           []UBExtra
	sectorsPerBlock int
	subsetSize      int
	RUBMaxAssoc     int

	// Invalidated tracks whether the on-device UB-table image needs
	// re-committing.
	Invalidated bool
}

func newUBTable(slotCount, sectorsPerBlock, subsetSize, rubMaxAssoc int) UBTable {
	t := UBTable{
		Slots:           make([]UBSlot, slotCount),
		Extra:           make([]UBExtra, slotCount),
		sectorsPerBlock: sectorsPerBlock,
		subsetSize:      subsetSize,
		RUBMaxAssoc:     rubMaxAssoc,
	}

	for i := range t.Slots {
		t.Slots[i] = UBSlot{
			PhysBlock: InvalidIndex,
			Valid:     make([]bool, sectorsPerBlock),
		}
	}

	return t
}

// SlotOfBlock returns the UB-table index backed by physical block, or -1.
func (t *UBTable) SlotOfBlock(block int) int {
	for i, s := range t.Slots {
		if !s.isEmpty() && int(s.PhysBlock) == block {
			return i
		}
	}

	return -1
}

// SlotForLogicalBlock finds the UB (if any) associated with logical block
// lb by linear scan of the extra data (§4.6 "Finding the latest copy").
// Returns the slot index and the associate index within that slot, or
// (-1, -1).
func (t *UBTable) SlotForLogicalBlock(lb int) (slot, associateIx int) {
	for i := range t.Extra {
		if t.Slots[i].isEmpty() {
			continue
		}

		if ix := t.Extra[i].AssociatedWith(lb); ix >= 0 {
			return i, ix
		}
	}

	return -1, -1
}

// EmptySlot returns the index of an unused UB slot, or -1.
func (t *UBTable) EmptySlot() int {
	for i, s := range t.Slots {
		if s.isEmpty() {
			return i
		}
	}

	return -1
}

// CountSUBs returns the number of currently allocated SUBs.
func (t *UBTable) CountSUBs() int {
	n := 0
	for i, s := range t.Slots {
		if !s.isEmpty() && t.Extra[i].IsSUB() {
			n++
		}
	}

	return n
}

// Allocate assigns block to UB slot idx as a fresh UB: either a SUB
// mirroring exactly lb (k == 0) or a RUB with capacity k.
func (t *UBTable) Allocate(idx, block, lb int, k int, activityCtr uint64, useMetaCache bool) {
	t.Slots[idx] = UBSlot{
		PhysBlock: uint32(block),
		Valid:     make([]bool, t.sectorsPerBlock),
	}

	assoc := make([]uint32, k)
	for i := range assoc {
		assoc[i] = InvalidIndex
	}

	assocLvl := 0
	if k == 0 {
		assoc = []uint32{uint32(lb)}
	} else {
		assoc[0] = uint32(lb)
		assocLvl = 1
	}

	e := UBExtra{
		Assoc:       assoc,
		AssocLvl:    assocLvl,
		NextSecIx:   0,
		ActivityCtr: activityCtr,
		subset:      make(map[[2]int][]int),
	}

	if useMetaCache {
		e.metaCache = make([]ubCacheEntry, t.sectorsPerBlock)
	}

	t.Extra[idx] = e
	t.Invalidated = true
}

// Associate adds logical block lb to a RUB's associate list. Caller must
// ensure the RUB has room (AssocLvl < len(Assoc)).
func (t *UBTable) Associate(idx, lb int) int {
	e := &t.Extra[idx]
	e.Assoc[e.AssocLvl] = uint32(lb)
	ix := e.AssocLvl
	e.AssocLvl++
	t.Invalidated = true

	return ix
}

// Clear empties a UB slot.
func (t *UBTable) Clear(idx int) {
	t.Slots[idx] = UBSlot{
		PhysBlock: InvalidIndex,
		Valid:     make([]bool, t.sectorsPerBlock),
	}
	t.Extra[idx] = UBExtra{}
	t.Invalidated = true
}

// Pack serializes the UB table's slot headers (physical block + valid
// bitmap) for the metadata image. Extra data is never persisted; it is
// rebuilt at mount time by replaying each UB's contents (§3).
func (t *UBTable) Pack() []byte {
	perSlot := 4 + (t.sectorsPerBlock+7)/8
	raw := make([]byte, len(t.Slots)*perSlot)

	for i, s := range t.Slots {
		off := i * perSlot
		defaultEncoding.PutUint32(raw[off:off+4], s.PhysBlock)

		for b, v := range s.Valid {
			if v {
				raw[off+4+b/8] |= 1 << uint(b%8)
			}
		}
	}

	return raw
}

// Unpack loads the UB table's slot headers from a packed byte slice of the
// same layout Pack produces. Extra data is left zeroed; the caller must
// rebuild it from the UB contents.
func (t *UBTable) Unpack(raw []byte) {
	perSlot := 4 + (t.sectorsPerBlock+7)/8

	for i := range t.Slots {
		off := i * perSlot
		if off+perSlot > len(raw) {
			break
		}

		phys := defaultEncoding.Uint32(raw[off : off+4])

		valid := make([]bool, t.sectorsPerBlock)
		for b := range valid {
			valid[b] = raw[off+4+b/8]&(1<<uint(b%8)) != 0
		}

		t.Slots[i] = UBSlot{PhysBlock: phys, Valid: valid}
		t.Extra[i] = UBExtra{}
	}
}
