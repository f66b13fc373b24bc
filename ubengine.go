package nandftl

import (
	"github.com/dsoprea/go-logging"
)

// UBEngine is the update-block engine of §4.6: locating the latest copy of
// a logical sector, deciding how to allocate a UB, and performing the
// merges and refreshes that keep the pool of UBs bounded.
type UBEngine struct {
	s    *DeviceState
	ctrl Controller
	pool *AvailPool
	meta *MetaBlockManager
	io   *SectorIO

	// seqRunLB/seqRunOffset/seqRunLen track a simple in-RAM heuristic for
	// "contiguous write count": consecutive sequential offset-0-anchored
	// writes to the same logical block. Write calls recordSeq only for
	// offset-0 writes, so no run ever extends past 1 and the reported run
	// is always 1 sector; the offset-0 partial-merge branch is taken only
	// when ThPctMergeRUBStartSUB is at most 100/sectors-per-block. The
	// device-level sector count of a multi-sector write is not passed in.
	// It does not survive a mount, the
	// same way the dirty-bitmap round-robin cursor doesn't (§9 Open
	// Question 3) — it only biases the offset-0 allocation decision, never
	// an on-device invariant.
	seqRunLB     int
	seqRunOffset int
	seqRunLen    int
}

// NewUBEngine returns a UBEngine bound to the given state. Call SetIO once
// the SectorIO that wraps it has been constructed.
func NewUBEngine(s *DeviceState, ctrl Controller, pool *AvailPool, meta *MetaBlockManager) *UBEngine {
	return &UBEngine{
		s:        s,
		ctrl:     ctrl,
		pool:     pool,
		meta:     meta,
		seqRunLB: -1,
	}
}

// SetIO completes the two-way wiring between UBEngine and SectorIO: each
// needs to call the other (UB merges need the retrying write handler; the
// write handler needs refresh/mark-bad on failure).
func (e *UBEngine) SetIO(io *SectorIO) {
	e.io = io
}

func (e *UBEngine) recordSeq(lb, offset int) int {
	if lb == e.seqRunLB && offset == e.seqRunOffset {
		e.seqRunLen++
	} else {
		e.seqRunLen = 1
	}

	e.seqRunLB = lb
	e.seqRunOffset = offset + 1

	return e.seqRunLen
}

// sectorWritten reports whether physical (block, offset) carries a used
// mark, without involving ECC.
func (e *UBEngine) sectorWritten(block, offset int) (written bool, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	mark := make([]byte, e.s.PD.UsedMarkSize())
	physSec := e.s.PD.PhysicalSector(block, offset)
	markOffset := e.s.PD.SpareSize - e.s.PD.UsedMarkSize()

	rerr := e.ctrl.OOSRdRaw(mark, physSec, markOffset, len(mark))
	log.PanicIf(rerr)

	return IsUsedMark(mark), nil
}

// lookupUBSector returns the (logical offset, associate index) a UB's
// physical offset carries, consulting the meta cache first and falling
// back to a re-read of the sector's OOS (§3 "meta cache").
func (e *UBEngine) lookupUBSector(slot, physOff int) (logicalOff, assocIx int, ok bool, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	ex := &e.s.UBs.Extra[slot]

	if ex.metaCache != nil && physOff < len(ex.metaCache) && ex.metaCache[physOff].valid {
		c := ex.metaCache[physOff]
		return c.logicalOff, c.associateIx, true, nil
	}

	block := int(e.s.UBs.Slots[slot].PhysBlock)
	dataBuf := make([]byte, e.s.PD.PageSize)
	oosBuf := make([]byte, e.s.PD.SpareSize)
	physSec := e.s.PD.PhysicalSector(block, physOff)

	_, rerr := e.ctrl.SecRd(dataBuf, oosBuf, physSec)
	log.PanicIf(rerr)

	oos, perr := UnpackStorageOOS(oosBuf)
	log.PanicIf(perr)

	if ex.IsSUB() {
		return int(oos.LogicalSectorOffset), 0, true, nil
	}

	for i := 0; i < ex.AssocLvl; i++ {
		if ex.Assoc[i] == oos.LogicalBlockIndex {
			return int(oos.LogicalSectorOffset), i, true, nil
		}
	}

	return 0, 0, false, nil
}

// searchRange yields the physical offsets worth checking for (assocIx,
// offset) inside slot: the sector-subset index if enabled, else the full
// written range.
func (e *UBEngine) searchRange(slot, assocIx, offset int) []int {
	ex := &e.s.UBs.Extra[slot]

	if e.s.Cfg.UBTableSubsetSize > 0 && ex.subset != nil {
		return ex.subset[[2]int{assocIx, offset}]
	}

	out := make([]int, ex.NextSecIx)
	for i := range out {
		out[i] = i
	}

	return out
}

// FindLatest locates the current physical copy of logical (lb, offset)
// (§4.6 "Finding the latest copy of a logical sector"): the SUB path, the
// RUB path (highest-offset hit wins), then the logical->physical data-block
// map.
func (e *UBEngine) FindLatest(lb, offset int) (physBlock, physOffset int, found bool, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	slot, assocIx := e.s.UBs.SlotForLogicalBlock(lb)

	if slot >= 0 {
		ex := &e.s.UBs.Extra[slot]
		block := int(e.s.UBs.Slots[slot].PhysBlock)

		if ex.IsSUB() {
			if offset < ex.NextSecIx && e.s.UBs.Slots[slot].Valid[offset] {
				return block, offset, true, nil
			}
		} else {
			best := -1

			for _, off := range e.searchRange(slot, assocIx, offset) {
				if off < 0 || off >= ex.NextSecIx || e.s.UBs.Slots[slot].Valid[off] == false {
					continue
				}

				lo, aix, ok, lerr := e.lookupUBSector(slot, off)
				log.PanicIf(lerr)

				if ok && lo == offset && aix == assocIx && off > best {
					best = off
				}
			}

			if best >= 0 {
				return block, best, true, nil
			}
		}
	}

	physBlockU := e.s.L2P[lb]
	if physBlockU == InvalidIndex {
		return 0, 0, false, nil
	}

	written, werr := e.sectorWritten(int(physBlockU), 0)
	log.PanicIf(werr)

	if written == false {
		return 0, 0, false, nil
	}

	return int(physBlockU), offset, true, nil
}

func (e *UBEngine) writeStorageSector(block, physOffset, lb, logicalOffset int, data []byte, eraseCountIfFirst uint32) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	ec := uint32(0)
	if physOffset == 0 {
		ec = eraseCountIfFirst
	}

	oos := StorageOOS{
		commonOOSPrefix:     commonOOSPrefix{SectorType: SectorStorage, EraseCount: ec},
		LogicalBlockIndex:   uint32(lb),
		LogicalSectorOffset: uint32(logicalOffset),
	}

	oosBuf, perr := PackStorageOOS(oos, e.s.PD.UsedMarkSize())
	log.PanicIf(perr)

	// SecWrHandler's failure return is the typed OP_ABORTED business error
	// the caller must retry against a new target (§4.7, §9); it is returned
	// directly, not funneled through log.PanicIf, so its Kind survives
	// intact for appendWithRetry regardless of how many recover boundaries
	// it crosses above this point.
	return e.io.SecWrHandler(block, physOffset, data, oosBuf)
}

// findUBPhysOffset locates the physical offset, below before, that
// currently holds (assocIx, logicalOffset) inside slot, if any.
func (e *UBEngine) findUBPhysOffset(slot, assocIx, logicalOffset, before int) (int, bool) {
	ex := &e.s.UBs.Extra[slot]

	if ex.IsSUB() {
		if logicalOffset < before && e.s.UBs.Slots[slot].Valid[logicalOffset] {
			return logicalOffset, true
		}

		return 0, false
	}

	best := -1

	for off := 0; off < before; off++ {
		if e.s.UBs.Slots[slot].Valid[off] == false {
			continue
		}

		lo, aix, ok, err := e.lookupUBSector(slot, off)
		if err != nil || ok == false {
			continue
		}

		if lo == logicalOffset && aix == assocIx {
			best = off
		}
	}

	if best >= 0 {
		return best, true
	}

	return 0, false
}

// appendUB writes one sector into slot at its next physical offset,
// updates the valid bitmap (clearing any superseded copy), and records the
// write for the meta cache / sector-subset index (§4.6 "Every append"). Its
// error return is never wrapped: a program failure here is the typed
// OP_ABORTED business error appendWithRetry gates on.
func (e *UBEngine) appendUB(slot, assocIx, lb, logicalOffset int, data []byte) error {
	ex := &e.s.UBs.Extra[slot]
	physOff := ex.NextSecIx
	block := int(e.s.UBs.Slots[slot].PhysBlock)

	if err := e.writeStorageSector(block, physOff, lb, logicalOffset, data, e.s.UBs.Slots[slot].EraseCount); err != nil {
		return err
	}

	if prevOff, ok := e.findUBPhysOffset(slot, assocIx, logicalOffset, physOff); ok {
		e.s.UBs.Slots[slot].Valid[prevOff] = false
	}

	e.s.UBs.Slots[slot].Valid[physOff] = true
	ex.NextSecIx++
	ex.ActivityCtr = e.s.ActivityCtr
	ex.recordWrite(physOff, logicalOffset, assocIx, e.s.Cfg.UBMetaCacheEnabled, e.s.Cfg.UBTableSubsetSize > 0)
	e.s.UBs.Invalidated = true

	return nil
}

// appendWithRetry wraps appendUB with the bounded OP_ABORTED retry the
// write path is contractually idempotent under (§7, §9): "the caller must
// retry with the same logical target (possibly in a different physical
// block)". By the time this sees the error, SecWrHandler has refreshed the
// failed block (which moves its UB slot onto the refreshed copy) and marked
// it bad. The retry therefore appends into the slot that still mirrors lb;
// only when no slot does (the refresh failed and MarkBad cleared it) does it
// re-run allocateAndWrite for a fresh target.
func (e *UBEngine) appendWithRetry(slot, assocIx, lb, logicalOffset int, data []byte, wantRUB bool) error {
	err := e.appendUB(slot, assocIx, lb, logicalOffset, data)
	if err == nil || KindOf(err) != ErrOpAborted {
		return err
	}

	retries := e.s.Cfg.MaxRdRetries
	if retries < 1 {
		retries = 1
	}

	lastErr := err

	for attempt := 1; attempt < retries; attempt++ {
		if s, aix := e.s.UBs.SlotForLogicalBlock(lb); s >= 0 {
			lastErr = e.appendUB(s, aix, lb, logicalOffset, data)
		} else {
			lastErr = e.allocateAndWrite(lb, logicalOffset, data, wantRUB)
		}
		if lastErr == nil || KindOf(lastErr) != ErrOpAborted {
			return lastErr
		}
	}

	return lastErr
}

// fullestSUB returns the SUB with the lowest free-sector percentage.
func (e *UBEngine) fullestSUB() (slot, freePct int, found bool) {
	sectorsPerBlock := e.s.PD.SectorsPerBlock()

	best := -1
	bestFree := 101

	for i, sl := range e.s.UBs.Slots {
		if sl.isEmpty() || e.s.UBs.Extra[i].IsSUB() == false {
			continue
		}

		free := (sectorsPerBlock - e.s.UBs.Extra[i].NextSecIx) * 100 / sectorsPerBlock
		if best < 0 || free < bestFree {
			best, bestFree = i, free
		}
	}

	if best < 0 {
		return 0, 0, false
	}

	return best, bestFree, true
}

func (e *UBEngine) hasAnyRUB() bool {
	for i, sl := range e.s.UBs.Slots {
		if sl.isEmpty() == false && e.s.UBs.Extra[i].IsSUB() == false {
			return true
		}
	}

	return false
}

// highestPriorityRUB picks the RUB to merge when nothing else qualifies:
// priority = next_sec_ix + idle/ub_count, with a full RUB always winning.
func (e *UBEngine) highestPriorityRUB() int {
	sectorsPerBlock := e.s.PD.SectorsPerBlock()
	n := len(e.s.UBs.Slots)

	best := -1
	bestPriority := -1

	for i, sl := range e.s.UBs.Slots {
		if sl.isEmpty() || e.s.UBs.Extra[i].IsSUB() {
			continue
		}

		ex := &e.s.UBs.Extra[i]

		priority := ex.NextSecIx + int(e.s.ActivityCtr-ex.ActivityCtr)/n
		if ex.NextSecIx >= sectorsPerBlock {
			priority = sectorsPerBlock + (1 << 20)
		}

		if priority > bestPriority {
			best, bestPriority = i, priority
		}
	}

	return best
}

func (e *UBEngine) promoteSUBToRUB(slot int) {
	ex := &e.s.UBs.Extra[slot]
	lb := ex.Assoc[0]

	assoc := make([]uint32, e.s.UBs.RUBMaxAssoc)
	for i := range assoc {
		assoc[i] = InvalidIndex
	}
	assoc[0] = lb

	ex.Assoc = assoc
	ex.AssocLvl = 1
	e.s.UBs.Invalidated = true
}

// allocationDecision is the six-step policy of §4.6 "Allocation decision".
// isNew reports whether slot is now empty and must be populated with
// UBTable.Allocate; when false, slot already exists and lb either needs
// Associate or is already its sole member (the promoted-SUB case).
func (e *UBEngine) allocationDecision(lb int, wantRUB bool) (slot int, isNew bool, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	ubs := &e.s.UBs
	n := len(ubs.Slots)
	sectorsPerBlock := e.s.PD.SectorsPerBlock()

	for i := 0; i < n; i++ {
		if ubs.Slots[i].isEmpty() || ubs.Extra[i].IsSUB() == false {
			continue
		}

		if ubs.Extra[i].NextSecIx >= sectorsPerBlock {
			merr := e.mergeSUB(i)
			log.PanicIf(merr)

			return i, true, nil
		}
	}

	if empty := ubs.EmptySlot(); empty >= 0 {
		if wantRUB || ubs.CountSUBs() < e.s.Cfg.maxSUBCount(n) {
			return empty, true, nil
		}
	}

	for i := 0; i < n; i++ {
		if ubs.Slots[i].isEmpty() {
			continue
		}

		ex := &ubs.Extra[i]
		if ex.IsSUB() == false && ex.AssocLvl < ubs.RUBMaxAssoc {
			return i, false, nil
		}
	}

	for i := 0; i < n; i++ {
		if ubs.Slots[i].isEmpty() {
			continue
		}

		ex := &ubs.Extra[i]
		if ex.IsSUB() == false {
			continue
		}

		freePct := (sectorsPerBlock - ex.NextSecIx) * 100 / sectorsPerBlock
		idle := e.s.ActivityCtr - ex.ActivityCtr

		if freePct > e.s.Cfg.ThPctConvertSUBToRUB && int(idle) >= e.s.Cfg.ThSUBMinIdleToFold {
			e.promoteSUBToRUB(i)
			return i, false, nil
		}
	}

	fullestSlot, fullestFreePct, hasSUB := e.fullestSUB()
	hasRUB := e.hasAnyRUB()

	if hasSUB && (fullestFreePct < e.s.Cfg.ThPctMergeSUB || hasRUB == false) {
		merr := e.mergeSUB(fullestSlot)
		log.PanicIf(merr)

		return fullestSlot, true, nil
	}

	bestSlot := e.highestPriorityRUB()
	if bestSlot < 0 {
		return 0, false, newErr(ErrNoAvailBlk, "no update-block slot available for allocation")
	}

	merr := e.mergeFullRUB(bestSlot)
	log.PanicIf(merr)

	return bestSlot, true, nil
}

// allocateAndWrite runs the allocation decision for lb, finishes the slot
// setup (fresh Allocate, or Associate into an existing RUB), and writes
// data at logicalOffset, retrying the append against a fresh target on a
// program failure.
func (e *UBEngine) allocateAndWrite(lb, logicalOffset int, data []byte, wantRUB bool) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	slot, isNew, derr := e.allocationDecision(lb, wantRUB)
	if derr != nil {
		return derr
	}

	if isNew {
		block, eraseCount, gerr := e.pool.GetErased(false, e.s.Meta.SeqID, func() error { return e.meta.Commit(true) })
		if gerr != nil {
			return gerr
		}

		k := 0
		if wantRUB {
			k = e.s.UBs.RUBMaxAssoc
		}

		e.s.UBs.Allocate(slot, block, lb, k, e.s.ActivityCtr, e.s.Cfg.UBMetaCacheEnabled)
		e.s.UBs.Slots[slot].EraseCount = eraseCount

		return e.appendWithRetry(slot, 0, lb, logicalOffset, data, wantRUB)
	}

	ex := &e.s.UBs.Extra[slot]

	assocIx := ex.AssociatedWith(lb)
	if assocIx < 0 {
		assocIx = e.s.UBs.Associate(slot, lb)
	}

	return e.appendWithRetry(slot, assocIx, lb, logicalOffset, data, false)
}

// Write is the write path for one logical sector in a UB (§4.6 "Write path
// for one logical sector in a UB").
func (e *UBEngine) Write(lb, offset int, data []byte) error {
	sectorsPerBlock := e.s.PD.SectorsPerBlock()
	slot, assocIx := e.s.UBs.SlotForLogicalBlock(lb)

	e.s.ActivityCtr++

	if offset == 0 {
		run := e.recordSeq(lb, offset)
		runPct := run * 100 / sectorsPerBlock

		if slot >= 0 && e.s.UBs.Extra[slot].IsSUB() == false {
			if runPct < e.s.Cfg.ThPctMergeRUBStartSUB {
				if e.s.UBs.Extra[slot].NextSecIx >= sectorsPerBlock {
					if err := e.mergeFullRUB(slot); err != nil {
						return err
					}

					return e.allocateAndWrite(lb, offset, data, true)
				}

				return e.appendWithRetry(slot, assocIx, lb, offset, data, true)
			}

			if err := e.partialMergeRUB(slot, assocIx); err != nil {
				return err
			}

			return e.allocateAndWrite(lb, offset, data, false)
		}

		if slot >= 0 && e.s.UBs.Extra[slot].IsSUB() {
			ex := &e.s.UBs.Extra[slot]
			freePct := (sectorsPerBlock - ex.NextSecIx) * 100 / sectorsPerBlock

			if freePct > e.s.Cfg.ThPctConvertSUBToRUB {
				e.promoteSUBToRUB(slot)
				return e.appendWithRetry(slot, 0, lb, offset, data, true)
			}

			if err := e.mergeSUB(slot); err != nil {
				return err
			}

			return e.allocateAndWrite(lb, offset, data, false)
		}

		return e.allocateAndWrite(lb, offset, data, false)
	}

	if slot >= 0 {
		ex := &e.s.UBs.Extra[slot]

		if ex.IsSUB() == false {
			if ex.NextSecIx < sectorsPerBlock {
				return e.appendWithRetry(slot, assocIx, lb, offset, data, true)
			}

			if err := e.mergeFullRUB(slot); err != nil {
				return err
			}

			return e.allocateAndWrite(lb, offset, data, true)
		}

		if offset < ex.NextSecIx && e.s.UBs.Slots[slot].Valid[offset] {
			freePct := (sectorsPerBlock - ex.NextSecIx) * 100 / sectorsPerBlock

			if freePct > e.s.Cfg.ThPctConvertSUBToRUB {
				e.promoteSUBToRUB(slot)
				return e.appendWithRetry(slot, 0, lb, offset, data, false)
			}

			if err := e.mergeSUB(slot); err != nil {
				return err
			}

			return e.allocateAndWrite(lb, offset, data, false)
		}

		gap := offset - ex.NextSecIx
		gapPct := gap * 100 / sectorsPerBlock

		if gapPct < e.s.Cfg.ThPctPadSUB {
			if err := e.mergeUntilSUB(slot, offset-1); err != nil {
				return err
			}

			return e.appendWithRetry(slot, 0, lb, offset, data, false)
		}

		freePct := (sectorsPerBlock - ex.NextSecIx) * 100 / sectorsPerBlock
		if freePct > e.s.Cfg.ThPctConvertSUBToRUB {
			e.promoteSUBToRUB(slot)
			return e.appendWithRetry(slot, 0, lb, offset, data, false)
		}

		return e.appendWithRetry(slot, 0, lb, offset, data, false)
	}

	return e.allocateAndWrite(lb, offset, data, true)
}

// mergeFullRUB performs a partial merge once per distinct associate until
// the RUB is empty (§4.6 "Full RUB merge").
func (e *UBEngine) mergeFullRUB(slot int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	for e.s.UBs.Extra[slot].AssocLvl > 0 {
		merr := e.partialMergeRUB(slot, 0)
		log.PanicIf(merr)
	}

	return nil
}

// partialMergeRUB merges one associate of a RUB into a freshly allocated
// block (§4.6 "Partial RUB merge"). The logical->physical map is updated
// only after every sector of the new block has been written successfully,
// so a crash mid-merge leaves the logical block pointing at its original,
// still-valid backing (invariant 2).
func (e *UBEngine) partialMergeRUB(slot, assocIx int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	ex := &e.s.UBs.Extra[slot]
	lb := int(ex.Assoc[assocIx])
	sectorsPerBlock := e.s.PD.SectorsPerBlock()
	ubBlock := int(e.s.UBs.Slots[slot].PhysBlock)
	oldBlock := e.s.L2P[lb]

	newBlock, eraseCount, gerr := e.pool.GetErased(false, e.s.Meta.SeqID, func() error { return e.meta.Commit(true) })
	log.PanicIf(gerr)

	dataBuf := make([]byte, e.s.PD.PageSize)
	oosBuf := make([]byte, e.s.PD.SpareSize)

	for off := 0; off < sectorsPerBlock; off++ {
		haveSource := false

		for physOff := ex.NextSecIx - 1; physOff >= 0; physOff-- {
			if e.s.UBs.Slots[slot].Valid[physOff] == false {
				continue
			}

			lo, aix, ok, lerr := e.lookupUBSector(slot, physOff)
			log.PanicIf(lerr)

			if ok == false || lo != off || aix != assocIx {
				continue
			}

			physSec := e.s.PD.PhysicalSector(ubBlock, physOff)
			_, rerr := e.ctrl.SecRd(dataBuf, oosBuf, physSec)
			log.PanicIf(rerr)

			haveSource = true
			break
		}

		if haveSource == false && oldBlock != InvalidIndex {
			written, werr := e.sectorWritten(int(oldBlock), off)
			log.PanicIf(werr)

			if written {
				physSec := e.s.PD.PhysicalSector(int(oldBlock), off)
				_, rerr := e.ctrl.SecRd(dataBuf, oosBuf, physSec)
				log.PanicIf(rerr)

				haveSource = true
			}
		}

		switch {
		case haveSource:
			werr := e.writeStorageSector(newBlock, off, lb, off, dataBuf, eraseCount)
			if werr != nil {
				return werr
			}

		case off == 0:
			dOOS := DummyStorageOOS(eraseCount)

			dummyOOS, perr := PackStorageOOS(dOOS, e.s.PD.UsedMarkSize())
			log.PanicIf(perr)

			empty := make([]byte, e.s.PD.PageSize)
			werr := e.io.SecWrHandler(newBlock, 0, empty, dummyOOS)
			if werr != nil {
				return werr
			}
		}
	}

	ex.AssocLvl--
	if assocIx != ex.AssocLvl {
		ex.Assoc[assocIx] = ex.Assoc[ex.AssocLvl]
	}
	ex.Assoc[ex.AssocLvl] = InvalidIndex

	if ex.AssocLvl == 0 {
		e.s.Dirty.Set(ubBlock)
		e.s.UBs.Clear(slot)
	} else {
		e.s.UBs.Invalidated = true
	}

	if oldBlock != InvalidIndex {
		e.s.Dirty.Set(int(oldBlock))
	}

	e.s.L2P[lb] = uint32(newBlock)

	return nil
}

// mergeUntilSUB pads a SUB with the old data block's contents for every
// offset in [next_sec_ix, end] that the old block actually wrote (§4.6
// "SUB merge-until"): pure data motion, no new block allocated.
func (e *UBEngine) mergeUntilSUB(slot, end int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	ex := &e.s.UBs.Extra[slot]
	lb := int(ex.Assoc[0])
	oldBlock := e.s.L2P[lb]
	ubBlock := int(e.s.UBs.Slots[slot].PhysBlock)

	if oldBlock != InvalidIndex {
		dataBuf := make([]byte, e.s.PD.PageSize)
		oosBuf := make([]byte, e.s.PD.SpareSize)

		for off := ex.NextSecIx; off <= end; off++ {
			written, werr := e.sectorWritten(int(oldBlock), off)
			log.PanicIf(werr)

			if written == false {
				continue
			}

			physSec := e.s.PD.PhysicalSector(int(oldBlock), off)
			_, rerr := e.ctrl.SecRd(dataBuf, oosBuf, physSec)
			log.PanicIf(rerr)

			werr2 := e.writeStorageSector(ubBlock, off, lb, off, dataBuf, e.s.UBs.Slots[slot].EraseCount)
			if werr2 != nil {
				return werr2
			}

			e.s.UBs.Slots[slot].Valid[off] = true
		}
	}

	ex.NextSecIx = end + 1
	e.s.UBs.Invalidated = true

	return nil
}

// mergeSUB finalizes a SUB as a data block: pads it through the last
// offset, then points the logical block at the SUB block itself — no copy
// needed (§4.6 "SUB merge").
func (e *UBEngine) mergeSUB(slot int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	ex := &e.s.UBs.Extra[slot]
	lb := int(ex.Assoc[0])
	sectorsPerBlock := e.s.PD.SectorsPerBlock()

	merr := e.mergeUntilSUB(slot, sectorsPerBlock-1)
	log.PanicIf(merr)

	ubBlock := e.s.UBs.Slots[slot].PhysBlock
	oldBlock := e.s.L2P[lb]

	e.s.L2P[lb] = ubBlock

	if oldBlock != InvalidIndex {
		e.s.Dirty.Set(int(oldBlock))
	}

	e.s.UBs.Clear(slot)

	return nil
}

// copySectorForRefresh re-stamps a sector's OOS with the destination
// block's erase count (only meaningful at offset 0) while preserving its
// sector-type-specific identity fields.
func (e *UBEngine) copySectorForRefresh(off int, oosBuf []byte, eraseCount uint32) (out []byte, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	if len(oosBuf) == 0 {
		return nil, newErr(ErrInvalidMetadata, "empty OOS buffer during refresh")
	}

	if SectorType(oosBuf[0]) == SectorMetadata {
		o, uerr := UnpackMetaOOS(oosBuf)
		log.PanicIf(uerr)

		if off == 0 {
			o.EraseCount = eraseCount
		}

		packed, perr := PackMetaOOS(o, e.s.PD.UsedMarkSize())
		log.PanicIf(perr)

		return packed, nil
	}

	o, uerr := UnpackStorageOOS(oosBuf)
	log.PanicIf(uerr)

	if off == 0 {
		o.EraseCount = eraseCount
	}

	packed, perr := PackStorageOOS(o, e.s.PD.UsedMarkSize())
	log.PanicIf(perr)

	return packed, nil
}

// remapAfterRefresh updates whichever table points at oldBlock to point at
// newBlock instead, reporting whether any table did (§4.6 "Refresh": "if
// none does, the old block is unaccounted for and the operation fails").
func (e *UBEngine) remapAfterRefresh(oldBlock, newBlock int) bool {
	remapped := false

	for lb, pb := range e.s.L2P {
		if int(pb) == oldBlock {
			e.s.L2P[lb] = uint32(newBlock)
			remapped = true
		}
	}

	if slotIx := e.s.UBs.SlotOfBlock(oldBlock); slotIx >= 0 {
		e.s.UBs.Slots[slotIx].PhysBlock = uint32(newBlock)
		e.s.UBs.Invalidated = true
		remapped = true
	}

	if e.s.Meta.ActiveBlock == oldBlock {
		e.s.Meta.ActiveBlock = newBlock
		remapped = true
	}

	return remapped
}

// Refresh preemptively rewrites oldBlock into a freshly allocated block,
// retrying on a failed target program and giving up after MaxRdRetries
// attempts (§4.6 "Refresh").
func (e *UBEngine) Refresh(oldBlock int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	sectorsPerBlock := e.s.PD.SectorsPerBlock()

	for attempt := 0; attempt < e.s.Cfg.MaxRdRetries; attempt++ {
		newBlock, eraseCount, gerr := e.pool.GetErased(false, e.s.Meta.SeqID, func() error { return e.meta.Commit(true) })
		log.PanicIf(gerr)

		failed := false

		for off := 0; off < sectorsPerBlock; off++ {
			dataBuf := make([]byte, e.s.PD.PageSize)
			oosBuf := make([]byte, e.s.PD.SpareSize)
			physSec := e.s.PD.PhysicalSector(oldBlock, off)

			read := false

			for retry := 0; retry < e.s.Cfg.MaxRdRetries; retry++ {
				eccResult, rerr := e.ctrl.SecRd(dataBuf, oosBuf, physSec)
				if rerr == nil && eccResult != ECCUncorrectable {
					read = true
					break
				}
			}

			if read == false {
				// Giving up on an unwritten sector is fine; on a written one
				// its data is lost, and nothing records the loss. Either way
				// the destination offset is simply left unwritten.
				continue
			}

			newOOS, perr := e.copySectorForRefresh(off, oosBuf, eraseCount)
			if perr != nil {
				continue
			}

			if werr := e.ctrl.SecWr(dataBuf, newOOS, e.s.PD.PhysicalSector(newBlock, off)); werr != nil {
				failed = true
				break
			}
		}

		if failed == false {
			if e.remapAfterRefresh(oldBlock, newBlock) == false {
				return newErr(ErrInvalidMetadata, "block %d is unaccounted for; refresh cannot update any table", oldBlock)
			}

			return nil
		}

		berr := e.s.BadBlks.Add(newBlock)
		log.PanicIf(berr)
	}

	return newErr(ErrDevIO, "refresh of block %d failed after %d attempts", oldBlock, e.s.Cfg.MaxRdRetries)
}

// MarkBad appends block to the bad-block table and unmaps it from every
// other table it might occupy (§4.6 "Bad-block marking").
func (e *UBEngine) MarkBad(block int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	aerr := e.s.BadBlks.Add(block)
	log.PanicIf(aerr)

	for lb, pb := range e.s.L2P {
		if int(pb) == block {
			e.s.L2P[lb] = InvalidIndex
		}
	}

	if slotIx := e.s.UBs.SlotOfBlock(block); slotIx >= 0 {
		e.s.UBs.Clear(slotIx)
	}

	if idx := e.s.Avail.IndexOf(block); idx >= 0 {
		e.s.Avail.entries[idx] = AvailEntry{}
		e.s.Avail.Invalidated = true
	}

	e.s.Dirty.Clear(block)

	return nil
}
