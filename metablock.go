package nandftl

import (
	"github.com/dsoprea/go-logging"
)

// MetaBlockState is the active metadata block's bookkeeping (§3, §4.4).
type MetaBlockState struct {
	ActiveBlock int
	SeqID       uint32
	NextSecIx   int

	// InvalidBits has one entry per logical meta-sector index; true means
	// the in-RAM value for that sector has not been committed to the
	// active block (or has never been committed at all).
	InvalidBits []bool

	// FoldNeeded is raised by a failed append to the active block (§4.7
	// "MetaSecWrHandler ... sets the 'fold needed' flag").
	FoldNeeded bool
}

// MetaBlockManager owns the append-only metadata log inside the active
// physical block: parsing it at boot, committing invalidated sectors, and
// folding when it fills (§4.4).
type MetaBlockManager struct {
	s    *DeviceState
	ctrl Controller
	pool *AvailPool

	sectorsPerBlock int

	// firstWriteEraseCount caches the erase count to stamp into sector 0 of
	// a freshly allocated meta block; set by Fold.
	firstWriteEraseCount uint32
}

// NewMetaBlockManager returns a MetaBlockManager bound to the given state.
func NewMetaBlockManager(s *DeviceState, ctrl Controller, pool *AvailPool) *MetaBlockManager {
	return &MetaBlockManager{
		s:               s,
		ctrl:            ctrl,
		pool:            pool,
		sectorsPerBlock: s.PD.SectorsPerBlock(),
	}
}

// metaSectorCount returns the number of logical meta-sector slots: sector 0
// is the available-block table exactly; the remainder is the
// bad-block-table + dirty-bitmap + UB-table tail chunked into sector-sized
// pieces.
func (m *MetaBlockManager) metaSectorCount() int {
	tailLen := m.tailLen()
	sectorSize := m.s.PD.PageSize

	return 1 + (tailLen+sectorSize-1)/sectorSize
}

func (m *MetaBlockManager) tailLen() int {
	return len(m.s.BadBlks.Pack()) + len(m.s.Dirty.Pack()) + len(m.s.UBs.Pack())
}

// buildImage serializes the complete metadata image (§3 "Metadata block
// image").
func (m *MetaBlockManager) buildImage() []byte {
	sectorSize := m.s.PD.PageSize

	availSector := make([]byte, sectorSize)
	copy(availSector, m.s.Avail.Pack())

	tail := make([]byte, 0, m.tailLen())
	tail = append(tail, m.s.BadBlks.Pack()...)
	tail = append(tail, m.s.Dirty.Pack()...)
	tail = append(tail, m.s.UBs.Pack()...)

	img := make([]byte, 0, len(availSector)+len(tail))
	img = append(img, availSector...)
	img = append(img, tail...)

	return img
}

// imageSectorPayload returns the sector-sized payload for logical meta
// sector idx, zero-padded if it runs past the end of the tail.
func (m *MetaBlockManager) imageSectorPayload(img []byte, idx int) []byte {
	sectorSize := m.s.PD.PageSize
	start := idx * sectorSize
	end := start + sectorSize

	payload := make([]byte, sectorSize)

	if start < len(img) {
		n := end
		if n > len(img) {
			n = len(img)
		}
		copy(payload, img[start:n])
	}

	return payload
}

// applyImage loads the tables from a fully-resolved image buffer.
func (m *MetaBlockManager) applyImage(img []byte) {
	sectorSize := m.s.PD.PageSize

	availRaw := img[:min(sectorSize, len(img))]
	m.s.Avail.Unpack(availRaw)

	tail := img[sectorSize:]

	badLen := (m.s.PD.MaxBadBlockCount) * 4
	dirtyLen := (m.s.PD.BlockCount + 7) / 8

	off := 0
	if off+badLen <= len(tail) {
		m.s.BadBlks.Unpack(tail[off : off+badLen])
	}
	off += badLen

	if off+dirtyLen <= len(tail) {
		m.s.Dirty.Unpack(tail[off : off+dirtyLen])
	}
	off += dirtyLen

	if off <= len(tail) {
		m.s.UBs.Unpack(tail[off:])
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}

	return b
}

// InvalidateAll marks every meta sector as needing a commit (used after a
// fold, since the new block starts empty).
func (m *MetaBlockManager) InvalidateAll() {
	n := m.metaSectorCount()
	m.s.Meta.InvalidBits = make([]bool, n)
	for i := range m.s.Meta.InvalidBits {
		m.s.Meta.InvalidBits[i] = true
	}
}

// invalidRange returns the first and last set indices and the count, or
// (-1, -1, 0) if none are set.
func invalidRange(bits []bool) (first, last, count int) {
	first, last = -1, -1

	for i, b := range bits {
		if b {
			if first < 0 {
				first = i
			}
			last = i
			count++
		}
	}

	return first, last, count
}

// Commit is the metadata commit algorithm (§4.4 "Commit algorithm").
// availOnly restricts the commit to meta sector 0 (the available-block
// table) alone, tagging every written sector AVAIL_BLK_TBL_ONLY.
func (m *MetaBlockManager) Commit(availOnly bool) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	if m.s.Meta.InvalidBits == nil {
		m.InvalidateAll()
	}

	// Fold the tables' own Invalidated flags into the per-sector bits: sector
	// 0 holds the available table, the rest the tail (bad blocks, dirty
	// bitmap, UB table). The flags are cleared below even by an
	// available-table-only commit, so the tail bits keep that change pending.
	if m.s.Avail.Invalidated {
		m.s.Meta.InvalidBits[0] = true
	}
	if m.s.BadBlks.Invalidated || m.s.UBs.Invalidated {
		for i := 1; i < len(m.s.Meta.InvalidBits); i++ {
			m.s.Meta.InvalidBits[i] = true
		}
	}

	bits := m.s.Meta.InvalidBits
	if availOnly {
		bits = []bool{bits[0]}
	}

	_, _, count := invalidRange(bits)
	if count == 0 {
		return nil
	}

	if m.sectorsPerBlock-m.s.Meta.NextSecIx < count {
		m.s.Meta.FoldNeeded = true
	}

	if m.s.Meta.FoldNeeded {
		ferr := m.Fold()
		log.PanicIf(ferr)

		m.InvalidateAll()
		bits = m.s.Meta.InvalidBits
		if availOnly {
			bits = []bool{bits[0]}
		}
	}

	img := m.buildImage()

	var indices []int
	for i, b := range bits {
		if b {
			indices = append(indices, i)
		}
	}

	for n, idx := range indices {
		status := SeqUnfinished

		switch {
		case availOnly:
			status = SeqAvailBlkTblOnly
		case len(indices) == 1:
			status = SeqFinished
		case n == 0:
			status = SeqNew
		case n == len(indices)-1:
			status = SeqFinished
		}

		werr := m.writeMetaSector(idx, img, status)
		if werr != nil {
			m.s.Meta.FoldNeeded = true
			return newErr(ErrOpAborted, "metadata sector write failed at index %d", idx)
		}

		if status == SeqFinished || status == SeqAvailBlkTblOnly {
			for _, i := range indices[:n+1] {
				m.s.Meta.InvalidBits[i] = false
			}
		}
	}

	m.s.Avail.MarkAllCommitted()
	m.s.Avail.Invalidated = false
	m.s.BadBlks.Invalidated = false
	m.s.UBs.Invalidated = false

	return nil
}

func (m *MetaBlockManager) writeMetaSector(metaSecIx int, img []byte, status SequenceStatus) error {
	payload := m.imageSectorPayload(img, metaSecIx)

	eraseCount := uint32(0)
	if m.s.Meta.NextSecIx == 0 {
		// Sector 0's OOS additionally carries the block's erase count,
		// removed from the available table at first-write time (§4.4).
		eraseCount = m.firstWriteEraseCount
	}

	oos := MetaOOS{
		commonOOSPrefix: commonOOSPrefix{
			SectorType: SectorMetadata,
			EraseCount: eraseCount,
		},
		MetaSectorIndex: uint32(metaSecIx),
		MetaBlockID:     m.s.Meta.SeqID,
		SeqStatus:       status,
	}

	oosBuf, err := PackMetaOOS(oos, m.s.PD.UsedMarkSize())
	if err != nil {
		return err
	}

	physSec := m.s.PD.PhysicalSector(m.s.Meta.ActiveBlock, m.s.Meta.NextSecIx)

	if err := m.ctrl.SecWr(payload, oosBuf, physSec); err != nil {
		return err
	}

	m.s.Meta.NextSecIx++

	return nil
}

// SetFirstBlock seeds a freshly allocated, still-empty metadata block as
// the active one without going through Fold (used by low-format's initial
// commit, which has no predecessor image to carry forward).
func (m *MetaBlockManager) SetFirstBlock(block int, eraseCount uint32) {
	m.s.Meta.ActiveBlock = block
	m.s.Meta.SeqID = 0
	m.s.Meta.NextSecIx = 0
	m.s.Meta.FoldNeeded = false
	m.firstWriteEraseCount = eraseCount
	m.InvalidateAll()
}

// Fold rewrites the complete metadata image into a newly allocated block
// (§3 "Fold (of metadata)", §4.4 "Fold").
func (m *MetaBlockManager) Fold() (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	preFoldCount := m.s.Avail.Count()

	newSeq := m.s.Meta.SeqID + 1

	block, eraseCount, gerr := m.pool.GetErased(true, newSeq, nil)
	log.PanicIf(gerr)

	oldBlock := m.s.Meta.ActiveBlock

	m.firstWriteEraseCount = eraseCount
	m.s.Meta.ActiveBlock = block
	m.s.Meta.SeqID = newSeq
	m.s.Meta.NextSecIx = 0
	m.s.Meta.FoldNeeded = false

	if oldBlock != block {
		m.s.Dirty.Set(oldBlock)
	}

	ferr := m.pool.Fill(preFoldCount, newSeq)
	log.PanicIf(ferr)

	return nil
}

// SectorSearch finds the current physical offset of meta-sector index
// within the active block by walking backward from NextSecIx-1. Only
// sectors of a sequence whose terminating FINISHED or AVAIL_BLK_TBL_ONLY
// sector was written count; a trailing sequence that never terminated is
// skipped as stale (§4.4 "Sector search").
func (m *MetaBlockManager) SectorSearch(metaSecIx int) (physOffset int, found bool, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	// inTerminated is true while the walk is inside a sequence whose
	// terminating sector has been seen.
	inTerminated := false

	for off := m.s.Meta.NextSecIx - 1; off >= 0; off-- {
		physSec := m.s.PD.PhysicalSector(m.s.Meta.ActiveBlock, off)

		_, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		log.PanicIf(rerr)

		oos, perr := UnpackMetaOOS(oosBuf)
		log.PanicIf(perr)

		if oos.SectorType != SectorMetadata {
			continue
		}

		if oos.SeqStatus == SeqFinished || oos.SeqStatus == SeqAvailBlkTblOnly {
			inTerminated = true
		}

		if inTerminated && int(oos.MetaSectorIndex) == metaSecIx {
			return off, true, nil
		}

		if oos.SeqStatus == SeqNew {
			// The sector before a NEW ends an earlier sequence.
			inTerminated = false
		}
	}

	return 0, false, nil
}

// BootFindResult is the winner of the mount-time metadata-block scan.
type BootFindResult struct {
	Block       int
	SeqID       uint32
	RunnerUpIdx int
}

// BootFind scans every block's first page for the active metadata block,
// selecting the highest sequence ID under the wraparound rule (§4.4
// "Boot-time find").
func (m *MetaBlockManager) BootFind() (res BootFindResult, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	type cand struct {
		block int
		seq   uint32
	}

	var cands []cand

	for b := m.s.PD.FirstBlockIndex; b < m.s.PD.BlockCount; b++ {
		physSec := m.s.PD.PhysicalSector(b, 0)

		eccResult, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if rerr != nil || eccResult == ECCUncorrectable {
			continue
		}

		oos, perr := UnpackMetaOOS(oosBuf)
		if perr != nil {
			continue
		}

		if oos.SectorType != SectorMetadata {
			continue
		}

		cands = append(cands, cand{block: b, seq: oos.MetaBlockID})
	}

	if len(cands) == 0 {
		return BootFindResult{}, newErr(ErrInvalidLowFmt, "no metadata block found")
	}

	minSeq, maxSeq := cands[0].seq, cands[0].seq
	for _, c := range cands {
		if c.seq < minSeq {
			minSeq = c.seq
		}
		if c.seq > maxSeq {
			maxSeq = c.seq
		}
	}

	halfRange := idRangeQuarter * 2
	wrapped := maxSeq-minSeq > halfRange

	pool := cands
	if wrapped {
		pool = nil
		for _, c := range cands {
			if c.seq <= halfRange {
				pool = append(pool, c)
			}
		}
		if len(pool) == 0 {
			pool = cands
		}
	}

	winner := pool[0]
	for _, c := range pool {
		if c.seq > winner.seq {
			winner = c
		}
	}

	runnerUp := cands[0]
	for _, c := range cands {
		if c.block != winner.block && c.seq > runnerUp.seq && c.seq != winner.seq {
			runnerUp = c
		}
	}

	return BootFindResult{Block: winner.block, SeqID: winner.seq, RunnerUpIdx: runnerUp.block}, nil
}

// recomputeNextSecIx scans block's sector 0..N for the first unused sector,
// without mutating m.s.Meta (used while visiting a predecessor block during
// Parse).
func (m *MetaBlockManager) recomputeNextSecIx(block int) (int, error) {
	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	nsi := 0
	for off := 0; off < m.sectorsPerBlock; off++ {
		physSec := m.s.PD.PhysicalSector(block, off)

		_, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if rerr != nil {
			break
		}

		oos, perr := UnpackMetaOOS(oosBuf)
		if perr != nil || oos.SectorType != SectorMetadata {
			break
		}

		nsi = off + 1
	}

	return nsi, nil
}

// findBlockWithSeqID scans every block's first page for a metadata sector
// stamped with the given sequence ID.
func (m *MetaBlockManager) findBlockWithSeqID(seq uint32) (int, bool, error) {
	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	for b := m.s.PD.FirstBlockIndex; b < m.s.PD.BlockCount; b++ {
		physSec := m.s.PD.PhysicalSector(b, 0)

		eccResult, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if rerr != nil || eccResult == ECCUncorrectable {
			continue
		}

		oos, perr := UnpackMetaOOS(oosBuf)
		if perr != nil || oos.SectorType != SectorMetadata {
			continue
		}

		if oos.MetaBlockID == seq {
			return b, true, nil
		}
	}

	return 0, false, nil
}

// Parse walks the active block backward from its last written sector,
// filling the meta-sector image until every logical index is resolved
// (§4.4 "Parse").
func (m *MetaBlockManager) Parse(block int, seqID uint32) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	m.s.Meta.ActiveBlock = block
	m.s.Meta.SeqID = seqID

	// Determine NextSecIx: scan forward from offset 0 until an unused
	// sector is found.
	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	nextSecIx := 0
	for off := 0; off < m.sectorsPerBlock; off++ {
		physSec := m.s.PD.PhysicalSector(block, off)

		_, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if rerr != nil {
			break
		}

		oos, perr := UnpackMetaOOS(oosBuf)
		if perr != nil || oos.SectorType != SectorMetadata {
			break
		}

		nextSecIx = off + 1
	}

	m.s.Meta.NextSecIx = nextSecIx

	n := m.metaSectorCount()
	img := make([]byte, n*m.s.PD.PageSize)
	resolved := make([]bool, n)
	remaining := n

	curBlock := block
	curSeq := seqID

	// Bound the predecessor walk to the partition's block count.
	for hop := 0; hop < m.s.PD.BlockCount && remaining > 0; hop++ {
		if curBlock != block {
			nsi, perr := m.recomputeNextSecIx(curBlock)
			log.PanicIf(perr)

			m.s.Meta.ActiveBlock = curBlock
			m.s.Meta.NextSecIx = nsi
		}

		for idx := 0; idx < n; idx++ {
			if resolved[idx] {
				continue
			}

			off, found, serr := m.SectorSearch(idx)
			log.PanicIf(serr)

			if found == false {
				continue
			}

			physSec := m.s.PD.PhysicalSector(curBlock, off)

			_, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
			log.PanicIf(rerr)

			copy(img[idx*m.s.PD.PageSize:(idx+1)*m.s.PD.PageSize], dataBuf)
			resolved[idx] = true
			remaining--
		}

		if remaining == 0 {
			break
		}

		// Follow the sequence ID one block back and locate its predecessor
		// meta block by scanning (§4.4 "Parse").
		predBlock, found, perr := m.findBlockWithSeqID(curSeq - 1)
		log.PanicIf(perr)

		if found == false {
			break
		}

		curBlock = predBlock
		curSeq--
	}

	m.s.Meta.ActiveBlock = block
	m.s.Meta.NextSecIx = nextSecIx

	m.applyImage(img)

	m.s.Meta.InvalidBits = make([]bool, n)

	return nil
}

// AvailTableReplay re-scans the active block's sectors after the last fully
// committed sequence for AVAIL_BLK_TBL_ONLY and UNFINISHED partial commits,
// recovering available-table entries that postdate the last full commit
// (§4.4 "Available-table replay").
func (m *MetaBlockManager) AvailTableReplay(currentMetaID uint32) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	// Start just past the last FINISHED sector; everything up to it is
	// already part of the parsed image.
	start := 0
	for off := m.s.Meta.NextSecIx - 1; off >= 0; off-- {
		_, rerr := m.ctrl.SecRd(dataBuf, oosBuf, m.s.PD.PhysicalSector(m.s.Meta.ActiveBlock, off))
		log.PanicIf(rerr)

		oos, perr := UnpackMetaOOS(oosBuf)
		log.PanicIf(perr)

		if oos.SectorType == SectorMetadata && oos.SeqStatus == SeqFinished {
			start = off + 1
			break
		}
	}

	for off := start; off < m.s.Meta.NextSecIx; off++ {
		physSec := m.s.PD.PhysicalSector(m.s.Meta.ActiveBlock, off)

		_, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		log.PanicIf(rerr)

		oos, perr := UnpackMetaOOS(oosBuf)
		log.PanicIf(perr)

		if oos.SectorType != SectorMetadata {
			continue
		}

		if oos.SeqStatus != SeqAvailBlkTblOnly && oos.SeqStatus != SeqUnfinished {
			continue
		}

		if oos.MetaSectorIndex != 0 {
			continue
		}

		var replay AvailTable
		replay = newAvailTable(m.s.Avail.Cap())
		replay.Unpack(dataBuf)

		for i := 0; i < replay.Cap(); i++ {
			e := replay.ReadEntry(i)
			if e.valid == false {
				continue
			}

			if m.s.Avail.IndexOf(int(e.PhysBlock)) >= 0 {
				continue
			}

			if m.s.Dirty.Get(int(e.PhysBlock)) == false {
				continue
			}

			slot := m.s.Avail.lowestFreeSlot()
			if slot < 0 {
				dummy, derr := m.pool.ensureErased(int(e.PhysBlock))
				log.PanicIf(derr)

				if dummy == false {
					continue
				}

				dOOS := DummyStorageOOS(e.EraseCount)
				oosBuf2, perr2 := PackStorageOOS(dOOS, m.s.PD.UsedMarkSize())
				log.PanicIf(perr2)

				data := make([]byte, m.s.PD.PageSize)
				physSec2 := m.s.PD.PhysicalSector(int(e.PhysBlock), 0)

				werr := m.ctrl.SecWr(data, oosBuf2, physSec2)
				log.PanicIf(werr)

				continue
			}

			m.s.Dirty.Clear(int(e.PhysBlock))
			m.s.Avail.WriteEntry(slot, e)
			m.s.Avail.Invalidated = true
		}
	}

	return nil
}

// CorruptionRepair implements the optional mount-time repair (§4.4
// "Optional corruption repair"): if two consecutive metadata blocks carry
// identical sequence IDs, metadata is presumed corrupt and every metadata
// block is erased to force a fresh format.
func (m *MetaBlockManager) CorruptionRepair() (repaired bool, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	dataBuf := make([]byte, m.s.PD.PageSize)
	oosBuf := make([]byte, m.s.PD.SpareSize)

	seen := map[uint32][]int{}

	for b := m.s.PD.FirstBlockIndex; b < m.s.PD.BlockCount; b++ {
		physSec := m.s.PD.PhysicalSector(b, 0)

		eccResult, rerr := m.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if rerr != nil || eccResult == ECCUncorrectable {
			continue
		}

		oos, perr := UnpackMetaOOS(oosBuf)
		if perr != nil || oos.SectorType != SectorMetadata {
			continue
		}

		seen[oos.MetaBlockID] = append(seen[oos.MetaBlockID], b)
	}

	corrupt := false
	for _, blocks := range seen {
		if len(blocks) > 1 {
			corrupt = true
			break
		}
	}

	if corrupt == false || m.s.Cfg.ClrCorruptMetaBlk == false {
		return corrupt, nil
	}

	for _, blocks := range seen {
		for _, b := range blocks {
			_ = m.ctrl.BlkErase(b)
		}
	}

	return true, nil
}
