package nandftl

import (
	"github.com/dsoprea/go-logging"
)

// Device is the top-level orchestrator of §4.8: mount/low-format/unmount
// and the upward Sector API (read/write/query/io_ctl) that every other
// component in this package ultimately serves.
type Device struct {
	s    *DeviceState
	ctrl Controller
	pool *AvailPool
	meta *MetaBlockManager
	ub   *UBEngine
	io   *SectorIO
	cls  *Classifier
	hdr  *HeaderManager

	mounted bool

	// dirtyCacheSnapshot is the packed dirty bitmap as of the last
	// successful mount, kept per DirtyMapCacheEnabled (§6). It is
	// diagnostic only: Dump (stats.go) reports it so a caller can tell a
	// genuine post-mount crash from a bitmap that never left its
	// just-parsed state.
	dirtyCacheSnapshot []byte
}

// reservedBlockCount estimates how many blocks a fresh low-format needs to
// set aside for the header, the metadata log, and the UB slots before any
// of the partition's capacity can serve as logical data blocks.
func reservedBlockCount(pd PartitionDescriptor, cfg Config, ubCount int) int {
	return 1 /* header */ + cfg.RsvdAvailBlkCnt + 2 /* meta, active + one fold headroom */ + ubCount
}

// NewDevice opens ctrl, reads its geometry, and wires every component
// together via the two-phase UBEngine/SectorIO construction (SetIO
// completes the cycle once both sides exist). If cfg.DataBlockCount or
// cfg.UBCount is zero, they are derived from the partition geometry.
func NewDevice(ctrl Controller, cfg Config) (d *Device, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	pd, perr := ctrl.PartDataGet()
	log.PanicIf(perr)

	oerr := ctrl.Open(pd)
	log.PanicIf(oerr)

	_, serr := ctrl.Setup(pd.PageSize)
	log.PanicIf(serr)

	ubCount := cfg.UBCount
	if ubCount <= 0 {
		ubCount = 4
		cfg.UBCount = ubCount
	}

	dataBlocks := cfg.DataBlockCount
	if dataBlocks <= 0 {
		dataBlocks = pd.BlockCount - pd.FirstBlockIndex - reservedBlockCount(pd, cfg, ubCount)
		if dataBlocks < 1 {
			dataBlocks = 1
		}
		cfg.DataBlockCount = dataBlocks
	}

	s := NewDeviceState(pd, cfg, dataBlocks, ubCount)
	hdr := NewHeaderManager(ctrl, pd)

	d = &Device{s: s, ctrl: ctrl, hdr: hdr}
	d.wire()

	return d, nil
}

// wire (re)builds every component bound to d.s, completing the
// UBEngine/SectorIO two-phase construction. Called from NewDevice and from
// Unmount, which resets d.s to a fresh, empty image.
func (d *Device) wire() {
	d.pool = NewAvailPool(d.s, d.ctrl)
	d.meta = NewMetaBlockManager(d.s, d.ctrl, d.pool)
	d.ub = NewUBEngine(d.s, d.ctrl, d.pool, d.meta)
	d.io = NewSectorIO(d.s, d.ctrl, d.ub)
	d.ub.SetIO(d.io)
	d.cls = NewClassifier(d.s)
}

// Close releases the underlying controller.
func (d *Device) Close() error {
	return d.ctrl.Close()
}

// LowFormat erases every block of the partition, writes a fresh header,
// marks factory-defective blocks bad and every other block dirty, seeds the
// available-block table, allocates and commits an empty metadata image, then
// unmounts and remounts to validate the result (§4.8 "Low-format").
func (d *Device) LowFormat() (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	for b := d.s.PD.FirstBlockIndex; b < d.s.PD.BlockCount; b++ {
		_ = d.ctrl.BlkErase(b)
	}

	hb, werr := d.hdr.Write(d.s.NUBSlots, d.s.UBs.RUBMaxAssoc, d.s.Avail.Cap())
	log.PanicIf(werr)

	for b := d.s.PD.FirstBlockIndex; b < d.s.PD.BlockCount; b++ {
		if b == hb {
			continue
		}

		isDefective, derr := IsFactoryDefective(d.ctrl, d.s.PD, b)
		log.PanicIf(derr)

		if isDefective {
			aerr := d.s.BadBlks.Add(b)
			log.PanicIf(aerr)

			continue
		}

		d.s.Dirty.Set(b)
	}

	ferr := d.pool.Fill(d.s.Cfg.RsvdAvailBlkCnt+1, 0)
	log.PanicIf(ferr)

	block, eraseCount, gerr := d.pool.GetErased(true, 0, nil)
	log.PanicIf(gerr)

	d.meta.SetFirstBlock(block, eraseCount)

	cerr := d.meta.Commit(false)
	log.PanicIf(cerr)

	uerr := d.Unmount()
	log.PanicIf(uerr)

	return d.LowMount()
}

// checkConsistency verifies invariant 2 of §3 (testable property 3 of §8):
// every physical block is classified into at most one of {bad, dirty,
// available, update}. Called at the end of LowMount and Sync.
func (d *Device) checkConsistency() error {
	for b := d.s.PD.FirstBlockIndex; b < d.s.PD.BlockCount; b++ {
		if d.cls.Consistent(b) == false {
			return newErr(ErrInvalidMetadata, "physical block %d belongs to more than one classification", b)
		}
	}

	return nil
}

// LowMount is the cold mount path (§4.8 "Low-mount"): find and validate the
// header, find and parse the active metadata block, then classify every
// other block by scanning its contents and folding it into the appropriate
// in-RAM table.
func (d *Device) LowMount() (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	hb, _, herr := d.hdr.Read(d.s.NUBSlots, d.s.UBs.RUBMaxAssoc, d.s.Avail.Cap())
	log.PanicIf(herr)

	repaired, rerr := d.meta.CorruptionRepair()
	log.PanicIf(rerr)

	if repaired && d.s.Cfg.ClrCorruptMetaBlk {
		return newErr(ErrCorruptLowFmt, "metadata corruption detected across multiple blocks; all metadata blocks erased, reformat required")
	}

	res, ferr := d.meta.BootFind()
	log.PanicIf(ferr)

	if perr := d.meta.Parse(res.Block, res.SeqID); perr != nil {
		if res.Block == d.s.PD.BlockCount-1 {
			// The source's recovery hint for a mount failure that lands on
			// the very last physical block (§9 Open Question 1): treat it
			// as a torn write, erase it, and retry once. No other mount
			// failure gets this treatment.
			eerr := d.ctrl.BlkErase(res.Block)
			log.PanicIf(eerr)

			return d.LowMount()
		}

		return perr
	}

	if d.s.Cfg.DirtyMapCacheEnabled {
		d.dirtyCacheSnapshot = d.s.Dirty.Pack()
	}

	d.s.Dirty.SetCursor(res.Block)

	for b := d.s.PD.FirstBlockIndex; b < d.s.PD.BlockCount; b++ {
		if b == hb || b == res.Block {
			continue
		}

		isDirty := d.s.Dirty.Get(b)
		isAvail := d.cls.IsAvailable(b)

		if isDirty && isAvail {
			d.s.Dirty.Clear(b)
			continue
		}

		if isDirty == false && isAvail == false {
			lerr := d.loadBlockAtMount(b)
			log.PanicIf(lerr)
		}
	}

	aerr := d.meta.AvailTableReplay(res.SeqID)
	log.PanicIf(aerr)

	cerr := d.checkConsistency()
	log.PanicIf(cerr)

	d.mounted = true

	return nil
}

// loadBlockAtMount classifies a block that is neither dirty nor in the
// available table: either it backs a UB slot (per the just-parsed UB
// table, in which case its extra data must be rebuilt by replaying its
// contents), or its sector 0 must be inspected directly (§4.8 "Low-mount").
func (d *Device) loadBlockAtMount(b int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	if slotIx := d.s.UBs.SlotOfBlock(b); slotIx >= 0 {
		return d.rebuildUBExtra(slotIx)
	}

	dataBuf := make([]byte, d.s.PD.PageSize)
	oosBuf := make([]byte, d.s.PD.SpareSize)
	physSec := d.s.PD.PhysicalSector(b, 0)

	eccResult, rerr := d.ctrl.SecRd(dataBuf, oosBuf, physSec)
	if rerr != nil || eccResult == ECCUncorrectable {
		// Unreadable sector 0 of an otherwise unaccounted block: leave it
		// alone, rather than guess at it here. It stays in no table, so
		// Classifier.Consistent (which only rejects a block claimed by
		// more than one table) does not flag it either.
		return nil
	}

	if len(oosBuf) == 0 {
		return nil
	}

	switch SectorType(oosBuf[0]) {
	case SectorStorage:
		oos, perr := UnpackStorageOOS(oosBuf)
		log.PanicIf(perr)

		if oos.IsDummySector() {
			return d.recoverDummyBlockIdentity(b)
		}

		d.s.L2P[oos.LogicalBlockIndex] = uint32(b)

	case SectorMetadata:
		// A metadata block that predates the current active one: stale,
		// reclaimable.
		d.s.Dirty.Set(b)

	default:
		// Either genuinely unwritten (an interrupted format left it
		// unaccounted) or a header sector outside the expected header
		// block; neither requires action here.
	}

	return nil
}

// recoverDummyBlockIdentity handles a block whose sector 0 carries only a
// dummy erase-count marker (written by a partial RUB merge when no source
// held offset 0, §4.6). Sector 0 alone cannot identify the owning logical
// block, so every other offset is scanned for a real StorageOOS entry.
func (d *Device) recoverDummyBlockIdentity(block int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	dataBuf := make([]byte, d.s.PD.PageSize)
	oosBuf := make([]byte, d.s.PD.SpareSize)

	for off := 1; off < d.s.PD.SectorsPerBlock(); off++ {
		written, werr := d.ub.sectorWritten(block, off)
		log.PanicIf(werr)

		if written == false {
			break
		}

		physSec := d.s.PD.PhysicalSector(block, off)
		_, rerr := d.ctrl.SecRd(dataBuf, oosBuf, physSec)
		log.PanicIf(rerr)

		oos, perr := UnpackStorageOOS(oosBuf)
		log.PanicIf(perr)

		if oos.IsDummySector() == false {
			d.s.L2P[oos.LogicalBlockIndex] = uint32(block)
			return nil
		}
	}

	// No identifying sector found anywhere in the block: it cannot be
	// claimed by any logical block, so it is reclaimed as dirty instead of
	// silently leaking.
	d.s.Dirty.Set(block)

	return nil
}

// rebuildUBExtra replays every written sector of a UB block to reconstruct
// its extra data, which is never persisted (§3 "Update-block extra data").
// It distinguishes a SUB from a RUB by the defining SUB invariant (every
// written sector's physical offset equals its logical offset, against a
// single associate); any sector that breaks that pattern means the block is
// a RUB, even if it currently mirrors only one associate.
func (d *Device) rebuildUBExtra(slotIx int) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	block := int(d.s.UBs.Slots[slotIx].PhysBlock)
	sectorsPerBlock := d.s.PD.SectorsPerBlock()

	dataBuf := make([]byte, d.s.PD.PageSize)
	oosBuf := make([]byte, d.s.PD.SpareSize)

	type entry struct {
		physOff int
		lb      uint32
		lo      uint32
	}

	var entries []entry

	nextSecIx := 0

	for off := 0; off < sectorsPerBlock; off++ {
		written, werr := d.ub.sectorWritten(block, off)
		log.PanicIf(werr)

		if written == false {
			break
		}

		physSec := d.s.PD.PhysicalSector(block, off)
		_, rerr := d.ctrl.SecRd(dataBuf, oosBuf, physSec)
		log.PanicIf(rerr)

		oos, perr := UnpackStorageOOS(oosBuf)
		log.PanicIf(perr)

		nextSecIx = off + 1

		if off == 0 {
			d.s.UBs.Slots[slotIx].EraseCount = oos.EraseCount
		}

		if oos.IsDummySector() {
			continue
		}

		entries = append(entries, entry{physOff: off, lb: oos.LogicalBlockIndex, lo: oos.LogicalSectorOffset})
	}

	isSUB := true
	soleLB := InvalidIndex

	for _, en := range entries {
		if soleLB == InvalidIndex {
			soleLB = en.lb
		}

		if en.lb != soleLB || uint32(en.physOff) != en.lo {
			isSUB = false
		}
	}

	var assocList []uint32
	seen := map[uint32]bool{}

	for _, en := range entries {
		if seen[en.lb] == false {
			seen[en.lb] = true
			assocList = append(assocList, en.lb)
		}
	}

	ex := &d.s.UBs.Extra[slotIx]
	ex.NextSecIx = nextSecIx
	ex.ActivityCtr = d.s.ActivityCtr
	ex.subset = make(map[[2]int][]int)

	if d.s.Cfg.UBMetaCacheEnabled {
		ex.metaCache = make([]ubCacheEntry, sectorsPerBlock)
	}

	if isSUB {
		lb := soleLB
		if lb == InvalidIndex && len(assocList) > 0 {
			lb = assocList[0]
		}

		ex.Assoc = []uint32{lb}
		ex.AssocLvl = 0
	} else {
		assoc := make([]uint32, d.s.UBs.RUBMaxAssoc)
		for i := range assoc {
			assoc[i] = InvalidIndex
		}
		copy(assoc, assocList)

		ex.Assoc = assoc
		ex.AssocLvl = len(assocList)
	}

	for _, en := range entries {
		assocIx := 0

		if isSUB == false {
			for i, a := range assocList {
				if a == en.lb {
					assocIx = i
					break
				}
			}
		}

		ex.recordWrite(en.physOff, int(en.lo), assocIx, d.s.Cfg.UBMetaCacheEnabled, d.s.Cfg.UBTableSubsetSize > 0)
	}

	return nil
}

// Unmount discards the in-RAM image, simulating a clean process restart:
// every component is rebuilt against a fresh, empty DeviceState of the same
// geometry and sizing.
func (d *Device) Unmount() error {
	d.s = NewDeviceState(d.s.PD, d.s.Cfg, d.s.NDataBlocks, d.s.NUBSlots)
	d.wire()
	d.mounted = false

	return nil
}

// Sync commits the current in-RAM metadata image and re-checks invariant 2
// across the whole partition (§4.8 "Sync", §8 testable property 3).
func (d *Device) Sync() (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	cerr := d.meta.Commit(false)
	log.PanicIf(cerr)

	verr := d.checkConsistency()
	log.PanicIf(verr)

	return nil
}

func (d *Device) splitLogicalSector(ls int) (lb, offset int) {
	n := d.s.PD.SectorsPerBlock()
	return ls / n, ls % n
}

// Read satisfies count logical sectors starting at logicalSector into buf
// (§6 "read"). A never-written sector reads as zeroed rather than failing
// the whole call; every other error aborts immediately.
func (d *Device) Read(logicalSector, count int, buf []byte) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	if d.mounted == false {
		return newErr(ErrInvalidLowFmt, "device is not mounted")
	}

	sectorSize := d.s.PD.PageSize
	oosBuf := make([]byte, d.s.PD.SpareSize)

	for i := 0; i < count; i++ {
		lb, off := d.splitLogicalSector(logicalSector + i)
		dst := buf[i*sectorSize : (i+1)*sectorSize]

		_, rerr := d.io.SecRdHandler(dst, oosBuf, lb, off)
		if rerr != nil {
			if KindOf(rerr) == ErrNoSuchSec {
				for j := range dst {
					dst[j] = 0
				}

				continue
			}

			log.PanicIf(rerr)
		}
	}

	if d.s.Cfg.AutoSyncEnabled {
		return d.Sync()
	}

	return nil
}

// Write programs count logical sectors starting at logicalSector from buf
// (§6 "write"), routing every sector through the update-block engine.
func (d *Device) Write(logicalSector, count int, buf []byte) (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	if d.mounted == false {
		return newErr(ErrInvalidLowFmt, "device is not mounted")
	}

	sectorSize := d.s.PD.PageSize

	for i := 0; i < count; i++ {
		lb, off := d.splitLogicalSector(logicalSector + i)
		if d.s.dataLogicalRange(lb) == false {
			return newErr(ErrNoSuchSec, "logical sector %d is out of range", logicalSector+i)
		}

		src := buf[i*sectorSize : (i+1)*sectorSize]

		werr := d.ub.Write(lb, off, src)
		log.PanicIf(werr)
	}

	if d.s.Cfg.AutoSyncEnabled {
		return d.Sync()
	}

	return nil
}

// DeviceQuery is the result of Query (§6 "query").
type DeviceQuery struct {
	SectorSize  int
	SectorCount int
	Fixed       bool
}

// Query reports the logical geometry the Sector Client sees.
func (d *Device) Query() DeviceQuery {
	return DeviceQuery{
		SectorSize:  d.s.PD.PageSize,
		SectorCount: d.s.NDataBlocks * d.s.PD.SectorsPerBlock(),
		Fixed:       true,
	}
}

// IOCtlOp enumerates the operations recognized by IOCtl (§6 "io_ctl").
type IOCtlOp int

const (
	OpLowFmt IOCtlOp = iota
	OpLowMount
	OpLowUnmount
	OpSync
	OpChipErase
	OpDump
	OpRdSecPhy
	OpWrSecPhy
	OpEraseBlkPhy
	OpRefresh
)

// PhySectorArgs is the argument/result struct for OpRdSecPhy and
// OpWrSecPhy: a direct physical-sector read or write bypassing every
// logical table, for diagnostics and recovery tooling.
type PhySectorArgs struct {
	Block, Offset int
	Data, OOS     []byte
}

// IOCtl dispatches a single out-of-band device operation (§6 "io_ctl").
func (d *Device) IOCtl(op IOCtlOp, data interface{}) (interface{}, error) {
	switch op {
	case OpLowFmt:
		return nil, d.LowFormat()

	case OpLowMount:
		return nil, d.LowMount()

	case OpLowUnmount:
		return nil, d.Unmount()

	case OpSync:
		return nil, d.Sync()

	case OpChipErase:
		return nil, d.chipErase()

	case OpDump:
		return d.Dump(), nil

	case OpRdSecPhy:
		args, ok := data.(*PhySectorArgs)
		if ok == false {
			return nil, newErr(ErrNullPtr, "RD_SEC_PHY requires a *PhySectorArgs")
		}

		physSec := d.s.PD.PhysicalSector(args.Block, args.Offset)

		return d.ctrl.SecRd(args.Data, args.OOS, physSec)

	case OpWrSecPhy:
		args, ok := data.(*PhySectorArgs)
		if ok == false {
			return nil, newErr(ErrNullPtr, "WR_SEC_PHY requires a *PhySectorArgs")
		}

		physSec := d.s.PD.PhysicalSector(args.Block, args.Offset)

		return nil, d.ctrl.SecWr(args.Data, args.OOS, physSec)

	case OpEraseBlkPhy:
		block, ok := data.(int)
		if ok == false {
			return nil, newErr(ErrNullPtr, "ERASE_BLK_PHY requires an int block index")
		}

		return nil, d.ctrl.BlkErase(block)

	case OpRefresh:
		if d.mounted == false {
			return nil, newErr(ErrInvalidLowFmt, "device is not mounted")
		}

		block, ok := data.(int)
		if ok == false {
			return nil, newErr(ErrNullPtr, "REFRESH requires an int block index")
		}

		return nil, d.ub.Refresh(block)

	default:
		return nil, newErr(ErrInvalidIOCtrl, "unrecognized io_ctl operation %d", int(op))
	}
}

// chipErase erases every physical block, discarding all state (§6
// "CHIP_ERASE"). The device must be reformatted afterward.
func (d *Device) chipErase() (err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	for b := 0; b < d.s.PD.BlockCount; b++ {
		eerr := d.ctrl.BlkErase(b)
		log.PanicIf(eerr)
	}

	d.mounted = false

	return nil
}
