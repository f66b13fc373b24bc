package nandftl

// DeviceState is the complete in-RAM metadata image (§3): the tables that
// get serialized into the metadata block, plus the derived bookkeeping the
// rest of the core needs. All cross-structure references are plain integer
// indices into these arrays (§9 "index-and-arena"); nothing here stores a
// back-pointer.
type DeviceState struct {
	PD  PartitionDescriptor
	Cfg Config

	// L2P is the logical->physical block map, data range only. Entries are
	// InvalidIndex when unmapped.
	L2P []uint32

	Avail   AvailTable
	BadBlks BadBlockTable
	Dirty   DirtyBitmap
	UBs     UBTable

	// NDataBlocks, NUBSlots are the sizes of the logical ranges (§3
	// "Logical block").
	NDataBlocks int
	NUBSlots    int

	// Meta holds the active metadata block's bookkeeping (§3, §4.4).
	Meta MetaBlockState

	// ActivityCtr is the device-wide write-activity counter, stamped into a
	// UB's extra data at every write and compared at allocation-decision
	// time to judge UB idleness (§4.6).
	ActivityCtr uint64
}

// dataLogicalRange reports whether a logical block index addresses the data
// range (the only range the Sector Client may address, §3).
func (s *DeviceState) dataLogicalRange(lb int) bool {
	return lb >= 0 && lb < s.NDataBlocks
}

// NewDeviceState allocates a zeroed DeviceState sized per pd/cfg/dataBlocks/
// ubSlots.
func NewDeviceState(pd PartitionDescriptor, cfg Config, dataBlocks, ubSlots int) *DeviceState {
	s := &DeviceState{
		PD:          pd,
		Cfg:         cfg,
		NDataBlocks: dataBlocks,
		NUBSlots:    ubSlots,
	}

	s.L2P = make([]uint32, dataBlocks)
	for i := range s.L2P {
		s.L2P[i] = InvalidIndex
	}

	availCap := cfg.RsvdAvailBlkCnt + maxAvailEntries(pd)
	if perSector := pd.PageSize / availEntrySize; availCap > perSector {
		// The packed table must fit meta sector 0 (AvailTable.Pack).
		availCap = perSector
	}
	s.Avail = newAvailTable(availCap)
	s.BadBlks = newBadBlockTable(pd.MaxBadBlockCount)
	s.Dirty = newDirtyBitmap(pd.BlockCount)
	s.UBs = newUBTable(ubSlots, pd.SectorsPerBlock(), cfg.UBTableSubsetSize, cfg.RUBMaxAssoc)

	return s
}

// maxAvailEntries derives the available-table capacity T from the full block
// count; on real media this would be a configured, smaller cap (§3).
// NewDeviceState lowers the total (T plus the reserve) to the number of
// entries one sector holds.
func maxAvailEntries(pd PartitionDescriptor) int {
	return pd.BlockCount
}
