package nandftl

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// DeviceStats is a snapshot of the in-RAM tables, returned by the DUMP
// io_ctl op and printed by the nandftl-dump tool.
type DeviceStats struct {
	Mounted bool

	DataBlocks  int
	UBSlots     int
	SectorSize  int
	BlockCount  int
	ActivityCtr uint64

	L2PMapped int
	BadBlocks int
	DirtyBlks int
	AvailLive int
	AvailCap  int

	MetaActiveBlock int
	MetaSeqID       uint32
	MetaNextSecIx   int

	DirtyCacheBytes int
}

// Dump collects the current state into a DeviceStats value.
func (d *Device) Dump() DeviceStats {
	mapped := 0
	for _, pb := range d.s.L2P {
		if pb != InvalidIndex {
			mapped++
		}
	}

	return DeviceStats{
		Mounted: d.mounted,

		DataBlocks:  d.s.NDataBlocks,
		UBSlots:     d.s.NUBSlots,
		SectorSize:  d.s.PD.PageSize,
		BlockCount:  d.s.PD.BlockCount,
		ActivityCtr: d.s.ActivityCtr,

		L2PMapped: mapped,
		BadBlocks: d.s.BadBlks.Len(),
		DirtyBlks: countDirty(d.s.Dirty),
		AvailLive: d.s.Avail.Count(),
		AvailCap:  d.s.Avail.Cap(),

		MetaActiveBlock: d.s.Meta.ActiveBlock,
		MetaSeqID:       d.s.Meta.SeqID,
		MetaNextSecIx:   d.s.Meta.NextSecIx,

		DirtyCacheBytes: len(d.dirtyCacheSnapshot),
	}
}

func countDirty(db DirtyBitmap) int {
	n := 0
	for b := 0; b < db.Len(); b++ {
		if db.Get(b) {
			n++
		}
	}

	return n
}

// Dump prints a human-readable summary of the device's in-RAM tables.
func (st DeviceStats) Dump() {
	fmt.Printf("NAND FTL Device\n")
	fmt.Printf("===============\n")
	fmt.Printf("\n")

	fmt.Printf("Mounted: (%v)\n", st.Mounted)
	fmt.Printf("SectorSize: (%s)\n", humanize.Bytes(uint64(st.SectorSize)))
	fmt.Printf("BlockCount: (%s)\n", humanize.Comma(int64(st.BlockCount)))
	fmt.Printf("DataBlocks: (%s)\n", humanize.Comma(int64(st.DataBlocks)))
	fmt.Printf("UBSlots: (%d)\n", st.UBSlots)
	fmt.Printf("ActivityCtr: (%s)\n", humanize.Comma(int64(st.ActivityCtr)))
	fmt.Printf("\n")

	fmt.Printf("L2P mapped: (%s) of (%s)\n", humanize.Comma(int64(st.L2PMapped)), humanize.Comma(int64(st.DataBlocks)))
	fmt.Printf("Bad blocks: (%d)\n", st.BadBlocks)
	fmt.Printf("Dirty blocks: (%s)\n", humanize.Comma(int64(st.DirtyBlks)))
	fmt.Printf("Available: (%d) live of (%d) capacity\n", st.AvailLive, st.AvailCap)
	fmt.Printf("\n")

	fmt.Printf("Metadata active block: (%d)\n", st.MetaActiveBlock)
	fmt.Printf("Metadata sequence ID: (%d)\n", st.MetaSeqID)
	fmt.Printf("Metadata next sector index: (%d)\n", st.MetaNextSecIx)
	fmt.Printf("Dirty-map cache snapshot: (%s)\n", humanize.Bytes(uint64(st.DirtyCacheBytes)))
	fmt.Printf("\n")
}
