package nandftl

import (
	"bytes"
	"testing"

	"github.com/nandftl/nandftl/ramctrl"
)

func testPartitionDescriptor() PartitionDescriptor {
	return PartitionDescriptor{
		PageSize:         512,
		PagesPerBlock:    16,
		BlockCount:       40,
		ProgramsPerPage:  1,
		SpareSize:        32,
		MaxBadBlockCount: 4,
		ECCStrength:      2,
	}
}

func testDevice(t *testing.T) (*Device, *ramctrl.RAMController) {
	pd := testPartitionDescriptor()
	ctrl := ramctrl.New(pd)

	cfg := DefaultConfig()
	cfg.UBCount = 3
	cfg.RsvdAvailBlkCnt = 1

	d, err := NewDevice(ctrl, cfg)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	if err := d.LowFormat(); err != nil {
		t.Fatalf("LowFormat: %v", err)
	}

	return d, ctrl
}

func TestDevice_LowFormatMounts(t *testing.T) {
	d, _ := testDevice(t)

	if d.mounted != true {
		t.Fatalf("device not mounted after low-format")
	}
}

func TestDevice_WriteReadRoundTrip(t *testing.T) {
	d, _ := testDevice(t)

	pd := testPartitionDescriptor()
	want := bytes.Repeat([]byte{0xa5}, pd.PageSize)

	if err := d.Write(0, 1, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, pd.PageSize)
	if err := d.Read(0, 1, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if bytes.Equal(got, want) == false {
		t.Fatalf("read did not return the written content")
	}
}

func TestDevice_ReadUnwrittenSectorReadsZero(t *testing.T) {
	d, _ := testDevice(t)

	pd := testPartitionDescriptor()
	got := bytes.Repeat([]byte{0xff}, pd.PageSize)

	if err := d.Read(1, 1, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d of never-written sector is not zero: %#x", i, b)
		}
	}
}

func TestDevice_OverwriteReturnsLatestCopy(t *testing.T) {
	d, _ := testDevice(t)

	pd := testPartitionDescriptor()

	v1 := bytes.Repeat([]byte{0x11}, pd.PageSize)
	v2 := bytes.Repeat([]byte{0x22}, pd.PageSize)

	if err := d.Write(2, 1, v1); err != nil {
		t.Fatalf("first write: %v", err)
	}

	if err := d.Write(2, 1, v2); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got := make([]byte, pd.PageSize)
	if err := d.Read(2, 1, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if bytes.Equal(got, v2) == false {
		t.Fatalf("read did not return the latest write")
	}
}

func TestDevice_SurvivesRemount(t *testing.T) {
	d, _ := testDevice(t)

	pd := testPartitionDescriptor()
	want := bytes.Repeat([]byte{0x7e}, pd.PageSize)

	if err := d.Write(3, 1, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := d.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	if err := d.LowMount(); err != nil {
		t.Fatalf("LowMount: %v", err)
	}

	got := make([]byte, pd.PageSize)
	if err := d.Read(3, 1, got); err != nil {
		t.Fatalf("Read after remount: %v", err)
	}

	if bytes.Equal(got, want) == false {
		t.Fatalf("content did not survive an unmount/mount cycle")
	}
}

func TestDevice_FullSectorWriteFillsEntireLogicalBlock(t *testing.T) {
	d, _ := testDevice(t)
	pd := testPartitionDescriptor()

	n := pd.SectorsPerBlock()

	for off := 0; off < n; off++ {
		buf := bytes.Repeat([]byte{byte(off)}, pd.PageSize)

		if err := d.Write(off, 1, buf); err != nil {
			t.Fatalf("write at offset %d: %v", off, err)
		}
	}

	for off := 0; off < n; off++ {
		want := bytes.Repeat([]byte{byte(off)}, pd.PageSize)

		got := make([]byte, pd.PageSize)
		if err := d.Read(off, 1, got); err != nil {
			t.Fatalf("read at offset %d: %v", off, err)
		}

		if bytes.Equal(got, want) == false {
			t.Fatalf("offset %d did not round-trip", off)
		}
	}
}

func TestDevice_WriteOutOfRangeFails(t *testing.T) {
	d, _ := testDevice(t)
	pd := testPartitionDescriptor()

	buf := make([]byte, pd.PageSize)

	ls := d.s.NDataBlocks * pd.SectorsPerBlock()

	err := d.Write(ls, 1, buf)
	if err == nil {
		t.Fatalf("expected an out-of-range write to fail")
	}

	if KindOf(err) != ErrNoSuchSec {
		t.Fatalf("expected ErrNoSuchSec, got %s", KindOf(err))
	}
}

func TestDevice_QueryReportsGeometry(t *testing.T) {
	d, _ := testDevice(t)
	pd := testPartitionDescriptor()

	q := d.Query()
	if q.SectorSize != pd.PageSize {
		t.Fatalf("unexpected sector size: %d", q.SectorSize)
	}

	if q.SectorCount != d.s.NDataBlocks*pd.SectorsPerBlock() {
		t.Fatalf("unexpected sector count: %d", q.SectorCount)
	}
}

func TestDevice_IOCtlSync(t *testing.T) {
	d, _ := testDevice(t)

	if _, err := d.IOCtl(OpSync, nil); err != nil {
		t.Fatalf("IOCtl(OpSync): %v", err)
	}
}

// nextAllocatedBlock predicts which physical block AvailPool.GetErased will
// hand out next, by performing the same pool top-up and available-table-only
// commit GetErased does first and then replicating its selection rule
// (lowest candidateScore within the non-reserved range, ties won by lowest
// table index). It lets a test pre-arm ramctrl.RAMController's one-shot
// failure maps against the exact block a subsequent write will target.
func nextAllocatedBlock(t *testing.T, d *Device) int {
	t.Helper()

	reserve := d.s.Cfg.RsvdAvailBlkCnt

	if err := d.pool.Fill(reserve+1, d.s.Meta.SeqID); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	if d.s.Avail.Invalidated {
		if err := d.meta.Commit(true); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	limit := len(d.s.Avail.entries) - reserve

	bestIdx := -1
	bestScore := uint32(0)
	bestCommitted := false

	for i := 0; i < limit; i++ {
		e := d.s.Avail.entries[i]
		if e.valid == false {
			continue
		}

		score := candidateScore(e, 0)

		if bestIdx < 0 {
			bestIdx, bestScore, bestCommitted = i, score, e.Committed
			continue
		}

		if e.Committed == bestCommitted {
			if score < bestScore {
				bestIdx, bestScore = i, score
			}
		} else if e.Committed == false && score < bestScore {
			bestIdx, bestScore, bestCommitted = i, score, false
		} else if e.Committed == true && bestCommitted == false && score <= bestScore {
			bestIdx, bestScore, bestCommitted = i, score, true
		}
	}

	if bestIdx < 0 {
		t.Fatalf("no available-table entry to predict an allocation from")
	}

	return int(d.s.Avail.entries[bestIdx].PhysBlock)
}

// TestDevice_ProgramFailureRetriesToNewBlock drives scenario S5: a program
// failure on the very first append into a UB forces the target block bad and
// the write must retry transparently against a new block (§7, §9).
func TestDevice_ProgramFailureRetriesToNewBlock(t *testing.T) {
	d, ctrl := testDevice(t)
	pd := testPartitionDescriptor()

	target := nextAllocatedBlock(t, d)
	ctrl.FailProgram[target] = true

	want := bytes.Repeat([]byte{0x42}, pd.PageSize)

	ls := 20 * pd.SectorsPerBlock()
	if err := d.Write(ls, 1, want); err != nil {
		t.Fatalf("write did not retry past the program failure: %v", err)
	}

	got := make([]byte, pd.PageSize)
	if err := d.Read(ls, 1, got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if bytes.Equal(got, want) == false {
		t.Fatalf("read after retry did not return the written content")
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if d.s.BadBlks.Contains(target) == false {
		t.Fatalf("block %d was not marked bad after its program failure", target)
	}
}

// TestDevice_PowerLossBeforeSyncLosesOnlyUnsyncedWrite drives scenario S2:
// a write that was never synced must not survive a remount, while a synced
// write that precedes it must.
func TestDevice_PowerLossBeforeSyncLosesOnlyUnsyncedWrite(t *testing.T) {
	d, _ := testDevice(t)
	pd := testPartitionDescriptor()

	v1 := bytes.Repeat([]byte{0x11}, pd.PageSize)
	v2 := bytes.Repeat([]byte{0x22}, pd.PageSize)

	if err := d.Write(5, 1, v1); err != nil {
		t.Fatalf("first write: %v", err)
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := d.Write(5, 1, v2); err != nil {
		t.Fatalf("second write: %v", err)
	}

	// Simulate power loss before the second write is ever synced: remount
	// without committing it.
	if err := d.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	if err := d.LowMount(); err != nil {
		t.Fatalf("LowMount: %v", err)
	}

	got := make([]byte, pd.PageSize)
	if err := d.Read(5, 1, got); err != nil {
		t.Fatalf("Read after remount: %v", err)
	}

	if bytes.Equal(got, v1) == false {
		t.Fatalf("unsynced write survived a simulated power loss")
	}

	v3 := bytes.Repeat([]byte{0x33}, pd.PageSize)

	if err := d.Write(5, 1, v3); err != nil {
		t.Fatalf("third write: %v", err)
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := d.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	if err := d.LowMount(); err != nil {
		t.Fatalf("LowMount: %v", err)
	}

	got2 := make([]byte, pd.PageSize)
	if err := d.Read(5, 1, got2); err != nil {
		t.Fatalf("Read after second remount: %v", err)
	}

	if bytes.Equal(got2, v3) == false {
		t.Fatalf("synced write did not survive remount")
	}
}

// TestDevice_MetaFoldPreservesPriorWrites drives scenario S6: enough syncs
// force the active metadata block through a fold, and every logical sector
// committed before the fold must still read back correctly afterward.
func TestDevice_MetaFoldPreservesPriorWrites(t *testing.T) {
	d, _ := testDevice(t)
	pd := testPartitionDescriptor()

	activeBefore := d.s.Meta.ActiveBlock

	want := bytes.Repeat([]byte{0x5a}, pd.PageSize)
	if err := d.Write(1, 1, want); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	// Drive enough additional sync cycles to push the metadata log through
	// at least one fold.
	for i := 0; i < 64; i++ {
		buf := bytes.Repeat([]byte{byte(i)}, pd.PageSize)
		if err := d.Write(2, 1, buf); err != nil {
			t.Fatalf("fold-driving write %d: %v", i, err)
		}

		if err := d.Sync(); err != nil {
			t.Fatalf("fold-driving sync %d: %v", i, err)
		}
	}

	got := make([]byte, pd.PageSize)
	if err := d.Read(1, 1, got); err != nil {
		t.Fatalf("Read after repeated syncs: %v", err)
	}

	if bytes.Equal(got, want) == false {
		t.Fatalf("write committed before repeated syncs did not survive")
	}

	if d.s.Meta.ActiveBlock == activeBefore {
		t.Fatalf("active metadata block index did not change across the fold")
	}

	if err := d.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	if err := d.LowMount(); err != nil {
		t.Fatalf("LowMount: %v", err)
	}

	got2 := make([]byte, pd.PageSize)
	if err := d.Read(1, 1, got2); err != nil {
		t.Fatalf("Read after remount: %v", err)
	}

	if bytes.Equal(got2, want) == false {
		t.Fatalf("write did not survive remount after repeated syncs")
	}
}

func TestDevice_ManyWritesTriggerMergeAndReadBackLatest(t *testing.T) {
	d, _ := testDevice(t)
	pd := testPartitionDescriptor()
	n := pd.SectorsPerBlock()

	// Touch every offset of several logical blocks repeatedly, enough to
	// force update-block merges and fresh allocations well past the
	// initial UB pool.
	for round := 0; round < 3; round++ {
		for lb := 0; lb < 4; lb++ {
			for off := 0; off < n; off++ {
				buf := bytes.Repeat([]byte{byte(round*4 + lb)}, pd.PageSize)

				if err := d.Write(lb*n+off, 1, buf); err != nil {
					t.Fatalf("round %d lb %d off %d: %v", round, lb, off, err)
				}
			}
		}
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for lb := 0; lb < 4; lb++ {
		for off := 0; off < n; off++ {
			want := bytes.Repeat([]byte{byte(2*4 + lb)}, pd.PageSize)

			got := make([]byte, pd.PageSize)
			if err := d.Read(lb*n+off, 1, got); err != nil {
				t.Fatalf("read lb %d off %d: %v", lb, off, err)
			}

			if bytes.Equal(got, want) == false {
				t.Fatalf("lb %d off %d did not return the last round's write", lb, off)
			}
		}
	}
}
