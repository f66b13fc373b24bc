package nandftl

import "testing"

func TestPackUnpackStorageOOS_RoundTrips(t *testing.T) {
	o := StorageOOS{
		commonOOSPrefix:     commonOOSPrefix{SectorType: SectorStorage, EraseCount: 7},
		LogicalBlockIndex:   3,
		LogicalSectorOffset: 5,
	}

	raw, err := PackStorageOOS(o, 4)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := UnpackStorageOOS(raw)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	if got != o {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, o)
	}
}

func TestIsUsedMark(t *testing.T) {
	allOnes := []byte{0xff, 0xff}
	if IsUsedMark(allOnes) {
		t.Fatalf("an all-1s mark should not read as used")
	}

	allZeros := []byte{0x00, 0x00}
	if IsUsedMark(allZeros) == false {
		t.Fatalf("an all-0s mark should read as used")
	}
}

func TestDummyStorageOOS_IsDummySector(t *testing.T) {
	o := DummyStorageOOS(9)

	if o.IsDummySector() == false {
		t.Fatalf("DummyStorageOOS should report as a dummy sector")
	}

	real := StorageOOS{LogicalSectorOffset: 0}
	if real.IsDummySector() {
		t.Fatalf("a real offset-0 sector should not report as dummy")
	}
}
