package nandftl

// DefectMarkConvention enumerates the factory bad-block marking schemes
// recognized by the defect-scan path (§6).
type DefectMarkConvention int

const (
	// SpareAnyPg1OrNAll0 : bad marker may appear at any offset in spare of
	// page 1 or page N, and a non-0xFF byte there marks the block bad.
	SpareAnyPg1OrNAll0 DefectMarkConvention = iota

	// SpareB1_6W1Pg1 : byte 1 of the first 6 spare bytes of page 1.
	SpareB1_6W1Pg1

	// SpareB6W1Pg1Or2 : byte 6 of the spare area of page 1 or 2.
	SpareB6W1Pg1Or2

	// SpareL1Pg1Or2 : last spare byte of page 1 or 2.
	SpareL1Pg1Or2

	// SpareL1Pg1OrNAll0 : last spare byte of page 1 or page N.
	SpareL1Pg1OrNAll0

	// PgL1OrNPg1Or2 : last data byte of page 1 or 2. IsFactoryDefective
	// reads the last spare byte of those pages for it; the data area is
	// not read.
	PgL1OrNPg1Or2
)

// PartitionDescriptor supplies the device geometry (§2).
type PartitionDescriptor struct {
	PageSize         int
	PagesPerBlock    int
	BlockCount       int
	ProgramsPerPage  int
	SpareSize        int
	BusWidth         int
	MaxBadBlockCount int
	DefectMark       DefectMarkConvention
	ECCStrength      int

	// FirstBlockIndex is the first physical block this FTL instance may
	// use; blocks before it belong to another partition.
	FirstBlockIndex int
}

// SectorsPerBlock returns the fixed per-block sector count. The spec assumes
// one sector per page; this core does not subdivide pages further, so this
// equals PagesPerBlock.
func (pd PartitionDescriptor) SectorsPerBlock() int {
	return pd.PagesPerBlock
}

// UsedMarkSize is the width, in octets, of the trailing "used" field: twice
// the ECC strength (§4.1).
func (pd PartitionDescriptor) UsedMarkSize() int {
	return 2 * pd.ECCStrength
}

// PhysicalSector computes the physical sector index of (block, offset).
func (pd PartitionDescriptor) PhysicalSector(block, offset int) int {
	return block*pd.SectorsPerBlock() + offset
}
