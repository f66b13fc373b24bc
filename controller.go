package nandftl

// ECCResult enumerates the outcome of a controller-level sector read with
// respect to error-correction (§6).
type ECCResult int

const (
	// ECCOK indicates no correction was necessary.
	ECCOK ECCResult = iota

	// ECCCorrected indicates bit errors were corrected transparently.
	ECCCorrected

	// ECCCriticallyCorrected indicates correction succeeded but the cell is
	// close to its correction limit.
	ECCCriticallyCorrected

	// ECCUncorrectable indicates correction failed; payload is unreliable.
	ECCUncorrectable
)

// Controller is the downward NAND Controller API (§6) this core consumes.
// Every method is synchronous and fallible; the core treats it as an
// external collaborator and never assumes anything about its internals
// beyond the contract below.
type Controller interface {
	// Open associates this controller instance with a partition/BSP/config
	// triple and returns once ready for use.
	Open(part PartitionDescriptor) error

	// Close releases any resources Open acquired.
	Close() error

	// Setup negotiates the OOS layout for the given sector size and returns
	// the usable OOS byte count.
	Setup(sectorSize int) (oosSizeUsable int, err error)

	// SecRd reads one physical sector's data and OOS.
	SecRd(dataBuf, oosBuf []byte, physicalSector int) (ECCResult, error)

	// SecWr programs one physical sector's data and OOS.
	SecWr(dataBuf, oosBuf []byte, physicalSector int) error

	// BlkErase erases one physical block.
	BlkErase(physicalBlock int) error

	// OOSRdRaw reads a raw OOS byte-range without ECC (used to read only the
	// used-mark).
	OOSRdRaw(buf []byte, physicalSector, offsetInOOS, length int) error

	// SpareRdRaw reads a raw spare-area byte range without ECC (used for
	// factory-defect detection).
	SpareRdRaw(buf []byte, physicalSector, offsetInSpare, length int) error

	// PartDataGet returns the controller's view of the partition geometry.
	PartDataGet() (PartitionDescriptor, error)
}
