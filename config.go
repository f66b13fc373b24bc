package nandftl

// Config carries the open-time/compile-time options recognized by this core
// (§6). Argument validation of these values happens at the caller's
// boundary; this package trusts what it is given.
type Config struct {
	// MaxCtrlrImpl caps the number of distinct controller-API tables a
	// process may register at once.
	MaxCtrlrImpl int

	// AutoSyncEnabled commits metadata after every read and every write.
	AutoSyncEnabled bool

	// UBMetaCacheEnabled maintains an in-RAM packed (logical-offset,
	// associate) entry per written UB physical sector.
	UBMetaCacheEnabled bool

	// DirtyMapCacheEnabled keeps a RAM shadow of the dirty bitmap's last
	// committed image, so a crash can be distinguished from an in-progress
	// scan.
	DirtyMapCacheEnabled bool

	// UBTableSubsetSize is a power of two (or zero to disable) enabling
	// range-restricted UB sector search via a sector-subset index.
	UBTableSubsetSize int

	// RUBMaxAssoc is K, the maximum number of logical blocks a single RUB
	// may mirror.
	RUBMaxAssoc int

	// RsvdAvailBlkCnt is the number of available-table entries reachable
	// only by the metadata-fold path.
	RsvdAvailBlkCnt int

	// MaxRdRetries is the read-retry ceiling (>= 2).
	MaxRdRetries int

	// MaxSUBPct caps the percentage of update blocks that may be SUBs
	// (0..100).
	MaxSUBPct int

	// ThPctMergeRUBStartSUB is the contiguous-write-count threshold, as a
	// percentage of sectors-per-block, past which offset-0 writes bypass an
	// existing RUB and partial-merge it instead of continuing to append.
	ThPctMergeRUBStartSUB int

	// ThPctConvertSUBToRUB is the free-sector-percentage threshold above
	// which an idle SUB is promoted to a RUB instead of merged.
	ThPctConvertSUBToRUB int

	// ThPctPadSUB is the forward-gap-percentage threshold below which a
	// non-contiguous SUB write is satisfied by padding instead of
	// conversion.
	ThPctPadSUB int

	// ThPctMergeSUB is the free-sector-percentage threshold below which the
	// fullest SUB is merged to make room for a new UB.
	ThPctMergeSUB int

	// ThSUBMinIdleToFold is the minimum activity-counter idle gap required
	// before a SUB is eligible for SUB-to-RUB promotion.
	ThSUBMinIdleToFold int

	// ClrCorruptMetaBlk enables the optional mount-time corruption repair
	// that erases all metadata blocks when two blocks share a sequence ID.
	ClrCorruptMetaBlk bool

	// MaxCorrectedBeforeRefresh is a count of corrected-ECC reads, carried
	// over from the uC-FS configuration template (see SPEC_FULL.md). No
	// code reads it: corrected reads are not counted, and a corrected read
	// never triggers a refresh whatever its value.
	MaxCorrectedBeforeRefresh int

	// DataBlockCount is the size of the logical data range (§3 "Logical
	// block") this instance exposes to the Sector Client. An open-time
	// sizing decision, not a geometry property.
	DataBlockCount int

	// UBCount is the number of update-block slots, N, held open at once.
	UBCount int
}

// DefaultConfig returns reasonable defaults for all options.
func DefaultConfig() Config {
	return Config{
		MaxCtrlrImpl:              4,
		AutoSyncEnabled:           false,
		UBMetaCacheEnabled:        true,
		DirtyMapCacheEnabled:      true,
		UBTableSubsetSize:         0,
		RUBMaxAssoc:               4,
		RsvdAvailBlkCnt:           2,
		MaxRdRetries:              3,
		MaxSUBPct:                 25,
		ThPctMergeRUBStartSUB:     50,
		ThPctConvertSUBToRUB:      50,
		ThPctPadSUB:               25,
		ThPctMergeSUB:             10,
		ThSUBMinIdleToFold:        4,
		ClrCorruptMetaBlk:         true,
		MaxCorrectedBeforeRefresh: 0,
	}
}

// maxSUBCount derives the SUB cap (at least one, per invariant 6) from a
// percentage of the total UB count.
func (c Config) maxSUBCount(ubCount int) int {
	n := (ubCount * c.MaxSUBPct) / 100
	if n < 1 {
		n = 1
	}

	return n
}
