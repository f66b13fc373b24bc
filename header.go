package nandftl

import (
	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// headerMarker1 and headerMarker2 are the fixed two-word marker that
	// identifies a header sector (§3 "Header block").
	headerMarker1 uint32 = 0x4e46544c // "NFTL"
	headerMarker2 uint32 = 0x48445200 // "HDR\x00"

	// FormatVersion is the FTL format version this core writes and reads.
	FormatVersion uint16 = 1

	// headerParamsSize is the packed byte size of HeaderParams: two uint32
	// markers, one uint16 version, then eight more uint32 fields.
	headerParamsSize = 4 + 4 + 2 + 4*8
)

// HeaderParams is the set of low-level parameters pinned by the header block
// and checked against the current configuration on mount (§3, §6 "Persisted
// layout").
type HeaderParams struct {
	Marker1                uint32
	Marker2                uint32
	Version                uint16
	SectorSize             uint32
	BlockCount             uint32
	FirstBlockIndex        uint32
	UBCountMax             uint32
	RUBMaxAssoc            uint32
	AvailBlkTblEntryCntMax uint32
	OOSPartialSizeRequired uint32
	MaxBadBlkCnt           uint32
}

// matches reports whether the on-device params are compatible with the
// current geometry/config.
func (hp HeaderParams) matches(pd PartitionDescriptor, cfg Config, ubCount, rubMaxAssoc, availEntryCnt int) bool {
	return hp.Marker1 == headerMarker1 &&
		hp.Marker2 == headerMarker2 &&
		hp.Version == FormatVersion &&
		int(hp.SectorSize) == pd.PageSize &&
		int(hp.BlockCount) == pd.BlockCount &&
		int(hp.FirstBlockIndex) == pd.FirstBlockIndex &&
		int(hp.UBCountMax) == ubCount &&
		int(hp.RUBMaxAssoc) == rubMaxAssoc &&
		int(hp.AvailBlkTblEntryCntMax) == availEntryCnt &&
		int(hp.MaxBadBlkCnt) == pd.MaxBadBlockCount
}

// HeaderManager finds, validates, and writes the single on-device header
// block (§4.5).
type HeaderManager struct {
	ctrl Controller
	pd   PartitionDescriptor
}

// NewHeaderManager returns a new HeaderManager.
func NewHeaderManager(ctrl Controller, pd PartitionDescriptor) *HeaderManager {
	return &HeaderManager{
		ctrl: ctrl,
		pd:   pd,
	}
}

func (hm *HeaderManager) packHeaderParams(hp HeaderParams) (raw []byte, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	raw, err = restruct.Pack(defaultEncoding, &hp)
	log.PanicIf(err)

	return raw, nil
}

func (hm *HeaderManager) unpackHeaderParams(raw []byte) (hp HeaderParams, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &hp)
	log.PanicIf(err)

	return hp, nil
}

// Write commits the header sector at the first block at-or-after
// FirstBlockIndex that passes the factory-defect check. physicalBlock is
// returned so the caller (the format orchestrator) can exclude it from the
// available/dirty scan.
func (hm *HeaderManager) Write(ubCount, rubMaxAssoc, availEntryCnt int) (physicalBlock int, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	for b := hm.pd.FirstBlockIndex; b < hm.pd.BlockCount; b++ {
		isDefective, err := IsFactoryDefective(hm.ctrl, hm.pd, b)
		log.PanicIf(err)

		if isDefective == true {
			continue
		}

		hp := HeaderParams{
			Marker1:                headerMarker1,
			Marker2:                headerMarker2,
			Version:                FormatVersion,
			SectorSize:             uint32(hm.pd.PageSize),
			BlockCount:             uint32(hm.pd.BlockCount),
			FirstBlockIndex:        uint32(hm.pd.FirstBlockIndex),
			UBCountMax:             uint32(ubCount),
			RUBMaxAssoc:            uint32(rubMaxAssoc),
			AvailBlkTblEntryCntMax: uint32(availEntryCnt),
			OOSPartialSizeRequired: uint32(hm.pd.UsedMarkSize()),
			MaxBadBlkCnt:           uint32(hm.pd.MaxBadBlockCount),
		}

		dataBuf, err := hm.packHeaderParams(hp)
		log.PanicIf(err)

		padded := make([]byte, hm.pd.PageSize)
		copy(padded, dataBuf)

		oos := HeaderOOS{
			commonOOSPrefix: commonOOSPrefix{
				SectorType: SectorHeader,
				EraseCount: 1,
			},
		}

		oosBuf, err := PackHeaderOOS(oos, hm.pd.UsedMarkSize())
		log.PanicIf(err)

		physSec := hm.pd.PhysicalSector(b, 0)

		err = hm.ctrl.SecWr(padded, oosBuf, physSec)
		log.PanicIf(err)

		return b, nil
	}

	return 0, newErr(ErrDevFull, "no non-defective block available for header")
}

// Read scans from FirstBlockIndex for the first sector-0 tagged
// SectorHeader, ignoring ECC-uncorrectable errors on intervening blocks (a
// bad-block marker may live in that region), and validates it against the
// current configuration.
func (hm *HeaderManager) Read(ubCount, rubMaxAssoc, availEntryCnt int) (physicalBlock int, hp HeaderParams, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	dataBuf := make([]byte, hm.pd.PageSize)
	oosBuf := make([]byte, hm.pd.SpareSize)

	for b := hm.pd.FirstBlockIndex; b < hm.pd.BlockCount; b++ {
		physSec := hm.pd.PhysicalSector(b, 0)

		eccResult, err := hm.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if err != nil {
			continue
		}

		if eccResult == ECCUncorrectable {
			continue
		}

		oos, err := UnpackHeaderOOS(oosBuf)
		log.PanicIf(err)

		if oos.SectorType != SectorHeader {
			continue
		}

		candidate, err := hm.unpackHeaderParams(dataBuf[:headerParamsSize])
		log.PanicIf(err)

		if candidate.matches(hm.pd, Config{}, ubCount, rubMaxAssoc, availEntryCnt) != true {
			return 0, HeaderParams{}, newErr(ErrIncompatibleLowParams, "header params at block %d do not match configuration", b)
		}

		return b, candidate, nil
	}

	return 0, HeaderParams{}, newErr(ErrInvalidLowFmt, "no header block found")
}

// IsFactoryDefective checks the factory bad-block marker for the given
// convention (§6 "Factory-defect conventions").
func IsFactoryDefective(ctrl Controller, pd PartitionDescriptor, block int) (bool, error) {
	check := func(page int) (bool, error) {
		offset, length := pd.SpareSize-1, 1
		switch pd.DefectMark {
		case SpareB1_6W1Pg1:
			offset = 0
		case SpareB6W1Pg1Or2:
			offset = 5
		case SpareAnyPg1OrNAll0:
			offset, length = 0, pd.SpareSize
		}

		buf := make([]byte, length)

		physSec := pd.PhysicalSector(block, page)

		err := ctrl.SpareRdRaw(buf, physSec, offset, length)
		if err != nil {
			// An unreadable spare area on a defect scan is itself taken as
			// evidence of a bad block.
			return true, nil
		}

		for _, b := range buf {
			if b != 0xff {
				return true, nil
			}
		}

		return false, nil
	}

	switch pd.DefectMark {
	case SpareAnyPg1OrNAll0, SpareL1Pg1OrNAll0:
		first, err := check(0)
		if err != nil {
			return false, err
		}

		last, err := check(pd.PagesPerBlock - 1)
		if err != nil {
			return false, err
		}

		return first || last, nil

	case SpareB1_6W1Pg1:
		return check(0)

	case SpareB6W1Pg1Or2, SpareL1Pg1Or2, PgL1OrNPg1Or2:
		first, err := check(0)
		if err != nil {
			return false, err
		}

		if pd.PagesPerBlock < 2 {
			return first, nil
		}

		second, err := check(1)
		if err != nil {
			return false, err
		}

		return first || second, nil

	default:
		return false, nil
	}
}
