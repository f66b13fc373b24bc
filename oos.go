package nandftl

import (
	"encoding/binary"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// defaultEncoding is the byte order for every multi-byte value committed to
// media (§9: "encoding is little-endian for any multi-byte value committed
// to media").
var defaultEncoding = binary.LittleEndian

// InvalidIndex marks an unused logical-block, logical-offset, or physical-
// block slot. A sector-offset of this value also marks a dummy sector
// written only to carry an erase count (§4.1).
const InvalidIndex uint32 = 0xffffffff

// SectorType tags the common OOS prefix (§4.1).
type SectorType uint8

const (
	// SectorUnused is type value 0. An erased sector's OOS reads as 0xff,
	// not as this value; written-ness is judged by the used mark.
	SectorUnused SectorType = iota

	// SectorStorage backs one logical data sector, inside a data block or a
	// UB.
	SectorStorage

	// SectorMetadata backs one sector of the metadata log.
	SectorMetadata

	// SectorHeader backs the single header sector.
	SectorHeader
)

// SequenceStatus tags a metadata sector's position within a commit sequence
// (§3 "Meta sequence ID").
type SequenceStatus uint8

const (
	// SeqUnfinished marks an intermediate sector of a commit in progress.
	SeqUnfinished SequenceStatus = iota

	// SeqNew marks the first sector of a multi-sector commit.
	SeqNew

	// SeqFinished marks the last sector of a completed full commit.
	SeqFinished

	// SeqAvailBlkTblOnly marks every sector of a partial commit of the
	// first meta sector (the available-block table) alone.
	SeqAvailBlkTblOnly
)

// commonOOSPrefix is {sector-type tag, erase count}, shared by every OOS
// layout (§4.1).
type commonOOSPrefix struct {
	SectorType SectorType
	EraseCount uint32
}

// StorageOOS is the spare-area layout for a storage sector.
type StorageOOS struct {
	commonOOSPrefix
	LogicalBlockIndex   uint32
	LogicalSectorOffset uint32
}

// MetaOOS is the spare-area layout for a metadata-log sector.
type MetaOOS struct {
	commonOOSPrefix
	MetaSectorIndex uint32
	MetaBlockID     uint32
	SeqStatus       SequenceStatus
}

// HeaderOOS is the spare-area layout for the header sector.
type HeaderOOS struct {
	commonOOSPrefix
}

func panicToErr() (err error) {
	if errRaw := recover(); errRaw != nil {
		var ok bool
		if err, ok = errRaw.(error); ok == true {
			err = log.Wrap(err)
		} else {
			err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
		}
	}

	return err
}

// packOOS packs a common-prefix-rooted OOS structure followed by an
// all-zero used-mark of the given width.
func packOOS(x interface{}, usedMarkSize int) (raw []byte, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	body, err := restruct.Pack(defaultEncoding, x)
	log.PanicIf(err)

	raw = make([]byte, len(body)+usedMarkSize)
	copy(raw, body)

	// The used-mark is left all-zero: a majority-zero count identifies a
	// write even when ECC fails on the payload (§4.1).

	return raw, nil
}

// PackStorageOOS serializes a StorageOOS plus trailing used-mark.
func PackStorageOOS(o StorageOOS, usedMarkSize int) ([]byte, error) {
	return packOOS(&o, usedMarkSize)
}

// PackMetaOOS serializes a MetaOOS plus trailing used-mark.
func PackMetaOOS(o MetaOOS, usedMarkSize int) ([]byte, error) {
	return packOOS(&o, usedMarkSize)
}

// PackHeaderOOS serializes a HeaderOOS plus trailing used-mark.
func PackHeaderOOS(o HeaderOOS, usedMarkSize int) ([]byte, error) {
	return packOOS(&o, usedMarkSize)
}

// UnpackStorageOOS parses the storage-sector OOS prefix+tail out of raw.
func UnpackStorageOOS(raw []byte) (o StorageOOS, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &o)
	log.PanicIf(err)

	return o, nil
}

// UnpackMetaOOS parses the metadata-sector OOS prefix+tail out of raw.
func UnpackMetaOOS(raw []byte) (o MetaOOS, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &o)
	log.PanicIf(err)

	return o, nil
}

// UnpackHeaderOOS parses the header-sector OOS prefix out of raw.
func UnpackHeaderOOS(raw []byte) (o HeaderOOS, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	err = restruct.Unpack(raw, defaultEncoding, &o)
	log.PanicIf(err)

	return o, nil
}

// IsUsedMark evaluates the trailing used-mark bytes of an OOS buffer and
// reports whether the sector has been written. A majority of zero bits
// across the mark indicates "written" even when the payload itself failed
// ECC (§4.1).
func IsUsedMark(mark []byte) bool {
	if len(mark) == 0 {
		return false
	}

	zeroBits := 0
	totalBits := len(mark) * 8

	for _, b := range mark {
		for i := 0; i < 8; i++ {
			if b&(1<<uint(i)) == 0 {
				zeroBits++
			}
		}
	}

	return zeroBits*2 > totalBits
}

// IsDummySector reports whether the storage OOS describes a dummy sector:
// one written only to carry an erase count, never a real logical offset.
func (o StorageOOS) IsDummySector() bool {
	return o.LogicalSectorOffset == InvalidIndex
}

// DummyStorageOOS builds the OOS for a sector written only to preserve an
// erase count (used when a new block's offset 0 has no real content to
// carry, per the partial-merge algorithm in §4.6).
func DummyStorageOOS(eraseCount uint32) StorageOOS {
	return StorageOOS{
		commonOOSPrefix: commonOOSPrefix{
			SectorType: SectorStorage,
			EraseCount: eraseCount,
		},
		LogicalBlockIndex:   InvalidIndex,
		LogicalSectorOffset: InvalidIndex,
	}
}
