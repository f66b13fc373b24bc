package nandftl

import (
	"github.com/dsoprea/go-logging"
)

// SectorIO implements the read/write handlers of §4.7: retries, ECC-error-
// driven refresh, and bad-block marking.
type SectorIO struct {
	s    *DeviceState
	ctrl Controller
	ub   *UBEngine
}

// NewSectorIO returns a SectorIO bound to the given state.
func NewSectorIO(s *DeviceState, ctrl Controller, ub *UBEngine) *SectorIO {
	return &SectorIO{s: s, ctrl: ctrl, ub: ub}
}

// SecRdHandler resolves logicalBlock/logicalOffset to its latest physical
// copy (§4.6 "Finding the latest copy of a logical sector", which may be a
// UB sector or the data block itself) and reads it; on uncorrectable-or-
// critical ECC it refreshes the backing block (marking it bad if the
// refresh itself fails) and still returns the original error code to the
// caller (§4.7, §7 "Propagation policy").
//
// ErrNoSuchSec and ErrECCUncorr are returned directly rather than through
// log.PanicIf, so their Kind reaches the caller intact regardless of how
// many recover boundaries sit above this call.
func (io *SectorIO) SecRdHandler(dataBuf, oosBuf []byte, logicalBlock, logicalOffset int) (result ECCResult, err error) {
	defer func() {
		if errRaw := panicToErr(); errRaw != nil {
			err = errRaw
		}
	}()

	physBlock, physOffset, found, ferr := io.ub.FindLatest(logicalBlock, logicalOffset)
	log.PanicIf(ferr)

	if found == false {
		return ECCOK, newErr(ErrNoSuchSec, "logical block %d offset %d was never written", logicalBlock, logicalOffset)
	}

	physSec := io.s.PD.PhysicalSector(physBlock, physOffset)

	eccResult, rerr := io.ctrl.SecRd(dataBuf, oosBuf, physSec)
	if rerr != nil {
		return eccResult, rerr
	}

	if eccResult == ECCUncorrectable || eccResult == ECCCriticallyCorrected {
		if rerr := io.ub.Refresh(physBlock); rerr != nil {
			if berr := io.ub.MarkBad(physBlock); berr != nil {
				return eccResult, berr
			}
		}

		if eccResult == ECCUncorrectable {
			return eccResult, newErr(ErrECCUncorr, "uncorrectable ECC at logical block %d offset %d", logicalBlock, logicalOffset)
		}
	}

	return eccResult, nil
}

// SecRdPhyNoRefresh reads a physical sector directly without ever
// mutating device state; used during mount and metadata parsing. On
// uncorrectable ECC it retries up to MaxRdRetries times, then falls back to
// the used-mark to decide whether the sector was ever written (§4.7).
func (io *SectorIO) SecRdPhyNoRefresh(dataBuf, oosBuf []byte, physicalBlock, physicalOffset int) (written bool, err error) {
	physSec := io.s.PD.PhysicalSector(physicalBlock, physicalOffset)

	var lastErr error

	retries := io.s.Cfg.MaxRdRetries
	if retries < 2 {
		retries = 2
	}

	for i := 0; i < retries; i++ {
		eccResult, rerr := io.ctrl.SecRd(dataBuf, oosBuf, physSec)
		if rerr == nil && eccResult != ECCUncorrectable {
			return true, nil
		}

		lastErr = rerr
	}

	mark := make([]byte, io.s.PD.UsedMarkSize())
	markOffset := io.s.PD.SpareSize - io.s.PD.UsedMarkSize()

	merr := io.ctrl.OOSRdRaw(mark, physSec, markOffset, len(mark))
	if merr != nil {
		return false, lastErr
	}

	if IsUsedMark(mark) == false {
		return false, nil
	}

	return false, newErr(ErrECCUncorr, "uncorrectable ECC on a written sector at block %d offset %d", physicalBlock, physicalOffset)
}

// SecWrHandler programs one storage sector; on program failure it refreshes
// the block (best-effort), marks it bad, and reports ErrOpAborted so the
// caller retries with a different target (§4.7). ErrOpAborted is returned
// directly: UBEngine.appendWithRetry gates on it and must see it unwrapped.
func (io *SectorIO) SecWrHandler(physicalBlock, physicalOffset int, dataBuf, oosBuf []byte) error {
	physSec := io.s.PD.PhysicalSector(physicalBlock, physicalOffset)

	werr := io.ctrl.SecWr(dataBuf, oosBuf, physSec)
	if werr == nil {
		return nil
	}

	_ = io.ub.Refresh(physicalBlock)

	if berr := io.ub.MarkBad(physicalBlock); berr != nil {
		return berr
	}

	return newErr(ErrOpAborted, "program failed at block %d offset %d", physicalBlock, physicalOffset)
}

// MetaSecWrHandler is SecWrHandler's variant for the active metadata block:
// on program failure it raises the fold-needed flag instead of refreshing,
// since the active meta block cannot be refreshed mid-append (§4.7).
func (io *SectorIO) MetaSecWrHandler(physicalOffset int, dataBuf, oosBuf []byte) error {
	physSec := io.s.PD.PhysicalSector(io.s.Meta.ActiveBlock, physicalOffset)

	werr := io.ctrl.SecWr(dataBuf, oosBuf, physSec)
	if werr == nil {
		return nil
	}

	io.s.Meta.FoldNeeded = true

	return newErr(ErrOpAborted, "metadata program failed at offset %d", physicalOffset)
}
