// Package nandftl implements the core of a NAND flash translation layer: a
// log-structured mapping between fixed-size logical sectors and the pages,
// blocks, and out-of-sector metadata of raw NAND media.
package nandftl

import (
	"fmt"
)

// ErrKind enumerates the error categories surfaced to the Sector Client, per
// the error-handling design.
type ErrKind int

const (
	// ErrNone indicates no error.
	ErrNone ErrKind = iota

	// ErrInvalidLowFmt indicates the device has never been formatted.
	ErrInvalidLowFmt

	// ErrCorruptLowFmt indicates the on-device metadata is corrupted beyond
	// what the replay logic can reconcile.
	ErrCorruptLowFmt

	// ErrIncompatibleLowParams indicates the header's low-level parameters do
	// not match the current configuration.
	ErrIncompatibleLowParams

	// ErrInvalidLowParams indicates a structurally invalid header.
	ErrInvalidLowParams

	// ErrInvalidCfg indicates an invalid configuration was supplied at open.
	ErrInvalidCfg

	// ErrInvalidMetadata indicates the metadata log could not be parsed.
	ErrInvalidMetadata

	// ErrDevIO indicates a controller-reported I/O failure.
	ErrDevIO

	// ErrDevTimeout indicates a controller-reported timeout.
	ErrDevTimeout

	// ErrECCUncorr indicates an uncorrectable ECC error on read.
	ErrECCUncorr

	// ErrNoAvailBlk indicates the available-block pool is exhausted.
	ErrNoAvailBlk

	// ErrNoSuchSec indicates a read of a logical sector that was never
	// written.
	ErrNoSuchSec

	// ErrOpAborted indicates a program failure caused the block to be marked
	// bad; the caller should retry the logical operation.
	ErrOpAborted

	// ErrInvalidIOCtrl indicates an unrecognized io_ctl operation.
	ErrInvalidIOCtrl

	// ErrNullPtr indicates a required argument was nil.
	ErrNullPtr

	// ErrMemAlloc indicates a buffer allocation failure.
	ErrMemAlloc

	// ErrDevFull indicates the device has no capacity for a new logical
	// block.
	ErrDevFull
)

var errKindNames = map[ErrKind]string{
	ErrNone:                  "NONE",
	ErrInvalidLowFmt:         "INVALID_LOW_FMT",
	ErrCorruptLowFmt:         "CORRUPT_LOW_FMT",
	ErrIncompatibleLowParams: "INCOMPATIBLE_LOW_PARAMS",
	ErrInvalidLowParams:      "INVALID_LOW_PARAMS",
	ErrInvalidCfg:            "INVALID_CFG",
	ErrInvalidMetadata:       "INVALID_METADATA",
	ErrDevIO:                 "DEV_IO",
	ErrDevTimeout:            "DEV_TIMEOUT",
	ErrECCUncorr:             "ECC_UNCORR",
	ErrNoAvailBlk:            "NO_AVAIL_BLK",
	ErrNoSuchSec:             "NO_SUCH_SEC",
	ErrOpAborted:             "OP_ABORTED",
	ErrInvalidIOCtrl:         "INVALID_IO_CTRL",
	ErrNullPtr:               "NULL_PTR",
	ErrMemAlloc:              "MEM_ALLOC",
	ErrDevFull:               "DEV_FULL",
}

// String returns the spec's name for the error kind.
func (k ErrKind) String() string {
	if name, found := errKindNames[k]; found == true {
		return name
	}

	return fmt.Sprintf("ErrKind(%d)", int(k))
}

// Error is the typed error returned across the upward Sector API boundary.
type Error struct {
	Kind    ErrKind
	Message string
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// newErr builds an *Error for the given kind.
func newErr(kind ErrKind, format string, args ...interface{}) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf extracts the ErrKind from an error produced by this package,
// defaulting to ErrDevIO for errors that didn't originate here (an
// unclassified failure is treated as a device error, never silently NONE).
// It chases Unwrap() (go-logging's log.Wrap, used internally by the
// panic/recover idiom, wraps the original error rather than discarding it)
// so a caller gating on a specific kind still sees it after the error has
// crossed one or more recover boundaries.
func KindOf(err error) ErrKind {
	if err == nil {
		return ErrNone
	}

	for cur := err; cur != nil; {
		if e, ok := cur.(*Error); ok == true {
			return e.Kind
		}

		unwrapper, ok := cur.(interface{ Unwrap() error })
		if ok == false {
			break
		}

		cur = unwrapper.Unwrap()
	}

	return ErrDevIO
}
