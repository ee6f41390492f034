// Package gcerr defines the integrity errors raised by the type manifest.
//
// Every error in this package means the manifest and the running binary have
// diverged, or the generator that produced the manifest has a defect. None of
// them are recoverable: the library returns them so callers and tests can
// inspect them, and hosts hand them to Abort.
package gcerr

import (
	"fmt"

	"github.com/brickingsoft/errors"
	"github.com/tliron/commonlog"
)

var (
	// ErrStampOutOfRange is returned when a stamp is null or beyond the
	// registered table, or when a manifest blob does not match the binary.
	ErrStampOutOfRange = errors.Define("stamp out of range")
	// ErrForbiddenOperation is returned when finalize or deallocate is
	// invoked on a stamp whose dispatch entry is Forbidden.
	ErrForbiddenOperation = errors.Define("forbidden operation")
	// ErrSubtypeAmbiguous is returned when a multiple-inheritance query is
	// attempted without the explicit fallback flag.
	ErrSubtypeAmbiguous = errors.Define("subtype ambiguous")
	// ErrRootTableInconsistency is returned when a root points at freed or
	// never-allocated memory.
	ErrRootTableInconsistency = errors.Define("root table inconsistency")

	// ErrDuplicateType is returned when a type name is registered twice.
	ErrDuplicateType = errors.Define("duplicate type registration")
	// ErrInvalidManifest is returned for structurally invalid manifests.
	ErrInvalidManifest = errors.Define("invalid manifest")
	// ErrBlobFormat is returned when a manifest blob has the wrong magic or version.
	ErrBlobFormat = errors.Define("manifest blob format mismatch")
)

const (
	MetaPkgKey    = "pkg"
	MetaStampKey  = "stamp"
	MetaTypeKey   = "type"
	MetaReasonKey = "reason"
	MetaSlotKey   = "slot"
)

var log = commonlog.GetLogger("stampgc.gcerr")

// Stamp formats a stamp for error metadata.
func Stamp(s uint32) errors.Option {
	return errors.WithMeta(MetaStampKey, fmt.Sprintf("%d", s))
}

// Pkg tags an error with the package that raised it.
func Pkg(name string) errors.Option {
	return errors.WithMeta(MetaPkgKey, name)
}

// New derives an error from one of the sentinels above.
func New(sentinel error, options ...errors.Option) error {
	return errors.From(sentinel, options...)
}

// Invalid reports a structurally invalid manifest entry.
func Invalid(format string, args ...any) error {
	return errors.From(ErrInvalidManifest, errors.WithWrap(fmt.Errorf(format, args...)))
}

func IsStampOutOfRange(err error) bool {
	return errors.Is(err, ErrStampOutOfRange)
}

func IsForbiddenOperation(err error) bool {
	return errors.Is(err, ErrForbiddenOperation)
}

func IsSubtypeAmbiguous(err error) bool {
	return errors.Is(err, ErrSubtypeAmbiguous)
}

func IsRootTableInconsistency(err error) bool {
	return errors.Is(err, ErrRootTableInconsistency)
}

func IsDuplicateType(err error) bool {
	return errors.Is(err, ErrDuplicateType)
}

func IsInvalidManifest(err error) bool {
	return errors.Is(err, ErrInvalidManifest)
}

// Abort logs err as critical and panics. Continuing after an integrity error
// would run the collector over a possibly corrupt object graph.
func Abort(err error) {
	if err == nil {
		return
	}
	log.Criticalf("integrity check failed: %v", err)
	panic(err)
}
