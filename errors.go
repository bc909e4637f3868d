package hskeymgmt

import (
	"errors"
	"fmt"

	"github.com/s7g4/arti-hs-keymgmt/persist"
)

// Sentinel errors for the recoverable outcomes of keystore operations.
// Callers are expected to branch on these with errors.Is. Absence and
// duplicates are detected by the store layer, so those sentinels are
// aliases for the persist ones and match errors wrapped at either
// layer.
var (
	// ErrNotFound indicates the requested key entry does not exist.
	// Lookup operations return absence instead of this error; it is
	// reserved for paths (export, import targets) where a missing
	// entry is a genuine failure.
	ErrNotFound = persist.ErrNotFound

	// ErrAlreadyExists indicates a put without overwrite intent hit an
	// existing entry, or an output file exists and --overwrite was not
	// given.
	ErrAlreadyExists = persist.ErrAlreadyExists

	// ErrConfirmationDeclined indicates the user declined an
	// interactive confirmation. It is a clean abort, not a system
	// failure: no mutation has taken place.
	ErrConfirmationDeclined = errors.New("confirmation declined")

	// ErrManagerClosed indicates an operation was attempted on a
	// closed Manager handle.
	ErrManagerClosed = errors.New("key manager is closed")
)

// InvalidKeyFormatError reports imported or decoded key material whose
// format or algorithm does not match what the target role expects.
type InvalidKeyFormatError struct {
	Expected string // algorithm/encoding the role requires
	Actual   string // what the material declared or looked like
}

func (e *InvalidKeyFormatError) Error() string {
	return fmt.Sprintf("invalid key format: expected %s, got %s", e.Expected, e.Actual)
}

// IncompatibleSnapshotError reports a snapshot whose format version is
// not understood by this build. Restore fails before touching any live
// state.
type IncompatibleSnapshotError struct {
	Version   string
	Supported string
}

func (e *IncompatibleSnapshotError) Error() string {
	return fmt.Sprintf("incompatible snapshot: format version %q (supported: %s)", e.Version, e.Supported)
}

// LockContentionError reports that the keystore lock could not be
// acquired within the bounded retry budget. The operation performed no
// mutation and may be retried. The store layer produces it, so the
// type is shared with persist.
type LockContentionError = persist.LockContentionError

// IsRecoverable reports whether err is one of the outcomes a caller can
// handle without treating the store as damaged: absence, duplicate,
// declined confirmation, or lock contention.
func IsRecoverable(err error) bool {
	var lockErr *LockContentionError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConfirmationDeclined) ||
		errors.As(err, &lockErr)
}
