package gerror

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is used when the requested object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBadInput is used for validation failures at the HTTP surface or a decoder.
	ErrBadInput = errors.New("bad input")

	// ErrDepositAlreadyWithdrawn is used on a double-spend attempt.
	ErrDepositAlreadyWithdrawn = errors.New("deposit already withdrawn")

	// ErrTreeOverflow is used when a chunk tree exceeds its fixed capacity.
	ErrTreeOverflow = errors.New("tree capacity exceeded")

	// ErrCapacity is used when a request exceeds a size or rate bound.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrIntegrity is used when decoded data fails an invariant.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrTimeout is used when a bounded network or disk operation expires.
	ErrTimeout = errors.New("operation timed out")

	// ErrChainUnavailable is used when the chain RPC endpoint cannot be reached.
	ErrChainUnavailable = errors.New("chain unavailable")
)

// ChainRejectedError carries the structured rejection reason returned by the
// mixer contract.
type ChainRejectedError struct {
	Reason string
}

func (e *ChainRejectedError) Error() string {
	return fmt.Sprintf("chain rejected: %s", e.Reason)
}

// NewChainRejected builds a ChainRejectedError with the given reason.
func NewChainRejected(reason string) *ChainRejectedError {
	return &ChainRejectedError{Reason: reason}
}

// IsChainRejected reports whether err is a contract rejection, returning the
// reason when it is.
func IsChainRejected(err error) (string, bool) {
	var cre *ChainRejectedError
	if errors.As(err, &cre) {
		return cre.Reason, true
	}
	return "", false
}
