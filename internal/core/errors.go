package core

import (
	"errors"
	"fmt"

	"TranchePool/internal/ledger"
	"TranchePool/internal/state"
)

// ErrorKind classifies rejections so callers and the API layer can map them
// without string matching.
type ErrorKind int32

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuthorization
	KindState
	KindFunds
	KindDuplicateClaim
	KindStaleness
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindFunds:
		return "funds"
	case KindDuplicateClaim:
		return "duplicate_claim"
	case KindStaleness:
		return "staleness"
	default:
		return "internal"
	}
}

// Pool-level sentinels. Epoch, position, and claim sentinels live in the
// state package next to the code that raises them.
var (
	ErrPoolPaused         = errors.New("pool is paused")
	ErrUnauthorized       = errors.New("caller not authorized")
	ErrAlreadyInitialized = errors.New("pool already initialized")
	ErrNotInitialized     = errors.New("pool not initialized")
	ErrNothingToClaim     = errors.New("nothing to claim")
	ErrInsufficientVault  = errors.New("insufficient vault balance")
)

// Error is the rejection surfaced to callers: a kind, the operation that
// rejected, and the underlying cause. Rejections never leave partial state.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// reject wraps a cause with its classified kind for one operation.
func reject(op string, err error) error {
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// classify maps sentinel causes onto the error taxonomy.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, state.ErrAlreadyClaimed):
		return KindDuplicateClaim
	case errors.Is(err, state.ErrStaleEvidence):
		return KindStaleness
	case errors.Is(err, ErrPoolPaused),
		errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrNotInitialized),
		errors.Is(err, state.ErrEpochExists),
		errors.Is(err, state.ErrUnknownEpoch),
		errors.Is(err, state.ErrAlreadyTriggered),
		errors.Is(err, state.ErrEpochNotTriggered),
		errors.Is(err, state.ErrEpochClosed):
		return KindState
	case errors.Is(err, ledger.ErrInsufficientMaturedFunds),
		errors.Is(err, ErrInsufficientVault),
		errors.Is(err, ErrNothingToClaim),
		errors.Is(err, state.ErrCapExceeded):
		return KindFunds
	case errors.Is(err, state.ErrMinDeposit),
		errors.Is(err, state.ErrDepositCooldown):
		return KindValidation
	default:
		return KindValidation
	}
}

// KindOf extracts the kind from a core rejection, KindInternal otherwise.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
