package state

import "errors"

// Sentinel errors for state transitions and position bookkeeping. The core
// engine wraps these with an operation context and error kind.
var (
	ErrEpochExists       = errors.New("epoch already exists")
	ErrUnknownEpoch      = errors.New("unknown epoch")
	ErrAlreadyTriggered  = errors.New("epoch already triggered")
	ErrEpochNotTriggered = errors.New("epoch not triggered")
	ErrEpochClosed       = errors.New("epoch closed")
	ErrStaleEvidence     = errors.New("stale evidence")

	ErrMinDeposit      = errors.New("deposit below minimum")
	ErrDepositCooldown = errors.New("deposit cooldown not elapsed")
	ErrCapExceeded     = errors.New("user deposit cap exceeded")

	ErrAlreadyClaimed = errors.New("claim already recorded")
)
