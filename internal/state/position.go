package state

import (
	"fmt"

	"github.com/google/uuid"

	"TranchePool/internal/ledger"
	"TranchePool/internal/math"
)

// Tranche identifies one of the two risk tranches.
type Tranche int32

const (
	TrancheSenior Tranche = iota
	TrancheJunior
)

func (t Tranche) String() string {
	switch t {
	case TrancheSenior:
		return "senior"
	case TrancheJunior:
		return "junior"
	default:
		return "unknown"
	}
}

// ParseTranche converts the wire representation back to a tranche.
func ParseTranche(s string) (Tranche, error) {
	switch s {
	case "senior":
		return TrancheSenior, nil
	case "junior":
		return TrancheJunior, nil
	default:
		return 0, fmt.Errorf("unknown tranche %q", s)
	}
}

// AccountSubType maps a tranche to its ledger stake account.
func (t Tranche) AccountSubType() ledger.AccountSubType {
	if t == TrancheJunior {
		return ledger.SubTypeJuniorStake
	}
	return ledger.SubTypeSeniorStake
}

// trancheState is one tranche's slice of a position. Deposited mirrors the
// lot queue total; the two are mutated together and cross-checked by the
// ledger validator.
type trancheState struct {
	Deposited     int64
	LastDepositTS int64
	Lots          *ledger.LotQueue
}

// UserPosition tracks one user's principal across both tranches.
type UserPosition struct {
	UserID   uuid.UUID
	Referrer *uuid.UUID

	tranches [2]trancheState
}

func NewUserPosition(userID uuid.UUID) *UserPosition {
	return &UserPosition{
		UserID: userID,
		tranches: [2]trancheState{
			{Lots: ledger.NewLotQueue()},
			{Lots: ledger.NewLotQueue()},
		},
	}
}

func (p *UserPosition) tranche(t Tranche) *trancheState {
	return &p.tranches[t]
}

// Deposited returns the principal in one tranche.
func (p *UserPosition) Deposited(t Tranche) int64 {
	return p.tranche(t).Deposited
}

// TotalDeposited returns the principal across both tranches.
func (p *UserPosition) TotalDeposited() int64 {
	return p.tranches[TrancheSenior].Deposited + p.tranches[TrancheJunior].Deposited
}

// LastDepositTS returns the timestamp of the latest deposit in a tranche,
// zero if none.
func (p *UserPosition) LastDepositTS(t Tranche) int64 {
	return p.tranche(t).LastDepositTS
}

// Lots returns a copy of the live lots in a tranche.
func (p *UserPosition) Lots(t Tranche) []ledger.Lot {
	return p.tranche(t).Lots.Lots()
}

// MaturedTotal returns the withdrawable principal in a tranche under the
// given lockup.
func (p *UserPosition) MaturedTotal(t Tranche, now, lockupSeconds int64) int64 {
	return p.tranche(t).Lots.MaturedTotal(now, lockupSeconds)
}

// WeightedStake returns the position's tranche-weighted stake for payout
// share computation.
func (p *UserPosition) WeightedStake(weightSeniorBps, weightJuniorBps int64) int64 {
	return math.WeightedStake(
		p.tranches[TrancheSenior].Deposited,
		p.tranches[TrancheJunior].Deposited,
		weightSeniorBps,
		weightJuniorBps,
	)
}

// applyDeposit credits net principal to a tranche and appends the lot.
// Validation happens in the manager before this is called.
func (p *UserPosition) applyDeposit(t Tranche, net, now int64) error {
	ts := p.tranche(t)
	if err := ts.Lots.Append(net, now); err != nil {
		return err
	}
	ts.Deposited += net
	ts.LastDepositTS = now
	return nil
}

// applyWithdrawal consumes matured lots and decrements the tranche total.
// All-or-nothing, mirroring the lot queue semantics.
func (p *UserPosition) applyWithdrawal(t Tranche, amount, now, lockupSeconds int64) error {
	ts := p.tranche(t)
	if err := ts.Lots.ConsumeMatured(amount, now, lockupSeconds); err != nil {
		return err
	}
	ts.Deposited -= amount
	return nil
}
