package ledger

import (
	"errors"
	"fmt"
)

// ErrInsufficientMaturedFunds is returned when a withdrawal asks for more
// than the caller's matured principal. A partial consume is never performed.
var ErrInsufficientMaturedFunds = errors.New("insufficient matured funds")

// Lot records one deposit's net principal and when it entered the pool.
// Maturity is evaluated against the lockup in force at withdrawal time, so
// an admin lockup change applies to existing lots. Amount is mutated in
// place as withdrawals consume the lot.
type Lot struct {
	Amount    int64
	DepositTS int64
}

// LotQueue is a FIFO queue of deposit lots for a single (user, tranche)
// account. Deposit timestamps are non-decreasing, so matured lots always
// form a prefix. Consumed lots are not shifted out eagerly; a head index
// walks forward and the backing slice is compacted once the dead prefix
// grows.
type LotQueue struct {
	lots []Lot
	head int
}

func NewLotQueue() *LotQueue {
	return &LotQueue{}
}

// Append records a new lot at the tail of the queue.
func (q *LotQueue) Append(amount, depositTS int64) error {
	if amount <= 0 {
		return fmt.Errorf("lot amount must be positive, got %d", amount)
	}
	if n := len(q.lots); n > q.head && depositTS < q.lots[n-1].DepositTS {
		return fmt.Errorf("lot timestamp %d precedes tail %d", depositTS, q.lots[n-1].DepositTS)
	}
	q.lots = append(q.lots, Lot{Amount: amount, DepositTS: depositTS})
	return nil
}

// Len returns the number of live lots.
func (q *LotQueue) Len() int {
	return len(q.lots) - q.head
}

// Total returns the principal across all live lots, matured or not.
func (q *LotQueue) Total() int64 {
	var total int64
	for i := q.head; i < len(q.lots); i++ {
		total += q.lots[i].Amount
	}
	return total
}

// MaturedTotal returns the principal across lots whose lockup has elapsed
// as of now. Lots are time-ordered, so the scan stops at the first
// still-locked lot.
func (q *LotQueue) MaturedTotal(now, lockupSeconds int64) int64 {
	var total int64
	for i := q.head; i < len(q.lots); i++ {
		if now-q.lots[i].DepositTS < lockupSeconds {
			break
		}
		total += q.lots[i].Amount
	}
	return total
}

// ConsumeMatured removes amount from the queue oldest-first, taking only
// from matured lots. The operation is all-or-nothing: if matured principal
// cannot cover the full amount, nothing is consumed and
// ErrInsufficientMaturedFunds is returned.
func (q *LotQueue) ConsumeMatured(amount, now, lockupSeconds int64) error {
	if amount <= 0 {
		return fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	if q.MaturedTotal(now, lockupSeconds) < amount {
		return ErrInsufficientMaturedFunds
	}

	remaining := amount
	for i := q.head; i < len(q.lots) && remaining > 0; i++ {
		lot := &q.lots[i]
		take := lot.Amount
		if take > remaining {
			take = remaining
		}
		lot.Amount -= take
		remaining -= take
	}

	q.compact()
	return nil
}

// compact advances head past drained lots and reclaims the slice prefix
// once it dominates the backing array.
func (q *LotQueue) compact() {
	for q.head < len(q.lots) && q.lots[q.head].Amount == 0 {
		q.head++
	}
	if q.head > len(q.lots)/2 && q.head > 16 {
		n := copy(q.lots, q.lots[q.head:])
		q.lots = q.lots[:n]
		q.head = 0
	}
}

// Lots returns a copy of the live lots in FIFO order.
func (q *LotQueue) Lots() []Lot {
	out := make([]Lot, q.Len())
	copy(out, q.lots[q.head:])
	return out
}
