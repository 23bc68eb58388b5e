/**
 * @description
 * Ledger is the in-memory custody state machine: approver policy, transfer log
 * and balance. Operations are serialised by a mutex and are all-or-nothing; a
 * failed approval (including a failed payout) leaves the transfer untouched.
 *
 * @notes
 * - Transfer ids are positions in the log, starting at 0.
 * - Balance is never checked at creation time, only when quorum is reached.
 */

package custody

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Payout moves value out of custody to a destination and reports failure.
type Payout interface {
	Send(ctx context.Context, to string, amount int64) error
}

// Ledger is a single custody wallet held in memory.
type Ledger struct {
	mu        sync.Mutex
	policy    *Policy
	transfers []Transfer
	balance   int64
	payout    Payout
}

// New builds a ledger for the given approvers and quorum. payout may be nil, in
// which case executed funds simply leave the ledger.
func New(approvers []string, quorum int, payout Payout) (*Ledger, error) {
	policy, err := NewPolicy(approvers, quorum)
	if err != nil {
		return nil, err
	}
	return NewWithPolicy(policy, payout), nil
}

// NewWithPolicy builds an empty ledger around an already validated policy.
func NewWithPolicy(policy *Policy, payout Payout) *Ledger {
	return &Ledger{policy: policy, payout: payout}
}

// Policy returns the ledger's approver policy.
func (l *Ledger) Policy() *Policy {
	return l.policy
}

// Deposit credits received value. Anyone may deposit.
func (l *Ledger) Deposit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance > math.MaxInt64-amount {
		return fmt.Errorf("%w: deposit of %d overflows balance", ErrInvalidAmount, amount)
	}
	l.balance += amount
	return nil
}

// Balance returns the value currently held in custody.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Approvers returns the approver set in construction order.
func (l *Ledger) Approvers() []string {
	return l.policy.Approvers()
}

// Transfers returns the transfer log in id order.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// Transfer returns a single transfer by id.
func (l *Ledger) Transfer(id uint64) (Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id >= uint64(len(l.transfers)) {
		return Transfer{}, ErrNotFound
	}
	return l.transfers[id], nil
}

// CreateTransfer appends a pending transfer on behalf of an approver.
func (l *Ledger) CreateTransfer(caller string, amount int64, to string) (Transfer, error) {
	if err := l.policy.Authorize(caller); err != nil {
		return Transfer{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := NewTransfer(uint64(len(l.transfers)), amount, to)
	if err != nil {
		return Transfer{}, err
	}
	l.transfers = append(l.transfers, t)
	return t, nil
}

// ApproveTransfer records caller's vote on transfer id and, when the vote
// reaches quorum, pays the transfer out in the same step.
func (l *Ledger) ApproveTransfer(ctx context.Context, caller string, id uint64) (Approval, error) {
	if err := l.policy.Authorize(caller); err != nil {
		return Approval{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id >= uint64(len(l.transfers)) {
		return Approval{}, ErrNotFound
	}

	approval, err := l.policy.Approve(l.transfers[id], caller, l.balance)
	if err != nil {
		return Approval{}, err
	}

	if approval.Executed && l.payout != nil {
		if err := l.payout.Send(ctx, approval.Transfer.To, approval.Transfer.Amount); err != nil {
			return Approval{}, fmt.Errorf("payout transfer %d: %w", id, err)
		}
	}

	if approval.Executed {
		l.balance -= approval.Transfer.Amount
	}
	l.transfers[id] = approval.Transfer
	return approval, nil
}
