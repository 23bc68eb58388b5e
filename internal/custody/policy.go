/**
 * @description
 * Policy holds the fixed approver set and quorum of a custody wallet. It is
 * built once at construction and never mutated, so it can be shared freely by
 * the in-memory ledger and the Postgres repository.
 */

package custody

import (
	"fmt"
	"strings"
)

// Policy is an ordered approver set with a membership index and a quorum.
type Policy struct {
	approvers []string
	index     map[string]int
	quorum    int
}

// NewPolicy validates the approver list and quorum. Approvers must be non-empty,
// unique and non-blank; the quorum must be within [1, len(approvers)].
func NewPolicy(approvers []string, quorum int) (*Policy, error) {
	if len(approvers) == 0 {
		return nil, fmt.Errorf("%w: at least one approver is required", ErrInvalidConfiguration)
	}

	ordered := make([]string, 0, len(approvers))
	index := make(map[string]int, len(approvers))
	for _, raw := range approvers {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, fmt.Errorf("%w: approver identity must not be blank", ErrInvalidConfiguration)
		}
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("%w: duplicate approver %q", ErrInvalidConfiguration, id)
		}
		index[id] = len(ordered)
		ordered = append(ordered, id)
	}

	if quorum < 1 || quorum > len(ordered) {
		return nil, fmt.Errorf("%w: quorum %d outside [1, %d]", ErrInvalidConfiguration, quorum, len(ordered))
	}

	return &Policy{approvers: ordered, index: index, quorum: quorum}, nil
}

// Approvers returns the approver set in construction order.
func (p *Policy) Approvers() []string {
	out := make([]string, len(p.approvers))
	copy(out, p.approvers)
	return out
}

// Quorum returns the number of distinct approvals needed to execute a transfer.
func (p *Policy) Quorum() int {
	return p.quorum
}

// IsApprover reports whether id belongs to the approver set.
func (p *Policy) IsApprover(id string) bool {
	_, ok := p.index[id]
	return ok
}

// Authorize fails with ErrUnauthorized unless caller is an approver.
func (p *Policy) Authorize(caller string) error {
	if !p.IsApprover(caller) {
		return ErrUnauthorized
	}
	return nil
}

// Equal reports whether both policies have the same approvers, in the same
// order, and the same quorum.
func (p *Policy) Equal(other *Policy) bool {
	if other == nil || p.quorum != other.quorum || len(p.approvers) != len(other.approvers) {
		return false
	}
	for i, id := range p.approvers {
		if other.approvers[i] != id {
			return false
		}
	}
	return true
}

// Approval is the outcome of applying one vote to a transfer.
type Approval struct {
	Transfer Transfer
	// Recorded is false when the caller had already voted; the call is then a no-op.
	Recorded bool
	// Executed is true when this vote reached quorum and the transfer became sent.
	Executed bool
}

// Approve applies caller's vote to t against the current ledger balance. It is
// the single vote-then-execute decision: either the returned Approval is
// applied as a whole, or an error is returned and nothing changes.
func (p *Policy) Approve(t Transfer, caller string, balance int64) (Approval, error) {
	if err := p.Authorize(caller); err != nil {
		return Approval{}, err
	}
	if t.Sent() {
		return Approval{}, ErrAlreadySent
	}
	if t.HasApproved(caller) {
		return Approval{Transfer: t}, nil
	}

	next := t.withVote(caller)
	if next.Approvals() < p.quorum {
		return Approval{Transfer: next, Recorded: true}, nil
	}

	if balance < t.Amount {
		return Approval{}, fmt.Errorf("%w: balance %d, transfer %d needs %d", ErrInsufficientFunds, balance, t.ID, t.Amount)
	}
	return Approval{Transfer: next.markSent(), Recorded: true, Executed: true}, nil
}
