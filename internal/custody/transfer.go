package custody

import "fmt"

// Transfer is a payout request. Its voting state is a tagged variant: pending
// transfers collect votes, sent transfers keep the final voter list frozen.
// Transfers are values; transitions return a new Transfer.
type Transfer struct {
	ID     uint64
	Amount int64
	To     string

	state transferState
}

type transferState interface {
	voters() []string
}

type pendingState struct{ votes []string }

func (s pendingState) voters() []string { return s.votes }

type sentState struct{ votes []string }

func (s sentState) voters() []string { return s.votes }

// NewTransfer returns a pending transfer with no approvals.
func NewTransfer(id uint64, amount int64, to string) (Transfer, error) {
	if amount <= 0 {
		return Transfer{}, ErrInvalidAmount
	}
	if to == "" {
		return Transfer{}, ErrInvalidDestination
	}
	return Transfer{ID: id, Amount: amount, To: to, state: pendingState{}}, nil
}

// RestoreTransfer rebuilds a transfer from persisted fields, voters in vote order.
func RestoreTransfer(id uint64, amount int64, to string, approvedBy []string, sent bool) (Transfer, error) {
	t, err := NewTransfer(id, amount, to)
	if err != nil {
		return Transfer{}, fmt.Errorf("restore transfer %d: %w", id, err)
	}
	votes := make([]string, len(approvedBy))
	copy(votes, approvedBy)
	if sent {
		t.state = sentState{votes: votes}
	} else {
		t.state = pendingState{votes: votes}
	}
	return t, nil
}

// Sent reports whether the transfer reached its terminal state.
func (t Transfer) Sent() bool {
	_, ok := t.state.(sentState)
	return ok
}

// Approvals is the number of distinct approvers who voted.
func (t Transfer) Approvals() int {
	if t.state == nil {
		return 0
	}
	return len(t.state.voters())
}

// ApprovedBy returns the voters in the order they voted.
func (t Transfer) ApprovedBy() []string {
	if t.state == nil {
		return []string{}
	}
	votes := t.state.voters()
	out := make([]string, len(votes))
	copy(out, votes)
	return out
}

// HasApproved reports whether approver already voted on t.
func (t Transfer) HasApproved(approver string) bool {
	if t.state == nil {
		return false
	}
	for _, v := range t.state.voters() {
		if v == approver {
			return true
		}
	}
	return false
}

// withVote must only be called on a pending transfer.
func (t Transfer) withVote(approver string) Transfer {
	votes := append(t.ApprovedBy(), approver)
	t.state = pendingState{votes: votes}
	return t
}

func (t Transfer) markSent() Transfer {
	t.state = sentState{votes: t.ApprovedBy()}
	return t
}
