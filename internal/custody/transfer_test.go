package custody

import (
	"errors"
	"testing"
)

func TestNewTransfer_Validation(t *testing.T) {
	if _, err := NewTransfer(0, 0, "dest"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := NewTransfer(0, -5, "dest"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative amount, got %v", err)
	}
	if _, err := NewTransfer(0, 5, ""); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
}

func TestRestoreTransfer_KeepsVotesAndState(t *testing.T) {
	voters := []string{"b", "a"}
	tr, err := RestoreTransfer(3, 40, "dest", voters, false)
	if err != nil {
		t.Fatalf("RestoreTransfer returned error: %v", err)
	}
	voters[0] = "zz"

	if tr.Sent() {
		t.Fatal("expected pending transfer")
	}
	if tr.Approvals() != 2 || !tr.HasApproved("b") || !tr.HasApproved("a") {
		t.Fatalf("expected voters b,a; got %v", tr.ApprovedBy())
	}
	if tr.HasApproved("zz") {
		t.Fatal("restored transfer must not alias the caller's slice")
	}

	sent, err := RestoreTransfer(4, 40, "dest", []string{"a"}, true)
	if err != nil {
		t.Fatalf("RestoreTransfer returned error: %v", err)
	}
	if !sent.Sent() {
		t.Fatal("expected sent transfer")
	}
}

func TestTransfer_ZeroValueHasNoApprovals(t *testing.T) {
	var tr Transfer
	if tr.Approvals() != 0 || len(tr.ApprovedBy()) != 0 || tr.Sent() || tr.HasApproved("a") {
		t.Fatal("zero transfer must report no votes")
	}
}
