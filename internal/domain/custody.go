/**
 * @description
 * This file defines the domain models for the custody-service. These structs are
 * the records exchanged between the repository, the application service and the
 * HTTP layer.
 *
 * @notes
 * - Amounts are `int64` in the smallest currency unit, like every other transfa
 *   service, to avoid floating-point errors in financial data.
 * - Transfer ids are sequential from 0 and equal the transfer's position in the log.
 */

package domain

import (
	"time"

	"github.com/transfa/custody-service/internal/custody"
)

// Transfer is one payout request in the custody wallet's transfer log.
type Transfer struct {
	ID         uint64     `json:"id"`
	Amount     int64      `json:"amount"`
	To         string     `json:"to"`
	Approvals  int        `json:"approvals"`
	Sent       bool       `json:"sent"`
	ApprovedBy []string   `json:"approved_by"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// FromCustody converts a core transfer into its record form.
func FromCustody(t custody.Transfer) Transfer {
	return Transfer{
		ID:         t.ID,
		Amount:     t.Amount,
		To:         t.To,
		Approvals:  t.Approvals(),
		Sent:       t.Sent(),
		ApprovedBy: t.ApprovedBy(),
	}
}

// Custody rebuilds the core transfer so the approval policy can be applied to it.
func (t Transfer) Custody() (custody.Transfer, error) {
	return custody.RestoreTransfer(t.ID, t.Amount, t.To, t.ApprovedBy, t.Sent)
}

// ApprovalResult describes what a single approve call did.
type ApprovalResult struct {
	Transfer Transfer `json:"transfer"`
	Recorded bool     `json:"recorded"`
	Executed bool     `json:"executed"`
}

// Deposit is the audit record of value received by the wallet.
type Deposit struct {
	ID         int64     `json:"id"`
	Sender     string    `json:"sender,omitempty"`
	Amount     int64     `json:"amount"`
	Reference  *string   `json:"reference,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	// Duplicate is set when a deposit with the same reference was already booked.
	Duplicate bool `json:"duplicate"`
}

// WalletSummary is the public view of the custody wallet.
type WalletSummary struct {
	WalletID      string   `json:"wallet_id"`
	Approvers     []string `json:"approvers"`
	Quorum        int      `json:"quorum"`
	Balance       int64    `json:"balance"`
	TransferCount int      `json:"transfer_count"`
}

// LedgerAudit compares the stored balance against deposits minus executed transfers.
type LedgerAudit struct {
	Balance        int64 `json:"balance"`
	DepositedTotal int64 `json:"deposited_total"`
	SentTotal      int64 `json:"sent_total"`
}

// Drift is zero when the ledger is consistent.
func (a LedgerAudit) Drift() int64 {
	return a.Balance - (a.DepositedTotal - a.SentTotal)
}

// CreateTransferRequest is the DTO for POST /transfers.
type CreateTransferRequest struct {
	Amount int64  `json:"amount"`
	To     string `json:"to"`
}

// DepositRequest is the DTO for POST /deposits and for inbound deposit events.
type DepositRequest struct {
	Reference string `json:"reference"`
	Sender    string `json:"sender"`
	Amount    int64  `json:"amount"`
}
