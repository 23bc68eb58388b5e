package domain

import "time"

// Routing keys published on the custody events exchange.
const (
	RoutingKeyDepositReceived  = "custody.deposit.received"
	RoutingKeyTransferCreated  = "custody.transfer.created"
	RoutingKeyTransferApproved = "custody.transfer.approved"
	RoutingKeyTransferExecuted = "custody.transfer.executed"

	// RoutingKeyInboundDeposit is consumed from the shared transfa exchange.
	RoutingKeyInboundDeposit = "wallet.deposit.received"
)

// DepositReceivedEvent is emitted whenever value is booked into custody.
type DepositReceivedEvent struct {
	EventID    string    `json:"event_id"`
	WalletID   string    `json:"wallet_id"`
	DepositID  int64     `json:"deposit_id"`
	Sender     string    `json:"sender,omitempty"`
	Amount     int64     `json:"amount"`
	Balance    int64     `json:"balance"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransferCreatedEvent is emitted when an approver registers a new payout.
type TransferCreatedEvent struct {
	EventID    string    `json:"event_id"`
	WalletID   string    `json:"wallet_id"`
	TransferID uint64    `json:"transfer_id"`
	Amount     int64     `json:"amount"`
	To         string    `json:"to"`
	CreatedBy  string    `json:"created_by"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransferApprovedEvent is emitted for every newly recorded vote.
type TransferApprovedEvent struct {
	EventID    string    `json:"event_id"`
	WalletID   string    `json:"wallet_id"`
	TransferID uint64    `json:"transfer_id"`
	Approver   string    `json:"approver"`
	Approvals  int       `json:"approvals"`
	Quorum     int       `json:"quorum"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TransferExecutedEvent is emitted once, when a transfer reaches quorum and funds move.
type TransferExecutedEvent struct {
	EventID    string    `json:"event_id"`
	WalletID   string    `json:"wallet_id"`
	TransferID uint64    `json:"transfer_id"`
	Amount     int64     `json:"amount"`
	To         string    `json:"to"`
	ApprovedBy []string  `json:"approved_by"`
	Balance    int64     `json:"balance"`
	OccurredAt time.Time `json:"occurred_at"`
}
