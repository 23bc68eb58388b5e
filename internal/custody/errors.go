package custody

import "errors"

// Failure reasons surfaced by the ledger. Every rejected operation returns one of
// these (possibly wrapped) and leaves no state behind.
var (
	ErrUnauthorized         = errors.New("only approver allowed")
	ErrNotFound             = errors.New("transfer not found")
	ErrAlreadySent          = errors.New("transfer has already been sent")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidConfiguration = errors.New("invalid custody configuration")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidDestination   = errors.New("destination is required")
)
