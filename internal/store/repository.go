/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation required by the custody-service. Two implementations exist: PostgreSQL
 * for deployments and an in-memory store for local runs and tests.
 *
 * @dependencies
 * - internal/custody: approver policy and sentinel errors.
 * - internal/domain: records returned to the service layer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/custody-service/internal/custody"
	"github.com/transfa/custody-service/internal/domain"
)

var (
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different request")
	ErrWalletNotFound      = errors.New("custody wallet not found")
)

// DepositParams carries the fields needed to book a deposit.
type DepositParams struct {
	Sender string
	Amount int64
	// Reference deduplicates replays. Empty means the deposit is never deduplicated.
	Reference string
}

// CreateTransferParams carries the fields needed to register a transfer.
type CreateTransferParams struct {
	Caller         string
	Amount         int64
	To             string
	IdempotencyKey string
}

// OutboxMessage is an event waiting to be published to RabbitMQ.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository defines the set of methods for interacting with custody storage.
type Repository interface {
	// Wallet methods
	EnsureWallet(ctx context.Context, policy *custody.Policy) error
	WalletSummary(ctx context.Context) (*domain.WalletSummary, error)
	Deposit(ctx context.Context, params DepositParams) (*domain.Deposit, error)
	AuditLedger(ctx context.Context) (*domain.LedgerAudit, error)

	// Transfer methods
	ListTransfers(ctx context.Context) ([]domain.Transfer, error)
	GetTransfer(ctx context.Context, id uint64) (*domain.Transfer, error)
	// CreateTransfer returns replayed=true when the idempotency key matched an earlier identical request.
	CreateTransfer(ctx context.Context, params CreateTransferParams) (transfer *domain.Transfer, replayed bool, err error)
	ApproveTransfer(ctx context.Context, caller string, id uint64) (*domain.ApprovalResult, error)

	// Destination account methods
	AccountBalance(ctx context.Context, accountID string) (int64, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	PurgePublishedOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
}
