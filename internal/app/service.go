/**
 * @description
 * This file contains the core business logic for the custody-service. The `Service`
 * struct exposes the custody wallet's operations to the HTTP layer and the deposit
 * consumer and logs every outcome.
 *
 * Key features:
 * - Read views of the approver set, the transfer log and the wallet balance.
 * - Deposit booking, transfer creation and quorum approvals.
 * - Optional per-caller rate limiting of mutating calls.
 *
 * @dependencies
 * - internal/store: For data access; events are enqueued by the repository.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

const (
	rateLimitScopeCreateTransfer  = "custody_create_transfer"
	rateLimitScopeApproveTransfer = "custody_approve_transfer"
)

var ErrRateLimited = errors.New("too many requests")

// RateLimitError carries the retry hint for a rejected call.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RateLimiter counts calls per scope and subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the custody wallet.
type Service struct {
	repo          store.Repository
	limiter       RateLimiter
	limitPerMin   int
	rateLimitSpan time.Duration
}

// NewService creates a new custody service instance.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo, rateLimitSpan: time.Minute}
}

// SetRateLimiter enables per-caller limits on transfer creation and approval.
func (s *Service) SetRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.limitPerMin = perMinute
}

func (s *Service) Summary(ctx context.Context) (*domain.WalletSummary, error) {
	return s.repo.WalletSummary(ctx)
}

// Approvers returns the approver identities in configuration order.
func (s *Service) Approvers(ctx context.Context) ([]string, error) {
	summary, err := s.repo.WalletSummary(ctx)
	if err != nil {
		return nil, err
	}
	return summary.Approvers, nil
}

// Transfers returns the full transfer log ordered by id.
func (s *Service) Transfers(ctx context.Context) ([]domain.Transfer, error) {
	return s.repo.ListTransfers(ctx)
}

func (s *Service) Transfer(ctx context.Context, id uint64) (*domain.Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

func (s *Service) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	return s.repo.AccountBalance(ctx, strings.TrimSpace(accountID))
}

// Deposit books received value. Anyone may deposit.
func (s *Service) Deposit(ctx context.Context, req domain.DepositRequest) (*domain.Deposit, error) {
	deposit, err := s.repo.Deposit(ctx, store.DepositParams{
		Sender:    req.Sender,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=deposit msg=\"deposit rejected\" amount=%d reference=%q err=%v", req.Amount, req.Reference, err)
		return nil, err
	}
	if deposit.Duplicate {
		log.Printf("level=info component=service flow=deposit msg=\"duplicate deposit ignored\" deposit_id=%d reference=%q", deposit.ID, req.Reference)
		return deposit, nil
	}
	log.Printf("level=info component=service flow=deposit msg=\"deposit booked\" deposit_id=%d amount=%d", deposit.ID, deposit.Amount)
	return deposit, nil
}

// CreateTransfer registers a new pending transfer on behalf of caller.
func (s *Service) CreateTransfer(ctx context.Context, caller string, req domain.CreateTransferRequest, idempotencyKey string) (*domain.Transfer, bool, error) {
	if err := s.consumeRateLimit(ctx, rateLimitScopeCreateTransfer, caller); err != nil {
		return nil, false, err
	}

	transfer, replayed, err := s.repo.CreateTransfer(ctx, store.CreateTransferParams{
		Caller:         caller,
		Amount:         req.Amount,
		To:             req.To,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		log.Printf("level=warn component=service flow=create_transfer msg=\"create transfer rejected\" caller=%s amount=%d err=%v", caller, req.Amount, err)
		return nil, false, err
	}
	if replayed {
		log.Printf("level=info component=service flow=create_transfer msg=\"idempotent replay\" caller=%s transfer_id=%d", caller, transfer.ID)
		return transfer, true, nil
	}
	log.Printf("level=info component=service flow=create_transfer msg=\"transfer created\" caller=%s transfer_id=%d amount=%d to=%s", caller, transfer.ID, transfer.Amount, transfer.To)
	return transfer, false, nil
}

// ApproveTransfer records caller's vote and executes the transfer on quorum.
func (s *Service) ApproveTransfer(ctx context.Context, caller string, id uint64) (*domain.ApprovalResult, error) {
	if err := s.consumeRateLimit(ctx, rateLimitScopeApproveTransfer, caller); err != nil {
		return nil, err
	}

	result, err := s.repo.ApproveTransfer(ctx, caller, id)
	if err != nil {
		log.Printf("level=warn component=service flow=approve_transfer msg=\"approval rejected\" caller=%s transfer_id=%d err=%v", caller, id, err)
		return nil, err
	}

	switch {
	case result.Executed:
		log.Printf("level=info component=service flow=approve_transfer msg=\"transfer executed\" caller=%s transfer_id=%d amount=%d to=%s approvals=%d", caller, id, result.Transfer.Amount, result.Transfer.To, result.Transfer.Approvals)
	case result.Recorded:
		log.Printf("level=info component=service flow=approve_transfer msg=\"approval recorded\" caller=%s transfer_id=%d approvals=%d", caller, id, result.Transfer.Approvals)
	default:
		log.Printf("level=info component=service flow=approve_transfer msg=\"approval already recorded\" caller=%s transfer_id=%d", caller, id)
	}
	return result, nil
}

// consumeRateLimit fails open when the limiter itself errors.
func (s *Service) consumeRateLimit(ctx context.Context, scope, caller string) error {
	if s.limiter == nil || s.limitPerMin <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, caller, s.limitPerMin, s.rateLimitSpan)
	if err != nil {
		log.Printf("level=warn component=service msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return nil
	}
	if count > s.limitPerMin {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}
