package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/custody-service/internal/custody"
	"github.com/transfa/custody-service/internal/domain"
)

type transferMeta struct {
	createdBy   string
	createdAt   time.Time
	sentAt      *time.Time
	requestHash string
}

type memoryOutboxEntry struct {
	message             OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	publishedAt         time.Time
	lastError           string
}

// MemoryRepository keeps the custody wallet in process memory. It is backed by
// custody.Ledger and is used for local runs (STORAGE_DRIVER=memory) and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	walletID string
	exchange string
	now      func() time.Time

	ledger      *custody.Ledger
	accounts    *custody.Accounts
	meta        []transferMeta
	idempotency map[string]uint64
	deposits    []domain.Deposit
	depositRefs map[string]int

	outbox       []memoryOutboxEntry
	nextOutboxID int64
}

// NewMemoryRepository creates an empty in-memory store. EnsureWallet must be
// called before any other method.
func NewMemoryRepository(walletID, exchange string) *MemoryRepository {
	return &MemoryRepository{
		walletID:    walletID,
		exchange:    exchange,
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    custody.NewAccounts(),
		idempotency: make(map[string]uint64),
		depositRefs: make(map[string]int),
	}
}

func (r *MemoryRepository) EnsureWallet(_ context.Context, policy *custody.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		r.ledger = custody.NewWithPolicy(policy, r.accounts)
		return nil
	}
	stored := r.ledger.Policy()
	if !stored.Equal(policy) {
		return fmt.Errorf("%w: wallet %s is governed by approvers %v with quorum %d",
			custody.ErrInvalidConfiguration, r.walletID, stored.Approvers(), stored.Quorum())
	}
	return nil
}

func (r *MemoryRepository) WalletSummary(_ context.Context) (*domain.WalletSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, ErrWalletNotFound
	}
	policy := r.ledger.Policy()
	return &domain.WalletSummary{
		WalletID:      r.walletID,
		Approvers:     policy.Approvers(),
		Quorum:        policy.Quorum(),
		Balance:       r.ledger.Balance(),
		TransferCount: len(r.meta),
	}, nil
}

func (r *MemoryRepository) Deposit(_ context.Context, params DepositParams) (*domain.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, ErrWalletNotFound
	}

	ref := strings.TrimSpace(params.Reference)
	if ref != "" {
		if idx, ok := r.depositRefs[ref]; ok {
			existing := r.deposits[idx]
			existing.Duplicate = true
			return &existing, nil
		}
	}

	if err := r.ledger.Deposit(params.Amount); err != nil {
		return nil, err
	}

	deposit := domain.Deposit{
		ID:         int64(len(r.deposits) + 1),
		Sender:     strings.TrimSpace(params.Sender),
		Amount:     params.Amount,
		ReceivedAt: r.now(),
	}
	if ref != "" {
		deposit.Reference = &ref
		r.depositRefs[ref] = len(r.deposits)
	}
	r.deposits = append(r.deposits, deposit)

	r.enqueue(domain.RoutingKeyDepositReceived, domain.DepositReceivedEvent{
		EventID:    uuid.NewString(),
		WalletID:   r.walletID,
		DepositID:  deposit.ID,
		Sender:     deposit.Sender,
		Amount:     deposit.Amount,
		Balance:    r.ledger.Balance(),
		OccurredAt: deposit.ReceivedAt,
	})
	return &deposit, nil
}

func (r *MemoryRepository) AuditLedger(_ context.Context) (*domain.LedgerAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, ErrWalletNotFound
	}
	audit := domain.LedgerAudit{Balance: r.ledger.Balance()}
	for _, d := range r.deposits {
		audit.DepositedTotal += d.Amount
	}
	for _, t := range r.ledger.Transfers() {
		if t.Sent() {
			audit.SentTotal += t.Amount
		}
	}
	return &audit, nil
}

func (r *MemoryRepository) ListTransfers(_ context.Context) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, ErrWalletNotFound
	}
	entries := r.ledger.Transfers()
	transfers := make([]domain.Transfer, 0, len(entries))
	for _, t := range entries {
		transfers = append(transfers, r.record(t))
	}
	return transfers, nil
}

func (r *MemoryRepository) GetTransfer(_ context.Context, id uint64) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, ErrWalletNotFound
	}
	t, err := r.ledger.Transfer(id)
	if err != nil {
		return nil, err
	}
	record := r.record(t)
	return &record, nil
}

func (r *MemoryRepository) CreateTransfer(_ context.Context, params CreateTransferParams) (*domain.Transfer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, false, ErrWalletNotFound
	}
	if err := r.ledger.Policy().Authorize(params.Caller); err != nil {
		return nil, false, err
	}

	to := strings.TrimSpace(params.To)
	requestHash := transferRequestHash(params.Amount, to)
	key := strings.TrimSpace(params.IdempotencyKey)
	scopedKey := params.Caller + "\x00" + key
	if key != "" {
		if id, ok := r.idempotency[scopedKey]; ok {
			if r.meta[id].requestHash != requestHash {
				return nil, false, ErrIdempotencyConflict
			}
			t, err := r.ledger.Transfer(id)
			if err != nil {
				return nil, false, err
			}
			record := r.record(t)
			return &record, true, nil
		}
	}

	t, err := r.ledger.CreateTransfer(params.Caller, params.Amount, to)
	if err != nil {
		return nil, false, err
	}
	r.meta = append(r.meta, transferMeta{
		createdBy:   params.Caller,
		createdAt:   r.now(),
		requestHash: requestHash,
	})
	if key != "" {
		r.idempotency[scopedKey] = t.ID
	}

	record := r.record(t)
	r.enqueue(domain.RoutingKeyTransferCreated, domain.TransferCreatedEvent{
		EventID:    uuid.NewString(),
		WalletID:   r.walletID,
		TransferID: record.ID,
		Amount:     record.Amount,
		To:         record.To,
		CreatedBy:  record.CreatedBy,
		OccurredAt: record.CreatedAt,
	})
	return &record, false, nil
}

func (r *MemoryRepository) ApproveTransfer(ctx context.Context, caller string, id uint64) (*domain.ApprovalResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ledger == nil {
		return nil, ErrWalletNotFound
	}
	approval, err := r.ledger.ApproveTransfer(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	if approval.Executed {
		r.meta[id].sentAt = &now
	}
	record := r.record(approval.Transfer)
	result := &domain.ApprovalResult{Transfer: record, Recorded: approval.Recorded, Executed: approval.Executed}
	if !approval.Recorded {
		return result, nil
	}

	r.enqueue(domain.RoutingKeyTransferApproved, domain.TransferApprovedEvent{
		EventID:    uuid.NewString(),
		WalletID:   r.walletID,
		TransferID: id,
		Approver:   caller,
		Approvals:  record.Approvals,
		Quorum:     r.ledger.Policy().Quorum(),
		OccurredAt: now,
	})
	if approval.Executed {
		r.enqueue(domain.RoutingKeyTransferExecuted, domain.TransferExecutedEvent{
			EventID:    uuid.NewString(),
			WalletID:   r.walletID,
			TransferID: id,
			Amount:     record.Amount,
			To:         record.To,
			ApprovedBy: record.ApprovedBy,
			Balance:    r.ledger.Balance(),
			OccurredAt: now,
		})
	}
	return result, nil
}

func (r *MemoryRepository) AccountBalance(_ context.Context, accountID string) (int64, error) {
	return r.accounts.Balance(accountID), nil
}

func (r *MemoryRepository) ClaimOutboxMessages(_ context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	limit, staleAfterSeconds = normalizeClaim(limit, staleAfterSeconds)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	messages := make([]OutboxMessage, 0, limit)
	for i := range r.outbox {
		if len(messages) == limit {
			break
		}
		entry := &r.outbox[i]
		claimable := (entry.status == outboxStatusPending && !entry.nextAttemptAt.After(now)) ||
			(entry.status == outboxStatusProcessing && entry.processingStartedAt.Before(staleBefore))
		if !claimable {
			continue
		}
		entry.status = outboxStatusProcessing
		entry.processingStartedAt = now
		entry.message.Attempts++
		messages = append(messages, entry.message)
	}
	return messages, nil
}

func (r *MemoryRepository) MarkOutboxPublished(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry := r.outboxEntry(id); entry != nil {
		entry.status = outboxStatusPublished
		entry.publishedAt = r.now()
		entry.processingStartedAt = time.Time{}
		entry.lastError = ""
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry := r.outboxEntry(id); entry != nil {
		entry.status = outboxStatusPending
		entry.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
		entry.processingStartedAt = time.Time{}
		entry.lastError = truncateReason(reason)
	}
	return nil
}

func (r *MemoryRepository) PurgePublishedOutbox(_ context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	kept := r.outbox[:0]
	var purged int64
	for _, entry := range r.outbox {
		if entry.status == outboxStatusPublished && entry.publishedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, entry)
	}
	r.outbox = kept
	return purged, nil
}

// record joins a core transfer with its service metadata. Callers hold r.mu.
func (r *MemoryRepository) record(t custody.Transfer) domain.Transfer {
	record := domain.FromCustody(t)
	if t.ID < uint64(len(r.meta)) {
		meta := r.meta[t.ID]
		record.CreatedBy = meta.createdBy
		record.CreatedAt = meta.createdAt
		record.SentAt = meta.sentAt
	}
	return record
}

// enqueue appends an event to the outbox. Callers hold r.mu.
func (r *MemoryRepository) enqueue(routingKey string, payload interface{}) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.nextOutboxID++
	r.outbox = append(r.outbox, memoryOutboxEntry{
		message: OutboxMessage{
			ID:         r.nextOutboxID,
			Exchange:   r.exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		status:        outboxStatusPending,
		nextAttemptAt: r.now(),
	})
}

func (r *MemoryRepository) outboxEntry(id int64) *memoryOutboxEntry {
	for i := range r.outbox {
		if r.outbox[i].message.ID == id {
			return &r.outbox[i]
		}
	}
	return nil
}
