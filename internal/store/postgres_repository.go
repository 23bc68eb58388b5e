/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every mutating operation runs in one transaction that starts by locking the
 * wallet row, so deposits, transfer creation and approvals on a wallet are
 * serialised and either commit completely or not at all.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/google/uuid: Event identifiers for outbox payloads.
 * - internal/custody: The approval policy applied inside each transaction.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/custody-service/internal/custody"
	"github.com/transfa/custody-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       *pgxpool.Pool
	walletID string
	exchange string
}

// NewPostgresRepository creates a repository bound to one custody wallet. Events
// are enqueued for the given exchange.
func NewPostgresRepository(db *pgxpool.Pool, walletID, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, walletID: walletID, exchange: exchange}
}

type walletRow struct {
	approvers      []string
	quorum         int
	balance        int64
	nextTransferID int64
}

func (w walletRow) policy() (*custody.Policy, error) {
	return custody.NewPolicy(w.approvers, w.quorum)
}

const selectTransferColumns = `
	SELECT t.id, t.amount, t.destination, t.created_by, t.sent, t.created_at, t.sent_at,
		COALESCE(
			array_agg(a.approver ORDER BY a.position) FILTER (WHERE a.approver IS NOT NULL),
			'{}'::text[]
		) AS approved_by
	FROM custody_transfers t
	LEFT JOIN custody_transfer_approvals a
		ON a.wallet_id = t.wallet_id AND a.transfer_id = t.id
`

// EnsureWallet creates the wallet on first boot. On later boots the stored
// approver set must match the configured one because membership never changes.
func (r *PostgresRepository) EnsureWallet(ctx context.Context, policy *custody.Policy) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO custody_wallets (id, approvers, quorum)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, r.walletID, policy.Approvers(), policy.Quorum())
	if err != nil {
		return fmt.Errorf("failed to create custody wallet: %w", err)
	}

	var (
		approvers []string
		quorum    int
	)
	err = r.db.QueryRow(ctx, "SELECT approvers, quorum FROM custody_wallets WHERE id = $1", r.walletID).
		Scan(&approvers, &quorum)
	if err != nil {
		return fmt.Errorf("failed to load custody wallet: %w", err)
	}

	stored, err := custody.NewPolicy(approvers, quorum)
	if err != nil {
		return fmt.Errorf("stored wallet %s: %w", r.walletID, err)
	}
	if !stored.Equal(policy) {
		return fmt.Errorf("%w: wallet %s is governed by approvers %v with quorum %d",
			custody.ErrInvalidConfiguration, r.walletID, stored.Approvers(), stored.Quorum())
	}
	return nil
}

func (r *PostgresRepository) WalletSummary(ctx context.Context) (*domain.WalletSummary, error) {
	summary := domain.WalletSummary{WalletID: r.walletID}
	var nextID int64
	err := r.db.QueryRow(ctx, `
		SELECT approvers, quorum, balance, next_transfer_id
		FROM custody_wallets
		WHERE id = $1
	`, r.walletID).Scan(&summary.Approvers, &summary.Quorum, &summary.Balance, &nextID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	summary.TransferCount = int(nextID)
	return &summary, nil
}

func (r *PostgresRepository) Deposit(ctx context.Context, params DepositParams) (*domain.Deposit, error) {
	if params.Amount <= 0 {
		return nil, custody.ErrInvalidAmount
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin deposit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, err := r.lockWalletTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	deposit := domain.Deposit{Sender: strings.TrimSpace(params.Sender), Amount: params.Amount}
	var reference *string
	if ref := strings.TrimSpace(params.Reference); ref != "" {
		reference = &ref
		deposit.Reference = reference

		err := tx.QueryRow(ctx, `
			SELECT id, sender, amount, received_at
			FROM custody_deposits
			WHERE wallet_id = $1 AND reference = $2
		`, r.walletID, ref).Scan(&deposit.ID, &deposit.Sender, &deposit.Amount, &deposit.ReceivedAt)
		if err == nil {
			deposit.Duplicate = true
			return &deposit, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lookup deposit reference: %w", err)
		}
	}

	if wallet.balance > math.MaxInt64-params.Amount {
		return nil, fmt.Errorf("%w: deposit of %d overflows balance", custody.ErrInvalidAmount, params.Amount)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO custody_deposits (wallet_id, sender, amount, reference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, received_at
	`, r.walletID, deposit.Sender, deposit.Amount, reference).Scan(&deposit.ID, &deposit.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("insert deposit: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE custody_wallets
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`, r.walletID, deposit.Amount).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	if err := enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyDepositReceived, domain.DepositReceivedEvent{
		EventID:    uuid.NewString(),
		WalletID:   r.walletID,
		DepositID:  deposit.ID,
		Sender:     deposit.Sender,
		Amount:     deposit.Amount,
		Balance:    balance,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit deposit tx: %w", err)
	}
	return &deposit, nil
}

func (r *PostgresRepository) AuditLedger(ctx context.Context) (*domain.LedgerAudit, error) {
	var audit domain.LedgerAudit
	err := r.db.QueryRow(ctx, `
		SELECT w.balance,
			COALESCE((SELECT SUM(amount) FROM custody_deposits WHERE wallet_id = w.id), 0)::BIGINT,
			COALESCE((SELECT SUM(amount) FROM custody_transfers WHERE wallet_id = w.id AND sent), 0)::BIGINT
		FROM custody_wallets w
		WHERE w.id = $1
	`, r.walletID).Scan(&audit.Balance, &audit.DepositedTotal, &audit.SentTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &audit, nil
}

func (r *PostgresRepository) ListTransfers(ctx context.Context) ([]domain.Transfer, error) {
	rows, err := r.db.Query(ctx, selectTransferColumns+`
		WHERE t.wallet_id = $1
		GROUP BY t.wallet_id, t.id
		ORDER BY t.id
	`, r.walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

func (r *PostgresRepository) GetTransfer(ctx context.Context, id uint64) (*domain.Transfer, error) {
	return getTransfer(ctx, r.db, r.walletID, id)
}

func (r *PostgresRepository) CreateTransfer(ctx context.Context, params CreateTransferParams) (*domain.Transfer, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create transfer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, err := r.lockWalletTx(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	policy, err := wallet.policy()
	if err != nil {
		return nil, false, err
	}
	if err := policy.Authorize(params.Caller); err != nil {
		return nil, false, err
	}

	to := strings.TrimSpace(params.To)
	requestHash := transferRequestHash(params.Amount, to)
	var idempotencyKey *string
	if key := strings.TrimSpace(params.IdempotencyKey); key != "" {
		idempotencyKey = &key

		var (
			existingID   int64
			existingHash string
		)
		err := tx.QueryRow(ctx, `
			SELECT id, COALESCE(request_hash, '')
			FROM custody_transfers
			WHERE wallet_id = $1 AND created_by = $2 AND idempotency_key = $3
		`, r.walletID, params.Caller, key).Scan(&existingID, &existingHash)
		if err == nil {
			if existingHash != requestHash {
				return nil, false, ErrIdempotencyConflict
			}
			existing, err := getTransfer(ctx, tx, r.walletID, uint64(existingID))
			if err != nil {
				return nil, false, err
			}
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	created, err := custody.NewTransfer(uint64(wallet.nextTransferID), params.Amount, to)
	if err != nil {
		return nil, false, err
	}

	transfer := domain.FromCustody(created)
	transfer.CreatedBy = params.Caller
	err = tx.QueryRow(ctx, `
		INSERT INTO custody_transfers (
			wallet_id, id, amount, destination, created_by, idempotency_key, request_hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, r.walletID, int64(transfer.ID), transfer.Amount, transfer.To, transfer.CreatedBy, idempotencyKey, requestHash).
		Scan(&transfer.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert transfer: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE custody_wallets
		SET next_transfer_id = next_transfer_id + 1, updated_at = NOW()
		WHERE id = $1
	`, r.walletID); err != nil {
		return nil, false, fmt.Errorf("advance transfer id: %w", err)
	}

	if err := enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyTransferCreated, domain.TransferCreatedEvent{
		EventID:    uuid.NewString(),
		WalletID:   r.walletID,
		TransferID: transfer.ID,
		Amount:     transfer.Amount,
		To:         transfer.To,
		CreatedBy:  transfer.CreatedBy,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create transfer tx: %w", err)
	}
	return &transfer, false, nil
}

// ApproveTransfer records one vote and, when the vote reaches quorum, debits the
// wallet, credits the destination account and marks the transfer sent in the
// same transaction.
func (r *PostgresRepository) ApproveTransfer(ctx context.Context, caller string, id uint64) (*domain.ApprovalResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin approve transfer tx: %w", err)
	}
	defer tx.Rollback(ctx)

	wallet, err := r.lockWalletTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	policy, err := wallet.policy()
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(caller); err != nil {
		return nil, err
	}

	current, err := getTransfer(ctx, tx, r.walletID, id)
	if err != nil {
		return nil, err
	}
	restored, err := current.Custody()
	if err != nil {
		return nil, err
	}

	approval, err := policy.Approve(restored, caller, wallet.balance)
	if err != nil {
		return nil, err
	}
	if !approval.Recorded {
		return &domain.ApprovalResult{Transfer: *current}, nil
	}

	next := *current
	next.Approvals = approval.Transfer.Approvals()
	next.ApprovedBy = approval.Transfer.ApprovedBy()
	next.Sent = approval.Transfer.Sent()

	if _, err := tx.Exec(ctx, `
		INSERT INTO custody_transfer_approvals (wallet_id, transfer_id, approver, position)
		VALUES ($1, $2, $3, $4)
	`, r.walletID, int64(id), caller, current.Approvals); err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE custody_transfers SET approvals = $3 WHERE wallet_id = $1 AND id = $2
	`, r.walletID, int64(id), next.Approvals); err != nil {
		return nil, fmt.Errorf("update approvals: %w", err)
	}

	now := time.Now().UTC()
	if err := enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyTransferApproved, domain.TransferApprovedEvent{
		EventID:    uuid.NewString(),
		WalletID:   r.walletID,
		TransferID: id,
		Approver:   caller,
		Approvals:  next.Approvals,
		Quorum:     policy.Quorum(),
		OccurredAt: now,
	}); err != nil {
		return nil, err
	}

	if approval.Executed {
		balance, err := r.executeTransferTx(ctx, tx, &next)
		if err != nil {
			return nil, err
		}
		if err := enqueueEventTx(ctx, tx, r.exchange, domain.RoutingKeyTransferExecuted, domain.TransferExecutedEvent{
			EventID:    uuid.NewString(),
			WalletID:   r.walletID,
			TransferID: id,
			Amount:     next.Amount,
			To:         next.To,
			ApprovedBy: next.ApprovedBy,
			Balance:    balance,
			OccurredAt: now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit approve transfer tx: %w", err)
	}
	return &domain.ApprovalResult{Transfer: next, Recorded: true, Executed: approval.Executed}, nil
}

// executeTransferTx moves the funds of t and marks it sent. It returns the
// wallet balance after the debit.
func (r *PostgresRepository) executeTransferTx(ctx context.Context, tx pgx.Tx, t *domain.Transfer) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE custody_wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`, r.walletID, t.Amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("debit wallet: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO custody_accounts (id, balance)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET balance = custody_accounts.balance + EXCLUDED.balance,
			updated_at = NOW()
	`, t.To, t.Amount); err != nil {
		return 0, fmt.Errorf("credit destination account: %w", err)
	}

	var sentAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE custody_transfers
		SET sent = TRUE, sent_at = NOW()
		WHERE wallet_id = $1 AND id = $2
		RETURNING sent_at
	`, r.walletID, int64(t.ID)).Scan(&sentAt)
	if err != nil {
		return 0, fmt.Errorf("mark transfer sent: %w", err)
	}
	t.SentAt = &sentAt
	return balance, nil
}

func (r *PostgresRepository) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, "SELECT balance FROM custody_accounts WHERE id = $1", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func (r *PostgresRepository) lockWalletTx(ctx context.Context, tx pgx.Tx) (walletRow, error) {
	var w walletRow
	err := tx.QueryRow(ctx, `
		SELECT approvers, quorum, balance, next_transfer_id
		FROM custody_wallets
		WHERE id = $1
		FOR UPDATE
	`, r.walletID).Scan(&w.approvers, &w.quorum, &w.balance, &w.nextTransferID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return walletRow{}, ErrWalletNotFound
		}
		return walletRow{}, fmt.Errorf("lock custody wallet: %w", err)
	}
	return w, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getTransfer(ctx context.Context, q rowQuerier, walletID string, id uint64) (*domain.Transfer, error) {
	if id > math.MaxInt64 {
		return nil, custody.ErrNotFound
	}
	row := q.QueryRow(ctx, selectTransferColumns+`
		WHERE t.wallet_id = $1 AND t.id = $2
		GROUP BY t.wallet_id, t.id
	`, walletID, int64(id))
	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, custody.ErrNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var (
		t  domain.Transfer
		id int64
	)
	if err := row.Scan(&id, &t.Amount, &t.To, &t.CreatedBy, &t.Sent, &t.CreatedAt, &t.SentAt, &t.ApprovedBy); err != nil {
		return domain.Transfer{}, err
	}
	t.ID = uint64(id)
	if t.ApprovedBy == nil {
		t.ApprovedBy = []string{}
	}
	t.Approvals = len(t.ApprovedBy)
	return t, nil
}
