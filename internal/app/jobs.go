/**
 * @description
 * Scheduled housekeeping for the custody wallet.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/custody-service/internal/domain"
)

// JobsRepository defines the storage operations needed by the jobs.
type JobsRepository interface {
	AuditLedger(ctx context.Context) (*domain.LedgerAudit, error)
	PurgePublishedOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo            JobsRepository
	logger          *slog.Logger
	outboxRetention time.Duration
	timeout         time.Duration
}

func NewJobs(repo JobsRepository, logger *slog.Logger, outboxRetention time.Duration) *Jobs {
	return &Jobs{
		repo:            repo,
		logger:          logger,
		outboxRetention: outboxRetention,
		timeout:         time.Minute,
	}
}

// AuditLedger checks that the balance equals deposits minus executed transfers.
func (j *Jobs) AuditLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	audit, err := j.repo.AuditLedger(ctx)
	if err != nil {
		j.logger.Error("ledger audit failed", "error", err)
		return
	}
	if drift := audit.Drift(); drift != 0 {
		j.logger.Error("ledger drift detected",
			"balance", audit.Balance,
			"deposited_total", audit.DepositedTotal,
			"sent_total", audit.SentTotal,
			"drift", drift,
		)
		return
	}
	j.logger.Info("ledger audit passed", "balance", audit.Balance)
}

// PurgeOutbox removes published events older than the retention window.
func (j *Jobs) PurgeOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	purged, err := j.repo.PurgePublishedOutbox(ctx, j.outboxRetention)
	if err != nil {
		j.logger.Error("outbox purge failed", "error", err)
		return
	}
	j.logger.Info("outbox purge finished", "purged", purged, "retention", j.outboxRetention.String())
}
