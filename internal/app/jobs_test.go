package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/transfa/custody-service/internal/domain"
)

type jobsRepoStub struct {
	audit       *domain.LedgerAudit
	auditErr    error
	purged      int64
	purgeErr    error
	purgeCutoff time.Duration
}

func (s *jobsRepoStub) AuditLedger(ctx context.Context) (*domain.LedgerAudit, error) {
	if s.auditErr != nil {
		return nil, s.auditErr
	}
	return s.audit, nil
}

func (s *jobsRepoStub) PurgePublishedOutbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.purgeCutoff = olderThan
	return s.purged, s.purgeErr
}

func newBufferedJobs(repo JobsRepository) (*Jobs, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	return NewJobs(repo, logger, 168*time.Hour), buf
}

func TestAuditLedger(t *testing.T) {
	tests := []struct {
		name    string
		repo    *jobsRepoStub
		wantLog string
	}{
		{
			name:    "consistent ledger",
			repo:    &jobsRepoStub{audit: &domain.LedgerAudit{Balance: 10, DepositedTotal: 30, SentTotal: 20}},
			wantLog: "ledger audit passed",
		},
		{
			name:    "drift is reported",
			repo:    &jobsRepoStub{audit: &domain.LedgerAudit{Balance: 11, DepositedTotal: 30, SentTotal: 20}},
			wantLog: "drift=1",
		},
		{
			name:    "repository failure is logged",
			repo:    &jobsRepoStub{auditErr: errors.New("db down")},
			wantLog: "ledger audit failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, buf := newBufferedJobs(tt.repo)
			jobs.AuditLedger()
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Fatalf("expected log to contain %q, got %q", tt.wantLog, buf.String())
			}
		})
	}
}

func TestPurgeOutboxUsesRetention(t *testing.T) {
	repo := &jobsRepoStub{purged: 3}
	jobs, buf := newBufferedJobs(repo)

	jobs.PurgeOutbox()

	if repo.purgeCutoff != 168*time.Hour {
		t.Fatalf("expected retention 168h, got %s", repo.purgeCutoff)
	}
	if !strings.Contains(buf.String(), "purged=3") {
		t.Fatalf("expected purge count in log, got %q", buf.String())
	}
}

func TestSchedulerRegistersValidSchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobs(&jobsRepoStub{audit: &domain.LedgerAudit{}}, logger, time.Hour)

	tests := []struct {
		name  string
		audit string
		purge string
		want  int
	}{
		{name: "both jobs", audit: "@every 5m", purge: "@daily", want: 2},
		{name: "invalid schedule skipped", audit: "not a schedule", purge: "@daily", want: 1},
		{name: "empty schedule disables job", audit: "@every 5m", purge: "", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler := NewScheduler(jobs, logger, tt.audit, tt.purge)
			scheduler.Start()
			defer scheduler.Stop()

			if got := scheduler.Entries(); got != tt.want {
				t.Fatalf("Entries() = %d, want %d", got, tt.want)
			}
		})
	}
}
